package bptree

const (
	// MaxInTreeRecordSize is the largest serialized value stored inline in
	// a leaf. Anything bigger becomes its own record, referenced by recid.
	// The limit keeps inline length bytes clear of the tag bytes below.
	MaxInTreeRecordSize = 32

	// Values-block tags. Inline values use their length byte as the tag,
	// so MaxInTreeRecordSize must stay below both of these.
	valueNull       = 255
	valueLazyRecord = 254
)

// lazyRecord is a value stored outside its owning page: the leaf slot
// holds only the recid, and the payload is fetched on first use.
type lazyRecord struct {
	recman RecordManager
	recid  uint64
	ser    Serializer

	loaded bool
	value  any
}

// get fetches and caches the payload.
func (l *lazyRecord) get() (any, error) {
	if l.loaded {
		return l.value, nil
	}
	v, err := l.recman.Fetch(l.recid, l.ser)
	if err != nil {
		return nil, err
	}
	l.value = v
	l.loaded = true
	return v, nil
}

// delete frees the payload record. Called when the owning entry is
// removed or replaced.
func (l *lazyRecord) delete() error {
	return l.recman.Delete(l.recid)
}

// resolveValue dereferences a lazy record, passing plain values through.
func resolveValue(v any) (any, error) {
	if lr, ok := v.(*lazyRecord); ok {
		return lr.get()
	}
	return v, nil
}
