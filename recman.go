package bptree

// RecordManager persists objects under 64-bit record ids. The page engine
// never touches disk directly; every page and every lazy value record
// goes through this interface. Store is the file-backed implementation in
// this module, but any implementation satisfying these semantics works.
type RecordManager interface {
	// Insert persists a fresh object and returns its record id.
	Insert(v any, ser Serializer) (uint64, error)

	// Fetch loads and deserializes the record.
	Fetch(recid uint64, ser Serializer) (any, error)

	// Update overwrites the record in place.
	Update(recid uint64, v any, ser Serializer) error

	// Delete frees the record.
	Delete(recid uint64) error

	// DefaultSerializer returns the fallback codec for arbitrary objects.
	DefaultSerializer() Serializer
}

// RawStore is the raw-record access defrag needs: payloads move between
// stores byte-for-byte with their record ids preserved.
type RawStore interface {
	// FetchRaw returns the record's payload without deserializing it.
	FetchRaw(recid uint64) ([]byte, error)

	// ForceInsert stores payload under a caller-chosen record id.
	ForceInsert(recid uint64, payload []byte) error
}
