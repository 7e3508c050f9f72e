package bptree

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/recmandb/bptree/internal/pack"
)

// Page record kinds.
const (
	pageLeaf    = 1
	pageNonLeaf = 2
)

// Key-form tags. The encoder picks the first applicable form in this
// order; the decoder dispatches on the tag.
const (
	keyFormAllNull          = 0
	keyFormIntegers         = 1 << 5
	keyFormIntegersNegative = 2 << 5
	keyFormLongs            = 3 << 5
	keyFormLongsNegative    = 4 << 5
	keyFormStrings          = 5 << 5
	keyFormOther            = 6 << 5
)

// pageSerializer reads and writes the on-disk page record:
//
//	[kind][leaf: previous, next][first][non-leaf: children][keys][leaf: values]
//
// Keys are delta-compressed per key form; values are inline, absent, or a
// lazy recid. The serializer carries the tree because key and value
// encodings depend on the tree's serializers and comparator.
type pageSerializer struct {
	tree *BTree
}

func (t *BTree) pageSer() Serializer {
	return pageSerializer{tree: t}
}

func (s pageSerializer) Serialize(w pack.ByteSink, v any) error {
	p := v.(*page)
	cap := s.tree.capacity

	var kind byte = pageNonLeaf
	if p.isLeaf {
		kind = pageLeaf
	}
	if err := w.WriteByte(kind); err != nil {
		return err
	}

	if p.isLeaf {
		if err := pack.PutUvarint(w, p.previous); err != nil {
			return err
		}
		if err := pack.PutUvarint(w, p.next); err != nil {
			return err
		}
	}

	if err := w.WriteByte(byte(p.first)); err != nil {
		return err
	}

	if !p.isLeaf {
		for i := p.first; i < cap; i++ {
			if err := pack.PutUvarint(w, p.children[i]); err != nil {
				return err
			}
		}
	}

	if err := s.writeKeys(w, p); err != nil {
		return err
	}

	if p.isLeaf {
		return s.writeValues(w, p)
	}
	return nil
}

func (s pageSerializer) Deserialize(r pack.ByteStream) (any, error) {
	t := s.tree
	cap := t.capacity
	p := &page{tree: t}

	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch kind {
	case pageLeaf:
		p.isLeaf = true
	case pageNonLeaf:
		p.isLeaf = false
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrPageHeader, kind)
	}

	if p.isLeaf {
		if p.previous, err = pack.Uvarint(r); err != nil {
			return nil, err
		}
		if p.next, err = pack.Uvarint(r); err != nil {
			return nil, err
		}
	}

	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	p.first = int(first)

	if !p.isLeaf {
		p.children = make([]uint64, cap)
		for i := p.first; i < cap; i++ {
			if p.children[i], err = pack.Uvarint(r); err != nil {
				return nil, err
			}
		}
	}

	// Partial load: the page is only a raw-data carrier for defrag.
	if !t.loadValues {
		return p, nil
	}

	if p.keys, err = s.readKeys(r, p.first); err != nil {
		return nil, err
	}

	if p.isLeaf {
		if err := s.readValues(r, p); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// writeKeys encodes the live key slots with the tightest applicable form.
// The integer, long and string fast paths only apply under natural
// ordering with the default key serializer; delta encoding relies on the
// keys being stored in comparison order.
func (s pageSerializer) writeKeys(w pack.ByteSink, p *page) error {
	t := s.tree
	cap := t.capacity
	keys := p.keys
	first := p.first

	allNull := true
	for i := first; i < cap; i++ {
		if keys[i] != nil {
			allNull = false
			break
		}
	}
	if allNull {
		return w.WriteByte(keyFormAllNull)
	}

	if t.comparator == nil && t.keySerializer == nil {
		allInteger := true
		for i := first; i < cap; i++ {
			if keys[i] != nil {
				if _, ok := keys[i].(int32); !ok {
					allInteger = false
					break
				}
			}
		}

		allLong := true
		for i := first; i < cap; i++ {
			if keys[i] == nil {
				continue
			}
			var v int64
			switch k := keys[i].(type) {
			case int64:
				v = k
			case int:
				v = int64(k)
			default:
				allLong = false
			}
			// math.MinInt64 has no positive absolute value.
			if !allLong || v == math.MinInt64 {
				allLong = false
				break
			}
		}

		if allLong {
			// The delta packing only pays off when the span fits.
			min, max := int64(math.MaxInt64), int64(math.MinInt64)
			for i := first; i < cap; i++ {
				if keys[i] == nil {
					continue
				}
				v := toInt64(keys[i])
				if v > max {
					max = v
				}
				if v < min {
					min = v
				}
			}
			if float64(max)-float64(min) > float64(math.MaxInt64)/2 {
				allLong = false
			}
		}

		if allInteger || allLong {
			return s.writeDeltaKeys(w, p, allInteger)
		}

		allString := true
		for i := first; i < cap; i++ {
			if keys[i] != nil {
				if _, ok := keys[i].(string); !ok {
					allString = false
					break
				}
			}
		}
		if allString {
			if err := w.WriteByte(keyFormStrings); err != nil {
				return err
			}
			var previous []byte
			for i := first; i < cap; i++ {
				if keys[i] == nil {
					if err := pack.WriteLeading(w, nil, previous); err != nil {
						return err
					}
					continue
				}
				b := []byte(keys[i].(string))
				if err := pack.WriteLeading(w, b, previous); err != nil {
					return err
				}
				previous = b
			}
			return nil
		}
	}

	// No fast path applies: serialize every slot.
	if err := w.WriteByte(keyFormOther); err != nil {
		return err
	}
	if t.keySerializer == nil {
		ser := t.recman.DefaultSerializer()
		for i := first; i < cap; i++ {
			if err := ser.Serialize(w, keys[i]); err != nil {
				return err
			}
		}
		return nil
	}

	// Custom serializer: run each key through leading-value packing.
	var previous []byte
	for i := first; i < cap; i++ {
		if keys[i] == nil {
			if err := pack.WriteLeading(w, nil, previous); err != nil {
				return err
			}
			continue
		}
		b, err := serializeToBytes(t.keySerializer, keys[i])
		if err != nil {
			return err
		}
		if err := pack.WriteLeading(w, b, previous); err != nil {
			return err
		}
		previous = b
	}
	return nil
}

// writeDeltaKeys emits the integer and long forms: the first key's
// magnitude, then a varlong delta per slot with zero marking absence.
func (s pageSerializer) writeDeltaKeys(w pack.ByteSink, p *page, integer bool) error {
	cap := s.tree.capacity
	first := toInt64(p.keys[p.first])

	var tag byte
	switch {
	case integer && first > 0:
		tag = keyFormIntegers
	case integer:
		tag = keyFormIntegersNegative
	case first > 0:
		tag = keyFormLongs
	default:
		tag = keyFormLongsNegative
	}
	if err := w.WriteByte(tag); err != nil {
		return err
	}

	abs := first
	if abs < 0 {
		abs = -abs
	}
	if err := pack.PutUvarint(w, uint64(abs)); err != nil {
		return err
	}

	for i := p.first + 1; i < cap; i++ {
		if p.keys[i] == nil {
			if err := pack.PutUvarint(w, 0); err != nil {
				return err
			}
			continue
		}
		v := toInt64(p.keys[i])
		if v <= first {
			return fmt.Errorf("%w: page keys out of order", ErrCorruption)
		}
		if err := pack.PutUvarint(w, uint64(v-first)); err != nil {
			return err
		}
		first = v
	}
	return nil
}

func (s pageSerializer) readKeys(r pack.ByteStream, first int) ([]any, error) {
	t := s.tree
	cap := t.capacity
	keys := make([]any, cap)

	form, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch form {
	case keyFormAllNull:
		return keys, nil

	case keyFormIntegers, keyFormIntegersNegative, keyFormLongs, keyFormLongsNegative:
		abs, err := pack.Uvarint(r)
		if err != nil {
			return nil, err
		}
		prev := int64(abs)
		if form == keyFormIntegersNegative || form == keyFormLongsNegative {
			prev = -prev
		}
		integer := form == keyFormIntegers || form == keyFormIntegersNegative

		set := func(i int, v int64) {
			if integer {
				keys[i] = int32(v)
			} else {
				keys[i] = v
			}
		}
		set(first, prev)
		for i := first + 1; i < cap; i++ {
			delta, err := pack.Uvarint(r)
			if err != nil {
				return nil, err
			}
			if delta == 0 {
				continue
			}
			prev += int64(delta)
			set(i, prev)
		}
		return keys, nil

	case keyFormStrings:
		var previous []byte
		for i := first; i < cap; i++ {
			b, err := pack.ReadLeading(r, previous)
			if err != nil {
				return nil, err
			}
			if b == nil {
				continue
			}
			keys[i] = string(b)
			previous = b
		}
		return keys, nil

	case keyFormOther:
		if t.keySerializer == nil {
			ser := t.recman.DefaultSerializer()
			for i := first; i < cap; i++ {
				v, err := ser.Deserialize(r)
				if err != nil {
					return nil, err
				}
				keys[i] = v
			}
			return keys, nil
		}

		var previous []byte
		for i := first; i < cap; i++ {
			b, err := pack.ReadLeading(r, previous)
			if err != nil {
				return nil, err
			}
			if b == nil {
				continue
			}
			v, err := t.keySerializer.Deserialize(bytes.NewReader(b))
			if err != nil {
				return nil, err
			}
			keys[i] = v
			previous = b
		}
		return keys, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrKeyForm, form)
	}
}

// writeValues encodes each live leaf slot as absent, a lazy recid, or an
// inline payload whose length byte doubles as the tag. A value whose
// serialized form exceeds MaxInTreeRecordSize is moved into its own
// record; the slot keeps the lazy handle so later writes of this page
// reuse the record instead of inserting a fresh one.
func (s pageSerializer) writeValues(w pack.ByteSink, p *page) error {
	t := s.tree
	ser := t.valueSerializer
	if ser == nil {
		ser = t.recman.DefaultSerializer()
	}

	for i := p.first; i < t.capacity; i++ {
		switch v := p.values[i].(type) {
		case *lazyRecord:
			if err := w.WriteByte(valueLazyRecord); err != nil {
				return err
			}
			if err := pack.PutUvarint(w, v.recid); err != nil {
				return err
			}
		case nil:
			if err := w.WriteByte(valueNull); err != nil {
				return err
			}
		default:
			buf, err := serializeToBytes(ser, v)
			if err != nil {
				return err
			}
			if len(buf) > MaxInTreeRecordSize {
				recid, err := t.recman.Insert(buf, rawSerializer{})
				if err != nil {
					return err
				}
				p.values[i] = &lazyRecord{recman: t.recman, recid: recid, ser: ser, loaded: true, value: v}
				if err := w.WriteByte(valueLazyRecord); err != nil {
					return err
				}
				if err := pack.PutUvarint(w, recid); err != nil {
					return err
				}
				continue
			}
			if err := w.WriteByte(byte(len(buf))); err != nil {
				return err
			}
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s pageSerializer) readValues(r pack.ByteStream, p *page) error {
	t := s.tree
	ser := t.valueSerializer
	if ser == nil {
		ser = t.recman.DefaultSerializer()
	}

	p.values = make([]any, t.capacity)
	for i := p.first; i < t.capacity; i++ {
		header, err := r.ReadByte()
		if err != nil {
			return err
		}
		switch header {
		case valueNull:
			// leave nil
		case valueLazyRecord:
			recid, err := pack.Uvarint(r)
			if err != nil {
				return err
			}
			p.values[i] = &lazyRecord{recman: t.recman, recid: recid, ser: ser}
		default:
			buf := make([]byte, header)
			if _, err := io.ReadFull(r, buf); err != nil {
				return err
			}
			v, err := ser.Deserialize(bytes.NewReader(buf))
			if err != nil {
				return err
			}
			p.values[i] = v
		}
	}
	return nil
}
