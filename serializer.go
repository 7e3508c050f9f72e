package bptree

import (
	"bytes"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack"

	"github.com/recmandb/bptree/internal/pack"
)

// Serializer converts a single value to and from its byte representation.
// Implementations must be self-delimiting: Deserialize reads exactly the
// bytes that Serialize wrote, leaving the stream positioned at the next
// value.
type Serializer interface {
	Serialize(w pack.ByteSink, v any) error
	Deserialize(r pack.ByteStream) (any, error)
}

// msgpackSerializer is the default object serializer: msgpack bytes
// framed with a varlong length so values can be read back-to-back from a
// shared stream.
type msgpackSerializer struct{}

// DefaultSerializer returns the serializer used for keys and values when
// the tree is not configured with a custom one.
func DefaultSerializer() Serializer {
	return msgpackSerializer{}
}

func (msgpackSerializer) Serialize(w pack.ByteSink, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	if err := pack.PutUvarint(w, uint64(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (msgpackSerializer) Deserialize(r pack.ByteStream) (any, error) {
	n, err := pack.Uvarint(r)
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	var v any
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// rawSerializer stores a []byte payload verbatim. Lazy value records use
// it to move opaque bytes through the record manager.
type rawSerializer struct{}

func (rawSerializer) Serialize(w pack.ByteSink, v any) error {
	_, err := w.Write(v.([]byte))
	return err
}

func (rawSerializer) Deserialize(r pack.ByteStream) (any, error) {
	return io.ReadAll(r)
}

// serializeToBytes runs a serializer into a fresh buffer.
func serializeToBytes(ser Serializer, v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := ser.Serialize(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Comparator imposes a total order on keys. A nil comparator means keys
// are naturally ordered (integers, strings, or []byte).
type Comparator func(a, b any) int

// compare orders two keys, treating nil as greater than any real key
// (nil is the +infinity sentinel of the rightmost page at each level).
func (t *BTree) compare(a, b any) int {
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	if t.comparator != nil {
		return t.comparator(a, b)
	}
	return naturalCompare(a, b)
}

// naturalCompare orders the key types the codec fast paths understand.
// All signed integer widths are normalized before comparison, so a key
// inserted as int and read back as int64 stays equal to itself.
func naturalCompare(a, b any) int {
	switch av := a.(type) {
	case int, int8, int16, int32, int64:
		ai := toInt64(a)
		switch b.(type) {
		case int, int8, int16, int32, int64:
			bi := toInt64(b)
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			default:
				return 0
			}
		}
	case uint, uint8, uint16, uint32, uint64:
		ai := toUint64(a)
		switch b.(type) {
		case uint, uint8, uint16, uint32, uint64:
			bi := toUint64(b)
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			default:
				return 0
			}
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case string:
		if bv, ok := b.(string); ok {
			return bytes.Compare([]byte(av), []byte(bv))
		}
	case []byte:
		if bv, ok := b.([]byte); ok {
			return bytes.Compare(av, bv)
		}
	}
	panic(fmt.Sprintf("bptree: keys of types %T and %T are not naturally ordered, provide a Comparator", a, b))
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	}
	panic("unreachable")
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint:
		return uint64(n)
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	}
	panic("unreachable")
}
