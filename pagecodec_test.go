package bptree

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip serializes a page and decodes it again under the same tree
// context.
func roundTrip(t *testing.T, tree *BTree, p *page) *page {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, tree.pageSer().Serialize(&buf, p))

	v, err := tree.pageSer().Deserialize(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	got := v.(*page)
	got.recid = p.recid
	return got
}

func encode(t *testing.T, tree *BTree, p *page) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, tree.pageSer().Serialize(&buf, p))
	return buf.Bytes()
}

func newLeaf(tree *BTree, first int) *page {
	return &page{
		tree:   tree,
		isLeaf: true,
		first:  first,
		keys:   make([]any, tree.capacity),
		values: make([]any, tree.capacity),
	}
}

func TestPageRoundTripAllNull(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	p := newLeaf(tree, tree.capacity-1)

	got := roundTrip(t, tree, p)
	assert.True(t, got.isLeaf)
	assert.Equal(t, p.first, got.first)
	for _, k := range got.keys {
		assert.Nil(t, k)
	}

	// An all-absent keys block is a single tag byte. Layout so far:
	// kind, previous, next, first, then the keys tag.
	data := encode(t, tree, p)
	assert.Equal(t, byte(keyFormAllNull), data[4])
}

func TestPageRoundTripLongKeys(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	p := newLeaf(tree, 1)
	p.previous = 11
	p.next = 12
	p.keys[1], p.values[1] = int64(5), int64(50)
	p.keys[2], p.values[2] = int64(900), int64(9000)
	// Slot 3 stays the sentinel.

	data := encode(t, tree, p)
	assert.Equal(t, byte(keyFormLongs), data[4])

	got := roundTrip(t, tree, p)
	assert.Equal(t, uint64(11), got.previous)
	assert.Equal(t, uint64(12), got.next)
	assert.Equal(t, 1, got.first)
	assert.Equal(t, int64(5), got.keys[1])
	assert.Equal(t, int64(900), got.keys[2])
	assert.Nil(t, got.keys[3])
	assert.EqualValues(t, 50, got.values[1])
	assert.EqualValues(t, 9000, got.values[2])
	assert.Nil(t, got.values[3])
}

func TestPageRoundTripNegativeLongKeys(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	p := newLeaf(tree, 0)
	p.keys[0], p.values[0] = int64(-100), int64(1)
	p.keys[1], p.values[1] = int64(-7), int64(2)
	p.keys[2], p.values[2] = int64(3), int64(3)
	p.keys[3], p.values[3] = int64(250), int64(4)

	data := encode(t, tree, p)
	assert.Equal(t, byte(keyFormLongsNegative), data[4])

	got := roundTrip(t, tree, p)
	assert.Equal(t, []any{int64(-100), int64(-7), int64(3), int64(250)}, got.keys)
}

func TestPageRoundTripIntegerKeys(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	p := newLeaf(tree, 1)
	p.keys[1], p.values[1] = int32(2), int64(20)
	p.keys[2], p.values[2] = int32(40), int64(400)

	data := encode(t, tree, p)
	assert.Equal(t, byte(keyFormIntegers), data[4])

	got := roundTrip(t, tree, p)
	assert.Equal(t, int32(2), got.keys[1])
	assert.Equal(t, int32(40), got.keys[2])
}

// Keys spanning more than half the int64 range skip the delta form.
func TestPageWideLongSpanFallsBack(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	p := newLeaf(tree, 2)
	p.keys[2], p.values[2] = int64(-4611686018427387904), int64(1)
	p.keys[3], p.values[3] = int64(4611686018427387904), int64(2)

	data := encode(t, tree, p)
	assert.Equal(t, byte(keyFormOther), data[4])

	got := roundTrip(t, tree, p)
	assert.EqualValues(t, -4611686018427387904, got.keys[2])
	assert.EqualValues(t, 4611686018427387904, got.keys[3])
}

func TestPageRoundTripStringKeys(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	p := newLeaf(tree, 0)
	p.keys[0], p.values[0] = "apple", int64(1)
	p.keys[1], p.values[1] = "applet", int64(2)
	p.keys[2], p.values[2] = "apricot", int64(3)
	p.keys[3], p.values[3] = "banana", int64(4)

	data := encode(t, tree, p)
	assert.Equal(t, byte(keyFormStrings), data[4])

	got := roundTrip(t, tree, p)
	assert.Equal(t, []any{"apple", "applet", "apricot", "banana"}, got.keys)
}

// Mixed key types have no fast path and go through the default
// serializer slot by slot.
func TestPageRoundTripMixedKeys(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	p := newLeaf(tree, 2)
	p.keys[2], p.values[2] = int64(9), int64(1)
	p.keys[3], p.values[3] = "zeta", int64(2)

	data := encode(t, tree, p)
	assert.Equal(t, byte(keyFormOther), data[4])

	got := roundTrip(t, tree, p)
	assert.EqualValues(t, 9, got.keys[2])
	assert.Equal(t, "zeta", got.keys[3])
}

// With a comparator set the delta fast paths are off: slot order is not
// guaranteed to be numeric order.
func TestPageComparatorDisablesFastPath(t *testing.T) {
	t.Parallel()

	reverse := func(a, b any) int { return -naturalCompare(a, b) }
	tree, _ := setup(t, WithComparator(reverse))

	p := newLeaf(tree, 2)
	p.keys[2], p.values[2] = int64(50), int64(1)
	p.keys[3], p.values[3] = int64(3), int64(2)

	data := encode(t, tree, p)
	assert.Equal(t, byte(keyFormOther), data[4])

	got := roundTrip(t, tree, p)
	assert.EqualValues(t, 50, got.keys[2])
	assert.EqualValues(t, 3, got.keys[3])
}

func TestPageRoundTripCustomKeySerializer(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t, WithKeySerializer(testStringSerializer{}))

	p := newLeaf(tree, 1)
	p.keys[1], p.values[1] = "node:0001", int64(1)
	p.keys[2], p.values[2] = "node:0002", int64(2)

	got := roundTrip(t, tree, p)
	assert.Equal(t, "node:0001", got.keys[1])
	assert.Equal(t, "node:0002", got.keys[2])
	assert.Nil(t, got.keys[3])
}

func TestPageRoundTripNonLeaf(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	p := &page{
		tree:     tree,
		isLeaf:   false,
		first:    1,
		keys:     make([]any, tree.capacity),
		children: make([]uint64, tree.capacity),
	}
	p.keys[1], p.children[1] = int64(10), uint64(101)
	p.keys[2], p.children[2] = int64(20), uint64(102)
	p.children[3] = 103 // sentinel child

	got := roundTrip(t, tree, p)
	assert.False(t, got.isLeaf)
	assert.Equal(t, 1, got.first)
	assert.Equal(t, []uint64{0, 101, 102, 103}, got.children)
	assert.Equal(t, int64(10), got.keys[1])
	assert.Equal(t, int64(20), got.keys[2])
	assert.Nil(t, got.keys[3])
	assert.Nil(t, got.values)
}

// A lazy slot serializes as its recid and decodes back to a handle.
func TestPageRoundTripLazySlot(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)

	p := newLeaf(tree, 2)
	p.keys[2] = int64(1)
	p.values[2] = &lazyRecord{recman: tree.recman, recid: 77, ser: DefaultSerializer()}

	got := roundTrip(t, tree, p)
	lazy, ok := got.values[2].(*lazyRecord)
	require.True(t, ok)
	assert.Equal(t, uint64(77), lazy.recid)
}

// Partial load stops after the structural header: child recids are
// available, keys and values are not.
func TestPagePartialLoad(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	p := &page{
		tree:     tree,
		isLeaf:   false,
		first:    2,
		keys:     make([]any, tree.capacity),
		children: make([]uint64, tree.capacity),
	}
	p.keys[2], p.children[2] = int64(10), uint64(44)
	p.children[3] = 45

	data := encode(t, tree, p)
	got, err := tree.rawPage(data)
	require.NoError(t, err)

	assert.False(t, got.isLeaf)
	assert.Equal(t, 2, got.first)
	assert.Equal(t, []uint64{0, 0, 44, 45}, got.children)
	assert.Nil(t, got.keys)
	assert.Nil(t, got.values)
}

func TestPageUnknownKindRejected(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	_, err := tree.pageSer().Deserialize(bytes.NewReader([]byte{0x7F}))
	assert.ErrorIs(t, err, ErrPageHeader)
}

func TestPageUnknownKeyFormRejected(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	p := newLeaf(tree, 2)
	p.keys[2], p.values[2] = int64(1), int64(1)

	data := encode(t, tree, p)
	data[4] = 0xFF // clobber the key-form tag

	_, err := tree.pageSer().Deserialize(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrKeyForm)
}
