package bptree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorEmptyTree(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)

	cursor, err := tree.First()
	require.NoError(t, err)

	var tuple Tuple
	ok, err := cursor.Next(&tuple)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = cursor.Prev(&tuple)
	require.NoError(t, err)
	assert.False(t, ok)
}

// The cursor follows the leaf links, not the tree structure, so it
// crosses page boundaries transparently.
func TestCursorForwardAcrossLeaves(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	for k := int64(1); k <= 100; k++ {
		_, err := tree.Insert(k, k*3, false)
		require.NoError(t, err)
	}
	require.Greater(t, tree.Height(), 2)

	cursor, err := tree.First()
	require.NoError(t, err)

	var tuple Tuple
	for k := int64(1); k <= 100; k++ {
		ok, err := cursor.Next(&tuple)
		require.NoError(t, err)
		require.True(t, ok, "entry %d", k)
		assert.EqualValues(t, k, tuple.Key)
		assert.EqualValues(t, k*3, tuple.Value)
	}

	ok, err := cursor.Next(&tuple)
	require.NoError(t, err)
	assert.False(t, ok, "cursor is exhausted")
}

// Find positions the cursor before the next greater key when the sought
// key is absent.
func TestCursorFindPositioning(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	for _, k := range []int64{10, 20, 30, 40, 50} {
		_, err := tree.Insert(k, k, false)
		require.NoError(t, err)
	}

	cursor, err := tree.Find(int64(25))
	require.NoError(t, err)

	var tuple Tuple
	ok, err := cursor.Next(&tuple)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 30, tuple.Key)

	// An exact hit starts on the key itself.
	cursor, err = tree.Find(int64(30))
	require.NoError(t, err)
	ok, err = cursor.Next(&tuple)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 30, tuple.Key)

	// Past the largest key the cursor is exhausted immediately.
	cursor, err = tree.Find(int64(60))
	require.NoError(t, err)
	ok, err = cursor.Next(&tuple)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCursorBackwardAcrossLeaves(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	for k := int64(1); k <= 64; k++ {
		_, err := tree.Insert(k, k, false)
		require.NoError(t, err)
	}

	// Walk to the end, then all the way back.
	cursor, err := tree.First()
	require.NoError(t, err)
	var tuple Tuple
	for {
		ok, err := cursor.Next(&tuple)
		require.NoError(t, err)
		if !ok {
			break
		}
	}

	for k := int64(64); k >= 1; k-- {
		ok, err := cursor.Prev(&tuple)
		require.NoError(t, err)
		require.True(t, ok, "entry %d", k)
		assert.EqualValues(t, k, tuple.Key)
	}

	ok, err := cursor.Prev(&tuple)
	require.NoError(t, err)
	assert.False(t, ok, "cursor is at the beginning")
}

// Alternating directions re-reads the entry on either side.
func TestCursorMixedDirections(t *testing.T) {
	t.Parallel()

	tree, _ := setup(t)
	for _, k := range []int64{1, 2, 3, 4, 5, 6} {
		_, err := tree.Insert(k, k, false)
		require.NoError(t, err)
	}

	cursor, err := tree.First()
	require.NoError(t, err)

	var tuple Tuple
	for _, want := range []int64{1, 2, 3} {
		ok, err := cursor.Next(&tuple)
		require.NoError(t, err)
		require.True(t, ok)
		assert.EqualValues(t, want, tuple.Key)
	}

	ok, err := cursor.Prev(&tuple)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 3, tuple.Key)

	ok, err = cursor.Next(&tuple)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 3, tuple.Key)
}
