package bptree

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack"

	"github.com/recmandb/bptree/internal/pack"
)

// BTree is a persistent ordered map of key/value entries stored across
// fixed-capacity pages in a record manager. The tree itself owns only
// metadata (root recid, height, entry count); every page lives in the
// record manager under its own recid.
//
// A BTree is single-writer: no operation may run while another mutates
// the same tree.
type BTree struct {
	recman RecordManager
	recid  uint64 // metadata record

	root    uint64
	height  int
	entries int64

	capacity        int
	comparator      Comparator
	keySerializer   Serializer
	valueSerializer Serializer
	loadValues      bool
	logger          Logger
}

// treeMeta is the persisted tree state.
type treeMeta struct {
	Root     uint64
	Height   int32
	Entries  int64
	Capacity int32
}

type metaSerializer struct{}

func (metaSerializer) Serialize(w pack.ByteSink, v any) error {
	data, err := msgpack.Marshal(v.(treeMeta))
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (metaSerializer) Deserialize(r pack.ByteStream) (any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var m treeMeta
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewBTree creates an empty tree and persists its metadata record.
func NewBTree(rm RecordManager, opts ...Option) (*BTree, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if !validCapacity(o.capacity) {
		return nil, fmt.Errorf("page capacity %d is not a power of two in [4, 256]", o.capacity)
	}

	t := newTree(rm, o)
	recid, err := rm.Insert(t.meta(), metaSerializer{})
	if err != nil {
		return nil, err
	}
	t.recid = recid
	return t, nil
}

// OpenBTree loads an existing tree from its metadata record. The
// comparator and serializers must match the ones the tree was written
// with; the page capacity comes from the metadata.
func OpenBTree(rm RecordManager, recid uint64, opts ...Option) (*BTree, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	v, err := rm.Fetch(recid, metaSerializer{})
	if err != nil {
		return nil, err
	}
	m := v.(treeMeta)
	o.capacity = int(m.Capacity)
	if !validCapacity(o.capacity) {
		return nil, fmt.Errorf("%w: stored page capacity %d", ErrCorruption, o.capacity)
	}

	t := newTree(rm, o)
	t.recid = recid
	t.root = m.Root
	t.height = int(m.Height)
	t.entries = m.Entries
	return t, nil
}

func newTree(rm RecordManager, o options) *BTree {
	return &BTree{
		recman:          rm,
		capacity:        o.capacity,
		comparator:      o.comparator,
		keySerializer:   o.keySerializer,
		valueSerializer: o.valueSerializer,
		loadValues:      o.loadValues,
		logger:          o.logger,
	}
}

func (t *BTree) meta() treeMeta {
	return treeMeta{
		Root:     t.root,
		Height:   int32(t.height),
		Entries:  t.entries,
		Capacity: int32(t.capacity),
	}
}

func (t *BTree) saveMeta() error {
	return t.recman.Update(t.recid, t.meta(), metaSerializer{})
}

// Recid returns the record id of the tree's metadata record; pass it to
// OpenBTree to load the tree again.
func (t *BTree) Recid() uint64 {
	return t.recid
}

// Size returns the number of live entries.
func (t *BTree) Size() int64 {
	return t.entries
}

// Height returns the number of page levels; zero for an empty tree that
// was never inserted into.
func (t *BTree) Height() int {
	return t.height
}

func (t *BTree) loadPage(recid uint64) (*page, error) {
	v, err := t.recman.Fetch(recid, t.pageSer())
	if err != nil {
		return nil, err
	}
	p := v.(*page)
	p.recid = recid
	p.tree = t
	return p, nil
}

func (t *BTree) loadRoot() (*page, error) {
	return t.loadPage(t.root)
}

// Insert stores (key, value). When the key is already present the stored
// value is returned and, if replace is true, overwritten. Returns nil for
// a fresh key.
func (t *BTree) Insert(key, value any, replace bool) (any, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	if value == nil {
		return nil, ErrNilValue
	}
	if err := t.mutable(); err != nil {
		return nil, err
	}

	if t.root == 0 {
		root, err := newRootPage(t, key, value)
		if err != nil {
			return nil, err
		}
		t.root = root.recid
		t.height = 1
		t.entries = 1
		return nil, t.saveMeta()
	}

	root, err := t.loadRoot()
	if err != nil {
		return nil, err
	}
	result, err := root.insert(t.height, key, value, replace)
	if err != nil {
		return nil, err
	}
	if result.found {
		// No structural change, metadata is untouched.
		return result.existing, nil
	}

	if result.overflow != nil {
		// Root overflow: grow the tree by one level.
		newRoot, err := newRootOverflowPage(t, root, result.overflow)
		if err != nil {
			return nil, err
		}
		t.root = newRoot.recid
		t.height++
	}
	t.entries++
	return nil, t.saveMeta()
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (t *BTree) Get(key any) (any, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	if err := t.mutable(); err != nil {
		return nil, err
	}
	if t.root == 0 {
		return nil, ErrKeyNotFound
	}

	root, err := t.loadRoot()
	if err != nil {
		return nil, err
	}
	value, ok, err := root.findValue(t.height, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

// Remove deletes key and returns the value it held, or ErrKeyNotFound.
func (t *BTree) Remove(key any) (any, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	if err := t.mutable(); err != nil {
		return nil, err
	}
	if t.root == 0 {
		return nil, ErrKeyNotFound
	}

	root, err := t.loadRoot()
	if err != nil {
		return nil, err
	}
	result, err := root.remove(t.height, key)
	if err != nil {
		return nil, err
	}

	// A non-leaf root left with a single subtree is replaced by it. An
	// empty root leaf stays; the tree's owner disposes of it.
	for t.height > 1 && root.isEmpty() {
		child := root.children[t.capacity-1]
		if err := t.recman.Delete(root.recid); err != nil {
			return nil, err
		}
		t.root = child
		t.height--
		if root, err = t.loadRoot(); err != nil {
			return nil, err
		}
	}

	t.entries--
	if err := t.saveMeta(); err != nil {
		return nil, err
	}
	return result.value, nil
}

// First returns a cursor positioned before the smallest entry.
func (t *BTree) First() (*Cursor, error) {
	if err := t.mutable(); err != nil {
		return nil, err
	}
	if t.root == 0 {
		return &Cursor{tree: t}, nil
	}
	root, err := t.loadRoot()
	if err != nil {
		return nil, err
	}
	return root.findFirst()
}

// Find returns a cursor positioned just before key, or before the next
// greater key when key is absent.
func (t *BTree) Find(key any) (*Cursor, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	if err := t.mutable(); err != nil {
		return nil, err
	}
	if t.root == 0 {
		return &Cursor{tree: t}, nil
	}
	root, err := t.loadRoot()
	if err != nil {
		return nil, err
	}
	return root.find(t.height, key)
}

// Destroy deletes every page of the tree and its metadata record. The
// tree must not be used afterwards.
func (t *BTree) Destroy() error {
	if err := t.mutable(); err != nil {
		return err
	}
	if t.root != 0 {
		root, err := t.loadRoot()
		if err != nil {
			return err
		}
		if err := root.destroy(); err != nil {
			return err
		}
	}
	t.root = 0
	t.height = 0
	t.entries = 0
	return t.recman.Delete(t.recid)
}

// mutable rejects engine operations on a tree opened with WithoutValues:
// such a tree has pages without keys and may only be defragmented.
func (t *BTree) mutable() error {
	if !t.loadValues {
		return ErrPartialPage
	}
	return nil
}
