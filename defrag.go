package bptree

import "bytes"

// Defrag copies the tree's reachable page records from src to dst with
// their recids preserved, in root-to-leaf order so a clustered store
// lays related pages out together. Records move byte-for-byte; pages are
// deserialized only far enough to recover child recids.
func (t *BTree) Defrag(src, dst RawStore) error {
	data, err := src.FetchRaw(t.recid)
	if err != nil {
		return err
	}
	if err := dst.ForceInsert(t.recid, data); err != nil {
		return err
	}

	if t.root == 0 {
		return nil
	}
	data, err = src.FetchRaw(t.root)
	if err != nil {
		return err
	}
	if err := dst.ForceInsert(t.root, data); err != nil {
		return err
	}

	root, err := t.rawPage(data)
	if err != nil {
		return err
	}
	return root.defrag(src, dst)
}

// defrag copies each reachable child's raw record, then recurses. Leaf
// pages have no children and were already emitted by the caller.
func (p *page) defrag(src, dst RawStore) error {
	if p.children == nil {
		return nil
	}
	for _, child := range p.children {
		if child == 0 {
			continue
		}
		data, err := src.FetchRaw(child)
		if err != nil {
			return err
		}
		if err := dst.ForceInsert(child, data); err != nil {
			return err
		}
		cp, err := p.tree.rawPage(data)
		if err != nil {
			return err
		}
		if err := cp.defrag(src, dst); err != nil {
			return err
		}
	}
	return nil
}

// rawPage partially deserializes a page record: structural header and
// child recids only, keys and values skipped.
func (t *BTree) rawPage(data []byte) (*page, error) {
	raw := t
	if t.loadValues {
		shallow := *t
		shallow.loadValues = false
		raw = &shallow
	}
	v, err := pageSerializer{tree: raw}.Deserialize(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	p := v.(*page)
	p.tree = raw
	return p, nil
}
