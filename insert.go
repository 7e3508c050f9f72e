package bptree

// insertResult carries either the value already stored under the key, or
// the freshly allocated sibling when the insert split a page.
type insertResult struct {
	existing any
	found    bool
	overflow *page
}

// update writes this page's current state through the record manager.
func (p *page) update() error {
	return p.tree.recman.Update(p.recid, p, p.tree.pageSer())
}

// insert adds (key, value) to the subtree rooted at this page. The tree
// holds no duplicate keys, so when the key is already present the caller
// chooses via replace whether the stored value is overwritten; either way
// the previous value is returned. A split propagates upward through the
// overflow field of the result.
func (p *page) insert(height int, key, value any, replace bool) (insertResult, error) {
	var result insertResult
	var overflow uint64

	index := p.findChildren(key)

	height--
	if height == 0 {
		// Inserting on a leaf page.
		if p.tree.compare(key, p.keys[index]) == 0 {
			lazy, isLazy := p.values[index].(*lazyRecord)
			if isLazy {
				existing, err := lazy.get()
				if err != nil {
					return result, err
				}
				result.existing = existing
			} else {
				result.existing = p.values[index]
			}
			result.found = true
			if replace {
				if isLazy {
					if err := lazy.delete(); err != nil {
						return result, err
					}
				}
				p.values[index] = value
				if err := p.update(); err != nil {
					return result, err
				}
			}
			return result, nil
		}
	} else {
		child, err := p.childPage(index)
		if err != nil {
			return result, err
		}
		result, err = child.insert(height, key, value, replace)
		if err != nil {
			return result, err
		}

		if result.found {
			return result, nil
		}
		if result.overflow == nil {
			// No overflow means the insertion is done.
			return result, nil
		}

		// The child split: insert its new sibling here, and refresh the
		// child's separator key, which the split may have reduced.
		key = result.overflow.largestKey()
		overflow = result.overflow.recid
		p.keys[index] = child.largestKey()
		result.overflow = nil
	}

	// A new entry lands on this page just before slot index.
	if !p.isFull() {
		if p.isLeaf {
			insertEntry(p, index-1, key, value)
		} else {
			insertChild(p, index-1, key, overflow)
		}
		if err := p.update(); err != nil {
			return result, err
		}
		return result, nil
	}

	// Page is full: divide it. The lower half moves to a new sibling.
	half := p.tree.capacity / 2
	newPage, err := newSplitPage(p.tree, p.isLeaf)
	if err != nil {
		return result, err
	}
	if index < half {
		// The new entry belongs to the half that moves.
		if p.isLeaf {
			copyEntries(p, 0, newPage, half, index)
			setEntry(newPage, half+index, key, value)
			copyEntries(p, index, newPage, half+index+1, half-index-1)
		} else {
			copyChildren(p, 0, newPage, half, index)
			setChild(newPage, half+index, key, overflow)
			copyChildren(p, index, newPage, half+index+1, half-index-1)
		}
	} else {
		// The new entry stays on this page.
		if p.isLeaf {
			copyEntries(p, 0, newPage, half, half)
			copyEntries(p, half, p, half-1, index-half)
			setEntry(p, index-1, key, value)
		} else {
			copyChildren(p, 0, newPage, half, half)
			copyChildren(p, half, p, half-1, index-half)
			setChild(p, index-1, key, overflow)
		}
	}

	p.first = half - 1

	// Clear the vacated low slots.
	for i := 0; i < p.first; i++ {
		if p.isLeaf {
			setEntry(p, i, nil, nil)
		} else {
			setChild(p, i, nil, 0)
		}
	}

	if p.isLeaf {
		// Splice the new sibling into the leaf list just before this page.
		newPage.previous = p.previous
		newPage.next = p.recid
		if p.previous != 0 {
			prev, err := p.tree.loadPage(p.previous)
			if err != nil {
				return result, err
			}
			prev.next = newPage.recid
			if err := prev.update(); err != nil {
				return result, err
			}
		}
		p.previous = newPage.recid
	}

	if err := p.update(); err != nil {
		return result, err
	}
	if err := newPage.update(); err != nil {
		return result, err
	}

	result.overflow = newPage
	return result, nil
}
