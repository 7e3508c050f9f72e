package bptree

import "fmt"

// removeResult carries the removed value and whether this page dropped
// below minimum fill, which the parent resolves by borrow or merge.
type removeResult struct {
	value     any
	underflow bool
}

// remove deletes key from the subtree rooted at this page. Returns
// ErrKeyNotFound when the key is absent. A child that reports underflow
// is rebalanced against a sibling: rotation when the sibling has slack,
// merge when it is at minimum fill.
func (p *page) remove(height int, key any) (removeResult, error) {
	var result removeResult

	half := p.tree.capacity / 2
	index := p.findChildren(key)

	height--
	if height == 0 {
		// Remove a leaf entry.
		if p.tree.compare(p.keys[index], key) != 0 {
			return result, fmt.Errorf("%w: %v", ErrKeyNotFound, key)
		}

		if lazy, ok := p.values[index].(*lazyRecord); ok {
			value, err := lazy.get()
			if err != nil {
				return result, err
			}
			result.value = value
			if err := lazy.delete(); err != nil {
				return result, err
			}
		} else {
			result.value = p.values[index]
		}
		removeEntry(p, index)

		if err := p.update(); err != nil {
			return result, err
		}
	} else {
		child, err := p.childPage(index)
		if err != nil {
			return result, err
		}
		result, err = child.remove(height, key)
		if err != nil {
			return result, err
		}

		// The child's largest key may have changed.
		p.keys[index] = child.largestKey()
		if err := p.update(); err != nil {
			return result, err
		}

		if result.underflow {
			if child.first != half+1 {
				p.tree.logger.Error("underflowed child out of bounds",
					"page", child.recid, "first", child.first, "want", half+1)
				return result, fmt.Errorf("%w: underflowed child has first=%d, want %d", ErrCorruption, child.first, half+1)
			}
			if index < p.tree.capacity-1 {
				if err := p.rebalanceRight(child, index, half); err != nil {
					return result, err
				}
			} else {
				if err := p.rebalanceLeft(child, index, half); err != nil {
					return result, err
				}
			}
		}
	}

	// Underflow if this page is now more than half empty.
	result.underflow = p.first > half
	return result, nil
}

// rebalanceRight resolves an underflowed child against its right sibling
// at index+1: steal entries when the sibling has slack, otherwise absorb
// the child into the sibling and drop the child's separator entry.
func (p *page) rebalanceRight(child *page, index, half int) error {
	brother, err := p.childPage(index + 1)
	if err != nil {
		return err
	}
	bfirst := brother.first

	if bfirst < half {
		// Steal entries from the sibling.
		steal := (half - bfirst + 1) / 2
		brother.first += steal
		child.first -= steal
		if child.isLeaf {
			copyEntries(child, half+1, child, half+1-steal, half-1)
			copyEntries(brother, bfirst, child, 2*half-steal, steal)
		} else {
			copyChildren(child, half+1, child, half+1-steal, half-1)
			copyChildren(brother, bfirst, child, 2*half-steal, steal)
		}

		for i := bfirst; i < bfirst+steal; i++ {
			if brother.isLeaf {
				setEntry(brother, i, nil, nil)
			} else {
				setChild(brother, i, nil, 0)
			}
		}

		p.keys[index] = child.largestKey()

		// No change in the leaf list.
		if err := p.update(); err != nil {
			return err
		}
		if err := brother.update(); err != nil {
			return err
		}
		return child.update()
	}

	// Sibling is at minimum fill: move all entries from child to it.
	if brother.first != half {
		return fmt.Errorf("%w: merge sibling has first=%d, want %d", ErrCorruption, brother.first, half)
	}

	brother.first = 1
	if child.isLeaf {
		copyEntries(child, half+1, brother, 1, half-1)
	} else {
		copyChildren(child, half+1, brother, 1, half-1)
	}
	if err := brother.update(); err != nil {
		return err
	}

	// Drop the child's separator entry from this page.
	copyChildren(p, p.first, p, p.first+1, index-p.first)
	setChild(p, p.first, nil, 0)
	p.first++
	if err := p.update(); err != nil {
		return err
	}

	if err := p.spliceOut(child); err != nil {
		return err
	}
	return p.tree.recman.Delete(child.recid)
}

// rebalanceLeft is rebalanceRight for the rightmost child, whose only
// sibling is at index-1. On merge the sibling dies and the child absorbs
// it, keeping the sentinel slot on the rightmost page.
func (p *page) rebalanceLeft(child *page, index, half int) error {
	brother, err := p.childPage(index - 1)
	if err != nil {
		return err
	}
	bfirst := brother.first

	if bfirst < half {
		// Steal entries from the sibling.
		steal := (half - bfirst + 1) / 2
		brother.first += steal
		child.first -= steal
		if child.isLeaf {
			copyEntries(brother, 2*half-steal, child, half+1-steal, steal)
			copyEntries(brother, bfirst, brother, bfirst+steal, 2*half-bfirst-steal)
		} else {
			copyChildren(brother, 2*half-steal, child, half+1-steal, steal)
			copyChildren(brother, bfirst, brother, bfirst+steal, 2*half-bfirst-steal)
		}

		for i := bfirst; i < bfirst+steal; i++ {
			if brother.isLeaf {
				setEntry(brother, i, nil, nil)
			} else {
				setChild(brother, i, nil, 0)
			}
		}

		p.keys[index-1] = brother.largestKey()

		// No change in the leaf list.
		if err := p.update(); err != nil {
			return err
		}
		if err := brother.update(); err != nil {
			return err
		}
		return child.update()
	}

	// Sibling is at minimum fill: move all entries from it to child.
	if brother.first != half {
		return fmt.Errorf("%w: merge sibling has first=%d, want %d", ErrCorruption, brother.first, half)
	}

	child.first = 1
	if child.isLeaf {
		copyEntries(brother, half, child, 1, half)
	} else {
		copyChildren(brother, half, child, 1, half)
	}
	if err := child.update(); err != nil {
		return err
	}

	// Drop the sibling's separator entry from this page.
	copyChildren(p, p.first, p, p.first+1, index-1-p.first)
	setChild(p, p.first, nil, 0)
	p.first++
	if err := p.update(); err != nil {
		return err
	}

	if err := p.spliceOut(brother); err != nil {
		return err
	}
	return p.tree.recman.Delete(brother.recid)
}

// spliceOut unlinks a dead leaf from the leaf list, failing with
// ErrCorruption when a neighbour does not point back at it. No-op for
// non-leaf pages.
func (p *page) spliceOut(dead *page) error {
	if !dead.isLeaf {
		return nil
	}
	if dead.previous != 0 {
		prev, err := p.tree.loadPage(dead.previous)
		if err != nil {
			return err
		}
		if prev.next != dead.recid {
			return fmt.Errorf("%w: leaf %d previous neighbour points forward at %d", ErrCorruption, dead.recid, prev.next)
		}
		prev.next = dead.next
		if err := prev.update(); err != nil {
			return err
		}
	}
	if dead.next != 0 {
		next, err := p.tree.loadPage(dead.next)
		if err != nil {
			return err
		}
		if next.previous != dead.recid {
			return fmt.Errorf("%w: leaf %d next neighbour points back at %d", ErrCorruption, dead.recid, next.previous)
		}
		next.previous = dead.previous
		if err := next.update(); err != nil {
			return err
		}
	}
	return nil
}

// destroy deletes this page and every page beneath it from the record
// manager, unlinking leaves from their neighbours first. The reciprocal
// pointer checks catch a corrupted leaf list before it is made worse.
func (p *page) destroy() error {
	if p.isLeaf {
		if p.next != 0 {
			next, err := p.tree.loadPage(p.next)
			if err != nil {
				return err
			}
			if next.previous != p.recid {
				p.tree.logger.Error("leaf list mismatch",
					"leaf", p.recid, "next", p.next, "nextPrevious", next.previous)
				return fmt.Errorf("%w: leaf %d next neighbour points back at %d", ErrCorruption, p.recid, next.previous)
			}
			next.previous = p.previous
			if err := next.update(); err != nil {
				return err
			}
		}
		if p.previous != 0 {
			prev, err := p.tree.loadPage(p.previous)
			if err != nil {
				return err
			}
			if prev.next != p.recid {
				p.tree.logger.Error("leaf list mismatch",
					"leaf", p.recid, "previous", p.previous, "previousNext", prev.next)
				return fmt.Errorf("%w: leaf %d previous neighbour points forward at %d", ErrCorruption, p.recid, prev.next)
			}
			prev.next = p.next
			if err := prev.update(); err != nil {
				return err
			}
		}
	} else {
		for i := p.first; i < p.tree.capacity; i++ {
			child, err := p.childPage(i)
			if err != nil {
				return err
			}
			if err := child.destroy(); err != nil {
				return err
			}
		}
	}

	return p.tree.recman.Delete(p.recid)
}
