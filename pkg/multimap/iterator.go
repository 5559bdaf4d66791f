package multimap

import (
	"bytes"

	"github.com/nainya/pagestore/pkg/btree"
	"github.com/nainya/pagestore/pkg/region"
)

// ValueIterator is a double-ended iterator over one key's value-set
// (spec section 4.6's get/range contract). Both Inline and Subtree forms
// are materialized eagerly into an ordered slice at construction time -
// the teacher's btree.BIter is forward-only, so rather than inventing a
// reverse B-tree walk this overlay reads the form once and serves Next/
// Prev off the two ends of the resulting slice. RemoveAll's iterator
// additionally owns the pages that backed a Subtree collection and frees
// them (via free_if_uncommitted, falling back to the shared FreedPages
// list) once drained from either end or explicitly Closed.
type ValueIterator struct {
	values  [][]byte
	lo, hi  int
	closeFn func()
	closed  bool
}

func newEmptyValueIterator() *ValueIterator {
	return &ValueIterator{}
}

func newInlineValueIterator(values [][]byte) *ValueIterator {
	return &ValueIterator{values: values, hi: len(values)}
}

func newPlainValueIterator(values [][]byte) *ValueIterator {
	return &ValueIterator{values: values, hi: len(values)}
}

func newDrainingValueIterator(values [][]byte, pages []region.PageNumber, t *Table) *ValueIterator {
	it := &ValueIterator{values: values, hi: len(values)}
	it.closeFn = func() {
		for _, pn := range pages {
			t.freeSubtreeRoot(pn)
		}
	}
	return it
}

// Next returns the next value in ascending order, or false once exhausted.
func (it *ValueIterator) Next() ([]byte, bool) {
	if it.lo >= it.hi {
		it.Close()
		return nil, false
	}
	v := it.values[it.lo]
	it.lo++
	if it.lo >= it.hi {
		it.Close()
	}
	return v, true
}

// Prev returns the next value in descending order, or false once
// exhausted.
func (it *ValueIterator) Prev() ([]byte, bool) {
	if it.lo >= it.hi {
		it.Close()
		return nil, false
	}
	it.hi--
	v := it.values[it.hi]
	if it.lo >= it.hi {
		it.Close()
	}
	return v, true
}

// Len reports the number of values remaining.
func (it *ValueIterator) Len() int { return it.hi - it.lo }

// Close releases any pages this iterator owns (only RemoveAll's iterator
// holds any); safe to call multiple times and automatically invoked once
// the iterator is exhausted from either end.
func (it *ValueIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.closeFn != nil {
		it.closeFn()
	}
	return nil
}

// RangeIter iterates (key, value-iterator) pairs over the outer tree in
// ascending key order. Errors decoding a collection are surfaced on the
// Next() call that encounters them rather than panicking or being
// silently unwrapped - resolving spec section 9's inherited open question
// about the original's range-iterator construction silently unwrapping a
// result.
type RangeIter struct {
	t    *Table
	bitr *btree.BIter
	hi   []byte
	err  error
	done bool
}

// Next advances to the next key in range, returning its value iterator.
// Returns false once the range is exhausted or Err() becomes non-nil.
func (r *RangeIter) Next() (key []byte, values *ValueIterator, ok bool) {
	if r.err != nil || r.done || !r.bitr.Valid() {
		return nil, nil, false
	}
	if r.hi != nil && bytes.Compare(r.bitr.Key(), r.hi) >= 0 {
		r.done = true
		return nil, nil, false
	}

	key = append([]byte{}, r.bitr.Key()...)
	val := r.bitr.Val()
	col, err := decodeCollection(val)
	if err != nil {
		r.err = err
		return nil, nil, false
	}

	if col.isInline() {
		values = newInlineValueIterator(btree.LeafKeys(col.inlineLeaf))
	} else {
		_, vs := r.t.walkSubtree(col.subtreeRoot)
		values = newPlainValueIterator(vs)
	}

	if !r.bitr.Next() {
		r.done = true
	}
	return key, values, true
}

// Err returns the first decode error encountered, if any.
func (r *RangeIter) Err() error { return r.err }
