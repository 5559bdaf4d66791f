// Package multimap implements the multimap overlay of spec section 4.6: a
// B-tree from K to a tagged DynamicCollection value-set that is either
// embedded inline in the outer leaf or promoted to its own nested B-tree
// once the inline encoding would cross half a page. Grounded on
// original_source's multimap_table.rs for the promote/demote thresholds
// and on the teacher's pkg/btree (copy-on-write node format, Scan-style
// iteration) for how the nested tree is built and walked.
package multimap

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/nainya/pagestore/internal/logger"
	"github.com/nainya/pagestore/internal/metrics"
	"github.com/nainya/pagestore/pkg/btree"
	"github.com/nainya/pagestore/pkg/checksum"
	"github.com/nainya/pagestore/pkg/region"
	"github.com/nainya/pagestore/pkg/storage"
)

// Engine is the subset of *pagestore.Engine the overlay depends on: page
// allocation and lookup, page size, and the shared metrics/logger handles
// so every component logs and counts through the same registered sinks.
type Engine interface {
	PageSize() uint32
	Allocate(bytes int) ([]byte, region.PageNumber, error)
	GetPage(pn region.PageNumber, hint storage.ReadHint) ([]byte, error)
	GetPageMut(pn region.PageNumber) ([]byte, error)
	Free(pn region.PageNumber)
	FreeIfUncommitted(pn region.PageNumber) bool
	Metrics() *metrics.Metrics
	Log() *logger.Logger
}

// Table is the multimap overlay over one outer B-tree. It is not safe for
// concurrent writers (spec section 5: at most one active write transaction
// at a time, enforced by the enclosing transaction manager); Table's own
// mutex only serializes concurrent calls against that single-writer
// contract, it does not implement MVCC.
type Table struct {
	mu     sync.Mutex
	outer  btree.BTree
	engine Engine
	freed  *FreedPages
	log    *logger.Logger
}

// New creates an empty multimap table.
func New(engine Engine, freed *FreedPages) *Table {
	t := &Table{engine: engine, freed: freed, log: engine.Log().MultimapLogger("overlay")}
	t.outer.SetCallbacks(t.pageGet, t.pageNew, t.pageDel)
	return t
}

// Open reattaches a multimap table whose outer root was produced by a
// prior transaction.
func Open(engine Engine, root region.PageNumber, freed *FreedPages) *Table {
	t := New(engine, freed)
	t.outer.SetRoot(root)
	return t
}

// Root returns the outer B-tree's root page number, for persisting into
// the database header's data-root slot.
func (t *Table) Root() region.PageNumber { return t.outer.GetRoot() }

func (t *Table) pageGet(pn region.PageNumber) []byte {
	buf, err := t.engine.GetPage(pn, storage.HintNone)
	if err != nil {
		// The B-tree collaborator contract (spec section 6.5) has no error
		// return on get/new/del; a read fault here is an I/O error the
		// engine already wraps as errs.Io, surfaced by panicking through
		// to the caller of the multimap operation that triggered it.
		panic(err)
	}
	return buf
}

func (t *Table) pageNew(data []byte) region.PageNumber {
	buf, pn, err := t.engine.Allocate(len(data))
	if err != nil {
		panic(err)
	}
	copy(buf, data)
	return pn
}

func (t *Table) pageDel(pn region.PageNumber) {
	if !t.engine.FreeIfUncommitted(pn) {
		t.engine.Free(pn)
	}
}

func (t *Table) pageSize() int    { return int(t.engine.PageSize()) }
func (t *Table) threshold() int   { return t.pageSize() / 2 }
func (t *Table) metrics() *metrics.Metrics { return t.engine.Metrics() }

// openNested wires a fresh BTree handle at root, sharing this table's page
// callbacks: inserts/removes against it go through the same engine.
func (t *Table) openNested(root region.PageNumber) *btree.BTree {
	nested := &btree.BTree{}
	nested.SetCallbacks(t.pageGet, t.pageNew, t.pageDel)
	nested.SetRoot(root)
	return nested
}

// subtreeBlob reads root's current page bytes and wraps it as a Subtree
// DynamicCollection, checksumming the page the way spec section 3.7/6.4
// requires.
func (t *Table) subtreeBlob(root region.PageNumber) []byte {
	buf, err := t.engine.GetPage(root, storage.HintNone)
	if err != nil {
		panic(err)
	}
	return encodeSubtree(root, checksum.Of(buf))
}

// promote builds a fresh nested tree holding existing plus extra - the
// promote path of spec section 4.6's insert. existing is either an
// already-decoded Inline collection's values (promoting an existing key)
// or nil (a brand new key whose single value is already oversized).
//
// The nested tree is grown exclusively through BTree.Insert, one value at
// a time, rather than by copying the Inline leaf's raw bytes straight in
// as a root page: BTree.Insert bootstraps a fresh tree with a permanent
// (nil, nil) sentinel at index 0 that nodeLookupLE relies on to bound
// every lookup from below, and the Inline encoding carries no such
// sentinel. Reusing the Inline bytes directly as a tree root would work
// until a later insert of a value smaller than the leaf's current minimum
// silently misordered the tree.
func (t *Table) promote(existing [][]byte, extra []byte) region.PageNumber {
	nested := &btree.BTree{}
	nested.SetCallbacks(t.pageGet, t.pageNew, t.pageDel)
	for _, v := range existing {
		nested.Insert(v, nil)
	}
	if _, found := nested.Get(extra); !found {
		nested.Insert(extra, nil)
	}
	return nested.GetRoot()
}

// dropSentinel removes the permanent (nil, nil) bootstrap entry BTree.Insert
// plants at index 0 of a freshly-rooted tree, which - so long as it is never
// merged away - survives at the absolute leftmost position of any tree this
// package builds via promote. keys must be the leaf-key list of a subtree's
// own leftmost leaf (the first leaf walkSubtree or tryDemote visits); any
// other leaf's index 0 is a real value, not the sentinel.
func dropSentinel(keys [][]byte) [][]byte {
	if len(keys) > 0 && len(keys[0]) == 0 {
		return keys[1:]
	}
	return keys
}

// tryDemote reports whether root's current page is a single leaf (the
// whole nested tree, so its index 0 is the tree-wide bootstrap sentinel)
// whose re-encoded size is under the inline threshold, returning the
// re-encoded Inline leaf if so (spec section 4.6's Subtree -> Inline
// demotion).
func (t *Table) tryDemote(root region.PageNumber) ([]byte, bool) {
	buf, err := t.engine.GetPage(root, storage.HintNone)
	if err != nil {
		panic(err)
	}
	node := btree.BNode(buf)
	if !node.IsLeaf() {
		return nil, false
	}
	leaf := btree.NewLeaf(dropSentinel(btree.LeafKeys(buf)))
	if len(leaf) >= t.threshold() {
		return nil, false
	}
	return leaf, true
}

// freeSubtreeRoot releases a demoted subtree's sole remaining page,
// falling back to the deferred freed-pages list when it wasn't allocated
// in the current transaction (spec section 4.6's remove/demote path).
func (t *Table) freeSubtreeRoot(pn region.PageNumber) {
	if !t.engine.FreeIfUncommitted(pn) {
		t.freed.Add(pn)
	}
}

// walkSubtree recursively collects every page number and every leaf value
// reachable from root, in key order. Used by Get/Range (values only, pages
// discarded) and RemoveAll (both, so the caller can free every page once
// the returned iterator is drained). The very first leaf visited is the
// tree-wide leftmost leaf, so its index 0 is the bootstrap sentinel
// (dropSentinel) rather than a real value; every other leaf's entries are
// all real.
func (t *Table) walkSubtree(root region.PageNumber) (pages []region.PageNumber, values [][]byte) {
	first := true
	var walk func(pn region.PageNumber)
	walk = func(pn region.PageNumber) {
		pages = append(pages, pn)
		buf, err := t.engine.GetPage(pn, storage.HintNone)
		if err != nil {
			panic(err)
		}
		node := btree.BNode(buf)
		if node.IsLeaf() {
			keys := btree.LeafKeys(buf)
			if first {
				first = false
				keys = dropSentinel(keys)
			}
			values = append(values, copyAll(keys)...)
			return
		}
		for i := uint16(0); i < node.NumKeys(); i++ {
			walk(node.PtrAt(i))
		}
	}
	walk(root)
	return pages, values
}

func copyAll(keys [][]byte) [][]byte {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = append([]byte{}, k...)
	}
	return out
}

// searchKeys binary-searches a sorted key slice for v, returning its
// position (for insertion, the index it belongs at) and whether it was
// found exactly.
func searchKeys(keys [][]byte, v []byte) (int, bool) {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(keys[mid], v) {
		case -1:
			lo = mid + 1
		case 0:
			return mid, true
		default:
			hi = mid
		}
	}
	return lo, false
}

func insertKeyAt(keys [][]byte, pos int, v []byte) [][]byte {
	out := make([][]byte, 0, len(keys)+1)
	out = append(out, keys[:pos]...)
	out = append(out, v)
	out = append(out, keys[pos:]...)
	return out
}

func removeKeyAt(keys [][]byte, pos int) [][]byte {
	out := make([][]byte, 0, len(keys)-1)
	out = append(out, keys[:pos]...)
	out = append(out, keys[pos+1:]...)
	return out
}

// Insert adds v to k's value-set, returning true if it was already
// present (spec section 4.6, "was-present").
func (t *Table) Insert(k, v []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.outer.Get(k)
	if !ok {
		return false, t.insertNewKey(k, v)
	}

	col, err := decodeCollection(existing)
	if err != nil {
		return false, err
	}
	if col.isInline() {
		return t.insertIntoInline(k, col, v)
	}
	return t.insertIntoSubtree(k, col, v)
}

func (t *Table) insertNewKey(k, v []byte) error {
	leaf := btree.NewLeaf([][]byte{v})
	if len(leaf) < t.threshold() {
		t.outer.Insert(k, encodeInline(leaf))
		return nil
	}
	root := t.promote(nil, v)
	t.outer.Insert(k, t.subtreeBlob(root))
	t.metrics().InlineToSubtreePromotions.Inc()
	t.log.LogPromotion(1)
	return nil
}

func (t *Table) insertIntoInline(k []byte, col collection, v []byte) (bool, error) {
	keys := btree.LeafKeys(col.inlineLeaf)
	pos, found := searchKeys(keys, v)
	if found {
		return true, nil
	}
	newKeys := insertKeyAt(keys, pos, v)
	leaf := btree.NewLeaf(newKeys)
	if len(leaf) < t.threshold() {
		t.outer.Insert(k, encodeInline(leaf))
		return false, nil
	}
	root := t.promote(keys, v)
	t.outer.Insert(k, t.subtreeBlob(root))
	t.metrics().InlineToSubtreePromotions.Inc()
	t.log.LogPromotion(len(keys) + 1)
	return false, nil
}

func (t *Table) insertIntoSubtree(k []byte, col collection, v []byte) (bool, error) {
	nested := t.openNested(col.subtreeRoot)
	if _, found := nested.Get(v); found {
		return true, nil
	}
	nested.Insert(v, nil)
	t.outer.Insert(k, t.subtreeBlob(nested.GetRoot()))
	return false, nil
}

// Remove deletes v from k's value-set, returning whether it was present.
// A collection is never left empty (spec section 4.6's invariant): if v
// was the collection's last value, k is removed from the outer tree
// entirely.
func (t *Table) Remove(k, v []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.outer.Get(k)
	if !ok {
		return false, nil
	}
	col, err := decodeCollection(existing)
	if err != nil {
		return false, err
	}
	if col.isInline() {
		return t.removeFromInline(k, col, v)
	}
	return t.removeFromSubtree(k, col, v)
}

func (t *Table) removeFromInline(k []byte, col collection, v []byte) (bool, error) {
	keys := btree.LeafKeys(col.inlineLeaf)
	pos, found := searchKeys(keys, v)
	if !found {
		return false, nil
	}
	if len(keys) == 1 {
		t.outer.Delete(k)
		return true, nil
	}
	leaf := btree.NewLeaf(removeKeyAt(keys, pos))
	t.outer.Insert(k, encodeInline(leaf))
	return true, nil
}

func (t *Table) removeFromSubtree(k []byte, col collection, v []byte) (bool, error) {
	nested := t.openNested(col.subtreeRoot)
	if !nested.Delete(v) {
		return false, nil
	}

	newRoot := nested.GetRoot()
	if newRoot.IsZero() {
		t.outer.Delete(k)
		return true, nil
	}
	if leaf, ok := t.tryDemote(newRoot); ok {
		t.freeSubtreeRoot(newRoot)
		t.outer.Insert(k, encodeInline(leaf))
		t.metrics().SubtreeToInlineDemotions.Inc()
		t.log.LogDemotion(int(btree.BNode(leaf).NumKeys()))
		return true, nil
	}
	t.outer.Insert(k, t.subtreeBlob(newRoot))
	return true, nil
}

// RemoveAll atomically removes k from the outer tree and returns an
// iterator over its prior value-set; the pages that backed it are freed
// once the iterator is drained or explicitly Closed (spec section 4.6).
func (t *Table) RemoveAll(k []byte) (*ValueIterator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.outer.Get(k)
	if !ok {
		return newEmptyValueIterator(), nil
	}
	col, err := decodeCollection(existing)
	if err != nil {
		return nil, err
	}
	t.outer.Delete(k)

	if col.isInline() {
		return newInlineValueIterator(btree.LeafKeys(col.inlineLeaf)), nil
	}
	pages, values := t.walkSubtree(col.subtreeRoot)
	return newDrainingValueIterator(values, pages, t), nil
}

// Get returns an iterator over k's current value-set (empty if k is
// absent).
func (t *Table) Get(k []byte) (*ValueIterator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.outer.Get(k)
	if !ok {
		return newEmptyValueIterator(), nil
	}
	col, err := decodeCollection(existing)
	if err != nil {
		return nil, err
	}
	if col.isInline() {
		return newInlineValueIterator(btree.LeafKeys(col.inlineLeaf)), nil
	}
	_, values := t.walkSubtree(col.subtreeRoot)
	return newPlainValueIterator(values), nil
}

// seekToFloor positions bi at the first real key >= lo, skipping past the
// outer tree's own permanent bootstrap sentinel (the same (nil, nil) entry
// dropSentinel strips from a nested tree's leftmost leaf - here it is the
// outer key tree's leftmost leaf instead, which is why keys in this
// overlay must never be the empty byte slice). Returns false once nothing
// at or past lo remains.
func seekToFloor(bi *btree.BIter, lo []byte) bool {
	if !bi.Valid() {
		return false
	}
	for bi.Valid() && (len(bi.Key()) == 0 || bytes.Compare(bi.Key(), lo) < 0) {
		if !bi.Next() {
			return false
		}
	}
	return bi.Valid()
}

// Range returns an iterator over (key, value-iterator) pairs for keys in
// [lo, hi) (hi == nil means unbounded).
func (t *Table) Range(lo, hi []byte) *RangeIter {
	t.mu.Lock()
	defer t.mu.Unlock()

	bi := t.outer.NewIterator()
	ri := &RangeIter{t: t, bitr: bi, hi: hi}
	if !bi.SeekLE(lo) || !seekToFloor(bi, lo) {
		ri.done = true
	}
	return ri
}

// PrintDebug writes a human-readable dump of the outer tree and every
// collection it holds, expanding Subtree descriptors recursively when
// includeValues is set (spec section 6.5's required print_debug).
func (t *Table) PrintDebug(w io.Writer, includeValues bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bi := t.outer.NewIterator()
	if !bi.SeekLE(nil) || !seekToFloor(bi, nil) {
		fmt.Fprintln(w, "<empty multimap>")
		return
	}
	for bi.Valid() {
		col, err := decodeCollection(bi.Val())
		if err != nil {
			fmt.Fprintf(w, "key=%x <corrupt: %v>\n", bi.Key(), err)
			if !bi.Next() {
				break
			}
			continue
		}
		if col.isInline() {
			fmt.Fprintf(w, "key=%x inline n=%d\n", bi.Key(), btree.BNode(col.inlineLeaf).NumKeys())
		} else {
			fmt.Fprintf(w, "key=%x subtree root=%+v\n", bi.Key(), col.subtreeRoot)
		}
		if includeValues {
			var values [][]byte
			if col.isInline() {
				values = btree.LeafKeys(col.inlineLeaf)
			} else {
				_, values = t.walkSubtree(col.subtreeRoot)
			}
			for _, v := range values {
				fmt.Fprintf(w, "  value=%x\n", v)
			}
		}
		if !bi.Next() {
			break
		}
	}
}
