// Package buddy implements the per-region hierarchical buddy allocator:
// pages are tracked at orders 0..=maxOrder, where a block at order o spans
// page_size*2^o bytes. A page is free at at most one order, the highest at
// which it currently belongs to a merged free block; every other order's
// bit for that same memory is left set as a placeholder. Ported from the
// allocator in original_source/src/tree_store/page_store/buddy_allocator.rs.
package buddy

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/nainya/pagestore/pkg/bitmap"
)

// MaxMaxPageOrder bounds how large a single contiguous allocation can be,
// matching the engine's MAX_MAX_PAGE_ORDER.
const MaxMaxPageOrder = 20

const (
	maxOrderOffset  = 0
	numPagesOffset  = 4
	endOffsetsStart = 8
)

// CalculateUsableOrder returns the highest buddy order an allocator with
// room for maxPageCapacity pages should support.
func CalculateUsableOrder(maxPageCapacity uint32) uint8 {
	if maxPageCapacity == 0 {
		return 0
	}
	order := uint8(0)
	for order < MaxMaxPageOrder && (uint32(1)<<(order+1)) <= maxPageCapacity {
		order++
	}
	return order
}

func capacityAtOrder(maxPageCapacity uint32, order uint8) uint32 {
	step := uint32(1) << order
	return (maxPageCapacity + step - 1) / step
}

func dataStart(maxOrder uint8) uint32 {
	return endOffsetsStart + uint32(maxOrder+1)*4
}

// RequiredSpace returns the number of bytes needed to back an allocator with
// room for maxPageCapacity pages at the given max order.
func RequiredSpace(maxPageCapacity uint32, maxOrder uint8) uint32 {
	off := dataStart(maxOrder)
	for o := uint8(0); o <= maxOrder; o++ {
		off += bitmap.RequiredBytes(capacityAtOrder(maxPageCapacity, o))
	}
	return off
}

// Allocator is a per-region buddy allocator backed directly by a caller-
// owned byte slice (a window into the region's header bytes). The slice
// must be sized for maxPageCapacity regardless of how many pages are
// currently tracked (numPages); the remainder acts as permanently
// allocated padding until Resize grows into it.
type Allocator struct {
	data            []byte
	maxOrder        uint8
	numPages        uint32
	maxPageCapacity uint32
	ends            []uint32
	bitmaps         []*bitmap.Tree
}

func orderStart(ends []uint32, ds uint32, order uint8) uint32 {
	if order == 0 {
		return ds
	}
	return ends[order-1]
}

func build(data []byte, maxOrder uint8, numPages, maxPageCapacity uint32) *Allocator {
	ends := make([]uint32, maxOrder+1)
	for o := 0; o <= int(maxOrder); o++ {
		ends[o] = binary.LittleEndian.Uint32(data[endOffsetsStart+4*o : endOffsetsStart+4*o+4])
	}
	ds := dataStart(maxOrder)
	bms := make([]*bitmap.Tree, maxOrder+1)
	for o := 0; o <= int(maxOrder); o++ {
		start := orderStart(ends, ds, uint8(o))
		end := ends[o]
		cap := capacityAtOrder(maxPageCapacity, uint8(o))
		bms[o] = bitmap.New(data[start:end], cap)
	}
	return &Allocator{
		data:            data,
		maxOrder:        maxOrder,
		numPages:        numPages,
		maxPageCapacity: maxPageCapacity,
		ends:            ends,
		bitmaps:         bms,
	}
}

// Open parses an existing allocator from previously initialized bytes. The
// caller supplies maxPageCapacity since it is owned by the region layout,
// not re-derived from the allocator bytes themselves.
func Open(data []byte, maxPageCapacity uint32) *Allocator {
	maxOrder := data[maxOrderOffset]
	numPages := binary.LittleEndian.Uint32(data[numPagesOffset : numPagesOffset+4])
	return build(data, maxOrder, numPages, maxPageCapacity)
}

// InitNew formats data as a fresh allocator tracking numPages pages out of
// a maximum of maxPageCapacity, and accounts for exactly numPages allocated
// pages greedily from the highest order down, per the init algorithm in
// spec section 4.2.
func InitNew(data []byte, numPages, maxPageCapacity uint32) *Allocator {
	if numPages > maxPageCapacity {
		panic("buddy: numPages exceeds maxPageCapacity")
	}
	maxOrder := CalculateUsableOrder(maxPageCapacity)
	data[maxOrderOffset] = maxOrder

	ds := dataStart(maxOrder)
	off := ds
	for o := uint8(0); o <= maxOrder; o++ {
		off += bitmap.RequiredBytes(capacityAtOrder(maxPageCapacity, o))
		binary.LittleEndian.PutUint32(data[endOffsetsStart+4*int(o):endOffsetsStart+4*int(o)+4], off)
	}
	binary.LittleEndian.PutUint32(data[numPagesOffset:numPagesOffset+4], numPages)

	a := build(data, maxOrder, numPages, maxPageCapacity)
	for o := range a.bitmaps {
		a.bitmaps[o].Fill(true)
	}

	var accounted uint32
	for order := int(maxOrder); order >= 0; order-- {
		step := uint32(1) << uint(order)
		for accounted+step <= numPages {
			idx := accounted / step
			a.bitmaps[order].Clear(idx)
			accounted += step
		}
		if order == 0 {
			break
		}
	}
	if accounted != numPages {
		panic(fmt.Sprintf("buddy: accounted %d != numPages %d", accounted, numPages))
	}
	return a
}

// Bytes returns the allocator's owned backing buffer, for persisting the
// region header out to storage.
func (a *Allocator) Bytes() []byte { return a.data }

func (a *Allocator) MaxOrder() uint8   { return a.maxOrder }
func (a *Allocator) NumPages() uint32  { return a.numPages }
func (a *Allocator) Capacity() uint32  { return a.numPages }

// HighestFreeOrder returns the highest order with at least one free block.
func (a *Allocator) HighestFreeOrder() (uint8, bool) {
	for o := int(a.maxOrder); o >= 0; o-- {
		if a.bitmaps[o].HasUnset() {
			return uint8(o), true
		}
	}
	return 0, false
}

// CountFreePages sums free blocks across every order, each weighted by its
// block size; since a page is free at exactly one order this double-counts
// nothing.
func (a *Allocator) CountFreePages() uint32 {
	var free uint32
	for o := 0; o <= int(a.maxOrder); o++ {
		free += a.bitmaps[o].CountUnset() << uint(o)
	}
	return free
}

// CountAllocatedPages returns numPages minus the free count.
func (a *Allocator) CountAllocatedPages() uint32 {
	return a.numPages - a.CountFreePages()
}

// Alloc finds a free block at order, splitting a higher block if needed.
// Returns false iff no capacity exists at any order >= order.
func (a *Allocator) Alloc(order uint8) (uint32, bool) {
	if idx, ok := a.bitmaps[order].FindFirstUnset(); ok {
		a.bitmaps[order].Set(idx)
		return idx, true
	}
	if order >= a.maxOrder {
		return 0, false
	}
	parentIdx, ok := a.Alloc(order + 1)
	if !ok {
		return 0, false
	}
	left := parentIdx * 2
	right := left + 1
	a.bitmaps[order].Set(left)
	if right < a.bitmaps[order].Capacity() {
		a.bitmaps[order].Clear(right)
	}
	return left, true
}

// RecordAlloc forces page to be allocated at order, splitting down from
// whatever higher order it is currently merged-free at. Calling it on a
// page already individually allocated at this exact order is a programming
// error that is not detected here: such a call marks the buddy of every
// block on the path from page up to the top order as free.
func (a *Allocator) RecordAlloc(page uint32, order uint8) {
	if !a.bitmaps[order].Get(page) {
		a.bitmaps[order].Set(page)
		return
	}
	if order >= a.maxOrder {
		return
	}
	a.RecordAlloc(page/2, order+1)
	buddy := page ^ 1
	if buddy < a.bitmaps[order].Capacity() {
		a.bitmaps[order].Clear(buddy)
	}
	a.bitmaps[order].Set(page)
}

// Free releases page at order, merging with its buddy up the tree whenever
// the buddy is also free.
func (a *Allocator) Free(page uint32, order uint8) {
	if order == a.maxOrder {
		a.bitmaps[order].Clear(page)
		return
	}
	buddy := page ^ 1
	if buddy >= a.bitmaps[order].Capacity() || a.bitmaps[order].Get(buddy) {
		a.bitmaps[order].Clear(page)
		return
	}
	a.bitmaps[order].Set(buddy)
	a.Free(page/2, order+1)
}

func blockOrderFor(page uint32, limit uint32, maxOrder uint8) uint8 {
	var order uint8
	if page == 0 {
		order = maxOrder
	} else {
		tz := uint8(bits.TrailingZeros32(page))
		if tz < maxOrder {
			order = tz
		} else {
			order = maxOrder
		}
	}
	for order > 0 && page+(uint32(1)<<order) > limit {
		order--
	}
	return order
}

// Resize grows or shrinks the tracked page count within the allocator's
// fixed maxPageCapacity. Growth frees pages [numPages, newNumPages) in the
// largest aligned blocks the new boundary allows; shrink record-allocs
// pages [newNumPages, numPages) so they can no longer be handed out.
func (a *Allocator) Resize(newNumPages uint32) {
	if newNumPages > a.maxPageCapacity {
		panic("buddy: resize exceeds maxPageCapacity")
	}
	if newNumPages == a.numPages {
		return
	}
	if newNumPages > a.numPages {
		page := a.numPages
		for page < newNumPages {
			order := blockOrderFor(page, newNumPages, a.maxOrder)
			a.Free(page>>order, order)
			page += uint32(1) << order
		}
	} else {
		page := newNumPages
		for page < a.numPages {
			order := blockOrderFor(page, a.numPages, a.maxOrder)
			a.RecordAlloc(page>>order, order)
			page += uint32(1) << order
		}
	}
	a.numPages = newNumPages
	binary.LittleEndian.PutUint32(a.data[numPagesOffset:numPagesOffset+4], newNumPages)
}

func (a *Allocator) freeOrderAt(page0 uint32) (uint8, bool) {
	for o := uint8(0); o <= a.maxOrder; o++ {
		if !a.bitmaps[o].Get(page0 >> o) {
			return o, true
		}
	}
	return 0, false
}

// TrailingFreePages walks backward from the end of the tracked range,
// accumulating free block sizes until it hits an allocated page.
func (a *Allocator) TrailingFreePages() uint32 {
	var total uint32
	p := a.numPages
	for p > 0 {
		order, ok := a.freeOrderAt(p - 1)
		if !ok {
			break
		}
		start := ((p - 1) >> order) << order
		total += uint32(1) << order
		p = start
	}
	return total
}

// DebugCheckConsistency verifies the buddy-merge invariant: below the top
// order, a free block's buddy must be allocated (else they would have
// merged already).
func (a *Allocator) DebugCheckConsistency() error {
	for o := 0; o < int(a.maxOrder); o++ {
		cap := a.bitmaps[o].Capacity()
		for i := uint32(0); i < cap; i++ {
			if a.bitmaps[o].Get(i) {
				continue
			}
			buddy := i ^ 1
			if buddy < cap && !a.bitmaps[o].Get(buddy) {
				return fmt.Errorf("buddy: pages %d and %d both free at order %d, should have merged", i, buddy, o)
			}
		}
	}
	return nil
}
