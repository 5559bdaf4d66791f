package region

import (
	"encoding/binary"

	"github.com/nainya/pagestore/pkg/bitmap"
	"github.com/nainya/pagestore/pkg/buddy"
)

// NumRegions is the tracker's fixed region capacity per order.
const NumRegions = 1000

// numOrders is one more than the highest buddy order the engine supports.
const numOrders = uint32(buddy.MaxMaxPageOrder) + 1

const trackerHeaderSize = 8 // num_orders:u32 | per_order_bitmap_len:u32

// Tracker is the global optimistic index of which regions may have a free
// block at each order (spec section 3.5/4.3). A clear bit at (order, r)
// means region r may have a free block at order >= that order. The tracker
// may over-claim freedom (the engine marks a region full and retries when
// the claimed block is not there) but never under-claims it.
type Tracker struct {
	data       []byte
	numRegions uint32
	bitmaps    []*bitmap.Tree
}

// TrackerRequiredBytes returns the byte size needed to back a Tracker for
// numRegions regions.
func TrackerRequiredBytes(numRegions uint32) uint32 {
	return trackerHeaderSize + numOrders*bitmap.RequiredBytes(numRegions)
}

func buildTracker(data []byte, numRegions uint32) *Tracker {
	perOrder := bitmap.RequiredBytes(numRegions)
	bms := make([]*bitmap.Tree, numOrders)
	for o := uint32(0); o < numOrders; o++ {
		start := trackerHeaderSize + o*perOrder
		bms[o] = bitmap.New(data[start:start+perOrder], numRegions)
	}
	return &Tracker{data: data, numRegions: numRegions, bitmaps: bms}
}

// NewTracker formats data as a fresh tracker with no regions marked full:
// every region is optimistically assumed to have room at every order.
func NewTracker(data []byte, numRegions uint32) *Tracker {
	binary.LittleEndian.PutUint32(data[0:4], numOrders)
	binary.LittleEndian.PutUint32(data[4:8], numRegions)
	t := buildTracker(data, numRegions)
	for _, bm := range t.bitmaps {
		bm.Fill(false)
	}
	return t
}

// OpenTracker parses an existing tracker from previously initialized bytes.
func OpenTracker(data []byte) *Tracker {
	numRegions := binary.LittleEndian.Uint32(data[4:8])
	return buildTracker(data, numRegions)
}

// FindFree returns the first region that may have a free block at order,
// or false if every region has been marked full at that order.
func (t *Tracker) FindFree(order uint8) (uint32, bool) {
	return t.bitmaps[order].FindFirstUnset()
}

// MarkFree clears bits for orders 0..=order: a free block of order o
// guarantees free blocks of every lower order too.
func (t *Tracker) MarkFree(order uint8, r uint32) {
	for o := uint8(0); o <= order; o++ {
		t.bitmaps[o].Clear(r)
	}
}

// MarkFull sets bits for orders order..MAX: if there is no block free at
// order o, there is certainly none free at any order > o.
func (t *Tracker) MarkFull(order uint8, r uint32) {
	for o := uint32(order); o < numOrders; o++ {
		t.bitmaps[o].Set(r)
	}
}

// NumRegionsTracked returns the tracker's region capacity.
func (t *Tracker) NumRegionsTracked() uint32 { return t.numRegions }

// Bytes returns the tracker's owned backing buffer, for persisting it out
// to storage.
func (t *Tracker) Bytes() []byte { return t.data }
