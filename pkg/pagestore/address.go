package pagestore

import (
	"github.com/nainya/pagestore/pkg/dbheader"
	"github.com/nainya/pagestore/pkg/layout"
	"github.com/nainya/pagestore/pkg/region"
)

func roundUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// dataBase is the file offset of the first region, past the header and its
// alignment padding.
func dataBase(l layout.Layout) uint64 {
	return roundUp(uint64(dbheader.Size), uint64(l.PageSize))
}

// regionBase returns the file offset of region idx's header.
func regionBase(l layout.Layout, idx uint32) uint64 {
	return dataBase(l) + uint64(idx)*l.RegionFileBytes()
}

// pageAddress computes the byte offset and length of the block a
// PageNumber names. The index is a block index at pn.Order granularity (as
// produced by the buddy allocator), so each unit spans page_size<<order
// bytes.
func pageAddress(l layout.Layout, pn region.PageNumber) (offset int64, length int) {
	blockBytes := uint64(l.PageSize) << pn.Order
	base := regionBase(l, pn.Region) + uint64(l.RegionHeaderSize)
	return int64(base + uint64(pn.Index)*blockBytes), int(blockBytes)
}

// regionMaxPageCapacity is the fixed per-region page capacity (bitmap
// sizing), independent of how many of those pages are currently live.
func regionMaxPageCapacity(l layout.Layout) uint32 {
	return l.RegionMaxDataPages
}
