// Package layout maps a desired usable size onto a concrete region layout:
// zero or more full regions plus an optional smaller trailing region (spec
// section 4.4).
package layout

import (
	"github.com/nainya/pagestore/pkg/errs"
	"github.com/nainya/pagestore/pkg/region"
)

// Tunables mirrored from the engine's constants (original_source's
// page_manager.rs: MAX_USABLE_REGION_SPACE, MIN_USABLE_PAGES).
const (
	MaxUsableRegionSpace  = 4 << 30 // 4GiB
	MinUsablePages        = 10
	MinDesiredUsableBytes = 1 << 20 // 1MB
)

// Layout describes the physical region geometry for a given page size.
type Layout struct {
	PageSize           uint32
	RegionHeaderSize   uint32
	RegionMaxDataPages uint32
	FullRegions        uint32
	TrailingPages      uint32 // 0 means no trailing region
}

// NumRegions returns the total region count this layout describes.
func (l Layout) NumRegions() uint32 {
	n := l.FullRegions
	if l.TrailingPages > 0 {
		n++
	}
	return n
}

// UsableBytes returns the total usable data-page bytes this layout
// describes (excludes region header overhead).
func (l Layout) UsableBytes() uint64 {
	total := uint64(l.FullRegions) * uint64(l.RegionMaxDataPages) * uint64(l.PageSize)
	total += uint64(l.TrailingPages) * uint64(l.PageSize)
	return total
}

// RegionDataBytes is the data-page span of one full region.
func (l Layout) RegionDataBytes() uint64 {
	return uint64(l.RegionMaxDataPages) * uint64(l.PageSize)
}

// RegionFileBytes is one full region's total on-disk footprint, header
// included.
func (l Layout) RegionFileBytes() uint64 {
	return uint64(l.RegionHeaderSize) + l.RegionDataBytes()
}

// TrailingRegionFileBytes is the trailing region's on-disk footprint, or 0
// if there is none.
func (l Layout) TrailingRegionFileBytes() uint64 {
	if l.TrailingPages == 0 {
		return 0
	}
	return uint64(l.RegionHeaderSize) + uint64(l.TrailingPages)*uint64(l.PageSize)
}

// TotalFileBytes is the full file footprint this layout describes,
// including all region headers.
func (l Layout) TotalFileBytes() uint64 {
	return uint64(l.FullRegions)*l.RegionFileBytes() + l.TrailingRegionFileBytes()
}

func regionMaxDataPages(pageSize uint32) uint32 {
	n := uint64(MaxUsableRegionSpace) / uint64(pageSize)
	if n == 0 {
		n = 1
	}
	return uint32(n)
}

// Calculate computes a Layout covering at least usableBytes of data-page
// space at the given page size. It returns errs.OutOfSpace if the result
// would need more regions than the tracker supports.
func Calculate(usableBytes uint64, pageSize uint32) (Layout, error) {
	if usableBytes < MinDesiredUsableBytes {
		usableBytes = MinDesiredUsableBytes
	}
	maxDataPages := regionMaxDataPages(pageSize)
	regionDataBytes := uint64(maxDataPages) * uint64(pageSize)

	fullRegions := uint32(usableBytes / regionDataBytes)
	remainder := usableBytes % regionDataBytes
	trailingPages := uint32((remainder + uint64(pageSize) - 1) / uint64(pageSize))

	if trailingPages > 0 && trailingPages < MinUsablePages {
		trailingPages = MinUsablePages
	}
	if fullRegions == 0 && trailingPages == 0 {
		trailingPages = MinUsablePages
	}
	if trailingPages > maxDataPages {
		trailingPages = maxDataPages
	}

	l := Layout{
		PageSize:           pageSize,
		RegionHeaderSize:   region.HeaderSize(maxDataPages),
		RegionMaxDataPages: maxDataPages,
		FullRegions:        fullRegions,
		TrailingPages:      trailingPages,
	}
	if l.NumRegions() > region.NumRegions {
		return Layout{}, errs.ErrOutOfSpace
	}
	return l, nil
}
