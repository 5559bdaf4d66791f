package pagestore

import (
	"github.com/nainya/pagestore/pkg/buddy"
	"github.com/nainya/pagestore/pkg/layout"
)

func regionNumPages(l layout.Layout, idx uint32) uint32 {
	if idx < l.FullRegions {
		return l.RegionMaxDataPages
	}
	return l.TrailingPages
}

// grow extends the file and region set so a block of the given order can
// be allocated, per the growth algorithm: with no full region, double the
// usable size (or add twice the request, if that is larger); otherwise fill
// the trailing region's slack if it is at least double the request, else
// add a full region.
func (e *Engine) grow(order uint8) error {
	pageSize := uint64(e.curLayout.PageSize)
	requiredBytes := pageSize << order

	usable := e.curLayout.UsableBytes()
	var target uint64
	if e.curLayout.FullRegions == 0 {
		target = 2 * usable
		if alt := usable + 2*requiredBytes; alt > target {
			target = alt
		}
	} else if e.curLayout.TrailingPages > 0 {
		slack := uint64(e.curLayout.RegionDataBytes()) - uint64(e.curLayout.TrailingPages)*pageSize
		if slack >= 2*requiredBytes {
			// Grow within the existing trailing region only.
			target = usable + slack
		} else {
			target = usable + e.curLayout.RegionDataBytes()
		}
	} else {
		target = usable + e.curLayout.RegionDataBytes()
	}

	newLayout, err := layout.Calculate(target, e.opts.pageSize())
	if err != nil {
		return err
	}

	newTotal := dataBase(newLayout) + newLayout.TotalFileBytes()
	if err := e.storage.Resize(int64(newTotal)); err != nil {
		return err
	}

	newAllocs := make([]*buddy.Allocator, newLayout.NumRegions())
	for idx := uint32(0); idx < newLayout.NumRegions(); idx++ {
		want := regionNumPages(newLayout, idx)
		if int(idx) < len(e.allocs) {
			old := e.allocs[idx]
			if old.NumPages() != want {
				old.Resize(want)
				if order, ok := old.HighestFreeOrder(); ok {
					e.tracker.MarkFree(order, idx)
					e.trackerDirty = true
				}
			}
			newAllocs[idx] = old
			e.dirty[idx] = true
			continue
		}
		cap := regionMaxPageCapacity(newLayout)
		buf := make([]byte, buddy.RequiredSpace(cap, buddy.CalculateUsableOrder(cap)))
		newAllocs[idx] = buddy.InitNew(buf, want, cap)
		e.dirty[idx] = true
		if order, ok := newAllocs[idx].HighestFreeOrder(); ok {
			e.tracker.MarkFree(order, idx)
		}
		e.trackerDirty = true
	}

	e.allocs = newAllocs
	e.curLayout = newLayout
	e.metrics.AllocFailuresTotal.Inc()
	e.log.LogGrow(newLayout.NumRegions(), newTotal)
	return nil
}

// tryShrink checks whether the current layout's trailing region is at
// least half free and, if so, computes a smaller layout. It does not
// mutate storage; the caller applies storage.Resize after the commit's
// primary-bit flip.
func (e *Engine) tryShrink() (bool, layout.Layout) {
	if e.curLayout.TrailingPages == 0 {
		return false, layout.Layout{}
	}

	lastIdx := e.curLayout.NumRegions() - 1
	n := e.curLayout.TrailingPages
	tf := e.allocs[lastIdx].TrailingFreePages()
	if tf < n/2 {
		return false, layout.Layout{}
	}

	var newN uint32
	if e.curLayout.NumRegions() > 1 && tf == n {
		newN = 0
	} else {
		newN = n - tf/2
		if newN < layout.MinUsablePages {
			newN = layout.MinUsablePages
		}
		if newN >= n {
			return false, layout.Layout{}
		}
	}

	newLayout := e.curLayout
	newLayout.TrailingPages = newN

	if newN > 0 {
		e.allocs[lastIdx].Resize(newN)
		e.dirty[lastIdx] = true
	} else {
		e.allocs = e.allocs[:lastIdx]
		delete(e.dirty, lastIdx)
	}

	return true, newLayout
}
