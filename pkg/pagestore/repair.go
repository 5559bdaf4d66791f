package pagestore

import "github.com/nainya/pagestore/pkg/region"

// BeginRepair discards in-memory allocator and region-tracker state and
// rebuilds both from scratch against the durable primary slot's layout,
// with every page free except the region-tracker page. Spec section 4.5:
// "rebuild allocator state from scratch using the durable slot's layout;
// mark the region-tracker page allocated". The caller then replays every
// other live page (walking its data tree and freed-pages tree, both out
// of scope here) through MarkPageAllocated before calling EndRepair.
func (e *Engine) BeginRepair() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	slot := e.header.PrimarySlot()
	l := slot.Layout
	e.curLayout = l
	if err := e.buildAllocatorsForLayout(l, true); err != nil {
		return err
	}

	trackerBuf := make([]byte, region.TrackerRequiredBytes(region.NumRegions))
	e.tracker = region.NewTracker(trackerBuf, region.NumRegions)
	for r := uint32(0); r < l.NumRegions(); r++ {
		e.tracker.MarkFree(0, r)
	}
	e.trackerDirty = true

	e.markAllocatedLocked(slot.TrackerPage)
	return nil
}

func (e *Engine) markAllocatedLocked(pn region.PageNumber) {
	e.allocs[pn.Region].RecordAlloc(pn.Index, pn.Order)
	e.tracker.MarkFull(pn.Order, pn.Region)
	e.dirty[pn.Region] = true
}

// MarkPageAllocated records pn as live during a BeginRepair/EndRepair
// bracket. The tracker is only ever marked full here (never free): a page
// the caller hasn't walked to yet must not look allocatable until the
// bracket completes and every live page has been accounted for.
func (e *Engine) MarkPageAllocated(pn region.PageNumber) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.markAllocatedLocked(pn)
}

// EndRepair flushes the rebuilt allocator and tracker state, opens the
// tracker back up for regions with room at each order (mark_full above
// was conservative: every live page the caller never reached is also
// marked full, so it can only under-claim freedom, never over-claim it -
// a final sweep publishes the real per-region highest free order), then
// clears recovery_required with a flush fence, matching spec section
// 4.5's "clear recovery_required on disk with a flush fence."
func (e *Engine) EndRepair() error {
	e.stateMu.Lock()
	for r, a := range e.allocs {
		if order, ok := a.HighestFreeOrder(); ok {
			e.tracker.MarkFree(order, uint32(r))
		}
	}
	if err := e.flushRegionHeaders(); err != nil {
		e.stateMu.Unlock()
		return err
	}
	e.header.RecoveryRequired = false
	err := e.writeHeader(true)
	e.stateMu.Unlock()
	if err != nil {
		return err
	}
	return wrapIo(e.storage.Flush())
}
