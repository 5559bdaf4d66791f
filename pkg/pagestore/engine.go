// Package pagestore implements the file-backed paged memory manager: a
// hierarchical buddy allocator per region, an optimistic region tracker,
// and a dual-slot checksummed commit protocol, composed over the
// pkg/storage physical storage interface. Grounded in original_source's
// tree_store/page_store/page_manager.rs, built in the idiom of the
// teacher's pkg/storage (mmap + syscall) and pkg/btree (copy-on-write,
// callback-driven) packages.
package pagestore

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/nainya/pagestore/internal/logger"
	"github.com/nainya/pagestore/internal/metrics"
	"github.com/nainya/pagestore/pkg/buddy"
	"github.com/nainya/pagestore/pkg/checksum"
	"github.com/nainya/pagestore/pkg/dbheader"
	"github.com/nainya/pagestore/pkg/errs"
	"github.com/nainya/pagestore/pkg/layout"
	"github.com/nainya/pagestore/pkg/region"
	"github.com/nainya/pagestore/pkg/storage"
)

// Engine is the page-store: the unit that owns physical storage, the
// region allocators, and the dual-slot header, and hands out page windows
// to collaborators (the B-tree, the multimap overlay).
type Engine struct {
	storage storage.Storage
	opts    Options
	log     *logger.Logger
	metrics *metrics.Metrics

	stateMu sync.Mutex
	header  *dbheader.Header
	tracker *region.Tracker
	allocs  []*buddy.Allocator // one per region in the current layout
	dirty   map[uint32]bool    // region indices with unflushed header bytes
	trackerDirty bool

	layoutMu sync.Mutex
	curLayout layout.Layout

	txnMu              sync.Mutex
	allocatedSinceCommit map[region.PageNumber]bool
	logSinceCommit       []logEntry
	readFromSecondary    bool
	needsRecovery        bool
}

// New opens an existing store at storage, or initializes a brand-new one
// if the magic number is absent.
func New(s storage.Storage, opts Options) (*Engine, error) {
	e := &Engine{
		storage:              s,
		opts:                 opts,
		log:                  opts.logger().EngineLogger("open"),
		metrics:              opts.metrics(),
		allocatedSinceCommit: make(map[region.PageNumber]bool),
		dirty:                make(map[uint32]bool),
	}

	probe, err := s.Read(0, dbheader.MagicSize, storage.HintNone)
	if err != nil {
		// An empty file has no bytes at offset 0 to read. A failed probe
		// read is treated the same as an absent magic number.
		probe = nil
	}
	if !dbheader.HasMagic(probe) {
		if err := e.initNew(); err != nil {
			return nil, err
		}
		return e, nil
	}

	if err := e.openExisting(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) initNew() error {
	pageSize := e.opts.pageSize()
	usable := e.opts.InitialUsableBytes
	l, err := layout.Calculate(usable, pageSize)
	if err != nil {
		return err
	}

	totalBytes := dataBase(l) + l.TotalFileBytes()
	if err := e.storage.Resize(int64(totalBytes)); err != nil {
		return errs.NewIo(err)
	}

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

	trackerPage, err := e.allocateRaw(0)
	if err != nil {
		return err
	}

	h := &dbheader.Header{Version: dbheader.FileFormatVersion, Primary: 0, RecoveryRequired: false}
	slot := dbheader.Slot{
		ChecksumType:  dbheader.ChecksumType(e.opts.ChecksumType),
		Version:       dbheader.FileFormatVersion,
		TransactionID: 0,
		Layout:        l,
		TrackerPage:   trackerPage,
	}
	h.Slots[0] = slot
	h.Slots[1] = slot
	e.header = h

	if err := e.flushRegionHeaders(); err != nil {
		return err
	}
	if err := e.writeHeader(false); err != nil {
		return err
	}
	if err := e.storage.Flush(); err != nil {
		return errs.NewIo(err)
	}
	if err := e.writeHeader(true); err != nil {
		return err
	}
	return wrapIo(e.storage.Flush())
}

// pageOffset is a small convenience around pageAddress for an explicitly
// supplied layout.
func pageOffset(l layout.Layout, pn region.PageNumber) (int64, int) {
	return pageAddress(l, pn)
}

func (e *Engine) openExisting() error {
	buf, err := e.storage.ReadDirect(0, dbheader.Size)
	if err != nil {
		return errs.NewIo(err)
	}
	h, err := dbheader.Decode(buf)
	if err != nil {
		return err
	}
	e.header = h

	if h.RecoveryRequired {
		e.needsRecovery = true
		if err := e.recover(); err != nil {
			return err
		}
	}

	slot := h.PrimarySlot()
	e.curLayout = slot.Layout
	if err := e.buildAllocatorsForLayout(e.curLayout, false); err != nil {
		return err
	}

	off, length := pageAddress(e.curLayout, slot.TrackerPage)
	trackerBuf, err := e.storage.ReadDirect(off, length)
	if err != nil {
		return errs.NewIo(err)
	}
	e.tracker = region.OpenTracker(trackerBuf)

	for r := uint32(0); r < e.curLayout.NumRegions(); r++ {
		regOff, regLen := int64(regionBase(e.curLayout, r)), int(e.curLayout.RegionHeaderSize)
		regBuf, err := e.storage.ReadDirect(regOff, regLen)
		if err != nil {
			return errs.NewIo(err)
		}
		e.allocs[r] = region.OpenHeader(regBuf, regionMaxPageCapacity(e.curLayout)).Allocator()
	}

	return nil
}

// recover implements spec section 7's open-time slot selection: the
// primary slot is trusted unless the secondary both carries a higher
// transaction id and verifies its checksums, in which case a crash
// between "secondary written" and "primary bit flipped" is resolved by
// adopting the secondary. recovery_required is cleared only once that
// choice is made and flushed. This is distinct from - and cheaper than -
// the full BeginRepair/EndRepair bracket: it only decides which slot is
// trustworthy, it does not rebuild allocator state from a tree walk.
func (e *Engine) recover() error {
	e.log.LogRecovery(e.header.Primary, true)
	e.metrics.RecoveriesTotal.Inc()

	primary := e.header.PrimarySlot()
	secondary := e.header.SecondarySlot()
	if secondary.TransactionID > primary.TransactionID && e.verifySlotChecksums(secondary) {
		e.header.Primary = 1 - e.header.Primary
	}

	e.header.RecoveryRequired = false
	if err := e.writeHeader(true); err != nil {
		return err
	}
	return wrapIo(e.storage.Flush())
}

// verifySlotChecksums reports whether slot's recorded roots, if present,
// match the checksum of the page bytes currently on disk. Two-phase slots
// (ChecksumUnused) carry no per-page checksum and are trusted as written.
func (e *Engine) verifySlotChecksums(slot *dbheader.Slot) bool {
	if slot.ChecksumType != dbheader.ChecksumXXH3 {
		return true
	}
	if slot.Root.Present && !e.verifyRootChecksum(slot.Layout, slot.Root) {
		return false
	}
	if slot.FreedRoot.Present && !e.verifyRootChecksum(slot.Layout, slot.FreedRoot) {
		return false
	}
	return true
}

func (e *Engine) verifyRootChecksum(l layout.Layout, root dbheader.OptRoot) bool {
	off, length := pageAddress(l, root.Page)
	buf, err := e.storage.ReadDirect(off, length)
	if err != nil {
		return false
	}
	return checksum.Of(buf) == root.Checksum
}

func (e *Engine) buildAllocatorsForLayout(l layout.Layout, initNew bool) error {
	n := l.NumRegions()
	e.allocs = make([]*buddy.Allocator, n)
	if !initNew {
		return nil
	}
	for r := uint32(0); r < n; r++ {
		cap := regionMaxPageCapacity(l)
		numPages := l.RegionMaxDataPages
		if r == l.FullRegions && l.TrailingPages > 0 {
			numPages = l.TrailingPages
		}
		buf := make([]byte, region.HeaderSize(cap))
		e.allocs[r] = region.NewHeader(buf, numPages, cap).Allocator()
		e.dirty[r] = true
	}
	return nil
}

func (e *Engine) allocateRaw(order uint8) (region.PageNumber, error) {
	for {
		r, ok := e.tracker.FindFree(order)
		if !ok || r >= uint32(len(e.allocs)) {
			return region.PageNumber{}, errs.ErrOutOfSpace
		}
		idx, ok := e.allocs[r].Alloc(order)
		if ok {
			e.dirty[r] = true
			return region.PageNumber{Region: r, Index: idx, Order: order}, nil
		}
		e.tracker.MarkFull(order, r)
	}
}

func ceilLog2(n uint64) uint8 {
	if n <= 1 {
		return 0
	}
	return uint8(bits.Len64(n - 1))
}

// Allocate reserves a block of at least bytes length and returns an
// exclusive mutable window over it.
func (e *Engine) Allocate(bytes int) ([]byte, region.PageNumber, error) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	pageSize := uint64(e.curLayout.PageSize)
	pages := (uint64(bytes) + pageSize - 1) / pageSize
	order := ceilLog2(pages)

	pn, err := e.allocateRaw(order)
	if err == errs.ErrOutOfSpace {
		if err := e.grow(order); err != nil {
			return nil, region.PageNumber{}, err
		}
		pn, err = e.allocateRaw(order)
	}
	if err != nil {
		return nil, region.PageNumber{}, err
	}

	off, length := pageAddress(e.curLayout, pn)
	buf, ioErr := e.storage.Write(off, length)
	if ioErr != nil {
		return nil, region.PageNumber{}, errs.NewIo(ioErr)
	}

	e.txnMu.Lock()
	e.allocatedSinceCommit[pn] = true
	e.logSinceCommit = append(e.logSinceCommit, logEntry{kind: opAllocate, page: pn})
	e.txnMu.Unlock()
	e.metrics.PagesAllocatedTotal.Inc()
	return buf, pn, nil
}

// GetPage returns a shared read view of pn.
func (e *Engine) GetPage(pn region.PageNumber, hint storage.ReadHint) ([]byte, error) {
	e.stateMu.Lock()
	l := e.curLayout
	e.stateMu.Unlock()
	off, length := pageAddress(l, pn)
	buf, err := e.storage.Read(off, length, hint)
	if err != nil {
		return nil, errs.NewIo(err)
	}
	return buf, nil
}

// GetPageMut returns an exclusive mutable view of pn. The caller must
// guarantee no other live view of the same page number exists.
func (e *Engine) GetPageMut(pn region.PageNumber) ([]byte, error) {
	e.stateMu.Lock()
	l := e.curLayout
	e.stateMu.Unlock()
	off, length := pageAddress(l, pn)
	buf, err := e.storage.Write(off, length)
	if err != nil {
		return nil, errs.NewIo(err)
	}
	return buf, nil
}

// Free deferres release of pn: the region allocator and tracker are
// updated immediately, but any pending I/O for its byte range is
// invalidated so stale writes can't land after the page is reused.
func (e *Engine) Free(pn region.PageNumber) {
	e.stateMu.Lock()
	e.allocs[pn.Region].Free(pn.Index, pn.Order)
	e.tracker.MarkFree(pn.Order, pn.Region)
	e.dirty[pn.Region] = true
	off, length := pageAddress(e.curLayout, pn)
	e.stateMu.Unlock()

	e.storage.InvalidateCache(off, length)
	e.storage.CancelPendingWrite(off, length)

	e.txnMu.Lock()
	e.logSinceCommit = append(e.logSinceCommit, logEntry{kind: opFree, page: pn})
	e.txnMu.Unlock()
	e.metrics.PagesFreedTotal.Inc()
}

// FreeIfUncommitted frees pn only if it was allocated earlier in the
// current transaction, returning whether it did so.
func (e *Engine) FreeIfUncommitted(pn region.PageNumber) bool {
	e.txnMu.Lock()
	if !e.allocatedSinceCommit[pn] {
		e.txnMu.Unlock()
		return false
	}
	delete(e.allocatedSinceCommit, pn)
	e.logSinceCommit = append(e.logSinceCommit, logEntry{kind: opFreeUncommitted, page: pn})
	e.txnMu.Unlock()

	e.stateMu.Lock()
	e.allocs[pn.Region].Free(pn.Index, pn.Order)
	e.tracker.MarkFree(pn.Order, pn.Region)
	e.dirty[pn.Region] = true
	off, length := pageAddress(e.curLayout, pn)
	e.stateMu.Unlock()

	e.storage.InvalidateCache(off, length)
	e.storage.CancelPendingWrite(off, length)
	return true
}

// BeginWritable marks the store as having an in-flight write transaction,
// so a crash before the matching commit triggers recovery at next open.
func (e *Engine) BeginWritable() error {
	e.stateMu.Lock()
	e.header.RecoveryRequired = true
	err := e.writeHeader(true)
	e.stateMu.Unlock()
	if err != nil {
		return err
	}
	return wrapIo(e.storage.Flush())
}

// Roots describes the two optional B-tree roots a commit records.
type Roots struct {
	Data  dbheader.OptRoot
	Freed dbheader.OptRoot
}

// Commit durably advances the database to a new transaction, flipping the
// primary-slot bit as the linearization point. eventual selects a
// kernel-scheduled flush instead of waiting on fsync.
func (e *Engine) Commit(roots Roots, txnID uint64, eventual bool) error {
	start := time.Now()
	err := e.commit(roots, txnID, eventual)
	e.metrics.RecordCommit(true, err == nil, time.Since(start))
	e.log.LogCommit(txnID, true, time.Since(start), err)
	return err
}

func (e *Engine) commit(roots Roots, txnID uint64, eventual bool) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	shrunk, newLayout := e.tryShrink()

	secondary := e.header.SecondarySlot()
	secondary.ChecksumType = dbheader.ChecksumType(e.opts.ChecksumType)
	secondary.TransactionID = txnID
	secondary.Root = roots.Data
	secondary.FreedRoot = roots.Freed
	if shrunk {
		secondary.Layout = newLayout
	}

	if err := e.flushRegionHeaders(); err != nil {
		return err
	}
	if err := e.writeHeader(true); err != nil {
		return err
	}

	checksummed := secondary.ChecksumType == dbheader.ChecksumXXH3
	if !checksummed {
		if err := wrapIo(e.storage.Flush()); err != nil {
			return err
		}
	}

	e.header.Primary = 1 - e.header.Primary
	if err := e.writeHeader(true); err != nil {
		return err
	}
	if eventual {
		if err := wrapIo(e.storage.EventualFlush()); err != nil {
			return err
		}
	} else {
		if err := wrapIo(e.storage.Flush()); err != nil {
			return err
		}
	}

	if shrunk {
		e.curLayout = newLayout
		newTotal := dataBase(newLayout) + newLayout.TotalFileBytes()
		if err := e.storage.Resize(int64(newTotal)); err != nil {
			return errs.NewIo(err)
		}
	}

	e.txnMu.Lock()
	e.logSinceCommit = nil
	e.allocatedSinceCommit = make(map[region.PageNumber]bool)
	e.readFromSecondary = false
	e.txnMu.Unlock()
	return nil
}

// NonDurableCommit advances the secondary slot in memory and issues a
// write barrier only; readers in this process observe it immediately, but
// a crash loses it until the next durable Commit.
func (e *Engine) NonDurableCommit(roots Roots, txnID uint64) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	secondary := e.header.SecondarySlot()
	secondary.TransactionID = txnID
	secondary.Root = roots.Data
	secondary.FreedRoot = roots.Freed

	if err := wrapIo(e.storage.WriteBarrier()); err != nil {
		return err
	}
	e.txnMu.Lock()
	e.readFromSecondary = true
	e.txnMu.Unlock()
	e.metrics.RecordFlush("barrier")
	return nil
}

// RollbackUncommittedWrites undoes every operation in logSinceCommit, in
// reverse order, restoring allocator state to the start of the
// transaction.
func (e *Engine) RollbackUncommittedWrites() {
	e.txnMu.Lock()
	log := e.logSinceCommit
	e.logSinceCommit = nil
	e.allocatedSinceCommit = make(map[region.PageNumber]bool)
	e.txnMu.Unlock()

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	for i := len(log) - 1; i >= 0; i-- {
		entry := log[i]
		switch entry.kind {
		case opAllocate:
			e.allocs[entry.page.Region].Free(entry.page.Index, entry.page.Order)
			e.tracker.MarkFree(entry.page.Order, entry.page.Region)
			off, length := pageAddress(e.curLayout, entry.page)
			e.storage.InvalidateCache(off, length)
			e.storage.CancelPendingWrite(off, length)
		case opFree, opFreeUncommitted:
			e.allocs[entry.page.Region].RecordAlloc(entry.page.Index, entry.page.Order)
		}
		e.dirty[entry.page.Region] = true
	}
	e.metrics.RollbacksTotal.Inc()
}

func (e *Engine) writeHeader(includeMagic bool) error {
	buf := dbheader.Encode(e.header, includeMagic)
	w, err := e.storage.Write(0, len(buf))
	if err != nil {
		return errs.NewIo(err)
	}
	copy(w, buf)
	return nil
}

func (e *Engine) flushRegionHeaders() error {
	for r, isDirty := range e.dirty {
		if !isDirty {
			continue
		}
		off := int64(regionBase(e.curLayout, r))
		w, err := e.storage.Write(off, len(e.allocs[r].Bytes()))
		if err != nil {
			return errs.NewIo(err)
		}
		copy(w, e.allocs[r].Bytes())
	}
	e.dirty = make(map[uint32]bool)

	if e.trackerDirty {
		slot := e.header.PrimarySlot()
		off, length := pageAddress(e.curLayout, slot.TrackerPage)
		w, err := e.storage.Write(off, length)
		if err != nil {
			return errs.NewIo(err)
		}
		copy(w, e.tracker.Bytes())
		e.trackerDirty = false
	}
	return nil
}

func checksumOf(data []byte) checksum.Checksum { return checksum.Of(data) }

func wrapIo(err error) error {
	if err == nil {
		return nil
	}
	return errs.NewIo(err)
}

func (e *Engine) allocatorConsistencyError() error {
	for r, a := range e.allocs {
		if err := a.DebugCheckConsistency(); err != nil {
			return fmt.Errorf("region %d: %w", r, err)
		}
	}
	return nil
}

// PageSize returns the store's fixed page size, needed by collaborators
// (the B-tree, the multimap overlay) to size their own on-page encodings.
func (e *Engine) PageSize() uint32 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.curLayout.PageSize
}

// Metrics returns the engine's metrics handle, so collaborators record
// into the same registered counters instead of each creating their own
// (which would panic on duplicate Prometheus registration).
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Roots returns the data and freed-pages roots recorded by the most recent
// commit (or, right after Open, by whichever slot recovery selected as
// primary). The caller reattaches its own B-tree/multimap.Table at these
// roots rather than the engine tracking them itself.
func (e *Engine) Roots() Roots {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	slot := e.header.PrimarySlot()
	return Roots{Data: slot.Root, Freed: slot.FreedRoot}
}

// TransactionID returns the transaction ID of the most recent commit.
func (e *Engine) TransactionID() uint64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.header.PrimarySlot().TransactionID
}

// Log returns a metrics-free logger scoped the way the engine scopes its
// own, for collaborators (the multimap overlay) that want a sub-logger via
// MultimapLogger without reaching into Options themselves.
func (e *Engine) Log() *logger.Logger { return e.log }

// CountAllocatedPages sums allocated pages across every region.
func (e *Engine) CountAllocatedPages() uint64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	var total uint64
	for _, a := range e.allocs {
		total += uint64(a.CountAllocatedPages())
	}
	return total
}

// CountFreePages sums free pages across every region.
func (e *Engine) CountFreePages() uint64 {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	var total uint64
	for _, a := range e.allocs {
		total += uint64(a.CountFreePages())
	}
	return total
}

// AllocatorDiff reports the net pages allocated since before, a diagnostic
// ported from original_source's page_manager.rs (GetRawAllocatorStates /
// PagesAllocatedSinceRawState), useful for tests asserting on the page
// delta a transaction left behind.
func (e *Engine) AllocatorDiff(before uint64) int64 {
	return int64(e.CountAllocatedPages()) - int64(before)
}
