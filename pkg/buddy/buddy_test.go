package buddy

import "testing"

func newAllocator(t *testing.T, numPages uint32) *Allocator {
	t.Helper()
	maxOrder := CalculateUsableOrder(numPages)
	data := make([]byte, RequiredSpace(numPages, maxOrder))
	return InitNew(data, numPages, numPages)
}

// Ported from original_source/.../buddy_allocator.rs: record_alloc_buddy.
func TestRecordAllocBuddy(t *testing.T) {
	const numPages = 256
	a := newAllocator(t, numPages)

	// Everything free to start (all accounted at the top order).
	if got := a.CountFreePages(); got != numPages {
		t.Fatalf("expected %d free pages, got %d", numPages, got)
	}

	a.RecordAlloc(3, 0)
	if got := a.CountAllocatedPages(); got != 1 {
		t.Fatalf("expected 1 allocated page, got %d", got)
	}

	a.Free(3, 0)
	if got := a.CountAllocatedPages(); got != 0 {
		t.Fatalf("expected 0 allocated pages after free, got %d", got)
	}
	if err := a.DebugCheckConsistency(); err != nil {
		t.Fatal(err)
	}
}

// Ported from original_source/.../buddy_allocator.rs: buddy_merge.
func TestBuddyMerge(t *testing.T) {
	const numPages = 256
	a := newAllocator(t, numPages)

	p0, ok := a.Alloc(0)
	if !ok {
		t.Fatal("expected alloc(0) to succeed")
	}
	p1, ok := a.Alloc(0)
	if !ok {
		t.Fatal("expected second alloc(0) to succeed")
	}

	// p0/p1 need not be buddies just because they were allocated back to
	// back; exercise the merge path directly via RecordAlloc/Free instead.
	a.Free(p0, 0)
	a.Free(p1, 0)

	buddyPage := p0 &^ 1
	a.RecordAlloc(buddyPage, 0)
	a.RecordAlloc(buddyPage+1, 0)
	a.Free(buddyPage, 0)
	a.Free(buddyPage+1, 0)

	if err := a.DebugCheckConsistency(); err != nil {
		t.Fatal(err)
	}
	if got := a.CountAllocatedPages(); got != 0 {
		t.Fatalf("expected fully free after merging buddy pair, got %d allocated", got)
	}
}

// Ported from original_source/.../buddy_allocator.rs: alloc_large.
func TestAllocLarge(t *testing.T) {
	const numPages = 256
	a := newAllocator(t, numPages)

	for order := uint8(0); order <= 7; order++ {
		if _, ok := a.Alloc(order); !ok {
			t.Fatalf("alloc(%d) expected to succeed", order)
		}
	}

	// One block per order 0..=7 covers 1+2+...+128 = 255 pages, leaving a
	// single page free.
	if got := a.CountAllocatedPages(); got != numPages-1 {
		t.Fatalf("expected %d pages allocated after one alloc per order 0..=7, got %d", numPages-1, got)
	}
	for order := uint8(1); order <= 7; order++ {
		if _, ok := a.Alloc(order); ok {
			t.Fatalf("expected a second alloc(%d) to fail", order)
		}
	}
}

func TestInitNewAccountsExactly(t *testing.T) {
	for _, n := range []uint32{1, 2, 3, 17, 100, 255, 256, 257, 1000} {
		a := newAllocator(t, n)
		if got := a.CountFreePages(); got != n {
			t.Fatalf("numPages=%d: expected %d free pages, got %d", n, n, got)
		}
		if err := a.DebugCheckConsistency(); err != nil {
			t.Fatalf("numPages=%d: %v", n, err)
		}
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	const numPages = 256
	a := newAllocator(t, numPages)

	allocated := make([]struct {
		page  uint32
		order uint8
	}, 0, 256)
	for i := 0; i < 256; i++ {
		p, ok := a.Alloc(0)
		if !ok {
			t.Fatalf("alloc(0) failed at iteration %d", i)
		}
		allocated = append(allocated, struct {
			page  uint32
			order uint8
		}{p, 0})
	}
	if _, ok := a.Alloc(0); ok {
		t.Fatal("expected allocator to be exhausted")
	}

	for _, pa := range allocated {
		a.Free(pa.page, pa.order)
	}
	if got := a.CountAllocatedPages(); got != 0 {
		t.Fatalf("expected 0 allocated after freeing everything, got %d", got)
	}
	if order, ok := a.HighestFreeOrder(); !ok || order != a.MaxOrder() {
		t.Fatalf("expected full capacity restored at max order, got order=%d ok=%v", order, ok)
	}
	if err := a.DebugCheckConsistency(); err != nil {
		t.Fatal(err)
	}
}

func TestResizeGrowShrinkRoundTrip(t *testing.T) {
	const maxCap = 1024
	maxOrder := CalculateUsableOrder(maxCap)
	data := make([]byte, RequiredSpace(maxCap, maxOrder))
	a := InitNew(data, 256, maxCap)

	a.Resize(600)
	if a.CountFreePages() != 600 {
		t.Fatalf("expected 600 free pages after growing to 600, got %d", a.CountFreePages())
	}
	if err := a.DebugCheckConsistency(); err != nil {
		t.Fatal(err)
	}

	a.Resize(256)
	if a.CountFreePages() != 256 {
		t.Fatalf("expected 256 free pages after shrinking back to 256, got %d", a.CountFreePages())
	}
	if err := a.DebugCheckConsistency(); err != nil {
		t.Fatal(err)
	}
}
