package region

import "testing"

func TestTrackerMarkFreeMarkFull(t *testing.T) {
	const numRegions = 16
	data := make([]byte, TrackerRequiredBytes(numRegions))
	tr := NewTracker(data, numRegions)

	r, ok := tr.FindFree(5)
	if !ok || r != 0 {
		t.Fatalf("expected region 0 optimistically free at order 5, got %d, %v", r, ok)
	}

	tr.MarkFull(3, 0)
	// Region 0 should now read full at order 3 and above...
	if _, ok := tr.FindFree(3); !ok {
		t.Fatal("expected another region to still be free at order 3")
	}
	// ...but still optimistically free below order 3.
	r, ok = tr.FindFree(0)
	if !ok || r != 0 {
		t.Fatalf("expected region 0 still optimistically free at order 0, got %d, %v", r, ok)
	}

	for i := uint32(0); i < numRegions; i++ {
		tr.MarkFull(3, i)
	}
	if _, ok := tr.FindFree(3); ok {
		t.Fatal("expected no region free at order 3 after marking all full")
	}
	if _, ok := tr.FindFree(0); !ok {
		t.Fatal("expected regions still free at order 0 since mark_full(3,.) doesn't affect lower orders")
	}

	tr.MarkFree(5, 0)
	if r, ok := tr.FindFree(3); !ok || r != 0 {
		t.Fatalf("expected region 0 free again at order 3 after mark_free(5,0), got %d, %v", r, ok)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	const cap = 512
	size := HeaderSize(cap)
	data := make([]byte, size)
	h := NewHeader(data, 100, cap)
	if got := h.Allocator().CountFreePages(); got != 100 {
		t.Fatalf("expected 100 free pages, got %d", got)
	}

	h2 := OpenHeader(data, cap)
	if got := h2.Allocator().CountFreePages(); got != 100 {
		t.Fatalf("reopened header: expected 100 free pages, got %d", got)
	}
}
