package bitmap

import "testing"

func TestTree_SetClearFind(t *testing.T) {
	const cap = 256
	data := make([]byte, RequiredBytes(cap))
	tr := New(data, cap)

	idx, ok := tr.FindFirstUnset()
	if !ok || idx != 0 {
		t.Fatalf("expected 0, true on empty tree, got %d, %v", idx, ok)
	}

	for i := uint32(0); i < cap; i++ {
		tr.Set(i)
	}
	if tr.HasUnset() {
		t.Fatal("expected no unset bits after filling all")
	}
	if _, ok := tr.FindFirstUnset(); ok {
		t.Fatal("expected FindFirstUnset to fail when full")
	}

	tr.Clear(130)
	idx, ok = tr.FindFirstUnset()
	if !ok || idx != 130 {
		t.Fatalf("expected 130, true, got %d, %v", idx, ok)
	}

	tr.Clear(5)
	idx, ok = tr.FindFirstUnset()
	if !ok || idx != 5 {
		t.Fatalf("expected 5, true, got %d, %v", idx, ok)
	}

	if got := tr.CountUnset(); got != 2 {
		t.Fatalf("expected 2 unset bits, got %d", got)
	}

	tr.Set(5)
	tr.Set(130)
	if tr.HasUnset() {
		t.Fatal("expected tree full again after re-setting both bits")
	}
}

func TestTree_Fill(t *testing.T) {
	const cap = 37
	data := make([]byte, RequiredBytes(cap))
	tr := New(data, cap)
	tr.Fill(true)
	if tr.HasUnset() {
		t.Fatal("expected no unset bits after Fill(true)")
	}
	tr.Fill(false)
	if !tr.HasUnset() {
		t.Fatal("expected unset bits after Fill(false)")
	}
	if got := tr.CountUnset(); got != cap {
		t.Fatalf("expected %d unset bits, got %d", cap, got)
	}
}

func TestTree_OddCapacity(t *testing.T) {
	for _, cap := range []uint32{1, 2, 7, 8, 9, 65, 513} {
		data := make([]byte, RequiredBytes(cap))
		tr := New(data, cap)
		tr.Fill(true)
		tr.Clear(cap - 1)
		idx, ok := tr.FindFirstUnset()
		if !ok || idx != cap-1 {
			t.Fatalf("cap=%d: expected %d, true, got %d, %v", cap, cap-1, idx, ok)
		}
	}
}
