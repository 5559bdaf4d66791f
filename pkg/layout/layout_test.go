package layout

import "testing"

func TestCalculateSmall(t *testing.T) {
	l, err := Calculate(4096*20, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if l.FullRegions != 0 {
		t.Fatalf("expected a single trailing region for a small request, got %d full regions", l.FullRegions)
	}
	if l.TrailingPages < MinUsablePages {
		t.Fatalf("expected trailing pages >= %d, got %d", MinUsablePages, l.TrailingPages)
	}
	if l.NumRegions() != 1 {
		t.Fatalf("expected 1 region total, got %d", l.NumRegions())
	}
}

func TestCalculateMultiRegion(t *testing.T) {
	pageSize := uint32(4096)
	want := uint64(MaxUsableRegionSpace)*3 + uint64(pageSize)*50
	l, err := Calculate(want, pageSize)
	if err != nil {
		t.Fatal(err)
	}
	if l.FullRegions != 3 {
		t.Fatalf("expected 3 full regions, got %d", l.FullRegions)
	}
	if l.TrailingPages < MinUsablePages {
		t.Fatalf("expected a trailing region, got %d pages", l.TrailingPages)
	}
}

func TestCalculateExactMultiple(t *testing.T) {
	pageSize := uint32(4096)
	want := uint64(MaxUsableRegionSpace) * 2
	l, err := Calculate(want, pageSize)
	if err != nil {
		t.Fatal(err)
	}
	if l.FullRegions != 2 || l.TrailingPages != 0 {
		t.Fatalf("expected 2 full regions and no trailing region, got %d full, %d trailing", l.FullRegions, l.TrailingPages)
	}
}
