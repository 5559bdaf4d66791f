package dbheader

import (
	"testing"

	"github.com/nainya/pagestore/pkg/checksum"
	"github.com/nainya/pagestore/pkg/layout"
	"github.com/nainya/pagestore/pkg/region"
)

func sampleHeader() *Header {
	h := &Header{Version: FileFormatVersion, Primary: 0}
	l := layout.Layout{PageSize: 4096, RegionHeaderSize: 128, RegionMaxDataPages: 1000, FullRegions: 1, TrailingPages: 50}
	for i := range h.Slots {
		h.Slots[i] = Slot{
			ChecksumType:  ChecksumXXH3,
			Version:       FileFormatVersion,
			TransactionID: uint64(i + 1),
			Root: OptRoot{
				Present:  true,
				Page:     region.PageNumber{Region: 0, Index: uint32(i), Order: 2},
				Checksum: checksum.Of([]byte("root")),
			},
			Layout:      l,
			TrackerPage: region.PageNumber{Region: 0, Index: 1, Order: 0},
		}
	}
	return h
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := sampleHeader()
	buf := Encode(h, true)
	if !HasMagic(buf) {
		t.Fatal("expected magic to be present")
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Primary != h.Primary || got.RecoveryRequired != h.RecoveryRequired {
		t.Fatalf("header mismatch: %+v vs %+v", got, h)
	}
	for i := range h.Slots {
		if got.Slots[i].TransactionID != h.Slots[i].TransactionID {
			t.Fatalf("slot %d transaction id mismatch: %d vs %d", i, got.Slots[i].TransactionID, h.Slots[i].TransactionID)
		}
		if got.Slots[i].Root.Page != h.Slots[i].Root.Page {
			t.Fatalf("slot %d root page mismatch", i)
		}
		if got.Slots[i].Layout != h.Slots[i].Layout {
			t.Fatalf("slot %d layout mismatch: %+v vs %+v", i, got.Slots[i].Layout, h.Slots[i].Layout)
		}
	}
}

func TestDecodeWithoutMagicFails(t *testing.T) {
	buf := Encode(sampleHeader(), false)
	if HasMagic(buf) {
		t.Fatal("expected magic absent")
	}
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected Decode to reject a buffer without the magic number")
	}
}

func TestPrimarySecondarySlotSelection(t *testing.T) {
	h := sampleHeader()
	h.Primary = 1
	if h.PrimarySlot().TransactionID != h.Slots[1].TransactionID {
		t.Fatal("expected PrimarySlot to select slot 1")
	}
	if h.SecondarySlot().TransactionID != h.Slots[0].TransactionID {
		t.Fatal("expected SecondarySlot to select slot 0")
	}
}
