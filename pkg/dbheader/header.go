// Package dbheader implements the dual-slot database superblock (spec
// section 3.6/6.2): a magic number, file-format version, a primary-slot
// selector bit, two state slots, and a recovery_required flag that lives
// outside the slots.
package dbheader

import (
	"encoding/binary"

	"github.com/nainya/pagestore/pkg/checksum"
	"github.com/nainya/pagestore/pkg/errs"
	"github.com/nainya/pagestore/pkg/layout"
	"github.com/nainya/pagestore/pkg/region"
)

// FileFormatVersion is the on-disk format version this build writes and
// expects to read. A file with a newer version is Corrupted; an older one
// needs UpgradeRequired.
const FileFormatVersion = 3

// MagicSize is the width of the magic-number field.
const MagicSize = 16

// Magic is written last during creation and verified first at open, so the
// file only "exists" from a reader's perspective once everything behind it
// has already landed.
var Magic = [MagicSize]byte{'p', 'a', 'g', 'e', 's', 't', 'o', 'r', 'e', '0', '1', 0, 0, 0, 0, 0}

// ChecksumType selects whether commits use the two-phase (unused-checksum)
// protocol or the checksummed one-phase protocol.
type ChecksumType uint8

const (
	ChecksumUnused ChecksumType = 0
	ChecksumXXH3   ChecksumType = 1
)

const (
	slotChecksumTypeSize = 1
	slotVersionSize      = 1
	slotTxnIDSize        = 8
	slotOptRootSize      = 1 + region.PageNumberSize + checksum.Size
	slotLayoutSize       = 4 * 5
	slotTrackerPageSize  = region.PageNumberSize
	SlotSize             = slotChecksumTypeSize + slotVersionSize + slotTxnIDSize +
		slotOptRootSize + slotOptRootSize + slotLayoutSize + slotTrackerPageSize
)

const (
	magicOffset            = 0
	versionOffset          = magicOffset + MagicSize
	primaryOffset          = versionOffset + 1
	recoveryRequiredOffset = primaryOffset + 1
	slot0Offset            = recoveryRequiredOffset + 1
	slot1Offset            = slot0Offset + SlotSize
	// Size is padded out so header growth has room without relayout.
	Size = 256
)

func init() {
	if slot1Offset+SlotSize > Size {
		panic("dbheader: Size too small for two slots")
	}
}

// OptRoot is an optional (PageNumber, Checksum) pair, used for both the
// data root and the freed-pages root.
type OptRoot struct {
	Present  bool
	Page     region.PageNumber
	Checksum checksum.Checksum
}

// Slot is one of the header's two alternating states.
type Slot struct {
	ChecksumType  ChecksumType
	Version       uint8
	TransactionID uint64
	Root          OptRoot
	FreedRoot     OptRoot
	Layout        layout.Layout
	TrackerPage   region.PageNumber
}

// Header is the full in-memory dual-slot superblock.
type Header struct {
	Version          uint8
	Primary          uint8 // 0 or 1, selects which Slots entry is current
	RecoveryRequired bool
	Slots            [2]Slot
}

// PrimarySlot returns the slot currently describing committed state.
func (h *Header) PrimarySlot() *Slot { return &h.Slots[h.Primary] }

// SecondarySlot returns the non-primary slot, the one a commit writes
// first.
func (h *Header) SecondarySlot() *Slot { return &h.Slots[1-h.Primary] }

func encodeOptRoot(dst []byte, r OptRoot) {
	if r.Present {
		dst[0] = 1
	}
	r.Page.Encode(dst[1 : 1+region.PageNumberSize])
	r.Checksum.Encode(dst[1+region.PageNumberSize:])
}

func decodeOptRoot(src []byte) OptRoot {
	present := src[0] != 0
	page := region.DecodePageNumber(src[1 : 1+region.PageNumberSize])
	cs := checksum.Decode(src[1+region.PageNumberSize:])
	return OptRoot{Present: present, Page: page, Checksum: cs}
}

func encodeLayout(dst []byte, l layout.Layout) {
	binary.LittleEndian.PutUint32(dst[0:4], l.PageSize)
	binary.LittleEndian.PutUint32(dst[4:8], l.RegionHeaderSize)
	binary.LittleEndian.PutUint32(dst[8:12], l.RegionMaxDataPages)
	binary.LittleEndian.PutUint32(dst[12:16], l.FullRegions)
	binary.LittleEndian.PutUint32(dst[16:20], l.TrailingPages)
}

func decodeLayout(src []byte) layout.Layout {
	return layout.Layout{
		PageSize:           binary.LittleEndian.Uint32(src[0:4]),
		RegionHeaderSize:   binary.LittleEndian.Uint32(src[4:8]),
		RegionMaxDataPages: binary.LittleEndian.Uint32(src[8:12]),
		FullRegions:        binary.LittleEndian.Uint32(src[12:16]),
		TrailingPages:      binary.LittleEndian.Uint32(src[16:20]),
	}
}

func encodeSlot(dst []byte, s Slot) {
	dst[0] = byte(s.ChecksumType)
	dst[1] = s.Version
	binary.LittleEndian.PutUint64(dst[2:10], s.TransactionID)
	off := 10
	encodeOptRoot(dst[off:off+slotOptRootSize], s.Root)
	off += slotOptRootSize
	encodeOptRoot(dst[off:off+slotOptRootSize], s.FreedRoot)
	off += slotOptRootSize
	encodeLayout(dst[off:off+slotLayoutSize], s.Layout)
	off += slotLayoutSize
	s.TrackerPage.Encode(dst[off : off+region.PageNumberSize])
}

func decodeSlot(src []byte) Slot {
	var s Slot
	s.ChecksumType = ChecksumType(src[0])
	s.Version = src[1]
	s.TransactionID = binary.LittleEndian.Uint64(src[2:10])
	off := 10
	s.Root = decodeOptRoot(src[off : off+slotOptRootSize])
	off += slotOptRootSize
	s.FreedRoot = decodeOptRoot(src[off : off+slotOptRootSize])
	off += slotOptRootSize
	s.Layout = decodeLayout(src[off : off+slotLayoutSize])
	off += slotLayoutSize
	s.TrackerPage = region.DecodePageNumber(src[off : off+region.PageNumberSize])
	return s
}

// Encode serializes h into a freshly allocated Size-byte buffer. The magic
// number is written only when includeMagic is true, matching the
// construction-time rule that the magic becomes visible only after valid
// data is already flushed behind it.
func Encode(h *Header, includeMagic bool) []byte {
	buf := make([]byte, Size)
	if includeMagic {
		copy(buf[magicOffset:magicOffset+MagicSize], Magic[:])
	}
	buf[versionOffset] = h.Version
	buf[primaryOffset] = h.Primary
	if h.RecoveryRequired {
		buf[recoveryRequiredOffset] = 1
	}
	encodeSlot(buf[slot0Offset:slot0Offset+SlotSize], h.Slots[0])
	encodeSlot(buf[slot1Offset:slot1Offset+SlotSize], h.Slots[1])
	return buf
}

// Decode parses buf (which must be at least Size bytes) into a Header,
// validating the magic number and file-format version.
func Decode(buf []byte) (*Header, error) {
	if len(buf) < Size {
		return nil, errs.NewCorrupted("header buffer too short: %d bytes", len(buf))
	}
	if string(buf[magicOffset:magicOffset+MagicSize]) != string(Magic[:]) {
		return nil, errs.NewCorrupted("magic number mismatch")
	}
	version := buf[versionOffset]
	if version > FileFormatVersion {
		return nil, errs.NewCorrupted("file format version %d is newer than supported", version)
	}
	if version < FileFormatVersion {
		return nil, &errs.UpgradeRequired{Version: version}
	}
	h := &Header{
		Version:          version,
		Primary:          buf[primaryOffset],
		RecoveryRequired: buf[recoveryRequiredOffset] != 0,
	}
	h.Slots[0] = decodeSlot(buf[slot0Offset : slot0Offset+SlotSize])
	h.Slots[1] = decodeSlot(buf[slot1Offset : slot1Offset+SlotSize])
	return h, nil
}

// HasMagic reports whether buf already carries the valid magic number,
// used by the engine to distinguish "brand new file" from "existing
// database" at open time.
func HasMagic(buf []byte) bool {
	if len(buf) < MagicSize {
		return false
	}
	return string(buf[magicOffset:magicOffset+MagicSize]) == string(Magic[:])
}
