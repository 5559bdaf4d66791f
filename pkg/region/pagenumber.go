// Package region implements the per-region header (a buddy allocator plus
// its book-keeping, see spec section 3.3/4.2) and the global region tracker
// (spec section 3.5/4.3) that records which regions may have a free block
// at each order.
package region

import "encoding/binary"

// PageNumberSize is the fixed on-disk width of a PageNumber: region (u32 LE)
// + page index within region (u32 LE) + page order (u8).
const PageNumberSize = 4 + 4 + 1

// PageNumber identifies an allocated page: the region it lives in, its
// index within that region at its allocation order, and the order itself
// (block size = page_size * 2^Order).
type PageNumber struct {
	Region uint32
	Index  uint32
	Order  uint8
}

// IsZero reports whether p is the zero value, used as "absent" in optional
// on-disk fields (region 0 is valid, so optional fields are carried
// alongside an explicit presence flag rather than relying on IsZero).
func (p PageNumber) IsZero() bool {
	return p == PageNumber{}
}

// Encode writes p's fixed little-endian on-disk representation into dst,
// which must be at least PageNumberSize bytes.
func (p PageNumber) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], p.Region)
	binary.LittleEndian.PutUint32(dst[4:8], p.Index)
	dst[8] = p.Order
}

// DecodePageNumber reads a PageNumber from its on-disk representation.
func DecodePageNumber(src []byte) PageNumber {
	return PageNumber{
		Region: binary.LittleEndian.Uint32(src[0:4]),
		Index:  binary.LittleEndian.Uint32(src[4:8]),
		Order:  src[8],
	}
}
