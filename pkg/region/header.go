package region

import "github.com/nainya/pagestore/pkg/buddy"

// Header wraps the buddy allocator that backs one region's header bytes. It
// exists so layout's region-header-size calculation and the engine's
// allocator construction agree on exactly one formula instead of each
// re-deriving it.
type Header struct {
	alloc *buddy.Allocator
}

// HeaderSize returns the byte size of one region's header for a region
// capped at maxPageCapacity pages: the buddy allocator's required space at
// that capacity's usable order.
func HeaderSize(maxPageCapacity uint32) uint32 {
	return buddy.RequiredSpace(maxPageCapacity, buddy.CalculateUsableOrder(maxPageCapacity))
}

// NewHeader formats data (HeaderSize(maxPageCapacity) bytes) as a fresh
// region header tracking numPages pages out of maxPageCapacity.
func NewHeader(data []byte, numPages, maxPageCapacity uint32) *Header {
	return &Header{alloc: buddy.InitNew(data, numPages, maxPageCapacity)}
}

// OpenHeader parses an existing region header from previously initialized
// bytes.
func OpenHeader(data []byte, maxPageCapacity uint32) *Header {
	return &Header{alloc: buddy.Open(data, maxPageCapacity)}
}

// Allocator returns the region's buddy allocator.
func (h *Header) Allocator() *buddy.Allocator { return h.alloc }
