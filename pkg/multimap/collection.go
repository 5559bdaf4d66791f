package multimap

import (
	"github.com/nainya/pagestore/pkg/checksum"
	"github.com/nainya/pagestore/pkg/errs"
	"github.com/nainya/pagestore/pkg/region"
)

// Tag values for the on-disk DynamicCollection encoding (spec section
// 3.7/6.4): byte 0 selects Inline vs Subtree, the rest is form-specific.
const (
	TagInline  byte = 1
	TagSubtree byte = 2
)

const subtreePayloadSize = region.PageNumberSize + checksum.Size

// collection is the decoded form of a DynamicCollection blob: either an
// Inline leaf-node blob or a Subtree root descriptor. Never both.
type collection struct {
	tag             byte
	inlineLeaf      []byte
	subtreeRoot     region.PageNumber
	subtreeChecksum checksum.Checksum
}

func (c collection) isInline() bool { return c.tag == TagInline }

// encodeInline wraps a leaf-node blob (as produced by btree.NewLeaf) as an
// Inline DynamicCollection.
func encodeInline(leaf []byte) []byte {
	buf := make([]byte, 1+len(leaf))
	buf[0] = TagInline
	copy(buf[1:], leaf)
	return buf
}

// encodeSubtree wraps a nested B-tree root as a Subtree DynamicCollection.
func encodeSubtree(root region.PageNumber, cs checksum.Checksum) []byte {
	buf := make([]byte, 1+subtreePayloadSize)
	buf[0] = TagSubtree
	root.Encode(buf[1:])
	cs.Encode(buf[1+region.PageNumberSize:])
	return buf
}

// decodeCollection parses a DynamicCollection blob.
func decodeCollection(b []byte) (collection, error) {
	if len(b) == 0 {
		return collection{}, errs.NewCorrupted("multimap: empty dynamic collection")
	}
	switch b[0] {
	case TagInline:
		return collection{tag: TagInline, inlineLeaf: b[1:]}, nil
	case TagSubtree:
		if len(b) < 1+subtreePayloadSize {
			return collection{}, errs.NewCorrupted("multimap: short subtree descriptor (%d bytes)", len(b))
		}
		root := region.DecodePageNumber(b[1:])
		cs := checksum.Decode(b[1+region.PageNumberSize:])
		return collection{tag: TagSubtree, subtreeRoot: root, subtreeChecksum: cs}, nil
	default:
		return collection{}, errs.NewCorrupted("multimap: unknown dynamic collection tag %d", b[0])
	}
}
