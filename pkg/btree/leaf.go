package btree

import "github.com/nainya/pagestore/pkg/region"

// The exported surface in this file is the part of the B-tree's node
// format the multimap overlay (pkg/multimap) needs to read directly: an
// Inline DynamicCollection is, per spec section 3.7, "the raw bytes of a
// leaf-node-formatted blob", read back directly without ever touching
// node.go's unexported layout.

// NumKeys returns the node's key count.
func (node BNode) NumKeys() uint16 { return node.nkeys() }

// KeyAt returns the key at idx.
func (node BNode) KeyAt(idx uint16) []byte { return node.getKey(idx) }

// ValAt returns the value at idx. For a leaf built by NewLeaf, this is
// always empty (the "()" unit payload spec section 3.7 describes).
func (node BNode) ValAt(idx uint16) []byte { return node.getVal(idx) }

// PtrAt returns the child page number at idx. Only meaningful when
// IsLeaf() is false.
func (node BNode) PtrAt(idx uint16) region.PageNumber { return node.getPtr(idx) }

// Size returns the node's exact encoded length in bytes.
func (node BNode) Size() uint16 { return node.nbytes() }

// IsLeaf reports whether node is a leaf (BNODE_LEAF) rather than an
// internal node.
func (node BNode) IsLeaf() bool { return node.btype() == BNODE_LEAF }

// NewLeaf builds a right-sized leaf-node-formatted blob holding keys in
// the given order with no associated values (the "(V, ())" pairs of spec
// section 3.7's Inline encoding). keys must already be sorted and unique;
// callers (the multimap overlay) maintain that invariant. The returned
// slice is exactly Size() bytes, not padded to a full page.
func NewLeaf(keys [][]byte) []byte {
	n := uint16(len(keys))
	maxSize := HEADER + int(n)*(PtrSize+2+4)
	for _, k := range keys {
		maxSize += len(k)
	}
	buf := make([]byte, maxSize)
	node := BNode(buf)
	node.setHeader(BNODE_LEAF, n)
	for i, k := range keys {
		nodeAppendKV(node, uint16(i), region.PageNumber{}, k, nil)
	}
	return buf[:node.nbytes()]
}

// LeafKeys returns every key held by a leaf-node-formatted blob, in
// stored order. Panics if data is not a well-formed leaf; callers read it
// back only immediately after having built or validated it.
func LeafKeys(data []byte) [][]byte {
	node := BNode(data)
	n := node.nkeys()
	out := make([][]byte, n)
	for i := uint16(0); i < n; i++ {
		out[i] = node.getKey(i)
	}
	return out
}
