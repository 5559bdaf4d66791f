package btree

import "bytes"

// BIter is a forward iterator over the tree, used for range scans.
type BIter struct {
	tree *BTree
	path []BNode
	pos  []uint16
}

// NewIterator creates a new iterator over the tree.
func (tree *BTree) NewIterator() *BIter {
	return &BIter{
		tree: tree,
		path: make([]BNode, 0, 8),
		pos:  make([]uint16, 0, 8),
	}
}

// SeekLE positions the iterator at the greatest key <= the given key.
// Returns false if the tree is empty.
func (iter *BIter) SeekLE(key []byte) bool {
	iter.path = iter.path[:0]
	iter.pos = iter.pos[:0]

	if iter.tree.root.IsZero() {
		return false
	}

	node := BNode(iter.tree.get(iter.tree.root))
	for {
		iter.path = append(iter.path, node)
		idx := nodeLookupLE(node, key)
		iter.pos = append(iter.pos, idx)

		if node.btype() == BNODE_LEAF {
			break
		}

		ptr := node.getPtr(idx)
		node = BNode(iter.tree.get(ptr))
	}

	return true
}

// Valid returns true if the iterator is positioned at a valid key.
func (iter *BIter) Valid() bool {
	if len(iter.path) == 0 {
		return false
	}
	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return pos < leaf.nkeys()
}

// Key returns the current key.
func (iter *BIter) Key() []byte {
	if !iter.Valid() {
		return nil
	}
	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return leaf.getKey(pos)
}

// Val returns the current value.
func (iter *BIter) Val() []byte {
	if !iter.Valid() {
		return nil
	}
	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return leaf.getVal(pos)
}

// Next advances the iterator to the next key. Returns false once there are
// no more keys.
func (iter *BIter) Next() bool {
	if len(iter.path) == 0 {
		return false
	}

	leafIdx := len(iter.pos) - 1
	iter.pos[leafIdx]++

	leaf := iter.path[leafIdx]
	if iter.pos[leafIdx] < leaf.nkeys() {
		return true
	}

	iter.path = iter.path[:leafIdx]
	iter.pos = iter.pos[:leafIdx]

	for len(iter.pos) > 0 {
		parentIdx := len(iter.pos) - 1
		iter.pos[parentIdx]++

		parent := iter.path[parentIdx]
		if iter.pos[parentIdx] < parent.nkeys() {
			return iter.descendToLeftmost()
		}

		iter.path = iter.path[:parentIdx]
		iter.pos = iter.pos[:parentIdx]
	}

	return false
}

func (iter *BIter) descendToLeftmost() bool {
	for {
		parentIdx := len(iter.path) - 1
		parent := iter.path[parentIdx]
		pos := iter.pos[parentIdx]

		ptr := parent.getPtr(pos)
		child := BNode(iter.tree.get(ptr))

		iter.path = append(iter.path, child)

		if child.btype() == BNODE_LEAF {
			iter.pos = append(iter.pos, 0)
			return true
		}

		iter.pos = append(iter.pos, 0)
	}
}

// Scan executes a range scan from the given start key, invoking callback
// for each key-value pair until it returns false.
func (tree *BTree) Scan(start []byte, callback func(key, val []byte) bool) {
	iter := tree.NewIterator()
	if !iter.SeekLE(start) {
		return
	}

	if bytes.Compare(iter.Key(), start) < 0 {
		if !iter.Next() {
			return
		}
	}

	for iter.Valid() {
		if !callback(iter.Key(), iter.Val()) {
			return
		}
		if !iter.Next() {
			return
		}
	}
}
