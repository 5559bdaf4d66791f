package btree

import (
	"bytes"
	"fmt"
	"io"

	"github.com/nainya/pagestore/pkg/region"
)

// BTree is the core copy-on-write B+Tree. It holds no pages itself; get,
// new and del are supplied by the collaborator (the page-store engine)
// that owns physical storage and allocation.
type BTree struct {
	root region.PageNumber
	get  func(region.PageNumber) []byte
	new  func([]byte) region.PageNumber
	del  func(region.PageNumber)
}

// Get retrieves a value by key.
func (tree *BTree) Get(key []byte) ([]byte, bool) {
	if tree.root.IsZero() {
		return nil, false
	}
	node := BNode(tree.get(tree.root))
	return treeGet(tree, node, key)
}

func treeGet(tree *BTree, node BNode, key []byte) ([]byte, bool) {
	idx := nodeLookupLE(node, key)

	switch node.btype() {
	case BNODE_LEAF:
		if bytes.Equal(key, node.getKey(idx)) {
			return node.getVal(idx), true
		}
		return nil, false
	case BNODE_NODE:
		childPtr := node.getPtr(idx)
		childNode := BNode(tree.get(childPtr))
		return treeGet(tree, childNode, key)
	default:
		panic("bad node type")
	}
}

// Insert inserts or updates a key-value pair.
func (tree *BTree) Insert(key []byte, val []byte) {
	if tree.root.IsZero() {
		root := make([]byte, BTREE_PAGE_SIZE)
		node := BNode(root)
		node.setHeader(BNODE_LEAF, 2)
		nodeAppendKV(node, 0, region.PageNumber{}, nil, nil)
		nodeAppendKV(node, 1, region.PageNumber{}, key, val)
		tree.root = tree.new(root)
		return
	}

	node := treeInsert(tree, BNode(tree.get(tree.root)), key, val)
	nsplit, split := nodeSplit3(node)
	tree.del(tree.root)

	if nsplit > 1 {
		root := make([]byte, BTREE_PAGE_SIZE)
		rootNode := BNode(root)
		rootNode.setHeader(BNODE_NODE, nsplit)

		for i, knode := range split[:nsplit] {
			ptr, key := tree.new(knode), knode.getKey(0)
			nodeAppendKV(rootNode, uint16(i), ptr, key, nil)
		}
		tree.root = tree.new(root)
	} else {
		tree.root = tree.new(split[0])
	}
}

func treeInsert(tree *BTree, node BNode, key []byte, val []byte) BNode {
	new := make([]byte, 2*BTREE_PAGE_SIZE)
	newNode := BNode(new)

	idx := nodeLookupLE(node, key)

	switch node.btype() {
	case BNODE_LEAF:
		if bytes.Equal(key, node.getKey(idx)) {
			leafUpdate(newNode, node, idx, key, val)
		} else {
			leafInsert(newNode, node, idx+1, key, val)
		}
	case BNODE_NODE:
		nodeInsert(tree, newNode, node, idx, key, val)
	default:
		panic("bad node type")
	}

	return newNode
}

func leafInsert(new BNode, old BNode, idx uint16, key []byte, val []byte) {
	new.setHeader(BNODE_LEAF, old.nkeys()+1)
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendKV(new, idx, region.PageNumber{}, key, val)
	nodeAppendRange(new, old, idx+1, idx, old.nkeys()-idx)
}

func leafUpdate(new BNode, old BNode, idx uint16, key []byte, val []byte) {
	new.setHeader(BNODE_LEAF, old.nkeys())
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendKV(new, idx, region.PageNumber{}, key, val)
	nodeAppendRange(new, old, idx+1, idx+1, old.nkeys()-(idx+1))
}

func nodeInsert(tree *BTree, new BNode, node BNode, idx uint16, key []byte, val []byte) {
	kptr := node.getPtr(idx)
	knode := treeInsert(tree, BNode(tree.get(kptr)), key, val)
	nsplit, split := nodeSplit3(knode)
	tree.del(kptr)
	nodeReplaceKidN(tree, new, node, idx, split[:nsplit]...)
}

func nodeReplaceKidN(tree *BTree, new BNode, old BNode, idx uint16, kids ...BNode) {
	inc := uint16(len(kids))
	new.setHeader(BNODE_NODE, old.nkeys()+inc-1)
	nodeAppendRange(new, old, 0, 0, idx)

	for i, node := range kids {
		nodeAppendKV(new, idx+uint16(i), tree.new(node), node.getKey(0), nil)
	}

	nodeAppendRange(new, old, idx+inc, idx+1, old.nkeys()-(idx+1))
}

func nodeSplit3(old BNode) (uint16, [3]BNode) {
	if old.nbytes() <= BTREE_PAGE_SIZE {
		old = old[:BTREE_PAGE_SIZE]
		return 1, [3]BNode{old}
	}

	left := make([]byte, 2*BTREE_PAGE_SIZE)
	right := make([]byte, BTREE_PAGE_SIZE)
	nodeSplit2(BNode(left), BNode(right), old)

	if BNode(left).nbytes() <= BTREE_PAGE_SIZE {
		left = left[:BTREE_PAGE_SIZE]
		return 2, [3]BNode{BNode(left), BNode(right)}
	}

	leftleft := make([]byte, BTREE_PAGE_SIZE)
	middle := make([]byte, BTREE_PAGE_SIZE)
	nodeSplit2(BNode(leftleft), BNode(middle), BNode(left))

	return 3, [3]BNode{BNode(leftleft), BNode(middle), BNode(right)}
}

func nodeSplit2(left BNode, right BNode, old BNode) {
	nkeys := old.nkeys()
	nleft := uint16(0)

	for i := uint16(0); i < nkeys; i++ {
		nleft = i + 1
		if old.kvPos(nleft) >= BTREE_PAGE_SIZE*3/4 {
			break
		}
	}

	left.setHeader(old.btype(), nleft)
	nodeAppendRange(left, old, 0, 0, nleft)

	right.setHeader(old.btype(), nkeys-nleft)
	nodeAppendRange(right, old, 0, nleft, nkeys-nleft)
}

// Delete deletes a key from the tree.
func (tree *BTree) Delete(key []byte) bool {
	if tree.root.IsZero() {
		return false
	}

	updated := treeDelete(tree, BNode(tree.get(tree.root)), key)
	if len(updated) == 0 {
		return false
	}

	tree.del(tree.root)

	if updated.btype() == BNODE_NODE && updated.nkeys() == 1 {
		tree.root = updated.getPtr(0)
	} else {
		tree.root = tree.new(updated)
	}

	return true
}

func treeDelete(tree *BTree, node BNode, key []byte) BNode {
	idx := nodeLookupLE(node, key)

	switch node.btype() {
	case BNODE_LEAF:
		if !bytes.Equal(key, node.getKey(idx)) {
			return nil
		}
		new := make([]byte, BTREE_PAGE_SIZE)
		leafDelete(BNode(new), node, idx)
		return BNode(new)
	case BNODE_NODE:
		return nodeDelete(tree, node, idx, key)
	default:
		panic("bad node type")
	}
}

func leafDelete(new BNode, old BNode, idx uint16) {
	new.setHeader(BNODE_LEAF, old.nkeys()-1)
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendRange(new, old, idx, idx+1, old.nkeys()-(idx+1))
}

func nodeDelete(tree *BTree, node BNode, idx uint16, key []byte) BNode {
	kptr := node.getPtr(idx)
	updated := treeDelete(tree, BNode(tree.get(kptr)), key)

	if len(updated) == 0 {
		return nil
	}

	tree.del(kptr)
	new := make([]byte, BTREE_PAGE_SIZE)

	mergeDir, sibling := shouldMerge(tree, node, idx, updated)

	switch {
	case mergeDir < 0:
		merged := make([]byte, BTREE_PAGE_SIZE)
		nodeMerge(BNode(merged), sibling, updated)
		tree.del(node.getPtr(idx - 1))
		nodeReplace2Kid(BNode(new), node, idx-1, tree.new(merged), BNode(merged).getKey(0))
	case mergeDir > 0:
		merged := make([]byte, BTREE_PAGE_SIZE)
		nodeMerge(BNode(merged), updated, sibling)
		tree.del(node.getPtr(idx + 1))
		nodeReplace2Kid(BNode(new), node, idx, tree.new(merged), BNode(merged).getKey(0))
	case mergeDir == 0 && updated.nkeys() == 0:
		BNode(new).setHeader(BNODE_NODE, 0)
	case mergeDir == 0 && updated.nkeys() > 0:
		nodeReplaceKidN(tree, BNode(new), node, idx, updated)
	}

	return BNode(new)
}

func shouldMerge(tree *BTree, node BNode, idx uint16, updated BNode) (int, BNode) {
	if updated.nbytes() > BTREE_PAGE_SIZE/4 {
		return 0, nil
	}

	if idx > 0 {
		sibling := BNode(tree.get(node.getPtr(idx - 1)))
		merged := sibling.nbytes() + updated.nbytes() - HEADER
		if merged <= BTREE_PAGE_SIZE {
			return -1, sibling
		}
	}

	if idx+1 < node.nkeys() {
		sibling := BNode(tree.get(node.getPtr(idx + 1)))
		merged := sibling.nbytes() + updated.nbytes() - HEADER
		if merged <= BTREE_PAGE_SIZE {
			return +1, sibling
		}
	}

	return 0, nil
}

func nodeMerge(new BNode, left BNode, right BNode) {
	new.setHeader(left.btype(), left.nkeys()+right.nkeys())
	nodeAppendRange(new, left, 0, 0, left.nkeys())
	nodeAppendRange(new, right, left.nkeys(), 0, right.nkeys())
}

func nodeReplace2Kid(new BNode, old BNode, idx uint16, ptr region.PageNumber, key []byte) {
	new.setHeader(BNODE_NODE, old.nkeys()-1)
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendKV(new, idx, ptr, key, nil)
	nodeAppendRange(new, old, idx+1, idx+2, old.nkeys()-(idx+2))
}

// GetRoot returns the root page number. A zero PageNumber means the tree
// is empty.
func (tree *BTree) GetRoot() region.PageNumber { return tree.root }

// SetRoot sets the root page number, used when reattaching a tree whose
// root was produced by a prior transaction.
func (tree *BTree) SetRoot(root region.PageNumber) { tree.root = root }

// SetCallbacks wires the page management callbacks the tree delegates to.
func (tree *BTree) SetCallbacks(
	getFunc func(region.PageNumber) []byte,
	newFunc func([]byte) region.PageNumber,
	delFunc func(region.PageNumber),
) {
	tree.get = getFunc
	tree.new = newFunc
	tree.del = delFunc
}

// PrintDebug writes a human-readable dump of the tree structure to w, for
// interactive diagnosis of corruption or layout issues.
func (tree *BTree) PrintDebug(w io.Writer) {
	if tree.root.IsZero() {
		fmt.Fprintln(w, "<empty tree>")
		return
	}
	printNode(w, tree, BNode(tree.get(tree.root)), 0)
}

func printNode(w io.Writer, tree *BTree, node BNode, depth int) {
	indent := bytes.Repeat([]byte("  "), depth)
	switch node.btype() {
	case BNODE_LEAF:
		for i := uint16(0); i < node.nkeys(); i++ {
			fmt.Fprintf(w, "%sleaf[%d] key=%x val=%d bytes\n", indent, i, node.getKey(i), len(node.getVal(i)))
		}
	case BNODE_NODE:
		for i := uint16(0); i < node.nkeys(); i++ {
			fmt.Fprintf(w, "%snode[%d] key=%x -> %+v\n", indent, i, node.getKey(i), node.getPtr(i))
			printNode(w, tree, BNode(tree.get(node.getPtr(i))), depth+1)
		}
	default:
		fmt.Fprintf(w, "%s<bad node type %d>\n", indent, node.btype())
	}
}
