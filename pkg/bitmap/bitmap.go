// Package bitmap implements a fixed-capacity bitmap tree: a flat bitmap
// augmented with byte-wise summary levels so that find-first-unset runs in
// O(log n) instead of a linear scan. Each summary bit is the AND of the
// eight bits below it, so a set summary bit means "every leaf below here is
// set" and a clear summary bit means "at least one leaf below here is
// clear." The buddy allocator and the region tracker both store one of
// these directly inside a region/header byte slice rather than owning a
// separate allocation. The top level always collapses to a single bit,
// which makes "is anything free at all" an O(1) check.
package bitmap

// Tree is a view over a caller-owned byte slice. It does not allocate; the
// caller is responsible for sizing the slice via RequiredBytes and keeping
// it backed by the page/region bytes it overlays.
type Tree struct {
	data        []byte
	capacity    uint32
	levelOffset []uint32 // byte offset of level i within data; level 0 is leaves
	levelBits   []uint32 // number of meaningful bits at level i
}

func levelSizes(capacity uint32) []uint32 {
	sizes := []uint32{capacity}
	n := capacity
	for n > 1 {
		n = (n + 7) / 8
		sizes = append(sizes, n)
	}
	return sizes
}

// RequiredBytes returns the number of bytes needed to back a Tree of the
// given capacity.
func RequiredBytes(capacity uint32) uint32 {
	if capacity == 0 {
		return 0
	}
	var total uint32
	for _, bits := range levelSizes(capacity) {
		total += (bits + 7) / 8
	}
	return total
}

// New constructs a Tree view over data, which must be at least
// RequiredBytes(capacity) long. It does not initialize the contents; call
// Fill to set a known initial state.
func New(data []byte, capacity uint32) *Tree {
	sizes := levelSizes(capacity)
	offsets := make([]uint32, len(sizes))
	var off uint32
	for i, bits := range sizes {
		offsets[i] = off
		off += (bits + 7) / 8
	}
	if uint32(len(data)) < off {
		panic("bitmap: backing slice too small")
	}
	return &Tree{data: data, capacity: capacity, levelOffset: offsets, levelBits: sizes}
}

func (t *Tree) levels() int { return len(t.levelOffset) }

func getBit(data []byte, off, idx uint32) bool {
	return data[off+idx/8]&(1<<(idx%8)) != 0
}

func setBit(data []byte, off, idx uint32, v bool) {
	p := &data[off+idx/8]
	mask := byte(1 << (idx % 8))
	if v {
		*p |= mask
	} else {
		*p &^= mask
	}
}

// Fill sets every bit at every level to v.
func (t *Tree) Fill(v bool) {
	var fillByte byte
	if v {
		fillByte = 0xFF
	}
	for lvl := 0; lvl < t.levels(); lvl++ {
		nbytes := (t.levelBits[lvl] + 7) / 8
		off := t.levelOffset[lvl]
		for i := uint32(0); i < nbytes; i++ {
			t.data[off+i] = fillByte
		}
	}
}

// Get reports whether leaf bit idx is set.
func (t *Tree) Get(idx uint32) bool {
	return getBit(t.data, t.levelOffset[0], idx)
}

// Set marks bit idx used and recomputes summary bits up the tree: a parent
// bit is set only once every one of its (up to) 8 children is set.
func (t *Tree) Set(idx uint32) {
	setBit(t.data, t.levelOffset[0], idx, true)
	child := idx
	for lvl := 1; lvl < t.levels(); lvl++ {
		parent := child / 8
		base := parent * 8
		lowerBits := t.levelBits[lvl-1]
		allSet := true
		for c := base; c < base+8 && c < lowerBits; c++ {
			if !getBit(t.data, t.levelOffset[lvl-1], c) {
				allSet = false
				break
			}
		}
		setBit(t.data, t.levelOffset[lvl], parent, allSet)
		child = parent
	}
}

// Clear marks bit idx free and clears summary bits up the tree
// unconditionally, since a parent block can no longer be "all set" once any
// child below it clears.
func (t *Tree) Clear(idx uint32) {
	setBit(t.data, t.levelOffset[0], idx, false)
	child := idx
	for lvl := 1; lvl < t.levels(); lvl++ {
		parent := child / 8
		setBit(t.data, t.levelOffset[lvl], parent, false)
		child = parent
	}
}

// FindFirstUnset returns the lowest index whose bit is clear, descending
// from the single-bit top summary level for O(log n) behavior.
func (t *Tree) FindFirstUnset() (uint32, bool) {
	top := t.levels() - 1
	if getBit(t.data, t.levelOffset[top], 0) {
		return 0, false
	}
	idx := uint32(0)
	for lvl := top; lvl > 0; lvl-- {
		base := idx * 8
		lowerBits := t.levelBits[lvl-1]
		found := false
		for c := base; c < base+8 && c < lowerBits; c++ {
			if !getBit(t.data, t.levelOffset[lvl-1], c) {
				idx = c
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return idx, true
}

// HasUnset reports whether any bit in the tree is clear.
func (t *Tree) HasUnset() bool {
	top := t.levels() - 1
	return !getBit(t.data, t.levelOffset[top], 0)
}

// CountUnset counts clear bits by scanning the leaf level. O(n); used for
// diagnostics and invariant checks, not the hot allocation path.
func (t *Tree) CountUnset() uint32 {
	var n uint32
	for i := uint32(0); i < t.capacity; i++ {
		if !t.Get(i) {
			n++
		}
	}
	return n
}

// Capacity returns the number of tracked bits.
func (t *Tree) Capacity() uint32 { return t.capacity }
