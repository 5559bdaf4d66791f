// Package checksum wraps XXH3-128 as an opaque 128-bit hash, matching the
// "used as an opaque 128-bit function" contract: callers never inspect the
// bytes, only compare them and carry them across the wire format.
package checksum

import "github.com/zeebo/xxh3"

// Size is the on-disk width of a Checksum in bytes.
const Size = 16

// Checksum is an opaque 128-bit value.
type Checksum [Size]byte

// Of hashes data with XXH3-128.
func Of(data []byte) Checksum {
	h := xxh3.Hash128(data)
	var c Checksum
	putUint64LE(c[0:8], h.Lo)
	putUint64LE(c[8:16], h.Hi)
	return c
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// IsZero reports whether c is the zero checksum (used as "absent" in
// optional on-disk fields).
func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

// Encode writes the checksum's little-endian on-disk representation into
// dst, which must be at least Size bytes.
func (c Checksum) Encode(dst []byte) {
	copy(dst, c[:])
}

// Decode reads a Checksum from its little-endian on-disk representation.
func Decode(src []byte) Checksum {
	var c Checksum
	copy(c[:], src[:Size])
	return c
}
