// Package window implements the content-defined anchor picker.
//
// Find locates a deterministic position inside a block of bytes — the
// "anchor" — such that similar neighbouring content (after local inserts or
// deletes) tends to produce the same anchor position and therefore the same
// fingerprint. This is what lets the matcher (pkg/dedupe/matcher) recognize a
// shifted duplicate instead of only byte-aligned ones.
//
// The algorithm is fully scalar and bit-exact: it must produce identical
// output across platforms and across SIMD/non-SIMD implementations, so every
// load below is explicitly little-endian regardless of host byte order.
package window

import "encoding/binary"

// MinLength is the shortest block Find will examine. Blocks shorter than
// this never have a usable anchor.
const MinLength = 32

// Result is the outcome of scanning a block for an anchor.
type Result struct {
	// Anchor is the offset within the block where the anchor was found, in
	// [0, len(block)/2]. If no anchor was found, Anchor equals the slide
	// length used for the scan.
	Anchor int

	// W is the 32-bit quick fingerprint at the anchor, forced non-zero.
	// W == 0 means "no anchor found".
	W uint32
}

// Find scans block for a content-defined anchor. largeBlock is the
// configured LARGE_BLOCK size for the archive; it only affects which anchor
// density threshold is used (large blocks use a lower density than small
// blocks, since they are rarer by design).
func Find(block []byte, largeBlock int) Result {
	n := len(block)
	if n < MinLength {
		return Result{Anchor: 0, W: 0}
	}

	slide := n / 2
	if slide > 65536 {
		slide = 65536
	}
	blockLen := n - slide

	var threshold int16
	if n >= largeBlock {
		threshold = 32767 - 32
	} else {
		threshold = 32767 - 256
	}

	for i := 0; i < slide; i++ {
		s1 := loadInt16(block, i)
		s2 := loadInt16(block, i+blockLen-33)
		sum := s1 + s2 // wraparound is intentional
		if int16(sum*sum) > threshold {
			w := 1 + quick(block[i:], n-slide-8)
			if w == 0 {
				w = 1
			}
			return Result{Anchor: i, W: w}
		}
	}

	return Result{Anchor: slide, W: 0}
}

// loadInt16 reads a little-endian signed 16-bit value starting at off.
// blockLen-33 can go negative for inputs just above MinLength; those reads
// are zero-padded rather than panicking so Find stays total over its domain.
func loadInt16(b []byte, off int) int16 {
	if off < 0 || off+2 > len(b) {
		var tmp [2]byte
		if off >= 0 && off < len(b) {
			copy(tmp[:], b[off:])
		}
		return int16(binary.LittleEndian.Uint16(tmp[:]))
	}
	return int16(binary.LittleEndian.Uint16(b[off : off+2]))
}

// loadUint64 reads a little-endian unsigned 64-bit value at off, clamping
// reads that would run past the end of b by zero-padding — the sampled
// offsets are chosen so this only matters for degenerate tiny inputs.
func loadUint64(b []byte, off int) uint64 {
	if off < 0 {
		off = 0
	}
	if off+8 > len(b) {
		var tmp [8]byte
		copy(tmp[:], b[off:])
		return binary.LittleEndian.Uint64(tmp[:])
	}
	return binary.LittleEndian.Uint64(b[off : off+8])
}

// quick folds four 64-bit words sampled across [0,n) into a 32-bit value.
// The sample offsets intentionally mirror the reference implementation so
// the resulting fingerprint is stable across neighbouring anchor positions
// that share most of their content.
func quick(b []byte, n int) uint32 {
	if n < 0 {
		n = 0
	}
	a := loadUint64(b, 0)
	c := loadUint64(b, n/3-1)
	d := loadUint64(b, n/3*2-2)
	e := loadUint64(b, n-11)

	sum := a + c + d + e
	return uint32(sum + sum>>32)
}
