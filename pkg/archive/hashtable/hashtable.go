// Package hashtable implements the hashtable persistence format: a
// run-length-compressed snapshot of a pkg/dedupe/hashindex.Index, with a
// digest that detects corruption on reload.
package hashtable

import (
	"encoding/binary"
	"fmt"

	"github.com/duparc/duparc/pkg/dedupe/hashindex"
)

// runTag marks the start of every run. Each run is
// '\x43' ('C') | count:u64 | used:u8, followed by count encoded rows if
// used is nonzero.
const runTag = 'C'

// Encode serializes idx's entire row space (small table then large
// table) into a compact byte stream: consecutive empty rows collapse
// into a single run marker, and occupied rows are written slot by slot,
// stopping at the first empty slot. An 8-byte little-endian digest
// (Index.Digest) precedes the stream so Decode can detect corruption.
func Encode(idx *hashindex.Index) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, idx.Digest())

	total := idx.RowCount()
	for block := 0; block < total; {
		used := idx.RowUsed(block)
		count := 1
		for block+count < total && idx.RowUsed(block+count) == used {
			count++
		}

		out = append(out, runTag)
		var hdr [9]byte
		binary.LittleEndian.PutUint64(hdr[0:8], uint64(count))
		if used {
			hdr[8] = 1
		}
		out = append(out, hdr[:]...)

		if used {
			for i := 0; i < count; i++ {
				out = encodeRow(out, idx, block+i)
			}
		}

		block += count
	}

	return out
}

func encodeRow(out []byte, idx *hashindex.Index, rowIdx int) []byte {
	keys, entries := idx.RowSnapshot(rowIdx)
	for s := 0; s < hashindex.Slots; s++ {
		var key [4]byte
		binary.LittleEndian.PutUint32(key[:], keys[s])
		out = append(out, key[:]...)
		if keys[s] == 0 {
			break
		}
		var rest [23]byte
		binary.LittleEndian.PutUint64(rest[0:8], entries[s].Offset)
		binary.LittleEndian.PutUint16(rest[8:10], entries[s].Slide)
		rest[10] = entries[s].FirstByte
		copy(rest[11:23], entries[s].Strong[:])
		out = append(out, rest[:]...)
	}
	return out
}

// ErrDigestMismatch is returned by Decode when the reconstructed table's
// digest disagrees with the one stored in the snapshot.
var ErrDigestMismatch = fmt.Errorf("hashtable: digest mismatch")

// Decode reconstructs idx's rows from a snapshot produced by Encode. idx
// must already be sized (same RowCount) as the table Encode was called
// on — Decode only overwrites row contents, it never resizes.
func Decode(idx *hashindex.Index, src []byte) error {
	if len(src) < 8 {
		return fmt.Errorf("hashtable: snapshot too short for digest")
	}
	wantDigest := binary.LittleEndian.Uint64(src[:8])
	src = src[8:]

	total := idx.RowCount()
	block := 0

	for block < total {
		if len(src) < 1 || src[0] != runTag {
			return fmt.Errorf("hashtable: expected run marker at row %d", block)
		}
		src = src[1:]
		if len(src) < 9 {
			return fmt.Errorf("hashtable: truncated run header at row %d", block)
		}
		count := binary.LittleEndian.Uint64(src[0:8])
		used := src[8] != 0
		src = src[9:]
		if count > uint64(total-block) {
			return fmt.Errorf("hashtable: run of %d rows at row %d overruns table of %d", count, block, total)
		}

		for i := uint64(0); i < count; i++ {
			var keys [hashindex.Slots]uint32
			var entries [hashindex.Slots]hashindex.Entry

			if used {
				var err error
				src, err = decodeRow(src, &keys, &entries)
				if err != nil {
					return fmt.Errorf("hashtable: row %d: %w", block, err)
				}
			}

			idx.LoadRow(block, keys, entries)
			block++
		}
	}

	if got := idx.Digest(); got != wantDigest {
		return ErrDigestMismatch
	}
	return nil
}

func decodeRow(src []byte, keys *[hashindex.Slots]uint32, entries *[hashindex.Slots]hashindex.Entry) ([]byte, error) {
	for s := 0; s < hashindex.Slots; s++ {
		if len(src) < 4 {
			return nil, fmt.Errorf("truncated key at slot %d", s)
		}
		keys[s] = binary.LittleEndian.Uint32(src[:4])
		src = src[4:]
		if keys[s] == 0 {
			break
		}
		if len(src) < 23 {
			return nil, fmt.Errorf("truncated entry at slot %d", s)
		}
		entries[s].Offset = binary.LittleEndian.Uint64(src[0:8])
		entries[s].Slide = binary.LittleEndian.Uint16(src[8:10])
		entries[s].FirstByte = src[10]
		copy(entries[s].Strong[:], src[11:23])
		src = src[23:]
	}
	return src, nil
}
