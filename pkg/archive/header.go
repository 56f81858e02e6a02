package archive

import (
	"encoding/binary"
	"fmt"
)

// magic is the archive's 8-byte identifying prefix.
const magic = "EXDUPE D"

// HeaderSize is the fixed on-disk header size: magic + 4 version bytes +
// two u64 block sizes + u32 seed + u64 memory + u64 last_good_offset +
// u64 zero terminator.
const HeaderSize = 8 + 4 + 8 + 8 + 4 + 8 + 8 + 8

// CurrentMajor/CurrentMinor/CurrentRevision/CurrentDev identify the
// format version this package writes.
const (
	CurrentMajor    = 1
	CurrentMinor    = 0
	CurrentRevision = 0
	CurrentDev      = 0
)

// Header is the archive's fixed 56-byte preamble.
type Header struct {
	Major, Minor, Revision, Dev byte
	DedupeSmall                 uint64
	DedupeLarge                 uint64
	HashSeed                    uint32
	Memory                      uint64
	LastGoodOffset              uint64
}

// Validate checks the block-size invariant every accepted header must
// satisfy: LARGE_BLOCK must be a multiple of SMALL_BLOCK and strictly
// greater than it. The on-disk values are authoritative for reads.
func (h Header) Validate() error {
	if h.DedupeSmall == 0 || h.DedupeLarge == 0 {
		return fmt.Errorf("archive: zero block size in header")
	}
	if h.DedupeLarge <= h.DedupeSmall || h.DedupeLarge%h.DedupeSmall != 0 {
		return fmt.Errorf("archive: LARGE_BLOCK (%d) must be a multiple of and greater than SMALL_BLOCK (%d)", h.DedupeLarge, h.DedupeSmall)
	}
	return nil
}

// EncodeHeader writes h's on-disk form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], magic)
	buf[8] = h.Major
	buf[9] = h.Minor
	buf[10] = h.Revision
	buf[11] = h.Dev
	binary.LittleEndian.PutUint64(buf[12:20], h.DedupeSmall)
	binary.LittleEndian.PutUint64(buf[20:28], h.DedupeLarge)
	binary.LittleEndian.PutUint32(buf[28:32], h.HashSeed)
	binary.LittleEndian.PutUint64(buf[32:40], h.Memory)
	binary.LittleEndian.PutUint64(buf[40:48], h.LastGoodOffset)
	// buf[48:56] is the u64 0 terminator: a zero-length "section" that
	// stops the tail-first trailer walk from reading past the header.
	return buf
}

// DecodeHeader parses a 56-byte header and checks its magic and version.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, newErr(KindCorrupt, "decode header", fmt.Errorf("short header: %d bytes", len(buf)))
	}
	if string(buf[0:8]) != magic {
		return Header{}, newErr(KindCorrupt, "decode header", fmt.Errorf("bad magic %q", buf[0:8]))
	}
	h := Header{
		Major:           buf[8],
		Minor:           buf[9],
		Revision:        buf[10],
		Dev:             buf[11],
		DedupeSmall:     binary.LittleEndian.Uint64(buf[12:20]),
		DedupeLarge:     binary.LittleEndian.Uint64(buf[20:28]),
		HashSeed:        binary.LittleEndian.Uint32(buf[28:32]),
		Memory:          binary.LittleEndian.Uint64(buf[32:40]),
		LastGoodOffset:  binary.LittleEndian.Uint64(buf[40:48]),
	}
	if h.Major != CurrentMajor || h.Dev != CurrentDev {
		return Header{}, newErr(KindVersionMismatch, "decode header", fmt.Errorf("archive major=%d dev=%d, implementation is major=%d dev=%d", h.Major, h.Dev, CurrentMajor, CurrentDev))
	}
	if err := h.Validate(); err != nil {
		return Header{}, newErr(KindCorrupt, "decode header", err)
	}
	return h, nil
}
