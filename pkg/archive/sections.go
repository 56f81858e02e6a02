package archive

import (
	"encoding/binary"
	"fmt"
)

// Section tags. Each is exactly 8 bytes on disk.
const (
	tagPayload  = "PAYLOADP"
	tagChunks   = "CHUNKSCH"
	tagContents = "CONTENTS"
	tagBackup   = "BCKUPSET"
	tagHashtbl  = "HASHTBLE"
)

// footer is the archive's terminal marker.
const footer = "END"

// wrapSection prefixes body with its 8-byte tag and appends an 8-byte
// little-endian trailer giving the section's total length (tag + body +
// trailer), so a tail-first reader can skip back over it in one step.
// Every section uses this same framing.
func wrapSection(tag string, body []byte) []byte {
	total := uint64(len(tag) + len(body) + 8)
	out := make([]byte, 0, total)
	out = append(out, tag...)
	out = append(out, body...)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], total)
	return append(out, lenBuf[:]...)
}

// sectionEntry is one link discovered while walking the trailer chain
// backwards: the tag found, and the file offset at which its body
// (immediately after the 8-byte tag) begins.
type sectionEntry struct {
	tag    string
	start  int64 // offset of the tag
	bodyAt int64 // offset of the first body byte
	end    int64 // offset one past the trailer (== next section's end-of-trailer search point)
}

// walkSectionsBackward walks the trailer chain starting just before
// offset tailEnd (exclusive), calling visit for each section found, until
// it reaches the header's zero-length terminator or runs out of bytes.
// visit returning false stops the walk early.
func walkSectionsBackward(r readerAt, tailEnd int64, headerEnd int64, visit func(sectionEntry) bool) error {
	pos := tailEnd
	for pos > headerEnd {
		if pos-8 < headerEnd {
			return newErr(KindCorrupt, "walk sections", fmt.Errorf("trailer read runs before header at offset %d", pos))
		}
		var lenBuf [8]byte
		if _, err := r.ReadAt(lenBuf[:], pos-8); err != nil {
			return newErr(KindIO, "walk sections", err)
		}
		length := binary.LittleEndian.Uint64(lenBuf[:])
		if length == 0 {
			return nil
		}
		if int64(length) > pos-headerEnd {
			return newErr(KindCorrupt, "walk sections", fmt.Errorf("section length %d overruns archive", length))
		}

		start := pos - int64(length)
		var tagBuf [8]byte
		if _, err := r.ReadAt(tagBuf[:], start); err != nil {
			return newErr(KindIO, "walk sections", err)
		}

		entry := sectionEntry{tag: string(tagBuf[:]), start: start, bodyAt: start + 8, end: pos}
		if !visit(entry) {
			return nil
		}
		pos = start
	}
	return nil
}

// readerAt is the minimal surface sections.go needs from an archive
// handle; *os.File and bytes.Reader-backed test doubles both satisfy it.
type readerAt interface {
	ReadAt(p []byte, off int64) (int, error)
}
