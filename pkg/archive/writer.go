// Package archive implements the on-disk container format: a
// tail-first, crash-recoverable binary layout that can be appended to
// differentially without rewriting earlier sections.
package archive

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/duparc/duparc/pkg/archive/hashtable"
	"github.com/duparc/duparc/pkg/dedupe/hashindex"
	"github.com/duparc/duparc/pkg/dedupe/resolver"
)

// Writer appends sections to an archive file. A backup session opens one
// payload section, writes some number of chunks into it, closes it, then
// writes one chunks-index section, one or more contents+backup-set
// section pairs, a hashtable snapshot and the footer.
type Writer struct {
	f      *os.File
	header Header

	payloadStart int64 // file offset of the first packet byte in the open PAYLOADP section
	payloadPos   int64 // current write position within the open PAYLOADP section
	chunks       []resolver.ChunkMeta
	payloadOpen  bool
}

// Create truncates (or creates) path and writes a fresh header.
func Create(path string, h Header) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, newErr(KindIO, "create archive", err)
	}
	if _, err := f.Write(EncodeHeader(h)); err != nil {
		f.Close()
		return nil, newErr(KindIO, "write header", err)
	}
	return &Writer{f: f, header: h}, nil
}

// OpenForAppend opens an existing archive for a differential-append
// session: it reads the header, discards the previous hashtable snapshot
// and footer by truncating at that section's start, and positions the
// file for new sections to be appended.
func OpenForAppend(path string) (*Writer, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, newErr(KindIO, "open archive for append", err)
	}

	truncateAt := r.hashtableSectionStart
	if truncateAt == 0 {
		truncateAt = int64(r.header.LastGoodOffset)
	}
	if truncateAt == 0 {
		truncateAt = int64(HeaderSize)
	}
	if err := f.Truncate(truncateAt); err != nil {
		f.Close()
		return nil, newErr(KindIO, "truncate for differential append", err)
	}
	if _, err := f.Seek(truncateAt, 0); err != nil {
		f.Close()
		return nil, newErr(KindIO, "seek for differential append", err)
	}

	w := &Writer{f: f, header: r.header}
	// The discarded hashtable snapshot may have been the last_good
	// anchor's successor; re-anchor at the truncation point so a crash
	// during this append still leaves every prior set readable.
	if err := w.CommitLastGood(truncateAt); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Header returns the archive's header (as last written or read).
func (w *Writer) Header() Header { return w.header }

// BeginPayloadSection opens a new PAYLOADP section.
func (w *Writer) BeginPayloadSection() error {
	if w.payloadOpen {
		return fmt.Errorf("archive: payload section already open")
	}
	pos, err := w.f.Seek(0, 1)
	if err != nil {
		return newErr(KindIO, "begin payload section", err)
	}
	if _, err := w.f.Write([]byte(tagPayload)); err != nil {
		return newErr(KindIO, "begin payload section", err)
	}
	w.payloadStart = pos + 8
	w.payloadPos = w.payloadStart
	w.payloadOpen = true
	w.chunks = w.chunks[:0]
	return nil
}

// WriteChunk writes one chunk (a contiguous run of already-encoded
// packets, as produced by pkg/dedupe/pipeline's emit callback) into the
// open payload section and records its index entry.
func (w *Writer) WriteChunk(payload uint64, packets [][]byte) (resolver.ChunkMeta, error) {
	if !w.payloadOpen {
		return resolver.ChunkMeta{}, fmt.Errorf("archive: no open payload section")
	}

	archiveOffset := uint64(w.payloadPos)
	var payloadLen uint32
	var compressedLen uint32
	for _, p := range packets {
		n, err := w.f.Write(p)
		if err != nil {
			return resolver.ChunkMeta{}, newErr(KindIO, "write chunk", err)
		}
		compressedLen += uint32(n)
		w.payloadPos += int64(n)
	}
	for _, p := range packets {
		h, err := decodePacketPayloadLength(p)
		if err != nil {
			return resolver.ChunkMeta{}, newErr(KindCorrupt, "write chunk", err)
		}
		payloadLen += h
	}

	meta := resolver.ChunkMeta{
		ArchiveOffset:    archiveOffset,
		Payload:          payload,
		PayloadLength:    payloadLen,
		CompressedLength: compressedLen,
	}
	w.chunks = append(w.chunks, meta)
	return meta, nil
}

// decodePacketPayloadLength reads just the payload_length field out of a
// packet's header, without importing pkg/dedupe/packet (which would
// create an import cycle via pkg/dedupe/resolver).
func decodePacketPayloadLength(p []byte) (uint32, error) {
	if len(p) < 17 {
		return 0, fmt.Errorf("short packet header")
	}
	return binary.LittleEndian.Uint32(p[5:9]), nil
}

// EndPayloadSection closes the open PAYLOADP section with its 'X' marker
// and trailer.
func (w *Writer) EndPayloadSection() error {
	if !w.payloadOpen {
		return fmt.Errorf("archive: no open payload section")
	}
	if _, err := w.f.Write([]byte{'X'}); err != nil {
		return newErr(KindIO, "end payload section", err)
	}
	bodyLen := w.payloadPos + 1 - w.payloadStart
	total := uint64(8 + bodyLen + 8)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], total)
	if _, err := w.f.Write(lenBuf[:]); err != nil {
		return newErr(KindIO, "end payload section", err)
	}
	w.payloadOpen = false
	return nil
}

// WriteChunksIndex writes the CHUNKSCH section covering the chunks
// written by this session (i.e. since the last BeginPayloadSection).
func (w *Writer) WriteChunksIndex() error {
	var body []byte
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(w.chunks)))
	body = append(body, hdr[:]...)
	for _, c := range w.chunks {
		var rec [24]byte
		binary.LittleEndian.PutUint64(rec[0:8], c.ArchiveOffset)
		binary.LittleEndian.PutUint64(rec[8:16], c.Payload)
		binary.LittleEndian.PutUint32(rec[16:20], c.PayloadLength)
		binary.LittleEndian.PutUint32(rec[20:24], c.CompressedLength)
		body = append(body, rec[:]...)
	}
	_, err := w.f.Write(wrapSection(tagChunks, body))
	if err != nil {
		return newErr(KindIO, "write chunks index", err)
	}
	return nil
}

// WriteContents writes a CONTENTS section for one backup/differential
// increment's file records.
func (w *Writer) WriteContents(records []FileRecord) error {
	var body []byte
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(records)))
	body = append(body, hdr[:]...)
	for _, r := range records {
		body = encodeFileRecord(body, r)
	}
	if _, err := w.f.Write(wrapSection(tagContents, body)); err != nil {
		return newErr(KindIO, "write contents", err)
	}
	return nil
}

// WriteBackupSet writes the BCKUPSET section for one increment.
func (w *Writer) WriteBackupSet(b BackupSet) error {
	if _, err := w.f.Write(wrapSection(tagBackup, encodeBackupSet(b))); err != nil {
		return newErr(KindIO, "write backup set", err)
	}
	return nil
}

// Position returns the current write offset. Sessions capture this
// after the backup-set section and commit it as last_good_offset: the
// hashtable snapshot and footer that follow are regenerable, so a
// truncation anywhere inside them must not take the backup sets with it.
func (w *Writer) Position() (int64, error) {
	pos, err := w.f.Seek(0, 1)
	if err != nil {
		return 0, newErr(KindIO, "position", err)
	}
	return pos, nil
}

// WriteHashtable writes the final HASHTBLE snapshot section.
func (w *Writer) WriteHashtable(idx *hashindex.Index) error {
	body := hashtable.Encode(idx)
	if _, err := w.f.Write(wrapSection(tagHashtbl, body)); err != nil {
		return newErr(KindIO, "write hashtable", err)
	}
	return nil
}

// WriteFooter writes the terminal "END" marker and returns the file
// offset immediately after it.
func (w *Writer) WriteFooter() (int64, error) {
	if _, err := w.f.Write([]byte(footer)); err != nil {
		return 0, newErr(KindIO, "write footer", err)
	}
	pos, err := w.f.Seek(0, 1)
	if err != nil {
		return 0, newErr(KindIO, "write footer", err)
	}
	return pos, nil
}

// CommitLastGood rewrites the header's last_good_offset field in place.
// Called once the footer has been written successfully, and by
// OpenForAppend at its truncation point. Error paths do not call it, so
// the offset committed before the failure stays in force.
func (w *Writer) CommitLastGood(offset int64) error {
	w.header.LastGoodOffset = uint64(offset)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], w.header.LastGoodOffset)
	if _, err := w.f.WriteAt(buf[:], 40); err != nil {
		return newErr(KindIO, "commit last good offset", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.f.Close(); err != nil {
		return newErr(KindIO, "close archive", err)
	}
	return nil
}
