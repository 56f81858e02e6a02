package archive

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/duparc/duparc/pkg/archive/hashtable"
	"github.com/duparc/duparc/pkg/dedupe/hashindex"
	"github.com/duparc/duparc/pkg/dedupe/resolver"
)

func leUint64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func leUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// Reader loads an archive's section index tail-first and serves chunk
// bytes, file records and backup sets from it.
type Reader struct {
	f      *os.File
	header Header

	chunks     []resolver.ChunkMeta
	files      []FileRecord
	backupSets []BackupSet

	hashtableBody         []byte
	hashtableSectionStart int64
}

// Open discovers an archive's sections by reading the footer if present,
// or the header's last_good_offset as a crash-consistent fallback, then
// walking the trailer chain backwards to the header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newErr(KindIO, "open archive", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newErr(KindIO, "stat archive", err)
	}
	size := info.Size()
	if size < int64(HeaderSize) {
		f.Close()
		return nil, newErr(KindCorrupt, "open archive", fmt.Errorf("file too short for header"))
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		f.Close()
		return nil, newErr(KindIO, "read header", err)
	}
	header, err := DecodeHeader(headerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	tailEnd := size
	if size >= 3 {
		footerBuf := make([]byte, 3)
		if _, err := f.ReadAt(footerBuf, size-3); err == nil && string(footerBuf) == footer {
			tailEnd = size - 3
		} else {
			tailEnd = int64(header.LastGoodOffset)
		}
	} else {
		tailEnd = int64(header.LastGoodOffset)
	}
	if tailEnd == 0 {
		// A crash before the first commit leaves last_good_offset zero:
		// the archive has a valid header and nothing else recoverable.
		tailEnd = int64(HeaderSize)
	}
	if tailEnd < int64(HeaderSize) || tailEnd > size {
		f.Close()
		return nil, newErr(KindCorrupt, "open archive", fmt.Errorf("invalid recovery offset %d (size %d)", tailEnd, size))
	}

	r := &Reader{f: f, header: header}

	var chunkSections [][]resolver.ChunkMeta
	var contentsSections [][]FileRecord
	var backupSections []BackupSet
	var sectionErr error

	walkErr := walkSectionsBackward(f, tailEnd, int64(HeaderSize), func(e sectionEntry) bool {
		body := make([]byte, e.end-8-e.bodyAt)
		if _, err := f.ReadAt(body, e.bodyAt); err != nil {
			sectionErr = newErr(KindIO, "read section body", err)
			return false
		}

		switch e.tag {
		case tagChunks:
			chunks, err := decodeChunksIndex(body)
			if err != nil {
				sectionErr = newErr(KindCorrupt, "decode chunks index", err)
				return false
			}
			chunkSections = append(chunkSections, chunks)

		case tagContents:
			records, err := decodeContents(body)
			if err != nil {
				sectionErr = newErr(KindCorrupt, "decode contents", err)
				return false
			}
			contentsSections = append(contentsSections, records)

		case tagBackup:
			b, err := decodeBackupSet(body)
			if err != nil {
				sectionErr = newErr(KindCorrupt, "decode backup set", err)
				return false
			}
			backupSections = append(backupSections, b)

		case tagHashtbl:
			if r.hashtableBody == nil {
				r.hashtableBody = body
				r.hashtableSectionStart = e.start
			}

		case tagPayload:
			// Nothing to extract directly; chunk entries already carry
			// everything needed to read packet bytes back out.
		}
		return true
	})
	if sectionErr != nil {
		f.Close()
		return nil, sectionErr
	}
	if walkErr != nil {
		f.Close()
		return nil, walkErr
	}

	// Sections were discovered newest-first; reverse to chronological
	// order before flattening.
	for i := len(chunkSections) - 1; i >= 0; i-- {
		r.chunks = append(r.chunks, chunkSections[i]...)
	}
	for i := len(contentsSections) - 1; i >= 0; i-- {
		r.files = append(r.files, contentsSections[i]...)
	}
	for i := len(backupSections) - 1; i >= 0; i-- {
		r.backupSets = append(r.backupSets, backupSections[i])
	}

	return r, nil
}

func decodeChunksIndex(body []byte) ([]resolver.ChunkMeta, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("truncated chunks index")
	}
	n := leUint64(body[:8])
	body = body[8:]
	const recSize = 24
	if uint64(len(body)) < n*recSize {
		return nil, fmt.Errorf("truncated chunks index body")
	}
	out := make([]resolver.ChunkMeta, n)
	for i := uint64(0); i < n; i++ {
		rec := body[i*recSize : i*recSize+recSize]
		out[i] = resolver.ChunkMeta{
			ArchiveOffset:    leUint64(rec[0:8]),
			Payload:          leUint64(rec[8:16]),
			PayloadLength:    leUint32(rec[16:20]),
			CompressedLength: leUint32(rec[20:24]),
		}
	}
	return out, nil
}

func decodeContents(body []byte) ([]FileRecord, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("truncated contents section")
	}
	m := leUint64(body[:8])
	body = body[8:]
	out := make([]FileRecord, 0, m)
	for i := uint64(0); i < m; i++ {
		rec, rest, err := decodeFileRecord(body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		body = rest
	}
	return out, nil
}

// Header returns the archive's header.
func (r *Reader) Header() Header { return r.header }

// Chunks returns every chunk recorded across the archive's lifetime, in
// payload order is NOT guaranteed here (use resolver.NewIndex to sort).
func (r *Reader) Chunks() []resolver.ChunkMeta { return r.chunks }

// Files returns every file record across all backup/differential
// increments.
func (r *Reader) Files() []FileRecord { return r.files }

// TotalPayload returns the end of the archive's payload coordinate
// space: the offset one past the last byte any chunk covers. A
// differential append continues writing payload from here.
func (r *Reader) TotalPayload() uint64 {
	var total uint64
	for _, c := range r.chunks {
		if end := c.Payload + uint64(c.PayloadLength); end > total {
			total = end
		}
	}
	return total
}

// BackupSets returns every backup set, oldest first; restore addresses
// them by this slice's index.
func (r *Reader) BackupSets() []BackupSet { return r.backupSets }

// LoadHashtable decodes the archive's hashtable snapshot into idx, which
// must already be sized to match the archive's memory budget.
func (r *Reader) LoadHashtable(idx *hashindex.Index) error {
	if r.hashtableBody == nil {
		return newErr(KindCorrupt, "load hashtable", fmt.Errorf("no HASHTBLE section found"))
	}
	if err := hashtable.Decode(idx, r.hashtableBody); err != nil {
		return newErr(KindCorrupt, "load hashtable", err)
	}
	return nil
}

// ReadChunkBytes implements resolver.Source by reading a chunk's raw
// packet bytes directly out of the archive file.
func (r *Reader) ReadChunkBytes(meta resolver.ChunkMeta) ([]byte, error) {
	buf := make([]byte, meta.CompressedLength)
	if _, err := r.f.ReadAt(buf, int64(meta.ArchiveOffset)); err != nil {
		return nil, newErr(KindIO, "read chunk bytes", err)
	}
	return buf, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if err := r.f.Close(); err != nil {
		return newErr(KindIO, "close archive", err)
	}
	return nil
}
