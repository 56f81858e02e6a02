package archive

import (
	"encoding/binary"
	"fmt"
)

// FileKind distinguishes the three node types the walker can record.
type FileKind byte

const (
	KindRegular FileKind = iota
	KindDirectory
	KindSymlink
)

// FileRecord is one entry of the contents table. Payload is
// the absolute offset into the payload stream where this file's bytes
// start; DuplicateOf, when nonzero, means the file is bytewise identical
// to an earlier file's content and contributes nothing to the payload
// stream.
type FileRecord struct {
	FileID      uint64
	Kind        FileKind
	AbsPath     string
	Name        string
	LinkTarget  string
	Size        uint64
	Payload     uint64
	CtimeMs     uint64
	MtimeMs     uint64
	Attributes  uint32
	DuplicateOf uint64
	ContentHash [16]byte
	OpaqueACL   []byte
}

// putString appends a varint-length-prefixed UTF-8 string.
func putString(buf []byte, s string) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
	buf = append(buf, lenBuf[:n]...)
	return append(buf, s...)
}

func getString(buf []byte) (string, []byte, error) {
	length, n := binary.Uvarint(buf)
	if n <= 0 {
		return "", nil, fmt.Errorf("bad varint length prefix")
	}
	buf = buf[n:]
	if uint64(len(buf)) < length {
		return "", nil, fmt.Errorf("string length %d exceeds remaining %d bytes", length, len(buf))
	}
	return string(buf[:length]), buf[length:], nil
}

func putBytes(buf []byte, b []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf = append(buf, lenBuf[:n]...)
	return append(buf, b...)
}

func getBytes(buf []byte) ([]byte, []byte, error) {
	length, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, nil, fmt.Errorf("bad varint length prefix")
	}
	buf = buf[n:]
	if uint64(len(buf)) < length {
		return nil, nil, fmt.Errorf("bytes length %d exceeds remaining %d bytes", length, len(buf))
	}
	if length == 0 {
		return nil, buf, nil
	}
	out := make([]byte, length)
	copy(out, buf[:length])
	return out, buf[length:], nil
}

// encodeFileRecord appends r's on-disk form to buf.
func encodeFileRecord(buf []byte, r FileRecord) []byte {
	var fixed [8 + 1 + 8 + 8 + 8 + 8 + 4 + 8 + 16]byte
	off := 0
	binary.LittleEndian.PutUint64(fixed[off:off+8], r.FileID)
	off += 8
	fixed[off] = byte(r.Kind)
	off++
	binary.LittleEndian.PutUint64(fixed[off:off+8], r.Size)
	off += 8
	binary.LittleEndian.PutUint64(fixed[off:off+8], r.Payload)
	off += 8
	binary.LittleEndian.PutUint64(fixed[off:off+8], r.CtimeMs)
	off += 8
	binary.LittleEndian.PutUint64(fixed[off:off+8], r.MtimeMs)
	off += 8
	binary.LittleEndian.PutUint32(fixed[off:off+4], r.Attributes)
	off += 4
	binary.LittleEndian.PutUint64(fixed[off:off+8], r.DuplicateOf)
	off += 8
	copy(fixed[off:off+16], r.ContentHash[:])

	buf = append(buf, fixed[:]...)
	buf = putString(buf, r.AbsPath)
	buf = putString(buf, r.Name)
	buf = putString(buf, r.LinkTarget)
	buf = putBytes(buf, r.OpaqueACL)
	return buf
}

const fileRecordFixedSize = 8 + 1 + 8 + 8 + 8 + 8 + 4 + 8 + 16

func decodeFileRecord(buf []byte) (FileRecord, []byte, error) {
	if len(buf) < fileRecordFixedSize {
		return FileRecord{}, nil, fmt.Errorf("truncated file record")
	}
	var r FileRecord
	off := 0
	r.FileID = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	r.Kind = FileKind(buf[off])
	off++
	r.Size = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	r.Payload = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	r.CtimeMs = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	r.MtimeMs = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	r.Attributes = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	r.DuplicateOf = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	copy(r.ContentHash[:], buf[off:off+16])
	off += 16

	rest := buf[off:]
	var err error
	if r.AbsPath, rest, err = getString(rest); err != nil {
		return FileRecord{}, nil, err
	}
	if r.Name, rest, err = getString(rest); err != nil {
		return FileRecord{}, nil, err
	}
	if r.LinkTarget, rest, err = getString(rest); err != nil {
		return FileRecord{}, nil, err
	}
	if r.OpaqueACL, rest, err = getBytes(rest); err != nil {
		return FileRecord{}, nil, err
	}
	return r, rest, nil
}

// BackupSet is an ordered snapshot of file IDs captured by one backup or
// differential-append run.
type BackupSet struct {
	FileIDs         []uint64
	TimestampMs     uint64
	TotalPayload    uint64
	FileCount       uint64
}

func encodeBackupSet(b BackupSet) []byte {
	var buf []byte
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(b.FileIDs)))
	buf = append(buf, hdr[:]...)
	for _, id := range b.FileIDs {
		var idBuf [8]byte
		binary.LittleEndian.PutUint64(idBuf[:], id)
		buf = append(buf, idBuf[:]...)
	}
	var tail [24]byte
	binary.LittleEndian.PutUint64(tail[0:8], b.TimestampMs)
	binary.LittleEndian.PutUint64(tail[8:16], b.TotalPayload)
	binary.LittleEndian.PutUint64(tail[16:24], b.FileCount)
	return append(buf, tail[:]...)
}

func decodeBackupSet(buf []byte) (BackupSet, error) {
	if len(buf) < 8 {
		return BackupSet{}, fmt.Errorf("truncated backup set")
	}
	k := binary.LittleEndian.Uint64(buf[:8])
	buf = buf[8:]
	if uint64(len(buf)) < k*8+24 {
		return BackupSet{}, fmt.Errorf("truncated backup set body")
	}
	ids := make([]uint64, k)
	for i := uint64(0); i < k; i++ {
		ids[i] = binary.LittleEndian.Uint64(buf[:8])
		buf = buf[8:]
	}
	return BackupSet{
		FileIDs:      ids,
		TimestampMs:  binary.LittleEndian.Uint64(buf[0:8]),
		TotalPayload: binary.LittleEndian.Uint64(buf[8:16]),
		FileCount:    binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}
