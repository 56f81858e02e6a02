package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the archiver. Use these
// keys consistently so log lines can be filtered/aggregated by tooling.
const (
	// ========================================================================
	// Operation correlation
	// ========================================================================
	KeySessionID = "session_id" // Correlates all log lines for one engine invocation
	KeyArchive   = "archive"    // Archive file path
	KeyOperation = "operation"  // backup, differential-append, restore, list
	KeyFileID    = "file_id"    // FileRecord.file_id currently being processed
	KeyWorkerID  = "worker_id"  // Compression worker slot index

	// ========================================================================
	// File system operations
	// ========================================================================
	KeyPath       = "path"        // Full file/directory path
	KeyLinkTarget = "link_target" // Symbolic link target path
	KeySize       = "size"        // File size in bytes

	// ========================================================================
	// Payload / dedup internals
	// ========================================================================
	KeyPayload      = "payload"       // Payload offset
	KeyPayloadLen   = "payload_len"   // Payload length
	KeyChunkOffset  = "chunk_offset"  // Archive offset of a chunk
	KeyPacketKind   = "packet_kind"   // LITERAL or REFERENCE
	KeyCongestion   = "congestion"    // Congested hash index row count
	KeyBackupSet    = "backup_set"    // Backup set index
	KeyLastGood     = "last_good"     // last_good_offset from archive header
	KeyCodecLevel   = "codec_level"   // External codec level byte
	KeyBlockSize    = "block_size"    // SMALL_BLOCK or LARGE_BLOCK
	KeyDuplicateOf  = "duplicate_of"  // file_id this file duplicates
	KeyMemoryBudget = "memory_budget" // Hash index memory budget in bytes

	// ========================================================================
	// Operation metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// SessionID returns a slog.Attr for the engine invocation's correlation id.
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// Archive returns a slog.Attr for the archive file path.
func Archive(path string) slog.Attr {
	return slog.String(KeyArchive, path)
}

// Operation returns a slog.Attr for the high-level operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// FileID returns a slog.Attr for a FileRecord id.
func FileID(id uint64) slog.Attr {
	return slog.Uint64(KeyFileID, id)
}

// WorkerID returns a slog.Attr for a compression worker slot.
func WorkerID(id int) slog.Attr {
	return slog.Int(KeyWorkerID, id)
}

// Path returns a slog.Attr for a filesystem path.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Size returns a slog.Attr for a byte size.
func Size(n uint64) slog.Attr {
	return slog.Uint64(KeySize, n)
}

// Payload returns a slog.Attr for a payload offset.
func Payload(offset uint64) slog.Attr {
	return slog.Uint64(KeyPayload, offset)
}

// PayloadLen returns a slog.Attr for a payload length.
func PayloadLen(n uint32) slog.Attr {
	return slog.Uint64(KeyPayloadLen, uint64(n))
}

// ChunkOffset returns a slog.Attr for a chunk's archive offset.
func ChunkOffset(offset uint64) slog.Attr {
	return slog.Uint64(KeyChunkOffset, offset)
}

// PacketKind returns a slog.Attr for a packet kind label.
func PacketKind(kind string) slog.Attr {
	return slog.String(KeyPacketKind, kind)
}

// Congestion returns a slog.Attr for a congestion count.
func Congestion(n uint64) slog.Attr {
	return slog.Uint64(KeyCongestion, n)
}

// BackupSet returns a slog.Attr for a backup set index.
func BackupSet(idx int) slog.Attr {
	return slog.Int(KeyBackupSet, idx)
}

// LastGood returns a slog.Attr for the archive's last-good offset.
func LastGood(offset uint64) slog.Attr {
	return slog.Uint64(KeyLastGood, offset)
}

// DurationMs returns a slog.Attr for an operation duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error value, or a zero Attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
