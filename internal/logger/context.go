package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds operation-scoped logging context. It travels alongside a
// context.Context for the duration of a single backup, differential-append,
// restore, or list invocation.
type LogContext struct {
	SessionID string    // Correlates all log lines for one engine invocation
	Archive   string    // Archive file path
	Operation string    // "backup", "differential-append", "restore", "list"
	FileID    uint64    // File currently being processed, if any
	WorkerID  int       // Compression worker slot, if logging from a worker
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for an archive operation.
func NewLogContext(sessionID, archive, operation string) *LogContext {
	return &LogContext{
		SessionID: sessionID,
		Archive:   archive,
		Operation: operation,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		SessionID: lc.SessionID,
		Archive:   lc.Archive,
		Operation: lc.Operation,
		FileID:    lc.FileID,
		WorkerID:  lc.WorkerID,
		StartTime: lc.StartTime,
	}
}

// WithFile returns a copy with the current file id set.
func (lc *LogContext) WithFile(fileID uint64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.FileID = fileID
	}
	return clone
}

// WithWorker returns a copy with the worker slot set.
func (lc *LogContext) WithWorker(workerID int) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.WorkerID = workerID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
