package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// TestColorTextHandler_RendersArchiverFields checks that ColorTextHandler
// renders the archiver's own field helpers (fields.go) rather than some
// generic key/value pair, since those helpers are the only way production
// code in this repo ever attaches attrs to a log record.
func TestColorTextHandler_RendersArchiverFields(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, nil, false)

	r := slog.NewRecord(time.Time{}, slog.LevelInfo, "resolved chunk", 0)
	r.AddAttrs(Archive("/backups/nightly.dup"), BackupSet(3), Congestion(2))

	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"resolved chunk",
		"archive=/backups/nightly.dup",
		"backup_set=3",
		"congestion=2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

// TestColorTextHandler_ColorsWrapEachField checks useColor actually wraps
// key names rather than doing nothing, using the congestion field as the
// sample attribute.
func TestColorTextHandler_ColorsWrapEachField(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, nil, true)

	r := slog.NewRecord(time.Time{}, slog.LevelWarn, "row congested", 0)
	r.AddAttrs(Congestion(7))

	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, colorCyan+KeyCongestion+colorReset) {
		t.Errorf("expected colorized congestion key in %q", out)
	}
	if !strings.Contains(out, colorYellow+"WARN"+colorReset) {
		t.Errorf("expected colorized WARN level in %q", out)
	}
}

// TestColorTextHandler_WithAttrsPersistsAcrossRecords checks that attrs
// bound once with WithAttrs show up on every subsequent record without
// being re-passed.
func TestColorTextHandler_WithAttrsPersistsAcrossRecords(t *testing.T) {
	var buf bytes.Buffer
	base := NewColorTextHandler(&buf, nil, false)
	bound := base.WithAttrs([]slog.Attr{SessionID("abc-123")})

	r1 := slog.NewRecord(time.Time{}, slog.LevelInfo, "starting backup", 0)
	r2 := slog.NewRecord(time.Time{}, slog.LevelInfo, "finished backup", 0)

	if err := bound.Handle(context.Background(), r1); err != nil {
		t.Fatalf("Handle r1: %v", err)
	}
	if err := bound.Handle(context.Background(), r2); err != nil {
		t.Fatalf("Handle r2: %v", err)
	}

	out := buf.String()
	if strings.Count(out, "session_id=abc-123") != 2 {
		t.Errorf("expected session_id on both records, got %q", out)
	}
}

// TestFormatValue_MatchesFieldHelperTypes checks that every slog.Kind the
// archiver's own field constructors actually produce (fields.go: string,
// uint64, int, float64) is formatted without going through the generic
// KindAny fallback.
func TestFormatValue_MatchesFieldHelperTypes(t *testing.T) {
	tests := []struct {
		name string
		attr slog.Attr
		want string
	}{
		{"Archive", Archive("/tmp/a.dup"), "/tmp/a.dup"},
		{"FileID", FileID(42), "42"},
		{"BackupSet", BackupSet(2), "2"},
		{"DurationMs", DurationMs(12.5), "12.500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatValue(tt.attr.Value)
			if got != tt.want {
				t.Errorf("formatValue(%v) = %q, want %q", tt.attr, got, tt.want)
			}
		})
	}
}
