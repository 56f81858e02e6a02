package logger

import (
	"os"
	"testing"
)

// TestIsTerminal_RegularFileIsNotATerminal exercises the isTerminal check
// that init and Init use to decide whether to color output. A regular file
// (what archive backup/restore logs get redirected to under test, and
// commonly in CI) must never be reported as a terminal.
func TestIsTerminal_RegularFileIsNotATerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "duparc-log-*.txt")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	if isTerminal(f.Fd()) {
		t.Error("expected a regular file to not be reported as a terminal")
	}
}

// TestIsTerminal_PipeIsNotATerminal covers the case cmd/duparc runs under
// when its output is piped to another process rather than a shell.
func TestIsTerminal_PipeIsNotATerminal(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if isTerminal(w.Fd()) {
		t.Error("expected a pipe to not be reported as a terminal")
	}
}
