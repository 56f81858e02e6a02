package commands

import (
	"errors"
	"fmt"
	"testing"

	"github.com/duparc/duparc/pkg/archive"
)

func TestExitCode_Nil(t *testing.T) {
	if got := ExitCode(nil); got != ExitOK {
		t.Errorf("ExitCode(nil) = %d, want %d", got, ExitOK)
	}
}

func TestExitCode_CodedError(t *testing.T) {
	err := paramsErr(fmt.Errorf("bad flag"))
	if got := ExitCode(err); got != ExitParams {
		t.Errorf("ExitCode(paramsErr) = %d, want %d", got, ExitParams)
	}

	err = noFilesErr(fmt.Errorf("nothing to back up"))
	if got := ExitCode(err); got != ExitNoFiles {
		t.Errorf("ExitCode(noFilesErr) = %d, want %d", got, ExitNoFiles)
	}
}

func TestExitCode_CodedErrorWrapped(t *testing.T) {
	err := fmt.Errorf("context: %w", paramsErr(fmt.Errorf("bad flag")))
	if got := ExitCode(err); got != ExitParams {
		t.Errorf("ExitCode(wrapped paramsErr) = %d, want %d", got, ExitParams)
	}
}

func TestExitCode_ArchiveErrorKinds(t *testing.T) {
	tests := []struct {
		kind archive.Kind
		want int
	}{
		{archive.KindIO, ExitResources},
		{archive.KindOutOfMemory, ExitResources},
		{archive.KindVersionMismatch, ExitParams},
		{archive.KindCorrupt, ExitAssert},
		{archive.KindChecksumMismatch, ExitAssert},
	}
	for _, tt := range tests {
		err := &archive.Error{Kind: tt.kind, Op: "test", Err: errors.New("boom")}
		if got := ExitCode(err); got != tt.want {
			t.Errorf("ExitCode(kind=%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestExitCode_PlainError(t *testing.T) {
	if got := ExitCode(errors.New("unclassified")); got != ExitOther {
		t.Errorf("ExitCode(plain error) = %d, want %d", got, ExitOther)
	}
}
