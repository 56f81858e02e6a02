package commands

import (
	"errors"

	"github.com/duparc/duparc/pkg/archive"
)

// Exit codes reported by the duparc binary.
const (
	ExitOK        = 0
	ExitOther     = 1
	ExitParams    = 2
	ExitResources = 3
	ExitNoFiles   = 4
	ExitAssert    = 5
)

// CodedError pairs an error with the process exit code it should produce.
// Commands that want a specific code other than ExitOther return one of
// these from their RunE instead of a bare error.
type CodedError struct {
	Code int
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

func paramsErr(err error) error  { return &CodedError{Code: ExitParams, Err: err} }
func noFilesErr(err error) error { return &CodedError{Code: ExitNoFiles, Err: err} }

// ExitCode extracts the process exit code from an error returned by a
// command's RunE, defaulting to ExitOther for plain errors. archive.Error
// values are classified by Kind even when not wrapped in a CodedError,
// since most of the engine's failures surface as one of those directly.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	var ae *archive.Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case archive.KindOutOfMemory, archive.KindIO:
			return ExitResources
		case archive.KindVersionMismatch:
			return ExitParams
		case archive.KindCorrupt, archive.KindChecksumMismatch:
			return ExitAssert
		}
	}
	return ExitOther
}
