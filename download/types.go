package download

import (
	"errors"
	"fmt"

	"github.com/infracollect/browserfetch/registry"
)

// Outcome classifies a single download attempt.
type Outcome int

const (
	Success Outcome = iota
	TransientFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientFailure:
		return "transient"
	case FatalFailure:
		return "fatal"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Attempt records the outcome of one transfer.
type Attempt struct {
	Version string
	Number  int
	Phase   int
	Outcome Outcome
	Err     error
}

// Result is a downloaded and validated payload.
type Result struct {
	// Path is the temporary file holding the payload. The caller owns it.
	Path     string
	Info     *registry.DownloadInfo
	SHA256   string
	Size     int64
	Attempts int
}

var (
	// ErrChecksumMismatch is returned when the payload hash differs from the published one.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrSizeMismatch is returned when the payload size differs from the published one.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrInsufficientSpace is returned when the temp directory cannot hold the payload.
	ErrInsufficientSpace = errors.New("insufficient disk space")
)

// FatalError ends a fetch. Exhausted is set when the attempt ceiling was
// reached, in which case Err is the last transient cause.
type FatalError struct {
	Version   string
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *FatalError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("download of %s failed after %d attempts: %v", e.Version, e.Attempts, e.Err)
	}
	return fmt.Sprintf("download of %s failed on attempt %d: %v", e.Version, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
