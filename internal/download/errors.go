package download

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no download matches the given id.
	ErrNotFound = errors.New("download not found")

	// ErrUnsupported is returned by engines for optional operations they cannot perform.
	ErrUnsupported = errors.New("operation not supported by engine")
)

// EnqueueError represents a failure to admit a download: the URL could not be
// classified or no engine could be selected for it. It is terminal.
type EnqueueError struct {
	URL    string // Source URL of the rejected download
	Reason string // Human-readable explanation
	Err    error  // Underlying error, if any
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("failed to enqueue %s: %s", e.URL, e.Reason)
}

func (e *EnqueueError) Unwrap() error {
	return e.Err
}

// NoCompatibleEngineError is returned when no registered engine supports a URL.
type NoCompatibleEngineError struct {
	URL      string
	Excluded []string // Engines that were excluded from the search
}

func (e *NoCompatibleEngineError) Error() string {
	if len(e.Excluded) > 0 {
		return fmt.Sprintf("no compatible engine for %s (excluded: %s)", e.URL, strings.Join(e.Excluded, ", "))
	}

	return fmt.Sprintf("no compatible engine for %s", e.URL)
}

// EngineSwitchDeniedError is returned when a running download cannot be handed
// over to another engine.
type EngineSwitchDeniedError struct {
	Engine     string
	DownloadID string
	Reason     string
	Err        error
}

func (e *EngineSwitchDeniedError) Error() string {
	return fmt.Sprintf("engine switch denied for download %s on %s: %s", e.DownloadID, e.Engine, e.Reason)
}

func (e *EngineSwitchDeniedError) Unwrap() error {
	return e.Err
}

// SizeUnknownError is returned when the content length of a URL cannot be determined.
type SizeUnknownError struct {
	URL string
	Err error
}

func (e *SizeUnknownError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("content length unknown for %s: %v", e.URL, e.Err)
	}

	return fmt.Sprintf("content length unknown for %s", e.URL)
}

func (e *SizeUnknownError) Unwrap() error {
	return e.Err
}

// IncompleteSegmentsError is returned when a merge is attempted before every
// segment completed.
type IncompleteSegmentsError struct {
	DownloadID string
	Pending    []int // Indexes of the segments that are not completed
}

func (e *IncompleteSegmentsError) Error() string {
	return fmt.Sprintf("download %s has %d incomplete segments: %v", e.DownloadID, len(e.Pending), e.Pending)
}

// InvalidStateError is returned when an operation is called on a download that
// is not in the required status.
type InvalidStateError struct {
	DownloadID string
	Operation  string
	Status     Status
	Want       Status
	// Reason replaces the status comparison when the status alone is not
	// what blocks the operation.
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s download %s: %s", e.Operation, e.DownloadID, e.Reason)
	}

	return fmt.Sprintf("cannot %s download %s in status %s (want %s)", e.Operation, e.DownloadID, e.Status, e.Want)
}

// TransientTransferError wraps an engine failure that is eligible for retry.
type TransientTransferError struct {
	Engine string
	Err    error
}

func (e *TransientTransferError) Error() string {
	return fmt.Sprintf("transfer failed on %s: %v", e.Engine, e.Err)
}

func (e *TransientTransferError) Unwrap() error {
	return e.Err
}

// TerminalFailureError marks a download that will not be retried anymore.
type TerminalFailureError struct {
	DownloadID string
	Attempts   int
	Reason     string
	Err        error
}

func (e *TerminalFailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download %s failed after %d attempts: %s: %v", e.DownloadID, e.Attempts, e.Reason, e.Err)
	}

	return fmt.Sprintf("download %s failed after %d attempts: %s", e.DownloadID, e.Attempts, e.Reason)
}

func (e *TerminalFailureError) Unwrap() error {
	return e.Err
}
