package xfer

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned by an engine whose transfer was interrupted by the
// user. It never surfaces as an error event; sessions translate it into an
// aborted outcome.
var ErrCancelled = errors.New("transfer cancelled")

// ErrPausedByUser is returned when the user paused the transfer mid-flight.
// The partial state (local file, server-side bytes) is kept for resumption.
var ErrPausedByUser = errors.New("transfer paused by user")

// ErrPausedBySystem is returned when a transient transport failure converted
// the transfer into a system pause. The transfer is expected to be resumable.
var ErrPausedBySystem = errors.New("transfer paused by system")

// IsPause reports whether err is one of the pause outcomes.
func IsPause(err error) bool {
	return errors.Is(err, ErrPausedByUser) || errors.Is(err, ErrPausedBySystem)
}

// NetworkError represents transport-level failures: timeouts, connection
// resets, failed dials. These are retryable up to the engine's ceiling, or
// converted into a system pause when the transfer is already resumable.
type NetworkError struct {
	Operation  string // the protocol phase that failed (e.g. "negotiate", "get")
	StatusCode int    // HTTP status code, 0 for non-HTTP failures
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProtocolError represents an unexpected status code or a malformed response
// from the content server. Protocol errors are terminal and never retried.
type ProtocolError struct {
	Operation  string
	StatusCode int
	Reason     string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("protocol error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("protocol error during %s: %s", e.Operation, e.Reason)
}

// AccessDeniedError reports that the payload is no longer readable (storage
// permission revoked mid-transfer). It is distinct from a network failure:
// the transfer must not auto-pause and the caller must not retry it.
type AccessDeniedError struct {
	Locator string
	Err     error
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("not allowed to send %s: %v", e.Locator, e.Err)
}

func (e *AccessDeniedError) Unwrap() error {
	return e.Err
}
