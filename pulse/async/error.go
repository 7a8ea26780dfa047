package async

import (
	"context"
	"strings"

	"github.com/teranos/fhirlake/errors"
)

// ErrorKind is the classified failure recorded in a job's Result
type ErrorKind string

const (
	ErrorKindReadSource          ErrorKind = "read_source_error"
	ErrorKindWriteOutput         ErrorKind = "write_output_error"
	ErrorKindConversion          ErrorKind = "conversion_error"
	ErrorKindConcurrencyConflict ErrorKind = "concurrency_conflict"
	ErrorKindHeartbeatTimeout    ErrorKind = "heartbeat_timeout"
	ErrorKindCancelled           ErrorKind = "cancelled"
	ErrorKindUnknown             ErrorKind = "unknown"
)

// Sentinel errors of the job engine
var (
	// ErrDuplicateJob is returned by CreateJob when an active record with the same definition exists
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrCapacity is returned when MaxRunningJobCount processing jobs are already running
	ErrCapacity = errors.New("running job capacity reached")

	// ErrLeaseLost means another worker (or the sweep) took over the record
	ErrLeaseLost = errors.New("job lease lost")

	// ErrMessageNotFound is returned by Ack/UpdateVisibility for stale pop receipts
	ErrMessageNotFound = errors.New("queue message not found")

	// ErrInterrupted means the worker is shutting down; the job stays Running and resumable
	ErrInterrupted = errors.New("job interrupted by shutdown")

	// ErrCancelRequested means an operator asked for the job to stop
	ErrCancelRequested = errors.New("job cancellation requested")

	// ErrCommitPending means staged output is complete but not yet published
	ErrCommitPending = errors.New("job commit pending")
)

// ClassifyError maps an error onto an ErrorKind.
// Marked sentinels are checked first; message patterns are a fallback for
// errors from drivers and SDKs that cannot be marked at the source.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}

	switch {
	case errors.Is(err, ErrCancelRequested):
		return ErrorKindCancelled
	case errors.Is(err, ErrLeaseLost):
		return ErrorKindHeartbeatTimeout
	case errors.Is(err, errors.ErrConflict):
		return ErrorKindConcurrencyConflict
	case errors.Is(err, errors.ErrReadSource):
		return ErrorKindReadSource
	case errors.Is(err, errors.ErrConversion):
		return ErrorKindConversion
	case errors.Is(err, errors.ErrWriteOutput):
		return ErrorKindWriteOutput
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "schema") && strings.Contains(errLower, "not found"):
		return ErrorKindConversion
	case strings.Contains(errLower, "parquet"):
		return ErrorKindConversion
	case strings.Contains(errLower, "no space left") || strings.Contains(errLower, "permission denied") ||
		strings.Contains(errLower, "read-only file system"):
		return ErrorKindWriteOutput
	case strings.Contains(errLower, "connection refused") || strings.Contains(errLower, "status 5") ||
		strings.Contains(errLower, "circuit breaker"):
		return ErrorKindReadSource
	case strings.Contains(errLower, "version conflict"):
		return ErrorKindConcurrencyConflict
	default:
		return ErrorKindUnknown
	}
}

// IsRetryableOutcome reports whether err leaves the job Running for a later attempt
// rather than failing it.
func IsRetryableOutcome(err error) bool {
	return errors.IsAny(err, ErrInterrupted, ErrCommitPending, ErrLeaseLost)
}
