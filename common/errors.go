package common

import (
	"errors"
	"fmt"
)

// Sentinel error kinds for the processing pipeline. Stages and adapters wrap
// these with fmt.Errorf("...: %w", ...) so callers can classify failures with
// errors.Is without depending on concrete adapter types.
var (
	// ErrValidation marks a malformed request: bad filename, wrong
	// content type, missing fields.
	ErrValidation = errors.New("validation error")

	// ErrTooLarge marks an upload that exceeded the configured size cap.
	ErrTooLarge = errors.New("file too large")

	// ErrInvalidPDF marks a file that failed the PDF magic or trailer check.
	ErrInvalidPDF = errors.New("invalid pdf")

	// ErrNotFound marks an unknown document id.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an illegal document state transition.
	ErrConflict = errors.New("conflict")

	// ErrNotReady marks a results request for a document that has not
	// completed processing.
	ErrNotReady = errors.New("results not ready")

	// ErrUpstream marks a transient external dependency failure (OCR
	// service, LLM, blob store, broker, database). Retryable.
	ErrUpstream = errors.New("upstream error")

	// ErrStageTimeout marks a pipeline stage that exceeded its soft
	// timeout. Retryable.
	ErrStageTimeout = errors.New("stage timeout")

	// ErrInsufficientData marks a pipeline run that produced nothing
	// usable. Deterministic, never retried.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrCancelled marks an observed client cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrInternal marks everything else. Retried once, then terminal.
	ErrInternal = errors.New("internal error")
)

// Retryable reports whether an error kind may be retried by the broker-level
// retry loop. Deterministic data errors and cancellations are terminal.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrUpstream), errors.Is(err, ErrStageTimeout), errors.Is(err, ErrInternal):
		return true
	default:
		return false
	}
}

// Stable kind names, used when persisting terminal failures, in API error
// payloads, and for HTTP status mapping.
const (
	KindValidation       = "validation_error"
	KindTooLarge         = "too_large"
	KindInvalidPDF       = "invalid_pdf"
	KindNotFound         = "not_found"
	KindConflict         = "conflict"
	KindNotReady         = "not_ready"
	KindUpstream         = "upstream_error"
	KindStageTimeout     = "stage_timeout"
	KindInsufficientData = "insufficient_data"
	KindCancelled        = "cancelled"
	KindInternal         = "internal_error"
)

// ErrorKind returns the stable string name for an error's kind.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrTooLarge):
		return KindTooLarge
	case errors.Is(err, ErrInvalidPDF):
		return KindInvalidPDF
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotReady):
		return KindNotReady
	case errors.Is(err, ErrUpstream):
		return KindUpstream
	case errors.Is(err, ErrStageTimeout):
		return KindStageTimeout
	case errors.Is(err, ErrInsufficientData):
		return KindInsufficientData
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindInternal
	}
}

// Wrapf wraps err with a formatted prefix while preserving its kind for
// errors.Is classification.
func Wrapf(err error, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}
