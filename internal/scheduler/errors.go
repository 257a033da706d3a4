package scheduler

import "errors"

var (
	// ErrNonRetryable marks an error that must not be retried
	ErrNonRetryable = errors.New("non-retryable error")

	// ErrMaxRetriesExceeded is returned when max retries are exceeded
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrUnknownTaskKind is returned when a task has no known subject
	ErrUnknownTaskKind = errors.New("unknown task kind")
)
