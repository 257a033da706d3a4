// Package client holds what the notification provider clients share.
package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a failure reported by a remote provider
type Error struct {
	Provider   string
	StatusCode int
	Reason     string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	msg := e.Provider
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FromStatus classifies an HTTP failure. Server errors, timeouts and rate
// limits are retryable, other client errors are not. A zero status means
// the request never got a response.
func FromStatus(provider string, statusCode int, reason string, err error) *Error {
	retryable := statusCode == 0 ||
		statusCode >= http.StatusInternalServerError ||
		statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout
	return &Error{
		Provider:   provider,
		StatusCode: statusCode,
		Reason:     reason,
		Retryable:  retryable,
		Err:        err,
	}
}

// IsPermanent reports whether err is a provider error that retrying cannot fix
func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && !e.Retryable
}
