package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when input fails validation and must not be retried
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced record does not exist
	ErrNotFound = errors.New("record not found")
)

// ValidationError describes a rejected field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Unwrap lets callers match validation failures with errors.Is
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
