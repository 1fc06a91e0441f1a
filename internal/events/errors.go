package events

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the referenced event does not exist.
	ErrNotFound = errors.New("event not found")
	// ErrForbidden indicates the caller does not own the referenced event.
	ErrForbidden = errors.New("access to event denied")
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")
)

// ValidationError describes a rejected input. No store mutation happens once
// one is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
