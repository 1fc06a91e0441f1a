package store

import "errors"

// ErrNotFound indicates a missing record.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a uniqueness or integrity violation.
var ErrConflict = errors.New("record conflicts with existing data")
