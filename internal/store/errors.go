package store

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable matches every failure of the underlying database.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrActionNotFound indicates that no pending action carries the identifier.
	ErrActionNotFound = errors.New("store: action not found")
	// ErrInvalidTransition indicates that an action is not in the state the operation requires.
	ErrInvalidTransition = errors.New("store: invalid status transition")

	errMissingDatabase = errors.New("database handle is required")
)

// Error is a coded storage failure. It matches ErrUnavailable.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() []error {
	if e.err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.err}
}

// Code returns the stable error code.
func (e *Error) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &Error{code: code, err: cause}
}
