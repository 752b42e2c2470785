// Package remote defines the contract of the remote inventory backend and an HTTP client for it.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
)

// Submission is one mutating request. Token is the idempotency key: the backend
// applies a given token at most once and replays its original response afterwards.
type Submission struct {
	Token    string
	Mutation inventory.Mutation
}

// Backend is the remote service that owns the authoritative inventory state.
type Backend interface {
	FetchCollection(ctx context.Context, collection inventory.Collection) ([]inventory.Record, error)
	Submit(ctx context.Context, submission Submission) (inventory.Record, error)
}

// RejectedError is a definitive refusal by the remote backend, such as a validation
// failure or insufficient stock. Retrying the same request cannot succeed.
type RejectedError struct {
	Status  int
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote rejected request (%d %s)", e.Status, e.Code)
	}
	return fmt.Sprintf("remote rejected request (%d %s): %s", e.Status, e.Code, e.Message)
}

// Reason renders the rejection for the pending-action log.
func (e *RejectedError) Reason() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// TransientError is a failure that may succeed when retried: transport errors,
// timeouts, throttling and server-side faults.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("remote unavailable: %v", e.Err)
	}
	return fmt.Sprintf("remote unavailable (%d): %v", e.Status, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// AsRejected extracts a rejection from err.
func AsRejected(err error) (*RejectedError, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}

// IsRetryable reports whether err may succeed on a later attempt. Anything that is
// not a definitive rejection is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	_, rejected := AsRejected(err)
	return !rejected
}
