package types

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict means the resource is already owned: an offer or assignment
	// is active locally, or another mechanic won the claim. Expected, not fatal.
	ErrConflict = errors.New("dispatch: already taken")

	// ErrStaleOffer means the user acted on an offer that is no longer active.
	ErrStaleOffer = errors.New("dispatch: offer is no longer active")

	// ErrBusy means another accept or advance for the same target is in flight.
	ErrBusy = errors.New("dispatch: operation already in progress")

	// ErrNoAssignment means an advance was requested with no active assignment.
	ErrNoAssignment = errors.New("dispatch: no active assignment")

	// ErrInvalidTransition means a status change would skip or regress.
	ErrInvalidTransition = errors.New("dispatch: invalid status transition")

	ErrNotStarted = errors.New("dispatch: controller not started")
	ErrStopped    = errors.New("dispatch: controller stopped")
)

// TransportError wraps a network failure or unexpected HTTP status from the
// REST collaborator. Status is 0 when no response was received.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dispatch: %s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("dispatch: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
