package core

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when a session has no usable credential
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned for an unknown lead or session
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a session touches another session's lead
	ErrForbidden = errors.New("forbidden")
	// ErrConflict is returned for an invalid state transition
	ErrConflict = errors.New("conflict")
	// ErrTransientUpstream marks a failure of the mail API, classifier or transport
	ErrTransientUpstream = errors.New("transient upstream failure")
	// ErrPersistence marks a failed snapshot write
	ErrPersistence = errors.New("persistence failure")
	// ErrMalformedEvent is returned when a transport item cannot be converted
	ErrMalformedEvent = errors.New("malformed event")
	// ErrSubscriptionClosed is returned by Next once a subscription is closed
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// UpstreamError wraps a failure of an external collaborator
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap matches both ErrTransientUpstream and the underlying error
func (e *UpstreamError) Unwrap() []error {
	return []error{ErrTransientUpstream, e.Err}
}

// Upstream wraps err as an UpstreamError for op
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Op: op, Err: err}
}

func persistenceError(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, what, err)
}
