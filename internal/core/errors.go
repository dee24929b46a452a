package core

import (
	"errors"
	"fmt"
)

var (
	ErrAccessDenied        = errors.New("access denied")
	ErrNotFound            = errors.New("not found")
	ErrDeviceUnavailable   = errors.New("device unavailable")
	ErrTransport           = errors.New("transport error")
	ErrFinalizeWriteFailed = errors.New("finalize write failed")

	// ErrAlreadyEnded is an access denial for a module that is already finished.
	ErrAlreadyEnded = fmt.Errorf("%w: session already ended", ErrAccessDenied)

	ErrHangUpInFlight = errors.New("hang-up already in progress")
	ErrReleased       = errors.New("resources already released")
	ErrBackpressure   = errors.New("backpressure")
	ErrClosed         = errors.New("closed")
)

// SessionError carries the operation that failed. It matches both its Kind
// sentinel and the underlying cause under errors.Is.
type SessionError struct {
	Kind error
	Op   string
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *SessionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewError(kind error, op string, err error) error {
	return &SessionError{Kind: kind, Op: op, Err: err}
}
