package settlement

import (
	"context"
	"errors"
	"fmt"
)

// ErrAlreadyApplied is returned by a backend when the idempotency key was processed before.
// Callers treat it as success.
var ErrAlreadyApplied = errors.New("settlement: operation already applied")

// BackendError is a failed call to one backend.
type BackendError struct {
	Backend   string
	Op        string
	Retryable bool
	Err       error
}

func (e *BackendError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("settlement: %s %s (%s): %v", e.Backend, e.Op, kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func retryable(backend, op string, err error) error {
	return &BackendError{Backend: backend, Op: op, Retryable: true, Err: err}
}

func terminal(backend, op string, err error) error {
	return &BackendError{Backend: backend, Op: op, Retryable: false, Err: err}
}

// IsRetryable reports whether another attempt at the same call may succeed. Unclassified
// errors count as retryable, caller cancellation does not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrAlreadyApplied) || errors.Is(err, context.Canceled) {
		return false
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return true
}

// Rejected reports whether a backend explicitly refused the movement.
func Rejected(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && !be.Retryable
}
