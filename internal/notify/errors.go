package notify

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the caller has no delivery for the notification.
	// Foreign and missing rows are indistinguishable.
	ErrNotFound = errors.New("notification not found")

	// ErrInvalidTransition is returned for state changes the delivery state machine forbids.
	ErrInvalidTransition = errors.New("invalid delivery state transition")
)

// ValidationError reports a malformed event or request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a storage failure during dispatch. Nothing was committed
// and the producer may retry the event.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Retryable always reports true.
func (e *PersistenceError) Retryable() bool {
	return true
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsRetryable reports whether err is or wraps a *PersistenceError.
func IsRetryable(err error) bool {
	var p *PersistenceError
	return errors.As(err, &p)
}
