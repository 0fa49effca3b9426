package errors

import (
	"fmt"
	"time"
)

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// UnavailableError indicates a dependency (database, broker, peer cell)
// could not be reached.
type UnavailableError struct {
	Resource string
	Err      error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s unavailable: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("%s unavailable", e.Resource)
}

// Unwrap returns the underlying error.
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// PanicError is produced when a handler or undo action panics.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Category reports panics as permanent failures.
func (e *PanicError) Category() Category {
	return CategoryPermanent
}
