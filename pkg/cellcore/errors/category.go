// Package errors classifies failures raised inside the consistency core.
//
// Every component reports failures through plain Go errors. This package
// attaches a Category to them so callers can decide what to do next:
//   - Transient: retry with backoff
//   - Permanent: terminal business failure, compensate the flow
//   - Topology: contract graph is unsound, refuse to start
//   - Integrity: audit chain verification failed, alert and stop
//   - Compensation: an undo step failed, the flow is stuck
//
// Only Topology and Integrity are fatal. A duplicate operation is not an
// error at all and never reaches this package.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: timeouts, a broker that is briefly unavailable.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help and the flow must be
	// compensated. Examples: payment declined, item no longer in stock.
	CategoryPermanent

	// CategoryTopology indicates a consumed topic has no producer.
	CategoryTopology

	// CategoryIntegrity indicates a broken audit chain.
	CategoryIntegrity

	// CategoryCompensation indicates an undo step failed.
	CategoryCompensation
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryTopology:
		return "topology"
	case CategoryIntegrity:
		return "integrity"
	case CategoryCompensation:
		return "compensation"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this category must stop the process or
// raise an operator alert.
func (c Category) Fatal() bool {
	return c == CategoryTopology || c == CategoryIntegrity
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Attempts is the number of attempts that have been made.
	Attempts int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient marks err as retryable.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent marks err as a terminal business failure.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Topology marks err as a contract graph violation.
func Topology(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTopology, context)
}

// Integrity marks err as an audit chain break.
func Integrity(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryIntegrity, context)
}

// Compensation marks err as a failed undo step.
func Compensation(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryCompensation, context)
}

// Categorize determines how an error should be handled.
//
// Errors that were never classified are treated as permanent. Timeouts and
// unavailable dependencies are transient. A cancelled context is permanent
// because the caller gave up.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var classifier interface{ Category() Category }
	if errors.As(err, &classifier) {
		return classifier.Category()
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		return CategoryTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsTerminal reports whether err was explicitly classified as something
// other than transient. Unclassified errors are not terminal, which lets the
// retry executor spend its attempt budget on failures nobody labelled.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category != CategoryTransient
	}
	var classifier interface{ Category() Category }
	if errors.As(err, &classifier) {
		return classifier.Category() != CategoryTransient
	}
	return false
}

// IsFatal reports whether err belongs to a fatal category.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return Categorize(err).Fatal()
}
