package saga

import (
	"errors"
	"fmt"
	"strings"

	cerrors "github.com/randalmurphal/cellcore/pkg/cellcore/errors"
)

// Compensation errors.
var (
	// ErrAlreadyCompensating is returned when a compensation for the same
	// correlation id is still running.
	ErrAlreadyCompensating = errors.New("flow is already compensating")

	// ErrNotStuck is returned by Resolve for a flow that is not STUCK.
	ErrNotStuck = errors.New("flow is not stuck")
)

// StepFailure is one undo action that failed.
type StepFailure struct {
	Step string
	Err  error
}

// CompensationError lists the undo actions that failed during one
// compensation run. The flow it belongs to is STUCK.
type CompensationError struct {
	CorrelationID string
	Failures      []StepFailure
}

// Error implements the error interface.
func (e *CompensationError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Step, f.Err)
	}
	return fmt.Sprintf("compensation of %s: %d step(s) failed: %s",
		e.CorrelationID, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap returns the step errors.
func (e *CompensationError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Category reports compensation failures to the errors package.
func (e *CompensationError) Category() cerrors.Category {
	return cerrors.CategoryCompensation
}
