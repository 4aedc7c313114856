package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSteps is returned when a saga is constructed without any steps.
	ErrNoSteps = errors.New("saga has no steps")

	// ErrDuplicateStep is returned when two steps of one saga share a name.
	ErrDuplicateStep = errors.New("duplicate step name")

	// ErrSagaInProgress is returned when Execute, Resume or Rollback is called
	// while another call is still driving the same saga.
	ErrSagaInProgress = errors.New("saga is already executing")

	// ErrSagaNotFound is returned by the orchestrator for unknown saga ids.
	ErrSagaNotFound = errors.New("saga not found")

	// ErrNotResumable is returned when Resume is called on a saga that is not
	// in the failed state or has no step left to run.
	ErrNotResumable = errors.New("saga cannot be resumed")

	// ErrNothingToRollback is returned by Rollback when no step has completed.
	ErrNothingToRollback = errors.New("no completed steps to roll back")

	// ErrRolledBack is recorded as the saga error after a manual rollback.
	ErrRolledBack = errors.New("saga was rolled back")

	// ErrStepFailed is used when a step reports an unsuccessful result
	// without attaching an error of its own.
	ErrStepFailed = errors.New("step reported failure")

	// ErrStepPanicked wraps a panic raised inside a step or compensation.
	ErrStepPanicked = errors.New("step panicked")

	// ErrValidation marks precondition failures. Steps wrap it so callers can
	// tell a rejected request from an execution failure.
	ErrValidation = errors.New("validation failed")
)

// StepError represents an error produced by a saga step's forward action.
type StepError struct {
	Step  string
	Index int
	error
}

// ExecuteFailed wraps a step error in a StepError.
func ExecuteFailed(step string, index int, err error) error {
	return &StepError{
		Step:  step,
		Index: index,
		error: fmt.Errorf("step %q failed: %w", step, err),
	}
}

func (e *StepError) Unwrap() error {
	return e.error
}

// CompensationError represents an error produced by a failed compensation.
// It is logged and recorded on the saga context, never returned from Execute.
type CompensationError struct {
	Step  string
	Index int
	error
}

// CompensationFailed wraps a compensation error in a CompensationError.
func CompensationFailed(step string, index int, err error) error {
	return &CompensationError{
		Step:  step,
		Index: index,
		error: fmt.Errorf("compensation for step %q failed: %w", step, err),
	}
}

func (e *CompensationError) Unwrap() error {
	return e.error
}

// SagaError ties an orchestrator-level error to the saga it concerns.
type SagaError struct {
	SagaID string
	error
}

func newSagaError(sagaID string, err error) error {
	return &SagaError{
		SagaID: sagaID,
		error:  fmt.Errorf("saga %s: %w", sagaID, err),
	}
}

func (e *SagaError) Unwrap() error {
	return e.error
}

// ValidationFailed builds a precondition error that matches ErrValidation.
func ValidationFailed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
