package saga

import (
	"context"
	"fmt"
)

// StepResult is the outcome of a step's forward action.
//
// CompensationData is the only state handed to the step's compensation, so it
// must carry everything needed to undo the step on its own.
type StepResult struct {
	Success          bool
	Data             any
	Err              error
	CompensationData any
}

// Succeeded builds a successful StepResult.
func Succeeded(data, compensationData any) StepResult {
	return StepResult{
		Success:          true,
		Data:             data,
		CompensationData: compensationData,
	}
}

// Failed builds an unsuccessful StepResult.
func Failed(err error) StepResult {
	if err == nil {
		err = ErrStepFailed
	}
	return StepResult{Err: err}
}

// Step is the building block of a saga. Steps run in declaration order
// against a payload owned by the saga instance.
type Step[P any] interface {
	Name() string
	Execute(ctx context.Context, payload P) (StepResult, error)
}

// Compensable is implemented by steps that define a reverse action. Steps
// without it are skipped while unwinding.
type Compensable interface {
	Compensate(ctx context.Context, compensationData any) error
}

type (
	ExecuteFunc[P any] func(ctx context.Context, payload P) (StepResult, error)
	CompensateFunc     func(ctx context.Context, compensationData any) error
)

// StepFunc is an implementation of Step that uses an ordinary function.
type StepFunc[P any] struct {
	name    string
	execute ExecuteFunc[P]
}

// CompensableStepFunc is a StepFunc that also carries a compensation.
type CompensableStepFunc[P any] struct {
	StepFunc[P]
	compensate CompensateFunc
}

// NewStep constructs a function-backed step. A nil compensate yields a step
// that does not implement Compensable.
func NewStep[P any](name string, execute ExecuteFunc[P], compensate CompensateFunc) Step[P] {
	base := StepFunc[P]{name: name, execute: execute}
	if compensate == nil {
		return &base
	}
	return &CompensableStepFunc[P]{StepFunc: base, compensate: compensate}
}

// Name implements the Step interface for StepFunc.
func (s *StepFunc[P]) Name() string {
	return s.name
}

// Execute implements the Step interface for StepFunc.
func (s *StepFunc[P]) Execute(ctx context.Context, payload P) (StepResult, error) {
	if s.execute == nil {
		return StepResult{}, fmt.Errorf("step %q has no execute function", s.name)
	}
	return s.execute(ctx, payload)
}

// String implements the fmt.Stringer interface for StepFunc.
func (s *StepFunc[P]) String() string {
	return fmt.Sprintf("StepFunc[%s]", s.name)
}

// Compensate implements the Compensable interface for CompensableStepFunc.
func (s *CompensableStepFunc[P]) Compensate(ctx context.Context, compensationData any) error {
	return s.compensate(ctx, compensationData)
}

// CompensationAs asserts compensation data to the type a step stored.
func CompensationAs[T any](data any) (T, error) {
	typed, ok := data.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("compensation data is %T, want %T", data, zero)
	}
	return typed, nil
}
