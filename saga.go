package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fortressi/saga/set"
	"github.com/robbyt/go-loglater"
	"github.com/robbyt/go-loglater/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further forward progress happens without Resume.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SagaContext is a point-in-time view of a saga's progress.
//
// CompletedResults[i] belongs to step i. Its length never exceeds
// CurrentStepIndex+1.
type SagaContext[P any] struct {
	SagaID           string
	SagaName         string
	Payload          P
	StepNames        []string
	CurrentStepIndex int
	CompletedResults []StepResult
	Status           Status
	StartedAt        time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
	Err              error
	CompensationErrs []error
	Attempts         int
}

func (c SagaContext[P]) clone() SagaContext[P] {
	c.StepNames = append([]string(nil), c.StepNames...)
	c.CompletedResults = append([]StepResult(nil), c.CompletedResults...)
	c.CompensationErrs = append([]error(nil), c.CompensationErrs...)
	if c.CompletedAt != nil {
		at := *c.CompletedAt
		c.CompletedAt = &at
	}
	if c.FailedAt != nil {
		at := *c.FailedAt
		c.FailedAt = &at
	}
	return c
}

// Result is the outcome of Execute, Resume or Rollback. Errors never escape
// the engine any other way.
type Result[P any] struct {
	SagaID  string
	Success bool
	Payload P
	Err     error
}

// Saga executes a fixed sequence of steps against a payload and undoes the
// completed ones in reverse order when a step fails.
type Saga[P any] struct {
	name    string
	id      string
	steps   []Step[P]
	payload P

	mu         sync.Mutex
	state      SagaContext[P]
	inFlight   bool
	rolledBack bool

	log          *SagaLog
	logCollector *loglater.LogCollector
	logger       *slog.Logger
	tracer       trace.Tracer
	clock        func() time.Time
	store        Store
}

// New creates a saga instance. Step names must be unique and at least one
// step is required.
func New[P any](name, sagaID string, payload P, steps []Step[P], opts ...Option) (*Saga[P], error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("saga %s: %w", name, ErrNoSteps)
	}

	names := make([]string, len(steps))
	seen := set.New[string]()
	for i, step := range steps {
		if step == nil {
			return nil, fmt.Errorf("saga %s: step %d is nil", name, i)
		}
		if seen.Contains(step.Name()) {
			return nil, fmt.Errorf("saga %s: %w: %s", name, ErrDuplicateStep, step.Name())
		}
		seen.Insert(step.Name())
		names[i] = step.Name()
	}

	o := newOptions(opts)

	// history is kept per saga so it can be inspected or replayed later
	logCollector := loglater.NewLogCollector(o.handler)
	logger := slog.New(logCollector).WithGroup("saga").With(
		"name", name,
		"id", sagaID,
	)

	s := &Saga[P]{
		name:         name,
		id:           sagaID,
		steps:        append([]Step[P](nil), steps...),
		payload:      payload,
		log:          NewSagaLog(sagaID),
		logCollector: logCollector,
		logger:       logger,
		tracer:       o.tracer,
		clock:        o.clock,
		store:        o.store,
		state: SagaContext[P]{
			SagaID:           sagaID,
			SagaName:         name,
			Payload:          payload,
			StepNames:        names,
			CompletedResults: make([]StepResult, 0, len(steps)),
			Status:           StatusRunning,
			StartedAt:        o.clock(),
		},
	}
	return s, nil
}

// ID returns the saga id.
func (s *Saga[P]) ID() string {
	return s.id
}

// Name returns the saga type name.
func (s *Saga[P]) Name() string {
	return s.name
}

// Status returns the current lifecycle state.
func (s *Saga[P]) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

// Context returns a snapshot of the saga's progress. The payload is copied by
// value, so pointer payloads are shared with running steps.
func (s *Saga[P]) Context() SagaContext[P] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Events returns the step event log.
func (s *Saga[P]) Events() []StepEvent {
	return s.log.Events()
}

// Logs returns every record logged on behalf of this saga.
func (s *Saga[P]) Logs() []storage.Record {
	return s.logCollector.GetLogs()
}

// PlaybackLogs replays the saga's log history into handler.
func (s *Saga[P]) PlaybackLogs(handler slog.Handler) error {
	return s.logCollector.PlayLogs(handler)
}

// Execute runs the remaining steps. A completed saga returns its stored
// success and a failed saga its stored failure; use Resume to retry.
func (s *Saga[P]) Execute(ctx context.Context) Result[P] {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return Result[P]{SagaID: s.id, Payload: s.payload, Err: ErrSagaInProgress}
	}
	if s.state.Status.Terminal() {
		defer s.mu.Unlock()
		return s.resultLocked()
	}
	s.inFlight = true
	s.state.Attempts++
	s.mu.Unlock()

	defer s.release()
	return s.run(ctx)
}

// CanResume reports whether the saga failed with steps left to run.
func (s *Saga[P]) CanResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canResumeLocked()
}

func (s *Saga[P]) canResumeLocked() bool {
	return !s.inFlight &&
		!s.rolledBack &&
		s.state.Status == StatusFailed &&
		s.state.CurrentStepIndex < len(s.steps)
}

// Resume restarts a failed saga at the step that failed. Results of steps
// completed before the failure are kept, so steps must tolerate re-execution.
func (s *Saga[P]) Resume(ctx context.Context) Result[P] {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return Result[P]{SagaID: s.id, Payload: s.payload, Err: ErrSagaInProgress}
	}
	if !s.canResumeLocked() {
		s.mu.Unlock()
		return Result[P]{SagaID: s.id, Payload: s.payload, Err: ErrNotResumable}
	}
	s.inFlight = true
	s.state.Attempts++
	s.state.Status = StatusRunning
	s.state.Err = nil
	s.state.FailedAt = nil
	from := s.state.CurrentStepIndex
	s.mu.Unlock()

	s.logger.Info("Resuming saga", "fromStep", s.steps[from].Name(), "index", from)

	defer s.release()
	return s.run(ctx)
}

// Rollback compensates a saga that is not executing. For a completed saga
// every compensable step is undone. For a failed saga only compensations
// that failed earlier are retried. Either way the saga ends failed and can
// no longer be resumed. The returned error joins compensation failures of
// this pass.
func (s *Saga[P]) Rollback(ctx context.Context) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrSagaInProgress
	}
	status := s.state.Status
	if !status.Terminal() || (status == StatusCompleted && len(s.state.CompletedResults) == 0) {
		s.mu.Unlock()
		return ErrNothingToRollback
	}
	s.inFlight = true
	s.state.Status = StatusCompensating
	if s.state.Err == nil {
		s.state.Err = ErrRolledBack
	}
	s.mu.Unlock()
	defer s.release()

	ctx, span := s.tracer.Start(ctx, "saga.rollback", trace.WithAttributes(s.attributes()...))
	defer span.End()

	s.logger.Info("Rolling back saga", "previousStatus", status)
	s.persist(ctx)

	errs := s.compensate(ctx, status == StatusFailed)

	now := s.clock()
	s.mu.Lock()
	s.rolledBack = true
	s.state.Status = StatusFailed
	s.state.FailedAt = &now
	s.mu.Unlock()
	s.persist(ctx)

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compensation failed")
		return err
	}
	return nil
}

func (s *Saga[P]) release() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

func (s *Saga[P]) resultLocked() Result[P] {
	return Result[P]{
		SagaID:  s.id,
		Success: s.state.Status == StatusCompleted,
		Payload: s.payload,
		Err:     s.state.Err,
	}
}

// run drives the forward loop from the current step index.
func (s *Saga[P]) run(ctx context.Context) Result[P] {
	ctx, span := s.tracer.Start(ctx, "saga.execute", trace.WithAttributes(s.attributes()...))
	defer span.End()

	s.persist(ctx)

	for {
		s.mu.Lock()
		index := s.state.CurrentStepIndex
		s.mu.Unlock()
		if index >= len(s.steps) {
			break
		}

		result := s.runStep(ctx, index)
		if !result.Success {
			err := ExecuteFailed(s.steps[index].Name(), index, result.Err)
			s.fail(ctx, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "saga failed")

			s.mu.Lock()
			defer s.mu.Unlock()
			return s.resultLocked()
		}

		s.mu.Lock()
		s.state.CompletedResults = append(s.state.CompletedResults[:index], result)
		s.state.CurrentStepIndex = index + 1
		s.mu.Unlock()
		s.persist(ctx)
	}

	now := s.clock()
	s.mu.Lock()
	s.state.Status = StatusCompleted
	s.state.CompletedAt = &now
	s.mu.Unlock()
	s.persist(ctx)

	s.logger.Info("Saga completed", "steps", len(s.steps))

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultLocked()
}

// fail moves the saga through compensating into failed.
func (s *Saga[P]) fail(ctx context.Context, err error) {
	s.mu.Lock()
	s.state.Status = StatusCompensating
	s.state.Err = err
	s.mu.Unlock()

	s.logger.Error("Saga step failed, compensating", "error", err)
	s.persist(ctx)

	s.compensate(ctx, false)

	now := s.clock()
	s.mu.Lock()
	s.state.Status = StatusFailed
	s.state.FailedAt = &now
	s.mu.Unlock()
	s.persist(ctx)
}

// runStep executes one step and folds errors and panics into the result.
func (s *Saga[P]) runStep(ctx context.Context, index int) StepResult {
	step := s.steps[index]
	ctx, span := s.tracer.Start(ctx, "saga.step."+step.Name(), trace.WithAttributes(
		attribute.String("saga.step", step.Name()),
		attribute.Int("saga.step_index", index),
	))
	defer span.End()

	s.record(index, EventStarted)
	s.logger.Debug("Executing step", "step", step.Name(), "index", index)

	result := s.invoke(ctx, step)
	if !result.Success {
		s.record(index, EventFailed)
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "step failed")
		return result
	}

	s.record(index, EventSucceeded)
	return result
}

func (s *Saga[P]) invoke(ctx context.Context, step Step[P]) (result StepResult) {
	defer func() {
		if r := recover(); r != nil {
			result = Failed(fmt.Errorf("%w: %v", ErrStepPanicked, r))
		}
	}()

	res, err := step.Execute(ctx, s.payload)
	if err != nil {
		return Failed(err)
	}
	if !res.Success {
		if res.Err == nil {
			res.Err = ErrStepFailed
		}
		return res
	}
	return res
}

// compensate walks completed results from last to first and undoes every
// compensable step that left compensation data. Failures are logged and
// collected; they never stop the walk. With retryFailed set only steps whose
// previous undo failed are attempted.
func (s *Saga[P]) compensate(ctx context.Context, retryFailed bool) []error {
	// compensation must run to the end even if the caller gave up
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	results := append([]StepResult(nil), s.state.CompletedResults...)
	s.mu.Unlock()

	var errs []error
	for i := len(results) - 1; i >= 0; i-- {
		step := s.steps[i]
		compensable, ok := step.(Compensable)
		if !ok {
			s.logger.Debug("Step has no compensation, skipping", "step", step.Name())
			continue
		}
		if results[i].CompensationData == nil {
			s.logger.Debug("Step left no compensation data, skipping", "step", step.Name())
			continue
		}
		if retryFailed && s.log.StatusOf(i) != StepUndoFailed {
			continue
		}

		if err := s.undoStep(ctx, i, compensable, results[i].CompensationData); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (s *Saga[P]) undoStep(ctx context.Context, index int, step Compensable, data any) (err error) {
	name := s.steps[index].Name()
	ctx, span := s.tracer.Start(ctx, "saga.compensate."+name, trace.WithAttributes(
		attribute.String("saga.step", name),
		attribute.Int("saga.step_index", index),
	))
	defer span.End()

	s.record(index, EventUndoStarted)
	s.logger.Info("Compensating step", "step", name, "index", index)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStepPanicked, r)
		}
		if err == nil {
			s.record(index, EventUndoFinished)
			return
		}

		err = CompensationFailed(name, index, err)
		s.record(index, EventUndoFailed)
		s.logger.Error("Compensation failed, continuing", "step", name, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "compensation failed")

		s.mu.Lock()
		s.state.CompensationErrs = append(s.state.CompensationErrs, err)
		s.mu.Unlock()
	}()

	return step.Compensate(ctx, data)
}

func (s *Saga[P]) record(index int, eventType StepEventType) {
	err := s.log.Record(StepEvent{
		SagaID:    s.id,
		StepIndex: index,
		StepName:  s.steps[index].Name(),
		Type:      eventType,
		At:        s.clock(),
	})
	if err != nil {
		s.logger.Warn("Failed to record step event", "error", err)
	}
}

func (s *Saga[P]) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("saga.name", s.name),
		attribute.String("saga.id", s.id),
		attribute.Int("saga.steps", len(s.steps)),
	}
}

// persist saves a snapshot when a Store is configured. Failures are logged
// and never interrupt execution.
func (s *Saga[P]) persist(ctx context.Context) {
	if s.store == nil {
		return
	}

	s.mu.Lock()
	state := State{
		SagaID:      s.id,
		SagaName:    s.name,
		Status:      s.state.Status,
		CurrentStep: s.state.CurrentStepIndex,
		Steps:       make([]StepState, len(s.steps)),
		CreatedAt:   s.state.StartedAt,
	}
	if s.state.Err != nil {
		state.Error = s.state.Err.Error()
	}
	s.mu.Unlock()

	for i, step := range s.steps {
		state.Steps[i] = StepState{Name: step.Name(), Status: s.log.StatusOf(i)}
	}

	payload, err := json.Marshal(s.payload)
	if err != nil {
		s.logger.Warn("Failed to marshal payload for snapshot", "error", err)
	} else {
		state.Payload = payload
	}

	if err := s.store.Save(context.WithoutCancel(ctx), state); err != nil {
		s.logger.Warn("Failed to persist saga snapshot", "status", state.Status, "error", err)
	}
}
