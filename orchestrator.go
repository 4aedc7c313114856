package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxIDAttempts bounds the suffix search when generated saga ids collide.
const maxIDAttempts = 1000

// Definition describes one saga type for an Orchestrator.
type Definition[P any] struct {
	// Name is the saga type name and the prefix of generated saga ids.
	Name string

	// BusinessKey extracts the key that makes ids recognisable, such as a
	// permit id. Optional.
	BusinessKey func(payload P) string

	// Build returns the ordered steps for a new instance.
	Build func(sagaID string, payload P) ([]Step[P], error)
}

// Outcome is what callers of the orchestrator see after Start, Resume or Abort.
type Outcome struct {
	SagaID    string
	Success   bool
	Err       error
	CanResume bool
}

// StatusView pairs a saga's status with a snapshot of its context.
type StatusView[P any] struct {
	Status  Status
	Context SagaContext[P]
}

// Orchestrator owns the registry of in-flight sagas of one type and exposes
// start, resume, cancel and cleanup operations on them.
type Orchestrator[P any] struct {
	def      Definition[P]
	registry *Registry[P]
	sagaOpts []Option

	logger  *slog.Logger
	tracer  trace.Tracer
	clock   func() time.Time
	metrics *Metrics
	hooks   []HookFunc
	retain  bool
}

// NewOrchestrator creates an orchestrator for def. Options are also passed to
// every saga it creates.
func NewOrchestrator[P any](def Definition[P], opts ...Option) (*Orchestrator[P], error) {
	if def.Name == "" {
		return nil, errors.New("saga definition has no name")
	}
	if def.Build == nil {
		return nil, fmt.Errorf("saga definition %s has no Build function", def.Name)
	}

	o := newOptions(opts)
	return &Orchestrator[P]{
		def:      def,
		registry: NewRegistry[P](),
		sagaOpts: opts,
		logger:   slog.New(o.handler).WithGroup("sagaOrchestrator").With("saga", def.Name),
		tracer:   o.tracer,
		clock:    o.clock,
		metrics:  o.metrics,
		hooks:    o.hooks,
		retain:   o.retain,
	}, nil
}

// Start creates, registers and executes a new saga for payload. A successful
// saga is removed from the registry right away. A failed one stays so it
// can be inspected and resumed.
func (o *Orchestrator[P]) Start(ctx context.Context, payload P) Outcome {
	key := ""
	if o.def.BusinessKey != nil {
		key = o.def.BusinessKey(payload)
	}

	ctx, span := o.tracer.Start(ctx, "saga.orchestrator.start", trace.WithAttributes(
		attribute.String("saga.name", o.def.Name),
		attribute.String("saga.business_key", key),
	))
	defer span.End()

	s, err := o.create(key, payload)
	if err != nil {
		o.logger.Error("Failed to create saga", "businessKey", key, "error", err)
		span.RecordError(err)
		return Outcome{Err: err}
	}
	span.SetAttributes(attribute.String("saga.id", s.ID()))

	o.metrics.ObserveStarted(o.def.Name)
	o.fire(ctx, HookStarting, s)
	o.logger.Info("Starting saga", "id", s.ID(), "businessKey", key)

	return o.drive(ctx, s, s.Execute)
}

func (o *Orchestrator[P]) create(key string, payload P) (*Saga[P], error) {
	base := o.def.Name
	if key != "" {
		base += "-" + key
	}
	base = fmt.Sprintf("%s-%d", base, o.clock().UnixMilli())

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := base
		if attempt > 0 {
			id = fmt.Sprintf("%s-%d", base, attempt)
		}
		if o.registry.Has(id) {
			continue
		}

		steps, err := o.def.Build(id, payload)
		if err != nil {
			return nil, newSagaError(id, fmt.Errorf("failed to build steps: %w", err))
		}
		s, err := New(o.def.Name, id, payload, steps, o.sagaOpts...)
		if err != nil {
			return nil, newSagaError(id, err)
		}
		if o.registry.Add(s) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no free saga id for %s after %d attempts", base, maxIDAttempts)
}

// Resume retries a failed saga from the step that failed.
func (o *Orchestrator[P]) Resume(ctx context.Context, sagaID string) Outcome {
	s, ok := o.registry.Get(sagaID)
	if !ok {
		return Outcome{SagaID: sagaID, Err: newSagaError(sagaID, ErrSagaNotFound)}
	}
	if !s.CanResume() {
		return Outcome{SagaID: sagaID, Err: newSagaError(sagaID, ErrNotResumable)}
	}

	ctx, span := o.tracer.Start(ctx, "saga.orchestrator.resume", trace.WithAttributes(
		attribute.String("saga.name", o.def.Name),
		attribute.String("saga.id", sagaID),
	))
	defer span.End()

	o.metrics.ObserveResumed(o.def.Name)
	o.logger.Info("Resuming saga", "id", sagaID)

	return o.drive(ctx, s, s.Resume)
}

// drive runs one Execute or Resume call and applies the registry policy.
func (o *Orchestrator[P]) drive(ctx context.Context, s *Saga[P], run func(context.Context) Result[P]) Outcome {
	started := o.clock()
	before := len(s.Events())

	result := run(ctx)
	if errors.Is(result.Err, ErrSagaInProgress) || errors.Is(result.Err, ErrNotResumable) {
		return Outcome{SagaID: s.ID(), Err: newSagaError(s.ID(), result.Err)}
	}

	o.metrics.ObserveResult(o.def.Name, result.Success, o.clock().Sub(started))
	o.observeCompensations(s.Events()[before:])

	if result.Success {
		if !o.retain {
			o.registry.Remove(s.ID())
		}
		o.fire(ctx, HookCompleted, s)
		o.logger.Info("Saga completed", "id", s.ID())
		return Outcome{SagaID: s.ID(), Success: true}
	}

	o.fire(ctx, HookCompensated, s)
	canResume := s.CanResume()
	o.logger.Warn("Saga failed", "id", s.ID(), "canResume", canResume, "error", result.Err)
	return Outcome{
		SagaID:    s.ID(),
		Err:       newSagaError(s.ID(), result.Err),
		CanResume: canResume,
	}
}

func (o *Orchestrator[P]) observeCompensations(events []StepEvent) {
	var run, failed int
	for _, event := range events {
		switch event.Type {
		case EventUndoStarted:
			run++
		case EventUndoFailed:
			failed++
		}
	}
	o.metrics.ObserveCompensations(o.def.Name, run, failed)
}

func (o *Orchestrator[P]) fire(ctx context.Context, hook LifecycleHook, s *Saga[P]) {
	if len(o.hooks) == 0 {
		return
	}
	snapshot := s.Context()
	info := HookInfo{
		SagaID:   snapshot.SagaID,
		SagaName: snapshot.SagaName,
		Status:   snapshot.Status,
		Err:      snapshot.Err,
	}
	for _, fn := range o.hooks {
		fn(ctx, hook, info)
	}
}

// Status returns the status and context snapshot of a registered saga.
func (o *Orchestrator[P]) Status(sagaID string) (StatusView[P], bool) {
	s, ok := o.registry.Get(sagaID)
	if !ok {
		return StatusView[P]{}, false
	}
	snapshot := s.Context()
	return StatusView[P]{Status: snapshot.Status, Context: snapshot}, true
}

// ActiveSagas returns context snapshots of every registered saga, ordered by id.
func (o *Orchestrator[P]) ActiveSagas() []SagaContext[P] {
	sagas := o.registry.Sagas()
	out := make([]SagaContext[P], 0, len(sagas))
	for _, s := range sagas {
		out = append(out, s.Context())
	}
	return out
}

// Cancel removes a saga from the registry without compensating it. Steps
// that already ran stay applied, and a call in flight is not interrupted.
func (o *Orchestrator[P]) Cancel(sagaID string) bool {
	if !o.registry.Remove(sagaID) {
		return false
	}
	o.metrics.ObserveCancelled(o.def.Name)
	o.logger.Warn("Saga cancelled without compensation", "id", sagaID)
	return true
}

// Abort routes cancellation through the compensation path: a completed saga
// is fully undone, a failed saga gets its failed compensations retried. The
// entry is removed once every compensation has succeeded; otherwise it stays
// registered so Abort can be retried.
func (o *Orchestrator[P]) Abort(ctx context.Context, sagaID string) Outcome {
	s, ok := o.registry.Get(sagaID)
	if !ok {
		return Outcome{SagaID: sagaID, Err: newSagaError(sagaID, ErrSagaNotFound)}
	}

	before := len(s.Events())
	err := s.Rollback(ctx)
	o.observeCompensations(s.Events()[before:])

	switch {
	case errors.Is(err, ErrSagaInProgress):
		return Outcome{SagaID: sagaID, Err: newSagaError(sagaID, err)}
	case err != nil && !errors.Is(err, ErrNothingToRollback):
		o.logger.Error("Abort left compensations failed", "id", sagaID, "error", err)
		return Outcome{SagaID: sagaID, Err: newSagaError(sagaID, err)}
	}

	o.registry.Remove(sagaID)
	o.metrics.ObserveAborted(o.def.Name)
	o.fire(ctx, HookCompensated, s)
	o.logger.Info("Saga aborted", "id", sagaID)
	return Outcome{SagaID: sagaID, Success: true}
}

// CleanupCompletedSagas removes terminal sagas whose completion, or last
// failure, is older than olderThan. It returns the number removed.
func (o *Orchestrator[P]) CleanupCompletedSagas(olderThan time.Duration) int {
	now := o.clock()
	removed := 0
	for _, s := range o.registry.Sagas() {
		snapshot := s.Context()
		if !snapshot.Status.Terminal() {
			continue
		}
		finishedAt := snapshot.CompletedAt
		if finishedAt == nil {
			finishedAt = snapshot.FailedAt
		}
		if finishedAt == nil || now.Sub(*finishedAt) <= olderThan {
			continue
		}
		if o.registry.Remove(s.ID()) {
			removed++
		}
	}
	if removed > 0 {
		o.logger.Info("Cleaned up terminal sagas", "removed", removed, "olderThan", olderThan)
	}
	return removed
}

// Len returns the number of registered sagas.
func (o *Orchestrator[P]) Len() int {
	return o.registry.Len()
}
