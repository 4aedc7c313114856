package saga

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// orderDefinition builds a three step saga. failAt selects the step index that
// fails while the shared failure budget lasts; -1 never fails.
type orderFixture struct {
	j        *journal
	mu       sync.Mutex
	failAt   int
	failures int
}

func (f *orderFixture) shouldFail(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index != f.failAt || f.failures == 0 {
		return false
	}
	f.failures--
	return true
}

func (f *orderFixture) definition() Definition[*order] {
	return Definition[*order]{
		Name:        "order",
		BusinessKey: func(o *order) string { return o.ID },
		Build: func(_ string, _ *order) ([]Step[*order], error) {
			names := []string{"reserve", "charge", "ship"}
			steps := make([]Step[*order], len(names))
			for i, name := range names {
				steps[i] = NewStep[*order](name, func(_ context.Context, _ *order) (StepResult, error) {
					f.j.add("do:" + name)
					if f.shouldFail(i) {
						return Failed(errBoom), nil
					}
					return Succeeded(nil, name), nil
				}, func(_ context.Context, data any) error {
					f.j.add("undo:" + data.(string))
					return nil
				})
			}
			return steps, nil
		},
	}
}

func newTestOrchestrator(t *testing.T, f *orderFixture, opts ...Option) *Orchestrator[*order] {
	t.Helper()
	o, err := NewOrchestrator(f.definition(), append(testOptions(), opts...)...)
	require.NoError(t, err)
	return o
}

func TestNewOrchestratorValidatesDefinition(t *testing.T) {
	_, err := NewOrchestrator(Definition[*order]{Build: func(string, *order) ([]Step[*order], error) { return nil, nil }})
	assert.Error(t, err)

	_, err = NewOrchestrator(Definition[*order]{Name: "order"})
	assert.Error(t, err)
}

func TestOrchestratorStartSuccessRemovesSaga(t *testing.T) {
	f := &orderFixture{j: &journal{}, failAt: -1}
	clock := newFakeClock()
	o := newTestOrchestrator(t, f, WithClock(clock.Now))

	outcome := o.Start(context.Background(), &order{ID: "A-1"})

	require.True(t, outcome.Success)
	require.NoError(t, outcome.Err)
	assert.False(t, outcome.CanResume)
	assert.Equal(t, fmt.Sprintf("order-A-1-%d", clock.Now().UnixMilli()), outcome.SagaID)
	assert.Equal(t, 0, o.Len())
	_, ok := o.Status(outcome.SagaID)
	assert.False(t, ok)
}

func TestOrchestratorStartFailureKeepsSaga(t *testing.T) {
	f := &orderFixture{j: &journal{}, failAt: 1, failures: 1}
	o := newTestOrchestrator(t, f)

	outcome := o.Start(context.Background(), &order{ID: "A-2"})

	require.False(t, outcome.Success)
	assert.True(t, outcome.CanResume)
	require.ErrorIs(t, outcome.Err, errBoom)

	var sagaErr *SagaError
	require.ErrorAs(t, outcome.Err, &sagaErr)
	assert.Equal(t, outcome.SagaID, sagaErr.SagaID)

	view, ok := o.Status(outcome.SagaID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, 1, view.Context.CurrentStepIndex)
	assert.Equal(t, []string{"do:reserve", "do:charge", "undo:reserve"}, f.j.list())

	active := o.ActiveSagas()
	require.Len(t, active, 1)
	assert.Equal(t, outcome.SagaID, active[0].SagaID)
}

func TestOrchestratorResume(t *testing.T) {
	f := &orderFixture{j: &journal{}, failAt: 1, failures: 1}
	o := newTestOrchestrator(t, f)

	started := o.Start(context.Background(), &order{ID: "A-3"})
	require.False(t, started.Success)

	resumed := o.Resume(context.Background(), started.SagaID)

	require.True(t, resumed.Success, "resume error: %v", resumed.Err)
	assert.Equal(t, started.SagaID, resumed.SagaID)
	assert.Equal(t, 0, o.Len())
	assert.Equal(t, 2, f.j.count("do:charge"))
	assert.Equal(t, 1, f.j.count("do:ship"))
}

func TestOrchestratorResumeFailures(t *testing.T) {
	f := &orderFixture{j: &journal{}, failAt: -1}
	o := newTestOrchestrator(t, f, WithRetainCompleted())

	missing := o.Resume(context.Background(), "order-nope-1")
	assert.ErrorIs(t, missing.Err, ErrSagaNotFound)
	var sagaErr *SagaError
	require.ErrorAs(t, missing.Err, &sagaErr)
	assert.Equal(t, "order-nope-1", sagaErr.SagaID)

	completed := o.Start(context.Background(), &order{ID: "A-4"})
	require.True(t, completed.Success)

	notResumable := o.Resume(context.Background(), completed.SagaID)
	assert.ErrorIs(t, notResumable.Err, ErrNotResumable)
	assert.Equal(t, 1, f.j.count("do:reserve"))
}

func TestOrchestratorResumeFailsAgain(t *testing.T) {
	f := &orderFixture{j: &journal{}, failAt: 2, failures: 2}
	o := newTestOrchestrator(t, f)

	started := o.Start(context.Background(), &order{ID: "A-5"})
	require.False(t, started.Success)

	again := o.Resume(context.Background(), started.SagaID)
	require.False(t, again.Success)
	assert.True(t, again.CanResume)
	assert.Equal(t, 1, o.Len())

	final := o.Resume(context.Background(), started.SagaID)
	assert.True(t, final.Success)
	assert.Equal(t, 0, o.Len())
}

func TestOrchestratorCancelSkipsCompensation(t *testing.T) {
	f := &orderFixture{j: &journal{}, failAt: 2, failures: 1}
	o := newTestOrchestrator(t, f)

	started := o.Start(context.Background(), &order{ID: "A-6"})
	require.False(t, started.Success)
	before := f.j.list()

	assert.True(t, o.Cancel(started.SagaID))
	assert.False(t, o.Cancel(started.SagaID))
	assert.Equal(t, before, f.j.list())
	assert.Equal(t, 0, o.Len())
}

func TestOrchestratorAbort(t *testing.T) {
	j := &journal{}
	undoAttempts := 0
	def := Definition[*order]{
		Name: "order",
		Build: func(_ string, _ *order) ([]Step[*order], error) {
			return []Step[*order]{
				okStep(j, "reserve", true),
				NewStep[*order]("charge", func(context.Context, *order) (StepResult, error) {
					return Succeeded(nil, "charge"), nil
				}, func(context.Context, any) error {
					undoAttempts++
					if undoAttempts <= 2 {
						return fmt.Errorf("refund attempt %d failed", undoAttempts)
					}
					j.add("undo:charge")
					return nil
				}),
				failStep(j, "ship", false),
			}, nil
		},
	}
	o, err := NewOrchestrator(def, testOptions()...)
	require.NoError(t, err)

	started := o.Start(context.Background(), &order{ID: "A-7"})
	require.False(t, started.Success)
	require.Equal(t, 1, undoAttempts)

	first := o.Abort(context.Background(), started.SagaID)
	assert.False(t, first.Success)
	assert.Error(t, first.Err)
	assert.Equal(t, 1, o.Len(), "saga stays registered while compensations fail")

	second := o.Abort(context.Background(), started.SagaID)
	assert.True(t, second.Success)
	assert.Equal(t, 0, o.Len())
	assert.Equal(t, 1, j.count("undo:charge"))
	assert.Equal(t, 1, j.count("undo:reserve"))

	assert.ErrorIs(t, o.Abort(context.Background(), started.SagaID).Err, ErrSagaNotFound)
}

func TestOrchestratorAbortCompletedSaga(t *testing.T) {
	f := &orderFixture{j: &journal{}, failAt: -1}
	o := newTestOrchestrator(t, f, WithRetainCompleted())

	started := o.Start(context.Background(), &order{ID: "A-8"})
	require.True(t, started.Success)

	aborted := o.Abort(context.Background(), started.SagaID)
	require.True(t, aborted.Success)
	assert.Equal(t, []string{"undo:ship", "undo:charge", "undo:reserve"}, f.j.list()[3:])
}

func TestOrchestratorCleanupCompletedSagas(t *testing.T) {
	f := &orderFixture{j: &journal{}, failAt: -1}
	clock := newFakeClock()
	o := newTestOrchestrator(t, f, WithClock(clock.Now), WithRetainCompleted())

	old := o.Start(context.Background(), &order{ID: "old"})
	require.True(t, old.Success)

	clock.Advance(24 * time.Hour)
	recent := o.Start(context.Background(), &order{ID: "recent"})
	require.True(t, recent.Success)

	clock.Advance(time.Hour)
	require.Equal(t, 2, o.Len())

	removed := o.CleanupCompletedSagas(24 * time.Hour)

	assert.Equal(t, 1, removed)
	_, ok := o.Status(old.SagaID)
	assert.False(t, ok)
	_, ok = o.Status(recent.SagaID)
	assert.True(t, ok)
}

func TestOrchestratorCleanupUsesFailureTime(t *testing.T) {
	f := &orderFixture{j: &journal{}, failAt: 0, failures: 1}
	clock := newFakeClock()
	o := newTestOrchestrator(t, f, WithClock(clock.Now))

	failed := o.Start(context.Background(), &order{ID: "failed"})
	require.False(t, failed.Success)

	assert.Equal(t, 0, o.CleanupCompletedSagas(time.Hour))
	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, o.CleanupCompletedSagas(time.Hour))
	assert.Equal(t, 0, o.Len())
}

func TestOrchestratorSagaIDCollision(t *testing.T) {
	f := &orderFixture{j: &journal{}, failAt: 0, failures: 2}
	clock := newFakeClock()
	o := newTestOrchestrator(t, f, WithClock(clock.Now))

	first := o.Start(context.Background(), &order{ID: "dup"})
	second := o.Start(context.Background(), &order{ID: "dup"})

	assert.NotEqual(t, first.SagaID, second.SagaID)
	assert.Equal(t, first.SagaID+"-1", second.SagaID)
	assert.Equal(t, 2, o.Len())
}

func TestOrchestratorConcurrentStarts(t *testing.T) {
	const n = 32
	f := &orderFixture{j: &journal{}, failAt: 2, failures: n}
	o := newTestOrchestrator(t, f)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = o.Start(context.Background(), &order{ID: fmt.Sprintf("c-%d", i)})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, o.Len())
	ids := make(map[string]bool)
	for _, outcome := range outcomes {
		assert.False(t, outcome.Success)
		ids[outcome.SagaID] = true
	}
	assert.Len(t, ids, n)
	assert.Len(t, o.ActiveSagas(), n)
}

func TestOrchestratorHooks(t *testing.T) {
	f := &orderFixture{j: &journal{}, failAt: 1, failures: 1}

	var mu sync.Mutex
	var fired []string
	hook := func(_ context.Context, hook LifecycleHook, info HookInfo) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, fmt.Sprintf("%s:%s", hook, info.Status))
	}
	o := newTestOrchestrator(t, f, WithHook(hook))

	started := o.Start(context.Background(), &order{ID: "h"})
	o.Resume(context.Background(), started.SagaID)

	assert.Equal(t, []string{"starting:running", "compensated:failed", "completed:completed"}, fired)
}

func TestOrchestratorMetrics(t *testing.T) {
	f := &orderFixture{j: &journal{}, failAt: 1, failures: 1}
	metrics := NewMetrics()
	o := newTestOrchestrator(t, f, WithMetrics(metrics))

	started := o.Start(context.Background(), &order{ID: "m"})
	o.Resume(context.Background(), started.SagaID)
	o.Start(context.Background(), &order{ID: "n"})

	assert.Equal(t, 2.0, metrics.Counter("started", "order"))
	assert.Equal(t, 1.0, metrics.Counter("resumed", "order"))
	assert.Equal(t, 2.0, metrics.Counter("completed", "order"))
	assert.Equal(t, 1.0, metrics.Counter("failed", "order"))
	assert.Equal(t, 1.0, metrics.Counter("compensations", "order"))
	assert.Equal(t, 3, metrics.Summary().Count)

	output := metrics.RenderPrometheus()
	assert.True(t, strings.Contains(output, `saga_started_total{saga="order"} 2`), output)
}

func TestOrchestratorWithoutMetrics(t *testing.T) {
	f := &orderFixture{j: &journal{}, failAt: 2, failures: 2}
	o := newTestOrchestrator(t, f)

	var first, second Outcome
	require.NotPanics(t, func() {
		first = o.Start(context.Background(), &order{ID: "x"})
		o.Resume(context.Background(), first.SagaID)
		second = o.Start(context.Background(), &order{ID: "y"})
		o.Abort(context.Background(), first.SagaID)
		o.Cancel(second.SagaID)
	})
	assert.False(t, first.Success)
	assert.Equal(t, 0, o.Len())
}
