package saga

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/fortressi/saga"

// Option is a functional option shared by New and NewOrchestrator. Options a
// target does not use are ignored.
type Option func(*options)

type options struct {
	handler slog.Handler
	tracer  trace.Tracer
	clock   func() time.Time
	store   Store
	metrics *Metrics
	hooks   []HookFunc
	retain  bool
}

func newOptions(opts []Option) options {
	o := options{
		handler: slog.Default().Handler(),
		tracer:  otel.Tracer(instrumentationName),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogHandler sets the slog handler used for engine and orchestrator logs.
func WithLogHandler(handler slog.Handler) Option {
	return func(o *options) {
		if handler != nil {
			o.handler = handler
		}
	}
}

// WithLogger sets the handler from an existing logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.handler = logger.Handler()
		}
	}
}

// WithTracerProvider derives the tracer from the given provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithStore enables snapshot persistence after every status transition.
func WithStore(store Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithMetrics records orchestrator activity into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRetainCompleted keeps completed sagas registered for inspection until
// CleanupCompletedSagas sweeps them.
func WithRetainCompleted() Option {
	return func(o *options) {
		o.retain = true
	}
}

// WithHook registers a lifecycle callback on the orchestrator.
func WithHook(fn HookFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.hooks = append(o.hooks, fn)
		}
	}
}
