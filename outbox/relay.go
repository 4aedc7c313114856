package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fortressi/saga/uow"
)

const (
	DefaultConsumer     = "outbox-relay"
	DefaultBatchSize    = 50
	DefaultLeaseTTL     = 30 * time.Second
	DefaultMaxAttempts  = 8
	DefaultRetryBackoff = time.Second
	DefaultRetryMax     = 5 * time.Minute
	DefaultPollInterval = time.Second
)

// Report summarises one relay pass.
type Report struct {
	Leased    int
	Delivered int
	Retried   int
	Dead      int
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithConsumer names the lease owner. It must differ between concurrent relays.
func WithConsumer(name string) RelayOption {
	return func(r *Relay) {
		if name != "" {
			r.consumer = name
		}
	}
}

// WithBatchSize caps how many messages one tick leases.
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithLeaseTTL sets how long a lease holds before another relay may reclaim
// the message.
func WithLeaseTTL(ttl time.Duration) RelayOption {
	return func(r *Relay) {
		if ttl > 0 {
			r.leaseTTL = ttl
		}
	}
}

// WithMaxAttempts sets how many failed deliveries mark a message dead.
func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the first retry delay and its cap. The delay doubles
// with every failed attempt.
func WithRetryBackoff(base, limit time.Duration) RelayOption {
	return func(r *Relay) {
		if base > 0 {
			r.retryBase = base
		}
		if limit > 0 {
			r.retryMax = limit
		}
	}
}

// WithPollInterval sets the pause between ticks in Run.
func WithPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRelayClock overrides time.Now.
func WithRelayClock(clock func() time.Time) RelayOption {
	return func(r *Relay) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRelayLogHandler sets the handler for relay logs.
func WithRelayLogHandler(handler slog.Handler) RelayOption {
	return func(r *Relay) {
		if handler != nil {
			r.logger = slog.New(handler).WithGroup("outboxRelay")
		}
	}
}

// WithRelayTracerProvider sets the provider for delivery spans.
func WithRelayTracerProvider(tp trace.TracerProvider) RelayOption {
	return func(r *Relay) {
		if tp != nil {
			r.tracer = tp.Tracer(instrumentationName)
		}
	}
}

const instrumentationName = "github.com/fortressi/saga/outbox"

// Relay delivers enqueued messages to a downstream publisher at least once.
type Relay struct {
	store Store
	sink  uow.Publisher

	consumer    string
	batchSize   int
	leaseTTL    time.Duration
	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
	interval    time.Duration
	clock       func() time.Time
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewRelay creates a Relay that moves messages from store to sink.
func NewRelay(store Store, sink uow.Publisher, opts ...RelayOption) (*Relay, error) {
	if store == nil {
		return nil, errors.New("outbox store is required")
	}
	if sink == nil {
		return nil, errors.New("relay sink is required")
	}
	r := &Relay{
		store:       store,
		sink:        sink,
		consumer:    DefaultConsumer,
		batchSize:   DefaultBatchSize,
		leaseTTL:    DefaultLeaseTTL,
		maxAttempts: DefaultMaxAttempts,
		retryBase:   DefaultRetryBackoff,
		retryMax:    DefaultRetryMax,
		interval:    DefaultPollInterval,
		clock:       time.Now,
		logger:      slog.Default().WithGroup("outboxRelay"),
		tracer:      otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Backoff returns the delay before the given attempt (1-based).
func (r *Relay) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := r.retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.retryMax {
			return r.retryMax
		}
	}
	return min(delay, r.retryMax)
}

// RunOnce leases one batch and delivers it.
func (r *Relay) RunOnce(ctx context.Context) (Report, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.relay")
	defer span.End()

	now := r.clock().UTC()
	msgs, err := r.store.Lease(ctx, r.consumer, r.batchSize, now, r.leaseTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Report{}, fmt.Errorf("lease outbox messages: %w", err)
	}

	report := Report{Leased: len(msgs)}
	for _, msg := range msgs {
		if err := r.deliver(ctx, msg, now, &report); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, err
		}
	}

	span.SetAttributes(
		attribute.Int("outbox.leased", report.Leased),
		attribute.Int("outbox.delivered", report.Delivered),
		attribute.Int("outbox.retried", report.Retried),
		attribute.Int("outbox.dead", report.Dead),
	)
	if report.Leased > 0 {
		r.logger.Debug("Relay pass finished",
			"leased", report.Leased,
			"delivered", report.Delivered,
			"retried", report.Retried,
			"dead", report.Dead,
		)
	}
	return report, nil
}

func (r *Relay) deliver(ctx context.Context, msg Message, now time.Time, report *Report) error {
	deliveryErr := r.publish(ctx, msg)
	if deliveryErr == nil {
		if err := r.store.MarkDelivered(ctx, msg.ID, r.consumer, r.clock()); err != nil {
			return fmt.Errorf("mark %s delivered: %w", msg.ID, err)
		}
		report.Delivered++
		return nil
	}

	attempt := msg.AttemptCount + 1
	if attempt >= r.maxAttempts {
		r.logger.Error("Outbox message is dead",
			"messageID", msg.ID,
			"event", msg.EventName,
			"attempts", attempt,
			"error", deliveryErr,
		)
		if err := r.store.MarkDead(ctx, msg.ID, r.consumer, deliveryErr.Error(), r.clock()); err != nil {
			return fmt.Errorf("mark %s dead: %w", msg.ID, err)
		}
		report.Dead++
		return nil
	}

	next := now.Add(r.Backoff(attempt))
	r.logger.Warn("Outbox delivery failed, will retry",
		"messageID", msg.ID,
		"event", msg.EventName,
		"attempt", attempt,
		"nextAttemptAt", next,
		"error", deliveryErr,
	)
	if err := r.store.MarkRetry(ctx, msg.ID, r.consumer, next, deliveryErr.Error()); err != nil {
		return fmt.Errorf("mark %s for retry: %w", msg.ID, err)
	}
	report.Retried++
	return nil
}

func (r *Relay) publish(ctx context.Context, msg Message) error {
	event, err := msg.Event()
	if err != nil {
		return err
	}
	return r.sink.Publish(ctx, event, msg.OrganizationID)
}

// Run calls RunOnce every poll interval until ctx is done. Pass errors are
// logged and do not stop the loop.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("Outbox relay started", "consumer", r.consumer, "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Relay pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped", "consumer", r.consumer)
			return nil
		case <-ticker.C:
		}
	}
}
