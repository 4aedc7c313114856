// Package eventbus is an in-process publish/subscribe bus for domain events.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fortressi/saga/uow"
)

// Wildcard subscribes a handler to every event name.
const Wildcard = "*"

// Handler reacts to a published event. A returned error is reported back to
// the publisher but does not stop the remaining handlers.
type Handler func(ctx context.Context, event uow.Event) error

// Option configures a Bus.
type Option func(*Bus)

// WithLogHandler sets the log handler for the bus.
func WithLogHandler(handler slog.Handler) Option {
	return func(b *Bus) {
		if handler != nil {
			b.logger = slog.New(handler).WithGroup("eventBus")
		}
	}
}

// WithHistoryLimit bounds how many events History keeps. Zero keeps all.
func WithHistoryLimit(limit int) Option {
	return func(b *Bus) {
		if limit >= 0 {
			b.historyLimit = limit
		}
	}
}

// Bus dispatches events synchronously to the handlers subscribed to their
// name and to the wildcard subscribers, in subscription order.
type Bus struct {
	logger       *slog.Logger
	historyLimit int

	mu       sync.RWMutex
	handlers map[string][]Handler
	history  []uow.Event
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:   slog.Default().WithGroup("eventBus"),
		handlers: make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for eventName, or for all events when
// eventName is Wildcard.
func (b *Bus) Subscribe(eventName string, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers[eventName] = append(b.handlers[eventName], handler)
	b.mu.Unlock()
	b.logger.Debug("Handler subscribed", "event", eventName)
}

// Publish records the event and runs its handlers. It implements
// uow.Publisher.
func (b *Bus) Publish(ctx context.Context, event uow.Event, organizationID string) error {
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	if event.OrganizationID == "" {
		event.OrganizationID = organizationID
	}

	b.mu.Lock()
	b.history = append(b.history, event)
	if b.historyLimit > 0 && len(b.history) > b.historyLimit {
		b.history = append([]uow.Event(nil), b.history[len(b.history)-b.historyLimit:]...)
	}
	handlers := make([]Handler, 0, len(b.handlers[event.Name])+len(b.handlers[Wildcard]))
	handlers = append(handlers, b.handlers[event.Name]...)
	handlers = append(handlers, b.handlers[Wildcard]...)
	b.mu.Unlock()

	b.logger.Info("Event published",
		"event", event.Name,
		"eventID", event.ID,
		"aggregateID", event.AggregateID,
		"organizationID", organizationID,
		"handlerCount", len(handlers),
	)

	var errs []error
	for i, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.logger.Warn("Event handler failed", "event", event.Name, "handler", i, "error", err)
			errs = append(errs, fmt.Errorf("handler %d for %s: %w", i, event.Name, err))
		}
	}
	return errors.Join(errs...)
}

// History returns a copy of the published events, oldest first.
func (b *Bus) History() []uow.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]uow.Event(nil), b.history...)
}

// Names returns the names of the published events, oldest first.
func (b *Bus) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.history))
	for i, e := range b.history {
		names[i] = e.Name
	}
	return names
}
