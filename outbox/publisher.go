package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fortressi/saga/uow"
)

// Publisher implements uow.Publisher by enqueueing events for a Relay.
type Publisher struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherClock sets the time source used for enqueue timestamps.
func WithPublisherClock(clock func() time.Time) PublisherOption {
	return func(p *Publisher) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithPublisherLogHandler sets the log handler for the publisher.
func WithPublisherLogHandler(handler slog.Handler) PublisherOption {
	return func(p *Publisher) {
		if handler != nil {
			p.logger = slog.New(handler).WithGroup("outboxPublisher")
		}
	}
}

// NewPublisher creates a Publisher over store.
func NewPublisher(store Store, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().WithGroup("outboxPublisher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish enqueues event. Publishing the same event id twice stores it once.
func (p *Publisher) Publish(ctx context.Context, event uow.Event, organizationID string) error {
	msg, err := NewMessage(uuid.NewString(), event, organizationID, p.clock())
	if err != nil {
		return err
	}
	if err := p.store.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", event, err)
	}
	p.logger.Debug("Event enqueued", "event", event.Name, "eventID", event.ID, "messageID", msg.ID)
	return nil
}
