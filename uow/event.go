package uow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a domain event raised by an aggregate.
type Event struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	AggregateID    string         `json:"aggregate_id"`
	OrganizationID string         `json:"organization_id"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(name, aggregateID, organizationID string, payload map[string]any) Event {
	return Event{
		ID:             uuid.NewString(),
		Name:           name,
		AggregateID:    aggregateID,
		OrganizationID: organizationID,
		OccurredAt:     time.Now().UTC(),
		Payload:        payload,
	}
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Name, e.AggregateID)
}

// Aggregate is the unit of transactional consistency and event emission.
type Aggregate interface {
	AggregateID() string
	OrganizationID() string
	// PullEvents returns the pending events and clears them.
	PullEvents() []Event
}

// Typed is implemented by aggregates that name their storage type.
type Typed interface {
	AggregateType() string
}

// TypeOf returns the storage type of an aggregate.
func TypeOf(agg Aggregate) string {
	if typed, ok := agg.(Typed); ok {
		return typed.AggregateType()
	}
	return fmt.Sprintf("%T", agg)
}

// Publisher delivers domain events. The Unit of Work only calls it after a
// successful commit.
type Publisher interface {
	Publish(ctx context.Context, event Event, organizationID string) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event, organizationID string) error

func (f PublisherFunc) Publish(ctx context.Context, event Event, organizationID string) error {
	return f(ctx, event, organizationID)
}
