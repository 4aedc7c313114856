// Package outbox defers event delivery to a relay that works through
// persisted messages at least once.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fortressi/saga/uow"
)

// Status is the delivery state of an outbox message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
)

var (
	// ErrNotFound is returned when a message id is unknown or the message is
	// not leased by the given consumer.
	ErrNotFound = errors.New("outbox message not found")

	// ErrInvalidMessage is returned when a message is missing required fields.
	ErrInvalidMessage = errors.New("invalid outbox message")
)

// Message is one enqueued event.
type Message struct {
	ID             string          `json:"id"`
	EventName      string          `json:"event_name"`
	AggregateID    string          `json:"aggregate_id"`
	OrganizationID string          `json:"organization_id"`
	Payload        json.RawMessage `json:"payload"`
	DedupeKey      string          `json:"dedupe_key"`
	Status         Status          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewMessage encodes event into a pending message due at now. The event id
// is the dedupe key.
func NewMessage(id string, event uow.Event, organizationID string, now time.Time) (Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Message{}, fmt.Errorf("encode event %s: %w", event, err)
	}
	now = now.UTC()
	return Message{
		ID:             id,
		EventName:      event.Name,
		AggregateID:    event.AggregateID,
		OrganizationID: organizationID,
		Payload:        payload,
		DedupeKey:      event.ID,
		Status:         StatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Event decodes the message payload.
func (m Message) Event() (uow.Event, error) {
	var event uow.Event
	if err := json.Unmarshal(m.Payload, &event); err != nil {
		return uow.Event{}, fmt.Errorf("decode outbox message %s: %w", m.ID, err)
	}
	return event, nil
}

// Validate checks the fields every store requires.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidMessage)
	}
	if m.EventName == "" {
		return fmt.Errorf("%w: event name is required", ErrInvalidMessage)
	}
	if m.AttemptCount < 0 {
		return fmt.Errorf("%w: attempt count must not be negative", ErrInvalidMessage)
	}
	return nil
}

// Store persists outbox messages and hands them out under time-bounded leases.
type Store interface {
	// Enqueue stores a pending message. A message whose non-empty dedupe
	// key is already stored is ignored.
	Enqueue(ctx context.Context, msg Message) error
	Get(ctx context.Context, id string) (Message, error)
	// List returns messages in the given status, oldest first. An empty
	// status lists every message.
	List(ctx context.Context, status Status, limit int) ([]Message, error)
	// Lease claims up to limit messages that are due, or whose previous
	// lease expired, for consumer until now+ttl.
	Lease(ctx context.Context, consumer string, limit int, now time.Time, ttl time.Duration) ([]Message, error)
	MarkDelivered(ctx context.Context, id, consumer string, at time.Time) error
	MarkRetry(ctx context.Context, id, consumer string, nextAttemptAt time.Time, lastError string) error
	MarkDead(ctx context.Context, id, consumer string, lastError string, at time.Time) error
}

// ValidateLease checks Lease arguments. Store implementations share it.
func ValidateLease(consumer string, limit int, ttl time.Duration) error {
	if consumer == "" {
		return errors.New("consumer is required")
	}
	if limit <= 0 {
		return errors.New("limit must be greater than zero")
	}
	if ttl <= 0 {
		return errors.New("lease ttl must be greater than zero")
	}
	return nil
}
