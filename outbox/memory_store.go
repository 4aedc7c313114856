package outbox

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Messages due at the same instant lease
// in enqueue order.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]Message
	dedupe   map[string]string
	seq      map[string]uint64
	next     uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]Message),
		dedupe:   make(map[string]string),
		seq:      make(map[string]uint64),
	}
}

func (m *MemoryStore) Enqueue(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Status == "" {
		msg.Status = StatusPending
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.DedupeKey != "" {
		if _, ok := m.dedupe[msg.DedupeKey]; ok {
			return nil
		}
		m.dedupe[msg.DedupeKey] = msg.ID
	}
	if _, ok := m.messages[msg.ID]; ok {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidMessage, msg.ID)
	}
	m.messages[msg.ID] = msg
	m.next++
	m.seq[msg.ID] = m.next
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *MemoryStore) List(ctx context.Context, status Status, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Message, 0, len(m.messages))
	for _, msg := range m.messages {
		if status == "" || msg.Status == status {
			out = append(out, msg)
		}
	}
	slices.SortFunc(out, func(a, b Message) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(m.seq[a.ID], m.seq[b.ID]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Lease(ctx context.Context, consumer string, limit int, now time.Time, ttl time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateLease(consumer, limit, ttl); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Message
	for _, msg := range m.messages {
		if leasable(msg, now) {
			due = append(due, msg)
		}
	}
	slices.SortFunc(due, func(a, b Message) int {
		return cmp.Or(
			a.NextAttemptAt.Compare(b.NextAttemptAt),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(m.seq[a.ID], m.seq[b.ID]),
		)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	expires := now.Add(ttl)
	for i := range due {
		due[i].Status = StatusLeased
		due[i].LeaseOwner = consumer
		due[i].LeaseExpiresAt = &expires
		due[i].UpdatedAt = now
		m.messages[due[i].ID] = due[i]
	}
	return due, nil
}

func leasable(msg Message, now time.Time) bool {
	switch msg.Status {
	case StatusPending:
		return !msg.NextAttemptAt.After(now)
	case StatusLeased:
		return msg.LeaseExpiresAt != nil && !msg.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

// leased returns the message when consumer holds its lease. Callers hold m.mu.
func (m *MemoryStore) leased(id, consumer string) (Message, error) {
	msg, ok := m.messages[id]
	if !ok || msg.Status != StatusLeased || msg.LeaseOwner != consumer {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, id, consumer string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := m.leased(id, consumer)
	if err != nil {
		return err
	}
	at = at.UTC()
	msg.Status = StatusDelivered
	msg.LeaseOwner = ""
	msg.LeaseExpiresAt = nil
	msg.LastError = ""
	msg.ProcessedAt = &at
	msg.UpdatedAt = at
	m.messages[id] = msg
	return nil
}

func (m *MemoryStore) MarkRetry(ctx context.Context, id, consumer string, nextAttemptAt time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := m.leased(id, consumer)
	if err != nil {
		return err
	}
	msg.Status = StatusPending
	msg.AttemptCount++
	msg.NextAttemptAt = nextAttemptAt.UTC()
	msg.LeaseOwner = ""
	msg.LeaseExpiresAt = nil
	msg.LastError = lastError
	msg.UpdatedAt = time.Now().UTC()
	m.messages[id] = msg
	return nil
}

func (m *MemoryStore) MarkDead(ctx context.Context, id, consumer string, lastError string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := m.leased(id, consumer)
	if err != nil {
		return err
	}
	at = at.UTC()
	msg.Status = StatusDead
	msg.AttemptCount++
	msg.LeaseOwner = ""
	msg.LeaseExpiresAt = nil
	msg.LastError = lastError
	msg.ProcessedAt = &at
	msg.UpdatedAt = at
	m.messages[id] = msg
	return nil
}
