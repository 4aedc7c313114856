package uow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTxDone is returned when a finished memory transaction is used again.
var ErrTxDone = errors.New("transaction already committed or rolled back")

// Record is a committed aggregate as kept by MemoryStore.
type Record struct {
	Type           string
	ID             string
	OrganizationID string
	Data           json.RawMessage
	Version        int
	UpdatedAt      time.Time
}

// MemoryStore is an in-memory Store that keeps JSON copies of committed
// aggregates. A transaction validates every staged operation before applying
// any of them.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

// Begin opens a staging transaction.
func (m *MemoryStore) Begin(_ context.Context) (Tx, error) {
	return &memoryTx{store: m}, nil
}

// Load decodes the committed aggregate into dst.
func (m *MemoryStore) Load(_ context.Context, aggregateType, id string, dst any) error {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()

	if !ok || rec.Type != aggregateType {
		return fmt.Errorf("%s %s: %w", aggregateType, id, ErrAggregateNotFound)
	}
	if err := json.Unmarshal(rec.Data, dst); err != nil {
		return fmt.Errorf("decode %s %s: %w", aggregateType, id, err)
	}
	return nil
}

// Get returns the committed record for id.
func (m *MemoryStore) Get(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok
}

// Len returns the number of committed aggregates.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

type stagedOp struct {
	kind   opKind
	record Record
}

type memoryTx struct {
	store *MemoryStore
	ops   []stagedOp
	done  bool
}

func (tx *memoryTx) stage(kind opKind, agg Aggregate) error {
	if tx.done {
		return ErrTxDone
	}
	data, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", agg.AggregateID(), err)
	}
	tx.ops = append(tx.ops, stagedOp{
		kind: kind,
		record: Record{
			Type:           TypeOf(agg),
			ID:             agg.AggregateID(),
			OrganizationID: agg.OrganizationID(),
			Data:           data,
		},
	})
	return nil
}

func (tx *memoryTx) Insert(_ context.Context, agg Aggregate) error {
	return tx.stage(opInsert, agg)
}

func (tx *memoryTx) Update(_ context.Context, agg Aggregate) error {
	return tx.stage(opUpdate, agg)
}

func (tx *memoryTx) Delete(_ context.Context, agg Aggregate) error {
	return tx.stage(opDelete, agg)
}

// Commit applies all staged operations or none.
func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]Record, len(m.records)+len(tx.ops))
	for id, rec := range m.records {
		next[id] = rec
	}

	now := time.Now().UTC()
	for _, op := range tx.ops {
		rec := op.record
		existing, exists := next[rec.ID]
		switch op.kind {
		case opInsert:
			if exists {
				return fmt.Errorf("insert %s: %w", rec.ID, ErrAggregateExists)
			}
			rec.Version = 1
			rec.UpdatedAt = now
			next[rec.ID] = rec
		case opUpdate:
			if !exists {
				return fmt.Errorf("update %s: %w", rec.ID, ErrAggregateNotFound)
			}
			rec.Version = existing.Version + 1
			rec.UpdatedAt = now
			next[rec.ID] = rec
		case opDelete:
			if !exists {
				return fmt.Errorf("delete %s: %w", rec.ID, ErrAggregateNotFound)
			}
			delete(next, rec.ID)
		}
	}

	m.records = next
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.ops = nil
	return nil
}
