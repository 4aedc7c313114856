package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store receives snapshots of saga progress after every status transition.
//
// Snapshots are an inspection aid: the engine never rehydrates a saga from a
// Store, so a process restart still loses in-flight sagas.
type Store interface {
	// Save persists the current saga snapshot
	Save(ctx context.Context, state State) error

	// Load retrieves a saga snapshot by ID
	Load(ctx context.Context, sagaID string) (*State, error)

	// List returns every stored snapshot ordered by creation time
	List(ctx context.Context) ([]State, error)

	// Delete removes a saga snapshot
	Delete(ctx context.Context, sagaID string) error
}

// State is a JSON-serialisable snapshot of a saga.
type State struct {
	SagaID      string          `json:"saga_id"`
	SagaName    string          `json:"saga_name"`
	Status      Status          `json:"status"`
	CurrentStep int             `json:"current_step"`
	Steps       []StepState     `json:"steps"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StepState records one step inside a State snapshot.
type StepState struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
}

// MemoryStore provides an in-memory implementation of Store for testing
// or scenarios where snapshots only need to outlive a single saga.
type MemoryStore struct {
	states map[string]State
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]State),
	}
}

// Save stores the saga snapshot in memory.
func (m *MemoryStore) Save(_ context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state.UpdatedAt = time.Now()
	state.Steps = append([]StepState(nil), state.Steps...)
	m.states[state.SagaID] = state
	return nil
}

// Load retrieves the saga snapshot from memory.
func (m *MemoryStore) Load(_ context.Context, sagaID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[sagaID]
	if !exists {
		return nil, fmt.Errorf("snapshot %s: %w", sagaID, ErrSagaNotFound)
	}
	return &state, nil
}

// List returns all snapshots ordered by creation time.
func (m *MemoryStore) List(_ context.Context) ([]State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]State, 0, len(m.states))
	for _, state := range m.states {
		out = append(out, state)
	}
	sortStates(out)
	return out, nil
}

// Delete removes the saga snapshot from memory.
func (m *MemoryStore) Delete(_ context.Context, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, sagaID)
	return nil
}

func sortStates(states []State) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].SagaID < states[j].SagaID
		}
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
}
