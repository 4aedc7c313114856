package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore provides a file-based implementation of Store that writes each
// saga snapshot as a JSON file. Operators use it to inspect saga history
// after the fact (sagactl sagas).
type FileStore struct {
	basePath string
	mu       sync.Mutex
}

// NewFileStore creates a new file-based store rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		basePath: basePath,
	}, nil
}

// Save persists the saga snapshot to a JSON file.
func (f *FileStore) Save(_ context.Context, state State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	state.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// write-then-rename so readers never observe a torn file
	tmp := f.filename(state.SagaID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, f.filename(state.SagaID)); err != nil {
		return fmt.Errorf("failed to move state file into place: %w", err)
	}

	return nil
}

// Load retrieves the saga snapshot from a JSON file.
func (f *FileStore) Load(_ context.Context, sagaID string) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.read(f.filename(sagaID), sagaID)
}

// List reads every snapshot in the base directory.
func (f *FileStore) List(_ context.Context) ([]State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	states := make([]State, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sagaID := strings.TrimSuffix(entry.Name(), ".json")
		state, err := f.read(filepath.Join(f.basePath, entry.Name()), sagaID)
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	sortStates(states)
	return states, nil
}

// Delete removes the saga snapshot file.
func (f *FileStore) Delete(_ context.Context, sagaID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.filename(sagaID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete state file: %w", err)
	}

	return nil
}

func (f *FileStore) read(path, sagaID string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("snapshot %s: %w", sagaID, ErrSagaNotFound)
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state %s: %w", sagaID, err)
	}
	return &state, nil
}

// filename returns the full path for a saga's snapshot file.
func (f *FileStore) filename(sagaID string) string {
	return filepath.Join(f.basePath, sagaID+".json")
}
