package saga

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(id string, created time.Time) State {
	return State{
		SagaID:      id,
		SagaName:    "order_processing",
		Status:      StatusFailed,
		CurrentStep: 1,
		Steps: []StepState{
			{Name: "validate_order", Status: StepUndoFinished},
			{Name: "process_payment", Status: StepFailed},
		},
		Payload:   json.RawMessage(`{"order_id":"order-123"}`),
		Error:     "payment declined",
		CreatedAt: created,
	}
}

func testStores(t *testing.T) map[string]Store {
	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "sagas"))
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
}

func TestStores(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

			require.NoError(t, store.Save(ctx, sampleState("saga-b", base.Add(time.Minute))))
			require.NoError(t, store.Save(ctx, sampleState("saga-a", base)))

			loaded, err := store.Load(ctx, "saga-a")
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, loaded.Status)
			assert.Equal(t, 1, loaded.CurrentStep)
			assert.Equal(t, "payment declined", loaded.Error)
			assert.JSONEq(t, `{"order_id":"order-123"}`, string(loaded.Payload))
			require.Len(t, loaded.Steps, 2)
			assert.Equal(t, StepUndoFinished, loaded.Steps[0].Status)
			assert.False(t, loaded.UpdatedAt.IsZero())

			all, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "saga-a", all[0].SagaID)
			assert.Equal(t, "saga-b", all[1].SagaID)

			require.NoError(t, store.Delete(ctx, "saga-a"))
			require.NoError(t, store.Delete(ctx, "saga-a"))
			_, err = store.Load(ctx, "saga-a")
			assert.ErrorIs(t, err, ErrSagaNotFound)
		})
	}
}

func TestFileStoreWritesReadableJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), sampleState("saga-1", time.Now())))

	data, err := os.ReadFile(filepath.Join(dir, "saga-1.json"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "failed", raw["status"])
	steps := raw["steps"].([]any)
	assert.Equal(t, "undo_finished", steps[0].(map[string]any)["status"])
}

func TestFileStoreIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("notes"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o755))

	states, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)
}
