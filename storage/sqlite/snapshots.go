package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fortressi/saga"
)

// Snapshots adapts a Store to saga.Store.
type Snapshots struct {
	store *Store
}

// Snapshots returns the saga snapshot view of the store.
func (s *Store) Snapshots() *Snapshots {
	return &Snapshots{store: s}
}

// Save upserts the snapshot.
func (sn *Snapshots) Save(ctx context.Context, state saga.State) error {
	s := sn.store
	if err := s.ready(ctx); err != nil {
		return err
	}
	now := s.now()
	state.UpdatedAt = now
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode saga snapshot %s: %w", state.SagaID, err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO saga_snapshots (saga_id, saga_name, status, state_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(saga_id) DO UPDATE SET
	saga_name = excluded.saga_name,
	status = excluded.status,
	state_json = excluded.state_json,
	updated_at = excluded.updated_at
`,
		state.SagaID,
		state.SagaName,
		string(state.Status),
		string(data),
		toMillis(state.CreatedAt),
		toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("save saga snapshot %s: %w", state.SagaID, err)
	}
	return nil
}

// Load returns the snapshot for sagaID.
func (sn *Snapshots) Load(ctx context.Context, sagaID string) (*saga.State, error) {
	s := sn.store
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var data string
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT state_json FROM saga_snapshots WHERE saga_id = ?", sagaID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga %s: %w", sagaID, saga.ErrSagaNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load saga snapshot %s: %w", sagaID, err)
	}
	var state saga.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("decode saga snapshot %s: %w", sagaID, err)
	}
	return &state, nil
}

// List returns every snapshot ordered by creation time.
func (sn *Snapshots) List(ctx context.Context) ([]saga.State, error) {
	s := sn.store
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT state_json FROM saga_snapshots ORDER BY created_at ASC, saga_id ASC")
	if err != nil {
		return nil, fmt.Errorf("list saga snapshots: %w", err)
	}
	defer rows.Close()

	var states []saga.State
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan saga snapshot: %w", err)
		}
		var state saga.State
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			return nil, fmt.Errorf("decode saga snapshot: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// Delete removes a snapshot. Deleting an unknown id is not an error.
func (sn *Snapshots) Delete(ctx context.Context, sagaID string) error {
	s := sn.store
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM saga_snapshots WHERE saga_id = ?", sagaID); err != nil {
		return fmt.Errorf("delete saga snapshot %s: %w", sagaID, err)
	}
	return nil
}
