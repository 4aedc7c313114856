package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fortressi/saga/uow"
)

// Begin opens one SQL transaction for a unit of work.
func (s *Store) Begin(ctx context.Context) (uow.Tx, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &aggregateTx{tx: tx, store: s}, nil
}

// Load decodes the stored aggregate of aggregateType into dst.
func (s *Store) Load(ctx context.Context, aggregateType, id string, dst any) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	var payload string
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT payload_json FROM aggregates WHERE id = ? AND type = ?",
		id, aggregateType,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", aggregateType, id, uow.ErrAggregateNotFound)
	}
	if err != nil {
		return fmt.Errorf("load %s %s: %w", aggregateType, id, err)
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return fmt.Errorf("decode %s %s: %w", aggregateType, id, err)
	}
	return nil
}

// Version returns the stored version of an aggregate, 0 when absent.
func (s *Store) Version(ctx context.Context, id string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var version int
	err := s.sqlDB.QueryRowContext(ctx, "SELECT version FROM aggregates WHERE id = ?", id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("aggregate version %s: %w", id, err)
	}
	return version, nil
}

// CountAggregates returns how many aggregates of aggregateType are stored.
func (s *Store) CountAggregates(ctx context.Context, aggregateType string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var count int
	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM aggregates WHERE type = ?", aggregateType,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s aggregates: %w", aggregateType, err)
	}
	return count, nil
}

type aggregateTx struct {
	tx    *sql.Tx
	store *Store
}

func encodeAggregate(agg uow.Aggregate) (string, error) {
	data, err := json.Marshal(agg)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", agg.AggregateID(), err)
	}
	return string(data), nil
}

func (t *aggregateTx) Insert(ctx context.Context, agg uow.Aggregate) error {
	payload, err := encodeAggregate(agg)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
INSERT INTO aggregates (id, type, organization_id, payload_json, version, updated_at)
VALUES (?, ?, ?, ?, 1, ?)
ON CONFLICT(id) DO NOTHING
`,
		agg.AggregateID(),
		uow.TypeOf(agg),
		agg.OrganizationID(),
		payload,
		toMillis(t.store.now()),
	)
	if err != nil {
		return fmt.Errorf("insert aggregate %s: %w", agg.AggregateID(), err)
	}
	return expectOneRow(result, agg.AggregateID(), uow.ErrAggregateExists)
}

func (t *aggregateTx) Update(ctx context.Context, agg uow.Aggregate) error {
	payload, err := encodeAggregate(agg)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
UPDATE aggregates
SET
	organization_id = ?,
	payload_json = ?,
	version = version + 1,
	updated_at = ?
WHERE id = ? AND type = ?
`,
		agg.OrganizationID(),
		payload,
		toMillis(t.store.now()),
		agg.AggregateID(),
		uow.TypeOf(agg),
	)
	if err != nil {
		return fmt.Errorf("update aggregate %s: %w", agg.AggregateID(), err)
	}
	return expectOneRow(result, agg.AggregateID(), uow.ErrAggregateNotFound)
}

func (t *aggregateTx) Delete(ctx context.Context, agg uow.Aggregate) error {
	result, err := t.tx.ExecContext(ctx,
		"DELETE FROM aggregates WHERE id = ? AND type = ?",
		agg.AggregateID(), uow.TypeOf(agg),
	)
	if err != nil {
		return fmt.Errorf("delete aggregate %s: %w", agg.AggregateID(), err)
	}
	return expectOneRow(result, agg.AggregateID(), uow.ErrAggregateNotFound)
}

func (t *aggregateTx) Commit() error {
	return t.tx.Commit()
}

func (t *aggregateTx) Rollback() error {
	return t.tx.Rollback()
}

func expectOneRow(result sql.Result, id string, missing error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if affected != 1 {
		return fmt.Errorf("aggregate %s: %w", id, missing)
	}
	return nil
}
