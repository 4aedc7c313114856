package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fortressi/saga/outbox"
)

const outboxColumns = `
	id,
	event_name,
	aggregate_id,
	organization_id,
	payload_json,
	dedupe_key,
	status,
	attempt_count,
	next_attempt_at,
	lease_owner,
	lease_expires_at,
	last_error,
	processed_at,
	created_at,
	updated_at`

type rowScanner func(dest ...any) error

func scanOutboxMessage(scan rowScanner) (outbox.Message, error) {
	var (
		msg            outbox.Message
		payload        string
		status         string
		nextAttemptAt  int64
		leaseExpiresAt sql.NullInt64
		processedAt    sql.NullInt64
		createdAt      int64
		updatedAt      int64
	)
	if err := scan(
		&msg.ID,
		&msg.EventName,
		&msg.AggregateID,
		&msg.OrganizationID,
		&payload,
		&msg.DedupeKey,
		&status,
		&msg.AttemptCount,
		&nextAttemptAt,
		&msg.LeaseOwner,
		&leaseExpiresAt,
		&msg.LastError,
		&processedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return outbox.Message{}, err
	}
	msg.Payload = []byte(payload)
	msg.Status = outbox.Status(status)
	msg.NextAttemptAt = fromMillis(nextAttemptAt)
	msg.LeaseExpiresAt = fromNullMillis(leaseExpiresAt)
	msg.ProcessedAt = fromNullMillis(processedAt)
	msg.CreatedAt = fromMillis(createdAt)
	msg.UpdatedAt = fromMillis(updatedAt)
	return msg, nil
}

// Enqueue stores a pending outbox message. Duplicate dedupe keys are ignored.
func (s *Store) Enqueue(ctx context.Context, msg outbox.Message) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Status == "" {
		msg.Status = outbox.StatusPending
	}
	now := s.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = msg.CreatedAt
	}
	payload := strings.TrimSpace(string(msg.Payload))
	if payload == "" {
		payload = "{}"
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO outbox_messages (`+outboxColumns+`
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(dedupe_key) WHERE dedupe_key <> '' DO NOTHING
`,
		msg.ID,
		msg.EventName,
		msg.AggregateID,
		msg.OrganizationID,
		payload,
		msg.DedupeKey,
		string(msg.Status),
		msg.AttemptCount,
		toMillis(msg.NextAttemptAt),
		msg.LeaseOwner,
		nullMillis(msg.LeaseExpiresAt),
		msg.LastError,
		nullMillis(msg.ProcessedAt),
		toMillis(msg.CreatedAt),
		toMillis(msg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox message: %w", err)
	}
	return nil
}

// Get returns one outbox message by id.
func (s *Store) Get(ctx context.Context, id string) (outbox.Message, error) {
	if err := s.ready(ctx); err != nil {
		return outbox.Message{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, "SELECT"+outboxColumns+"\nFROM outbox_messages WHERE id = ?", id)
	msg, err := scanOutboxMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Message{}, outbox.ErrNotFound
	}
	if err != nil {
		return outbox.Message{}, fmt.Errorf("get outbox message: %w", err)
	}
	return msg, nil
}

// List returns outbox messages in status, oldest first.
func (s *Store) List(ctx context.Context, status outbox.Status, limit int) ([]outbox.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT"+outboxColumns+`
FROM outbox_messages
WHERE (? = '' OR status = ?)
ORDER BY created_at ASC, rowid ASC
LIMIT ?
`, string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages: %w", err)
	}
	defer rows.Close()

	var msgs []outbox.Message
	for rows.Next() {
		msg, err := scanOutboxMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	return msgs, nil
}

// Lease claims due messages for consumer inside one transaction.
func (s *Store) Lease(ctx context.Context, consumer string, limit int, now time.Time, ttl time.Duration) ([]outbox.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if err := outbox.ValidateLease(consumer, limit, ttl); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = s.now()
	}
	nowMillis := toMillis(now)
	expires := toMillis(now.Add(ttl))

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start lease transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const dueClause = `(
	(status = 'pending' AND next_attempt_at <= ?)
	OR
	(status = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
)`

	rows, err := tx.QueryContext(ctx, `
SELECT id
FROM outbox_messages
WHERE `+dueClause+`
ORDER BY next_attempt_at ASC, created_at ASC, rowid ASC
LIMIT ?
`, nowMillis, nowMillis, limit)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan lease candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate lease candidates: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close lease candidates: %w", err)
	}

	leased := make([]outbox.Message, 0, len(ids))
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, `
UPDATE outbox_messages
SET
	status = 'leased',
	lease_owner = ?,
	lease_expires_at = ?,
	updated_at = ?
WHERE id = ? AND `+dueClause,
			consumer, expires, nowMillis, id, nowMillis, nowMillis,
		)
		if err != nil {
			return nil, fmt.Errorf("lease outbox message %s: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("lease rows affected for %s: %w", id, err)
		}
		if affected == 0 {
			continue
		}

		row := tx.QueryRowContext(ctx, "SELECT"+outboxColumns+"\nFROM outbox_messages WHERE id = ?", id)
		msg, err := scanOutboxMessage(row.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan leased outbox message %s: %w", id, err)
		}
		leased = append(leased, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease transaction: %w", err)
	}
	return leased, nil
}

// MarkDelivered acknowledges a message leased by consumer.
func (s *Store) MarkDelivered(ctx context.Context, id, consumer string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if at.IsZero() {
		at = s.now()
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox_messages
SET
	status = 'delivered',
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = '',
	processed_at = ?,
	updated_at = ?
WHERE id = ? AND status = 'leased' AND lease_owner = ?
`, toMillis(at), toMillis(at), id, consumer)
	if err != nil {
		return fmt.Errorf("mark outbox delivered: %w", err)
	}
	return expectLeased(result)
}

// MarkRetry returns a leased message to pending until nextAttemptAt.
func (s *Store) MarkRetry(ctx context.Context, id, consumer string, nextAttemptAt time.Time, lastError string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if nextAttemptAt.IsZero() {
		return errors.New("next attempt at is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox_messages
SET
	status = 'pending',
	attempt_count = attempt_count + 1,
	next_attempt_at = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ?,
	updated_at = ?
WHERE id = ? AND status = 'leased' AND lease_owner = ?
`, toMillis(nextAttemptAt), strings.TrimSpace(lastError), toMillis(s.now()), id, consumer)
	if err != nil {
		return fmt.Errorf("mark outbox retry: %w", err)
	}
	return expectLeased(result)
}

// MarkDead stops delivery attempts for a leased message.
func (s *Store) MarkDead(ctx context.Context, id, consumer string, lastError string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if at.IsZero() {
		at = s.now()
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE outbox_messages
SET
	status = 'dead',
	attempt_count = attempt_count + 1,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ?,
	processed_at = ?,
	updated_at = ?
WHERE id = ? AND status = 'leased' AND lease_owner = ?
`, strings.TrimSpace(lastError), toMillis(at), toMillis(at), id, consumer)
	if err != nil {
		return fmt.Errorf("mark outbox dead: %w", err)
	}
	return expectLeased(result)
}

func expectLeased(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return outbox.ErrNotFound
	}
	return nil
}
