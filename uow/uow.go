// Package uow groups aggregate mutations into one transaction and publishes
// the aggregates' domain events only after that transaction committed.
package uow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidwall/btree"
)

const btreeDegree = 8

var (
	// ErrNotActive is returned when no transaction has been begun.
	ErrNotActive = errors.New("unit of work is not active")

	// ErrAlreadyActive is returned by Begin while a transaction is open.
	ErrAlreadyActive = errors.New("unit of work is already active")

	// ErrNilAggregate is returned when registering a nil aggregate.
	ErrNilAggregate = errors.New("aggregate is nil")
)

// PublishError reports events that could not be published after a commit
// that did succeed. The persisted changes stay in place.
type PublishError struct {
	Failed []Event
	error
}

func (e *PublishError) Unwrap() error {
	return e.error
}

// Option configures a UnitOfWork.
type Option func(*UnitOfWork)

// WithLogHandler sets the log handler for the unit of work.
func WithLogHandler(handler slog.Handler) Option {
	return func(u *UnitOfWork) {
		if handler != nil {
			u.logger = slog.New(handler).WithGroup("unitOfWork")
		}
	}
}

// WithLogger sets the logger for the unit of work.
func WithLogger(logger *slog.Logger) Option {
	return func(u *UnitOfWork) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// UnitOfWork tracks aggregates registered as new, dirty or deleted within a
// transaction. An aggregate sits in at most one of the three sets;
// registering it again replaces the earlier registration.
//
// A UnitOfWork is meant for one caller at a time and must not be shared
// between saga instances.
type UnitOfWork struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger

	mu      sync.Mutex
	tx      Tx
	created *btree.Map[string, Aggregate]
	dirty   *btree.Map[string, Aggregate]
	deleted *btree.Map[string, Aggregate]
}

// New creates a UnitOfWork over store that publishes through publisher.
func New(store Store, publisher Publisher, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		store:     store,
		publisher: publisher,
		logger:    slog.Default().WithGroup("unitOfWork"),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.reset()
	return u
}

func (u *UnitOfWork) reset() {
	u.tx = nil
	u.created = btree.NewMap[string, Aggregate](btreeDegree)
	u.dirty = btree.NewMap[string, Aggregate](btreeDegree)
	u.deleted = btree.NewMap[string, Aggregate](btreeDegree)
}

// Begin opens a persistence transaction.
func (u *UnitOfWork) Begin(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.tx != nil {
		return ErrAlreadyActive
	}
	tx, err := u.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	u.reset()
	u.tx = tx
	return nil
}

// Active reports whether a transaction is open.
func (u *UnitOfWork) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tx != nil
}

// RegisterNew records an aggregate to insert on commit.
func (u *UnitOfWork) RegisterNew(agg Aggregate) error {
	return u.register(agg, func() *btree.Map[string, Aggregate] { return u.created })
}

// RegisterDirty records an aggregate to update on commit.
func (u *UnitOfWork) RegisterDirty(agg Aggregate) error {
	return u.register(agg, func() *btree.Map[string, Aggregate] { return u.dirty })
}

// RegisterDeleted records an aggregate to delete on commit.
func (u *UnitOfWork) RegisterDeleted(agg Aggregate) error {
	return u.register(agg, func() *btree.Map[string, Aggregate] { return u.deleted })
}

// register is called with target selecting one of the sets under u.mu.
func (u *UnitOfWork) register(agg Aggregate, target func() *btree.Map[string, Aggregate]) error {
	if agg == nil {
		return ErrNilAggregate
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.tx == nil {
		return ErrNotActive
	}

	id := agg.AggregateID()
	u.created.Delete(id)
	u.dirty.Delete(id)
	u.deleted.Delete(id)
	target().Set(id, agg)
	return nil
}

// Pending returns how many aggregates are registered in each set.
func (u *UnitOfWork) Pending() (created, dirty, deleted int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.created.Len(), u.dirty.Len(), u.deleted.Len()
}

// Commit persists inserts, then updates, then deletes, each in ascending id
// order, in one transaction. Only after the transaction committed are the
// aggregates' pending events published. A persistence failure rolls the
// transaction back and publishes nothing. A publication failure is logged
// and returned as a *PublishError; the commit stands.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	if u.tx == nil {
		u.mu.Unlock()
		return ErrNotActive
	}
	tx := u.tx
	created, dirty, deleted := u.created, u.dirty, u.deleted
	u.reset()
	u.mu.Unlock()

	if err := persist(ctx, tx, created, dirty, deleted); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		discardEvents(created, dirty, deleted)
		u.logger.Error("Unit of work commit failed, rolled back", "error", err)
		return fmt.Errorf("commit unit of work: %w", err)
	}
	if err := tx.Commit(); err != nil {
		discardEvents(created, dirty, deleted)
		u.logger.Error("Unit of work transaction commit failed", "error", err)
		return fmt.Errorf("commit unit of work: %w", err)
	}

	u.logger.Debug("Unit of work committed",
		"inserted", created.Len(),
		"updated", dirty.Len(),
		"deleted", deleted.Len(),
	)

	return u.publish(ctx, created, dirty, deleted)
}

func persist(ctx context.Context, tx Tx, created, dirty, deleted *btree.Map[string, Aggregate]) error {
	ops := []struct {
		name  string
		set   *btree.Map[string, Aggregate]
		apply func(context.Context, Aggregate) error
	}{
		{"insert", created, tx.Insert},
		{"update", dirty, tx.Update},
		{"delete", deleted, tx.Delete},
	}

	for _, op := range ops {
		var err error
		op.set.Scan(func(id string, agg Aggregate) bool {
			if applyErr := op.apply(ctx, agg); applyErr != nil {
				err = fmt.Errorf("%s %s: %w", op.name, id, applyErr)
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *UnitOfWork) publish(ctx context.Context, sets ...*btree.Map[string, Aggregate]) error {
	if u.publisher == nil {
		return nil
	}

	var failed []Event
	var errs []error
	for _, set := range sets {
		set.Scan(func(_ string, agg Aggregate) bool {
			orgID := agg.OrganizationID()
			for _, event := range agg.PullEvents() {
				if event.OrganizationID == "" {
					event.OrganizationID = orgID
				}
				if event.AggregateID == "" {
					event.AggregateID = agg.AggregateID()
				}
				if err := u.publisher.Publish(ctx, event, orgID); err != nil {
					u.logger.Error("Failed to publish event after commit",
						"event", event.Name,
						"eventID", event.ID,
						"aggregateID", event.AggregateID,
						"error", err,
					)
					failed = append(failed, event)
					errs = append(errs, fmt.Errorf("publish %s: %w", event, err))
				}
			}
			return true
		})
	}

	if len(errs) > 0 {
		return &PublishError{Failed: failed, error: errors.Join(errs...)}
	}
	return nil
}

// Rollback discards every registration and aborts the transaction. Pending
// events of the registered aggregates are dropped and never published.
func (u *UnitOfWork) Rollback() error {
	u.mu.Lock()
	if u.tx == nil {
		u.mu.Unlock()
		return ErrNotActive
	}
	tx := u.tx
	created, dirty, deleted := u.created, u.dirty, u.deleted
	u.reset()
	u.mu.Unlock()

	discardEvents(created, dirty, deleted)

	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback unit of work: %w", err)
	}
	return nil
}

// discardEvents drains the pending events of every aggregate in sets.
func discardEvents(sets ...*btree.Map[string, Aggregate]) {
	for _, set := range sets {
		set.Scan(func(_ string, agg Aggregate) bool {
			agg.PullEvents()
			return true
		})
	}
}

// Within runs fn inside Begin and Commit, rolling back when fn returns an
// error or panics.
func (u *UnitOfWork) Within(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := u.Begin(ctx); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := u.Rollback(); rbErr != nil {
				u.logger.Error("Rollback after panic failed", "error", rbErr)
			}
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		if rbErr := u.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return u.Commit(ctx)
}
