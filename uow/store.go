package uow

import (
	"context"
	"errors"
)

var (
	// ErrAggregateNotFound is returned when an aggregate id is unknown.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrAggregateExists is returned when inserting an id that is already stored.
	ErrAggregateExists = errors.New("aggregate already exists")
)

// Store opens persistence transactions. Implementations must apply a
// transaction's changes atomically: all of them or none.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one persistence transaction.
type Tx interface {
	Insert(ctx context.Context, agg Aggregate) error
	Update(ctx context.Context, agg Aggregate) error
	Delete(ctx context.Context, agg Aggregate) error
	Commit() error
	Rollback() error
}

// Loader reads committed aggregates back into dst.
type Loader interface {
	Load(ctx context.Context, aggregateType, id string, dst any) error
}
