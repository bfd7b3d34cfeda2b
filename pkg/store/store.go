// Package store persists Gate state: entity versions and the executed intent
// records that make replay detection durable.
//
// Every backend commits the entity write and the record insert as one unit.
// Either both land or neither does.
package store

import (
	"context"
	"errors"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

var (
	// ErrNotFound is returned when an entity or record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateRecord is returned when an intent was already recorded.
	ErrDuplicateRecord = errors.New("store: intent already executed")
	// ErrVersionConflict is returned when a compare-and-swap lost to a
	// concurrent writer.
	ErrVersionConflict = errors.New("store: entity version changed")
	// ErrEntityExists is returned when creating an entity that already has
	// state.
	ErrEntityExists = errors.New("store: entity already exists")
)

// Store is the Gate's persistent state.
type Store interface {
	// Record returns the executed intent record for intentID.
	Record(ctx context.Context, intentID string) (*contracts.ExecutedIntentRecord, error)
	// Records lists executed intents, newest first.
	Records(ctx context.Context, limit int) ([]*contracts.ExecutedIntentRecord, error)
	// Entity returns the current state of an entity.
	Entity(ctx context.Context, entityID string) (*contracts.EntityState, error)
	// CreateEntity stores the initial state of a new entity. Existing state
	// is never overwritten: once created, an entity changes only through
	// WithinEntity.
	CreateEntity(ctx context.Context, state *contracts.EntityState) error
	// WithinEntity runs fn in a transaction scoped to one entity. Writes
	// staged through the Tx are committed only if fn returns nil.
	WithinEntity(ctx context.Context, entityID string, fn func(Tx) error) error
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Tx is a transaction scoped to a single entity.
type Tx interface {
	// Entity reads the scoped entity, locking it where the backend can.
	Entity(ctx context.Context) (*contracts.EntityState, error)
	// Record looks up an executed intent inside the transaction.
	Record(ctx context.Context, intentID string) (*contracts.ExecutedIntentRecord, error)
	// SwapEntity stages next if the stored version still equals expected.
	SwapEntity(ctx context.Context, next *contracts.EntityState, expected int64) error
	// InsertRecord stages rec. A second insert of the same intent fails
	// with ErrDuplicateRecord.
	InsertRecord(ctx context.Context, rec *contracts.ExecutedIntentRecord) error
}

// Limits applied to Records.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

func listLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

func cloneEntity(e *contracts.EntityState) *contracts.EntityState {
	if e == nil {
		return nil
	}
	c := *e
	c.Attributes = e.Attributes.Clone()
	return &c
}

func cloneRecord(r *contracts.ExecutedIntentRecord) *contracts.ExecutedIntentRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
