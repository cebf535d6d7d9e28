// Package storage defines the low-level persistence contract every generic
// backend implements, the closed error taxonomy shared by all backends, and
// the transaction helpers built on top of it.
//
// Application code should not depend on Storage directly; it depends on
// repository.Repository, which layers the cache-aside protocol over a
// Storage.
package storage

import (
	"context"
	"fmt"
)

// Entity is anything persisted through a Storage. The identifier must be
// stable for the lifetime of the entity.
type Entity[ID comparable] interface {
	EntityID() ID
}

// Predicate is an in-memory filter applied to materialized entities.
type Predicate[T any] func(T) bool

// Transactor runs a block as a unit of work. Backends that can roll back
// undo every write made inside a failed block; the others only guarantee
// that the failure is reported as KindTransactionFailed.
type Transactor interface {
	Transact(ctx context.Context, fn func(ctx context.Context) error) error
}

// Storage is the raw CRUD contract for one entity type. Every error returned
// is a *Error.
//
// Implementations serialize their own operations; a Storage value is safe
// for concurrent use.
type Storage[T Entity[ID], ID comparable] interface {
	Transactor

	// Save inserts or replaces the entity with the same identifier.
	Save(ctx context.Context, entity T) error
	// SaveAll upserts every entity, using a bulk path when the backend has
	// one.
	SaveAll(ctx context.Context, entities []T) error
	// Fetch returns the entity for id. A missing entity is reported as
	// ok == false with a nil error.
	Fetch(ctx context.Context, id ID) (entity T, ok bool, err error)
	// FetchAll returns every stored entity.
	FetchAll(ctx context.Context) ([]T, error)
	// FetchMatching returns the stored entities accepted by pred.
	FetchMatching(ctx context.Context, pred Predicate[T]) ([]T, error)
	// Delete removes the entity for id, failing with KindNotFound when
	// there is none.
	Delete(ctx context.Context, id ID) error
	// DeleteAll removes every stored entity.
	DeleteAll(ctx context.Context) error
}

// PerformTransaction runs fn inside t's transaction and returns its result.
// On failure the zero value is returned together with the transaction
// error.
func PerformTransaction[R any](ctx context.Context, t Transactor, fn func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := t.Transact(ctx, func(ctx context.Context) error {
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}

// Filter applies pred to entities, preserving order.
func Filter[T any](entities []T, pred Predicate[T]) []T {
	out := make([]T, 0, len(entities))
	for _, e := range entities {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// KeyString renders an identifier for error messages and backend keys.
func KeyString[ID comparable](id ID) string {
	if s, ok := any(id).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprint(id)
}
