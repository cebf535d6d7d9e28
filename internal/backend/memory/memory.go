// Package memory is the volatile Storage backend. Entities live in a map
// for the lifetime of the process; transactions roll back by restoring a
// snapshot taken when the block started.
package memory

import (
	"context"

	"github.com/oriys/depot/internal/cache"
	"github.com/oriys/depot/internal/repository"
	"github.com/oriys/depot/internal/storage"
)

// Storage keeps entities in insertion order. FetchAll returns them in the
// order their identifiers were first saved.
type Storage[T storage.Entity[ID], ID comparable] struct {
	iso   storage.Isolate
	items map[ID]T
	order []ID
}

// New returns an empty in-memory storage.
func New[T storage.Entity[ID], ID comparable]() *Storage[T, ID] {
	return &Storage[T, ID]{items: make(map[ID]T)}
}

// NewRepository returns a cached repository over a fresh in-memory storage.
func NewRepository[T storage.Entity[ID], ID comparable](policy cache.Policy, opts ...repository.Option) *repository.Cached[T, ID] {
	return repository.New[T, ID](New[T, ID](), policy, opts...)
}

func (s *Storage[T, ID]) Save(ctx context.Context, entity T) error {
	return s.iso.Run(ctx, func(context.Context) error {
		s.put(entity)
		return nil
	})
}

func (s *Storage[T, ID]) SaveAll(ctx context.Context, entities []T) error {
	return s.iso.Run(ctx, func(context.Context) error {
		for _, e := range entities {
			s.put(e)
		}
		return nil
	})
}

func (s *Storage[T, ID]) put(entity T) {
	id := entity.EntityID()
	if _, ok := s.items[id]; !ok {
		s.order = append(s.order, id)
	}
	s.items[id] = entity
}

func (s *Storage[T, ID]) Fetch(ctx context.Context, id ID) (entity T, ok bool, err error) {
	err = s.iso.Run(ctx, func(context.Context) error {
		entity, ok = s.items[id]
		return nil
	})
	return entity, ok, err
}

func (s *Storage[T, ID]) FetchAll(ctx context.Context) ([]T, error) {
	var out []T
	err := s.iso.Run(ctx, func(context.Context) error {
		out = make([]T, 0, len(s.order))
		for _, id := range s.order {
			out = append(out, s.items[id])
		}
		return nil
	})
	return out, err
}

func (s *Storage[T, ID]) FetchMatching(ctx context.Context, pred storage.Predicate[T]) ([]T, error) {
	all, err := s.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Filter(all, pred), nil
}

func (s *Storage[T, ID]) Delete(ctx context.Context, id ID) error {
	return s.iso.Run(ctx, func(context.Context) error {
		if _, ok := s.items[id]; !ok {
			return storage.NotFound(storage.KeyString(id))
		}
		delete(s.items, id)
		for i, k := range s.order {
			if k == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		return nil
	})
}

func (s *Storage[T, ID]) DeleteAll(ctx context.Context) error {
	return s.iso.Run(ctx, func(context.Context) error {
		s.items = make(map[ID]T)
		s.order = nil
		return nil
	})
}

// Transact runs fn with exclusive access. If fn fails every write it made
// is undone.
func (s *Storage[T, ID]) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.iso.Run(ctx, func(ctx context.Context) error {
		items := make(map[ID]T, len(s.items))
		for k, v := range s.items {
			items[k] = v
		}
		order := append([]ID(nil), s.order...)

		if err := fn(ctx); err != nil {
			s.items = items
			s.order = order
			return storage.TransactionFailed(err)
		}
		return nil
	})
}

// Len returns the number of stored entities.
func (s *Storage[T, ID]) Len() int {
	var n int
	_ = s.iso.Run(context.Background(), func(context.Context) error {
		n = len(s.items)
		return nil
	})
	return n
}
