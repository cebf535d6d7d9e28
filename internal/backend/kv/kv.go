// Package kv is the flat key-value Storage backend. Each entity is encoded
// with a storage.Codec and written under KeyPrefix + KeyFunc(id) in a Store
// handle: process memory, Redis, a billy filesystem or an S3 bucket.
//
// Transactions are best-effort: the block runs with exclusive access to the
// storage, but writes made before a failure are not undone.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oriys/depot/internal/cache"
	"github.com/oriys/depot/internal/logging"
	"github.com/oriys/depot/internal/observability"
	"github.com/oriys/depot/internal/repository"
	"github.com/oriys/depot/internal/storage"
)

// Config describes where a Storage keeps its entities.
type Config[T any, ID comparable] struct {
	// Store is the key-value handle. Required.
	Store Store
	// KeyPrefix namespaces the keys of one entity type.
	KeyPrefix string
	// Codec encodes entities. Defaults to storage.JSONCodec.
	Codec storage.Codec[T]
	// KeyFunc renders an identifier as a key suffix. Defaults to
	// storage.KeyString.
	KeyFunc func(ID) string
	// Logger receives warnings about skipped records.
	Logger *slog.Logger
}

// Storage implements storage.Storage over a Store.
type Storage[T storage.Entity[ID], ID comparable] struct {
	iso     storage.Isolate
	store   Store
	prefix  string
	codec   storage.Codec[T]
	keyFunc func(ID) string
	logger  *slog.Logger
}

// New validates cfg and returns a Storage.
func New[T storage.Entity[ID], ID comparable](cfg Config[T, ID]) (*Storage[T, ID], error) {
	if cfg.Store == nil {
		return nil, errors.New("kv: config has no store")
	}
	s := &Storage[T, ID]{
		store:   cfg.Store,
		prefix:  cfg.KeyPrefix,
		codec:   cfg.Codec,
		keyFunc: cfg.KeyFunc,
		logger:  cfg.Logger,
	}
	if s.codec == nil {
		s.codec = storage.JSONCodec[T]{}
	}
	if s.keyFunc == nil {
		s.keyFunc = storage.KeyString[ID]
	}
	if s.logger == nil {
		s.logger = logging.Component("kv")
	}
	s.logger = s.logger.With("prefix", s.prefix)
	return s, nil
}

// NewRepository returns a cached repository over a new Storage.
func NewRepository[T storage.Entity[ID], ID comparable](cfg Config[T, ID], policy cache.Policy, opts ...repository.Option) (*repository.Cached[T, ID], error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return repository.New[T, ID](s, policy, opts...), nil
}

func (s *Storage[T, ID]) key(id ID) string {
	return s.prefix + s.keyFunc(id)
}

func (s *Storage[T, ID]) Save(ctx context.Context, entity T) error {
	key := s.key(entity.EntityID())
	return s.iso.Run(ctx, func(ctx context.Context) error {
		data, err := s.codec.Encode(entity)
		if err != nil {
			return storage.SaveFailed(key, fmt.Errorf("encode: %w", err))
		}
		ctx, span := observability.StartClientSpan(ctx, "kv.set", observability.AttrKey.String(key))
		err = s.store.Set(ctx, key, data)
		observability.End(span, err)
		if err != nil {
			return storage.SaveFailed(key, err)
		}
		return nil
	})
}

// SaveAll writes every entity in one batch when the store supports it.
// Without batch support entities are written in order and the first failure
// stops the loop.
func (s *Storage[T, ID]) SaveAll(ctx context.Context, entities []T) error {
	return s.iso.Run(ctx, func(ctx context.Context) error {
		batch, ok := s.store.(BatchSetter)
		if !ok {
			for _, e := range entities {
				if err := s.Save(ctx, e); err != nil {
					return err
				}
			}
			return nil
		}

		values := make(map[string][]byte, len(entities))
		for _, e := range entities {
			key := s.key(e.EntityID())
			data, err := s.codec.Encode(e)
			if err != nil {
				return storage.SaveFailed(key, fmt.Errorf("encode: %w", err))
			}
			values[key] = data
		}
		ctx, span := observability.StartClientSpan(ctx, "kv.set_many", observability.AttrCount.Int(len(values)))
		err := batch.SetMany(ctx, values)
		observability.End(span, err)
		if err != nil {
			return storage.SaveFailed(s.prefix+"*", err)
		}
		return nil
	})
}

func (s *Storage[T, ID]) Fetch(ctx context.Context, id ID) (entity T, ok bool, err error) {
	key := s.key(id)
	err = s.iso.Run(ctx, func(ctx context.Context) error {
		ctx, span := observability.StartClientSpan(ctx, "kv.get", observability.AttrKey.String(key))
		data, gerr := s.store.Get(ctx, key)
		if errors.Is(gerr, ErrNotFound) {
			observability.End(span, nil)
			return nil
		}
		observability.End(span, gerr)
		if gerr != nil {
			return storage.FetchFailed(key, gerr)
		}
		v, derr := s.codec.Decode(data)
		if derr != nil {
			return storage.InvalidData(key, derr)
		}
		entity, ok = v, true
		return nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return entity, ok, nil
}

// FetchAll lists the prefixed keys and decodes each value. Records that no
// longer decode are skipped with a warning instead of failing the scan.
func (s *Storage[T, ID]) FetchAll(ctx context.Context) ([]T, error) {
	var out []T
	err := s.iso.Run(ctx, func(ctx context.Context) error {
		keys, err := s.store.Keys(ctx, s.prefix)
		if err != nil {
			return storage.FetchFailed(s.prefix+"*", err)
		}
		out = make([]T, 0, len(keys))
		for _, key := range keys {
			data, err := s.store.Get(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return storage.FetchFailed(key, err)
			}
			v, err := s.codec.Decode(data)
			if err != nil {
				logging.FromContext(ctx, s.logger).Warn("skipping malformed record", "key", key, "error", err)
				continue
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage[T, ID]) FetchMatching(ctx context.Context, pred storage.Predicate[T]) ([]T, error) {
	all, err := s.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Filter(all, pred), nil
}

func (s *Storage[T, ID]) Delete(ctx context.Context, id ID) error {
	key := s.key(id)
	return s.iso.Run(ctx, func(ctx context.Context) error {
		ctx, span := observability.StartClientSpan(ctx, "kv.delete", observability.AttrKey.String(key))
		err := s.store.Delete(ctx, key)
		if errors.Is(err, ErrNotFound) {
			observability.End(span, nil)
			return storage.NotFound(key)
		}
		observability.End(span, err)
		if err != nil {
			return storage.DeleteFailed(key, err)
		}
		return nil
	})
}

// DeleteAll removes every key under the prefix. Keys outside it are left
// alone.
func (s *Storage[T, ID]) DeleteAll(ctx context.Context) error {
	return s.iso.Run(ctx, func(ctx context.Context) error {
		keys, err := s.store.Keys(ctx, s.prefix)
		if err != nil {
			return storage.DeleteFailed(s.prefix+"*", err)
		}
		if batch, ok := s.store.(BatchDeleter); ok {
			if err := batch.DeleteMany(ctx, keys); err != nil {
				return storage.DeleteFailed(s.prefix+"*", err)
			}
			return nil
		}
		for _, key := range keys {
			if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
				return storage.DeleteFailed(key, err)
			}
		}
		return nil
	})
}

func (s *Storage[T, ID]) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	return storage.BestEffortTransact(ctx, &s.iso, fn)
}
