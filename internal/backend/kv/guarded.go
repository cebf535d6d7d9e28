package kv

import (
	"context"
	"errors"

	"github.com/oriys/depot/internal/circuitbreaker"
)

// GuardedStore puts a circuit breaker in front of a remote Store. While the
// breaker is open every call fails with circuitbreaker.ErrOpen without
// reaching the backend. ErrNotFound is an answer, not a failure, and never
// trips the breaker.
type GuardedStore struct {
	store   Store
	breaker *circuitbreaker.Breaker
}

// NewGuardedStore wraps store. A nil breaker gets circuitbreaker.DefaultConfig.
func NewGuardedStore(store Store, breaker *circuitbreaker.Breaker) *GuardedStore {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig(), nil)
	}
	return &GuardedStore{store: store, breaker: breaker}
}

// Breaker returns the breaker guarding the store.
func (g *GuardedStore) Breaker() *circuitbreaker.Breaker {
	return g.breaker
}

func isStoreFailure(err error) bool {
	return !errors.Is(err, ErrNotFound)
}

func (g *GuardedStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := g.breaker.Do(func() error {
		var err error
		value, err = g.store.Get(ctx, key)
		return err
	}, isStoreFailure)
	return value, err
}

func (g *GuardedStore) Set(ctx context.Context, key string, value []byte) error {
	return g.breaker.Do(func() error { return g.store.Set(ctx, key, value) }, isStoreFailure)
}

// SetMany uses the wrapped store's batch path when it has one.
func (g *GuardedStore) SetMany(ctx context.Context, values map[string][]byte) error {
	return g.breaker.Do(func() error {
		if batch, ok := g.store.(BatchSetter); ok {
			return batch.SetMany(ctx, values)
		}
		for k, v := range values {
			if err := g.store.Set(ctx, k, v); err != nil {
				return err
			}
		}
		return nil
	}, isStoreFailure)
}

func (g *GuardedStore) Delete(ctx context.Context, key string) error {
	return g.breaker.Do(func() error { return g.store.Delete(ctx, key) }, isStoreFailure)
}

// DeleteMany uses the wrapped store's batch path when it has one.
func (g *GuardedStore) DeleteMany(ctx context.Context, keys []string) error {
	return g.breaker.Do(func() error {
		if batch, ok := g.store.(BatchDeleter); ok {
			return batch.DeleteMany(ctx, keys)
		}
		for _, k := range keys {
			if err := g.store.Delete(ctx, k); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		return nil
	}, isStoreFailure)
}

func (g *GuardedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := g.breaker.Do(func() error {
		var err error
		keys, err = g.store.Keys(ctx, prefix)
		return err
	}, isStoreFailure)
	return keys, err
}

// Ping bypasses the breaker so callers can check the backend directly.
func (g *GuardedStore) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}

func (g *GuardedStore) Close() error {
	return g.store.Close()
}
