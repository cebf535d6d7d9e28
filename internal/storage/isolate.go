package storage

import (
	"context"
	"sync"
	"sync/atomic"
)

// Isolate serializes the operations of one backend instance so that exactly
// one runs at a time. A context returned to fn carries ownership of the
// isolate while fn runs, so operations invoked from inside a transaction
// block re-enter without deadlocking. Ownership ends when Run returns; a
// context kept past that point goes through the lock again.
//
// The owning context must not be handed to other goroutines while fn runs;
// doing so would let them bypass the lock.
type Isolate struct {
	mu sync.Mutex
}

type isolateKey struct{ iso *Isolate }

// runToken marks one Run call. It is cleared when the call returns.
type runToken struct {
	active atomic.Bool
}

// Run executes fn with exclusive access to the isolate.
func (i *Isolate) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if i.Owns(ctx) {
		return fn(ctx)
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	tok := &runToken{}
	tok.active.Store(true)
	defer tok.active.Store(false)
	return fn(context.WithValue(ctx, isolateKey{i}, tok))
}

// Owns reports whether ctx was produced by a Run on this isolate that has
// not returned yet.
func (i *Isolate) Owns(ctx context.Context) bool {
	tok, _ := ctx.Value(isolateKey{i}).(*runToken)
	return tok != nil && tok.active.Load()
}

// BestEffortTransact is the Transact implementation for backends that cannot
// roll back. fn runs with exclusive access; writes it made before failing
// stay applied, and the failure is reported as KindTransactionFailed.
func BestEffortTransact(ctx context.Context, iso *Isolate, fn func(ctx context.Context) error) error {
	return iso.Run(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return TransactionFailed(err)
		}
		return nil
	})
}
