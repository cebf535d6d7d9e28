// Package objectstore persists managed objects through a transactional
// Engine. Unlike the flat backends it does not implement storage.Storage:
// every operation runs synchronously on one Context goroutine, and fetched
// objects are kept in a bounded materialized-object table so that
// re-fetching an id returns the same instance without touching the engine.
package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/oriys/depot/internal/cache"
	"github.com/oriys/depot/internal/logging"
	"github.com/oriys/depot/internal/storage"
)

// DefaultMaxMaterialized bounds the materialized-object table.
const DefaultMaxMaterialized = 1000

// Managed is an object persisted by an ObjectStorage.
type Managed interface {
	ObjectID() string
}

// NewObjectID returns a fresh identifier for a managed object.
func NewObjectID() string {
	return uuid.NewString()
}

// Option configures an ObjectStorage.
type Option func(*storeOptions)

type storeOptions struct {
	entity          string
	maxMaterialized int
	logger          *slog.Logger
}

// WithEntityName sets the name objects are filed under in the engine.
// Defaults to the Go type name of T.
func WithEntityName(name string) Option {
	return func(o *storeOptions) {
		o.entity = name
	}
}

// WithMaxMaterialized bounds the materialized-object table. Zero disables
// it.
func WithMaxMaterialized(n int) Option {
	return func(o *storeOptions) {
		if n >= 0 {
			o.maxMaterialized = n
		}
	}
}

// WithLogger overrides the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *storeOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// ObjectStorage stores objects of type T in an Engine.
//
// A value returned by New is bound to the root of the engine: each call is
// its own engine transaction. The value handed to a PerformTransaction block
// is a view bound to that block's transaction instead; once the block
// returns, operations on the view fail with ErrTxnDone in their chain.
type ObjectStorage[T Managed] struct {
	exec    *Context
	engine  Engine
	entity  string
	objects *cache.Bounded[string, T]
	logger  *slog.Logger

	// set on transaction views only
	txn    Txn
	staged *staging[T]
	ended  *atomic.Bool
}

// New returns an ObjectStorage for T that runs on exec and persists to
// engine.
func New[T Managed](exec *Context, engine Engine, opts ...Option) (*ObjectStorage[T], error) {
	if exec == nil {
		return nil, errors.New("objectstore: nil context")
	}
	if engine == nil {
		return nil, errors.New("objectstore: nil engine")
	}
	o := storeOptions{maxMaterialized: DefaultMaxMaterialized}
	for _, opt := range opts {
		opt(&o)
	}
	if o.entity == "" {
		var zero T
		o.entity = strings.TrimLeft(fmt.Sprintf("%T", zero), "*")
	}
	if o.logger == nil {
		o.logger = logging.Component("objectstore")
	}

	return &ObjectStorage[T]{
		exec:    exec,
		engine:  engine,
		entity:  o.entity,
		objects: cache.NewBounded[string, T](o.maxMaterialized, cache.LeastRecentlyUsed),
		logger:  o.logger.With("entity", o.entity),
	}, nil
}

// Entity returns the name objects are filed under.
func (s *ObjectStorage[T]) Entity() string {
	return s.entity
}

// Materialized returns the number of objects held in the materialized-object
// table.
func (s *ObjectStorage[T]) Materialized() int {
	return s.objects.Len()
}

func (s *ObjectStorage[T]) Save(ctx context.Context, obj T) error {
	id := obj.ObjectID()
	return s.within(ctx, func(err error) error { return storage.SaveFailed(id, err) },
		func(ctx context.Context, tx Txn, st *staging[T]) error {
			return s.put(ctx, tx, st, obj)
		})
}

// SaveAll saves every object in one engine transaction.
func (s *ObjectStorage[T]) SaveAll(ctx context.Context, objs []T) error {
	if len(objs) == 0 {
		return nil
	}
	return s.within(ctx, func(err error) error { return storage.SaveFailed("", err) },
		func(ctx context.Context, tx Txn, st *staging[T]) error {
			for _, obj := range objs {
				if err := s.put(ctx, tx, st, obj); err != nil {
					return err
				}
			}
			return nil
		})
}

func (s *ObjectStorage[T]) put(ctx context.Context, tx Txn, st *staging[T], obj T) error {
	id := obj.ObjectID()
	if id == "" {
		return storage.SaveFailed(id, errors.New("object has no id"))
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return storage.SaveFailed(id, err)
	}
	if err := tx.Put(ctx, s.entity, id, data); err != nil {
		return storage.SaveFailed(id, err)
	}
	st.set(id, obj)
	return nil
}

// Fetch returns the object for id. A missing object is reported as
// ok == false with a nil error.
func (s *ObjectStorage[T]) Fetch(ctx context.Context, id string) (T, bool, error) {
	obj, ok, _, err := s.fetch(ctx, id)
	return obj, ok, err
}

// fetch also reports whether the object came from the materialized-object
// table.
func (s *ObjectStorage[T]) fetch(ctx context.Context, id string) (obj T, ok, materialized bool, err error) {
	err = s.within(ctx, func(err error) error { return storage.FetchFailed(id, err) },
		func(ctx context.Context, tx Txn, st *staging[T]) error {
			v, found, deleted := st.lookup(id)
			switch {
			case found:
				obj, ok, materialized = v, true, true
				return nil
			case deleted:
				return nil
			case !st.detached():
				if v, hit := s.objects.Get(id); hit {
					obj, ok, materialized = v, true, true
					return nil
				}
			}

			data, err := tx.Get(ctx, s.entity, id)
			if errors.Is(err, ErrNoRecord) {
				return nil
			}
			if err != nil {
				return storage.FetchFailed(id, err)
			}
			decoded, err := decode[T](data)
			if err != nil {
				return storage.InvalidData(id, err)
			}
			st.set(id, decoded)
			obj, ok = decoded, true
			return nil
		})
	if err != nil {
		var zero T
		return zero, false, false, err
	}
	return obj, ok, materialized, nil
}

// FetchAll returns every stored object ordered by id. Objects already
// materialized are returned as the same instance.
func (s *ObjectStorage[T]) FetchAll(ctx context.Context) ([]T, error) {
	var out []T
	err := s.within(ctx, func(err error) error { return storage.FetchFailed("", err) },
		func(ctx context.Context, tx Txn, st *staging[T]) error {
			rows, err := tx.List(ctx, s.entity)
			if err != nil {
				return storage.FetchFailed("", err)
			}
			out = make([]T, 0, len(rows))
			for _, row := range rows {
				if v, found, _ := st.lookup(row.ID); found {
					out = append(out, v)
					continue
				}
				if !st.detached() {
					if v, hit := s.objects.Peek(row.ID); hit {
						out = append(out, v)
						continue
					}
				}
				v, err := decode[T](row.Data)
				if err != nil {
					return storage.InvalidData(row.ID, err)
				}
				st.set(row.ID, v)
				out = append(out, v)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchMatching returns the stored objects accepted by pred.
func (s *ObjectStorage[T]) FetchMatching(ctx context.Context, pred storage.Predicate[T]) ([]T, error) {
	all, err := s.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Filter(all, pred), nil
}

// Delete removes the object for id, failing with storage.KindNotFound when
// there is none.
func (s *ObjectStorage[T]) Delete(ctx context.Context, id string) error {
	return s.within(ctx, func(err error) error { return storage.DeleteFailed(id, err) },
		func(ctx context.Context, tx Txn, st *staging[T]) error {
			err := tx.Delete(ctx, s.entity, id)
			if errors.Is(err, ErrNoRecord) {
				return storage.NotFound(id)
			}
			if err != nil {
				return storage.DeleteFailed(id, err)
			}
			st.remove(id)
			return nil
		})
}

// DeleteAll removes every object of this entity.
func (s *ObjectStorage[T]) DeleteAll(ctx context.Context) error {
	return s.within(ctx, func(err error) error { return storage.DeleteFailed("", err) },
		func(ctx context.Context, tx Txn, st *staging[T]) error {
			if err := tx.DeleteAll(ctx, s.entity); err != nil {
				return storage.DeleteFailed("", err)
			}
			st.clear()
			return nil
		})
}

// Forget empties the materialized-object table. Stored objects are
// untouched.
func (s *ObjectStorage[T]) Forget(ctx context.Context) error {
	if s.txn != nil {
		if s.ended.Load() {
			return ErrTxnDone
		}
		s.staged.forget()
		return nil
	}
	return s.exec.Perform(ctx, func(context.Context) error {
		s.objects.Clear()
		return nil
	})
}

// PerformTransaction runs fn with a view bound to a single engine
// transaction. If fn fails the transaction is rolled back, the changes it
// made to the materialized-object table are discarded, and the failure is
// returned as storage.KindTransactionFailed. Called on a view, fn joins the
// enclosing transaction.
func (s *ObjectStorage[T]) PerformTransaction(ctx context.Context, fn func(ctx context.Context, tx *ObjectStorage[T]) error) error {
	if s.txn != nil {
		if s.ended.Load() {
			return storage.TransactionFailed(ErrTxnDone)
		}
		if err := fn(ctx, s); err != nil {
			return storage.TransactionFailed(err)
		}
		return nil
	}

	err := s.exec.Perform(ctx, func(ctx context.Context) error {
		tx, err := s.engine.Begin(ctx)
		if err != nil {
			return storage.TransactionFailed(err)
		}
		view := s.bind(tx)
		err = fn(ctx, view)
		view.ended.Store(true)
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Warn("rollback failed", "error", rbErr)
			}
			return storage.TransactionFailed(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return storage.TransactionFailed(err)
		}
		view.staged.apply(s.objects)
		return nil
	})
	return classify(err, storage.TransactionFailed)
}

// PerformObjectTransaction runs fn in s's transaction and returns its result.
// On failure the zero value is returned together with the transaction
// error.
func PerformObjectTransaction[T Managed, R any](ctx context.Context, s *ObjectStorage[T], fn func(ctx context.Context, tx *ObjectStorage[T]) (R, error)) (R, error) {
	var result R
	err := s.PerformTransaction(ctx, func(ctx context.Context, tx *ObjectStorage[T]) error {
		r, err := fn(ctx, tx)
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

func (s *ObjectStorage[T]) bind(tx Txn) *ObjectStorage[T] {
	return &ObjectStorage[T]{
		exec:    s.exec,
		engine:  s.engine,
		entity:  s.entity,
		objects: s.objects,
		logger:  s.logger,
		txn:     tx,
		staged:  newStaging[T](),
		ended:   &atomic.Bool{},
	}
}

// within runs op on the context goroutine. On a root storage op gets its own
// engine transaction and its staged table changes are applied after commit;
// on a view, which only exists on the context goroutine, it joins the bound
// transaction directly. failed classifies engine begin
// and commit errors for the operation.
func (s *ObjectStorage[T]) within(ctx context.Context, failed func(error) error, op func(ctx context.Context, tx Txn, st *staging[T]) error) error {
	if s.txn != nil {
		if s.ended.Load() {
			return failed(ErrTxnDone)
		}
		return op(ctx, s.txn, s.staged)
	}

	err := s.exec.Perform(ctx, func(ctx context.Context) error {
		tx, err := s.engine.Begin(ctx)
		if err != nil {
			return failed(err)
		}
		st := newStaging[T]()
		if err := op(ctx, tx, st); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Warn("rollback failed", "error", rbErr)
			}
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return failed(err)
		}
		st.apply(s.objects)
		return nil
	})
	return classify(err, failed)
}

// classify wraps errors raised by the Context itself, such as a closed
// context or a recovered panic, so callers only ever see storage errors.
func classify(err error, failed func(error) error) error {
	if err == nil || storage.KindOf(err) != storage.KindUnknown {
		return err
	}
	return failed(err)
}

func decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
