package objectstore

import (
	"context"
	"time"

	"github.com/oriys/depot/internal/metrics"
	"github.com/oriys/depot/internal/observability"
	"go.opentelemetry.io/otel/trace"
)

// ObjectRepository is the repository over an ObjectStorage. It keeps no
// cache of its own: re-fetches are served from the storage's
// materialized-object table.
type ObjectRepository[T Managed] struct {
	storage  *ObjectStorage[T]
	name     string
	recorder metrics.Recorder
}

// NewRepository wraps s. name labels spans and metrics; a nil recorder
// disables metrics.
func NewRepository[T Managed](s *ObjectStorage[T], name string, recorder metrics.Recorder) *ObjectRepository[T] {
	if name == "" {
		name = s.Entity()
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &ObjectRepository[T]{storage: s, name: name, recorder: recorder}
}

// Storage returns the wrapped storage, for batch writes and transactions.
func (r *ObjectRepository[T]) Storage() *ObjectStorage[T] {
	return r.storage
}

func (r *ObjectRepository[T]) Save(ctx context.Context, obj T) (err error) {
	ctx, _, done := r.begin(ctx, "save", obj.ObjectID())
	defer func() { done(err) }()

	return r.storage.Save(context.WithoutCancel(ctx), obj)
}

func (r *ObjectRepository[T]) FetchAll(ctx context.Context) (objs []T, err error) {
	ctx, span, done := r.begin(ctx, "fetch_all", "")
	defer func() { done(err) }()

	objs, err = r.storage.FetchAll(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(observability.AttrCount.Int(len(objs)))
	return objs, nil
}

func (r *ObjectRepository[T]) Fetch(ctx context.Context, id string) (obj T, ok bool, err error) {
	ctx, span, done := r.begin(ctx, "fetch", id)
	defer func() { done(err) }()

	obj, ok, materialized, err := r.storage.fetch(context.WithoutCancel(ctx), id)
	if err != nil {
		return obj, false, err
	}
	if materialized {
		r.recorder.CacheHit(r.name)
	} else {
		r.recorder.CacheMiss(r.name)
	}
	span.SetAttributes(observability.AttrCacheHit.Bool(materialized))
	return obj, ok, nil
}

func (r *ObjectRepository[T]) Delete(ctx context.Context, id string) (err error) {
	ctx, _, done := r.begin(ctx, "delete", id)
	defer func() { done(err) }()

	return r.storage.Delete(context.WithoutCancel(ctx), id)
}

// InvalidateCache empties the materialized-object table.
func (r *ObjectRepository[T]) InvalidateCache() {
	_ = r.storage.Forget(context.Background())
}

func (r *ObjectRepository[T]) begin(ctx context.Context, op, key string) (context.Context, trace.Span, func(error)) {
	ctx, span := observability.StartSpan(ctx, "objectstore."+op,
		observability.AttrRepository.String(r.name),
	)
	if key != "" {
		span.SetAttributes(observability.AttrKey.String(key))
	}
	start := time.Now()
	return ctx, span, func(err error) {
		r.recorder.Operation(r.name, op, time.Since(start), err)
		observability.End(span, err)
	}
}
