// Package repository layers the cache-aside protocol over a storage.Storage.
//
// Reads consult the cache first and populate it from storage on a miss.
// Writes go to storage first and update the cache only once storage has
// accepted them. Deletes invalidate the cached entry after storage confirms
// the removal, so a failed write or delete never leaves the cache ahead of
// storage.
package repository

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oriys/depot/internal/cache"
	"github.com/oriys/depot/internal/logging"
	"github.com/oriys/depot/internal/metrics"
	"github.com/oriys/depot/internal/observability"
	"github.com/oriys/depot/internal/storage"
	"go.opentelemetry.io/otel/trace"
)

// Repository is the cached CRUD contract application code depends on.
// Every error returned is a *storage.Error.
type Repository[T storage.Entity[ID], ID comparable] interface {
	// Save persists entity and then caches it.
	Save(ctx context.Context, entity T) error
	// FetchAll always reads storage and seeds the cache with the result.
	FetchAll(ctx context.Context) ([]T, error)
	// Fetch serves from the cache when possible. A missing entity is
	// reported as ok == false with a nil error.
	Fetch(ctx context.Context, id ID) (entity T, ok bool, err error)
	// Delete removes the entity from storage and then from the cache.
	Delete(ctx context.Context, id ID) error
	// InvalidateCache drops every cached entry. Storage is untouched.
	InvalidateCache()
}

// Option configures a Cached repository.
type Option func(*options)

type options struct {
	name     string
	recorder metrics.Recorder
	logger   *slog.Logger
	clock    func() time.Time
}

// WithName labels the repository in logs, spans and metrics.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithRecorder reports cache and operation metrics to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithLogger overrides the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source of the cache TTL checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// Cached is the cache-aside Repository. Operations on one instance run one
// at a time and in call order, which keeps the cache consistent with what
// the repository itself wrote. Backend calls are not cancelled when the
// caller's context is: once started, an operation completes.
type Cached[T storage.Entity[ID], ID comparable] struct {
	mu       sync.Mutex
	storage  storage.Storage[T, ID]
	cache    *cache.Aside[ID, T]
	name     string
	recorder metrics.Recorder
	logger   *slog.Logger
}

// New wraps s with a cache built from policy.
func New[T storage.Entity[ID], ID comparable](s storage.Storage[T, ID], policy cache.Policy, opts ...Option) *Cached[T, ID] {
	o := options{
		name:     "repository",
		recorder: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Component("repository")
	}

	r := &Cached[T, ID]{
		storage:  s,
		name:     o.name,
		recorder: o.recorder,
		logger:   o.logger.With("repository", o.name),
	}
	asideOpts := []cache.AsideOption{
		cache.WithEvictionHook(func() { r.recorder.CacheEviction(r.name) }),
	}
	if o.clock != nil {
		asideOpts = append(asideOpts, cache.WithClock(o.clock))
	}
	r.cache = cache.NewAside[ID, T](policy, asideOpts...)
	return r
}

// Storage returns the wrapped storage, for batch writes and transactions.
// Writes made through it bypass the cache; call InvalidateCache afterwards.
func (r *Cached[T, ID]) Storage() storage.Storage[T, ID] {
	return r.storage
}

// CacheStats returns the cache counters.
func (r *Cached[T, ID]) CacheStats() cache.Stats {
	return r.cache.Stats()
}

// Policy returns the cache policy.
func (r *Cached[T, ID]) Policy() cache.Policy {
	return r.cache.Policy()
}

func (r *Cached[T, ID]) Save(ctx context.Context, entity T) (err error) {
	id := entity.EntityID()
	ctx, _, done := r.begin(ctx, "save", storage.KeyString(id))
	defer func() { done(err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err = r.storage.Save(context.WithoutCancel(ctx), entity); err != nil {
		r.logFailure(ctx, "save", id, err)
		return err
	}
	r.cache.Set(id, entity)
	return nil
}

func (r *Cached[T, ID]) FetchAll(ctx context.Context) (entities []T, err error) {
	ctx, span, done := r.begin(ctx, "fetch_all", "")
	defer func() { done(err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	entities, err = r.storage.FetchAll(context.WithoutCancel(ctx))
	if err != nil {
		r.logFailure(ctx, "fetch_all", nil, err)
		return nil, err
	}
	for _, e := range entities {
		r.cache.Set(e.EntityID(), e)
	}
	span.SetAttributes(observability.AttrCount.Int(len(entities)))
	return entities, nil
}

func (r *Cached[T, ID]) Fetch(ctx context.Context, id ID) (entity T, ok bool, err error) {
	ctx, span, done := r.begin(ctx, "fetch", storage.KeyString(id))
	defer func() { done(err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, hit := r.cache.Get(id); hit {
		r.recorder.CacheHit(r.name)
		span.SetAttributes(observability.AttrCacheHit.Bool(true))
		return v, true, nil
	}
	r.recorder.CacheMiss(r.name)
	span.SetAttributes(observability.AttrCacheHit.Bool(false))
	logging.FromContext(ctx, r.logger).Debug("cache miss", "key", storage.KeyString(id))

	entity, ok, err = r.storage.Fetch(context.WithoutCancel(ctx), id)
	if err != nil {
		r.logFailure(ctx, "fetch", id, err)
		var zero T
		return zero, false, err
	}
	if ok {
		r.cache.Set(id, entity)
	}
	return entity, ok, nil
}

func (r *Cached[T, ID]) Delete(ctx context.Context, id ID) (err error) {
	ctx, _, done := r.begin(ctx, "delete", storage.KeyString(id))
	defer func() { done(err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err = r.storage.Delete(context.WithoutCancel(ctx), id); err != nil {
		if !storage.IsNotFound(err) {
			r.logFailure(ctx, "delete", id, err)
		}
		return err
	}
	r.cache.Invalidate(id)
	return nil
}

func (r *Cached[T, ID]) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache.InvalidateAll()
	r.logger.Debug("cache invalidated")
}

// begin opens the span for one operation and returns the function that
// closes it and records the outcome.
func (r *Cached[T, ID]) begin(ctx context.Context, op, key string) (context.Context, trace.Span, func(error)) {
	ctx, span := observability.StartSpan(ctx, "repository."+op,
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

func (r *Cached[T, ID]) logFailure(ctx context.Context, op string, id any, err error) {
	l := logging.FromContext(ctx, r.logger)
	if id != nil {
		l = l.With("key", id)
	}
	l.Warn("storage operation failed", "op", op, "kind", storage.KindOf(err).String(), "error", err)
}
