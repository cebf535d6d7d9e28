package cache

import (
	"sync/atomic"
	"time"
)

// entry pairs a cached value with the time it was inserted or refreshed.
type entry[V any] struct {
	value    V
	storedAt time.Time
}

// expired reports whether the entry is older than ttl. A zero ttl never
// expires.
func (e entry[V]) expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(e.storedAt) > ttl
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	Size        int
}

// Aside is the cache-aside coordinator used by repositories. It keeps the
// eviction structure generic and adds the TTL check and the MaxSize == 0
// "caching disabled" rule on top.
type Aside[K comparable, V any] struct {
	policy  Policy
	entries *Bounded[K, entry[V]]
	now     func() time.Time
	onEvict func()

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// AsideOption configures an Aside cache.
type AsideOption func(*asideOptions)

type asideOptions struct {
	now     func() time.Time
	onEvict func()
}

// WithClock overrides the time source used for TTL checks.
func WithClock(now func() time.Time) AsideOption {
	return func(o *asideOptions) {
		o.now = now
	}
}

// WithEvictionHook registers fn to be called whenever an entry is evicted
// for capacity.
func WithEvictionHook(fn func()) AsideOption {
	return func(o *asideOptions) {
		o.onEvict = fn
	}
}

// NewAside builds a coordinator for policy.
func NewAside[K comparable, V any](policy Policy, opts ...AsideOption) *Aside[K, V] {
	o := asideOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Aside[K, V]{
		policy:  policy,
		now:     o.now,
		onEvict: o.onEvict,
	}
	a.entries = NewBounded[K, entry[V]](policy.MaxSize, policy.Strategy,
		WithEvictionCallback[K, entry[V]](func(K, entry[V]) {
			a.evictions.Add(1)
			if a.onEvict != nil {
				a.onEvict()
			}
		}),
	)
	return a
}

// Policy returns the policy the cache was built with.
func (a *Aside[K, V]) Policy() Policy {
	return a.policy
}

// Get returns the cached value for key. An entry older than the policy TTL
// is removed and reported as a miss; stale values are never returned.
func (a *Aside[K, V]) Get(key K) (V, bool) {
	e, ok := a.entries.Get(key)
	if !ok {
		a.misses.Add(1)
		var zero V
		return zero, false
	}
	if now := a.now(); e.expired(now, a.policy.TTL) {
		// a concurrent Set may have replaced the stale entry
		if a.entries.RemoveIf(key, func(cur entry[V]) bool { return cur.expired(now, a.policy.TTL) }) {
			a.expirations.Add(1)
		}
		a.misses.Add(1)
		var zero V
		return zero, false
	}
	a.hits.Add(1)
	return e.value, true
}

// Set stores value for key with a fresh timestamp. It does nothing when the
// policy disables caching.
func (a *Aside[K, V]) Set(key K, value V) {
	if !a.policy.Enabled() {
		return
	}
	a.entries.Set(key, entry[V]{value: value, storedAt: a.now()})
}

// Invalidate removes a single entry.
func (a *Aside[K, V]) Invalidate(key K) {
	a.entries.Remove(key)
}

// InvalidateAll removes every entry.
func (a *Aside[K, V]) InvalidateAll() {
	a.entries.Clear()
}

// Len returns the number of resident entries, including ones that have
// expired but not yet been observed.
func (a *Aside[K, V]) Len() int {
	return a.entries.Len()
}

// Stats returns the current counters.
func (a *Aside[K, V]) Stats() Stats {
	return Stats{
		Hits:        a.hits.Load(),
		Misses:      a.misses.Load(),
		Evictions:   a.evictions.Load(),
		Expirations: a.expirations.Load(),
		Size:        a.entries.Len(),
	}
}
