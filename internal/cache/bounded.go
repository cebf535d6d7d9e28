package cache

import (
	"container/list"
	"sync"
)

// Bounded is a capacity-limited associative cache. Every operation holds a
// single mutex, so concurrent callers observe linearizable results and an
// eviction is never interleaved with another write.
//
// The list keeps entries ordered from front (most recently used, or newest
// for FIFO) to back (the next eviction victim).
type Bounded[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	strategy Strategy
	items    map[K]*list.Element
	order    *list.List
	onEvict  func(key K, value V)
}

type boundedItem[K comparable, V any] struct {
	key   K
	value V
}

// BoundedOption configures a Bounded cache.
type BoundedOption[K comparable, V any] func(*Bounded[K, V])

// WithEvictionCallback registers fn to be called for every entry evicted to
// make room for a new key. It runs after the cache lock has been released,
// so fn may safely call back into the cache. Explicit Remove and Clear calls
// do not trigger it.
func WithEvictionCallback[K comparable, V any](fn func(key K, value V)) BoundedOption[K, V] {
	return func(b *Bounded[K, V]) {
		b.onEvict = fn
	}
}

// NewBounded creates a cache holding at most capacity entries. A capacity of
// zero or less produces a cache that stores nothing.
func NewBounded[K comparable, V any](capacity int, strategy Strategy, opts ...BoundedOption[K, V]) *Bounded[K, V] {
	if capacity < 0 {
		capacity = 0
	}
	b := &Bounded[K, V]{
		capacity: capacity,
		strategy: strategy,
		items:    make(map[K]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Get returns the value stored for key. Under LeastRecentlyUsed the key
// becomes the most recently used entry.
func (b *Bounded[K, V]) Get(key K) (V, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if b.strategy == LeastRecentlyUsed {
		b.order.MoveToFront(el)
	}
	return el.Value.(*boundedItem[K, V]).value, true
}

// Peek returns the value for key without touching its recency.
func (b *Bounded[K, V]) Peek(key K) (V, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return el.Value.(*boundedItem[K, V]).value, true
}

// Set inserts or overwrites key. Overwriting keeps the resident count and,
// under LeastRecentlyUsed, refreshes the key's position. Inserting a new key
// while full evicts exactly one victim first.
func (b *Bounded[K, V]) Set(key K, value V) {
	var (
		evicted    *boundedItem[K, V]
		hasEvicted bool
	)

	b.mu.Lock()
	if b.capacity == 0 {
		b.mu.Unlock()
		return
	}
	if el, ok := b.items[key]; ok {
		el.Value.(*boundedItem[K, V]).value = value
		if b.strategy == LeastRecentlyUsed {
			b.order.MoveToFront(el)
		}
		b.mu.Unlock()
		return
	}
	if b.order.Len() >= b.capacity {
		evicted, hasEvicted = b.evictLocked()
	}
	b.items[key] = b.order.PushFront(&boundedItem[K, V]{key: key, value: value})
	onEvict := b.onEvict
	b.mu.Unlock()

	if hasEvicted && onEvict != nil {
		onEvict(evicted.key, evicted.value)
	}
}

// evictLocked drops the back of the list. The caller holds b.mu.
func (b *Bounded[K, V]) evictLocked() (*boundedItem[K, V], bool) {
	back := b.order.Back()
	if back == nil {
		return nil, false
	}
	item := b.order.Remove(back).(*boundedItem[K, V])
	delete(b.items, item.key)
	return item, true
}

// Remove deletes key if present.
func (b *Bounded[K, V]) Remove(key K) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if el, ok := b.items[key]; ok {
		b.order.Remove(el)
		delete(b.items, key)
	}
}

// RemoveIf deletes key when its current value satisfies pred, checking and
// deleting under one lock acquisition. It reports whether key was removed.
func (b *Bounded[K, V]) RemoveIf(key K, pred func(V) bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.items[key]
	if !ok || !pred(el.Value.(*boundedItem[K, V]).value) {
		return false
	}
	b.order.Remove(el)
	delete(b.items, key)
	return true
}

// Clear drops every entry.
func (b *Bounded[K, V]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = make(map[K]*list.Element)
	b.order.Init()
}

// Len returns the number of resident entries.
func (b *Bounded[K, V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

// Capacity returns the configured maximum number of entries.
func (b *Bounded[K, V]) Capacity() int {
	return b.capacity
}

// Keys returns resident keys ordered from the front of the eviction order
// (most recent, or newest under FIFO) to the back (next victim).
func (b *Bounded[K, V]) Keys() []K {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]K, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*boundedItem[K, V]).key)
	}
	return keys
}
