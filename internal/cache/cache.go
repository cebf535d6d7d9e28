// Package cache implements the in-process caching tier that sits in front of
// storage backends. Bounded is a generic, capacity-limited map with LRU or
// FIFO eviction; Aside layers TTL expiry and the disabled-policy rule on top
// of it and is what repositories consume.
//
// Caches are volatile and owned by a single repository. Nothing here does
// I/O, so no operation blocks beyond the time needed to update in-memory
// state.
package cache

import (
	"fmt"
	"time"
)

// Strategy selects which resident entry is evicted when a Bounded cache is
// full and a new key arrives.
type Strategy int

const (
	// LeastRecentlyUsed evicts the entry that was read or written least
	// recently.
	LeastRecentlyUsed Strategy = iota
	// FirstInFirstOut evicts the oldest inserted entry. Reads do not
	// protect an entry from eviction.
	FirstInFirstOut
)

func (s Strategy) String() string {
	switch s {
	case LeastRecentlyUsed:
		return "lru"
	case FirstInFirstOut:
		return "fifo"
	default:
		return "unknown"
	}
}

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "lru", "LRU", "recency":
		return LeastRecentlyUsed, nil
	case "fifo", "FIFO", "insertion":
		return FirstInFirstOut, nil
	default:
		return 0, fmt.Errorf("unknown eviction strategy: %q", s)
	}
}

// Policy describes how a repository caches entities. It is a value type and
// is never mutated after a cache is built from it.
type Policy struct {
	// TTL is the maximum age of an entry. Zero disables expiry.
	TTL time.Duration
	// MaxSize is the maximum number of resident entries. Zero disables
	// caching entirely.
	MaxSize int
	// Strategy picks the eviction victim when MaxSize is reached.
	Strategy Strategy
}

var (
	// DefaultPolicy balances freshness and hit rate.
	DefaultPolicy = Policy{TTL: 5 * time.Minute, MaxSize: 100, Strategy: LeastRecentlyUsed}
	// AggressivePolicy keeps more entries for longer.
	AggressivePolicy = Policy{TTL: time.Hour, MaxSize: 500, Strategy: LeastRecentlyUsed}
	// NoCachePolicy turns the cache off; every read goes to storage.
	NoCachePolicy = Policy{}
)

// Enabled reports whether the policy admits any entries.
func (p Policy) Enabled() bool {
	return p.MaxSize > 0
}

func (p Policy) String() string {
	if !p.Enabled() {
		return "disabled"
	}
	return fmt.Sprintf("ttl=%s max=%d strategy=%s", p.TTL, p.MaxSize, p.Strategy)
}

// PolicyByName resolves the preset names used in configuration files.
func PolicyByName(name string) (Policy, bool) {
	switch name {
	case "default", "":
		return DefaultPolicy, true
	case "aggressive":
		return AggressivePolicy, true
	case "none", "disabled":
		return NoCachePolicy, true
	default:
		return Policy{}, false
	}
}
