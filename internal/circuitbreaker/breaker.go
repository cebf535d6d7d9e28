// Package circuitbreaker stops calls to a remote store after it has been
// failing, and probes it again once a cool-down has passed.
//
// The breaker has three states:
//
//	Closed ──(error rate ≥ ErrorPct over Window)──► Open ──(OpenDuration)──► HalfOpen
//	  ▲                                                                         │
//	  └──────────────────────(probes succeed)───────────────────────────────────┘
//	                         (a probe fails) ──────────────────────────────► Open
//
// All methods are safe for concurrent use.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected
	StateHalfOpen              // a limited number of probes pass through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker thresholds.
type Config struct {
	ErrorPct       float64       // error percentage that trips the breaker (0-100)
	MinRequests    int           // calls needed in the window before the rate counts
	Window         time.Duration // sliding window for the error rate
	OpenDuration   time.Duration // how long the breaker stays open
	HalfOpenProbes int           // probes allowed while half-open
}

// DefaultConfig suits a network store: trip at half the calls failing over
// ten seconds, retry after five.
func DefaultConfig() Config {
	return Config{
		ErrorPct:       50,
		MinRequests:    10,
		Window:         10 * time.Second,
		OpenDuration:   5 * time.Second,
		HalfOpenProbes: 1,
	}
}

// Breaker guards one remote dependency.
type Breaker struct {
	mu             sync.Mutex
	cfg            Config
	now            func() time.Time
	state          State
	successes      []time.Time
	failures       []time.Time
	openedAt       time.Time
	halfOpenProbes int
	halfOpenOK     int
}

// New creates a breaker. now may be nil.
func New(cfg Config, now func() time.Time) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg, now: now}
}

// Do runs fn if the breaker allows it and records the outcome. Errors for
// which isFailure returns false count as successes; a nil isFailure counts
// every error.
func (b *Breaker) Do(fn func() error, isFailure func(error) bool) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// Allow reports whether a call may proceed, consuming a probe when
// half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	switch b.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.successes = append(b.successes, now)
		b.trimWindow(now)
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.state = StateClosed
			b.successes = b.successes[:0]
			b.failures = b.failures[:0]
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		b.checkThreshold(now)
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	return b.state
}

// advance moves an expired open breaker to half-open. Must be called under
// lock.
func (b *Breaker) advance() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.halfOpenProbes = 0
		b.halfOpenOK = 0
	}
}

const maxWindowEntries = 10000

func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	b.successes = trimBefore(b.successes, cutoff)
	b.failures = trimBefore(b.failures, cutoff)

	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
}

func (b *Breaker) checkThreshold(now time.Time) {
	total := len(b.successes) + len(b.failures)
	if total == 0 || total < b.cfg.MinRequests {
		return
	}
	if float64(len(b.failures))/float64(total)*100 >= b.cfg.ErrorPct {
		b.state = StateOpen
		b.openedAt = now
	}
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	copy(times, times[i:])
	return times[:len(times)-i]
}
