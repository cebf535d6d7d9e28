// Package metrics records cache and storage operation metrics. Repositories
// report through the Recorder interface; Prometheus exports the counters and
// LatencyTracker keeps in-process quantiles for benchmarks.
package metrics

import "time"

// Recorder receives cache and operation events from repositories.
// Implementations must be safe for concurrent use.
type Recorder interface {
	CacheHit(repository string)
	CacheMiss(repository string)
	CacheEviction(repository string)
	// Operation records one repository call. err is the call's outcome.
	Operation(repository, operation string, d time.Duration, err error)
}

// Noop discards every event.
type Noop struct{}

func (Noop) CacheHit(string) {}
func (Noop) CacheMiss(string) {}
func (Noop) CacheEviction(string) {}
func (Noop) Operation(string, string, time.Duration, error) {}

// Tee fans events out to several recorders.
type Tee []Recorder

func (t Tee) CacheHit(repository string) {
	for _, r := range t {
		r.CacheHit(repository)
	}
}

func (t Tee) CacheMiss(repository string) {
	for _, r := range t {
		r.CacheMiss(repository)
	}
}

func (t Tee) CacheEviction(repository string) {
	for _, r := range t {
		r.CacheEviction(repository)
	}
}

func (t Tee) Operation(repository, operation string, d time.Duration, err error) {
	for _, r := range t {
		r.Operation(repository, operation, d, err)
	}
}
