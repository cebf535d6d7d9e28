package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyTracker tracks latency quantiles per operation using DDSketch.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a tracker whose quantile estimates are within
// relativeAccuracy of the true value (0.01 = 1%).
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for the given operation.
func (lt *LatencyTracker) Record(operation string, duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(0.01)
		}
		lt.sketches[operation] = sketch
	}

	// milliseconds
	_ = sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// RecordFunc runs fn and records its execution time.
func (lt *LatencyTracker) RecordFunc(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	lt.Record(operation, time.Since(start))
	return err
}

// GetQuantile returns the value in milliseconds at quantile (0..1) for the
// operation.
func (lt *LatencyTracker) GetQuantile(operation string, quantile float64) (float64, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		return 0, fmt.Errorf("no data for operation: %s", operation)
	}
	return sketch.GetValueAtQuantile(quantile)
}

// Stats summarizes one operation. Durations are in milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P99       float64
	Max       float64
}

// GetStats returns statistics for the given operation.
func (lt *LatencyTracker) GetStats(operation string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}
	return statsOf(operation, sketch), nil
}

// GetAllStats returns statistics for every tracked operation, sorted by
// operation name.
func (lt *LatencyTracker) GetAllStats() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	stats := make([]Stats, 0, len(lt.sketches))
	for operation, sketch := range lt.sketches {
		stats = append(stats, statsOf(operation, sketch))
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Operation < stats[j].Operation })
	return stats
}

func statsOf(operation string, sketch *ddsketch.DDSketch) Stats {
	count := sketch.GetCount()
	if count == 0 {
		return Stats{Operation: operation}
	}

	min, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	max, _ := sketch.GetMaxValue()

	return Stats{
		Operation: operation,
		Count:     int64(count),
		Min:       min,
		P50:       p50,
		P90:       p90,
		P99:       p99,
		Max:       max,
	}
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Operation)
	}
	return fmt.Sprintf("  %s (n=%d): min=%.3fms p50=%.3fms p90=%.3fms p99=%.3fms max=%.3fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}
