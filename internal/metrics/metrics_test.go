package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLatencyTracker(t *testing.T) {
	tracker := NewLatencyTracker(0.01)

	operations := []string{"save", "fetch", "fetch_all"}
	for _, op := range operations {
		tracker.Record(op, 1*time.Millisecond)
		tracker.Record(op, 5*time.Millisecond)
		tracker.Record(op, 10*time.Millisecond)
		tracker.Record(op, 50*time.Millisecond)
		tracker.Record(op, 100*time.Millisecond)
	}

	for _, op := range operations {
		stats, err := tracker.GetStats(op)
		if err != nil {
			t.Errorf("Failed to get stats for %s: %v", op, err)
			continue
		}
		if stats.Count != 5 {
			t.Errorf("Expected count 5 for %s, got %d", op, stats.Count)
		}
		if stats.Min < 0.9 || stats.Min > 1.1 {
			t.Errorf("Expected min ~1ms for %s, got %.2fms", op, stats.Min)
		}
		if stats.Max < 99 || stats.Max > 101 {
			t.Errorf("Expected max ~100ms for %s, got %.2fms", op, stats.Max)
		}
		if stats.P50 < 5 || stats.P50 > 15 {
			t.Errorf("Expected p50 ~10ms for %s, got %.2fms", op, stats.P50)
		}
	}

	all := tracker.GetAllStats()
	if len(all) != len(operations) {
		t.Fatalf("Expected %d operations in GetAllStats, got %d", len(operations), len(all))
	}
	if all[0].Operation != "fetch" || all[2].Operation != "save" {
		t.Errorf("Expected stats sorted by operation, got %v", all)
	}

	if _, err := tracker.GetStats("missing"); err == nil {
		t.Error("Expected error for operation with no data")
	}
}

func TestLatencyTracker_RecordFunc(t *testing.T) {
	tracker := NewLatencyTracker(0.01)
	want := errors.New("boom")

	err := tracker.RecordFunc("delete", func() error {
		time.Sleep(2 * time.Millisecond)
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("Expected wrapped function error, got %v", err)
	}

	p50, err := tracker.GetQuantile("delete", 0.5)
	if err != nil {
		t.Fatalf("GetQuantile: %v", err)
	}
	if p50 < 1.5 {
		t.Errorf("Expected p50 >= ~2ms, got %.2fms", p50)
	}
}

func TestStatsString(t *testing.T) {
	if got := (Stats{Operation: "save"}).String(); !strings.Contains(got, "no data") {
		t.Errorf("Expected no-data rendering, got %q", got)
	}
	s := Stats{Operation: "save", Count: 2, Min: 1, P50: 1, P90: 2, P99: 2, Max: 2}
	if got := s.String(); !strings.Contains(got, "save (n=2)") {
		t.Errorf("Unexpected rendering %q", got)
	}
}

func TestPrometheusRecorder(t *testing.T) {
	p := NewPrometheus("depot", nil)

	p.CacheHit("users")
	p.CacheHit("users")
	p.CacheMiss("users")
	p.CacheEviction("users")
	p.Operation("users", "save", 3*time.Millisecond, nil)
	p.Operation("users", "delete", time.Millisecond, errors.New("not found"))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`depot_cache_lookups_total{repository="users",result="hit"} 2`,
		`depot_cache_lookups_total{repository="users",result="miss"} 1`,
		`depot_cache_evictions_total{repository="users"} 1`,
		`depot_operations_total{operation="save",repository="users",status="ok"} 1`,
		`depot_operations_total{operation="delete",repository="users",status="error"} 1`,
		`depot_operation_duration_milliseconds_count{operation="save",repository="users"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected exposition to contain %q", want)
		}
	}
}

func TestTee(t *testing.T) {
	a := NewPrometheus("a", nil)
	var r Recorder = Tee{a, Noop{}}
	r.CacheMiss("x")
	r.Operation("x", "fetch", time.Millisecond, nil)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `a_cache_lookups_total{repository="x",result="miss"} 1`) {
		t.Error("Expected Tee to forward events")
	}
}
