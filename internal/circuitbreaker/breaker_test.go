package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testBreaker(minRequests int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := New(Config{
		ErrorPct:       50,
		MinRequests:    minRequests,
		Window:         10 * time.Second,
		OpenDuration:   5 * time.Second,
		HalfOpenProbes: 1,
	}, clock.now)
	return b, clock
}

func TestBreaker_ClosedAllows(t *testing.T) {
	b, _ := testBreaker(0)
	if !b.Allow() || b.State() != StateClosed {
		t.Fatal("closed breaker should allow calls")
	}
}

func TestBreaker_TripsOnErrorRate(t *testing.T) {
	b, _ := testBreaker(0)

	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject calls")
	}
}

func TestBreaker_MinRequests(t *testing.T) {
	b, _ := testBreaker(4)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("breaker must not trip below MinRequests")
	}
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("expected breaker to trip once MinRequests is reached")
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clock := testBreaker(0)
	b.RecordFailure()

	clock.advance(5 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("half-open breaker should allow one probe")
	}
	if b.Allow() {
		t.Fatal("half-open breaker should allow only one probe")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after a good probe, got %v", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := testBreaker(0)
	b.RecordFailure()
	clock.advance(6 * time.Second)

	if !b.Allow() {
		t.Fatal("expected a probe")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after a failed probe, got %v", b.State())
	}
}

func TestBreaker_WindowForgetsOldFailures(t *testing.T) {
	b, clock := testBreaker(2)
	b.RecordFailure()
	clock.advance(11 * time.Second)
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()

	// 1 of 3 calls in the window failed
	if b.State() != StateClosed {
		t.Fatalf("expected closed once the old failure left the window, got %v", b.State())
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := testBreaker(0)
	benign := errors.New("not found")
	boom := errors.New("connection refused")
	isFailure := func(err error) bool { return !errors.Is(err, benign) }

	if err := b.Do(func() error { return benign }, isFailure); !errors.Is(err, benign) {
		t.Fatalf("expected the call error back, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatal("benign errors must not trip the breaker")
	}

	_ = b.Do(func() error { return boom }, isFailure)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil }, isFailure)
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("expected ErrOpen without calling fn, got %v (called=%v)", err, called)
	}
}
