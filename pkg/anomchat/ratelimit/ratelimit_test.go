package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(cfg).WithClock(clock.Now), clock
}

func TestThirtyEventsInAMinute(t *testing.T) {
	l, clock := newTestLimiter(DefaultConfig())

	allowed := 0
	for i := 0; i < 30; i++ {
		if err := l.Allow("5551234@ch"); err == nil {
			allowed++
		} else if !errors.Is(err, ErrRateLimited) {
			t.Fatalf("unexpected error: %v", err)
		}
		clock.Advance(2 * time.Second)
	}

	if allowed != 20 {
		t.Errorf("expected 20 events allowed, got %d", allowed)
	}
	if r := l.Remaining("5551234@ch"); r != 0 {
		t.Errorf("expected 0 remaining, got %d", r)
	}
}

func TestMinimumSpacing(t *testing.T) {
	l, clock := newTestLimiter(DefaultConfig())

	if err := l.Allow("a"); err != nil {
		t.Fatalf("first event: %v", err)
	}

	clock.Advance(500 * time.Millisecond)
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected event 0.5s later to be shed, got %v", err)
	}

	clock.Advance(time.Second)
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected event 1.5s later to be shed, got %v", err)
	}

	clock.Advance(500 * time.Millisecond)
	if err := l.Allow("a"); err != nil {
		t.Errorf("expected event 2s after the first to pass, got %v", err)
	}

	if r := l.Remaining("a"); r != 18 {
		t.Errorf("shed events must not count, remaining = %d", r)
	}
}

func TestChatsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(DefaultConfig())

	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("b"); err != nil {
		t.Errorf("expected a different chat to pass, got %v", err)
	}
	if err := l.Allow("a"); err == nil {
		t.Error("expected immediate repeat in chat a to be shed")
	}
}

func TestWindowReset(t *testing.T) {
	l, clock := newTestLimiter(Config{MinInterval: time.Second, MaxPerWindow: 3, Window: time.Hour})

	for i := 0; i < 3; i++ {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		clock.Advance(10 * time.Minute)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected cap reached, got %v", err)
	}

	// The window opened at the first event, 30 minutes ago.
	clock.Advance(29 * time.Minute)
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected still capped before the hour, got %v", err)
	}

	clock.Advance(time.Minute)
	if err := l.Allow("a"); err != nil {
		t.Errorf("expected reset one hour after the first event, got %v", err)
	}
	if r := l.Remaining("a"); r != 2 {
		t.Errorf("expected 2 remaining in the new window, got %d", r)
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(DefaultConfig())
	_ = l.Allow("a")
	l.Reset("a")
	if err := l.Allow("a"); err != nil {
		t.Errorf("expected Reset to clear spacing, got %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	l := New(Config{})
	if l.cfg.MaxPerWindow != 20 || l.cfg.Window != time.Hour {
		t.Errorf("unexpected defaults %+v", l.cfg)
	}
	if l.cfg.MinInterval != 0 {
		t.Errorf("explicit zero spacing should be kept, got %v", l.cfg.MinInterval)
	}
}
