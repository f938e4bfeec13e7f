package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errStore = errors.New("store unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	cb := New(cfg)
	cb.now = clock.Now
	cb.changedAt = clock.Now()
	return cb, clock
}

func fail() error    { return errStore }
func succeed() error { return nil }

func TestCircuitBreaker_PassesErrorsThrough(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig())

	err := cb.Execute(context.Background(), fail)
	if !errors.Is(err, errStore) {
		t.Fatalf("expected the wrapped function error, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("single failure should not open, state %v", cb.GetState())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cb, _ := newTestBreaker(cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %v", cb.GetState())
	}

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("open breaker must not call fn")
	}
	if got := cb.GetStats().Rejected; got != 1 {
		t.Fatalf("expected 1 rejection, got %d", got)
	}
}

func TestCircuitBreaker_SuccessResetsFailureRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cb, _ := newTestBreaker(cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)
	if cb.GetState() != StateClosed {
		t.Fatalf("non-consecutive failures opened the breaker")
	}
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Second, MaxRequestsHalfOpen: 1}
	cb, clock := newTestBreaker(cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %v", cb.GetState())
	}

	clock.Advance(time.Second)
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open after first probe, got %v", cb.GetState())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("second probe rejected: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Second, MaxRequestsHalfOpen: 1}
	cb, clock := newTestBreaker(cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)
	_ = cb.Execute(ctx, fail)

	if cb.GetState() != StateOpen {
		t.Fatalf("expected open again, got %v", cb.GetState())
	}
	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("cooldown should restart, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Second, MaxRequestsHalfOpen: 1}
	cb, clock := newTestBreaker(cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("second concurrent probe should be rejected, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_IgnoresCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cb, _ := newTestBreaker(cfg)

	_ = cb.Execute(context.Background(), func() error { return context.Canceled })
	if cb.GetState() != StateClosed {
		t.Fatalf("cancellation should not count, state %v", cb.GetState())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cb.Execute(ctx, succeed); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ctx error, got %v", err)
	}
}

func TestCircuitBreaker_CustomFailureFilter(t *testing.T) {
	notFound := errors.New("not found")
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, notFound) }
	cb, _ := newTestBreaker(cfg)

	_ = cb.Execute(context.Background(), func() error { return notFound })
	if cb.GetState() != StateClosed {
		t.Fatalf("filtered error opened the breaker")
	}
}

func TestDo_ReturnsResult(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig())
	got, err := Do(context.Background(), cb, func() (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Fatalf("got %d, %v", got, err)
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cb, _ := newTestBreaker(cfg)

	changes := make(chan [2]State, 2)
	cb.OnStateChange(func(from, to State) { changes <- [2]State{from, to} })

	_ = cb.Execute(context.Background(), fail)
	select {
	case c := <-changes:
		if c[0] != StateClosed || c[1] != StateOpen {
			t.Fatalf("unexpected transition %v -> %v", c[0], c[1])
		}
	case <-time.After(time.Second):
		t.Fatal("state change callback not called")
	}

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("reset did not close the breaker")
	}
}
