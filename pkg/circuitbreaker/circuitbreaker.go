package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling fn while the breaker rejects work.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold    int           // consecutive failures that open the breaker
	SuccessThreshold    int           // half-open successes needed to close again
	Cooldown            time.Duration // time spent open before probing
	MaxRequestsHalfOpen int           // concurrent probes allowed while half-open

	// IsFailure decides which errors count against the breaker. Nil counts
	// every error except context cancellation.
	IsFailure func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Cooldown:            30 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	inFlight  int
	rejected  uint64
	changedAt time.Time
	lastError error

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxRequestsHalfOpen <= 0 {
		config.MaxRequestsHalfOpen = 1
	}
	cb := &CircuitBreaker{config: config, now: time.Now}
	cb.changedAt = cb.now()
	return cb
}

// OnStateChange registers fn to run, on its own goroutine, after each transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open. Errors from fn are returned
// unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := Do(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do is Execute for functions with a result.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	halfOpen, ok := cb.admit()
	if !ok {
		return zero, ErrOpen
	}
	result, err := fn()
	cb.record(halfOpen, err)
	return result, err
}

func (cb *CircuitBreaker) admit() (halfOpen bool, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.changedAt) >= cb.config.Cooldown {
		cb.transitionTo(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		cb.rejected++
		return false, false
	case StateHalfOpen:
		if cb.inFlight >= cb.config.MaxRequestsHalfOpen {
			cb.rejected++
			return true, false
		}
		cb.inFlight++
		return true, true
	default:
		return false, true
	}
}

func (cb *CircuitBreaker) record(halfOpen bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if halfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}
	// A probe admitted before the breaker moved on says nothing about the
	// current state.
	if halfOpen && cb.state != StateHalfOpen {
		return
	}

	if err != nil && cb.countsAsFailure(err) {
		cb.lastError = err
		cb.successes = 0
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
		return
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if cb.config.IsFailure != nil {
		return cb.config.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}

func (cb *CircuitBreaker) transitionTo(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.changedAt = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0

	if fn := cb.onStateChange; fn != nil {
		go fn(prev, next)
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

type Stats struct {
	State     State
	Failures  int
	Rejected  uint64
	ChangedAt time.Time
	LastError error
}

func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:     cb.state,
		Failures:  cb.failures,
		Rejected:  cb.rejected,
		ChangedAt: cb.changedAt,
		LastError: cb.lastError,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
	cb.failures = 0
}
