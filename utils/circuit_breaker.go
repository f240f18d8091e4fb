package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests when circuit breaker is half open")
)

// CircuitBreaker guards calls to an outside dependency such as a payment
// gateway. It opens after a run of consecutive failures (or a failure ratio
// over a minimum volume) and lets a limited number of probes through once
// the open timeout has passed.
type CircuitBreaker struct {
	name                string
	maxHalfOpenRequests uint32
	minRequests         uint32
	consecutiveTrip     uint32
	interval            time.Duration
	timeout             time.Duration
	failureRatio        float64
	now                 func() time.Time

	mutex      sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type BreakerOption func(*CircuitBreaker)

func WithBreakerTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.timeout = d }
}

func WithConsecutiveFailures(n uint32) BreakerOption {
	return func(cb *CircuitBreaker) { cb.consecutiveTrip = n }
}

func WithFailureRatio(ratio float64, minRequests uint32) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureRatio = ratio
		cb.minRequests = minRequests
	}
}

func withClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

func NewCircuitBreaker(name string, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:                name,
		maxHalfOpenRequests: 1,
		minRequests:         20,
		consecutiveTrip:     5,
		interval:            60 * time.Second,
		timeout:             30 * time.Second,
		failureRatio:        0.6,
		now:                 time.Now,
		state:               StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.toNewGeneration(cb.now())
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	state, _ := cb.currentState(cb.now())
	return state
}

// Execute runs req if the breaker allows it and records the outcome.
// Context cancellation is not counted as a dependency failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if e := recover(); e != nil {
			cb.afterRequest(generation, false)
			panic(e)
		}
	}()

	result, err := req()
	failed := err != nil && !errors.Is(err, context.Canceled)
	cb.afterRequest(generation, !failed)
	return result, err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, generation := cb.currentState(cb.now())

	if state == StateOpen {
		return generation, ErrCircuitOpen
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.maxHalfOpenRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0

	if state == StateHalfOpen || cb.readyToTrip() {
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) readyToTrip() bool {
	if cb.consecutiveTrip > 0 && cb.counts.ConsecutiveFailures >= cb.consecutiveTrip {
		return true
	}
	return cb.counts.Requests >= cb.minRequests &&
		float64(cb.counts.TotalFailures)/float64(cb.counts.Requests) >= cb.failureRatio
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	cb.state = state
	cb.toNewGeneration(now)
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	switch cb.state {
	case StateClosed:
		cb.expiry = now.Add(cb.interval)
	case StateOpen:
		cb.expiry = now.Add(cb.timeout)
	default:
		cb.expiry = time.Time{}
	}
}
