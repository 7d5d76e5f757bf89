// Package resilience provides circuit breaker and endpoint failover primitives
// for calls to the assessment backend.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) guarding
// one backend endpoint. [FallbackGroup] orders several interchangeable
// endpoints, each behind its own breaker, and moves on to the next endpoint
// when one fails or is open.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax trial calls through. One failed
	// trial re-opens the breaker; HalfOpenMax successful trials close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state change callbacks, usually the
	// endpoint base URL.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before a trial call.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the trial budget of the half-open state. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error returned by the protected call counts
	// against the breaker. Errors it rejects are returned to the caller but
	// treated as a healthy response. When nil, every error except context
	// cancellation counts.
	IsFailure func(error) bool

	// OnStateChange, when set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now is the clock. Defaults to [time.Now].
	Now func() time.Time
}

// defaultIsFailure counts every error except the caller giving up.
func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// transition is a state change waiting to be reported.
type transition struct {
	from, to State
}

// CircuitBreaker guards one endpoint.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero-valued config
// fields take their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
		state:         StateClosed,
	}
}

// Name returns the label the breaker was configured with.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker rejects the call, in which case it
// returns [ErrCircuitOpen] without calling fn. The outcome of fn is recorded
// according to IsFailure and its error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, moved, err := cb.admit()
	cb.report(moved)
	if err != nil {
		return err
	}

	err = fn()

	cb.report(cb.settle(trial, err))
	return err
}

// admit decides whether a call may proceed and reserves a trial slot when
// the breaker is half-open.
func (cb *CircuitBreaker) admit() (trial bool, moved *transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false, nil, ErrCircuitOpen
		}
		moved = cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.halfOpenCalls >= cb.halfOpenMax {
			return false, moved, ErrCircuitOpen
		}
		cb.halfOpenCalls++
		return true, moved, nil
	}
	return false, moved, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(trial bool, err error) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.isFailure(err) {
		cb.lastFailure = cb.now()
		if trial {
			cb.halfOpenFails++
			cb.consecutiveFail = cb.maxFailures
			return cb.setState(StateOpen)
		}
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.maxFailures && cb.state == StateClosed {
			return cb.setState(StateOpen)
		}
		return nil
	}

	if !trial {
		cb.consecutiveFail = 0
		return nil
	}
	if cb.state == StateHalfOpen && cb.halfOpenCalls-cb.halfOpenFails >= cb.halfOpenMax {
		cb.consecutiveFail = 0
		return cb.setState(StateClosed)
	}
	return nil
}

// setState moves the breaker to the given state and resets the trial
// counters. The caller must hold cb.mu and pass the result to report.
func (cb *CircuitBreaker) setState(to State) *transition {
	if cb.state == to {
		return nil
	}
	t := &transition{from: cb.state, to: to}
	cb.state = to
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	return t
}

// report logs a transition and forwards it to OnStateChange.
func (cb *CircuitBreaker) report(t *transition) {
	if t == nil {
		return
	}
	log := slog.Info
	if t.to == StateOpen {
		log = slog.Warn
	}
	log("circuit breaker state changed",
		"name", cb.name,
		"from", t.from.String(),
		"to", t.to.String(),
	)
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, t.from, t.to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call to [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}
