// Package resilience guards opening voice sessions against a model endpoint
// that keeps failing.
//
// [CircuitBreaker] counts consecutive connect failures. Once the limit is
// reached it rejects new attempts with [ErrCircuitOpen] for a cool-down
// period, then lets exactly one probe through: a successful probe closes the
// breaker and a failed one opens it again.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// is rejecting calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the breaker's operating mode.
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

// Transition describes one state change.
type Transition struct {
	Name     string
	From, To State

	// Failures is the consecutive failure count when the change happened.
	Failures int
}

// CircuitBreakerConfig configures a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels transitions, e.g. "connect/gemini-live".
	Name string

	// MaxFailures consecutive failures open the breaker. Default 3.
	MaxFailures int

	// ResetTimeout is the cool-down before a probe is allowed. Default 30s.
	ResetTimeout time.Duration

	// IsFailure reports whether an error counts against the breaker. Errors
	// it rejects neither count nor reset the failure streak. Nil counts
	// every error.
	IsFailure func(error) bool

	// OnTransition is called after every state change, outside the lock.
	OnTransition func(Transition)

	Now func() time.Time
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute calls fn unless the breaker is rejecting calls, and returns fn's
// error unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.acquire()
	if err != nil {
		return err
	}
	err = fn()
	cb.release(probe, err)
	return err
}

// acquire admits a call. probe is true when the call is the single
// half-open trial.
func (cb *CircuitBreaker) acquire() (probe bool, err error) {
	var changes []Transition
	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		changes = append(changes, cb.move(StateHalfOpen))
	}
	if cb.state == StateHalfOpen {
		if cb.probing {
			err = ErrCircuitOpen
		} else {
			cb.probing, probe = true, true
		}
	}
	cb.mu.Unlock()
	cb.notify(changes)
	return probe, err
}

func (cb *CircuitBreaker) release(probe bool, err error) {
	failed := err != nil && cb.cfg.IsFailure(err)

	var changes []Transition
	cb.mu.Lock()
	switch {
	case probe:
		// An ignored error just frees the probe slot.
		cb.probing = false
		if failed {
			cb.failures++
			changes = append(changes, cb.move(StateOpen))
		} else if err == nil {
			changes = append(changes, cb.move(StateClosed))
		}
	case failed:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			changes = append(changes, cb.move(StateOpen))
		}
	case err == nil && cb.state == StateClosed:
		cb.failures = 0
	}
	cb.mu.Unlock()
	cb.notify(changes)
}

// move must be called with cb.mu held.
func (cb *CircuitBreaker) move(to State) Transition {
	t := Transition{Name: cb.cfg.Name, From: cb.state, To: to, Failures: cb.failures}
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
	case StateClosed:
		cb.failures = 0
	}
	return t
}

func (cb *CircuitBreaker) notify(changes []Transition) {
	if cb.cfg.OnTransition == nil {
		return
	}
	for _, t := range changes {
		cb.cfg.OnTransition(t)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen] before the next call moves it there.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// RetryAfter returns the remaining cool-down, or 0 when a call would be
// attempted now.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	return max(cb.cfg.ResetTimeout-cb.cfg.Now().Sub(cb.openedAt), 0)
}
