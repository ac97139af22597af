// Package circuitbreaker isolates a failing upstream so that callers fail fast
// instead of piling more requests onto it.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is matched by every error returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, calls fail fast
	StateHalfOpen              // One probe call is allowed through
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

// OpenError is returned when a call is rejected without being attempted.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is reports ErrCircuitOpen equivalence for errors.Is.
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Config holds the thresholds of a single breaker.
type Config struct {
	// Consecutive failures that trip the breaker
	FailureThreshold int `json:"failure_threshold"`

	// How long the breaker stays open before a probe is allowed
	OpenDuration time.Duration `json:"open_duration"`

	// Failures further apart than this do not accumulate
	MonitoringPeriod time.Duration `json:"monitoring_period"`

	// Called on every state transition, outside the lock
	OnStateChange func(name string, from, to State) `json:"-"`
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     60 * time.Second,
		MonitoringPeriod: 2 * time.Minute,
	}
}

// probeRetryAfter is the hint given to callers rejected while the half-open
// probe runs.
const probeRetryAfter = time.Second

// CircuitBreaker guards one upstream target. A single instance is shared by
// every caller of that target.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	probeInFlight bool

	// now is replaced in tests
	now func() time.Time
}

// Snapshot is a point-in-time view of a breaker, used for status reporting.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	Threshold   int       `json:"threshold"`
}

// New creates a closed breaker. Zero config values fall back to DefaultConfig.
func New(name string, cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = def.MonitoringPeriod
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the upstream name the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs op unless the breaker is open. The error returned by op is
// passed through unchanged; only rejected calls return an *OpenError. A panic
// in op counts as a failure and is re-raised.
func (cb *CircuitBreaker) Execute(op func() error) error {
	probe, err := cb.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.after(probe, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	opErr := op()
	cb.after(probe, opErr)
	return opErr
}

// before decides whether a call may proceed and reports whether it is the
// half-open probe.
func (cb *CircuitBreaker) before() (bool, error) {
	cb.mu.Lock()

	switch cb.state {
	case StateOpen:
		elapsed := cb.now().Sub(cb.lastFailure)
		if elapsed < cb.cfg.OpenDuration {
			cb.mu.Unlock()
			return false, &OpenError{Name: cb.name, RetryAfter: cb.cfg.OpenDuration - elapsed}
		}
		cb.probeInFlight = true
		transition := cb.setState(StateHalfOpen)
		cb.mu.Unlock()
		transition()
		return true, nil
	case StateHalfOpen:
		if cb.probeInFlight {
			cb.mu.Unlock()
			return false, &OpenError{Name: cb.name, RetryAfter: min(probeRetryAfter, cb.cfg.OpenDuration)}
		}
		cb.probeInFlight = true
		cb.mu.Unlock()
		return true, nil
	default:
		cb.mu.Unlock()
		return false, nil
	}
}

// after records the outcome of a call.
func (cb *CircuitBreaker) after(probe bool, err error) {
	cb.mu.Lock()
	if probe {
		cb.probeInFlight = false
	}

	transition := func() {}
	if err == nil {
		cb.failures = 0
		if cb.state != StateClosed {
			transition = cb.setState(StateClosed)
		}
		cb.mu.Unlock()
		transition()
		return
	}

	now := cb.now()
	if cb.state == StateClosed && !cb.lastFailure.IsZero() && now.Sub(cb.lastFailure) > cb.cfg.MonitoringPeriod {
		cb.failures = 0
	}
	cb.failures++
	cb.lastFailure = now

	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold) {
		transition = cb.setState(StateOpen)
	}
	cb.mu.Unlock()
	transition()
}

// setState must be called with the lock held. The returned func logs and
// notifies, and must be called after the lock is released.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	failures := cb.failures
	return func() {
		entry := logrus.WithFields(logrus.Fields{
			"upstream": cb.name,
			"from":     from.String(),
			"to":       to.String(),
			"failures": failures,
		})
		if to == StateOpen {
			entry.Warn("Circuit breaker tripped")
		} else {
			entry.Info("Circuit breaker state changed")
		}
		if cb.cfg.OnStateChange != nil {
			cb.cfg.OnStateChange(cb.name, from, to)
		}
	}
}

// State returns the current state without advancing it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Snapshot returns the breaker's state for status endpoints.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:        cb.name,
		State:       cb.state.String(),
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		Threshold:   cb.cfg.FailureThreshold,
	}
}

// Reset forcibly closes the breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.probeInFlight = false
	transition := cb.setState(StateClosed)
	cb.mu.Unlock()
	transition()
	logrus.WithField("upstream", cb.name).Info("Circuit breaker manually reset to closed state")
}
