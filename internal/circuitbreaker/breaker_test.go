package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream exploded")

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
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New("test", cfg)
	cb.now = clock.Now
	return cb, clock
}

func failing() error { return errUpstream }
func succeeding() error { return nil }

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := New("defaults", Config{})
	assert.Equal(t, StateClosed, cb.State(), "Circuit breaker should start closed")
	assert.Equal(t, 5, cb.cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, cb.cfg.OpenDuration)
	assert.Equal(t, 2*time.Minute, cb.cfg.MonitoringPeriod)
}

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 3, OpenDuration: time.Minute})

	for i := 0; i < 3; i++ {
		err := cb.Execute(failing)
		assert.ErrorIs(t, err, errUpstream, "Original error should be propagated")
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, StateOpen, cb.State(), "Circuit should be open after threshold failures")

	invoked := false
	err := cb.Execute(func() error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen, "Fourth call should fail fast")
	assert.False(t, invoked, "Operation must not run while the circuit is open")

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test", openErr.Name)
	assert.Equal(t, time.Minute, openErr.RetryAfter)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 3})

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	assert.Equal(t, 2, cb.Failures())

	require.NoError(t, cb.Execute(succeeding))
	assert.Equal(t, 0, cb.Failures())

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	assert.Equal(t, StateClosed, cb.State(), "Failures are counted consecutively")
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 3, OpenDuration: 30 * time.Second})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(failing)
	}
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, cb.Execute(succeeding), ErrCircuitOpen, "Still inside the open window")

	clock.Advance(2 * time.Second)
	var stateDuringProbe State
	err := cb.Execute(func() error {
		stateDuringProbe = cb.State()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, stateDuringProbe, "Probe runs in half-open state")
	assert.Equal(t, StateClosed, cb.State(), "Successful probe closes the circuit")
	assert.Equal(t, 0, cb.Failures(), "Successful probe resets the failure counter")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 2, OpenDuration: 10 * time.Second})

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(11 * time.Second)
	err := cb.Execute(failing)
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, cb.State(), "Failed probe reopens the circuit")

	assert.ErrorIs(t, cb.Execute(succeeding), ErrCircuitOpen, "Open window restarts from the probe failure")
}

func TestCircuitBreaker_SingleProbeInHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Second})
	_ = cb.Execute(failing)
	clock.Advance(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Execute(succeeding)
	assert.ErrorIs(t, err, ErrCircuitOpen, "Concurrent callers fail fast while the probe runs")
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, time.Second, openErr.RetryAfter, "Rejected callers are told to back off")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_PanickingProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Second})
	_ = cb.Execute(failing)
	clock.Advance(2 * time.Second)

	assert.PanicsWithValue(t, "boom", func() {
		_ = cb.Execute(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State(), "A panicking probe counts as a failure")

	clock.Advance(2 * time.Second)
	calls := 0
	require.NoError(t, cb.Execute(func() error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls, "The next probe is admitted")
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_PanicCountsAsFailureWhenClosed(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 2})

	assert.Panics(t, func() {
		_ = cb.Execute(func() error { panic("boom") })
	})
	assert.Equal(t, 1, cb.Failures())
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StaleFailuresDoNotAccumulate(t *testing.T) {
	cb, clock := newTestBreaker(Config{FailureThreshold: 3, MonitoringPeriod: time.Minute})

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	clock.Advance(2 * time.Minute)
	_ = cb.Execute(failing)

	assert.Equal(t, 1, cb.Failures(), "Failure count restarts after the monitoring period")
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cb, clock := newTestBreaker(Config{
		FailureThreshold: 1,
		OpenDuration:     time.Second,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(failing)
	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Execute(succeeding))

	assert.Equal(t, []string{
		"test:closed->open",
		"test:open->half-open",
		"test:half-open->closed",
	}, transitions)
}

func TestCircuitBreaker_ManualReset(t *testing.T) {
	cb, _ := newTestBreaker(Config{FailureThreshold: 1, OpenDuration: time.Hour})

	_ = cb.Execute(failing)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State(), "Circuit should be closed after manual reset")
	assert.NoError(t, cb.Execute(succeeding))

	snap := cb.Snapshot()
	assert.Equal(t, "closed", snap.State)
	assert.Equal(t, 0, snap.Failures)
	assert.Equal(t, 1, snap.Threshold)
}

func TestCircuitBreaker_ConcurrentCallers(t *testing.T) {
	cb := New("concurrent", Config{FailureThreshold: 1000})

	var calls atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(func() error {
				calls.Add(1)
				if i%2 == 0 {
					return errUpstream
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(50), calls.Load())
	assert.Equal(t, StateClosed, cb.State())
}
