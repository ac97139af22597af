package httpclient

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the retries of a single upstream call.
type RetryPolicy struct {
	// Retries after the first attempt
	MaxRetries    int           `json:"max_retries"`
	BaseDelay     time.Duration `json:"base_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`

	// Upper bound (exclusive) of the random delay added to every backoff
	MaxJitter time.Duration `json:"max_jitter"`
}

// DefaultRetryPolicy returns 3 retries, 1s base, 10s cap, factor 2, 1s jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
		MaxJitter:     time.Second,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetryPolicy()
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 2
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	return p
}

// Delay returns the backoff before retry number attempt (0-based), without
// jitter: min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Backoff returns Delay(attempt) plus jitter in [0, MaxJitter).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.MaxJitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.MaxJitter)))
	}
	return d
}
