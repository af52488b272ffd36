// Package backoff computes retry delays for transiently failed jobs.
// All strategies are stateless and safe for concurrent use.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait after failed attempt n (1-indexed)
	// before the job becomes leasable again.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay after every failed attempt, starting at
// Initial and capped at Max. Jitter in (0, 1] subtracts a random fraction
// of up to Jitter*delay so that retries of jobs that failed together
// spread out.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// NewExponential creates an exponential strategy without jitter.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// WithJitter returns a copy of e using the given jitter fraction.
func (e *Exponential) WithJitter(fraction float64) *Exponential {
	cp := *e
	switch {
	case fraction < 0:
		cp.Jitter = 0
	case fraction > 1:
		cp.Jitter = 1
	default:
		cp.Jitter = fraction
	}
	return &cp
}

// Delay returns min(Initial * 2^(attempt-1), Max), less any jitter.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			d = e.Max
			break
		}
		if d <= 0 { // overflow
			d = e.Max
			break
		}
	}
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	if e.Jitter > 0 && d > 0 {
		d -= time.Duration(rand.Float64() * e.Jitter * float64(d)) //nolint:gosec // jitter does not need crypto rand
	}
	return d
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the queue's default: exponential from 1s capped at
// 1m with 20% jitter.
func DefaultStrategy() Strategy {
	return NewExponential(time.Second, time.Minute).WithJitter(0.2)
}
