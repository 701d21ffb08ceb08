// Package retry provides bounded exponential backoff for transient lifecycle
// failures. The executor is an explicit decorator over an operation and a
// policy so backoff parameters stay visible and testable in isolation.
package retry

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy encapsulates retry/backoff settings for transient failures.
// It is immutable after construction.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the first retry
	Multiplier  float64       // growth factor per retry
	MaxDelay    time.Duration // cap for growth
	Jitter      float64       // +/- fraction applied to each delay (0..1)
}

// DefaultPolicy returns a sensible default policy (3 attempts, 500ms base,
// doubling, 10s cap, 20% jitter).
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2.0, MaxDelay: 10 * time.Second, Jitter: 0.2}
}

// NewPolicy builds a policy from raw fields; zero/invalid values fall back to defaults.
func NewPolicy(maxAttempts int, base time.Duration, multiplier float64, maxDelay time.Duration, jitter float64) Policy {
	p := DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if base > 0 {
		p.BaseDelay = base
	}
	if multiplier >= 1 {
		p.Multiplier = multiplier
	}
	if maxDelay > 0 {
		p.MaxDelay = maxDelay
	}
	if jitter >= 0 && jitter < 1 {
		p.Jitter = jitter
	}
	if p.BaseDelay > p.MaxDelay {
		p.BaseDelay = p.MaxDelay
	}
	return p
}

// Delay returns the backoff delay for the given retry attempt number
// (1-based: first retry => 1). Jitter is applied symmetrically.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := float64(p.BaseDelay)
	for i := 1; i < retryCount; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		// spread in [d*(1-jitter), d*(1+jitter)]
		d = d * (1 - p.Jitter + 2*p.Jitter*rand.Float64())
	}
	return time.Duration(d)
}

// MinTotalDelay returns the sum of un-jittered delays for n retries. Tests use
// this to assert elapsed-time lower bounds.
func (p Policy) MinTotalDelay(retries int) time.Duration {
	var total time.Duration
	for i := 1; i <= retries; i++ {
		d := float64(p.BaseDelay)
		for j := 1; j < i; j++ {
			d *= p.Multiplier
			if d >= float64(p.MaxDelay) {
				d = float64(p.MaxDelay)
				break
			}
		}
		total += time.Duration(d * (1 - p.Jitter))
	}
	return total
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1")
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be > 0")
	}
	if p.MaxDelay <= 0 {
		return fmt.Errorf("max delay must be > 0")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0,1)")
	}
	return nil
}
