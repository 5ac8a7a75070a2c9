package retry

import (
	"math"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultMultiplier = 2.0
)

// Class tells the policy how a failed attempt should be treated.
type Class int

const (
	Permanent Class = iota
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// Policy decides between retrying and failing, and how long to wait before a retry.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Multiplier: DefaultMultiplier,
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide reports whether a failure of the given class, after retryCount previous
// retries, should be retried. The delay is computed for the retry that would follow.
func (p Policy) Decide(class Class, retryCount int) Decision {
	if class != Transient || retryCount >= p.MaxRetries {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay(retryCount + 1)}
}

// Delay returns the wait before the given retry attempt (1-based):
// min(base * multiplier^(attempt-1), max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d < 0 || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
