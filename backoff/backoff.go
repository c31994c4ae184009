// Package backoff computes retry delays. Strategies are stateless and safe
// for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait after failed attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Func adapts a function to a Strategy.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Constant returns the same delay for every attempt.
func Constant(d time.Duration) Strategy {
	return Func(func(int) time.Duration { return d })
}

// Jitter selects how randomness is applied to an exponential delay.
type Jitter int

const (
	// NoJitter returns the exponential delay unchanged.
	NoJitter Jitter = iota
	// FullJitter returns a uniform value in [0, delay].
	FullJitter
	// EqualJitter returns delay/2 plus a uniform value in [0, delay/2].
	EqualJitter
)

// Exponential doubles the delay each attempt up to Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  Jitter
}

// NewExponential returns an exponential strategy without jitter.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// NewExponentialWithJitter returns an exponential strategy with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Jitter: FullJitter}
}

// Delay implements Strategy.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	switch e.Jitter {
	case FullJitter:
		return time.Duration(rand.Float64() * base) //nolint:gosec // jitter does not need crypto rand
	case EqualJitter:
		half := base / 2
		return time.Duration(half + rand.Float64()*half) //nolint:gosec // jitter does not need crypto rand
	default:
		return time.Duration(base)
	}
}

// DefaultStrategy is exponential with full jitter, 1s initial, 1m cap.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(time.Second, time.Minute)
}
