package retry

import (
	"time"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/backoff"
	"github.com/inimical023/callflow/envelope"
)

// Policy holds the attempt budgets and the backoff strategy.
type Policy struct {
	// DefaultMaxAttempts applies to event types without an explicit budget.
	DefaultMaxAttempts int

	// MaxAttempts maps an event type to its attempt budget.
	MaxAttempts map[envelope.Type]int

	Backoff backoff.Strategy
}

// DefaultPolicy returns the budgets of callflow.DefaultConfig with
// exponential backoff and full jitter between 1s and 1m.
func DefaultPolicy() Policy {
	return PolicyFromConfig(callflow.DefaultConfig().Retry)
}

// PolicyFromConfig builds a Policy from the engine configuration.
func PolicyFromConfig(c callflow.RetryConfig) Policy {
	p := Policy{
		DefaultMaxAttempts: c.DefaultMaxAttempts,
		MaxAttempts:        make(map[envelope.Type]int, len(c.MaxAttempts)),
		Backoff:            backoff.NewExponentialWithJitter(c.InitialBackoff, c.MaxBackoff),
	}
	for t, n := range c.MaxAttempts {
		p.MaxAttempts[envelope.Type(t)] = n
	}
	if c.InitialBackoff <= 0 {
		p.Backoff = backoff.DefaultStrategy()
	}
	return p
}

// MaxFor returns the attempt budget for t. It is never below 1.
func (p Policy) MaxFor(t envelope.Type) int {
	n, ok := p.MaxAttempts[t]
	if !ok || n <= 0 {
		n = p.DefaultMaxAttempts
	}
	if n <= 0 {
		n = 1
	}
	return n
}

// Delay returns the wait before the attempt following attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return backoff.DefaultStrategy().Delay(attempt)
	}
	return p.Backoff.Delay(attempt)
}
