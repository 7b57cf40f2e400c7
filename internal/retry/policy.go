// Package retry decides how long a failed task waits before its next attempt
// and how many attempts it gets before dead-letter.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"docket/internal/config"
)

const (
	DefaultBudget    = 5
	DefaultBaseDelay = 90 * time.Second
	DefaultMaxDelay  = time.Hour
)

// Policy is exponential backoff with multiplicative jitter:
// min(max, base*2^(attempt-1)) scaled by a factor drawn from [0.5, 1.5).
type Policy struct {
	budget int
	base   time.Duration
	max    time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customizes a Policy.
type Option func(*Policy)

// WithRand fixes the jitter source. Tests pass a seeded generator.
func WithRand(rng *rand.Rand) Option {
	return func(p *Policy) {
		if rng != nil {
			p.rng = rng
		}
	}
}

// New builds a policy. Non-positive values fall back to the defaults.
func New(budget int, base, max time.Duration, opts ...Option) *Policy {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max < base {
		max = base
	}
	p := &Policy{
		budget: budget,
		base:   base,
		max:    max,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StageFromConfig returns the stage task policy.
func StageFromConfig(cfg *config.Config, opts ...Option) *Policy {
	return New(cfg.Retry.Budget, seconds(cfg.Retry.BaseDelaySeconds), seconds(cfg.Retry.MaxDelaySeconds), opts...)
}

// OutboxFromConfig returns the outbox delivery policy.
func OutboxFromConfig(cfg *config.Config, opts ...Option) *Policy {
	return New(cfg.Retry.OutboxBudget, seconds(cfg.Retry.BaseDelaySeconds), seconds(cfg.Retry.MaxDelaySeconds), opts...)
}

// Budget is the attempt count at which a task is dead-lettered.
func (p *Policy) Budget() int {
	return p.budget
}

// Delay returns the wait before the attempt after attempt. attempt is 1-based.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.max
	// base << 62 would overflow long before it matters; stop doubling at max.
	if shift := attempt - 1; shift < 62 {
		if d := p.base << shift; d > 0 && d < p.max {
			delay = d
		}
	}

	p.mu.Lock()
	factor := 0.5 + p.rng.Float64()
	p.mu.Unlock()

	return time.Duration(float64(delay) * factor)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
