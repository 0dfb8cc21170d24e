package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes exponential delays for a policy
type Backoff struct {
	policy Policy

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a backoff calculator for the policy
func NewBackoff(policy Policy) *Backoff {
	return &Backoff{
		policy: policy,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Base returns the pre-jitter delay before retry number attempt (1-based):
// min(base * multiplier^(attempt-1), max).
func (b *Backoff) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.policy.BaseDelay) * math.Pow(b.policy.Multiplier, float64(attempt-1))
	if capped := float64(b.policy.MaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// Calculate returns the delay before retry number attempt (1-based),
// including jitter when the policy enables it.
func (b *Backoff) Calculate(attempt int) time.Duration {
	delay := b.Base(attempt)
	if b.policy.JitterFraction <= 0 {
		return delay
	}

	b.mu.Lock()
	jitter := time.Duration(b.rng.Float64() * b.policy.JitterFraction * float64(delay))
	b.mu.Unlock()

	return delay + jitter
}
