package client

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultJitter spreads reconnects over [0.75, 1.25] of the nominal delay.
const DefaultJitter = 0.25

type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter is the randomization factor; 0 gives exact delays.
	Jitter float64
}

// Delay is the nominal delay before the given zero-based attempt:
// min(max, initial * multiplier^attempt).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d >= float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// reconnectBackoff wraps the exponential policy. Each Next advances one
// attempt; Reset goes back to the initial delay.
type reconnectBackoff struct {
	policy *backoff.ExponentialBackOff
}

func newReconnectBackoff(cfg BackoffConfig) *reconnectBackoff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialDelay
	policy.Multiplier = cfg.Multiplier
	policy.MaxInterval = cfg.MaxDelay
	policy.RandomizationFactor = cfg.Jitter
	policy.Reset()
	return &reconnectBackoff{policy: policy}
}

func (b *reconnectBackoff) Next() time.Duration {
	return b.policy.NextBackOff()
}

func (b *reconnectBackoff) Reset() {
	b.policy.Reset()
}
