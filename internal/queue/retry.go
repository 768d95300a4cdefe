package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides whether a failed entry is retried and how long it waits.
type RetryPolicy struct {
	MaxRetryCount int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// ShouldRetry reports whether an entry that has now failed retryCount times
// goes back to the queue.
func (p RetryPolicy) ShouldRetry(retryCount int) bool {
	return retryCount < p.MaxRetryCount
}

// Delay returns the wait before attempt number attempt (1-based):
// min(MaxDelay, BaseDelay * 2^(attempt-1)). A positive hint from the transport
// replaces the computed delay and is clamped to MaxDelay.
func (p RetryPolicy) Delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return p.clamp(hint)
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	b := p.newBackOff()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		next := b.NextBackOff()
		if next == d && p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d = next
	}
	return p.clamp(d)
}

// newBackOff returns a deterministic doubling backoff starting at BaseDelay.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	} else {
		b.MaxInterval = time.Duration(1<<62 - 1)
	}
	b.Reset()
	return b
}

func (p RetryPolicy) clamp(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
