package processor

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy computes jittered exponential delays for rescheduled queue
// entries. Crawl targets rate-limit aggressively, so the delays are measured
// in minutes rather than the milliseconds a local service would use.
type RetryPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewRetryPolicy builds a policy; non-positive arguments fall back to the
// defaults of 30s base and 15m cap.
func NewRetryPolicy(base, max time.Duration) *RetryPolicy {
	if base <= 0 {
		base = 30 * time.Second
	}
	if max <= 0 {
		max = 15 * time.Minute
	}
	return &RetryPolicy{baseDelay: base, maxDelay: max}
}

// Backoff returns the wait before the next attempt. retryCount is the number
// of attempts already made (0 for the first retry).
func (p *RetryPolicy) Backoff(retryCount int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(retryCount))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
