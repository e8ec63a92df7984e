// Package guards implements the resource-protection layer: the LLM
// rate limiter, per-collaborator circuit breakers, and the retry
// handler.
package guards

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

// LLMRateLimiter is a cooperative-wait token bucket limiter, one per
// LLM provider. Callers that exceed the configured rate block until a
// token frees up, up to maxWait; beyond that the call fails with
// RATE_LIMITED instead of letting requests queue unbounded.
type LLMRateLimiter struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewLLMRateLimiter builds a limiter allowing requestsPerMin tokens per
// minute with a minimum inter-call gap (burst of 1, since the spec
// requires a minimum gap rather than bursty consumption).
func NewLLMRateLimiter(requestsPerMin int, minGap time.Duration, maxWait time.Duration) *LLMRateLimiter {
	r := rate.Every(minGap)
	if requestsPerMin > 0 {
		perMinRate := rate.Limit(float64(requestsPerMin) / 60.0)
		if float64(r) > float64(perMinRate) {
			// minGap is looser than requestsPerMin implies; the per-minute
			// rate is the binding constraint.
			r = perMinRate
		}
	}
	return &LLMRateLimiter{
		limiter: rate.NewLimiter(r, 1),
		maxWait: maxWait,
	}
}

// Wait blocks until a token is available or ctx/maxWait is exceeded.
// It returns a RATE_LIMITED fraud.Error past the wait budget rather
// than blocking the calling worker indefinitely.
func (l *LLMRateLimiter) Wait(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if err := l.limiter.Wait(waitCtx); err != nil {
		return fraud.Wrap(fraud.RateLimited, err)
	}
	return nil
}

// Allow reports whether a call may proceed immediately without
// blocking, for callers that would rather skip than wait.
func (l *LLMRateLimiter) Allow() bool {
	return l.limiter.Allow()
}
