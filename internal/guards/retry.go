package guards

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/enterprise/fraud-orchestrator/internal/fraud"
)

// RetryPolicy implements exponential backoff with jitter, retrying
// only TRANSIENT_IO errors.
type RetryPolicy struct {
	Base        time.Duration
	Factor      float64
	MaxAttempts int
	Cap         time.Duration
}

// NewRetryPolicy builds a policy from the configured defaults (base
// 0.5s, factor 2, max 5 attempts, cap 10s).
func NewRetryPolicy(base time.Duration, factor float64, maxAttempts int, cap time.Duration) *RetryPolicy {
	return &RetryPolicy{Base: base, Factor: factor, MaxAttempts: maxAttempts, Cap: cap}
}

// Do runs fn, retrying on TRANSIENT_IO errors with exponential backoff
// and full jitter until MaxAttempts is reached or ctx is done. An error
// that carries no fraud.Kind counts as TRANSIENT_IO (see fraud.KindOf)
// and is retried; any other kind returns immediately.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !fraud.KindOf(lastErr).Retriable() {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		delay := p.backoff(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (p *RetryPolicy) backoff(attempt int) time.Duration {
	raw := float64(p.Base) * math.Pow(p.Factor, float64(attempt))
	if raw > float64(p.Cap) {
		raw = float64(p.Cap)
	}
	// Full jitter: uniform(0, raw).
	return time.Duration(rand.Float64() * raw)
}
