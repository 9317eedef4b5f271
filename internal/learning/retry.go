package learning

import (
	"context"
	"math"
	"time"
)

// Backoff is a bounded exponential retry policy.
type Backoff struct {
	// Attempts is the total number of tries, first one included.
	Attempts int
	// BaseDelay is the wait after the first failure; it doubles each time.
	BaseDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
}

// DefaultBackoff is three attempts starting at 200ms.
var DefaultBackoff = Backoff{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// Delay returns the wait after the given zero-based failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := time.Duration(float64(b.BaseDelay) * math.Pow(2, float64(attempt)))
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// Retry calls fn until it succeeds, retryable reports false, the attempts
// are exhausted, or ctx is done. It returns the number of attempts made and
// the last error.
func (b Backoff) Retry(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) (int, error) {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if retryable != nil && !retryable(lastErr) {
			return attempt + 1, lastErr
		}
		if attempt == attempts-1 {
			return attempt + 1, lastErr
		}
		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, lastErr
		case <-timer.C:
		}
	}
	return attempts, lastErr
}
