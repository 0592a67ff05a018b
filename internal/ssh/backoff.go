package ssh

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff is the connect retry policy: exponential growth from Initial,
// capped at Max, plus full jitter drawn from [0, base).
//
// The zero values of Jitter and Sleep select a uniform random draw and a
// context-aware timer; tests replace them to make delays deterministic.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	// Jitter returns a value in [0, n). It is never called with n <= 0.
	Jitter func(n time.Duration) time.Duration

	// Sleep parks the caller for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// RetryFunc is one attempt; attempt numbering starts at 1.
type RetryFunc func(ctx context.Context, attempt int) error

// RetryHook observes a failed attempt that will be retried after delay.
type RetryHook func(attempt int, delay time.Duration, err error)

// Base returns the un-jittered delay after the given failed attempt:
// min(Initial * 2^(attempt-1), Max).
func (b Backoff) Base(attempt int) time.Duration {
	if attempt < 1 || b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		if d > (1<<62)/2 {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Delay returns Base(attempt) plus a jitter draw in [0, Base(attempt)).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base(attempt)
	if base <= 0 {
		return 0
	}
	jitter := b.jitter(base)
	if jitter < 0 || jitter >= base {
		jitter = 0
	}
	return base + jitter
}

// Retry runs fn up to maxAttempts times, sleeping Delay(i) after failed
// attempt i. It never sleeps after the final attempt, and it stops early
// when fn returns a non-retryable error or ctx is done. It returns the
// number of attempts made and the last error.
func (b Backoff) Retry(ctx context.Context, maxAttempts int, fn RetryFunc, hook RetryHook) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt - 1, lastErr
		}

		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == maxAttempts {
			return attempt, err
		}

		delay := b.Delay(attempt)
		if hook != nil {
			hook(attempt, delay, err)
		}
		if err := b.sleep(ctx, delay); err != nil {
			return attempt, lastErr
		}
	}
	return maxAttempts, lastErr
}

func (b Backoff) jitter(n time.Duration) time.Duration {
	if b.Jitter != nil {
		return b.Jitter(n)
	}
	return time.Duration(rand.Int64N(int64(n)))
}

func (b Backoff) sleep(ctx context.Context, d time.Duration) error {
	if b.Sleep != nil {
		return b.Sleep(ctx, d)
	}
	return sleepWithContext(ctx, d)
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
