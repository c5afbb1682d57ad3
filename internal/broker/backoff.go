package broker

import (
	"context"
	"time"

	"github.com/tenzoki/svcbus/internal/svcerr"
)

// IncreasingBackoff retries an operation against the broker link itself
// with a step that grows by stepDelay per attempt, capped at maxDelay,
// up to maxAttempts. Exceeding the cap surfaces RetryExceeded.
//
// This is distinct from the dispatcher's RetryPolicy (internal/dispatch):
// that one retries a send across the whole exchange, this one retries a
// single broker round-trip.
type IncreasingBackoff struct {
	StepDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// NewIncreasingBackoff builds a backoff matching spec.md §4.1's default:
// 50ms step, capped at maxDelay (e.g. 1s), with the given attempt ceiling.
func NewIncreasingBackoff(maxAttempts int, maxDelay time.Duration) IncreasingBackoff {
	return IncreasingBackoff{
		StepDelay:   50 * time.Millisecond,
		MaxDelay:    maxDelay,
		MaxAttempts: maxAttempts,
	}
}

// Do runs action up to MaxAttempts times, sleeping an increasing delay
// between attempts. It returns the last error wrapped as RetryExceeded
// once attempts are exhausted, or nil on the first success.
func (b IncreasingBackoff) Do(ctx context.Context, action func(ctx context.Context) error) error {
	var lastErr error
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = action(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := time.Duration(attempt) * b.StepDelay
		if b.MaxDelay > 0 && delay > b.MaxDelay {
			delay = b.MaxDelay
		}

		select {
		case <-ctx.Done():
			return svcerr.Wrap(ctx.Err(), "broker retry cancelled")
		case <-time.After(delay):
		}
	}

	return &svcerr.Error{
		Kind:    svcerr.KindRetryExceeded,
		Message: "broker link retry attempts exhausted",
		Wrapped: lastErr,
	}
}
