// Package retry provides a deterministic capped-exponential-backoff
// executor for network operations.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/tandemapp/chatkit/internal/chaterr"
)

// Policy controls retry scheduling. MaxAttempts is the number of retries
// after the first attempt, so an operation runs at most 1 + MaxAttempts times.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default is the policy used for REST fallbacks: 500ms, 1s, 2s.
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Delay returns the wait before retry number attempt (0-indexed):
// min(BaseDelay * 2^attempt, MaxDelay). No jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << uint(attempt)
	// The shift overflows for large attempt counts; the cap covers that too.
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs op, retrying failures that chaterr.Retryable classifies as
// transient. When attempts are exhausted the last error is returned
// unchanged. The wait between attempts is cancellable through ctx;
// cancellation surfaces as chaterr.ErrCancelled and is never retried.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := wait(ctx, p.Delay(attempt-1)); err != nil {
				return zero, err
			}
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !chaterr.Retryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", chaterr.ErrCancelled, err)
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", chaterr.ErrCancelled, ctx.Err())
	}
}
