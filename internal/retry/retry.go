// Package retry wraps a single adapter call with bounded retries and
// exponential backoff. The sleeper is injectable so backoff timing is
// testable without wall-clock delays.
package retry

import (
	"context"
	"time"

	"stockpulse/internal/record"
	"stockpulse/internal/source"
)

// Sleeper blocks for d or until ctx is done. Only the calling goroutine
// waits; unrelated collection requests keep running.
type Sleeper func(ctx context.Context, d time.Duration)

func defaultSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Controller retries one operation with exponential backoff. The delay
// before attempt k (k >= 2) is BaseDelay * 2^(k-2): 1x, 2x, 4x, ...
type Controller struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Sleep       Sleeper
}

func New(maxAttempts int, baseDelay time.Duration) *Controller {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Controller{MaxAttempts: maxAttempts, BaseDelay: baseDelay, Sleep: defaultSleep}
}

// Do runs op until it succeeds, returns a non-retryable error, or
// MaxAttempts is exhausted; the last error is returned. An empty result
// surfaces immediately: "no data now" is not a transient fault.
// Attempts are strictly sequential.
func (c *Controller) Do(ctx context.Context, op func(ctx context.Context) ([]record.RawRow, error)) ([]record.RawRow, error) {
	sleep := c.Sleep
	if sleep == nil {
		sleep = defaultSleep
	}
	var lastErr error
	delay := c.BaseDelay
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if attempt > 1 {
			sleep(ctx, delay)
			delay *= 2
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rows, err := op(ctx)
		if err == nil {
			return rows, nil
		}
		if !source.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
