package syncer

import (
	"context"
	"time"
)

// Backoff returns the delay before attempt (1-based), doubling from base and
// capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if max <= 0 {
		max = 2 * time.Second
	}
	delay := base
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// WaitWithContext sleeps for delay unless ctx ends first.
func WaitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
