package scoring

import (
	"context"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// ComputeBackoff returns the delay before retry number retry (0 for the first
// retry). fixed is constant, linear grows by the initial delay each retry and
// exponential doubles it. A positive maxDelay caps the result.
func ComputeBackoff(strategy schema.BackoffStrategy, initial, maxDelay time.Duration, retry int) time.Duration {
	if initial <= 0 {
		return 0
	}
	if retry < 0 {
		retry = 0
	}

	var delay time.Duration
	switch strategy {
	case schema.BackoffLinear:
		delay = initial * time.Duration(retry+1)
	case schema.BackoffExponential:
		delay = initial
		for i := 0; i < retry; i++ {
			delay *= 2
			if maxDelay > 0 && delay >= maxDelay {
				break
			}
		}
	default:
		delay = initial
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
