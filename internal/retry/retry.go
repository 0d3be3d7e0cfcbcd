// Package retry provides the bounded exponential backoff loop used for
// in-stage retries of transient failures.
package retry

import (
	"context"
	"time"

	"github.com/tendant/simple-trickplay/internal/faults"
)

// Do runs fn up to attempts times, doubling delay between failures. It stops
// early on context cancellation or a permanent error and returns the last
// error when the budget is exhausted.
func Do(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if faults.IsPermanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		wait := delay
		if faults.IsThrottle(err) {
			wait *= 2
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return err
}
