// Package retry runs an operation with exponential backoff and jitter.
// Gateway verification and webhook delivery share it.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Permanent wraps err so that Do returns it without retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn up to maxAttempts times, doubling baseDelay between attempts
// with ±25% jitter. It returns nil on the first success, the unwrapped error
// of a Permanent failure, the context error if ctx ends while waiting, or
// the last error once attempts run out.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}
