// Package retry provides a small policy-driven retry decorator shared by the
// RPC, storage, and task-queue clients.
package retry

import (
	"context"
	"time"
)

// Policy controls how Do retries a failing operation. Backoff is exponential:
// BaseBackoff, 2*BaseBackoff, 4*BaseBackoff, ...
type Policy struct {
	// Attempts is the total number of tries, including the first. Values
	// below 1 are treated as 1.
	Attempts int
	// BaseBackoff is the sleep before the second attempt.
	BaseBackoff time.Duration
	// Retryable decides whether an error is worth retrying. A nil
	// Retryable retries every error.
	Retryable func(error) bool
}

// Do runs fn under the policy, sleeping exponentially between attempts.
// It returns nil on the first success, the last error once attempts are
// exhausted or the error is not retryable, and the context error if the
// context ends while waiting.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := p.BaseBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= attempts {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
