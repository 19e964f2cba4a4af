// Package retry implements the bounded retry policy shared by the registry
// client and the media download path.
package retry

import (
	"context"
	"time"
)

// Policy bounds retry attempts and spaces them with a fixed delay. The zero
// value never retries.
type Policy struct {
	maxAttempts int
	delay       time.Duration
	retryable   func(statusCode int, err error) bool
}

// New builds a policy that allows up to maxAttempts attempts, sleeping delay
// between them. retryable classifies a finished attempt; a nil predicate
// retries nothing.
func New(maxAttempts int, delay time.Duration, retryable func(statusCode int, err error) bool) Policy {
	return Policy{maxAttempts: maxAttempts, delay: delay, retryable: retryable}
}

// RateLimited builds the policy used against HTTP 429 responses: retry only on
// 429, up to maxAttempts attempts, fixed delay between attempts.
func RateLimited(maxAttempts int, delay time.Duration) Policy {
	return New(maxAttempts, delay, func(statusCode int, _ error) bool {
		return statusCode == 429
	})
}

// ShouldRetry reports whether another attempt is allowed after the given
// attempt (1-based) finished with statusCode and err.
func (p Policy) ShouldRetry(statusCode int, err error, attempt int) bool {
	if p.retryable == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	return p.retryable(statusCode, err)
}

// Wait sleeps the inter-attempt delay, returning early with the context error
// if ctx finishes first.
func (p Policy) Wait(ctx context.Context) error {
	if p.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
