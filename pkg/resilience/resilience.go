// Package resilience provides retry for operations against remote stores.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
)

// RetryPolicy bounds how often and how long an operation is retried.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first (0 = no retry)
	MaxRetries uint64

	// InitialInterval is the wait before the first retry
	InitialInterval time.Duration

	// MaxInterval caps the exponential wait
	MaxInterval time.Duration

	// Retryable decides which errors are worth another attempt.
	// Defaults to errors.IsRetryable.
	Retryable func(error) bool

	// OnRetry is called before each wait (optional)
	OnRetry func(err error, wait time.Duration)
}

// DefaultRetryPolicy returns sensible defaults for object store uploads.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Retry runs op until it succeeds, fails with a non-retryable error, the
// policy is exhausted or ctx is done. It returns the last error of op, or
// the context error if ctx ended the retries.
func Retry(ctx context.Context, p RetryPolicy, op func() error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = jerrors.IsRetryable
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	// Attempts are bounded by MaxRetries only.
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)

	attempt := func() error {
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = p.OnRetry
	}
	return backoff.RetryNotify(attempt, b, notify)
}
