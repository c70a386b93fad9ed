// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy configures retries
type Policy struct {
	// MaxAttempts counts the first try
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RetryIf decides whether an error is transient; nil retries everything
	RetryIf func(error) bool
	// OnRetry is called before each wait
	OnRetry func(err error, wait time.Duration)
}

// Do runs op until it succeeds, returns a non-transient error, attempts are
// exhausted or ctx is done. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(p.OnRetry))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && p.RetryIf != nil && !p.RetryIf(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
