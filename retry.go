package xmsg

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryStrategy bounds how often an operation is attempted and how long to
// wait in between. The zero value makes a single attempt.
type RetryStrategy struct {
	// MaxAttempts is the total number of attempts including the first one.
	MaxAttempts int
	// Wait is the delay between attempts (initial delay when Exponential).
	Wait time.Duration
	// Exponential grows the delay by Multiplier up to MaxWait.
	Exponential bool
	Multiplier  float64
	MaxWait     time.Duration
	// RetryIf, when set, stops retrying errors it rejects.
	RetryIf func(err error) bool
}

// DefaultRetryStrategy is used by output adapters unless overridden.
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{MaxAttempts: 3, Wait: 100 * time.Millisecond}
}

// NoRetry makes exactly one attempt.
func NoRetry() RetryStrategy { return RetryStrategy{MaxAttempts: 1} }

func (r RetryStrategy) backOff(ctx context.Context) backoff.BackOff {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff
	if r.Exponential {
		eb := backoff.NewExponentialBackOff()
		if r.Wait > 0 {
			eb.InitialInterval = r.Wait
		}
		if r.Multiplier > 1 {
			eb.Multiplier = r.Multiplier
		}
		if r.MaxWait > 0 {
			eb.MaxInterval = r.MaxWait
		}
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	} else {
		b = backoff.NewConstantBackOff(r.Wait)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, the attempts are exhausted, RetryIf rejects
// the error, or ctx is done. It returns the last error seen.
func (r RetryStrategy) Do(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && r.RetryIf != nil && !r.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.backOff(ctx))
}
