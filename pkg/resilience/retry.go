package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is the single backoff policy shared by the message bus, the
// agent runner, and action execution. Sites differ only in their attempt
// budget and retryability predicate, never in the curve.
type RetryPolicy struct {
	Base        time.Duration `yaml:"base"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"` // fraction of interval, e.g. 0.2 for ±20%
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultRetryPolicy returns the stock curve: 100ms base, factor 2,
// jitter ±20%, 10s cap, 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        100 * time.Millisecond,
		Factor:      2,
		Jitter:      0.2,
		Cap:         10 * time.Second,
		MaxAttempts: 5,
	}
}

// NewBackOff materializes the policy as a fresh backoff source. Each retry
// loop needs its own instance; they are not safe to share.
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Base
	bo.Multiplier = p.Factor
	bo.RandomizationFactor = p.Jitter
	bo.MaxInterval = p.Cap
	bo.MaxElapsedTime = 0 // attempts are bounded, not elapsed time
	bo.Reset()
	return bo
}

// Do runs op with up to maxAttempts attempts (0 selects the policy default).
// retryable decides whether an error is worth another attempt; nil retries
// everything. Context cancellation aborts the wait and surfaces ctx.Err().
func (p RetryPolicy) Do(ctx context.Context, maxAttempts int, retryable func(error) bool, op func(context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	wrapped := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(p.NewBackOff(), uint64(maxAttempts-1)), ctx)
	return backoff.Retry(wrapped, bo)
}
