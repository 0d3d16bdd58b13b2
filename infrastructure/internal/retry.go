package internal

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// backoff produces delays of 50ms, 100ms, 200ms, 400ms, ...
func backoff(ctx context.Context, maxAttempts int) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(max(maxAttempts, 1))),
		retry.Delay(50 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	}
}

// RetryResultWithContext calls fn up to maxAttempts times with exponential
// backoff and returns the last error if all attempts fail. It returns
// ctx.Err() if the context is cancelled before all attempts are exhausted.
func RetryResultWithContext[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	return retry.DoWithData(fn, backoff(ctx, maxAttempts)...)
}

// RetryPolicy retries with a fixed delay. Attempts of -1 (or any negative
// value) retries until success or cancellation.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	// OnRetry is called after each failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

func (p RetryPolicy) options(ctx context.Context) []retry.Option {
	attempts := uint(0)
	if p.Attempts > 0 {
		attempts = uint(p.Attempts)
	}

	options := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	}
	if p.OnRetry != nil {
		options = append(options, retry.OnRetry(func(n uint, err error) {
			// retry-go also calls back after the last attempt
			if attempt := int(n) + 1; p.Attempts <= 0 || attempt < p.Attempts {
				p.OnRetry(attempt, err)
			}
		}))
	}
	return options
}

// RetryResultWithPolicy calls fn until it succeeds, the policy gives up or
// ctx is cancelled, in which case ctx.Err() is returned.
func RetryResultWithPolicy[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry.DoWithData(func() (T, error) { return fn(ctx) }, policy.options(ctx)...)
}
