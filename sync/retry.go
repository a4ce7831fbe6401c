// ABOUTME: Bounded retry of provider list calls on transient failures
// ABOUTME: Wraps cenkalti/backoff with a permanent-error cut-out for non-retryable errors
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const defaultMaxTries = 3

// retrier retries transient provider failures with exponential backoff.
type retrier struct {
	newBackOff func() backoff.BackOff
	maxTries   uint
}

func defaultRetrier() retrier {
	return retrier{
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		maxTries:   defaultMaxTries,
	}
}

// retryCall runs op under the limiter, bounding each attempt by timeout when
// it is positive. An attempt that times out while ctx is still live is
// transient and retried.
func retryCall[T any](ctx context.Context, r retrier, limiter *RateLimiter, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		var zero T
		if err := limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		v, err := attempt(ctx, timeout, op)
		if err == nil {
			return v, nil
		}
		limiter.Observe(err)
		if !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(r.newBackOff()), backoff.WithMaxTries(r.maxTries))
}

func attempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := op(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return v, fmt.Errorf("%w: call timed out after %s", ErrTransientProvider, timeout)
	}
	return v, err
}
