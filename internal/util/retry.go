package util

import (
	"context"
	"errors"
	"time"
)

// RetryOnce runs fn under a per-call timeout and, when the first failure is
// retryable, runs it once more after backoff. Parent cancellation is never retried.
func RetryOnce(ctx context.Context, timeout, backoff time.Duration, retryable func(error) bool, fn func(context.Context) error) error {
	err := callWithTimeout(ctx, timeout, fn)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if retryable != nil && !retryable(err) {
		return err
	}

	Debug("Retrying dependency call", ErrorField(err), Duration("backoff", backoff))
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	case <-timer.C:
	}
	return callWithTimeout(ctx, timeout, fn)
}

func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}

// WithTimeout is context.WithTimeout that treats a non-positive timeout as "no deadline"
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
