package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryOnce(t *testing.T) {
	transient := errors.New("transient")
	permanent := errors.New("permanent")
	retryable := func(err error) bool { return errors.Is(err, transient) }

	calls := 0
	err := RetryOnce(context.Background(), time.Second, time.Millisecond, retryable, func(context.Context) error {
		calls++
		if calls == 1 {
			return transient
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = RetryOnce(context.Background(), time.Second, time.Millisecond, retryable, func(context.Context) error {
		calls++
		return transient
	})
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 2, calls, "retried exactly once")

	calls = 0
	err = RetryOnce(context.Background(), time.Second, time.Millisecond, retryable, func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryOnce_AppliesTimeout(t *testing.T) {
	err := RetryOnce(context.Background(), 5*time.Millisecond, time.Millisecond, nil, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
