package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/config"
)

func TestRateLimiter_QuotaThenRetryAfter(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.RateLimit.Policies[ScopeOTPSend] = config.RateLimitPolicy{Limit: 3, Window: time.Hour}
	})
	rl := env.factory.RateLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := rl.Admit(ctx, ScopeOTPSend, "target-hash")
		require.NoError(t, err)
		assert.Equal(t, 2-i, d.Remaining)
	}

	env.clock.Advance(10 * time.Minute)
	d, err := rl.Admit(ctx, ScopeOTPSend, "target-hash")
	require.Error(t, err)
	assert.False(t, d.Allowed)
	appErr := apperr.From(err)
	assert.Equal(t, apperr.KindRateLimited, appErr.Kind)
	assert.Equal(t, 50*time.Minute, appErr.RetryAfter)

	// other identifiers are independent
	_, err = rl.Admit(ctx, ScopeOTPSend, "other")
	assert.NoError(t, err)

	env.clock.Advance(51 * time.Minute)
	_, err = rl.Admit(ctx, ScopeOTPSend, "target-hash")
	assert.NoError(t, err)
}

func TestRateLimiter_EscalatingBlock(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.RateLimit.Policies[ScopeLogin] = config.RateLimitPolicy{
			Limit: 1, Window: 10 * time.Minute, BaseBlock: time.Minute, MaxBlock: 3 * time.Minute,
		}
	})
	rl := env.factory.RateLimiter()
	ctx := context.Background()

	_, err := rl.Admit(ctx, ScopeLogin, "ip")
	require.NoError(t, err)

	env.clock.Advance(time.Second)
	_, err = rl.Admit(ctx, ScopeLogin, "ip")
	assert.Equal(t, time.Minute, apperr.From(err).RetryAfter)

	blocked, err := rl.Blocked(ctx, ScopeLogin, "ip")
	assert.True(t, blocked)
	assert.Error(t, err)

	env.clock.Advance(61 * time.Second)
	_, err = rl.Admit(ctx, ScopeLogin, "ip")
	assert.Equal(t, 2*time.Minute, apperr.From(err).RetryAfter)

	require.NoError(t, rl.Reset(ctx, ScopeLogin, "ip"))
	_, err = rl.Admit(ctx, ScopeLogin, "ip")
	assert.NoError(t, err)
}

func TestRateLimiter_EdgeCases(t *testing.T) {
	env := newTestEnv(t)
	rl := env.factory.RateLimiter()
	ctx := context.Background()

	d, err := rl.Admit(ctx, ScopeGeneric, "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	_, err = rl.Admit(ctx, "no-such-scope", "x")
	assert.Equal(t, apperr.KindInternal, apperr.From(err).Kind)

	blocked, err := rl.Blocked(ctx, ScopeAuthzFailure, "fresh")
	require.NoError(t, err)
	assert.False(t, blocked)
}
