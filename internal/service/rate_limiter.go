package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/metrics"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository"
	"marketplace-auth/internal/util"
)

// Rate limit scopes
const (
	ScopeOTPSend      = "otp-send"
	ScopeOTPVerify    = "otp-verify"
	ScopeLogin        = "login"
	ScopeRegister     = "register"
	ScopeGeneric      = "generic"
	ScopeAuthzFailure = "authz-failure"
)

// RateLimiter is the single admission point for every limited scope. Each call is
// one atomic operation in the backing store.
type RateLimiter struct {
	store    repository.RateLimitStore
	policies map[string]config.RateLimitPolicy
	clock    clock.Clock
	cfg      config.OTPConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewRateLimiter(store repository.RateLimitStore, cfg *config.Config, clk clock.Clock, m *metrics.Metrics) *RateLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	policies := cfg.RateLimit.Policies
	if len(policies) == 0 {
		policies = config.DefaultRateLimitPolicies()
	}
	return &RateLimiter{
		store:    store,
		policies: policies,
		clock:    clk,
		cfg:      cfg.OTP,
		metrics:  m,
		logger:   util.Get(),
	}
}

func limitKey(scope, identifier string) string {
	return scope + ":" + identifier
}

// Admit counts one request. A denial is returned both as the decision and as a
// rate-limited error carrying the retry delay.
func (l *RateLimiter) Admit(ctx context.Context, scope, identifier string) (models.RateLimitDecision, error) {
	if identifier == "" {
		return models.RateLimitDecision{Allowed: true}, nil
	}
	policy, ok := l.policies[scope]
	if !ok {
		return models.RateLimitDecision{}, apperr.ErrInternal.WithCause(fmt.Errorf("no rate limit policy for scope %q", scope))
	}

	callCtx, cancel := util.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()
	decision, err := l.store.Admit(callCtx, limitKey(scope, identifier), l.clock.Now(), policy)
	if err != nil {
		return models.RateLimitDecision{}, apperr.Dependency(fmt.Errorf("rate limiter unavailable: %w", err))
	}

	if !decision.Allowed {
		l.metrics.RateLimitDenied(scope)
		l.logger.Debug("Rate limit denied",
			util.String("scope", scope),
			util.Duration("retry_after", decision.RetryAfter),
		)
		return decision, apperr.ErrRateLimited.WithRetryAfter(decision.RetryAfter)
	}
	return decision, nil
}

// AdmitAll admits each identifier under the same scope and stops at the first denial
func (l *RateLimiter) AdmitAll(ctx context.Context, scope string, identifiers ...string) error {
	for _, id := range identifiers {
		if _, err := l.Admit(ctx, scope, id); err != nil {
			return err
		}
	}
	return nil
}

// Blocked reports the remaining escalation block without counting a request
func (l *RateLimiter) Blocked(ctx context.Context, scope, identifier string) (bool, error) {
	if identifier == "" {
		return false, nil
	}
	callCtx, cancel := util.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	remaining, err := l.store.Blocked(callCtx, limitKey(scope, identifier), l.clock.Now())
	if err != nil {
		return false, apperr.Dependency(fmt.Errorf("rate limiter unavailable: %w", err))
	}
	if remaining > 0 {
		l.metrics.RateLimitDenied(scope)
		return true, apperr.ErrRateLimited.WithRetryAfter(remaining)
	}
	return false, nil
}

func (l *RateLimiter) Reset(ctx context.Context, scope, identifier string) error {
	callCtx, cancel := util.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()
	if err := l.store.Reset(callCtx, limitKey(scope, identifier)); err != nil {
		return apperr.Dependency(fmt.Errorf("failed to reset rate limit: %w", err))
	}
	return nil
}
