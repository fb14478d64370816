package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/hashing"
	"marketplace-auth/internal/metrics"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/notification"
	"marketplace-auth/internal/repository"
	"marketplace-auth/internal/target"
	"marketplace-auth/internal/util"
)

// maxCASAttempts bounds the read/compare-and-swap loop for one target
const maxCASAttempts = 8

// OTPIssue describes a code that was persisted for a target
type OTPIssue struct {
	Target            target.Target
	ExpiresAt         time.Time
	ExpiresInSeconds  int
	CooldownSeconds   int
	AttemptsRemaining int
	Delivered         bool
	// Code is only populated when the service runs with code exposure enabled
	Code string
}

// OTPValidation is the success result of Validate
type OTPValidation struct {
	VerifiedAt      time.Time
	AlreadyVerified bool
}

// OTPStatusView is the read-only projection used for client polling
type OTPStatusView struct {
	Exists            bool             `json:"exists"`
	Status            models.OTPStatus `json:"status"`
	AttemptsRemaining int              `json:"attemptsRemaining"`
	CooldownRemaining int              `json:"cooldownRemaining"`
	ExpiresInSeconds  int              `json:"expiresInSeconds"`
}

// OTPService owns the verification state machine:
// no record -> pending -> verified | expired | locked.
// Every transition is a compare-and-swap on the record version.
type OTPService struct {
	store   repository.OTPStore
	gateway notification.Gateway
	hasher  *hashing.Hasher
	clock   clock.Clock
	cfg     config.OTPConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewOTPService(
	store repository.OTPStore,
	gateway notification.Gateway,
	hasher *hashing.Hasher,
	clk clock.Clock,
	cfg config.OTPConfig,
	m *metrics.Metrics,
) *OTPService {
	if clk == nil {
		clk = clock.Real{}
	}
	return &OTPService{
		store:   store,
		gateway: gateway,
		hasher:  hasher,
		clock:   clk,
		cfg:     cfg,
		metrics: m,
		logger:  util.Get(),
	}
}

// Generate issues a fresh pending code unless the target is inside its cooldown.
// The record is persisted before delivery; a delivery failure returns the issue
// together with a dependency error.
func (s *OTPService) Generate(ctx context.Context, t target.Target) (*OTPIssue, error) {
	return s.generate(ctx, t, "send")
}

// Resend has the same semantics as Generate and is tracked separately in metrics
func (s *OTPService) Resend(ctx context.Context, t target.Target) (*OTPIssue, error) {
	return s.generate(ctx, t, "resend")
}

func (s *OTPService) generate(ctx context.Context, t target.Target, op string) (*OTPIssue, error) {
	key := t.Hash()
	var code, codeHash string

	var next *models.OTPRecord
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}

		now := s.clock.Now().UTC()
		if current != nil {
			if wait := current.LastSentAt.Add(s.cfg.Cooldown).Sub(now); wait > 0 {
				s.metrics.OTPSend(string(t.Kind), "cooldown")
				return nil, apperr.ErrCooldown.WithRetryAfter(wait)
			}
		}

		// Hash once; argon2 is the expensive part of the loop
		if codeHash == "" {
			code, err = hashing.GenerateNumericCode(s.cfg.CodeLength)
			if err != nil {
				return nil, apperr.ErrInternal.WithCause(err)
			}
			codeHash, err = s.hasher.HashOTP(code)
			if err != nil {
				return nil, apperr.ErrInternal.WithCause(err)
			}
		}

		next = &models.OTPRecord{
			TargetHash:        key,
			TargetKind:        string(t.Kind),
			CodeHash:          codeHash,
			CreatedAt:         now,
			ExpiresAt:         now.Add(s.cfg.TTL),
			LastSentAt:        now,
			AttemptsRemaining: s.cfg.MaxAttempts,
			MaxAttempts:       s.cfg.MaxAttempts,
			Status:            models.OTPStatusPending,
			SendCount:         1,
		}
		var expected int64
		if current != nil {
			expected = current.Version
			next.SendCount = current.SendCount + 1
		}

		err = s.swap(ctx, next, expected, s.cfg.TTL+s.cfg.GraceWindow)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if next == nil || next.Version == 0 {
		return nil, apperr.ErrConflict.WithDetail("verification record is being modified concurrently")
	}

	issue := &OTPIssue{
		Target:            t,
		ExpiresAt:         next.ExpiresAt,
		ExpiresInSeconds:  ceilSeconds(s.cfg.TTL),
		CooldownSeconds:   ceilSeconds(s.cfg.Cooldown),
		AttemptsRemaining: next.AttemptsRemaining,
	}
	if s.cfg.ExposeCode {
		issue.Code = code
	}

	if err := s.gateway.Send(ctx, t, code); err != nil {
		if !apperr.IsKind(err, apperr.KindDependency) {
			err = apperr.Dependency(err)
		}
		s.metrics.OTPSend(string(t.Kind), "delivery_failed")
		s.logger.Warn("OTP persisted but delivery failed",
			util.String("op", op),
			util.String("target_hash", key),
			util.ErrorField(err),
		)
		return issue, err
	}

	issue.Delivered = true
	s.metrics.OTPSend(string(t.Kind), "sent")
	s.logger.Info("OTP issued",
		util.String("op", op),
		util.String("target_hash", key),
		util.Int("send_count", next.SendCount),
	)
	return issue, nil
}

// Validate compares code against the pending record. An attempt is consumed only
// when the comparison result is committed.
func (s *OTPService) Validate(ctx context.Context, t target.Target, code string) (*OTPValidation, error) {
	key := t.Hash()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if current == nil {
			s.metrics.OTPVerify("not_found")
			return nil, apperr.ErrNotFound.WithDetail("no verification code has been issued for this target")
		}

		now := s.clock.Now().UTC()
		// Past expiresAt every record answers expired, whatever its status, and
		// never reveals attempts.
		if now.After(current.ExpiresAt) {
			if current.Status == models.OTPStatusPending {
				expired := current.Clone()
				expired.Status = models.OTPStatusExpired
				err := s.swap(ctx, expired, current.Version, s.cfg.GraceWindow)
				if errors.Is(err, repository.ErrVersionConflict) {
					continue
				}
				if err != nil {
					s.logger.Warn("Failed to persist OTP expiry", util.String("target_hash", key), util.ErrorField(err))
				}
			}
			s.metrics.OTPVerify("expired")
			return nil, apperr.ErrOTPExpired
		}

		switch current.Status {
		case models.OTPStatusVerified:
			ok, err := s.compare(code, current.CodeHash)
			if err != nil {
				return nil, err
			}
			if !ok {
				s.metrics.OTPVerify("mismatch")
				return nil, apperr.ErrOTPMismatch.WithAttempts(current.AttemptsRemaining)
			}
			s.metrics.OTPVerify("already_verified")
			verifiedAt := now
			if current.VerifiedAt != nil {
				verifiedAt = *current.VerifiedAt
			}
			return &OTPValidation{VerifiedAt: verifiedAt, AlreadyVerified: true}, nil

		case models.OTPStatusExpired:
			s.metrics.OTPVerify("expired")
			return nil, apperr.ErrOTPExpired

		case models.OTPStatusLocked:
			s.metrics.OTPVerify("locked")
			return nil, apperr.ErrOTPLocked
		}

		if current.AttemptsRemaining <= 0 {
			locked := current.Clone()
			locked.Status = models.OTPStatusLocked
			err := s.swap(ctx, locked, current.Version, s.recordTTL(current, now))
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			s.metrics.OTPVerify("locked")
			return nil, apperr.ErrOTPLocked
		}

		ok, err := s.compare(code, current.CodeHash)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if ok {
			next.Status = models.OTPStatusVerified
			next.VerifiedAt = &now
		} else {
			next.AttemptsRemaining--
			if next.AttemptsRemaining <= 0 {
				next.AttemptsRemaining = 0
				next.Status = models.OTPStatusLocked
			}
		}

		err = s.swap(ctx, next, current.Version, s.recordTTL(current, now))
		if errors.Is(err, repository.ErrVersionConflict) {
			// Another validate or a resend won; re-read and compare against the new state
			continue
		}
		if err != nil {
			return nil, err
		}

		if ok {
			s.metrics.OTPVerify("verified")
			s.logger.Info("OTP verified", util.String("target_hash", key))
			return &OTPValidation{VerifiedAt: now}, nil
		}

		s.metrics.OTPVerify("mismatch")
		if next.Status == models.OTPStatusLocked {
			s.logger.Warn("OTP locked after too many attempts", util.String("target_hash", key))
		}
		return nil, apperr.ErrOTPMismatch.WithAttempts(next.AttemptsRemaining)
	}

	return nil, apperr.ErrConflict.WithDetail("verification record is being modified concurrently")
}

// Status never mutates the record
func (s *OTPService) Status(ctx context.Context, t target.Target) (*OTPStatusView, error) {
	current, err := s.load(ctx, t.Hash())
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, apperr.ErrNotFound.WithDetail("no verification code has been issued for this target")
	}

	now := s.clock.Now().UTC()
	status := current.EffectiveStatus(now)
	view := &OTPStatusView{
		Exists:            true,
		Status:            status,
		AttemptsRemaining: current.AttemptsRemaining,
		CooldownRemaining: ceilSeconds(current.LastSentAt.Add(s.cfg.Cooldown).Sub(now)),
	}
	if status == models.OTPStatusPending {
		view.ExpiresInSeconds = ceilSeconds(current.ExpiresAt.Sub(now))
	}
	return view, nil
}

// Invalidate drops the record for a target
func (s *OTPService) Invalidate(ctx context.Context, t target.Target) error {
	ctx, cancel := util.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.Delete(ctx, t.Hash()); err != nil {
		return apperr.Dependency(err)
	}
	return nil
}

func (s *OTPService) compare(code, codeHash string) (bool, error) {
	ok, err := s.hasher.VerifyOTP(code, codeHash)
	if err != nil {
		return false, apperr.ErrInternal.WithCause(fmt.Errorf("failed to verify otp hash: %w", err))
	}
	return ok, nil
}

// load returns nil, nil when no record exists. Reads are retried once.
func (s *OTPService) load(ctx context.Context, key string) (*models.OTPRecord, error) {
	var rec *models.OTPRecord
	err := util.RetryOnce(ctx, s.cfg.StoreTimeout, s.cfg.RetryBackoff, retryableStoreError, func(callCtx context.Context) error {
		var err error
		rec, err = s.store.Get(callCtx, key)
		return err
	})
	if errors.Is(err, repository.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Dependency(fmt.Errorf("failed to load otp record: %w", err))
	}
	return rec, nil
}

// swap is never retried: a timed-out CAS may have been applied, and the caller's
// loop re-reads the record on conflict instead.
func (s *OTPService) swap(ctx context.Context, rec *models.OTPRecord, expected int64, ttl time.Duration) error {
	callCtx, cancel := util.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	err := s.store.CompareAndSwap(callCtx, rec, expected, ttl)
	if err == nil || errors.Is(err, repository.ErrVersionConflict) {
		return err
	}
	return apperr.Dependency(fmt.Errorf("failed to write otp record: %w", err))
}

func (s *OTPService) recordTTL(rec *models.OTPRecord, now time.Time) time.Duration {
	ttl := rec.ExpiresAt.Add(s.cfg.GraceWindow).Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func retryableStoreError(err error) bool {
	return !errors.Is(err, repository.ErrRecordNotFound) &&
		!errors.Is(err, repository.ErrVersionConflict) &&
		!errors.Is(err, context.Canceled)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
