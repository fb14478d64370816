package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/audit"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/hashing"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/target"
	"marketplace-auth/internal/util"
)

// TargetInput is the phone-or-email pair accepted by every OTP endpoint
type TargetInput struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type RegisterRequest struct {
	TargetInput
	Name     string      `json:"name"`
	Password string      `json:"password"`
	Role     models.Role `json:"role"`
}

type RegisterResult struct {
	User    *models.User
	OTP     *OTPIssue
	OTPSent bool
}

type VerifyResult struct {
	User            *models.User
	Tokens          *models.TokenPair
	AlreadyVerified bool
}

type LoginRequest struct {
	TargetInput
	Password string `json:"password"`
}

// AuthService composes the rate limiter, OTP manager, users and token issuer
// into the public authentication flows. Every flow records an audit event.
type AuthService struct {
	users   *UserService
	otp     *OTPService
	limiter *RateLimiter
	tokens  *TokenService
	hasher  *hashing.Hasher
	audit   audit.Recorder
	clock   clock.Clock
	region  string
	logger  *zap.Logger
}

func NewAuthService(
	users *UserService,
	otp *OTPService,
	limiter *RateLimiter,
	tokens *TokenService,
	hasher *hashing.Hasher,
	recorder audit.Recorder,
	cfg *config.Config,
	clk clock.Clock,
) *AuthService {
	if clk == nil {
		clk = clock.Real{}
	}
	return &AuthService{
		users:   users,
		otp:     otp,
		limiter: limiter,
		tokens:  tokens,
		hasher:  hasher,
		audit:   recorder,
		clock:   clk,
		region:  cfg.OTP.DefaultRegion,
		logger:  util.Get(),
	}
}

func (s *AuthService) parseTarget(in TargetInput) (target.Target, error) {
	t, err := target.Parse(in.Phone, in.Email, s.region)
	if err != nil {
		return target.Target{}, apperr.ErrValidation.WithDetail(err.Error())
	}
	return t, nil
}

// Register creates the user and sends the first code. A delivery failure does not
// undo the registration; the result reports OTPSent=false.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest, meta ClientMeta) (*RegisterResult, error) {
	ev := s.event(meta, "auth.register", "user")
	res, err := s.register(ctx, req, meta)
	if res != nil {
		ev.ActorID, ev.ResourceID, ev.ActorRole = res.User.UserID, res.User.UserID, string(res.User.Role)
	}
	s.record(ctx, ev, err)
	return res, err
}

func (s *AuthService) register(ctx context.Context, req RegisterRequest, meta ClientMeta) (*RegisterResult, error) {
	if _, err := s.limiter.Admit(ctx, ScopeRegister, meta.IP); err != nil {
		return nil, err
	}
	t, err := s.parseTarget(req.TargetInput)
	if err != nil {
		return nil, err
	}

	user, err := s.users.CreateUser(ctx, &UserCreateRequest{
		Name:     req.Name,
		Target:   t,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		return nil, err
	}

	res := &RegisterResult{User: user}
	if _, err := s.limiter.Admit(ctx, ScopeOTPSend, t.Hash()); err != nil {
		return res, nil
	}
	issue, err := s.otp.Generate(ctx, t)
	res.OTP = issue
	res.OTPSent = err == nil
	if err != nil {
		s.logger.Warn("Registration succeeded but OTP was not sent",
			util.String("user_id", user.UserID),
			util.ErrorField(err),
		)
	}
	return res, nil
}

// SendOTP issues a code for an existing account
func (s *AuthService) SendOTP(ctx context.Context, in TargetInput, meta ClientMeta) (*OTPIssue, error) {
	return s.send(ctx, in, meta, "auth.send_otp", s.otp.Generate)
}

// ResendOTP has the same cooldown and quota as SendOTP
func (s *AuthService) ResendOTP(ctx context.Context, in TargetInput, meta ClientMeta) (*OTPIssue, error) {
	return s.send(ctx, in, meta, "auth.resend_otp", s.otp.Resend)
}

func (s *AuthService) send(ctx context.Context, in TargetInput, meta ClientMeta, action string,
	issue func(context.Context, target.Target) (*OTPIssue, error)) (*OTPIssue, error) {
	ev := s.event(meta, action, "otp")
	res, err := func() (*OTPIssue, error) {
		t, err := s.parseTarget(in)
		if err != nil {
			return nil, err
		}
		if err := s.limiter.AdmitAll(ctx, ScopeOTPSend, t.Hash(), meta.IP); err != nil {
			return nil, err
		}
		user, err := s.users.GetByTarget(ctx, t)
		if err != nil {
			return nil, err
		}
		ev.ActorID, ev.ActorRole, ev.ResourceID = user.UserID, string(user.Role), t.Hash()
		return issue(ctx, t)
	}()
	s.record(ctx, ev, err)
	return res, err
}

// VerifyOTP validates the code, marks the target verified and issues tokens.
// Re-submitting the correct code after success issues tokens again without
// consuming an attempt.
func (s *AuthService) VerifyOTP(ctx context.Context, in TargetInput, code string, meta ClientMeta) (*VerifyResult, error) {
	ev := s.event(meta, "auth.verify_otp", "otp")
	res, err := func() (*VerifyResult, error) {
		t, err := s.parseTarget(in)
		if err != nil {
			return nil, err
		}
		if !validCodeFormat(code) {
			return nil, apperr.ErrValidation.WithDetail("otp must be numeric")
		}
		if err := s.limiter.AdmitAll(ctx, ScopeOTPVerify, t.Hash(), meta.IP); err != nil {
			return nil, err
		}
		user, err := s.users.GetByTarget(ctx, t)
		if err != nil {
			return nil, err
		}
		ev.ActorID, ev.ActorRole, ev.ResourceID = user.UserID, string(user.Role), t.Hash()

		validation, err := s.otp.Validate(ctx, t, code)
		if err != nil {
			return nil, err
		}
		user, err = s.users.MarkTargetVerified(ctx, user.UserID, t.Kind)
		if err != nil {
			return nil, err
		}
		tokens, err := s.tokens.Issue(ctx, user, meta)
		if err != nil {
			return nil, err
		}
		return &VerifyResult{User: user, Tokens: tokens, AlreadyVerified: validation.AlreadyVerified}, nil
	}()
	s.record(ctx, ev, err)
	return res, err
}

// OTPStatus is read-only and not audited
func (s *AuthService) OTPStatus(ctx context.Context, in TargetInput, meta ClientMeta) (*OTPStatusView, error) {
	t, err := s.parseTarget(in)
	if err != nil {
		return nil, err
	}
	if _, err := s.limiter.Admit(ctx, ScopeGeneric, meta.IP); err != nil {
		return nil, err
	}
	return s.otp.Status(ctx, t)
}

// Login authenticates with a password. Unknown targets and wrong passwords are
// indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, req LoginRequest, meta ClientMeta) (*VerifyResult, error) {
	ev := s.event(meta, "auth.login", "session")
	res, err := func() (*VerifyResult, error) {
		t, err := s.parseTarget(req.TargetInput)
		if err != nil {
			return nil, err
		}
		if err := s.limiter.AdmitAll(ctx, ScopeLogin, t.Hash(), meta.IP); err != nil {
			return nil, err
		}

		user, err := s.users.GetByTarget(ctx, t)
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, errInvalidCredentials
		}
		if err != nil {
			return nil, err
		}
		ev.ActorID, ev.ActorRole, ev.ResourceID = user.UserID, string(user.Role), user.UserID

		now := s.clock.Now()
		if user.IsLocked(now) {
			return nil, apperr.ErrAccountLocked.WithRetryAfter(user.LockedUntil.Sub(now))
		}

		ok, err := s.hasher.VerifyPassword(req.Password, user.PasswordHash)
		if err != nil {
			return nil, apperr.ErrInternal.WithCause(err)
		}
		if !ok {
			if _, ferr := s.users.RecordLoginFailure(ctx, user.UserID); ferr != nil {
				s.logger.Error("Failed to record login failure", util.String("user_id", user.UserID), util.ErrorField(ferr))
			}
			return nil, errInvalidCredentials
		}

		if !user.IsTargetVerified() {
			return nil, apperr.ErrVerificationRequired.WithDetail("verify your phone or email before logging in")
		}

		user, err = s.users.RecordLoginSuccess(ctx, user.UserID, req.Password)
		if err != nil {
			return nil, err
		}
		if err := s.limiter.Reset(ctx, ScopeLogin, t.Hash()); err != nil {
			s.logger.Warn("Failed to reset login limiter", util.ErrorField(err))
		}
		tokens, err := s.tokens.Issue(ctx, user, meta)
		if err != nil {
			return nil, err
		}
		return &VerifyResult{User: user, Tokens: tokens}, nil
	}()
	s.record(ctx, ev, err)
	return res, err
}

var errInvalidCredentials = apperr.ErrUnauthenticated.WithDetail("invalid credentials")

func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (*models.TokenPair, error) {
	ev := s.event(meta, "auth.refresh", "session")
	pair, user, err := s.tokens.Refresh(ctx, refreshToken, meta)
	if user != nil {
		ev.ActorID, ev.ActorRole = user.UserID, string(user.Role)
	}
	s.record(ctx, ev, err)
	return pair, err
}

func (s *AuthService) Logout(ctx context.Context, refreshToken string, meta ClientMeta) error {
	ev := s.event(meta, "auth.logout", "session")
	userID, err := s.tokens.Revoke(ctx, refreshToken)
	ev.ActorID = userID
	s.record(ctx, ev, err)
	return err
}

func (s *AuthService) event(meta ClientMeta, action, resource string) audit.Event {
	return audit.Event{
		Action:    action,
		Resource:  resource,
		IPAddress: meta.IP,
		RequestID: meta.RequestID,
	}
}

func (s *AuthService) record(ctx context.Context, ev audit.Event, err error) {
	if s.audit == nil {
		return
	}
	switch {
	case err == nil:
		ev.Outcome = models.OutcomeAllowed
	case isClientError(err):
		ev.Outcome = models.OutcomeDenied
		ev.Reason = string(apperr.From(err).Kind)
	default:
		ev.Outcome = models.OutcomeError
		ev.Reason = string(apperr.From(err).Kind)
	}
	s.audit.Record(ctx, ev)
}

func isClientError(err error) bool {
	var appErr *apperr.Error
	return errors.As(err, &appErr) && appErr.HTTPStatus < 500
}

func validCodeFormat(code string) bool {
	if code == "" || len(code) > 12 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
