package authz

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"regexp"

	"go.uber.org/zap"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/service"
	"marketplace-auth/internal/util"
)

// Stage names, also used as metric and audit labels
const (
	StageAuthenticate = "authenticate"
	StageRoles        = "authorize_roles"
	StageVerification = "require_verification"
	StageOwnership    = "resource_ownership"
	StagePermission   = "permission"
	StageMalicious    = "malicious_request"
	StageCrossUser    = "cross_user"
	StageAudit        = "audit"
)

var (
	errNotOwner     = errors.New("caller does not own resource")
	errStaleRole    = errors.New("token role differs from current role")
	errWrongDevKey  = errors.New("operator key mismatch")
	errInjection    = errors.New("injection pattern matched")
	errFailureBlock = errors.New("identity blocked after repeated denials")
)

// Stage is one check. It returns the request unchanged or enriched, or the error
// that terminates the pipeline.
type Stage interface {
	Name() string
	Check(ctx context.Context, pol Policy, req Request) (Request, error)
}

// ==================== 1. authenticate ====================

type authenticateStage struct {
	tokens TokenVerifier
	users  UserSource
	clock  clock.Clock
	devKey string
}

func (authenticateStage) Name() string { return StageAuthenticate }

func (s authenticateStage) Check(ctx context.Context, pol Policy, req Request) (Request, error) {
	if pol.DevKey {
		if s.devKey == "" {
			return req, apperr.ErrNotFound
		}
		if subtle.ConstantTimeCompare([]byte(req.DevKey), []byte(s.devKey)) != 1 {
			return req, apperr.ErrUnauthenticated.WithCause(errWrongDevKey)
		}
		req.Operator = true
		return req, nil
	}

	if req.Token == "" {
		return req, apperr.ErrUnauthenticated.WithDetail("missing bearer token")
	}
	claims, err := s.tokens.Verify(req.Token)
	if err != nil {
		return req, err
	}
	req.Claims = claims

	user, err := s.users.GetByID(ctx, claims.Subject)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return req, apperr.ErrUnauthenticated.WithDetail("account is not active")
	}
	if err != nil {
		return req, err
	}
	now := s.clock.Now()
	if user.IsLocked(now) {
		return req, apperr.ErrAccountLocked.WithRetryAfter(user.LockedUntil.Sub(now))
	}
	if user.Role != claims.Role {
		return req, apperr.ErrUnauthenticated.WithDetail("role changed, refresh the session").WithCause(errStaleRole)
	}
	req.User = user
	return req, nil
}

// ==================== 2. roles ====================

type rolesStage struct{}

func (rolesStage) Name() string { return StageRoles }

func (rolesStage) Check(_ context.Context, pol Policy, req Request) (Request, error) {
	if req.Operator || len(pol.Roles) == 0 {
		return req, nil
	}
	for _, r := range pol.Roles {
		if req.User.Role == r {
			return req, nil
		}
	}
	return req, apperr.ErrForbidden.WithDetail("role not permitted for this route")
}

// ==================== 3. verification ====================

type verificationStage struct{}

func (verificationStage) Name() string { return StageVerification }

func (verificationStage) Check(_ context.Context, pol Policy, req Request) (Request, error) {
	if req.Operator {
		return req, nil
	}
	if pol.Verification&VerifyContact != 0 && !req.User.IsTargetVerified() {
		return req, apperr.ErrVerificationRequired.WithDetail("verify your phone or email first")
	}
	if pol.Verification&VerifyIdentity != 0 && !req.User.IsIdentityVerified {
		return req, apperr.ErrVerificationRequired.WithDetail("identity verification required")
	}
	return req, nil
}

// ==================== 4. ownership ====================

// OwnerResolver returns the owning user id of a resource, or a not-found error
type OwnerResolver func(ctx context.Context, id string) (string, error)

type ownershipStage struct {
	owners map[string]OwnerResolver
}

func (ownershipStage) Name() string { return StageOwnership }

// Check answers 404 both for missing resources and for resources owned by someone
// else, so non-owners cannot test for existence.
func (s ownershipStage) Check(ctx context.Context, pol Policy, req Request) (Request, error) {
	if req.Operator || !pol.Ownership {
		return req, nil
	}
	id := req.Params[pol.ownerParam()]
	if id == "" {
		return req, apperr.ErrValidation.WithDetail("missing resource id")
	}
	resolve, ok := s.owners[pol.Resource]
	if !ok {
		return req, apperr.ErrInternal.WithDetail("no owner resolver for " + pol.Resource)
	}

	owner, err := resolve(ctx, id)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return req, apperr.ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if owner != req.User.UserID && !req.isAdmin() {
		return req, apperr.ErrNotFound.WithCause(errNotOwner)
	}
	req.ResourceID, req.ResourceOwner = id, owner
	return req, nil
}

// ==================== 5. permission ====================

type permissionStage struct {
	matrix *PermissionMatrix
}

func (permissionStage) Name() string { return StagePermission }

func (s permissionStage) Check(_ context.Context, pol Policy, req Request) (Request, error) {
	if req.Operator {
		return req, nil
	}
	if !s.matrix.Allowed(req.User.Role, pol.Action, pol.Resource) {
		return req, apperr.ErrForbidden.WithDetail("permission denied")
	}
	return req, nil
}

// ==================== 6. malicious request detection ====================

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus)\s*=`),
	regexp.MustCompile(`(?i)\bunion\b[\s\S]{0,64}\bselect\b`),
	regexp.MustCompile(`(?i);\s*(drop|truncate|alter)\s+(table|database)\b`),
	regexp.MustCompile(`(?i)'\s*(or|and)\s+'?\w+'?\s*=\s*'?\w+`),
	regexp.MustCompile(`\.\./|\.\.\\`),
	regexp.MustCompile(`"\$(where|ne|gt|gte|lt|lte|regex|expr|function|in|nin)"\s*:`),
	regexp.MustCompile(`\$(where|ne|gt|gte|lt|lte|regex|expr)\]?$`),
	regexp.MustCompile("\x00"),
}

type maliciousStage struct {
	limiter FailureLimiter
	logger  *zap.Logger
}

func (maliciousStage) Name() string { return StageMalicious }

func (s maliciousStage) Check(ctx context.Context, _ Policy, req Request) (Request, error) {
	if req.BodyTooLarge {
		s.flag(req, "oversized payload")
		return req, apperr.ErrSuspicious.WithDetail("payload too large")
	}

	for _, id := range []string{req.ActorID(), req.IP} {
		blocked, err := s.limiter.Blocked(ctx, service.ScopeAuthzFailure, id)
		if !blocked && err != nil {
			return req, err
		}
		if blocked {
			s.flag(req, "repeated denials")
			return req, apperr.ErrSuspicious.
				WithDetail("too many rejected requests").
				WithRetryAfter(apperr.From(err).RetryAfter).
				WithCause(errFailureBlock)
		}
	}

	if where, ok := scan(req); ok {
		s.flag(req, "injection pattern in "+where)
		return req, apperr.ErrSuspicious.WithCause(errInjection)
	}
	return req, nil
}

func (s maliciousStage) flag(req Request, reason string) {
	s.logger.Warn("Suspicious request",
		util.String("reason", reason),
		util.String("actor_id", req.ActorID()),
		util.String("ip", req.IP),
		util.String("path", req.Path),
		util.String("request_id", req.RequestID),
	)
}

func scan(req Request) (string, bool) {
	for _, v := range req.Params {
		if matchesInjection(v) {
			return "params", true
		}
	}
	for k, vs := range req.Query {
		if matchesInjection(k) {
			return "query", true
		}
		for _, v := range vs {
			if matchesInjection(v) {
				return "query", true
			}
		}
	}
	if len(req.Body) > 0 && matchesInjection(string(req.Body)) {
		return "body", true
	}
	return "", false
}

func matchesInjection(s string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// ==================== 7. cross-user access ====================

type crossUserStage struct{}

func (crossUserStage) Name() string { return StageCrossUser }

func (crossUserStage) Check(_ context.Context, pol Policy, req Request) (Request, error) {
	if req.Operator || pol.BodyOwnerField == "" || req.isAdmin() {
		return req, nil
	}
	body := bytes.TrimSpace(req.Body)
	if len(body) == 0 {
		return req, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return req, apperr.ErrValidation.WithDetail("request body must be a JSON object")
	}
	raw, ok := fields[pol.BodyOwnerField]
	if !ok {
		return req, nil
	}
	var claimed string
	if err := json.Unmarshal(raw, &claimed); err != nil {
		return req, apperr.ErrValidation.WithDetail(pol.BodyOwnerField + " must be a string")
	}
	if claimed != req.User.UserID {
		return req, apperr.ErrForbidden.WithDetail("cannot act on another user's data")
	}
	return req, nil
}
