package authz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/audit"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/metrics"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/service"
	"marketplace-auth/internal/util"
)

// TokenVerifier checks access tokens
type TokenVerifier interface {
	Verify(token string) (*service.Claims, error)
}

// UserSource loads the live user; deleted users must read as not found
type UserSource interface {
	GetByID(ctx context.Context, userID string) (*models.User, error)
}

// FailureLimiter counts denied requests and reports identities blocked for it
type FailureLimiter interface {
	Admit(ctx context.Context, scope, identifier string) (models.RateLimitDecision, error)
	Blocked(ctx context.Context, scope, identifier string) (bool, error)
}

// Deps are the collaborators of every stage. All but Owners, Matrix, Metrics and
// Clock are required.
type Deps struct {
	Tokens   TokenVerifier
	Users    UserSource
	Limiter  FailureLimiter
	Recorder audit.Recorder
	Owners   map[string]OwnerResolver
	Matrix   *PermissionMatrix
	Metrics  *metrics.Metrics
	Clock    clock.Clock

	MaxBodyBytes int64
	// DevKey enables the operator surface; empty disables it
	DevKey string
}

// Pipeline is built once at startup. Run is a left fold over the checks that stops
// at the first failure; the audit stage records the outcome either way.
type Pipeline struct {
	checks  []Stage
	auditor *auditStage
	limiter FailureLimiter
	owners  map[string]OwnerResolver
	metrics *metrics.Metrics
	maxBody int64
	logger  *zap.Logger
}

// NewPipeline assembles the stages in their fixed order. A missing dependency is an
// error; callers must refuse to serve rather than run without authorization.
func NewPipeline(deps Deps) (*Pipeline, error) {
	var missing []string
	if deps.Tokens == nil {
		missing = append(missing, "token verifier")
	}
	if deps.Users == nil {
		missing = append(missing, "user source")
	}
	if deps.Limiter == nil {
		missing = append(missing, "failure limiter")
	}
	if deps.Recorder == nil {
		missing = append(missing, "audit recorder")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("authorization pipeline missing %s", strings.Join(missing, ", "))
	}

	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Matrix == nil {
		deps.Matrix = DefaultMatrix()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 64 * 1024
	}
	owners := make(map[string]OwnerResolver, len(deps.Owners))
	for k, v := range deps.Owners {
		owners[k] = v
	}
	logger := util.Get()

	return &Pipeline{
		checks: []Stage{
			authenticateStage{tokens: deps.Tokens, users: deps.Users, clock: deps.Clock, devKey: deps.DevKey},
			rolesStage{},
			verificationStage{},
			ownershipStage{owners: owners},
			permissionStage{matrix: deps.Matrix},
			maliciousStage{limiter: deps.Limiter, logger: logger},
			crossUserStage{},
		},
		auditor: &auditStage{recorder: deps.Recorder},
		limiter: deps.Limiter,
		owners:  owners,
		metrics: deps.Metrics,
		maxBody: deps.MaxBodyBytes,
		logger:  logger,
	}, nil
}

// Stages lists the stage names in execution order
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.checks)+1)
	for _, s := range p.checks {
		names = append(names, s.Name())
	}
	return append(names, p.auditor.Name())
}

// Validate rejects policies the pipeline could not enforce
func (p *Pipeline) Validate(pol Policy) error {
	if pol.DevKey {
		return nil
	}
	if pol.Action == "" || pol.Resource == "" {
		return errors.New("policy needs an action and a resource")
	}
	for _, r := range pol.Roles {
		if !r.Valid() {
			return fmt.Errorf("policy %s:%s names unknown role %q", pol.Action, pol.Resource, r)
		}
	}
	if pol.Ownership {
		if _, ok := p.owners[pol.Resource]; !ok {
			return fmt.Errorf("policy %s:%s needs an owner resolver for %q", pol.Action, pol.Resource, pol.Resource)
		}
	}
	return nil
}

// Run executes every check in order and always audits the terminal outcome
func (p *Pipeline) Run(ctx context.Context, pol Policy, req Request) (Request, error) {
	stage := ""
	var err error
	for _, check := range p.checks {
		var next Request
		next, err = check.Check(ctx, pol, req)
		if err != nil {
			stage = check.Name()
			break
		}
		req = next
	}

	p.auditor.record(ctx, pol, req, stage, err)

	if err == nil {
		p.metrics.AuthzDecision(StageAudit, string(models.OutcomeAllowed))
		return req, nil
	}
	outcome := outcomeOf(err)
	p.metrics.AuthzDecision(stage, string(outcome))
	if outcome == models.OutcomeDenied {
		p.countFailure(ctx, req)
	}
	return req, err
}

// countFailure feeds the authz-failure limiter that the malicious-request stage reads
func (p *Pipeline) countFailure(ctx context.Context, req Request) {
	for _, id := range []string{req.ActorID(), req.IP} {
		if _, err := p.limiter.Admit(ctx, service.ScopeAuthzFailure, id); err != nil && !apperr.IsKind(err, apperr.KindRateLimited) {
			p.logger.Warn("Failed to count authorization failure", util.ErrorField(err))
		}
	}
}

// Guard adapts the pipeline to a route. A nil pipeline or an unenforceable policy
// rejects every request.
func (p *Pipeline) Guard(pol Policy) func(http.Handler) http.Handler {
	var invalid error
	if p != nil {
		invalid = p.Validate(pol)
		if invalid != nil {
			util.Error("Route policy rejected, route disabled", util.ErrorField(invalid))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p == nil || invalid != nil {
				apperr.WriteError(w, apperr.ErrUnavailable.WithDetail("authorization unavailable"))
				return
			}

			req, err := p.requestFrom(r)
			if err != nil {
				apperr.WriteError(w, err)
				return
			}
			req, err = p.Run(r.Context(), pol, req)
			if err != nil {
				if apperr.IsKind(err, apperr.KindUnauthenticated) {
					w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				}
				apperr.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRequest(r.Context(), req)))
		})
	}
}

// requestFrom builds the pipeline input. The body is read up to the configured
// limit and restored for the handler.
func (p *Pipeline) requestFrom(r *http.Request) (Request, error) {
	req := Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		IP:        clientIP(r.RemoteAddr),
		RequestID: middleware.GetReqID(r.Context()),
		UserAgent: r.UserAgent(),
		Token:     bearerToken(r.Header.Get("Authorization")),
		DevKey:    r.Header.Get("X-Dev-Key"),
		Query:     r.URL.Query(),
		Params:    map[string]string{},
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, k := range rctx.URLParams.Keys {
			if k != "*" && i < len(rctx.URLParams.Values) {
				req.Params[k] = rctx.URLParams.Values[i]
			}
		}
	}

	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(io.LimitReader(r.Body, p.maxBody+1))
		_ = r.Body.Close()
		if err != nil {
			return req, apperr.ErrValidation.WithDetail("unreadable request body")
		}
		if int64(len(body)) > p.maxBody {
			req.BodyTooLarge = true
			body = body[:p.maxBody]
		}
		req.Body = body
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	return req, nil
}

func bearerToken(value string) string {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return ""
	}
	return strings.TrimSpace(value[len(bearer):])
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func outcomeOf(err error) models.AuditOutcome {
	if appErr := apperr.From(err); appErr.HTTPStatus >= http.StatusInternalServerError {
		return models.OutcomeError
	}
	return models.OutcomeDenied
}

// ==================== 8. audit ====================

type auditStage struct {
	recorder audit.Recorder
}

func (*auditStage) Name() string { return StageAudit }

func (s *auditStage) record(ctx context.Context, pol Policy, req Request, stage string, err error) {
	ev := audit.Event{
		ActorID:    req.ActorID(),
		ActorRole:  string(req.actorRole()),
		Action:     pol.Action,
		Resource:   pol.Resource,
		ResourceID: req.ResourceID,
		Outcome:    models.OutcomeAllowed,
		IPAddress:  req.IP,
		RequestID:  req.RequestID,
		Method:     req.Method,
		Path:       req.Path,
	}
	if pol.DevKey && ev.Action == "" {
		ev.Action, ev.Resource = "read", "diagnostics"
	}
	if ev.ResourceID == "" && pol.Ownership {
		ev.ResourceID = req.Params[pol.ownerParam()]
	}
	if err != nil {
		ev = audit.Denied(ev, stage, reasonOf(err))
		ev.Outcome = outcomeOf(err)
	}
	s.recorder.Record(ctx, ev)
}

func reasonOf(err error) string {
	appErr := apperr.From(err)
	switch {
	case appErr.Err != nil:
		return appErr.Err.Error()
	case appErr.Detail != "":
		return appErr.Detail
	}
	return string(appErr.Kind)
}
