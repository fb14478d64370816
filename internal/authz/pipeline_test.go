package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/audit"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository/memory"
	"marketplace-auth/internal/service"
)

type fakeTokens map[string]*service.Claims

func (f fakeTokens) Verify(token string) (*service.Claims, error) {
	if c, ok := f[token]; ok {
		return c, nil
	}
	return nil, apperr.ErrUnauthenticated.WithDetail("invalid access token")
}

type fakeUsers map[string]*models.User

func (f fakeUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	if u, ok := f[id]; ok && !u.IsDeleted {
		return u.Clone(), nil
	}
	return nil, apperr.ErrNotFound
}

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Record(_ context.Context, e audit.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) last(t *testing.T) audit.Event {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.events)
	return l.events[len(l.events)-1]
}

type harness struct {
	pipeline      *Pipeline
	users         fakeUsers
	tokens        fakeTokens
	events        *eventLog
	clock         *clock.Fake
	resolverCalls int
}

// artisan "a-1" is owned by user "u-artisan"
func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Defaults()
	for _, m := range mutate {
		m(cfg)
	}
	h := &harness{
		users:  fakeUsers{},
		tokens: fakeTokens{},
		events: &eventLog{},
		clock:  clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)),
	}
	h.addUser("u-customer", models.RoleCustomer, true, false)
	h.addUser("u-artisan", models.RoleArtisan, true, false)
	h.addUser("u-kyc", models.RoleArtisan, true, true)
	h.addUser("u-admin", models.RoleAdmin, true, false)

	p, err := NewPipeline(Deps{
		Tokens:   h.tokens,
		Users:    h.users,
		Limiter:  service.NewRateLimiter(memory.NewRateLimitStore(), cfg, h.clock, nil),
		Recorder: h.events,
		Clock:    h.clock,
		Owners: map[string]OwnerResolver{
			"artisan": func(_ context.Context, id string) (string, error) {
				h.resolverCalls++
				switch id {
				case "a-1":
					return "u-artisan", nil
				case "a-kyc":
					return "u-kyc", nil
				}
				return "", apperr.ErrNotFound.WithDetail("artisan profile not found")
			},
		},
		MaxBodyBytes: 256,
		DevKey:       "operator-secret",
	})
	require.NoError(t, err)
	h.pipeline = p
	return h
}

func (h *harness) addUser(id string, role models.Role, contact, identity bool) {
	h.users[id] = &models.User{UserID: id, Role: role, IsPhoneVerified: contact, IsIdentityVerified: identity}
	h.tokens["tok-"+id] = &service.Claims{
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: id},
	}
}

func (h *harness) serve(pol Policy, method, pattern, target, token, body string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.With(h.pipeline.Guard(pol)).MethodFunc(method, pattern, func(w http.ResponseWriter, r *http.Request) {
		req, _ := FromContext(r.Context())
		w.Header().Set("X-Actor", req.ActorID())
		w.WriteHeader(http.StatusOK)
	})

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.RemoteAddr = "198.51.100.9:4242"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

var updateArtisan = Policy{
	Action:    "update",
	Resource:  "artisan",
	Roles:     []models.Role{models.RoleArtisan, models.RoleAdmin},
	Ownership: true,
}

func TestNewPipeline_FailsClosedOnMissingDependencies(t *testing.T) {
	_, err := NewPipeline(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token verifier")

	var nilPipeline *Pipeline
	r := chi.NewRouter()
	r.With(nilPipeline.Guard(updateArtisan)).Put("/artisans/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/artisans/a-1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPipeline_StageOrderIsFixed(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{
		StageAuthenticate, StageRoles, StageVerification, StageOwnership,
		StagePermission, StageMalicious, StageCrossUser, StageAudit,
	}, h.pipeline.Stages())
}

func TestPipeline_MissingOrInvalidToken(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(updateArtisan, http.MethodPut, "/artisans/{id}", "/artisans/a-1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = h.serve(updateArtisan, http.MethodPut, "/artisans/{id}", "/artisans/a-1", "forged", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ev := h.events.last(t)
	assert.Equal(t, models.OutcomeDenied, ev.Outcome)
	assert.Equal(t, StageAuthenticate, ev.Stage)
	assert.Equal(t, "198.51.100.9", ev.IPAddress)
}

func TestPipeline_WrongRoleNeverReachesOwnershipAndIsAudited(t *testing.T) {
	h := newHarness(t)

	rec := h.serve(updateArtisan, http.MethodPut, "/artisans/{id}", "/artisans/a-1", "tok-u-customer", `{"bio":"x"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, rec))
	assert.Equal(t, 0, h.resolverCalls)

	ev := h.events.last(t)
	assert.Equal(t, models.OutcomeDenied, ev.Outcome)
	assert.Equal(t, StageRoles, ev.Stage)
	assert.Equal(t, "u-customer", ev.ActorID)
	assert.Equal(t, "update", ev.Action)
	assert.Equal(t, "artisan", ev.Resource)
	assert.Equal(t, "a-1", ev.ResourceID)
}

func TestPipeline_StaleRoleIsRejected(t *testing.T) {
	h := newHarness(t)
	h.users["u-artisan"].Role = models.RoleCustomer

	rec := h.serve(updateArtisan, http.MethodPut, "/artisans/{id}", "/artisans/a-1", "tok-u-artisan", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token role differs from current role", h.events.last(t).Reason)
}

func TestPipeline_LockedAndDeletedUsers(t *testing.T) {
	h := newHarness(t)
	until := h.clock.Now().Add(10 * time.Minute)
	h.users["u-artisan"].LockedUntil = &until
	rec := h.serve(updateArtisan, http.MethodPut, "/artisans/{id}", "/artisans/a-1", "tok-u-artisan", "")
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "600", rec.Header().Get("Retry-After"))

	h.users["u-kyc"].IsDeleted = true
	rec = h.serve(updateArtisan, http.MethodPut, "/artisans/{id}", "/artisans/a-kyc", "tok-u-kyc", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPipeline_OwnershipHidesExistence(t *testing.T) {
	h := newHarness(t)
	h.addUser("u-other", models.RoleArtisan, true, false)

	notOwner := h.serve(updateArtisan, http.MethodPut, "/artisans/{id}", "/artisans/a-1", "tok-u-other", "")
	missing := h.serve(updateArtisan, http.MethodPut, "/artisans/{id}", "/artisans/nope", "tok-u-other", "")
	assert.Equal(t, http.StatusNotFound, notOwner.Code)
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.JSONEq(t, notOwner.Body.String(), missing.Body.String())

	owner := h.serve(updateArtisan, http.MethodPut, "/artisans/{id}", "/artisans/a-1", "tok-u-artisan", "")
	assert.Equal(t, http.StatusOK, owner.Code)
	assert.Equal(t, "u-artisan", owner.Header().Get("X-Actor"))

	admin := h.serve(updateArtisan, http.MethodPut, "/artisans/{id}", "/artisans/a-1", "tok-u-admin", "")
	assert.Equal(t, http.StatusOK, admin.Code)
	assert.Equal(t, models.OutcomeAllowed, h.events.last(t).Outcome)
}

func TestPipeline_IdentityVerificationGate(t *testing.T) {
	h := newHarness(t)
	payout := updateArtisan
	payout.Action = "update_payout"
	payout.Verification = VerifyContact | VerifyIdentity

	rec := h.serve(payout, http.MethodPut, "/artisans/{id}/payout", "/artisans/a-1/payout", "tok-u-artisan", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "VERIFICATION_REQUIRED", errorCode(t, rec))

	rec = h.serve(payout, http.MethodPut, "/artisans/{id}/payout", "/artisans/a-kyc/payout", "tok-u-kyc", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipeline_PermissionMatrix(t *testing.T) {
	h := newHarness(t)
	create := Policy{Action: "create", Resource: "artisan"}

	rec := h.serve(create, http.MethodPost, "/artisans", "/artisans", "tok-u-customer", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, StagePermission, h.events.last(t).Stage)

	rec = h.serve(create, http.MethodPost, "/artisans", "/artisans", "tok-u-artisan", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	m := DefaultMatrix()
	assert.True(t, m.Allowed(models.RoleAdmin, "delete", "user"))
	assert.False(t, m.Allowed(models.RoleDistributor, "delete", "user"))
	assert.False(t, m.Allowed(models.Role("ghost"), "read", "artisan"))
}

func TestPipeline_MaliciousRequests(t *testing.T) {
	h := newHarness(t)
	pol := Policy{Action: "update", Resource: "preferences"}

	cases := map[string]struct{ target, body string }{
		"script body":   {"/prefs", `{"language":"<script>alert(1)</script>"}`},
		"sql in query":  {"/prefs?q=1%27%20OR%20%271%27%3D%271", ""},
		"nosql body":    {"/prefs", `{"userId":{"$ne":null}}`},
		"nosql query":   {"/prefs?userId[$ne]=x", ""},
		"traversal":     {"/prefs?file=../../etc/passwd", ""},
		"oversize body": {"/prefs", `{"extra":"` + strings.Repeat("a", 300) + `"}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := h.serve(pol, http.MethodPatch, "/prefs", tc.target, "tok-u-customer", tc.body)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, "SUSPICIOUS_REQUEST", errorCode(t, rec))
			assert.Equal(t, StageMalicious, h.events.last(t).Stage)
		})
	}

	rec := h.serve(pol, http.MethodPatch, "/prefs", "/prefs", "tok-u-customer", `{"language":"en"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipeline_RepeatedDenialsBlockTheIdentity(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimit.Policies[service.ScopeAuthzFailure] = config.RateLimitPolicy{
			Limit: 2, Window: 10 * time.Minute, BaseBlock: 5 * time.Minute, MaxBlock: time.Hour,
		}
	})
	create := Policy{Action: "create", Resource: "artisan"}

	for i := 0; i < 3; i++ {
		rec := h.serve(create, http.MethodPost, "/artisans", "/artisans", "tok-u-customer", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}

	// a request the customer is allowed to make is now refused
	read := Policy{Action: "read", Resource: "artisan"}
	rec := h.serve(read, http.MethodGet, "/artisans", "/artisans", "tok-u-customer", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "SUSPICIOUS_REQUEST", errorCode(t, rec))
	assert.Equal(t, "300", rec.Header().Get("Retry-After"))

	h.clock.Advance(6 * time.Minute)
	h.addUser("u-fresh", models.RoleCustomer, true, false)
	rec = h.serve(read, http.MethodGet, "/artisans", "/artisans", "tok-u-fresh", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipeline_CrossUserAccess(t *testing.T) {
	h := newHarness(t)
	pol := Policy{Action: "update", Resource: "preferences", BodyOwnerField: "userId"}

	rec := h.serve(pol, http.MethodPatch, "/prefs", "/prefs", "tok-u-customer", `{"userId":"u-artisan","language":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, StageCrossUser, h.events.last(t).Stage)

	rec = h.serve(pol, http.MethodPatch, "/prefs", "/prefs", "tok-u-customer", `{"userId":"u-customer","language":"hi"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.serve(pol, http.MethodPatch, "/prefs", "/prefs", "tok-u-customer", `{"language":"hi"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.serve(pol, http.MethodPatch, "/prefs", "/prefs", "tok-u-admin", `{"userId":"u-customer"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.serve(pol, http.MethodPatch, "/prefs", "/prefs", "tok-u-customer", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPipeline_BodyIsRestoredForHandler(t *testing.T) {
	h := newHarness(t)
	pol := Policy{Action: "update", Resource: "preferences"}

	var got string
	r := chi.NewRouter()
	r.With(h.pipeline.Guard(pol)).Patch("/prefs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = body["language"]
		w.WriteHeader(http.StatusNoContent)
	})
	req := httptest.NewRequest(http.MethodPatch, "/prefs", strings.NewReader(`{"language":"ta"}`))
	req.Header.Set("Authorization", "Bearer tok-u-customer")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "ta", got)
}

func TestPipeline_OperatorKey(t *testing.T) {
	h := newHarness(t)
	pol := Policy{DevKey: true}

	call := func(key string) int {
		r := chi.NewRouter()
		r.With(h.pipeline.Guard(pol)).Get("/internal/diagnostics", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		req := httptest.NewRequest(http.MethodGet, "/internal/diagnostics", nil)
		if key != "" {
			req.Header.Set("X-Dev-Key", key)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("operator-secret"))
	assert.Equal(t, "operator", h.events.last(t).ActorID)
	assert.Equal(t, http.StatusUnauthorized, call("guess"))
	assert.Equal(t, http.StatusUnauthorized, call(""))
}

func TestPipeline_InvalidPolicyDisablesRoute(t *testing.T) {
	h := newHarness(t)
	pol := Policy{Action: "update", Resource: "order", Ownership: true}
	require.Error(t, h.pipeline.Validate(pol))

	rec := h.serve(pol, http.MethodPut, "/orders/{id}", "/orders/o-1", "tok-u-admin", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
