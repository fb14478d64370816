package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketplace-auth/internal/audit"
	"marketplace-auth/internal/authz"
	"marketplace-auth/internal/bucketing"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/encryption"
	"marketplace-auth/internal/hashing"
	"marketplace-auth/internal/metrics"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/notification"
	"marketplace-auth/internal/repository/memory"
	"marketplace-auth/internal/service"
	"marketplace-auth/internal/target"
)

// syncAudit records straight into a memory sink so assertions need no waiting
type syncAudit struct {
	sink     *audit.MemorySink
	enricher audit.Enricher
}

func (s *syncAudit) Record(ctx context.Context, e audit.Event) {
	_ = s.sink.Emit(ctx, s.enricher.Apply(e))
}

type harness struct {
	t       *testing.T
	clock   *clock.Fake
	factory *service.ServiceFactory
	audit   *audit.MemorySink
	router  chi.Router

	mu    sync.Mutex
	codes map[string]string
}

func newHarness(t *testing.T, routerOpts ...func(*RouterConfig)) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.Hashing.Argon2MemoryCost = 1024
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Hashing.Peppers = map[int]string{1: "handler-pepper"}
	cfg.Hashing.CurrentPepper = 1
	cfg.JWT.Secret = "handler-secret-handler-secret-000"
	cfg.OTP.RetryBackoff = time.Millisecond
	cfg.Security.UserCacheTTL = 0

	h := &harness{
		t:     t,
		clock: clock.NewFake(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)),
		audit: audit.NewMemorySink(100),
		codes: map[string]string{},
	}
	gateway := notification.GatewayFunc(func(_ context.Context, to target.Target, code string) error {
		h.mu.Lock()
		h.codes[to.Value] = code
		h.mu.Unlock()
		return nil
	})
	recorder := &syncAudit{sink: h.audit, enricher: audit.Enricher{Clock: h.clock}}
	m := metrics.New()

	users := memory.NewUserRepository()
	f, err := service.NewServiceFactory(cfg, service.Stores{
		OTP:         memory.NewOTPStore(),
		RateLimits:  memory.NewRateLimitStore(),
		Sessions:    memory.NewSessionStore(),
		Users:       users,
		Preferences: users,
		Artisans:    memory.NewArtisanRepository(),
	}, gateway, hashing.NewHasher(cfg), encryption.NewEncryptionManager(cfg, nil),
		bucketing.NewBucketingManager(cfg), recorder, m, h.clock)
	require.NoError(t, err)
	h.factory = f

	pipeline, err := authz.NewPipeline(authz.Deps{
		Tokens:   f.TokenService(),
		Users:    f.UserService().Live(),
		Limiter:  f.RateLimiter(),
		Recorder: recorder,
		Owners:   map[string]authz.OwnerResolver{"artisan": f.ArtisanService().OwnerOf},
		Matrix:   authz.DefaultMatrix(),
		Metrics:  m,
		Clock:    h.clock,
		DevKey:   "ops-key",
	})
	require.NoError(t, err)

	logger := zap.NewNop()
	routerCfg := RouterConfig{}
	for _, opt := range routerOpts {
		opt(&routerCfg)
	}
	router, err := NewRouter(routerCfg, Handlers{
		Auth:        NewAuthHandler(f.AuthService(), logger),
		Users:       NewUserHandler(f.UserService(), h.audit, logger),
		Artisans:    NewArtisanHandler(f.ArtisanService(), logger),
		Diagnostics: NewDiagnosticsHandler(pipeline, f.UserService(), nil, h.clock),
	}, pipeline, m, logger)
	require.NoError(t, err)
	h.router = router
	return h
}

func (h *harness) lastCode(phone string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.codes[phone]
}

type reply struct {
	status int
	header http.Header
	body   map[string]interface{}
	raw    string
}

func (h *harness) do(method, path, token string, body interface{}) reply {
	h.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	out := reply{status: rec.Code, header: rec.Header(), raw: rec.Body.String()}
	if strings.TrimSpace(out.raw) != "" {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &out.body), out.raw)
	}
	return out
}

func data(r reply) map[string]interface{} {
	d, _ := r.body["data"].(map[string]interface{})
	return d
}

// signUp registers through the API and verifies the phone, returning an access token
func (h *harness) signUp(phone string, role models.Role) (userID, token string) {
	h.t.Helper()
	res := h.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"phone": phone, "name": "Maker", "password": "correct horse", "role": string(role),
	})
	require.Equal(h.t, http.StatusCreated, res.status, res.raw)

	canonical, err := target.ParsePhone(phone, "IN")
	require.NoError(h.t, err)
	res = h.do(http.MethodPost, "/api/v1/auth/verify-otp", "", map[string]string{
		"phone": phone, "otp": h.lastCode(canonical.Value),
	})
	require.Equal(h.t, http.StatusOK, res.status, res.raw)
	tokens := data(res)["tokens"].(map[string]interface{})
	return data(res)["userId"].(string), tokens["accessToken"].(string)
}

// admin is created out of band since the role cannot be self-assigned
func (h *harness) admin() string {
	h.t.Helper()
	ctx := context.Background()
	tg, err := target.ParseEmail("ops@example.com")
	require.NoError(h.t, err)
	users := h.factory.UserService()
	u, err := users.CreateUser(ctx, &service.UserCreateRequest{
		Name: "Ops", Target: tg, Password: "correct horse", Role: models.RoleAdmin, AllowPrivileged: true,
	})
	require.NoError(h.t, err)
	u, err = users.MarkTargetVerified(ctx, u.UserID, target.KindEmail)
	require.NoError(h.t, err)
	pair, err := h.factory.TokenService().Issue(ctx, u, service.ClientMeta{})
	require.NoError(h.t, err)
	return pair.AccessToken
}

func TestScenarioA_WrongCodeReportsRemainingAttempts(t *testing.T) {
	h := newHarness(t)
	res := h.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"phone": "+919876543210", "name": "Asha", "password": "correct horse",
	})
	require.Equal(t, http.StatusCreated, res.status, res.raw)

	h.clock.Advance(61 * time.Second)
	res = h.do(http.MethodPost, "/api/v1/auth/send-otp", "", map[string]string{"phone": "+919876543210"})
	require.Equal(t, http.StatusOK, res.status, res.raw)
	assert.EqualValues(t, 600, data(res)["expiresInSeconds"])
	assert.EqualValues(t, 5, data(res)["attemptsRemaining"])

	wrong := "000000"
	if h.lastCode("+919876543210") == wrong {
		wrong = "111111"
	}
	res = h.do(http.MethodPost, "/api/v1/auth/verify-otp", "", map[string]string{"phone": "+919876543210", "otp": wrong})
	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, false, res.body["success"])
	assert.Equal(t, "otp_mismatch", res.body["error"])
	assert.EqualValues(t, 4, res.body["attemptsRemaining"])
}

func TestScenarioB_ResendInsideCooldown(t *testing.T) {
	h := newHarness(t)
	res := h.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"phone": "+919876543210", "name": "Asha", "password": "correct horse",
	})
	require.Equal(t, http.StatusCreated, res.status, res.raw)

	h.clock.Advance(20 * time.Second)
	res = h.do(http.MethodPost, "/api/v1/auth/resend-otp", "", map[string]string{"phone": "+919876543210"})
	assert.Equal(t, http.StatusTooManyRequests, res.status)
	assert.Equal(t, "cooldown", res.body["error"])
	assert.EqualValues(t, 40, res.body["retryAfterSeconds"])
	assert.Equal(t, "40", res.header.Get("Retry-After"))
}

func TestScenarioC_ReverifyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	res := h.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"phone": "+919876543210", "name": "Asha", "password": "correct horse",
	})
	require.Equal(t, http.StatusCreated, res.status, res.raw)
	code := h.lastCode("+919876543210")

	first := h.do(http.MethodPost, "/api/v1/auth/verify-otp", "", map[string]string{"phone": "+919876543210", "otp": code})
	require.Equal(t, http.StatusOK, first.status, first.raw)
	assert.Nil(t, data(first)["alreadyVerified"])

	second := h.do(http.MethodPost, "/api/v1/auth/verify-otp", "", map[string]string{"phone": "+91 98765 43210", "otp": code})
	require.Equal(t, http.StatusOK, second.status, second.raw)
	assert.Equal(t, true, data(second)["alreadyVerified"])

	status := h.do(http.MethodGet, "/api/v1/auth/otp-status?phone=%2B919876543210", "", nil)
	require.Equal(t, http.StatusOK, status.status, status.raw)
	assert.Equal(t, "verified", data(status)["status"])
	assert.EqualValues(t, 5, data(status)["attemptsRemaining"])
}

func TestScenarioD_NonOwnerGetsNotFoundAndIsAudited(t *testing.T) {
	h := newHarness(t)
	_, ownerToken := h.signUp("+919876543210", models.RoleArtisan)
	intruderID, intruderToken := h.signUp("+919812345678", models.RoleArtisan)

	created := h.do(http.MethodPost, "/api/v1/artisans", ownerToken, map[string]string{
		"displayName": "Clay & Kiln", "bio": "Hand-thrown stoneware",
	})
	require.Equal(t, http.StatusCreated, created.status, created.raw)
	id := data(created)["id"].(string)

	denied := h.do(http.MethodPut, "/api/v1/artisans/"+id, intruderToken, map[string]string{"displayName": "Mine now"})
	assert.Equal(t, http.StatusNotFound, denied.status)

	missing := h.do(http.MethodPut, "/api/v1/artisans/no-such-id", intruderToken, map[string]string{"displayName": "Mine now"})
	assert.Equal(t, http.StatusNotFound, missing.status)
	assert.JSONEq(t, missing.raw, denied.raw)

	events, err := h.audit.Export(context.Background(), audit.Filter{ActorID: intruderID, Outcome: models.OutcomeDenied})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	var found bool
	for _, e := range events {
		if e.ResourceID == id {
			found = true
			assert.Equal(t, "update", e.Action)
			assert.Equal(t, "artisan", e.Resource)
			assert.Equal(t, authz.StageOwnership, e.Stage)
		}
	}
	assert.True(t, found, "denied update on %s not audited", id)

	owner := h.do(http.MethodPut, "/api/v1/artisans/"+id, ownerToken, map[string]string{"displayName": "Clay and Kiln"})
	assert.Equal(t, http.StatusOK, owner.status, owner.raw)
}

func TestPayoutNeedsIdentityReview(t *testing.T) {
	h := newHarness(t)
	ownerID, ownerToken := h.signUp("+919876543210", models.RoleArtisan)
	adminToken := h.admin()

	created := h.do(http.MethodPost, "/api/v1/artisans", ownerToken, map[string]string{"displayName": "Loom Works"})
	require.Equal(t, http.StatusCreated, created.status, created.raw)
	id := data(created)["id"].(string)

	payout := map[string]string{"account": "IN00HDFC0001234567"}
	res := h.do(http.MethodPut, "/api/v1/artisans/"+id+"/payout", ownerToken, payout)
	assert.Equal(t, http.StatusForbidden, res.status)
	assert.Equal(t, "verification_required", res.body["error"])

	res = h.do(http.MethodPut, "/api/v1/admin/users/"+ownerID+"/identity", adminToken, map[string]bool{"verified": true})
	require.Equal(t, http.StatusOK, res.status, res.raw)

	res = h.do(http.MethodPut, "/api/v1/artisans/"+id+"/payout", ownerToken, payout)
	require.Equal(t, http.StatusOK, res.status, res.raw)
	assert.Equal(t, "**************4567", data(res)["payoutAccount"])

	// other roles read the profile without payout details
	_, customerToken := h.signUp("+919811111111", models.RoleCustomer)
	res = h.do(http.MethodGet, "/api/v1/artisans/"+id, customerToken, nil)
	require.Equal(t, http.StatusOK, res.status, res.raw)
	assert.NotContains(t, data(res), "payoutAccount")
}

func TestProfileAndPreferences(t *testing.T) {
	h := newHarness(t)
	userID, token := h.signUp("+919876543210", models.RoleCustomer)

	res := h.do(http.MethodGet, "/api/v1/users/me", token, nil)
	require.Equal(t, http.StatusOK, res.status, res.raw)
	assert.Equal(t, userID, data(res)["userId"])
	assert.Equal(t, "+919876543210", data(res)["phone"])
	assert.Equal(t, true, data(res)["isPhoneVerified"])

	res = h.do(http.MethodPatch, "/api/v1/users/me/preferences", token, map[string]interface{}{
		"userId": userID, "language": "hi", "marketingOk": true,
	})
	require.Equal(t, http.StatusOK, res.status, res.raw)
	assert.Equal(t, "hi", data(res)["language"])

	res = h.do(http.MethodPatch, "/api/v1/users/me/preferences", token, map[string]interface{}{
		"userId": "someone-else", "language": "en",
	})
	assert.Equal(t, http.StatusForbidden, res.status)

	res = h.do(http.MethodGet, "/api/v1/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.status)
	assert.NotEmpty(t, res.header.Get("WWW-Authenticate"))
}

func TestAdminRoutes(t *testing.T) {
	h := newHarness(t)
	userID, token := h.signUp("+919876543210", models.RoleCustomer)
	adminToken := h.admin()

	res := h.do(http.MethodPut, "/api/v1/admin/users/"+userID+"/role", token, map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusForbidden, res.status)

	res = h.do(http.MethodPut, "/api/v1/admin/users/"+userID+"/role", adminToken, map[string]string{"role": "distributor"})
	require.Equal(t, http.StatusOK, res.status, res.raw)
	assert.Equal(t, "distributor", data(res)["role"])

	// the old token still names the old role
	res = h.do(http.MethodGet, "/api/v1/users/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, res.status)

	res = h.do(http.MethodGet, "/api/v1/admin/audit-events?outcome=denied&limit=10", adminToken, nil)
	require.Equal(t, http.StatusOK, res.status, res.raw)
	events, ok := res.body["data"].([]interface{})
	require.True(t, ok, res.raw)
	assert.NotEmpty(t, events)

	res = h.do(http.MethodGet, "/api/v1/admin/audit-events?limit=-1", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, res.status)

	res = h.do(http.MethodDelete, "/api/v1/admin/users/"+userID, adminToken, nil)
	assert.Equal(t, http.StatusNoContent, res.status)
}

func TestDiagnosticsNeedsOperatorKey(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/internal/diagnostics", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/internal/diagnostics", nil)
	req.Header.Set("X-Dev-Key", "ops-key")
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Data struct {
			Stages    []string `json:"stages"`
			UserStore string   `json:"userStore"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data.Stages, 8)
	assert.Equal(t, "healthy", body.Data.UserStore)
}

func TestRouterEdges(t *testing.T) {
	h := newHarness(t)

	res := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "marketplace-auth", res.body["service"])

	res = h.do(http.MethodGet, "/api/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, res.status)
	assert.Equal(t, false, res.body["success"])

	res = h.do(http.MethodDelete, "/api/v1/auth/login", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, res.status)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/send-otp", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "must be valid JSON")
}

func TestRequireHTTPS(t *testing.T) {
	router, err := NewRouter(RouterConfig{RequireTLS: true}, Handlers{}, nil, nil, zap.NewNop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)

	// httptest peers are 192.0.2.1, which is not a trusted proxy here
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)

	router, err = NewRouter(RouterConfig{RequireTLS: true, TrustedProxies: []string{"192.0.2.0/24"}}, Handlers{}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRouter_RejectsBadTrustedProxy(t *testing.T) {
	_, err := NewRouter(RouterConfig{TrustedProxies: []string{"10.0.0.0/33"}}, Handlers{}, nil, nil, zap.NewNop())
	assert.Error(t, err)
}

// sendFromForwarded posts send-otp for distinct unknown phones, each claiming a
// different client address in the forwarding headers.
func sendFromForwarded(h *harness, calls int) []int {
	var statuses []int
	for i := 0; i < calls; i++ {
		body := fmt.Sprintf(`{"phone":"+9198765432%02d"}`, i)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/send-otp", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i+1))
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}
	return statuses
}

func TestClientIP_ForwardingHeadersFromUntrustedPeerAreIgnored(t *testing.T) {
	h := newHarness(t)
	statuses := sendFromForwarded(h, 7)
	assert.Equal(t, http.StatusNotFound, statuses[0])
	assert.Equal(t, http.StatusTooManyRequests, statuses[6], "per-IP quota applies to the real peer")
}

func TestClientIP_TrustedProxyForwardsClientAddress(t *testing.T) {
	h := newHarness(t, func(c *RouterConfig) { c.TrustedProxies = []string{"192.0.2.1"} })
	for _, status := range sendFromForwarded(h, 7) {
		assert.Equal(t, http.StatusNotFound, status)
	}
}

func TestTrustedProxies_WalksForwardedForFromTheRight(t *testing.T) {
	proxies, err := parseTrustedProxies([]string{"192.0.2.0/24", "10.0.0.0/8"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.4, 10.1.2.3")
	assert.Equal(t, "198.51.100.4", proxies.forwardedClient(req), "left-most entries are client controlled")

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Empty(t, proxies.forwardedClient(req))
}
