package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketplace-auth/internal/audit"
	"marketplace-auth/internal/bucketing"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/encryption"
	"marketplace-auth/internal/hashing"
	"marketplace-auth/internal/metrics"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository"
	"marketplace-auth/internal/repository/memory"
	"marketplace-auth/internal/target"
)

type sentCode struct {
	to   target.Target
	code string
}

// recordingGateway captures codes and can be told to fail or to hang until
// the caller's deadline
type recordingGateway struct {
	mu    sync.Mutex
	sent  []sentCode
	fail  error
	stall bool
	calls int
}

func (g *recordingGateway) Send(ctx context.Context, to target.Target, code string) error {
	g.mu.Lock()
	g.calls++
	stall := g.stall
	g.mu.Unlock()
	if stall {
		<-ctx.Done()
		return ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return g.fail
	}
	g.sent = append(g.sent, sentCode{to: to, code: code})
	return nil
}

// stallingOTPStore hangs reads until the caller's deadline while stall is set
type stallingOTPStore struct {
	repository.OTPStore
	stall  atomic.Bool
	stalls atomic.Int32
}

func (s *stallingOTPStore) Get(ctx context.Context, targetHash string) (*models.OTPRecord, error) {
	if s.stall.Load() {
		s.stalls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.OTPStore.Get(ctx, targetHash)
}

func (g *recordingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func (g *recordingGateway) last() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sent[len(g.sent)-1].code
}

type syncRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *syncRecorder) Record(_ context.Context, e audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *syncRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action+":"+string(e.Outcome))
	}
	return out
}

type testEnv struct {
	cfg      *config.Config
	clock    *clock.Fake
	gateway  *recordingGateway
	hasher   *hashing.Hasher
	recorder *syncRecorder
	stores   Stores
	factory  *ServiceFactory
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Hashing.Argon2MemoryCost = 1024
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.Hashing.Peppers = map[int]string{1: "test-pepper"}
	cfg.Hashing.CurrentPepper = 1
	cfg.JWT.Secret = "test-secret-test-secret-test-secret"
	cfg.OTP.RetryBackoff = time.Millisecond
	cfg.Security.UserCacheTTL = 0
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	users := memory.NewUserRepository()
	env := &testEnv{
		cfg:      cfg,
		clock:    clock.NewFake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)),
		gateway:  &recordingGateway{},
		hasher:   hashing.NewHasher(cfg),
		recorder: &syncRecorder{},
		stores: Stores{
			OTP:         memory.NewOTPStore(),
			RateLimits:  memory.NewRateLimitStore(),
			Sessions:    memory.NewSessionStore(),
			Users:       users,
			Preferences: users,
			Artisans:    memory.NewArtisanRepository(),
		},
	}

	f, err := NewServiceFactory(
		cfg,
		env.stores,
		env.gateway,
		env.hasher,
		encryption.NewEncryptionManager(cfg, nil),
		bucketing.NewBucketingManager(cfg),
		env.recorder,
		metrics.New(),
		env.clock,
	)
	require.NoError(t, err)
	env.factory = f
	return env
}

func mustPhone(t *testing.T, raw string) target.Target {
	t.Helper()
	tg, err := target.ParsePhone(raw, "IN")
	require.NoError(t, err)
	return tg
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

var errGatewayDown = errors.New("gateway down")
