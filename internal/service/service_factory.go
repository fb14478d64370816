package service

import (
	"fmt"

	"marketplace-auth/internal/audit"
	"marketplace-auth/internal/bucketing"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/encryption"
	"marketplace-auth/internal/hashing"
	"marketplace-auth/internal/metrics"
	"marketplace-auth/internal/notification"
	"marketplace-auth/internal/repository"
)

// Stores groups the storage backends selected by configuration
type Stores struct {
	OTP         repository.OTPStore
	RateLimits  repository.RateLimitStore
	Sessions    repository.SessionStore
	Users       repository.UserRepository
	Preferences repository.PreferencesRepository
	Artisans    repository.ArtisanRepository
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	stores Stores

	userService    *UserService
	otpService     *OTPService
	rateLimiter    *RateLimiter
	tokenService   *TokenService
	authService    *AuthService
	artisanService *ArtisanService
}

// NewServiceFactory wires every service eagerly so configuration errors surface at startup
func NewServiceFactory(
	cfg *config.Config,
	stores Stores,
	gateway notification.Gateway,
	hasher *hashing.Hasher,
	encryptionMgr *encryption.EncryptionManager,
	bucketingMgr *bucketing.BucketingManager,
	recorder audit.Recorder,
	m *metrics.Metrics,
	clk clock.Clock,
) (*ServiceFactory, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	f := &ServiceFactory{stores: stores}

	f.userService = NewUserService(stores.Users, stores.Preferences, stores.Sessions, hasher, encryptionMgr, bucketingMgr, cfg, clk)
	f.otpService = NewOTPService(stores.OTP, gateway, hasher, clk, cfg.OTP, m)
	f.rateLimiter = NewRateLimiter(stores.RateLimits, cfg, clk, m)

	tokens, err := NewTokenService(cfg, stores.Sessions, f.userService.Live(), clk)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}
	f.tokenService = tokens
	f.authService = NewAuthService(f.userService, f.otpService, f.rateLimiter, tokens, hasher, recorder, cfg, clk)
	f.artisanService = NewArtisanService(stores.Artisans, clk)
	return f, nil
}

func (f *ServiceFactory) Stores() Stores { return f.stores }

func (f *ServiceFactory) UserService() *UserService       { return f.userService }
func (f *ServiceFactory) OTPService() *OTPService         { return f.otpService }
func (f *ServiceFactory) RateLimiter() *RateLimiter       { return f.rateLimiter }
func (f *ServiceFactory) TokenService() *TokenService     { return f.tokenService }
func (f *ServiceFactory) AuthService() *AuthService       { return f.authService }
func (f *ServiceFactory) ArtisanService() *ArtisanService { return f.artisanService }

// Cleanup cleans up all services
func (f *ServiceFactory) Cleanup() {
	if f.userService != nil {
		f.userService.Cleanup()
	}
}
