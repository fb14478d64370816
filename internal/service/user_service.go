package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/bucketing"
	"marketplace-auth/internal/clock"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/encryption"
	"marketplace-auth/internal/hashing"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository"
	"marketplace-auth/internal/target"
	"marketplace-auth/internal/util"
)

const minPasswordLength = 8

// UserCreateRequest represents user creation request
type UserCreateRequest struct {
	Name     string
	Target   target.Target
	Password string
	Role     models.Role
	// AllowPrivileged lets operator tooling create admins
	AllowPrivileged bool
}

// UserProfile is the caller-facing view of a user
type UserProfile struct {
	UserID             string      `json:"userId"`
	Name               string      `json:"name"`
	Role               models.Role `json:"role"`
	Phone              string      `json:"phone,omitempty"`
	Email              string      `json:"email,omitempty"`
	IsPhoneVerified    bool        `json:"isPhoneVerified"`
	IsEmailVerified    bool        `json:"isEmailVerified"`
	IsIdentityVerified bool        `json:"isIdentityVerified"`
	CreatedAt          time.Time   `json:"createdAt"`
}

// SessionRevoker ends every refresh session of a user
type SessionRevoker interface {
	DeleteByUser(ctx context.Context, userID string) error
}

// UserService handles all user-related business logic
type UserService struct {
	userRepo      repository.UserRepository
	prefsRepo     repository.PreferencesRepository
	sessions      SessionRevoker
	hasher        *hashing.Hasher
	encryptionMgr *encryption.EncryptionManager
	bucketingMgr  *bucketing.BucketingManager
	clock         clock.Clock
	cfg           config.SecurityConfig
	cache         *cache.Cache // user_id -> *models.User
	logger        *zap.Logger
}

// NewUserService creates a new user service
func NewUserService(
	userRepo repository.UserRepository,
	prefsRepo repository.PreferencesRepository,
	sessions SessionRevoker,
	hasher *hashing.Hasher,
	encryptionMgr *encryption.EncryptionManager,
	bucketingMgr *bucketing.BucketingManager,
	cfg *config.Config,
	clk clock.Clock,
) *UserService {
	if clk == nil {
		clk = clock.Real{}
	}
	var c *cache.Cache
	if cfg.Security.UserCacheTTL > 0 {
		c = cache.New(cfg.Security.UserCacheTTL, 2*cfg.Security.UserCacheTTL)
	}
	return &UserService{
		userRepo:      userRepo,
		prefsRepo:     prefsRepo,
		sessions:      sessions,
		hasher:        hasher,
		encryptionMgr: encryptionMgr,
		bucketingMgr:  bucketingMgr,
		clock:         clk,
		cfg:           cfg.Security,
		cache:         c,
		logger:        util.Get(),
	}
}

// CreateUser creates a new user with comprehensive validation
func (s *UserService) CreateUser(ctx context.Context, req *UserCreateRequest) (*models.User, error) {
	startTime := time.Now()

	// Validate input
	if err := s.validateCreateRequest(req); err != nil {
		return nil, err
	}

	passwordHash, err := s.hasher.HashPassword(req.Password)
	if err != nil {
		return nil, apperr.ErrInternal.WithCause(err)
	}

	// Encrypt the contact target; only its hash is indexed
	sealed, err := s.encryptionMgr.Seal(ctx, req.Target.Value, string(req.Target.Kind))
	if err != nil {
		return nil, apperr.ErrInternal.WithCause(fmt.Errorf("failed to encrypt target: %w", err))
	}

	userID := uuid.NewString()
	now := s.clock.Now().UTC()
	user := &models.User{
		UserBucket:   s.bucketingMgr.UserBucket(userID),
		UserID:       userID,
		Name:         strings.TrimSpace(req.Name),
		Role:         req.Role,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    &now,
	}
	switch req.Target.Kind {
	case target.KindPhone:
		user.PhoneHash, user.PhoneEncrypted = req.Target.Hash(), sealed
	case target.KindEmail:
		user.EmailHash, user.EmailEncrypted = req.Target.Hash(), sealed
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateTarget) {
			return nil, apperr.ErrDuplicateTarget
		}
		return nil, apperr.Dependency(fmt.Errorf("failed to create user: %w", err))
	}

	s.cacheUser(user)

	s.logger.Info("User created successfully",
		util.String("user_id", userID),
		util.String("role", string(user.Role)),
		util.String("target_kind", string(req.Target.Kind)),
		util.Int("user_bucket", user.UserBucket),
		util.Duration("duration", time.Since(startTime)),
	)
	return user, nil
}

// GetByID returns live users only; deleted users read as not found. Results may
// come from this replica's cache, so authorization decisions go through Live.
func (s *UserService) GetByID(ctx context.Context, userID string) (*models.User, error) {
	if cached := s.getCachedUser(userID); cached != nil {
		return cached, nil
	}

	user, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheUser(user)
	return user.Clone(), nil
}

// LiveUsers reads users from the repository on every call. Role, lockout and
// deletion changes made on other replicas are visible immediately.
type LiveUsers struct {
	users *UserService
}

func (s *UserService) Live() LiveUsers { return LiveUsers{users: s} }

func (l LiveUsers) GetByID(ctx context.Context, userID string) (*models.User, error) {
	return l.users.load(ctx, userID)
}

func (s *UserService) load(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, apperr.ErrNotFound.WithDetail("user not found")
	}
	if err != nil {
		return nil, apperr.Dependency(fmt.Errorf("failed to load user: %w", err))
	}
	if user.IsDeleted {
		return nil, apperr.ErrNotFound.WithDetail("user not found")
	}
	return user, nil
}

func (s *UserService) GetByTarget(ctx context.Context, t target.Target) (*models.User, error) {
	user, err := s.userRepo.GetByTargetHash(ctx, t.Hash())
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, apperr.ErrNotFound.WithDetail("no account for this target")
	}
	if err != nil {
		return nil, apperr.Dependency(fmt.Errorf("failed to load user: %w", err))
	}
	if user.IsDeleted {
		return nil, apperr.ErrNotFound.WithDetail("no account for this target")
	}
	return user, nil
}

// Profile decrypts the contact targets for the owner's own view
func (s *UserService) Profile(ctx context.Context, user *models.User) (*UserProfile, error) {
	phone, err := s.encryptionMgr.Open(ctx, user.PhoneEncrypted, string(target.KindPhone))
	if err != nil {
		return nil, apperr.ErrInternal.WithCause(err)
	}
	email, err := s.encryptionMgr.Open(ctx, user.EmailEncrypted, string(target.KindEmail))
	if err != nil {
		return nil, apperr.ErrInternal.WithCause(err)
	}
	return &UserProfile{
		UserID:             user.UserID,
		Name:               user.Name,
		Role:               user.Role,
		Phone:              phone,
		Email:              email,
		IsPhoneVerified:    user.IsPhoneVerified,
		IsEmailVerified:    user.IsEmailVerified,
		IsIdentityVerified: user.IsIdentityVerified,
		CreatedAt:          user.CreatedAt,
	}, nil
}

// MarkTargetVerified sets the verification flag for the target kind. Idempotent.
func (s *UserService) MarkTargetVerified(ctx context.Context, userID string, kind target.Kind) (*models.User, error) {
	return s.update(ctx, userID, func(u *models.User) (bool, error) {
		switch kind {
		case target.KindPhone:
			if u.IsPhoneVerified {
				return false, nil
			}
			u.IsPhoneVerified = true
		case target.KindEmail:
			if u.IsEmailVerified {
				return false, nil
			}
			u.IsEmailVerified = true
		}
		return true, nil
	})
}

// RecordLoginFailure counts a failed password and locks the account at the threshold
func (s *UserService) RecordLoginFailure(ctx context.Context, userID string) (*models.User, error) {
	return s.update(ctx, userID, func(u *models.User) (bool, error) {
		now := s.clock.Now().UTC()
		if u.LockedUntil != nil && !now.Before(*u.LockedUntil) {
			u.LockedUntil = nil
			u.FailedLoginCount = 0
		}
		u.FailedLoginCount++
		if s.cfg.LoginMaxFailures > 0 && u.FailedLoginCount >= s.cfg.LoginMaxFailures {
			until := now.Add(s.cfg.LoginLockDuration)
			u.LockedUntil = &until
			s.logger.Warn("Account locked after repeated login failures",
				util.String("user_id", u.UserID),
				util.Int("failures", u.FailedLoginCount),
			)
		}
		return true, nil
	})
}

// RecordLoginSuccess clears failure accounting and stamps the login time. The
// verified password is rehashed when its pepper or argon2 parameters are stale.
func (s *UserService) RecordLoginSuccess(ctx context.Context, userID, password string) (*models.User, error) {
	return s.update(ctx, userID, func(u *models.User) (bool, error) {
		now := s.clock.Now().UTC()
		u.FailedLoginCount = 0
		u.LockedUntil = nil
		u.LastLogin = &now
		if password != "" && s.hasher.NeedsRehash(u.PasswordHash) {
			hash, err := s.hasher.HashPassword(password)
			if err != nil {
				return false, apperr.ErrInternal.WithCause(err)
			}
			u.PasswordHash = hash
		}
		return true, nil
	})
}

// SetRole changes a user's role and ends their sessions so new tokens carry the new role
func (s *UserService) SetRole(ctx context.Context, userID string, role models.Role) (*models.User, error) {
	if !role.Valid() {
		return nil, apperr.ErrValidation.WithDetail("unknown role")
	}
	user, err := s.update(ctx, userID, func(u *models.User) (bool, error) {
		if u.Role == role {
			return false, nil
		}
		u.Role = role
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.revokeSessions(ctx, userID)
	return user, nil
}

// SetIdentityVerified records the outcome of an identity (KYC) review
func (s *UserService) SetIdentityVerified(ctx context.Context, userID string, verified bool, reviewerID string) (*models.User, error) {
	return s.update(ctx, userID, func(u *models.User) (bool, error) {
		u.IsIdentityVerified = verified
		if verified {
			u.IdentityVerifiedBy = reviewerID
		} else {
			u.IdentityVerifiedBy = ""
		}
		return true, nil
	})
}

// DeleteUser soft-deletes the user, frees their targets and ends their sessions
func (s *UserService) DeleteUser(ctx context.Context, userID string) error {
	if _, err := s.update(ctx, userID, func(u *models.User) (bool, error) {
		u.IsDeleted = true
		return true, nil
	}); err != nil {
		return err
	}
	s.revokeSessions(ctx, userID)
	s.logger.Info("User deleted", util.String("user_id", userID))
	return nil
}

func (s *UserService) GetPreferences(ctx context.Context, userID string) (*models.UserPreferences, error) {
	prefs, err := s.prefsRepo.GetPreferences(ctx, userID)
	if err != nil {
		return nil, apperr.Dependency(fmt.Errorf("failed to load preferences: %w", err))
	}
	return prefs, nil
}

func (s *UserService) UpdatePreferences(ctx context.Context, prefs *models.UserPreferences) (*models.UserPreferences, error) {
	if len(prefs.Language) > 16 || len(prefs.Extra) > 32 {
		return nil, apperr.ErrValidation.WithDetail("preferences exceed allowed size")
	}
	prefs.UpdatedAt = s.clock.Now().UTC()
	if err := s.prefsRepo.PutPreferences(ctx, prefs); err != nil {
		return nil, apperr.Dependency(fmt.Errorf("failed to store preferences: %w", err))
	}
	return prefs, nil
}

// update applies mutate under compare-and-swap on the user version. mutate reports
// whether anything changed; unchanged users are returned without a write.
func (s *UserService) update(ctx context.Context, userID string, mutate func(*models.User) (bool, error)) (*models.User, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.userRepo.GetByID(ctx, userID)
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, apperr.ErrNotFound.WithDetail("user not found")
		}
		if err != nil {
			return nil, apperr.Dependency(fmt.Errorf("failed to load user: %w", err))
		}
		if current.IsDeleted {
			return nil, apperr.ErrNotFound.WithDetail("user not found")
		}

		next := current.Clone()
		changed, err := mutate(next)
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}
		now := s.clock.Now().UTC()
		next.UpdatedAt = &now

		err = s.userRepo.Update(ctx, next, current.Version)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, apperr.Dependency(fmt.Errorf("failed to update user: %w", err))
		}

		// Update cache
		if next.IsDeleted {
			s.invalidate(userID)
		} else {
			s.cacheUser(next)
		}
		return next, nil
	}
	return nil, apperr.ErrConflict.WithDetail("user is being modified concurrently")
}

func (s *UserService) revokeSessions(ctx context.Context, userID string) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.DeleteByUser(ctx, userID); err != nil {
		s.logger.Error("Failed to revoke user sessions", util.String("user_id", userID), util.ErrorField(err))
	}
}

// cacheUser caches a user with the configured TTL
func (s *UserService) cacheUser(user *models.User) {
	if s.cache == nil {
		return
	}
	s.cache.SetDefault(user.UserID, user.Clone())
}

// getCachedUser retrieves a user from cache
func (s *UserService) getCachedUser(userID string) *models.User {
	if s.cache == nil {
		return nil
	}
	if cached, ok := s.cache.Get(userID); ok {
		return cached.(*models.User).Clone()
	}
	return nil
}

func (s *UserService) invalidate(userID string) {
	if s.cache != nil {
		s.cache.Delete(userID)
	}
}

func (s *UserService) validateCreateRequest(req *UserCreateRequest) error {
	name := strings.TrimSpace(req.Name)
	if name == "" || utf8.RuneCountInString(name) > 100 {
		return apperr.ErrValidation.WithDetail("name is required and must be at most 100 characters")
	}
	if req.Target.IsZero() {
		return apperr.ErrValidation.WithDetail("phone or email is required")
	}
	if utf8.RuneCountInString(req.Password) < minPasswordLength {
		return apperr.ErrValidation.WithDetail(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	if req.Role == "" {
		req.Role = models.RoleCustomer
	}
	if !req.Role.Valid() {
		return apperr.ErrValidation.WithDetail("unknown role")
	}
	if !req.Role.SelfAssignable() && !req.AllowPrivileged {
		return apperr.ErrValidation.WithDetail("role cannot be self-assigned")
	}
	return nil
}

// HealthCheck performs health check on the user service
func (s *UserService) HealthCheck(ctx context.Context) error {
	return s.userRepo.HealthCheck(ctx)
}

// GetServiceStats returns service statistics
func (s *UserService) GetServiceStats() map[string]interface{} {
	size := 0
	if s.cache != nil {
		size = s.cache.ItemCount()
	}
	return map[string]interface{}{
		"cache_size":       size,
		"encryption_cache": s.encryptionMgr.GetCacheSize(),
	}
}

// Cleanup cleans up service resources
func (s *UserService) Cleanup() {
	if s.cache != nil {
		s.cache.Flush()
	}
	s.encryptionMgr.ClearCache()
	s.logger.Info("User service cleaned up")
}
