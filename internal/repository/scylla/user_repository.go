package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"marketplace-auth/internal/bucketing"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository"
	"marketplace-auth/internal/util"
)

// UserRepository stores users partitioned by bucket. Target uniqueness is claimed
// with lightweight transactions on user_by_target before the user row is written.
type UserRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewUserRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *UserRepository {
	return &UserRepository{client: client, buckets: buckets}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UserBucket = r.buckets.UserBucket(user.UserID)
	user.Version = 1

	var claimed []string
	release := func() {
		for _, h := range claimed {
			if _, err := r.client.Query(ctx, r.client.Statements.ReleaseTarget, h, user.UserID).
				MapScanCAS(map[string]interface{}{}); err != nil {
				util.Error("Failed to release target claim", zap.String("user_id", user.UserID), zap.Error(err))
			}
		}
	}

	for _, h := range []string{user.PhoneHash, user.EmailHash} {
		if h == "" {
			continue
		}
		applied, err := r.client.Query(ctx, r.client.Statements.ClaimTarget, h, user.UserID, user.UserBucket, now).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			release()
			return fmt.Errorf("failed to claim target: %w", err)
		}
		if !applied {
			release()
			return repository.ErrDuplicateTarget
		}
		claimed = append(claimed, h)
	}

	applied, err := r.client.Query(ctx, r.client.Statements.InsertUser,
		user.UserBucket, user.UserID, user.Name, string(user.Role), user.PhoneHash, user.PhoneEncrypted,
		user.EmailHash, user.EmailEncrypted, user.PasswordHash, user.IsPhoneVerified, user.IsEmailVerified,
		user.IsIdentityVerified, user.IdentityVerifiedBy, user.FailedLoginCount, user.LockedUntil,
		user.IsDeleted, user.CreatedAt, user.UpdatedAt, user.LastLogin, user.Version,
	).MapScanCAS(map[string]interface{}{})
	if err != nil || !applied {
		release()
		if err == nil {
			err = fmt.Errorf("user id %s already exists", user.UserID)
		}
		util.Error("Failed to create user", zap.String("user_id", user.UserID), zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created", zap.String("user_id", user.UserID), zap.Int("user_bucket", user.UserBucket))
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*models.User, error) {
	return r.get(ctx, r.buckets.UserBucket(userID), userID)
}

func (r *UserRepository) get(ctx context.Context, bucket int, userID string) (*models.User, error) {
	u := &models.User{}
	var role string
	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Statements.GetUserByID, bucket, userID),
		&u.UserBucket, &u.UserID, &u.Name, &role, &u.PhoneHash, &u.PhoneEncrypted, &u.EmailHash,
		&u.EmailEncrypted, &u.PasswordHash, &u.IsPhoneVerified, &u.IsEmailVerified, &u.IsIdentityVerified,
		&u.IdentityVerifiedBy, &u.FailedLoginCount, &u.LockedUntil, &u.IsDeleted, &u.CreatedAt,
		&u.UpdatedAt, &u.LastLogin, &u.Version)
	if err == gocql.ErrNotFound {
		return nil, repository.ErrUserNotFound
	}
	if err != nil {
		util.Error("Failed to get user by ID", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}
	u.Role = models.Role(role)
	return u, nil
}

func (r *UserRepository) GetByTargetHash(ctx context.Context, targetHash string) (*models.User, error) {
	var userID string
	var bucket int
	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Statements.GetUserIDByTarget, targetHash),
		&userID, &bucket)
	if err == gocql.ErrNotFound {
		return nil, repository.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target: %w", err)
	}
	return r.get(ctx, bucket, userID)
}

func (r *UserRepository) Update(ctx context.Context, user *models.User, expectedVersion int64) error {
	next := expectedVersion + 1
	applied, err := r.client.Query(ctx, r.client.Statements.UpdateUserCAS,
		user.Name, string(user.Role), user.PasswordHash,
		user.IsPhoneVerified, user.IsEmailVerified, user.IsIdentityVerified,
		user.IdentityVerifiedBy, user.FailedLoginCount, user.LockedUntil, user.IsDeleted,
		user.UpdatedAt, user.LastLogin, next,
		r.buckets.UserBucket(user.UserID), user.UserID, expectedVersion,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if !applied {
		return repository.ErrVersionConflict
	}
	user.Version = next

	if user.IsDeleted {
		for _, h := range []string{user.PhoneHash, user.EmailHash} {
			if h == "" {
				continue
			}
			if _, err := r.client.Query(ctx, r.client.Statements.ReleaseTarget, h, user.UserID).
				MapScanCAS(map[string]interface{}{}); err != nil {
				util.Warn("Failed to release target of deleted user", zap.String("user_id", user.UserID), zap.Error(err))
			}
		}
	}
	return nil
}

func (r *UserRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func (r *UserRepository) GetPreferences(ctx context.Context, userID string) (*models.UserPreferences, error) {
	p := &models.UserPreferences{}
	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Statements.GetPreferences, userID),
		&p.UserID, &p.Language, &p.MarketingOK, &p.Extra, &p.UpdatedAt)
	if err == gocql.ErrNotFound {
		return &models.UserPreferences{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}
	return p, nil
}

func (r *UserRepository) PutPreferences(ctx context.Context, prefs *models.UserPreferences) error {
	q := r.client.Query(ctx, r.client.Statements.UpsertPreferences,
		prefs.UserID, prefs.Language, prefs.MarketingOK, prefs.Extra, prefs.UpdatedAt)
	if err := r.client.ExecuteWithRetry(q); err != nil {
		return fmt.Errorf("failed to store preferences: %w", err)
	}
	return nil
}
