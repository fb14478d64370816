// Package repository declares the storage contracts shared by the memory, redis and scylla backends.
package repository

import (
	"context"
	"errors"
	"time"

	"marketplace-auth/internal/config"
	"marketplace-auth/internal/models"
)

var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionReplay   = errors.New("refresh secret already rotated")
	ErrUserNotFound    = errors.New("user not found")
	ErrDuplicateTarget = errors.New("target already registered")
	ErrArtisanNotFound = errors.New("artisan profile not found")
	ErrArtisanExists   = errors.New("artisan profile already exists for owner")
)

// OTPStore holds one OTPRecord per target hash.
//
// CompareAndSwap writes rec only if the stored version equals expectedVersion;
// expectedVersion 0 means the record must not exist. On success the stored
// version, and rec.Version, become expectedVersion+1. A mismatch returns
// ErrVersionConflict and writes nothing.
type OTPStore interface {
	Get(ctx context.Context, targetHash string) (*models.OTPRecord, error)
	CompareAndSwap(ctx context.Context, rec *models.OTPRecord, expectedVersion int64, ttl time.Duration) error
	Delete(ctx context.Context, targetHash string) error
}

// RateLimitStore performs one atomic admission per call
type RateLimitStore interface {
	Admit(ctx context.Context, key string, now time.Time, policy config.RateLimitPolicy) (models.RateLimitDecision, error)
	Blocked(ctx context.Context, key string, now time.Time) (time.Duration, error)
	Reset(ctx context.Context, key string) error
}

// SessionStore keeps refresh sessions. Rotate atomically swaps the secret hash when
// oldHash matches; a mismatch deletes the session and returns ErrSessionReplay.
type SessionStore interface {
	Create(ctx context.Context, sess *models.RefreshSession, ttl time.Duration) error
	Get(ctx context.Context, sessionID string) (*models.RefreshSession, error)
	Rotate(ctx context.Context, sessionID, oldHash, newHash string, now time.Time, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
	DeleteByUser(ctx context.Context, userID string) error
}

// UserRepository stores users. Update is a compare-and-swap on User.Version.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, userID string) (*models.User, error)
	GetByTargetHash(ctx context.Context, targetHash string) (*models.User, error)
	Update(ctx context.Context, user *models.User, expectedVersion int64) error
	HealthCheck(ctx context.Context) error
}

type ArtisanRepository interface {
	Create(ctx context.Context, profile *models.ArtisanProfile) error
	Get(ctx context.Context, id string) (*models.ArtisanProfile, error)
	Update(ctx context.Context, profile *models.ArtisanProfile) error
}

type PreferencesRepository interface {
	GetPreferences(ctx context.Context, userID string) (*models.UserPreferences, error)
	PutPreferences(ctx context.Context, prefs *models.UserPreferences) error
}
