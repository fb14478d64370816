package memory

import (
	"context"
	"sync"
	"time"

	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository"
)

// UserRepository keeps users in process memory with a target-hash index
type UserRepository struct {
	mu       sync.RWMutex
	byID     map[string]*models.User
	byTarget map[string]string
	prefs    map[string]*models.UserPreferences
}

func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:     make(map[string]*models.User),
		byTarget: make(map[string]string),
		prefs:    make(map[string]*models.UserPreferences),
	}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range targetHashes(user) {
		if _, taken := r.byTarget[h]; taken {
			return repository.ErrDuplicateTarget
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Version = 1
	r.byID[user.UserID] = user.Clone()
	for _, h := range targetHashes(user) {
		r.byTarget[h] = user.UserID
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u.Clone(), nil
}

func (r *UserRepository) GetByTargetHash(ctx context.Context, targetHash string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byTarget[targetHash]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *UserRepository) Update(ctx context.Context, user *models.User, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byID[user.UserID]
	if !ok {
		return repository.ErrUserNotFound
	}
	if cur.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	user.Version = expectedVersion + 1
	r.byID[user.UserID] = user.Clone()
	if user.IsDeleted {
		for _, h := range targetHashes(cur) {
			delete(r.byTarget, h)
		}
	}
	return nil
}

func (r *UserRepository) HealthCheck(ctx context.Context) error {
	return nil
}

func (r *UserRepository) GetPreferences(ctx context.Context, userID string) (*models.UserPreferences, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.prefs[userID]
	if !ok {
		return &models.UserPreferences{UserID: userID}, nil
	}
	cp := *p
	return &cp, nil
}

func (r *UserRepository) PutPreferences(ctx context.Context, prefs *models.UserPreferences) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *prefs
	r.prefs[prefs.UserID] = &cp
	return nil
}

func targetHashes(u *models.User) []string {
	var out []string
	if u.PhoneHash != "" {
		out = append(out, u.PhoneHash)
	}
	if u.EmailHash != "" {
		out = append(out, u.EmailHash)
	}
	return out
}
