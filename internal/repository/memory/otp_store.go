package memory

import (
	"context"
	"sync"
	"time"

	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository"

	gocache "github.com/patrickmn/go-cache"
)

// OTPStore is a single-process OTPStore. The mutex makes compare-and-swap atomic;
// go-cache handles expiry of abandoned records.
type OTPStore struct {
	mu sync.Mutex
	c  *gocache.Cache
}

func NewOTPStore() *OTPStore {
	return &OTPStore{c: gocache.New(time.Hour, time.Minute)}
}

func (s *OTPStore) Get(ctx context.Context, targetHash string) (*models.OTPRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.c.Get(targetHash)
	if !ok {
		return nil, repository.ErrRecordNotFound
	}
	return v.(*models.OTPRecord).Clone(), nil
}

func (s *OTPStore) CompareAndSwap(ctx context.Context, rec *models.OTPRecord, expectedVersion int64, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if v, ok := s.c.Get(rec.TargetHash); ok {
		current = v.(*models.OTPRecord).Version
	}
	if current != expectedVersion {
		return repository.ErrVersionConflict
	}

	rec.Version = expectedVersion + 1
	s.c.Set(rec.TargetHash, rec.Clone(), ttl)
	return nil
}

func (s *OTPStore) Delete(ctx context.Context, targetHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Delete(targetHash)
	return nil
}
