package memory

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository"

	gocache "github.com/patrickmn/go-cache"
)

type SessionStore struct {
	mu     sync.Mutex
	c      *gocache.Cache
	byUser map[string]map[string]struct{}
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		c:      gocache.New(7*24*time.Hour, 10*time.Minute),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (s *SessionStore) Create(ctx context.Context, sess *models.RefreshSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	s.c.Set(sess.SessionID, &cp, ttl)
	if s.byUser[sess.UserID] == nil {
		s.byUser[sess.UserID] = make(map[string]struct{})
	}
	s.byUser[sess.UserID][sess.SessionID] = struct{}{}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.RefreshSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.c.Get(sessionID)
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *v.(*models.RefreshSession)
	return &cp, nil
}

func (s *SessionStore) Rotate(ctx context.Context, sessionID, oldHash, newHash string, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.c.Get(sessionID)
	if !ok {
		return repository.ErrSessionNotFound
	}
	sess := v.(*models.RefreshSession)
	if subtle.ConstantTimeCompare([]byte(sess.SecretHash), []byte(oldHash)) != 1 {
		s.deleteLocked(sessionID, sess.UserID)
		return repository.ErrSessionReplay
	}

	cp := *sess
	cp.SecretHash = newHash
	cp.RotatedAt = &now
	cp.ExpiresAt = now.Add(ttl)
	s.c.Set(sessionID, &cp, ttl)
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.c.Get(sessionID); ok {
		s.deleteLocked(sessionID, v.(*models.RefreshSession).UserID)
	}
	return nil
}

func (s *SessionStore) DeleteByUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sid := range s.byUser[userID] {
		s.c.Delete(sid)
	}
	delete(s.byUser, userID)
	return nil
}

func (s *SessionStore) deleteLocked(sessionID, userID string) {
	s.c.Delete(sessionID)
	if set := s.byUser[userID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(s.byUser, userID)
		}
	}
}
