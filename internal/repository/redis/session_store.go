package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"marketplace-auth/internal/client"
	"marketplace-auth/internal/models"
	"marketplace-auth/internal/repository"
	"marketplace-auth/internal/util"
)

const (
	sessionPrefix      = "refresh_session:"
	userSessionsPrefix = "user_sessions:"
)

// rotateScript swaps secret_hash when ARGV[1] matches. A mismatch is a replay of a
// rotated secret and the session is destroyed.
var rotateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'secret_hash')
if not cur then
  return 0
end
if cur ~= ARGV[1] then
  redis.call('DEL', KEYS[1])
  return -1
end
redis.call('HSET', KEYS[1], 'secret_hash', ARGV[2], 'rotated_at', ARGV[3], 'expires_at', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

type SessionStore struct {
	client  *client.RedisClient
	timeout time.Duration
}

func NewSessionStore(c *client.RedisClient, timeout time.Duration) *SessionStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &SessionStore{client: c, timeout: timeout}
}

func (s *SessionStore) Create(ctx context.Context, sess *models.RefreshSession, ttl time.Duration) error {
	ctx, cancel := s.client.WithContext(ctx, s.timeout)
	defer cancel()

	key := sessionPrefix + sess.SessionID
	userKey := userSessionsPrefix + sess.UserID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"user_id", sess.UserID,
		"secret_hash", sess.SecretHash,
		"created_at", sess.CreatedAt.UnixMilli(),
		"rotated_at", "",
		"expires_at", sess.ExpiresAt.UnixMilli(),
		"ip_address", sess.IPAddress,
		"user_agent", sess.UserAgent,
	)
	pipe.PExpire(ctx, key, ttl)
	pipe.SAdd(ctx, userKey, sess.SessionID)
	pipe.PExpire(ctx, userKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to create refresh session",
			zap.String("user_id", sess.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.RefreshSession, error) {
	ctx, cancel := s.client.WithContext(ctx, s.timeout)
	defer cancel()

	f, err := s.client.HGetAll(ctx, sessionPrefix+sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if len(f) == 0 {
		return nil, repository.ErrSessionNotFound
	}

	sess := &models.RefreshSession{
		SessionID:  sessionID,
		UserID:     f["user_id"],
		SecretHash: f["secret_hash"],
		IPAddress:  f["ip_address"],
		UserAgent:  f["user_agent"],
	}
	if v, err := strconv.ParseInt(f["created_at"], 10, 64); err == nil {
		sess.CreatedAt = time.UnixMilli(v).UTC()
	}
	if v, err := strconv.ParseInt(f["expires_at"], 10, 64); err == nil {
		sess.ExpiresAt = time.UnixMilli(v).UTC()
	}
	if v, err := strconv.ParseInt(f["rotated_at"], 10, 64); err == nil {
		t := time.UnixMilli(v).UTC()
		sess.RotatedAt = &t
	}
	return sess, nil
}

func (s *SessionStore) Rotate(ctx context.Context, sessionID, oldHash, newHash string, now time.Time, ttl time.Duration) error {
	ctx, cancel := s.client.WithContext(ctx, s.timeout)
	defer cancel()

	res, err := rotateScript.Run(ctx, s.client.Client, []string{sessionPrefix + sessionID},
		oldHash, newHash, now.UnixMilli(), now.Add(ttl).UnixMilli(), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to rotate session: %w", err)
	}
	switch res {
	case 0:
		return repository.ErrSessionNotFound
	case -1:
		util.Warn("Refresh token replay detected, session revoked", zap.String("session_id", sessionID))
		return repository.ErrSessionReplay
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := s.client.WithContext(ctx, s.timeout)
	defer cancel()
	return s.client.Del(ctx, sessionPrefix+sessionID)
}

func (s *SessionStore) DeleteByUser(ctx context.Context, userID string) error {
	ctx, cancel := s.client.WithContext(ctx, s.timeout)
	defer cancel()

	userKey := userSessionsPrefix + userID
	ids, err := s.client.SMembers(ctx, userKey)
	if err != nil {
		return fmt.Errorf("failed to list user sessions: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionPrefix+id)
	}
	keys = append(keys, userKey)
	if err := s.client.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	util.Info("Revoked all sessions for user", zap.String("user_id", userID), zap.Int("count", len(ids)))
	return nil
}
