package redis

import (
	"context"
	"errors"
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

const otpPrefix = "otp:"

// casOTPScript replaces the record hash only when its version matches ARGV[1].
// ARGV[2] is the ttl in ms, ARGV[3..] are field/value pairs.
var casOTPScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
local expected = tonumber(ARGV[1])
if cur == false then
  if expected ~= 0 then return 0 end
elseif tonumber(cur) ~= expected then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'version', expected + 1, unpack(ARGV, 3))
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

type OTPStore struct {
	client  *client.RedisClient
	timeout time.Duration
}

func NewOTPStore(c *client.RedisClient, timeout time.Duration) *OTPStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OTPStore{client: c, timeout: timeout}
}

func (s *OTPStore) Get(ctx context.Context, targetHash string) (*models.OTPRecord, error) {
	ctx, cancel := s.client.WithContext(ctx, s.timeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, otpPrefix+targetHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load otp record: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrRecordNotFound
	}
	rec, err := decodeOTPRecord(targetHash, fields)
	if err != nil {
		util.Error("Corrupt otp record", zap.String("target_hash", targetHash), zap.Error(err))
		return nil, err
	}
	return rec, nil
}

func (s *OTPStore) CompareAndSwap(ctx context.Context, rec *models.OTPRecord, expectedVersion int64, ttl time.Duration) error {
	ctx, cancel := s.client.WithContext(ctx, s.timeout)
	defer cancel()

	args := []interface{}{expectedVersion, ttl.Milliseconds()}
	args = append(args, encodeOTPRecord(rec)...)

	res, err := casOTPScript.Run(ctx, s.client.Client, []string{otpPrefix + rec.TargetHash}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to swap otp record: %w", err)
	}
	if res == 0 {
		return repository.ErrVersionConflict
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (s *OTPStore) Delete(ctx context.Context, targetHash string) error {
	ctx, cancel := s.client.WithContext(ctx, s.timeout)
	defer cancel()
	return s.client.Del(ctx, otpPrefix+targetHash)
}

func encodeOTPRecord(rec *models.OTPRecord) []interface{} {
	verifiedAt := ""
	if rec.VerifiedAt != nil {
		verifiedAt = strconv.FormatInt(rec.VerifiedAt.UnixMilli(), 10)
	}
	return []interface{}{
		"target_kind", rec.TargetKind,
		"code_hash", rec.CodeHash,
		"created_at", rec.CreatedAt.UnixMilli(),
		"expires_at", rec.ExpiresAt.UnixMilli(),
		"last_sent_at", rec.LastSentAt.UnixMilli(),
		"attempts_remaining", rec.AttemptsRemaining,
		"max_attempts", rec.MaxAttempts,
		"status", string(rec.Status),
		"send_count", rec.SendCount,
		"verified_at", verifiedAt,
	}
}

func decodeOTPRecord(targetHash string, f map[string]string) (*models.OTPRecord, error) {
	var errs []error
	ms := func(key string) time.Time {
		v, err := strconv.ParseInt(f[key], 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return time.UnixMilli(v).UTC()
	}
	num := func(key string) int64 {
		v, err := strconv.ParseInt(f[key], 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}

	rec := &models.OTPRecord{
		TargetHash:        targetHash,
		TargetKind:        f["target_kind"],
		CodeHash:          f["code_hash"],
		CreatedAt:         ms("created_at"),
		ExpiresAt:         ms("expires_at"),
		LastSentAt:        ms("last_sent_at"),
		AttemptsRemaining: int(num("attempts_remaining")),
		MaxAttempts:       int(num("max_attempts")),
		Status:            models.OTPStatus(f["status"]),
		SendCount:         int(num("send_count")),
		Version:           num("version"),
	}
	if f["verified_at"] != "" {
		t := ms("verified_at")
		rec.VerifiedAt = &t
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid otp record: %w", err)
	}
	return rec, nil
}
