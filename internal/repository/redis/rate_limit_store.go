package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"marketplace-auth/internal/client"
	"marketplace-auth/internal/config"
	"marketplace-auth/internal/models"
)

const rateLimitPrefix = "rate_limit:"

// admitScript is a sliding window on a ZSET with an escalating block.
// KEYS: window zset, block key, strikes counter.
// ARGV: now_ms, window_ms, limit, member, base_block_ms, max_block_ms, retention_ms.
// Returns {allowed, remaining, retry_after_ms}.
var admitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local base = tonumber(ARGV[5])
local maxb = tonumber(ARGV[6])
local retention = tonumber(ARGV[7])

local blocked_until = tonumber(redis.call('GET', KEYS[2]) or '0')
if blocked_until > now then
  return {0, 0, blocked_until - now}
end

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], window)
  return {1, limit - count - 1, 0}
end

if base <= 0 then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local retry = window
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, 0, retry}
end

local strikes = redis.call('INCR', KEYS[3])
redis.call('PEXPIRE', KEYS[3], retention)
local block = base
for i = 2, strikes do
  block = block * 2
  if maxb > 0 and block >= maxb then
    block = maxb
    break
  end
end
if maxb > 0 and block > maxb then
  block = maxb
end
redis.call('SET', KEYS[2], now + block, 'PX', block)
return {0, 0, block}
`)

type RateLimitStore struct {
	client  *client.RedisClient
	timeout time.Duration
}

func NewRateLimitStore(c *client.RedisClient, timeout time.Duration) *RateLimitStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RateLimitStore{client: c, timeout: timeout}
}

// keys share a hash tag so the script stays on one cluster slot
func rateLimitKeys(key string) []string {
	base := rateLimitPrefix + "{" + key + "}"
	return []string{base + ":window", base + ":block", base + ":strikes"}
}

func (s *RateLimitStore) Admit(ctx context.Context, key string, now time.Time, policy config.RateLimitPolicy) (models.RateLimitDecision, error) {
	ctx, cancel := s.client.WithContext(ctx, s.timeout)
	defer cancel()

	retention := policy.Window
	if policy.MaxBlock*2 > retention {
		retention = policy.MaxBlock * 2
	}

	res, err := admitScript.Run(ctx, s.client.Client, rateLimitKeys(key),
		now.UnixMilli(),
		policy.Window.Milliseconds(),
		policy.Limit,
		uuid.NewString(),
		policy.BaseBlock.Milliseconds(),
		policy.MaxBlock.Milliseconds(),
		retention.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return models.RateLimitDecision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return models.RateLimitDecision{}, fmt.Errorf("unexpected rate limit reply length %d", len(res))
	}

	return models.RateLimitDecision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

func (s *RateLimitStore) Blocked(ctx context.Context, key string, now time.Time) (time.Duration, error) {
	ctx, cancel := s.client.WithContext(ctx, s.timeout)
	defer cancel()

	raw, err := s.client.Client.Get(ctx, rateLimitKeys(key)[1]).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read block: %w", err)
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block value: %w", err)
	}
	if remaining := until - now.UnixMilli(); remaining > 0 {
		return time.Duration(remaining) * time.Millisecond, nil
	}
	return 0, nil
}

func (s *RateLimitStore) Reset(ctx context.Context, key string) error {
	ctx, cancel := s.client.WithContext(ctx, s.timeout)
	defer cancel()
	if err := s.client.Del(ctx, rateLimitKeys(key)...); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}
