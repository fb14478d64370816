package memory

import (
	"context"
	"sync"
	"time"

	"marketplace-auth/internal/config"
	"marketplace-auth/internal/models"

	gocache "github.com/patrickmn/go-cache"
)

type window struct {
	hits         []time.Time
	strikes      int
	lastStrike   time.Time
	blockedUntil time.Time
}

// RateLimitStore mirrors the redis sliding window for single-process deployments and tests
type RateLimitStore struct {
	mu sync.Mutex
	c  *gocache.Cache
}

func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{c: gocache.New(24*time.Hour, 5*time.Minute)}
}

func (s *RateLimitStore) Admit(ctx context.Context, key string, now time.Time, policy config.RateLimitPolicy) (models.RateLimitDecision, error) {
	if err := ctx.Err(); err != nil {
		return models.RateLimitDecision{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &window{}
	if v, ok := s.c.Get(key); ok {
		w = v.(*window)
	}
	defer s.c.Set(key, w, retention(policy))

	if now.Before(w.blockedUntil) {
		return models.RateLimitDecision{RetryAfter: w.blockedUntil.Sub(now)}, nil
	}

	cutoff := now.Add(-policy.Window)
	kept := w.hits[:0]
	for _, h := range w.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	w.hits = kept

	if len(w.hits) < policy.Limit {
		w.hits = append(w.hits, now)
		return models.RateLimitDecision{Allowed: true, Remaining: policy.Limit - len(w.hits)}, nil
	}

	if policy.BaseBlock <= 0 {
		if len(w.hits) == 0 {
			return models.RateLimitDecision{RetryAfter: policy.Window}, nil
		}
		return models.RateLimitDecision{RetryAfter: w.hits[0].Add(policy.Window).Sub(now)}, nil
	}

	if !w.lastStrike.IsZero() && now.Sub(w.lastStrike) > retention(policy) {
		w.strikes = 0
	}
	w.strikes++
	w.lastStrike = now
	block := escalate(policy, w.strikes)
	w.blockedUntil = now.Add(block)
	return models.RateLimitDecision{RetryAfter: block}, nil
}

func (s *RateLimitStore) Blocked(ctx context.Context, key string, now time.Time) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.c.Get(key)
	if !ok {
		return 0, nil
	}
	w := v.(*window)
	if now.Before(w.blockedUntil) {
		return w.blockedUntil.Sub(now), nil
	}
	return 0, nil
}

func (s *RateLimitStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Delete(key)
	return nil
}

// escalate doubles the block per strike: base * 2^(strikes-1), capped at MaxBlock
func escalate(policy config.RateLimitPolicy, strikes int) time.Duration {
	block := policy.BaseBlock
	for i := 1; i < strikes; i++ {
		block *= 2
		if policy.MaxBlock > 0 && block >= policy.MaxBlock {
			return policy.MaxBlock
		}
	}
	if policy.MaxBlock > 0 && block > policy.MaxBlock {
		return policy.MaxBlock
	}
	return block
}

func retention(policy config.RateLimitPolicy) time.Duration {
	r := policy.Window
	if policy.MaxBlock*2 > r {
		r = policy.MaxBlock * 2
	}
	return r
}
