package models

import "time"

// RateLimitDecision is the outcome of one admission
type RateLimitDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}
