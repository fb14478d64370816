package models

import "time"

type OTPStatus string

const (
	OTPStatusPending  OTPStatus = "pending"
	OTPStatusVerified OTPStatus = "verified"
	OTPStatusExpired  OTPStatus = "expired"
	OTPStatusLocked   OTPStatus = "locked"
)

// OTPRecord is the persisted state of one verification flow, keyed by TargetHash
type OTPRecord struct {
	TargetHash        string     `db:"target_hash" json:"target_hash"`
	TargetKind        string     `db:"target_kind" json:"target_kind"`
	CodeHash          string     `db:"code_hash" json:"code_hash"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt         time.Time  `db:"expires_at" json:"expires_at"`
	LastSentAt        time.Time  `db:"last_sent_at" json:"last_sent_at"`
	AttemptsRemaining int        `db:"attempts_remaining" json:"attempts_remaining"`
	MaxAttempts       int        `db:"max_attempts" json:"max_attempts"`
	Status            OTPStatus  `db:"status" json:"status"`
	SendCount         int        `db:"send_count" json:"send_count"`
	VerifiedAt        *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	Version           int64      `db:"version" json:"version"`
}

// Clone returns a deep copy safe to mutate before a compare-and-swap
func (r *OTPRecord) Clone() *OTPRecord {
	cp := *r
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		cp.VerifiedAt = &t
	}
	return &cp
}

// EffectiveStatus folds time-based expiry into the stored status. Any record
// past ExpiresAt is expired, including verified and locked ones.
func (r *OTPRecord) EffectiveStatus(now time.Time) OTPStatus {
	if now.After(r.ExpiresAt) {
		return OTPStatusExpired
	}
	return r.Status
}
