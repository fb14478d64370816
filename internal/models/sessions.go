package models

import "time"

// RefreshSession backs a rotating refresh token. Only the SHA-256 of the current secret is stored.
type RefreshSession struct {
	SessionID  string     `db:"session_id" json:"session_id"`
	UserID     string     `db:"user_id" json:"user_id"`
	SecretHash string     `db:"secret_hash" json:"secret_hash"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	RotatedAt  *time.Time `db:"rotated_at" json:"rotated_at,omitempty"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	IPAddress  string     `db:"ip_address" json:"ip_address"`
	UserAgent  string     `db:"user_agent" json:"user_agent"`
}

// TokenPair is returned to clients after a successful verification, login or refresh
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	TokenType        string    `json:"tokenType"`
	ExpiresIn        int       `json:"expiresIn"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}
