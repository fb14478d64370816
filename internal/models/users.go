package models

import "time"

type Role string

const (
	RoleCustomer    Role = "customer"
	RoleArtisan     Role = "artisan"
	RoleDistributor Role = "distributor"
	RoleAdmin       Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleArtisan, RoleDistributor, RoleAdmin:
		return true
	}
	return false
}

// SelfAssignable reports whether a role may be chosen at registration
func (r Role) SelfAssignable() bool {
	return r == RoleCustomer || r == RoleArtisan || r == RoleDistributor
}

type User struct {
	UserBucket         int        `db:"user_bucket"`
	UserID             string     `db:"user_id"`
	Name               string     `db:"name"`
	Role               Role       `db:"role"`
	PhoneHash          string     `db:"phone_hash"`
	PhoneEncrypted     []byte     `db:"phone_encrypted"`
	EmailHash          string     `db:"email_hash"`
	EmailEncrypted     []byte     `db:"email_encrypted"`
	PasswordHash       string     `db:"password_hash"`
	IsPhoneVerified    bool       `db:"is_phone_verified"`
	IsEmailVerified    bool       `db:"is_email_verified"`
	IsIdentityVerified bool       `db:"is_identity_verified"`
	IdentityVerifiedBy string     `db:"identity_verified_by"`
	FailedLoginCount   int        `db:"failed_login_count"`
	LockedUntil        *time.Time `db:"locked_until"`
	IsDeleted          bool       `db:"is_deleted"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          *time.Time `db:"updated_at"`
	LastLogin          *time.Time `db:"last_login"`
	Version            int64      `db:"version"`
}

func (u *User) Clone() *User {
	cp := *u
	cp.PhoneEncrypted = append([]byte(nil), u.PhoneEncrypted...)
	cp.EmailEncrypted = append([]byte(nil), u.EmailEncrypted...)
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		cp.LockedUntil = &t
	}
	if u.UpdatedAt != nil {
		t := *u.UpdatedAt
		cp.UpdatedAt = &t
	}
	if u.LastLogin != nil {
		t := *u.LastLogin
		cp.LastLogin = &t
	}
	return &cp
}

func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// IsTargetVerified reports whether at least one contact target has completed OTP
func (u *User) IsTargetVerified() bool {
	return u.IsPhoneVerified || u.IsEmailVerified
}
