package models

import "time"

type ArtisanProfile struct {
	ID            string     `db:"artisan_id" json:"id"`
	OwnerID       string     `db:"owner_id" json:"ownerId"`
	DisplayName   string     `db:"display_name" json:"displayName"`
	Bio           string     `db:"bio" json:"bio"`
	PayoutAccount string     `db:"payout_account" json:"payoutAccount,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     *time.Time `db:"updated_at" json:"updatedAt,omitempty"`
}

type UserPreferences struct {
	UserID      string            `db:"user_id" json:"userId"`
	Language    string            `db:"language" json:"language"`
	MarketingOK bool              `db:"marketing_ok" json:"marketingOk"`
	Extra       map[string]string `db:"extra" json:"extra,omitempty"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updatedAt"`
}
