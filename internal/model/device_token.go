package model

import (
	"time"
)

// DeviceToken is the stored side of a device bearer credential.
// Only the hash is persisted; the raw token is handed out once at issue time.
type DeviceToken struct {
	ID         int64      `db:"id" json:"-"`
	TokenHash  string     `db:"token_hash" json:"-"` // Never expose hash
	DeviceID   string     `db:"device_id" json:"device_id"`
	UserID     int64      `db:"user_id" json:"-"`
	UserEmail  string     `db:"user_email" json:"-"`
	IssuedAt   time.Time  `db:"issued_at" json:"issued_at"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	Revoked    bool       `db:"revoked" json:"-"`
	RevokedAt  *time.Time `db:"revoked_at" json:"-"`
	ReplacedBy *string    `db:"replaced_by" json:"-"`
}

// IsValid returns true if the token is neither revoked nor expired at now
func (t *DeviceToken) IsValid(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// IsExpired returns true if the token has expired at now
func (t *DeviceToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IssuedToken is the one-time view of a freshly minted raw token.
type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	DeviceID  string    `json:"deviceId,omitempty"`
}

// DeviceSummary is what a session user sees when listing paired devices.
type DeviceSummary struct {
	DeviceID   string     `db:"device_id" json:"deviceId"`
	IssuedAt   time.Time  `db:"issued_at" json:"issuedAt"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expiresAt"`
	LastUsedAt *time.Time `db:"last_used_at" json:"lastUsedAt,omitempty"`
}
