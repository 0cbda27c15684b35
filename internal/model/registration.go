package model

import (
	"time"
)

// Registration statuses
const (
	RegistrationPending  = "pending"
	RegistrationLinked   = "linked"
	RegistrationConsumed = "consumed"
	RegistrationExpired  = "expired"
)

// PairingCodeLength is the number of digits in a pairing code.
const PairingCodeLength = 6

// Registration is a short-lived pairing record linking a headless device to a user.
type Registration struct {
	ID           int64      `db:"id" json:"-"`
	DeviceID     string     `db:"device_id" json:"device_id"`
	Code         string     `db:"code" json:"code"`
	Status       string     `db:"status" json:"status"`
	LinkedUserID *int64     `db:"linked_user_id" json:"-"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt    time.Time  `db:"expires_at" json:"expires_at"`
	LinkedAt     *time.Time `db:"linked_at" json:"-"`
	ConsumedAt   *time.Time `db:"consumed_at" json:"-"`
}

// IsExpired reports whether the registration is past its TTL at now.
// Expiry is absolute: it holds whatever the stored status says.
func (r *Registration) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// EffectiveStatus folds TTL expiry into the stored status.
func (r *Registration) EffectiveStatus(now time.Time) string {
	if r.Status == RegistrationConsumed {
		return RegistrationConsumed
	}
	if r.Status == RegistrationExpired || r.IsExpired(now) {
		return RegistrationExpired
	}
	return r.Status
}

// RegisterDeviceRequest is the request body for POST /devices/register
type RegisterDeviceRequest struct {
	InstallID string `json:"installId"`
}

// RegisterDeviceResponse is returned by POST /devices/register
type RegisterDeviceResponse struct {
	DeviceID   string    `json:"deviceId"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expiresAt"`
	PairingURL string    `json:"pairingUrl,omitempty"`
}

// LinkDeviceRequest is the request body for POST /devices/link
type LinkDeviceRequest struct {
	Code string `json:"code"`
}

// ExchangeRequest is the request body for POST /devices/exchange
type ExchangeRequest struct {
	DeviceID string `json:"deviceId"`
	Code     string `json:"code"`
}

// ExchangeResult is the outcome of a successful exchange call.
// Ready is false while the registration is still pending; that is not an error.
type ExchangeResult struct {
	Ready bool
	Token *IssuedToken
}

// SweepResult reports how many rows a sweep touched.
type SweepResult struct {
	RegistrationsExpired int64
	RegistrationsDeleted int64
	TokensDeleted        int64
}
