package repository

import (
	"context"
	"time"

	"devicelink/internal/model"
)

type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
}

// TokenStore is the only component that reads or writes pairing registrations and device tokens.
// Every mutation is a single atomic statement against the shared database; implementations must
// never split a state transition into a read followed by a separate write.
type TokenStore interface {
	// CreateRegistration inserts a pending registration. A code held by a live registration
	// yields ErrDuplicateCode; a code held only by an expired one is recycled.
	CreateRegistration(ctx context.Context, code, deviceID string, ttl time.Duration) (*model.Registration, error)

	// LinkRegistration moves a pending registration to linked.
	// Errors: ErrNotFound, ErrExpired, ErrAlreadyLinked.
	LinkRegistration(ctx context.Context, code string, userID int64) (*model.Registration, error)

	// ConsumeRegistration atomically marks a linked registration owned by deviceID as consumed
	// and returns it. Errors: ErrNotFound (unknown or already consumed), ErrExpired,
	// ErrNotLinked (still pending), ErrMismatch (owned by another device).
	ConsumeRegistration(ctx context.Context, code, deviceID string) (*model.Registration, error)

	StoreToken(ctx context.Context, hash, deviceID string, userID int64, userEmail string, ttl time.Duration) (*model.DeviceToken, error)

	// ValidateAndTouch checks validity and bumps last_used_at in one statement.
	// Errors: ErrNotFound, ErrExpired, ErrRevoked.
	ValidateAndTouch(ctx context.Context, hash string) (*model.DeviceToken, error)

	// RevokeToken is idempotent; revoking an unknown or already revoked hash is not an error.
	// The token is returned only when this call did the revoking.
	RevokeToken(ctx context.Context, hash string) (*model.DeviceToken, error)

	// RotateToken invalidates oldHash and makes newHash valid in the same statement.
	// Returns ErrNotFound when oldHash is not currently valid.
	RotateToken(ctx context.Context, oldHash, newHash string, newTTL time.Duration) (*model.DeviceToken, error)

	// SweepExpired marks stale registrations expired and deletes rows past their grace or
	// retention window. Idempotent and safe to run from several instances at once.
	SweepExpired(ctx context.Context, registrationGrace, tokenRetention time.Duration) (model.SweepResult, error)

	ListDeviceTokens(ctx context.Context, userID int64) ([]model.DeviceSummary, error)

	// RevokeDevice revokes every live token of one of the user's devices.
	// Returns ErrNotFound when the user has no live token for deviceID.
	RevokeDevice(ctx context.Context, userID int64, deviceID string) (int64, error)
}

type DeviceEventRepository interface {
	// Create stores an event; a redelivered stream message is ignored.
	Create(ctx context.Context, event *model.DeviceEvent) error
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.DeviceEvent, error)
}
