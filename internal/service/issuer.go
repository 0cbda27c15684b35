package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"devicelink/internal/config"
	"devicelink/internal/metrics"
	"devicelink/internal/model"
	"devicelink/internal/queue"
	"devicelink/internal/repository"
)

const (
	tokenPrefix     = "dlt_"
	tokenEntropy    = 32 // bytes
	encodedTokenLen = len(tokenPrefix) + 43
)

// TokenIssuer mints, validates, rotates and revokes device bearer tokens.
// It is the only component that ever sees a raw token; storage holds only the hash.
type TokenIssuer struct {
	store  repository.TokenStore
	ttl    time.Duration
	retry  RetryPolicy
	events eventSink
}

func NewTokenIssuer(store repository.TokenStore, cfg *config.Config) *TokenIssuer {
	retry := DefaultRetryPolicy()
	if cfg.StoreRetryAttempts > 0 {
		retry.Attempts = cfg.StoreRetryAttempts
	}
	return &TokenIssuer{
		store: store,
		ttl:   cfg.DeviceTokenTTL,
		retry: retry,
	}
}

// SetEvents wires the device event stream (optional).
func (s *TokenIssuer) SetEvents(pub queue.Publisher, m *metrics.Metrics) {
	s.events = eventSink{pub: pub, metrics: m}
}

// TTL returns the lifetime given to new tokens.
func (s *TokenIssuer) TTL() time.Duration {
	return s.ttl
}

// Issue mints a token for a device that just completed pairing.
func (s *TokenIssuer) Issue(ctx context.Context, deviceID string, userID int64, userEmail string) (*model.IssuedToken, error) {
	raw, hash, err := newRawToken()
	if err != nil {
		return nil, err
	}

	tok, err := withRetry(ctx, s.retry, "store_token", func(ctx context.Context) (*model.DeviceToken, error) {
		return s.store.StoreToken(ctx, hash, deviceID, userID, userEmail, s.ttl)
	})
	s.events.metrics.TokenOp("issue", err)
	if err != nil {
		return nil, fmt.Errorf("issue device token: %w", err)
	}

	slog.Info("device token issued", "component", "issuer", "device_id", deviceID, "user_id", userID)
	return &model.IssuedToken{Token: raw, ExpiresAt: tok.ExpiresAt, DeviceID: deviceID}, nil
}

// Validate resolves a raw token to an identity and records its use.
// Every rejection wraps ErrInvalidToken; ErrExpired or ErrRevoked stay in the chain.
// Storage failures surface as ErrTransient, not as an invalid token.
func (s *TokenIssuer) Validate(ctx context.Context, raw string) (*model.ResolvedIdentity, error) {
	id, err := s.validate(ctx, raw)
	s.events.metrics.TokenOp("validate", err)
	return id, err
}

func (s *TokenIssuer) validate(ctx context.Context, raw string) (*model.ResolvedIdentity, error) {
	if !wellFormedToken(raw) {
		return nil, model.ErrInvalidToken
	}
	hash := HashToken(raw)

	tok, err := withRetry(ctx, s.retry, "validate_token", func(ctx context.Context) (*model.DeviceToken, error) {
		return s.store.ValidateAndTouch(ctx, hash)
	})
	if err != nil {
		return nil, invalidTokenError(err)
	}
	if subtle.ConstantTimeCompare([]byte(tok.TokenHash), []byte(hash)) != 1 {
		return nil, model.ErrInvalidToken
	}

	return &model.ResolvedIdentity{
		UserID:    tok.UserID,
		UserEmail: tok.UserEmail,
		Source:    model.SourceDeviceToken,
		DeviceID:  tok.DeviceID,
	}, nil
}

// Refresh rotates raw into a new token. Of several concurrent refreshes of the same
// token exactly one succeeds; the rest get ErrInvalidToken.
func (s *TokenIssuer) Refresh(ctx context.Context, raw string) (*model.IssuedToken, error) {
	issued, err := s.refresh(ctx, raw)
	s.events.metrics.TokenOp("refresh", err)
	return issued, err
}

func (s *TokenIssuer) refresh(ctx context.Context, raw string) (*model.IssuedToken, error) {
	if !wellFormedToken(raw) {
		return nil, model.ErrInvalidToken
	}
	oldHash := HashToken(raw)

	newRaw, newHash, err := newRawToken()
	if err != nil {
		return nil, err
	}

	// Not retried: a rotation whose reply was lost has already revoked oldHash.
	tok, err := once(ctx, "rotate_token", func(ctx context.Context) (*model.DeviceToken, error) {
		return s.store.RotateToken(ctx, oldHash, newHash, s.ttl)
	})
	if err != nil {
		return nil, invalidTokenError(err)
	}

	s.events.emit(ctx, queue.EventTokenRefreshed, tok.DeviceID, tok.UserID)
	return &model.IssuedToken{Token: newRaw, ExpiresAt: tok.ExpiresAt, DeviceID: tok.DeviceID}, nil
}

// Revoke invalidates raw. Revoking an unknown or already revoked token succeeds.
func (s *TokenIssuer) Revoke(ctx context.Context, raw string) error {
	if !wellFormedToken(raw) {
		return nil
	}
	hash := HashToken(raw)

	tok, err := withRetry(ctx, s.retry, "revoke_token", func(ctx context.Context) (*model.DeviceToken, error) {
		return s.store.RevokeToken(ctx, hash)
	})
	s.events.metrics.TokenOp("revoke", err)
	if err != nil {
		return fmt.Errorf("revoke device token: %w", err)
	}
	if tok != nil {
		s.events.emit(ctx, queue.EventTokenRevoked, tok.DeviceID, tok.UserID)
	}
	return nil
}

// ListDevices returns the user's devices holding a live token.
func (s *TokenIssuer) ListDevices(ctx context.Context, userID int64) ([]model.DeviceSummary, error) {
	return withRetry(ctx, s.retry, "list_devices", func(ctx context.Context) ([]model.DeviceSummary, error) {
		return s.store.ListDeviceTokens(ctx, userID)
	})
}

// RevokeDevice signs one of the user's devices out from the session side.
// Returns ErrNotFound when the user has no live token for deviceID.
func (s *TokenIssuer) RevokeDevice(ctx context.Context, userID int64, deviceID string) error {
	_, err := withRetry(ctx, s.retry, "revoke_device", func(ctx context.Context) (int64, error) {
		return s.store.RevokeDevice(ctx, userID, deviceID)
	})
	s.events.metrics.TokenOp("revoke_device", err)
	if err != nil {
		return err
	}
	s.events.emit(ctx, queue.EventTokenRevoked, deviceID, userID)
	return nil
}

// HashToken is the storage key for a raw token: sha256, hex encoded.
func HashToken(raw string) string {
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:])
}

func newRawToken() (raw, hash string, err error) {
	buf := make([]byte, tokenEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate device token: %w", err)
	}
	raw = tokenPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// wellFormedToken rejects obviously foreign strings before they cost a storage round trip.
func wellFormedToken(raw string) bool {
	return len(raw) == encodedTokenLen && strings.HasPrefix(raw, tokenPrefix)
}

func invalidTokenError(err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return model.ErrInvalidToken
	case errors.Is(err, model.ErrExpired), errors.Is(err, model.ErrRevoked):
		return fmt.Errorf("%w: %w", model.ErrInvalidToken, err)
	default:
		return err
	}
}
