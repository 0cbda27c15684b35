package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"devicelink/internal/model"
)

const (
	registrationColumns = `id, device_id, code, status, linked_user_id, created_at, expires_at, linked_at, consumed_at`
	tokenColumns        = `id, token_hash, device_id, user_id, user_email, issued_at, expires_at, last_used_at, revoked, revoked_at, replaced_by`
)

// registrationSnapshot is a registration read together with the database clock,
// so expiry is judged against the same clock the conditional updates use.
type registrationSnapshot struct {
	model.Registration
	DBNow time.Time `db:"db_now"`
}

type tokenSnapshot struct {
	model.DeviceToken
	DBNow time.Time `db:"db_now"`
}

type tokenStore struct {
	db *sqlx.DB
}

// NewTokenStore creates the Postgres-backed token store
func NewTokenStore(db *sqlx.DB) TokenStore {
	return &tokenStore{db: db}
}

// CreateRegistration inserts a pending registration, taking over the code only if its
// current holder has expired.
func (s *tokenStore) CreateRegistration(ctx context.Context, code, deviceID string, ttl time.Duration) (*model.Registration, error) {
	query := `
		INSERT INTO pairing_registrations (device_id, code, status, created_at, expires_at)
		VALUES ($1, $2, 'pending', NOW(), NOW() + make_interval(secs => $3))
		ON CONFLICT (code) DO UPDATE SET
			device_id      = EXCLUDED.device_id,
			status         = 'pending',
			linked_user_id = NULL,
			created_at     = EXCLUDED.created_at,
			expires_at     = EXCLUDED.expires_at,
			linked_at      = NULL,
			consumed_at    = NULL
		WHERE pairing_registrations.expires_at <= NOW()
		RETURNING ` + registrationColumns

	var reg model.Registration
	err := s.db.GetContext(ctx, &reg, query, deviceID, code, ttl.Seconds())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrDuplicateCode
		}
		if isUniqueViolation(err) {
			// Lost an insert race on the same code.
			return nil, model.ErrDuplicateCode
		}
		return nil, fmt.Errorf("create registration: %w", err)
	}
	return &reg, nil
}

// LinkRegistration attaches a user to a pending registration
func (s *tokenStore) LinkRegistration(ctx context.Context, code string, userID int64) (*model.Registration, error) {
	query := `
		UPDATE pairing_registrations
		SET status = 'linked', linked_user_id = $2, linked_at = NOW()
		WHERE code = $1 AND status = 'pending' AND expires_at > NOW()
		RETURNING ` + registrationColumns

	var reg model.Registration
	err := s.db.GetContext(ctx, &reg, query, code, userID)
	if err == nil {
		return &reg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("link registration: %w", err)
	}

	snap, err := s.registrationByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	switch snap.EffectiveStatus(snap.DBNow) {
	case model.RegistrationExpired:
		return nil, model.ErrExpired
	default:
		// linked, consumed, or a pending row another linker won between our update and this read
		return nil, model.ErrAlreadyLinked
	}
}

// ConsumeRegistration is the atomic consume: read and transition in one statement.
// The registration row is never deleted here, so a concurrent poller always finds it.
func (s *tokenStore) ConsumeRegistration(ctx context.Context, code, deviceID string) (*model.Registration, error) {
	query := `
		UPDATE pairing_registrations
		SET status = 'consumed', consumed_at = NOW()
		WHERE code = $1 AND device_id = $2 AND status = 'linked' AND expires_at > NOW()
		RETURNING ` + registrationColumns

	var reg model.Registration
	err := s.db.GetContext(ctx, &reg, query, code, deviceID)
	if err == nil {
		return &reg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("consume registration: %w", err)
	}

	snap, err := s.registrationByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if snap.DeviceID != deviceID {
		return nil, model.ErrMismatch
	}
	switch snap.EffectiveStatus(snap.DBNow) {
	case model.RegistrationConsumed:
		return nil, model.ErrNotFound
	case model.RegistrationExpired:
		return nil, model.ErrExpired
	case model.RegistrationPending:
		return nil, model.ErrNotLinked
	default:
		return nil, model.ErrNotFound
	}
}

// registrationByCode classifies a failed conditional update. It never drives a write.
func (s *tokenStore) registrationByCode(ctx context.Context, code string) (*registrationSnapshot, error) {
	query := `SELECT ` + registrationColumns + `, NOW() AS db_now FROM pairing_registrations WHERE code = $1`

	var snap registrationSnapshot
	err := s.db.GetContext(ctx, &snap, query, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("find registration: %w", err)
	}
	return &snap, nil
}

// StoreToken persists the hash of a freshly issued token
func (s *tokenStore) StoreToken(ctx context.Context, hash, deviceID string, userID int64, userEmail string, ttl time.Duration) (*model.DeviceToken, error) {
	query := `
		INSERT INTO device_tokens (token_hash, device_id, user_id, user_email, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW() + make_interval(secs => $5))
		RETURNING ` + tokenColumns

	var tok model.DeviceToken
	if err := s.db.GetContext(ctx, &tok, query, hash, deviceID, userID, userEmail, ttl.Seconds()); err != nil {
		return nil, fmt.Errorf("store device token: %w", err)
	}
	return &tok, nil
}

// ValidateAndTouch returns the token and records its use, only if it is still valid
func (s *tokenStore) ValidateAndTouch(ctx context.Context, hash string) (*model.DeviceToken, error) {
	query := `
		UPDATE device_tokens
		SET last_used_at = NOW()
		WHERE token_hash = $1 AND NOT revoked AND expires_at > NOW()
		RETURNING ` + tokenColumns

	var tok model.DeviceToken
	err := s.db.GetContext(ctx, &tok, query, hash)
	if err == nil {
		return &tok, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("validate device token: %w", err)
	}

	var snap tokenSnapshot
	err = s.db.GetContext(ctx, &snap, `SELECT `+tokenColumns+`, NOW() AS db_now FROM device_tokens WHERE token_hash = $1`, hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("find device token: %w", err)
	}
	switch {
	case snap.Revoked:
		return nil, model.ErrRevoked
	case snap.IsExpired(snap.DBNow):
		return nil, model.ErrExpired
	default:
		return nil, model.ErrNotFound
	}
}

// RevokeToken marks a token revoked; already revoked or unknown hashes are a no-op
func (s *tokenStore) RevokeToken(ctx context.Context, hash string) (*model.DeviceToken, error) {
	query := `
		UPDATE device_tokens
		SET revoked = TRUE, revoked_at = NOW()
		WHERE token_hash = $1 AND NOT revoked
		RETURNING ` + tokenColumns

	var tok model.DeviceToken
	err := s.db.GetContext(ctx, &tok, query, hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("revoke device token: %w", err)
	}
	return &tok, nil
}

// RotateToken revokes the old token and inserts its replacement in one statement.
// Two concurrent rotations of the same hash serialize on the row lock; the loser's
// UPDATE matches nothing, so it inserts nothing and gets ErrNotFound.
func (s *tokenStore) RotateToken(ctx context.Context, oldHash, newHash string, newTTL time.Duration) (*model.DeviceToken, error) {
	query := `
		WITH old AS (
			UPDATE device_tokens
			SET revoked = TRUE, revoked_at = NOW(), replaced_by = $2
			WHERE token_hash = $1 AND NOT revoked AND expires_at > NOW()
			RETURNING device_id, user_id, user_email
		)
		INSERT INTO device_tokens (token_hash, device_id, user_id, user_email, issued_at, expires_at, last_used_at)
		SELECT $2, device_id, user_id, user_email, NOW(), NOW() + make_interval(secs => $3), NOW()
		FROM old
		RETURNING ` + tokenColumns

	var tok model.DeviceToken
	err := s.db.GetContext(ctx, &tok, query, oldHash, newHash, newTTL.Seconds())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("rotate device token: %w", err)
	}
	return &tok, nil
}

// SweepExpired runs as one statement. The expire and purge sets are disjoint so no row is
// touched twice.
func (s *tokenStore) SweepExpired(ctx context.Context, registrationGrace, tokenRetention time.Duration) (model.SweepResult, error) {
	query := `
		WITH marked AS (
			UPDATE pairing_registrations
			SET status = 'expired'
			WHERE status IN ('pending', 'linked')
				AND expires_at <= NOW()
				AND expires_at >= NOW() - make_interval(secs => $1)
			RETURNING id
		), purged AS (
			DELETE FROM pairing_registrations
			WHERE expires_at < NOW() - make_interval(secs => $1)
			RETURNING id
		), dropped AS (
			DELETE FROM device_tokens
			WHERE expires_at < NOW() - make_interval(secs => $2)
				OR (revoked AND revoked_at < NOW() - make_interval(secs => $2))
			RETURNING id
		)
		SELECT
			(SELECT COUNT(*) FROM marked),
			(SELECT COUNT(*) FROM purged),
			(SELECT COUNT(*) FROM dropped)
	`
	var res model.SweepResult
	err := s.db.QueryRowxContext(ctx, query, registrationGrace.Seconds(), tokenRetention.Seconds()).
		Scan(&res.RegistrationsExpired, &res.RegistrationsDeleted, &res.TokensDeleted)
	if err != nil {
		return model.SweepResult{}, fmt.Errorf("sweep expired: %w", err)
	}
	return res, nil
}

// ListDeviceTokens returns the user's live device tokens, newest first
func (s *tokenStore) ListDeviceTokens(ctx context.Context, userID int64) ([]model.DeviceSummary, error) {
	query := `
		SELECT device_id, issued_at, expires_at, last_used_at
		FROM device_tokens
		WHERE user_id = $1 AND NOT revoked AND expires_at > NOW()
		ORDER BY issued_at DESC
	`
	devices := []model.DeviceSummary{}
	if err := s.db.SelectContext(ctx, &devices, query, userID); err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	return devices, nil
}

// RevokeDevice revokes all live tokens the user holds for deviceID
func (s *tokenStore) RevokeDevice(ctx context.Context, userID int64, deviceID string) (int64, error) {
	query := `
		UPDATE device_tokens
		SET revoked = TRUE, revoked_at = NOW()
		WHERE user_id = $1 AND device_id = $2 AND NOT revoked
	`
	result, err := s.db.ExecContext(ctx, query, userID, deviceID)
	if err != nil {
		return 0, fmt.Errorf("revoke device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke device: %w", err)
	}
	if n == 0 {
		return 0, model.ErrNotFound
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
