package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"time"

	"devicelink/internal/config"
	"devicelink/internal/metrics"
	"devicelink/internal/model"
	"devicelink/internal/queue"
	"devicelink/internal/repository"
)

var codeSpace = big.NewInt(1_000_000)

// PairingRegistry runs the pairing state machine:
//
//	pending --Link--> linked --Exchange--> consumed
//	pending|linked --TTL--> expired
//
// All state lives in the TokenStore; the registry itself is stateless and safe to run
// on any number of instances.
type PairingRegistry struct {
	store        repository.TokenStore
	users        repository.UserRepository
	issuer       *TokenIssuer
	fingerprints *Fingerprinter

	codeTTL      time.Duration
	codeAttempts int
	baseURL      string
	retry        RetryPolicy
	events       eventSink

	newCode func() (string, error)
}

func NewPairingRegistry(
	store repository.TokenStore,
	users repository.UserRepository,
	issuer *TokenIssuer,
	cfg *config.Config,
) *PairingRegistry {
	retry := DefaultRetryPolicy()
	if cfg.StoreRetryAttempts > 0 {
		retry.Attempts = cfg.StoreRetryAttempts
	}
	attempts := cfg.PairingCodeAttempts
	if attempts <= 0 {
		attempts = 5
	}
	return &PairingRegistry{
		store:        store,
		users:        users,
		issuer:       issuer,
		fingerprints: NewFingerprinter(cfg.FingerprintSecret),
		codeTTL:      cfg.PairingCodeTTL,
		codeAttempts: attempts,
		baseURL:      cfg.PairingBaseURL,
		retry:        retry,
		newCode:      generateCode,
	}
}

// SetEvents wires the device event stream (optional).
func (s *PairingRegistry) SetEvents(pub queue.Publisher, m *metrics.Metrics) {
	s.events = eventSink{pub: pub, metrics: m}
}

// Register opens a pending registration for the device behind installID.
// A code collision with a live registration is retried with a fresh code.
func (s *PairingRegistry) Register(ctx context.Context, installID string) (*model.RegisterDeviceResponse, error) {
	resp, err := s.register(ctx, installID)
	s.events.metrics.PairingOp("register", err)
	return resp, err
}

func (s *PairingRegistry) register(ctx context.Context, installID string) (*model.RegisterDeviceResponse, error) {
	deviceID := s.fingerprints.DeviceID(installID)

	for attempt := 1; attempt <= s.codeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, err
		}

		reg, err := withRetry(ctx, s.retry, "create_registration", func(ctx context.Context) (*model.Registration, error) {
			return s.store.CreateRegistration(ctx, code, deviceID, s.codeTTL)
		})
		if errors.Is(err, model.ErrDuplicateCode) {
			slog.Debug("pairing code collision", "component", "pairing", "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("register device: %w", err)
		}

		slog.Info("device registered", "component", "pairing", "device_id", deviceID, "code", maskCode(code))
		s.events.emit(ctx, queue.EventDeviceRegistered, deviceID, 0)
		return &model.RegisterDeviceResponse{
			DeviceID:   reg.DeviceID,
			Code:       reg.Code,
			ExpiresAt:  reg.ExpiresAt,
			PairingURL: s.pairingURL(reg.Code),
		}, nil
	}
	return nil, model.ErrRetriesExhausted
}

// Link attaches the signed-in user to a pending registration. A registration links once:
// the second call gets ErrAlreadyLinked and linkedUserId never changes.
func (s *PairingRegistry) Link(ctx context.Context, code string, userID int64) (*model.Registration, error) {
	reg, err := s.link(ctx, code, userID)
	s.events.metrics.PairingOp("link", err)
	return reg, err
}

func (s *PairingRegistry) link(ctx context.Context, code string, userID int64) (*model.Registration, error) {
	if !ValidCode(code) {
		return nil, model.ErrNotFound
	}

	reg, err := withRetry(ctx, s.retry, "link_registration", func(ctx context.Context) (*model.Registration, error) {
		return s.store.LinkRegistration(ctx, code, userID)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("device linked", "component", "pairing", "device_id", reg.DeviceID, "user_id", userID)
	s.events.emit(ctx, queue.EventDeviceLinked, reg.DeviceID, userID)
	return reg, nil
}

// Exchange trades a linked registration for a device token, exactly once.
// While the registration is still pending it returns Ready=false and no error.
func (s *PairingRegistry) Exchange(ctx context.Context, deviceID, code string) (*model.ExchangeResult, error) {
	res, err := s.exchange(ctx, deviceID, code)
	switch {
	case err == nil && !res.Ready:
		s.events.metrics.PairingPending()
	default:
		s.events.metrics.PairingOp("exchange", err)
	}
	return res, err
}

func (s *PairingRegistry) exchange(ctx context.Context, deviceID, code string) (*model.ExchangeResult, error) {
	if !ValidCode(code) || deviceID == "" {
		return nil, model.ErrNotFound
	}

	// Not retried: a consume whose reply was lost has already spent the code.
	reg, err := once(ctx, "consume_registration", func(ctx context.Context) (*model.Registration, error) {
		return s.store.ConsumeRegistration(ctx, code, deviceID)
	})
	if errors.Is(err, model.ErrNotLinked) {
		return &model.ExchangeResult{Ready: false}, nil
	}
	if err != nil {
		return nil, err
	}
	if reg.LinkedUserID == nil {
		return nil, fmt.Errorf("consumed registration %d has no linked user", reg.ID)
	}

	// The registration is consumed from here on; a failure below means the device re-pairs.
	userID := *reg.LinkedUserID
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		slog.Error("exchange: user lookup failed after consume", "component", "pairing", "device_id", deviceID, "user_id", userID, "error", err)
		return nil, fmt.Errorf("%w: load linked user: %w", model.ErrTransient, err)
	}

	issued, err := s.issuer.Issue(ctx, deviceID, userID, user.Email)
	if err != nil {
		slog.Error("exchange: token issue failed after consume", "component", "pairing", "device_id", deviceID, "error", err)
		if !errors.Is(err, model.ErrTransient) {
			err = fmt.Errorf("%w: %w", model.ErrTransient, err)
		}
		return nil, err
	}

	slog.Info("device exchanged", "component", "pairing", "device_id", deviceID, "user_id", userID)
	s.events.emit(ctx, queue.EventDeviceExchanged, deviceID, userID)
	return &model.ExchangeResult{Ready: true, Token: issued}, nil
}

func (s *PairingRegistry) pairingURL(code string) string {
	if s.baseURL == "" {
		return ""
	}
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("code", code)
	u.RawQuery = q.Encode()
	return u.String()
}

// ValidCode reports whether code has the pairing code shape: exactly six ASCII digits.
func ValidCode(code string) bool {
	if len(code) != model.PairingCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func maskCode(code string) string {
	if len(code) < 2 {
		return "******"
	}
	return code[:2] + "****"
}
