// Package testutil holds in-memory doubles shared by service and handler tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"devicelink/internal/model"
)

// TokenStore is an in-memory repository.TokenStore. Each method runs under one mutex,
// which gives it the same all-or-nothing semantics as the single-statement Postgres store.
type TokenStore struct {
	mu       sync.Mutex
	now      time.Time
	nextID   int64
	regs     map[string]*model.Registration // by code
	tokens   map[string]*model.DeviceToken  // by hash
	failing  int
	failWith error
}

func NewTokenStore() *TokenStore {
	return &TokenStore{
		now:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		regs:   make(map[string]*model.Registration),
		tokens: make(map[string]*model.DeviceToken),
	}
}

// Now returns the store's clock.
func (s *TokenStore) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the store's clock forward.
func (s *TokenStore) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

// FailNext makes the next n calls, whatever the method, return err.
func (s *TokenStore) FailNext(n int, err error) {
	s.mu.Lock()
	s.failing = n
	s.failWith = err
	s.mu.Unlock()
}

// Registration returns a copy of the stored registration for code.
func (s *TokenStore) Registration(code string) (model.Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[code]
	if !ok {
		return model.Registration{}, false
	}
	return *r, true
}

// TokenCount returns how many token rows exist, revoked or not.
func (s *TokenStore) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *TokenStore) fail() error {
	if s.failing > 0 {
		s.failing--
		return s.failWith
	}
	return nil
}

func (s *TokenStore) CreateRegistration(_ context.Context, code, deviceID string, ttl time.Duration) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}

	if existing, ok := s.regs[code]; ok && !existing.IsExpired(s.now) {
		return nil, model.ErrDuplicateCode
	}
	s.nextID++
	reg := &model.Registration{
		ID:        s.nextID,
		DeviceID:  deviceID,
		Code:      code,
		Status:    model.RegistrationPending,
		CreatedAt: s.now,
		ExpiresAt: s.now.Add(ttl),
	}
	s.regs[code] = reg
	out := *reg
	return &out, nil
}

func (s *TokenStore) LinkRegistration(_ context.Context, code string, userID int64) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}

	reg, ok := s.regs[code]
	if !ok {
		return nil, model.ErrNotFound
	}
	switch reg.EffectiveStatus(s.now) {
	case model.RegistrationExpired:
		return nil, model.ErrExpired
	case model.RegistrationPending:
		now := s.now
		reg.Status = model.RegistrationLinked
		reg.LinkedUserID = &userID
		reg.LinkedAt = &now
		out := *reg
		return &out, nil
	default:
		return nil, model.ErrAlreadyLinked
	}
}

func (s *TokenStore) ConsumeRegistration(_ context.Context, code, deviceID string) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}

	reg, ok := s.regs[code]
	if !ok {
		return nil, model.ErrNotFound
	}
	if reg.DeviceID != deviceID {
		return nil, model.ErrMismatch
	}
	switch reg.EffectiveStatus(s.now) {
	case model.RegistrationLinked:
		now := s.now
		reg.Status = model.RegistrationConsumed
		reg.ConsumedAt = &now
		out := *reg
		return &out, nil
	case model.RegistrationExpired:
		return nil, model.ErrExpired
	case model.RegistrationPending:
		return nil, model.ErrNotLinked
	default:
		return nil, model.ErrNotFound
	}
}

func (s *TokenStore) StoreToken(_ context.Context, hash, deviceID string, userID int64, userEmail string, ttl time.Duration) (*model.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	tok := s.insertToken(hash, deviceID, userID, userEmail, ttl)
	out := *tok
	return &out, nil
}

func (s *TokenStore) insertToken(hash, deviceID string, userID int64, userEmail string, ttl time.Duration) *model.DeviceToken {
	s.nextID++
	tok := &model.DeviceToken{
		ID:        s.nextID,
		TokenHash: hash,
		DeviceID:  deviceID,
		UserID:    userID,
		UserEmail: userEmail,
		IssuedAt:  s.now,
		ExpiresAt: s.now.Add(ttl),
	}
	s.tokens[hash] = tok
	return tok
}

func (s *TokenStore) ValidateAndTouch(_ context.Context, hash string) (*model.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}

	tok, ok := s.tokens[hash]
	switch {
	case !ok:
		return nil, model.ErrNotFound
	case tok.Revoked:
		return nil, model.ErrRevoked
	case tok.IsExpired(s.now):
		return nil, model.ErrExpired
	}
	now := s.now
	tok.LastUsedAt = &now
	out := *tok
	return &out, nil
}

func (s *TokenStore) RevokeToken(_ context.Context, hash string) (*model.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}

	tok, ok := s.tokens[hash]
	if !ok || tok.Revoked {
		return nil, nil
	}
	now := s.now
	tok.Revoked = true
	tok.RevokedAt = &now
	out := *tok
	return &out, nil
}

func (s *TokenStore) RotateToken(_ context.Context, oldHash, newHash string, newTTL time.Duration) (*model.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}

	old, ok := s.tokens[oldHash]
	if !ok || !old.IsValid(s.now) {
		return nil, model.ErrNotFound
	}
	now := s.now
	old.Revoked = true
	old.RevokedAt = &now
	old.ReplacedBy = &newHash

	tok := s.insertToken(newHash, old.DeviceID, old.UserID, old.UserEmail, newTTL)
	tok.LastUsedAt = &now
	out := *tok
	return &out, nil
}

func (s *TokenStore) SweepExpired(_ context.Context, registrationGrace, tokenRetention time.Duration) (model.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return model.SweepResult{}, err
	}

	var res model.SweepResult
	for code, reg := range s.regs {
		switch {
		case reg.ExpiresAt.Before(s.now.Add(-registrationGrace)):
			delete(s.regs, code)
			res.RegistrationsDeleted++
		case reg.IsExpired(s.now) && (reg.Status == model.RegistrationPending || reg.Status == model.RegistrationLinked):
			reg.Status = model.RegistrationExpired
			res.RegistrationsExpired++
		}
	}
	cutoff := s.now.Add(-tokenRetention)
	for hash, tok := range s.tokens {
		if tok.ExpiresAt.Before(cutoff) || (tok.Revoked && tok.RevokedAt != nil && tok.RevokedAt.Before(cutoff)) {
			delete(s.tokens, hash)
			res.TokensDeleted++
		}
	}
	return res, nil
}

func (s *TokenStore) ListDeviceTokens(_ context.Context, userID int64) ([]model.DeviceSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}

	var live []*model.DeviceToken
	for _, tok := range s.tokens {
		if tok.UserID == userID && tok.IsValid(s.now) {
			live = append(live, tok)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID > live[j].ID })

	devices := make([]model.DeviceSummary, 0, len(live))
	for _, tok := range live {
		devices = append(devices, model.DeviceSummary{
			DeviceID:   tok.DeviceID,
			IssuedAt:   tok.IssuedAt,
			ExpiresAt:  tok.ExpiresAt,
			LastUsedAt: tok.LastUsedAt,
		})
	}
	return devices, nil
}

func (s *TokenStore) RevokeDevice(_ context.Context, userID int64, deviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}

	var n int64
	now := s.now
	for _, tok := range s.tokens {
		if tok.UserID == userID && tok.DeviceID == deviceID && !tok.Revoked {
			tok.Revoked = true
			tok.RevokedAt = &now
			n++
		}
	}
	if n == 0 {
		return 0, model.ErrNotFound
	}
	return n, nil
}
