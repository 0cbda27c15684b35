package service

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"devicelink/internal/model"
)

func TestSessionService_IssueAndVerify(t *testing.T) {
	svc := NewSessionService(testConfig())
	user := &model.User{ID: 42, Email: "alice@example.com"}

	token, expiresAt, err := svc.Issue(user)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Errorf("expiresAt %v should be in the future", expiresAt)
	}

	id, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != 42 || id.UserEmail != "alice@example.com" || id.Source != model.SourceSession {
		t.Errorf("identity = %+v", id)
	}
	if id.IsDevice() {
		t.Error("session identity must not report a device")
	}
}

func TestSessionService_Verify(t *testing.T) {
	cfg := testConfig()
	svc := NewSessionService(cfg)
	user := &model.User{ID: 1, Email: "a@example.com"}
	valid, _, _ := svc.Issue(user)

	other := testConfig()
	other.JWTSecret = "other-secret"
	forged, _, _ := NewSessionService(other).Issue(user)

	expiredSvc := NewSessionService(cfg)
	expiredSvc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, _ := expiredSvc.Issue(user)

	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": 1}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name        string
		token       string
		wantExpired bool
	}{
		{name: "garbage", token: "not.a.jwt"},
		{name: "wrong secret", token: forged},
		{name: "alg none", token: unsigned},
		{name: "expired", token: expired, wantExpired: true},
	}

	if _, err := svc.Verify(valid); err != nil {
		t.Fatalf("valid session rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(tt.token)
			if !errors.Is(err, model.ErrUnauthenticated) {
				t.Fatalf("got %v, want ErrUnauthenticated", err)
			}
			if errors.Is(err, model.ErrExpired) != tt.wantExpired {
				t.Errorf("expired in chain = %v, want %v", errors.Is(err, model.ErrExpired), tt.wantExpired)
			}
		})
	}
}
