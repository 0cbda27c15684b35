package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"devicelink/internal/model"
)

// =============================================================================
// Mocks
// =============================================================================

type mockTokens struct {
	validateFn func(ctx context.Context, raw string) (*model.ResolvedIdentity, error)
	calls      int
}

func (m *mockTokens) Validate(ctx context.Context, raw string) (*model.ResolvedIdentity, error) {
	m.calls++
	return m.validateFn(ctx, raw)
}

type mockSessions struct {
	verifyFn func(token string) (*model.ResolvedIdentity, error)
	calls    int
}

func (m *mockSessions) Verify(token string) (*model.ResolvedIdentity, error) {
	m.calls++
	return m.verifyFn(token)
}

var (
	deviceIdentity  = &model.ResolvedIdentity{UserID: 1, UserEmail: "a@example.com", Source: model.SourceDeviceToken, DeviceID: "dev_1"}
	sessionIdentity = &model.ResolvedIdentity{UserID: 1, UserEmail: "a@example.com", Source: model.SourceSession}
)

func newResolver(tokens *mockTokens, sessions *mockSessions) *AuthResolver {
	return NewAuthResolver(DeviceTokenStrategy{Tokens: tokens}, SessionStrategy{Sessions: sessions})
}

func request(bearer, cookie string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/me", nil)
	if bearer != "" {
		r.Header.Set("Authorization", bearer)
	}
	if cookie != "" {
		r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: cookie})
	}
	return r
}

// =============================================================================
// Resolve
// =============================================================================

func TestAuthResolver_Resolve(t *testing.T) {
	okTokens := func(context.Context, string) (*model.ResolvedIdentity, error) { return deviceIdentity, nil }
	badTokens := func(context.Context, string) (*model.ResolvedIdentity, error) { return nil, model.ErrInvalidToken }
	okSessions := func(string) (*model.ResolvedIdentity, error) { return sessionIdentity, nil }

	tests := []struct {
		name         string
		bearer       string
		cookie       string
		tokens       func(context.Context, string) (*model.ResolvedIdentity, error)
		wantSource   string
		wantErr      error
		wantSessions int
	}{
		{name: "device token", bearer: "Bearer dlt_x", tokens: okTokens, wantSource: model.SourceDeviceToken},
		{name: "bearer wins over cookie", bearer: "Bearer dlt_x", cookie: "s", tokens: okTokens, wantSource: model.SourceDeviceToken},
		{name: "session only", cookie: "s", tokens: okTokens, wantSource: model.SourceSession, wantSessions: 1},
		{name: "invalid bearer does not fall back", bearer: "Bearer dlt_bad", cookie: "s", tokens: badTokens, wantErr: model.ErrInvalidToken},
		{name: "malformed header", bearer: "Basic abc", cookie: "s", tokens: okTokens, wantErr: model.ErrUnauthenticated},
		{name: "nothing presented", tokens: okTokens, wantErr: model.ErrUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := &mockTokens{validateFn: tt.tokens}
			sessions := &mockSessions{verifyFn: okSessions}

			id, err := newResolver(tokens, sessions).Resolve(request(tt.bearer, tt.cookie))

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if !errors.Is(err, model.ErrUnauthenticated) {
					t.Errorf("err = %v should wrap ErrUnauthenticated", err)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if id.Source != tt.wantSource {
					t.Errorf("source = %s, want %s", id.Source, tt.wantSource)
				}
			}
			if sessions.calls != tt.wantSessions {
				t.Errorf("session verifier called %d times, want %d", sessions.calls, tt.wantSessions)
			}
		})
	}
}

func TestAuthResolver_TransientPassesThrough(t *testing.T) {
	tokens := &mockTokens{validateFn: func(context.Context, string) (*model.ResolvedIdentity, error) {
		return nil, fmt.Errorf("%w: validate_token: timeout", model.ErrTransient)
	}}
	_, err := newResolver(tokens, &mockSessions{}).Resolve(request("Bearer dlt_x", ""))
	if !errors.Is(err, model.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	if errors.Is(err, model.ErrUnauthenticated) {
		t.Error("a storage failure must not be reported as unauthenticated")
	}
}

// =============================================================================
// Middleware
// =============================================================================

func TestRequire(t *testing.T) {
	tokens := &mockTokens{validateFn: func(context.Context, string) (*model.ResolvedIdentity, error) { return deviceIdentity, nil }}
	resolver := newResolver(tokens, &mockSessions{})

	var got model.ResolvedIdentity
	h := resolver.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request("Bearer dlt_x", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got != *deviceIdentity {
		t.Errorf("identity = %+v", got)
	}
	if tokens.calls != 1 {
		t.Errorf("Validate called %d times, want exactly 1", tokens.calls)
	}
}

func TestRequire_ErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid", model.ErrInvalidToken, http.StatusUnauthorized, model.CodeTokenInvalid},
		{"expired", fmt.Errorf("%w: %w", model.ErrInvalidToken, model.ErrExpired), http.StatusUnauthorized, model.CodeTokenExpired},
		{"transient", model.ErrTransient, http.StatusServiceUnavailable, model.CodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := &mockTokens{validateFn: func(context.Context, string) (*model.ResolvedIdentity, error) { return nil, tt.err }}
			h := newResolver(tokens, &mockSessions{}).Require(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Error("handler must not run")
			}))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, request("Bearer dlt_x", ""))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body struct {
				Error struct{ Code string } `json:"error"`
			}
			_ = json.Unmarshal(rec.Body.Bytes(), &body)
			if body.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestRequireSource(t *testing.T) {
	h := RequireSource(model.SourceSession)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, tc := range []struct {
		id   *model.ResolvedIdentity
		want int
	}{
		{nil, http.StatusUnauthorized},
		{deviceIdentity, http.StatusForbidden},
		{sessionIdentity, http.StatusNoContent},
	} {
		r := httptest.NewRequest(http.MethodPost, "/devices/link", nil)
		if tc.id != nil {
			r = r.WithContext(WithIdentity(r.Context(), *tc.id))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		if rec.Code != tc.want {
			t.Errorf("identity %+v: status = %d, want %d", tc.id, rec.Code, tc.want)
		}
	}
}
