package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"devicelink/internal/httputil"
	"devicelink/internal/model"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const identityKey contextKey = "identity"

// SessionCookieName is the cookie carrying the web session.
const SessionCookieName = "session"

// DeviceTokenValidator resolves a raw device bearer token.
type DeviceTokenValidator interface {
	Validate(ctx context.Context, raw string) (*model.ResolvedIdentity, error)
}

// SessionVerifier resolves a session token.
type SessionVerifier interface {
	Verify(token string) (*model.ResolvedIdentity, error)
}

// Strategy is one way of authenticating a request.
// It returns (nil, nil) when the request carries no credential of its kind,
// and an error when it carries one that does not verify.
type Strategy interface {
	Authenticate(r *http.Request) (*model.ResolvedIdentity, error)
}

// DeviceTokenStrategy reads "Authorization: Bearer <token>".
type DeviceTokenStrategy struct {
	Tokens DeviceTokenValidator
}

func (s DeviceTokenStrategy) Authenticate(r *http.Request) (*model.ResolvedIdentity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}
	raw, ok := BearerToken(header)
	if !ok {
		return nil, fmt.Errorf("%w: malformed authorization header", model.ErrUnauthenticated)
	}

	id, err := s.Tokens.Validate(r.Context(), raw)
	if err != nil {
		if errors.Is(err, model.ErrTransient) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", model.ErrUnauthenticated, err)
	}
	return id, nil
}

// SessionStrategy reads the session cookie.
type SessionStrategy struct {
	Sessions SessionVerifier
}

func (s SessionStrategy) Authenticate(r *http.Request) (*model.ResolvedIdentity, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	return s.Sessions.Verify(cookie.Value)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// AuthResolver is the single place a request is authenticated.
// Strategies are tried in order; the first one that finds its credential decides.
type AuthResolver struct {
	strategies []Strategy
}

func NewAuthResolver(strategies ...Strategy) *AuthResolver {
	return &AuthResolver{strategies: strategies}
}

// Resolve returns the caller identity or an error wrapping ErrUnauthenticated.
// A credential that is present but invalid fails the request; later strategies are not consulted.
// Storage failures come back as ErrTransient.
func (a *AuthResolver) Resolve(r *http.Request) (*model.ResolvedIdentity, error) {
	for _, s := range a.strategies {
		id, err := s.Authenticate(r)
		if err != nil {
			return nil, err
		}
		if id != nil {
			return id, nil
		}
	}
	return nil, model.ErrUnauthenticated
}

// Require resolves the identity once and stores it in the request context.
func (a *AuthResolver) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Resolve(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), *id)))
	})
}

// RequireSource narrows a route to one credential source. It must run after Require.
func RequireSource(source string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "Not authenticated")
				return
			}
			if id.Source != source {
				httputil.WriteForbidden(w, "This endpoint requires a "+strings.ReplaceAll(source, "_", " "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrTransient):
		slog.Error("authentication unavailable", "component", "auth", "error", err)
		httputil.WriteUnavailable(w, "Authentication is temporarily unavailable")
	case errors.Is(err, model.ErrExpired):
		httputil.WriteUnauthorizedWithCode(w, model.CodeTokenExpired, "Credential has expired")
	case errors.Is(err, model.ErrInvalidToken), errors.Is(err, model.ErrRevoked):
		httputil.WriteUnauthorizedWithCode(w, model.CodeTokenInvalid, "Invalid device token")
	default:
		httputil.WriteUnauthorized(w, "Missing or invalid credentials")
	}
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id model.ResolvedIdentity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity set by Require.
func IdentityFromContext(ctx context.Context) (model.ResolvedIdentity, bool) {
	id, ok := ctx.Value(identityKey).(model.ResolvedIdentity)
	return id, ok
}
