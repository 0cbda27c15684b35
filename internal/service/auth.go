package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"devicelink/internal/config"
	"devicelink/internal/model"
)

// SessionService issues and verifies the first-party web session: an HS256 JWT
// carried in the session cookie. Sessions are stateless; device tokens are not.
type SessionService struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

func NewSessionService(cfg *config.Config) *SessionService {
	maxAge := cfg.SessionMaxAge
	if maxAge <= 0 {
		maxAge = 12 * time.Hour
	}
	return &SessionService{
		secret: []byte(cfg.JWTSecret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// MaxAge returns the session lifetime, used for the cookie Max-Age.
func (s *SessionService) MaxAge() time.Duration {
	return s.maxAge
}

// Issue signs a session for the user.
func (s *SessionService) Issue(user *model.User) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.maxAge)
	claims := jwt.MapClaims{
		"user_id": user.ID,
		"email":   user.Email,
		"jti":     uuid.NewString(),
		"exp":     expiresAt.Unix(),
		"iat":     now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses a session token. Expired sessions report ErrExpired, anything
// else unusable reports ErrUnauthenticated.
func (s *SessionService) Verify(tokenString string) (*model.ResolvedIdentity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", model.ErrUnauthenticated, model.ErrExpired)
		}
		return nil, model.ErrUnauthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, model.ErrUnauthenticated
	}

	userIDFloat, ok := claims["user_id"].(float64)
	if !ok {
		return nil, model.ErrUnauthenticated
	}
	email, _ := claims["email"].(string)

	return &model.ResolvedIdentity{
		UserID:    int64(userIDFloat),
		UserEmail: email,
		Source:    model.SourceSession,
	}, nil
}
