package model

import "errors"

// Pairing errors
var (
	// ErrDuplicateCode is returned when a live registration already holds the code.
	ErrDuplicateCode = errors.New("pairing code already in use")

	// ErrNotFound is returned when no usable registration or token matches.
	// Consumed registrations report ErrNotFound as well.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned when a registration or token is past its expiry.
	ErrExpired = errors.New("expired")

	// ErrAlreadyLinked is returned when Link is called on a registration that left pending.
	ErrAlreadyLinked = errors.New("registration already linked")

	// ErrNotLinked is returned by the store when consuming a registration that is still pending.
	ErrNotLinked = errors.New("registration not linked")

	// ErrNotLinkedYet is the keep-polling signal. It never terminates a poll loop.
	ErrNotLinkedYet = errors.New("registration not linked yet")

	// ErrMismatch is returned when the device does not own the registration.
	ErrMismatch = errors.New("device does not match registration")

	// ErrRetriesExhausted is returned when no free pairing code could be allocated.
	ErrRetriesExhausted = errors.New("pairing code allocation retries exhausted")
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid device token")
	ErrRevoked      = errors.New("device token revoked")
)

var (
	// ErrTransient wraps storage failures that survived the retry budget.
	ErrTransient = errors.New("transient storage failure")

	// ErrUnauthenticated is returned when no credential resolves to an identity.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// IsDomainError reports whether err carries one of the typed outcomes above,
// as opposed to an infrastructure failure worth retrying.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrDuplicateCode, ErrNotFound, ErrExpired, ErrAlreadyLinked, ErrNotLinked,
		ErrNotLinkedYet, ErrMismatch, ErrRetriesExhausted, ErrInvalidToken, ErrRevoked,
		ErrUnauthenticated, ErrUserNotFound, ErrEmailExists, ErrInvalidCredentials,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// API error codes (used in HTTP responses)
const (
	CodeTokenExpired   = "TOKEN_EXPIRED"
	CodeTokenInvalid   = "TOKEN_INVALID"
	CodeCodeNotFound   = "CODE_NOT_FOUND"
	CodeCodeExpired    = "CODE_EXPIRED"
	CodeAlreadyLinked  = "ALREADY_LINKED"
	CodeDeviceMismatch = "DEVICE_MISMATCH"
	CodeRateLimited    = "RATE_LIMITED"
	CodeUnavailable    = "TEMPORARILY_UNAVAILABLE"
)
