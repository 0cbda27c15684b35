package deviceclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Pairing dead: stop polling and start over with Register.
var (
	ErrTimeout     = errors.New("pairing timed out")
	ErrExpired     = errors.New("pairing code expired")
	ErrMismatch    = errors.New("pairing code belongs to another device")
	ErrUnknownCode = errors.New("pairing code not found")
)

var (
	// ErrSignedOut means there is no usable credential; the device must pair again.
	ErrSignedOut = errors.New("signed out")

	// ErrNotLinkedYet is the keep-polling signal. It is never returned from PollUntilLinked.
	ErrNotLinkedYet = errors.New("not linked yet")

	// ErrPollCanceled is returned when the poll owner's context ends first.
	ErrPollCanceled = errors.New("poll canceled")

	// ErrNotPaired is returned when there is no pairing handle to poll.
	ErrNotPaired = errors.New("no pairing in progress")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Code, e.Message)
}

// Temporary reports whether retrying the same request later may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// exchangeError maps a failed exchange onto the pairing-dead errors.
// Anything else is left as is and the poll keeps going.
func exchangeError(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Status {
	case http.StatusGone:
		return fmt.Errorf("%w: %w", ErrExpired, err)
	case http.StatusConflict:
		return fmt.Errorf("%w: %w", ErrMismatch, err)
	case http.StatusNotFound, http.StatusBadRequest:
		// A malformed deviceId or code will never be found either.
		return fmt.Errorf("%w: %w", ErrUnknownCode, err)
	}
	return err
}

func pairingDead(err error) bool {
	return errors.Is(err, ErrExpired) || errors.Is(err, ErrMismatch) || errors.Is(err, ErrUnknownCode)
}

// rejected reports whether the server refused the credential itself, as opposed to being unreachable.
func rejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Temporary()
}
