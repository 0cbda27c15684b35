package deviceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// API is the typed HTTP surface of the pairing server. The client holds no other
// channel to server state.
type API struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises API instantiation.
type Option func(*API)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(a *API) {
		if h != nil {
			a.httpClient = h
		}
	}
}

// NewAPI constructs an API pointing at the server base URL.
func NewAPI(base string, opts ...Option) (*API, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	a := &API{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// LinkURL is the fallback pairing link for servers that do not send one.
func (a *API) LinkURL(code string) string {
	return a.baseURL + "/link?" + url.Values{"code": {code}}.Encode()
}

// RegisterResponse mirrors POST /devices/register.
type RegisterResponse struct {
	DeviceID   string    `json:"deviceId"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expiresAt"`
	PairingURL string    `json:"pairingUrl"`
}

// TokenResponse mirrors the token payload of exchange and refresh.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	DeviceID  string    `json:"deviceId"`
}

// Register starts pairing. installID keeps the device id stable across re-pairings.
func (a *API) Register(ctx context.Context, installID string) (*RegisterResponse, error) {
	var out RegisterResponse
	body := map[string]string{"installId": installID}
	if _, err := a.do(ctx, http.MethodPost, "/devices/register", body, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Exchange polls once. A nil token with a nil error means the code is not linked yet.
func (a *API) Exchange(ctx context.Context, deviceID, code string) (*TokenResponse, error) {
	var out TokenResponse
	body := map[string]string{"deviceId": deviceID, "code": code}
	status, err := a.do(ctx, http.MethodPost, "/devices/exchange", body, "", &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted {
		return nil, nil
	}
	return &out, nil
}

// Refresh rotates token. The old token is dead once this returns successfully.
func (a *API) Refresh(ctx context.Context, token string) (*TokenResponse, error) {
	var out TokenResponse
	if _, err := a.do(ctx, http.MethodPost, "/devices/refresh", nil, token, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Revoke signs token out on the server.
func (a *API) Revoke(ctx context.Context, token string) error {
	_, err := a.do(ctx, http.MethodPost, "/devices/revoke", nil, token, nil)
	return err
}

func (a *API) do(ctx context.Context, method, path string, body any, token string, v any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, decodeAPIError(resp)
	}
	if v == nil || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusAccepted {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Code = payload.Error.Code
	apiErr.Message = payload.Error.Message
	return apiErr
}
