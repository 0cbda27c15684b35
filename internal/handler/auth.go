package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"devicelink/internal/httputil"
	"devicelink/internal/model"
	"devicelink/internal/service"
	"devicelink/internal/transport/http/middleware"
)

// AuthHandler groups the first-party account endpoints.
type AuthHandler struct {
	userService    *service.UserService
	sessionService *service.SessionService
	secureCookie   bool
}

// NewAuthHandler wires dependencies for authentication endpoints.
// secureCookie should be true whenever the server is reached over TLS.
func NewAuthHandler(userService *service.UserService, sessionService *service.SessionService, secureCookie bool) *AuthHandler {
	return &AuthHandler{
		userService:    userService,
		sessionService: sessionService,
		secureCookie:   secureCookie,
	}
}

// Register creates an account
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}

	user, err := h.userService.Register(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidInput):
			httputil.WriteBadRequest(w, strings.TrimPrefix(err.Error(), model.ErrInvalidInput.Error()+": "))
		case errors.Is(err, model.ErrEmailExists):
			httputil.WriteConflict(w, "Email already exists")
		default:
			slog.Error("register failed", "component", "auth_handler", "error", err)
			httputil.WriteInternalError(w, "Failed to register")
		}
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, user)
}

// Login verifies credentials and sets the session cookie
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}

	if req.Email == "" {
		httputil.WriteBadRequest(w, "Email is required")
		return
	}
	if req.Password == "" {
		httputil.WriteBadRequest(w, "Password is required")
		return
	}

	user, err := h.userService.Login(r.Context(), &req)
	if err != nil {
		if errors.Is(err, model.ErrInvalidCredentials) {
			httputil.WriteUnauthorized(w, "Invalid email or password")
			return
		}
		httputil.WriteInternalError(w, "Failed to login")
		return
	}

	token, expiresAt, err := h.sessionService.Issue(user)
	if err != nil {
		slog.Error("issue session failed", "component", "auth_handler", "error", err)
		httputil.WriteInternalError(w, "Failed to login")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.sessionService.MaxAge().Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	httputil.WriteJSON(w, http.StatusOK, model.LoginResponse{User: user, ExpiresAt: expiresAt})
}

// Logout clears the session cookie
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

// Me returns the caller. Device-token callers get a narrower profile.
// GET /me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Not authenticated")
		return
	}

	if id.IsDevice() {
		profile, err := h.userService.DeviceProfile(r.Context(), id)
		if err != nil {
			writeUserLookupError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, profile)
		return
	}

	user, err := h.userService.GetByID(r.Context(), id.UserID)
	if err != nil {
		writeUserLookupError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}

func writeUserLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrUserNotFound) {
		httputil.WriteNotFound(w, "User not found")
		return
	}
	httputil.WriteInternalError(w, "Failed to get user")
}
