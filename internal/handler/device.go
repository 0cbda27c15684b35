package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"devicelink/internal/httputil"
	"devicelink/internal/model"
	"devicelink/internal/service"
	"devicelink/internal/transport/http/middleware"
)

// DeviceHandler serves the pairing flow and device token lifecycle.
type DeviceHandler struct {
	registry *service.PairingRegistry
	issuer   *service.TokenIssuer
}

func NewDeviceHandler(registry *service.PairingRegistry, issuer *service.TokenIssuer) *DeviceHandler {
	return &DeviceHandler{registry: registry, issuer: issuer}
}

// Register starts pairing for a headless device.
// POST /devices/register
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterDeviceRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}

	resp, err := h.registry.Register(r.Context(), strings.TrimSpace(req.InstallID))
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, resp)
}

// Link attaches the signed-in user to a pending pairing code.
// POST /devices/link (session)
func (h *DeviceHandler) Link(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Not authenticated")
		return
	}

	var req model.LinkDeviceRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		httputil.WriteBadRequest(w, "Code is required")
		return
	}

	reg, err := h.registry.Link(r.Context(), code, id.UserID)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"deviceId": reg.DeviceID,
		"status":   reg.Status,
	})
}

// Exchange is polled by the device until its code is linked.
// POST /devices/exchange
func (h *DeviceHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req model.ExchangeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.DeviceID == "" || req.Code == "" {
		httputil.WriteBadRequest(w, "deviceId and code are required")
		return
	}

	result, err := h.registry.Exchange(r.Context(), req.DeviceID, req.Code)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	if !result.Ready {
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": model.RegistrationPending})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result.Token)
}

// Refresh rotates the presented device token.
// POST /devices/refresh (Bearer)
func (h *DeviceHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := middleware.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		httputil.WriteUnauthorized(w, "Missing device token")
		return
	}

	issued, err := h.issuer.Refresh(r.Context(), raw)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, issued)
}

// Revoke signs the calling device out. Revoking an already dead token succeeds.
// POST /devices/revoke (Bearer)
func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	raw, ok := middleware.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		httputil.WriteUnauthorized(w, "Missing device token")
		return
	}

	if err := h.issuer.Revoke(r.Context(), raw); err != nil {
		writeDeviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List returns the signed-in user's paired devices.
// GET /devices (session)
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Not authenticated")
		return
	}

	devices, err := h.issuer.ListDevices(r.Context(), id.UserID)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

// Delete revokes every token of one of the user's devices.
// DELETE /devices/{deviceId} (session)
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Not authenticated")
		return
	}

	deviceID := chi.URLParam(r, "deviceId")
	if deviceID == "" {
		httputil.WriteBadRequest(w, "Device ID is required")
		return
	}

	if err := h.issuer.RevokeDevice(r.Context(), id.UserID, deviceID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			httputil.WriteNotFound(w, "Device not found")
			return
		}
		writeDeviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeDeviceError maps pairing and token errors onto responses.
func writeDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrTransient), errors.Is(err, model.ErrRetriesExhausted):
		slog.Warn("device request failed", "component", "device_handler", "error", err)
		httputil.WriteUnavailable(w, "Please retry shortly")
	case errors.Is(err, model.ErrInvalidToken):
		if errors.Is(err, model.ErrExpired) {
			httputil.WriteUnauthorizedWithCode(w, model.CodeTokenExpired, "Device token has expired")
			return
		}
		httputil.WriteUnauthorizedWithCode(w, model.CodeTokenInvalid, "Invalid device token")
	case errors.Is(err, model.ErrExpired):
		httputil.WriteGone(w, model.CodeCodeExpired, "Pairing code has expired")
	case errors.Is(err, model.ErrAlreadyLinked):
		httputil.WriteConflictWithCode(w, model.CodeAlreadyLinked, "Pairing code is already linked")
	case errors.Is(err, model.ErrMismatch):
		httputil.WriteConflictWithCode(w, model.CodeDeviceMismatch, "Pairing code belongs to another device")
	case errors.Is(err, model.ErrNotFound):
		httputil.WriteNotFoundWithCode(w, model.CodeCodeNotFound, "Not found")
	default:
		slog.Error("device request failed", "component", "device_handler", "error", err)
		httputil.WriteInternalError(w, "Internal server error")
	}
}
