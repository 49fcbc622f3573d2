package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/devicegate/devicegate/internal/admin"
	"github.com/devicegate/devicegate/internal/model"
	"github.com/devicegate/devicegate/internal/server/middleware"
	"github.com/devicegate/devicegate/internal/service"
)

// SystemHandler serves the administrator API: sessions, keys, devices, the
// audit log and statistics.
type SystemHandler struct {
	admin      *admin.Service
	authSvc    *service.AuthService
	sessionTTL time.Duration
	logger     *slog.Logger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(adminSvc *admin.Service, authSvc *service.AuthService, sessionTTL time.Duration, logger *slog.Logger) *SystemHandler {
	if sessionTTL <= 0 {
		sessionTTL = service.DefaultSessionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemHandler{
		admin:      adminSvc,
		authSvc:    authSvc,
		sessionTTL: sessionTTL,
		logger:     logger,
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// loginRequest is the expected payload for the Login endpoint.
type loginRequest struct {
	Secret string `json:"secret"`
}

// loginResponse is the response payload for a successful login.
type loginResponse struct {
	Token     string `json:"session_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
}

// Login exchanges the administrator secret for a JWT session token.
// POST /api/v1/system/admin/session
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Secret == "" {
		writeError(w, http.StatusBadRequest, "Secret is required")
		return
	}

	token, err := h.authSvc.Login(r.Context(), req.Secret, h.sessionTTL)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			h.logger.Warn("admin login rejected", "remote_addr", clientIP(r))
		}
		writeClassifiedError(w, err, "Failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresIn: int(h.sessionTTL.Seconds()),
	})
}

// Logout revokes the session token presented with the request.
// DELETE /api/v1/system/admin/session
func (h *SystemHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Authentication required. Provide a Bearer token.")
		return
	}
	if err := h.authSvc.Revoke(r.Context(), token); err != nil {
		writeClassifiedError(w, err, "Failed to end session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session invalidated",
	})
}

// ---------------------------------------------------------------------------
// Key management
// ---------------------------------------------------------------------------

// ListKeys returns every access key, newest first.
// GET /api/v1/system/key
func (h *SystemHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.admin.ListKeys(r.Context())
	if err != nil {
		writeClassifiedError(w, err, "Failed to list keys")
		return
	}
	writeJSON(w, http.StatusOK, model.NewPage(keys))
}

// CreateKey creates an access key. The secret is generated when omitted.
// POST /api/v1/system/key
func (h *SystemHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req admin.CreateKeyInput
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	key, err := h.admin.CreateKey(r.Context(), req)
	if err != nil {
		writeClassifiedError(w, err, "Failed to create key")
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

// GetKey returns one key.
// GET /api/v1/system/key/{keyId}
func (h *SystemHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.admin.GetKey(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		writeClassifiedError(w, err, "Failed to get key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// DeleteKey removes a key and all its devices.
// DELETE /api/v1/system/key/{keyId}
func (h *SystemHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "keyId")
	if err := h.admin.DeleteKey(r.Context(), id); err != nil {
		writeClassifiedError(w, err, "Failed to delete key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

// SetKeyActive activates or deactivates a key.
// PUT /api/v1/system/key/{keyId}/active
func (h *SystemHandler) SetKeyActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	h.updateKey(w, r, func(id string) error { return h.admin.SetKeyActive(r.Context(), id, *req.Active) })
}

type setMaxDevicesRequest struct {
	MaxDevices int `json:"max_devices"`
}

// SetKeyMaxDevices changes the device quota of a key.
// PUT /api/v1/system/key/{keyId}/max-devices
func (h *SystemHandler) SetKeyMaxDevices(w http.ResponseWriter, r *http.Request) {
	var req setMaxDevicesRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	h.updateKey(w, r, func(id string) error { return h.admin.SetKeyMaxDevices(r.Context(), id, req.MaxDevices) })
}

// updateKey applies fn to the key in the URL and responds with its new
// state.
func (h *SystemHandler) updateKey(w http.ResponseWriter, r *http.Request, fn func(id string) error) {
	id := chi.URLParam(r, "keyId")
	if err := fn(id); err != nil {
		writeClassifiedError(w, err, "Failed to update key")
		return
	}
	key, err := h.admin.GetKey(r.Context(), id)
	if err != nil {
		writeClassifiedError(w, err, "Failed to get key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// KeyStats returns usage statistics for one key.
// GET /api/v1/system/key/{keyId}/stats
func (h *SystemHandler) KeyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.admin.KeyStats(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		writeClassifiedError(w, err, "Failed to compute key stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---------------------------------------------------------------------------
// Device management
// ---------------------------------------------------------------------------

// ListDevices lists device registrations, optionally for one key.
// GET /api/v1/system/device?key_id=
func (h *SystemHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.admin.ListDevices(r.Context(), queryString(r, "key_id"))
	if err != nil {
		writeClassifiedError(w, err, "Failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, model.NewPage(devices))
}

// BlockDevice blocks a device and frees its slot.
// POST /api/v1/system/device/{deviceId}/block
func (h *SystemHandler) BlockDevice(w http.ResponseWriter, r *http.Request) {
	h.deviceAction(w, r, h.admin.BlockDevice, "Failed to block device")
}

// UnblockDevice restores a blocked device if its key has a free slot.
// POST /api/v1/system/device/{deviceId}/unblock
func (h *SystemHandler) UnblockDevice(w http.ResponseWriter, r *http.Request) {
	h.deviceAction(w, r, h.admin.UnblockDevice, "Failed to unblock device")
}

// RemoveDevice deletes a device registration.
// DELETE /api/v1/system/device/{deviceId}
func (h *SystemHandler) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	h.deviceAction(w, r, h.admin.RemoveDevice, "Failed to remove device")
}

func (h *SystemHandler) deviceAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error, failMsg string) {
	id := chi.URLParam(r, "deviceId")
	if err := fn(r.Context(), id); err != nil {
		writeClassifiedError(w, err, failMsg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

// ---------------------------------------------------------------------------
// Audit log and statistics
// ---------------------------------------------------------------------------

// ListAudit pages through the audit log, newest first.
// GET /api/v1/system/audit?key_id=&limit=&offset=
func (h *SystemHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(queryInt(r, "limit", admin.DefaultAuditLimit), 1, admin.MaxAuditLimit)
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	events, err := h.admin.ListAuditEvents(r.Context(), r.URL.Query().Get("key_id"), limit, offset)
	if err != nil {
		writeClassifiedError(w, err, "Failed to list audit events")
		return
	}
	page := model.NewPage(events)
	page.Meta.Limit, page.Meta.Offset = limit, offset
	writeJSON(w, http.StatusOK, page)
}

// ClearAudit deletes every audit event.
// DELETE /api/v1/system/audit
func (h *SystemHandler) ClearAudit(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.ClearAuditLog(r.Context()); err != nil {
		writeClassifiedError(w, err, "Failed to clear audit log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Stats returns the dashboard figures.
// GET /api/v1/system/stats?recent=
func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.admin.DashboardStats(r.Context(), queryInt(r, "recent", admin.DefaultRecentEvents))
	if err != nil {
		writeClassifiedError(w, err, "Failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
