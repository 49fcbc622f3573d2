package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/devicegate/devicegate/internal/audit"
	"github.com/devicegate/devicegate/internal/gate"
	"github.com/devicegate/devicegate/internal/lookup"
	"github.com/devicegate/devicegate/internal/model"
)

// Validator decides validation requests.
type Validator interface {
	Validate(ctx context.Context, req gate.Request) (*model.Decision, error)
}

// AuditRecorder accepts audit events without blocking.
type AuditRecorder interface {
	Record(e model.AuditEvent)
}

// GateHandler serves the public validation and lookup endpoints.
type GateHandler struct {
	gate     Validator
	lookup   *lookup.Client
	recorder AuditRecorder
	logger   *slog.Logger
}

// NewGateHandler creates a GateHandler. A nil lookup client disables the
// lookup endpoints.
func NewGateHandler(g Validator, lc *lookup.Client, rec AuditRecorder, logger *slog.Logger) *GateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GateHandler{gate: g, lookup: lc, recorder: rec, logger: logger}
}

var _ AuditRecorder = (*audit.Recorder)(nil)

// validateRequest is the payload of the Validate endpoint.
type validateRequest struct {
	Secret   string           `json:"secret"`
	DeviceID string           `json:"device_id"`
	Device   model.DeviceMeta `json:"device"`
}

// validateResponse reports a decision.
type validateResponse struct {
	Outcome     model.Outcome `json:"outcome"`
	Key         *keySummary   `json:"key,omitempty"`
	NewDevice   bool          `json:"new_device"`
	DeviceCount int           `json:"device_count"`
	MaxDevices  int           `json:"max_devices"`
	Message     string        `json:"message"`
}

// keySummary is the part of a key shown to key holders.
type keySummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MaxDevices int    `json:"max_devices"`
}

// outcomeStatus maps a decision to its HTTP status.
func outcomeStatus(o model.Outcome) int {
	switch o {
	case model.OutcomeAuthorized:
		return http.StatusOK
	case model.OutcomeInvalidKey:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

func newValidateResponse(d *model.Decision) validateResponse {
	resp := validateResponse{
		Outcome:     d.Outcome,
		NewDevice:   d.NewDevice,
		DeviceCount: d.DeviceCount,
		MaxDevices:  d.MaxDevices,
		Message:     d.Message(),
	}
	if d.Authorized() && d.Key != nil {
		resp.Key = &keySummary{ID: d.Key.ID, Name: d.Key.Name, MaxDevices: d.Key.MaxDevices}
	}
	return resp
}

// decide runs the gate and writes the response for any non-authorized
// outcome or error. It returns the decision only when access is granted.
func (h *GateHandler) decide(w http.ResponseWriter, r *http.Request, req validateRequest) *model.Decision {
	d, err := h.gate.Validate(r.Context(), gate.Request{
		Secret:   req.Secret,
		DeviceID: req.DeviceID,
		Meta:     req.Device,
		ClientIP: clientIP(r),
	})
	if err != nil {
		if !errors.Is(err, gate.ErrInvalidRequest) {
			h.logger.Error("validation failed", "error", err)
		}
		writeClassifiedError(w, err, "Validation failed")
		return nil
	}
	if !d.Authorized() {
		writeJSON(w, outcomeStatus(d.Outcome), newValidateResponse(d))
		return nil
	}
	return d
}

// Validate checks an access key for a device.
// POST /api/v1/validate
func (h *GateHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	d := h.decide(w, r, req)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, newValidateResponse(d))
}

// ListEndpoints returns the lookup catalogue.
// GET /api/v1/lookup/endpoints
func (h *GateHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	var endpoints []lookup.Endpoint
	if h.lookup != nil {
		endpoints = h.lookup.Endpoints()
	}
	writeJSON(w, http.StatusOK, model.NewPage(endpoints))
}

// lookupRequest is the payload of the Lookup endpoint.
type lookupRequest struct {
	validateRequest
	Endpoint string `json:"endpoint"`
	Value    string `json:"value"`
}

// lookupResponse wraps the upstream answer.
type lookupResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Endpoint  string          `json:"endpoint"`
	Parameter string          `json:"parameter"`
	Value     string          `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
	LatencyMs int64           `json:"latency_ms"`
}

// Lookup validates the key for the device, then queries the upstream
// service and records the attempt in the audit log.
// POST /api/v1/lookup
func (h *GateHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	if h.lookup == nil {
		writeError(w, http.StatusNotFound, "Lookups are not configured")
		return
	}
	var req lookupRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	ep, err := h.lookup.Endpoint(req.Endpoint)
	if err != nil {
		writeClassifiedError(w, err, "Unknown endpoint")
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		writeClassifiedError(w, lookup.ErrEmptyValue, "Missing value")
		return
	}

	d := h.decide(w, r, req.validateRequest)
	if d == nil {
		return
	}

	start := time.Now()
	data, err := h.lookup.Fetch(r.Context(), ep.ID, req.Value)
	latency := time.Since(start).Milliseconds()

	h.recorder.Record(model.AuditEvent{
		KeyID:          d.Key.ID,
		KeyName:        d.Key.Name,
		DeviceID:       req.DeviceID,
		Resource:       ep.Path,
		ParameterName:  ep.Parameter,
		ParameterValue: req.Value,
		Success:        err == nil,
		LatencyMs:      &latency,
	})

	if err != nil {
		writeClassifiedError(w, err, "Lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse{
		Success:   true,
		Data:      data,
		Endpoint:  ep.Path,
		Parameter: ep.Parameter,
		Value:     req.Value,
		Timestamp: time.Now().UTC(),
		LatencyMs: latency,
	})
}
