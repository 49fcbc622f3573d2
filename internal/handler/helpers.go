package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/devicegate/devicegate/internal/gate"
	"github.com/devicegate/devicegate/internal/lookup"
	"github.com/devicegate/devicegate/internal/model"
	"github.com/devicegate/devicegate/internal/service"
	"github.com/devicegate/devicegate/internal/store"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the error envelope. The request ID set by the
// RequestID middleware is echoed so clients can quote it.
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:      code,
			Message:   message,
			RequestID: w.Header().Get("X-Request-ID"),
		},
	})
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// classifyError maps domain errors to an HTTP status and a client message.
func classifyError(err error, fallbackMsg string) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, store.ErrDuplicateSecret):
		return http.StatusConflict, "A key with this secret already exists"
	case errors.Is(err, store.ErrDuplicateDevice):
		return http.StatusConflict, "Device already registered for this key"
	case errors.Is(err, store.ErrQuotaExceeded):
		return http.StatusConflict, "The key has no free device slot"
	case errors.Is(err, store.ErrInvalidMaxDevices):
		return http.StatusBadRequest, "max_devices must be at least 1"
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, gate.ErrInvalidRequest):
		return http.StatusBadRequest, "device_id is required"
	case errors.Is(err, gate.ErrStorageFailure), errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable, "Service temporarily unavailable"
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrTokenRevoked):
		return http.StatusUnauthorized, "Invalid credentials"
	case errors.Is(err, service.ErrNoCredential):
		return http.StatusServiceUnavailable, "Administrator login is not configured"
	case errors.Is(err, lookup.ErrUnknownEndpoint), errors.Is(err, lookup.ErrEmptyValue):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, lookup.ErrUpstream):
		return http.StatusBadGateway, "Lookup service failed"
	default:
		return http.StatusInternalServerError, fallbackMsg
	}
}

// writeClassifiedError writes err using classifyError.
func writeClassifiedError(w http.ResponseWriter, err error, fallbackMsg string) {
	code, msg := classifyError(err, fallbackMsg)
	writeError(w, code, msg)
}

// clientIP returns the caller's address without port. RealIP middleware has
// already replaced RemoteAddr when a proxy header was present.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
