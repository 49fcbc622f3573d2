package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/devicegate/devicegate/internal/model"
)

// RateLimit allows limit requests per client IP per minute. Further
// requests get a 429 in the JSON error envelope. A non-positive limit
// disables the check.
func RateLimit(limit int) func(http.Handler) http.Handler {
	if limit <= 0 {
		return passthrough
	}
	return httprate.Limit(limit, time.Minute,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(tooManyAttempts),
	)
}

func passthrough(next http.Handler) http.Handler { return next }

func tooManyAttempts(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusTooManyRequests, "Too many attempts, try again later")
}

// writeError writes the JSON error envelope shared with the handlers.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{Error: model.ErrorDetail{
		Code:      status,
		Message:   message,
		RequestID: w.Header().Get(RequestIDHeader),
	}})
}
