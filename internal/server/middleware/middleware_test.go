package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/devicegate/devicegate/internal/model"
	"github.com/devicegate/devicegate/internal/service"
)

func ok(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		wantSame bool
	}{
		{"generated", "", false},
		{"client id kept", "trace-7f3a.01:b", true},
		{"spaces replaced", "evil id", false},
		{"header injection replaced", "x\r\nSet-Cookie: a=b", false},
		{"too long replaced", strings.Repeat("a", maxRequestIDLen+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFrom(r.Context())
			}))
			req := httptest.NewRequest("GET", "/", nil)
			if tt.inbound != "" {
				req.Header[RequestIDHeader] = []string{tt.inbound}
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			got := rr.Header().Get(RequestIDHeader)
			if got == "" || got != seen {
				t.Fatalf("header %q, context %q", got, seen)
			}
			if tt.wantSame && got != tt.inbound {
				t.Errorf("id = %q, want client id %q", got, tt.inbound)
			}
			if !tt.wantSame && len(got) != 36 {
				t.Errorf("id = %q, want a generated UUID", got)
			}
		})
	}
}

func TestRequestIDFromBareContext(t *testing.T) {
	if id := RequestIDFrom(context.Background()); id != "" {
		t.Errorf("RequestIDFrom = %q, want empty", id)
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name      string
		principal *Principal
		want      int
	}{
		{"admin", &Principal{Subject: "admin"}, http.StatusOK},
		{"other subject", &Principal{Subject: "operator"}, http.StatusForbidden},
		{"unauthenticated", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin", nil)
			if tt.principal != nil {
				req = req.WithContext(WithPrincipal(req.Context(), tt.principal))
			}
			rr := httptest.NewRecorder()
			RequireAdmin()(http.HandlerFunc(ok)).ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestPrincipalFrom(t *testing.T) {
	if PrincipalFrom(context.Background()) != nil {
		t.Error("bare context should carry no principal")
	}
	want := &Principal{Subject: "admin", SessionID: "s-42"}
	got := PrincipalFrom(WithPrincipal(context.Background(), want))
	if got != want || !got.IsAdmin() {
		t.Errorf("PrincipalFrom = %+v", got)
	}
	var none *Principal
	if none.IsAdmin() {
		t.Error("nil principal must not be admin")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc.def", "abc.def"},
		{"bearer abc.def", "abc.def"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", tt.header)
		if got := BearerToken(req); got != tt.want {
			t.Errorf("BearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func newTestAuthService(t *testing.T) (*service.AuthService, string) {
	t.Helper()
	svc := service.NewAuthService(nil, "middleware-test-secret")
	token, err := svc.IssueJWT(context.Background(), "admin", time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	return svc, token
}

func TestAuthenticate(t *testing.T) {
	svc, token := newTestAuthService(t)
	expired, err := svc.IssueJWT(context.Background(), "admin", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		target string
		want   int
	}{
		{"bearer header", "Bearer " + token, "/x", http.StatusOK},
		{"query token", "", "/x?access_token=" + token, http.StatusOK},
		{"missing", "", "/x", http.StatusUnauthorized},
		{"garbage", "Bearer nope", "/x", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, "/x", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Authenticate(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p := PrincipalFrom(r.Context())
				if !p.IsAdmin() || p.Token != token || p.ExpiresAt.IsZero() {
					t.Errorf("principal = %+v", p)
				}
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAuthenticateRejectsRevokedToken(t *testing.T) {
	svc, token := newTestAuthService(t)
	if err := svc.Revoke(context.Background(), token); err != nil {
		t.Fatal(err)
	}
	h := Authenticate(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not run for a revoked token")
	}))
	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestErrorEnvelopeCarriesRequestID(t *testing.T) {
	h := RequestID(RequireAdmin()(http.HandlerFunc(ok)))
	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp model.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != http.StatusForbidden || resp.Error.RequestID != "req-123" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(2)(http.HandlerFunc(ok))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/login", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// Another client still has its full allowance.
	req := httptest.NewRequest("POST", "/login", nil)
	req.RemoteAddr = "192.0.2.2:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("second client status = %d, want 200", rr.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	h := RateLimit(0)(http.HandlerFunc(ok))
	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("POST", "/login", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rr.Code)
		}
	}
}

func TestLoggerLevelFollowsStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "level=INFO"},
		{http.StatusForbidden, "level=WARN"},
		{http.StatusServiceUnavailable, "level=ERROR"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		h := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/readyz", nil))
		out := buf.String()
		if !strings.Contains(out, tt.level) || !strings.Contains(out, "status="+strconv.Itoa(tt.status)) {
			t.Errorf("status %d: log line = %q", tt.status, out)
		}
	}
}

func TestLoggerUsesRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	r := chi.NewRouter()
	r.Use(Logger(slog.New(slog.NewTextHandler(&buf, nil))))
	r.Get("/api/v1/system/key/{keyId}", ok)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/system/key/k-1", nil))
	if out := buf.String(); !strings.Contains(out, "route=/api/v1/system/key/{keyId}") {
		t.Errorf("log line = %q", out)
	}

	buf.Reset()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nope", nil))
	if out := buf.String(); !strings.Contains(out, "status=404") {
		t.Errorf("log line = %q", out)
	}
}
