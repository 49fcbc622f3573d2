package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/devicegate/devicegate/internal/admin"
	"github.com/devicegate/devicegate/internal/gate"
	"github.com/devicegate/devicegate/internal/geo"
	"github.com/devicegate/devicegate/internal/lookup"
	"github.com/devicegate/devicegate/internal/model"
	"github.com/devicegate/devicegate/internal/notify"
	"github.com/devicegate/devicegate/internal/service"
	"github.com/devicegate/devicegate/internal/store"
)

const (
	testJWTSecret   = "test-secret-for-handler-tests"
	testAdminSecret = "handler-admin-secret"
	testLocation    = "Pune, MH, India"
)

type plainCredential string

func (c plainCredential) Verify(secret string) bool { return string(c) == secret }

// memRecorder collects audit events synchronously.
type memRecorder struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (m *memRecorder) Record(e model.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *memRecorder) all() []model.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEvent(nil), m.events...)
}

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store    store.Store
	bus      *notify.Bus
	admin    *admin.Service
	authSvc  *service.AuthService
	recorder *memRecorder
	upstream *httptest.Server
	router   chi.Router
}

// newTestEnv creates a fresh environment on the memory store with every
// handler mounted (no auth middleware). The lookup upstream answers
// /pincode with JSON and /broken with a 500.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	bus := notify.NewBus(nil)
	s := store.NewMemoryStore(store.Options{Publisher: bus})
	t.Cleanup(func() { s.Close() })

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pincode":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"pincode":"`+r.URL.Query().Get("code")+`","district":"Pune"}`)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	t.Cleanup(upstream.Close)

	lc := lookup.NewClient(upstream.URL, []lookup.Endpoint{
		{ID: "pincode", Name: "Pincode", Path: "/pincode", Parameter: "code"},
		{ID: "broken", Name: "Broken", Path: "/broken", Parameter: "q"},
	}, 0, nil)

	adminSvc := admin.New(s, plainCredential(testAdminSecret), admin.Config{}, nil)
	authSvc := service.NewAuthService(plainCredential(testAdminSecret), testJWTSecret)
	rec := &memRecorder{}
	g := gate.New(s, geo.Static{Location: testLocation}, gate.Config{}, nil)

	gateHandler := NewGateHandler(g, lc, rec, nil)
	sysHandler := NewSystemHandler(adminSvc, authSvc, 0, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/validate", gateHandler.Validate)
		r.Get("/lookup/endpoints", gateHandler.ListEndpoints)
		r.Post("/lookup", gateHandler.Lookup)

		r.Route("/system", func(r chi.Router) {
			r.Post("/admin/session", sysHandler.Login)
			r.Delete("/admin/session", sysHandler.Logout)

			r.Get("/key", sysHandler.ListKeys)
			r.Post("/key", sysHandler.CreateKey)
			r.Get("/key/{keyId}", sysHandler.GetKey)
			r.Delete("/key/{keyId}", sysHandler.DeleteKey)
			r.Put("/key/{keyId}/active", sysHandler.SetKeyActive)
			r.Put("/key/{keyId}/max-devices", sysHandler.SetKeyMaxDevices)
			r.Get("/key/{keyId}/stats", sysHandler.KeyStats)

			r.Get("/device", sysHandler.ListDevices)
			r.Post("/device/{deviceId}/block", sysHandler.BlockDevice)
			r.Post("/device/{deviceId}/unblock", sysHandler.UnblockDevice)
			r.Delete("/device/{deviceId}", sysHandler.RemoveDevice)

			r.Get("/audit", sysHandler.ListAudit)
			r.Delete("/audit", sysHandler.ClearAudit)
			r.Get("/stats", sysHandler.Stats)
		})
	})

	return &testEnv{
		store:    s,
		bus:      bus,
		admin:    adminSvc,
		authSvc:  authSvc,
		recorder: rec,
		upstream: upstream,
		router:   r,
	}
}

// seedKey creates a key with a fixed secret.
func (e *testEnv) seedKey(t *testing.T, secret string, maxDevices int) *model.AccessKey {
	t.Helper()
	key, err := e.admin.CreateKey(context.Background(), admin.CreateKeyInput{
		Name:       "Key " + secret,
		Secret:     secret,
		MaxDevices: maxDevices,
	})
	if err != nil {
		t.Fatalf("seedKey: %v", err)
	}
	return key
}

// validate posts a validation request for secret and device.
func (e *testEnv) validate(t *testing.T, secret, deviceID string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/validate", toJSON(t, map[string]interface{}{
		"secret":    secret,
		"device_id": deviceID,
		"device":    map[string]string{"browser": "Firefox", "os": "Linux"},
	}))
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// doAuth is do with a Bearer token.
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}
