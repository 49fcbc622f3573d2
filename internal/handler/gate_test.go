package handler

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/devicegate/devicegate/internal/gate"
	"github.com/devicegate/devicegate/internal/model"
)

func TestValidateAuthorizesNewDevice(t *testing.T) {
	env := newTestEnv(t)
	key := env.seedKey(t, "DGK-AAAA-BBBB-CCCC", 2)

	rr := env.validate(t, "DGK-AAAA-BBBB-CCCC", "DEV-1")
	assertStatus(t, rr, http.StatusOK)

	var resp validateResponse
	decodeJSON(t, rr, &resp)
	if resp.Outcome != model.OutcomeAuthorized {
		t.Fatalf("outcome = %q, want authorized", resp.Outcome)
	}
	if !resp.NewDevice {
		t.Error("first validation should register a new device")
	}
	if resp.DeviceCount != 1 || resp.MaxDevices != 2 {
		t.Errorf("devices = %d/%d, want 1/2", resp.DeviceCount, resp.MaxDevices)
	}
	if resp.Key == nil || resp.Key.ID != key.ID {
		t.Errorf("key = %+v, want id %s", resp.Key, key.ID)
	}

	devices, err := env.store.ListDevices(context.Background(), key.ID)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
	if devices[0].Location != testLocation {
		t.Errorf("location = %q, want %q", devices[0].Location, testLocation)
	}
	if devices[0].IP != "192.0.2.1" {
		t.Errorf("ip = %q, want 192.0.2.1", devices[0].IP)
	}
}

func TestValidateKnownDevice(t *testing.T) {
	env := newTestEnv(t)
	env.seedKey(t, "DGK-AAAA-BBBB-CCCC", 1)

	assertStatus(t, env.validate(t, "DGK-AAAA-BBBB-CCCC", "DEV-1"), http.StatusOK)
	rr := env.validate(t, "DGK-AAAA-BBBB-CCCC", "DEV-1")
	assertStatus(t, rr, http.StatusOK)

	var resp validateResponse
	decodeJSON(t, rr, &resp)
	if resp.NewDevice {
		t.Error("returning device must not be reported as new")
	}
	if resp.DeviceCount != 1 {
		t.Errorf("device_count = %d, want 1", resp.DeviceCount)
	}
}

func TestValidateRejections(t *testing.T) {
	env := newTestEnv(t)
	key := env.seedKey(t, "DGK-AAAA-BBBB-CCCC", 1)
	assertStatus(t, env.validate(t, "DGK-AAAA-BBBB-CCCC", "DEV-1"), http.StatusOK)

	t.Run("invalid key", func(t *testing.T) {
		rr := env.validate(t, "dgk-aaaa-bbbb-cccc", "DEV-1")
		assertStatus(t, rr, http.StatusUnauthorized)
		var resp validateResponse
		decodeJSON(t, rr, &resp)
		if resp.Outcome != model.OutcomeInvalidKey {
			t.Errorf("outcome = %q, want invalid_key", resp.Outcome)
		}
		if resp.Key != nil {
			t.Error("rejected response must not describe the key")
		}
	})

	t.Run("quota exceeded", func(t *testing.T) {
		rr := env.validate(t, "DGK-AAAA-BBBB-CCCC", "DEV-2")
		assertStatus(t, rr, http.StatusForbidden)
		var resp validateResponse
		decodeJSON(t, rr, &resp)
		if resp.Outcome != model.OutcomeQuotaExceeded {
			t.Errorf("outcome = %q, want quota_exceeded", resp.Outcome)
		}
		if resp.DeviceCount != 1 || resp.MaxDevices != 1 {
			t.Errorf("devices = %d/%d, want 1/1", resp.DeviceCount, resp.MaxDevices)
		}
	})

	t.Run("device blocked", func(t *testing.T) {
		devices, _ := env.store.ListDevices(context.Background(), key.ID)
		if err := env.admin.BlockDevice(context.Background(), devices[0].ID); err != nil {
			t.Fatalf("BlockDevice: %v", err)
		}
		rr := env.validate(t, "DGK-AAAA-BBBB-CCCC", "DEV-1")
		assertStatus(t, rr, http.StatusForbidden)
		var resp validateResponse
		decodeJSON(t, rr, &resp)
		if resp.Outcome != model.OutcomeDeviceBlocked {
			t.Errorf("outcome = %q, want device_blocked", resp.Outcome)
		}
	})

	t.Run("inactive key", func(t *testing.T) {
		if err := env.admin.SetKeyActive(context.Background(), key.ID, false); err != nil {
			t.Fatalf("SetKeyActive: %v", err)
		}
		assertStatus(t, env.validate(t, "DGK-AAAA-BBBB-CCCC", "DEV-1"), http.StatusUnauthorized)
	})
}

func TestValidateBadRequests(t *testing.T) {
	env := newTestEnv(t)
	env.seedKey(t, "DGK-AAAA-BBBB-CCCC", 1)

	assertStatus(t, env.do(t, "POST", "/api/v1/validate", strings.NewReader("{")), http.StatusBadRequest)
	assertStatus(t, env.validate(t, "DGK-AAAA-BBBB-CCCC", ""), http.StatusBadRequest)
}

type failingValidator struct{ err error }

func (f failingValidator) Validate(context.Context, gate.Request) (*model.Decision, error) {
	return nil, f.err
}

func TestValidateStorageFailure(t *testing.T) {
	h := NewGateHandler(failingValidator{err: gate.ErrStorageFailure}, nil, &memRecorder{}, nil)
	env := newTestEnv(t)
	env.router.Post("/failing", h.Validate)

	rr := env.do(t, "POST", "/failing", toJSON(t, map[string]string{"secret": "x", "device_id": "d"}))
	assertStatus(t, rr, http.StatusServiceUnavailable)

	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != http.StatusServiceUnavailable {
		t.Errorf("error code = %d, want 503", resp.Error.Code)
	}
}

func TestListEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/v1/lookup/endpoints", nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Resource []struct {
			ID        string `json:"id"`
			Parameter string `json:"parameter"`
		} `json:"resource"`
		Meta struct {
			Count int `json:"count"`
		} `json:"meta"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Meta.Count != 2 || len(resp.Resource) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(resp.Resource))
	}
	if resp.Resource[0].ID != "pincode" || resp.Resource[0].Parameter != "code" {
		t.Errorf("first endpoint = %+v", resp.Resource[0])
	}
}

func lookupBody(t *testing.T, secret, deviceID, endpoint, value string) interface{} {
	t.Helper()
	return map[string]interface{}{
		"secret":    secret,
		"device_id": deviceID,
		"endpoint":  endpoint,
		"value":     value,
	}
}

func TestLookupSuccess(t *testing.T) {
	env := newTestEnv(t)
	key := env.seedKey(t, "DGK-AAAA-BBBB-CCCC", 1)

	rr := env.do(t, "POST", "/api/v1/lookup", toJSON(t, lookupBody(t, "DGK-AAAA-BBBB-CCCC", "DEV-1", "pincode", "411001")))
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Success   bool `json:"success"`
		Data      map[string]string
		Endpoint  string `json:"endpoint"`
		Parameter string `json:"parameter"`
		Value     string `json:"value"`
	}
	decodeJSON(t, rr, &resp)
	if !resp.Success || resp.Data["pincode"] != "411001" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Endpoint != "/pincode" || resp.Parameter != "code" || resp.Value != "411001" {
		t.Errorf("echoed request = %+v", resp)
	}

	events := env.recorder.all()
	if len(events) != 1 {
		t.Fatalf("got %d audit events, want 1", len(events))
	}
	e := events[0]
	if e.KeyID != key.ID || e.KeyName != key.Name || e.DeviceID != "DEV-1" {
		t.Errorf("audit identity = %+v", e)
	}
	if !e.Success || e.Resource != "/pincode" || e.ParameterName != "code" || e.ParameterValue != "411001" {
		t.Errorf("audit details = %+v", e)
	}
	if e.LatencyMs == nil {
		t.Error("audit latency should be recorded")
	}
}

func TestLookupUpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seedKey(t, "DGK-AAAA-BBBB-CCCC", 1)

	rr := env.do(t, "POST", "/api/v1/lookup", toJSON(t, lookupBody(t, "DGK-AAAA-BBBB-CCCC", "DEV-1", "broken", "x")))
	assertStatus(t, rr, http.StatusBadGateway)

	events := env.recorder.all()
	if len(events) != 1 {
		t.Fatalf("got %d audit events, want 1", len(events))
	}
	if events[0].Success {
		t.Error("failed lookup must be recorded as unsuccessful")
	}
}

func TestLookupRejectedBeforeValidation(t *testing.T) {
	env := newTestEnv(t)
	key := env.seedKey(t, "DGK-AAAA-BBBB-CCCC", 1)

	tests := []struct {
		name     string
		endpoint string
		value    string
	}{
		{"unknown endpoint", "nope", "x"},
		{"empty value", "pincode", "  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/api/v1/lookup", toJSON(t, lookupBody(t, "DGK-AAAA-BBBB-CCCC", "DEV-1", tt.endpoint, tt.value)))
			assertStatus(t, rr, http.StatusBadRequest)
		})
	}

	devices, _ := env.store.ListDevices(context.Background(), key.ID)
	if len(devices) != 0 {
		t.Errorf("rejected lookups registered %d devices", len(devices))
	}
	if n := len(env.recorder.all()); n != 0 {
		t.Errorf("rejected lookups recorded %d audit events", n)
	}
}

func TestLookupInvalidKey(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/lookup", toJSON(t, lookupBody(t, "DGK-NOPE-NOPE-NOPE", "DEV-1", "pincode", "411001")))
	assertStatus(t, rr, http.StatusUnauthorized)
	if n := len(env.recorder.all()); n != 0 {
		t.Errorf("invalid key recorded %d audit events", n)
	}
}

func TestLookupDisabled(t *testing.T) {
	env := newTestEnv(t)
	h := NewGateHandler(failingValidator{}, nil, &memRecorder{}, nil)
	env.router.Post("/nolookup", h.Lookup)
	env.router.Get("/noendpoints", h.ListEndpoints)

	assertStatus(t, env.do(t, "POST", "/nolookup", toJSON(t, map[string]string{})), http.StatusNotFound)

	rr := env.do(t, "GET", "/noendpoints", nil)
	assertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"resource":[]`) {
		t.Errorf("expected empty catalogue, got %s", rr.Body.String())
	}
}
