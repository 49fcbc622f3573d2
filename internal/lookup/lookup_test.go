package lookup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", []Endpoint{
		{ID: "ifsc", Name: "IFSC Lookup", Path: "/ifsc", Parameter: "code"},
		{ID: "pin", Name: "PIN Lookup", Path: "/pin", Parameter: "pin"},
	}, time.Second, nil)
}

func TestFetch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ifsc" || r.URL.Query().Get("code") != "AB 12&3" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bank":"Example"}`))
	})

	body, err := c.Fetch(context.Background(), "ifsc", " AB 12&3 ")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != `{"bank":"Example"}` {
		t.Errorf("body = %s", body)
	}
}

func TestFetchErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pin":
			w.Write([]byte("<html>not json</html>"))
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	})
	ctx := context.Background()

	if _, err := c.Fetch(ctx, "nope", "x"); !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("unknown endpoint err = %v", err)
	}
	if _, err := c.Fetch(ctx, "ifsc", "  "); !errors.Is(err, ErrEmptyValue) {
		t.Errorf("empty value err = %v", err)
	}
	if _, err := c.Fetch(ctx, "ifsc", "x"); !errors.Is(err, ErrUpstream) {
		t.Errorf("502 err = %v", err)
	}
	if _, err := c.Fetch(ctx, "pin", "x"); !errors.Is(err, ErrUpstream) {
		t.Errorf("non-json err = %v", err)
	}
}

func TestFetchHonoursContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Fetch(ctx, "ifsc", "x"); !errors.Is(err, ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
}

func TestEndpointsCopy(t *testing.T) {
	c := NewClient("http://example", []Endpoint{{ID: "a", Path: "/a", Parameter: "q"}}, 0, nil)
	eps := c.Endpoints()
	eps[0].ID = "changed"
	if got, _ := c.Endpoint("a"); got.ID != "a" {
		t.Error("Endpoints must return a copy")
	}
}
