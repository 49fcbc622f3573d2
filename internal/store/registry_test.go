package store

import (
	"context"
	"reflect"
	"testing"
)

func TestRegistryBackends(t *testing.T) {
	r := NewRegistry()
	want := []string{"memory", "mssql", "mysql", "postgres", "sqlite"}
	if got := r.Backends(); !reflect.DeepEqual(got, want) {
		t.Errorf("Backends() = %v, want %v", got, want)
	}
}

func TestRegistryOpen(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			s, err := r.Open(ctx, Config{Backend: backend}, Options{})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()
			if err := s.Ping(ctx); err != nil {
				t.Errorf("Ping: %v", err)
			}
		})
	}

	if _, err := r.Open(ctx, Config{Backend: "oracle"}, Options{}); err == nil {
		t.Error("expected error for unsupported backend")
	}
	if _, err := r.Open(ctx, Config{Backend: "postgres"}, Options{}); err == nil {
		t.Error("expected error for postgres without dsn")
	}
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("memory", func(_ context.Context, _ Config, opts Options) (Store, error) {
		called = true
		return NewMemoryStore(opts), nil
	})
	s, err := r.Open(context.Background(), Config{Backend: "memory"}, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()
	if !called {
		t.Error("custom factory was not used")
	}
}
