package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	// DSN is the connection string of a network backend.
	DSN string
	// DataDir holds the sqlite database file. Empty means in-memory.
	DataDir         string
	AuditRetention  int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Factory opens a backend.
type Factory func(ctx context.Context, cfg Config, opts Options) (Store, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with every built-in backend registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("memory", func(_ context.Context, cfg Config, opts Options) (Store, error) {
		opts.AuditRetention = cfg.AuditRetention
		return NewMemoryStore(opts), nil
	})
	r.Register("sqlite", func(ctx context.Context, cfg Config, opts Options) (Store, error) {
		opts.AuditRetention = cfg.AuditRetention
		return NewSQLiteStore(ctx, cfg.DataDir, opts)
	})
	for _, name := range []string{"postgres", "mysql", "mssql"} {
		r.Register(name, networkFactory(name))
	}
	return r
}

func networkFactory(backend string) Factory {
	return func(ctx context.Context, cfg Config, opts Options) (Store, error) {
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%s backend requires a dsn", backend)
		}
		opts.AuditRetention = cfg.AuditRetention
		return OpenSQL(ctx, backend, cfg.DSN, PoolConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, opts)
	}
}

// Register adds or replaces the factory for a backend name.
func (r *Registry) Register(backend string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[backend] = factory
}

// Open creates the store named by cfg.Backend.
func (r *Registry) Open(ctx context.Context, cfg Config, opts Options) (Store, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported store backend: %s (available: %v)", cfg.Backend, r.Backends())
	}
	return factory(ctx, cfg, opts)
}

// Backends returns the registered backend names, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
