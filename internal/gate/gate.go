// Package gate decides whether a device may use an access key.
//
// A validation runs in two phases. The first, outside any lock, resolves the
// key and, for fingerprints the key has never seen, the client's location.
// The second repeats the lookups inside a store unit of work that holds the
// key lock, applies the recognition and quota rules, and writes the device
// and usage updates. Only the second phase decides.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devicegate/devicegate/internal/geo"
	"github.com/devicegate/devicegate/internal/metrics"
	"github.com/devicegate/devicegate/internal/model"
	"github.com/devicegate/devicegate/internal/store"
)

var (
	// ErrStorageFailure is returned when the store cannot answer. The gate
	// fails closed: no decision is returned alongside it.
	ErrStorageFailure = errors.New("storage unavailable")
	// ErrInvalidRequest is returned for a request without a device id.
	ErrInvalidRequest = errors.New("invalid request")
)

const (
	DefaultEnrichTimeout  = 3 * time.Second
	DefaultStorageTimeout = 5 * time.Second
)

// Request is one validation attempt.
type Request struct {
	Secret   string
	DeviceID string
	Meta     model.DeviceMeta
	ClientIP string
}

// Config bounds the time spent on collaborators.
type Config struct {
	EnrichTimeout  time.Duration
	StorageTimeout time.Duration
}

// Gate validates access keys against device quotas.
type Gate struct {
	store    store.Store
	resolver geo.Resolver
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a gate. A nil resolver disables location enrichment.
func New(s store.Store, resolver geo.Resolver, cfg Config, logger *slog.Logger) *Gate {
	if resolver == nil {
		resolver = geo.Nop{}
	}
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = DefaultEnrichTimeout
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = DefaultStorageTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:    s,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With("component", "gate"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Validate decides req. Rejections are returned as decisions; an error is
// returned only for malformed requests and storage failures.
func (g *Gate) Validate(ctx context.Context, req Request) (*model.Decision, error) {
	start := time.Now()
	d, err := g.validate(ctx, req)
	metrics.ValidationDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.ValidationsTotal.WithLabelValues("error").Inc()
		g.logger.Error("validation failed", "error", err, "device_id", req.DeviceID)
	default:
		metrics.ValidationsTotal.WithLabelValues(string(d.Outcome)).Inc()
		if d.NewDevice {
			metrics.DevicesRegisteredTotal.Inc()
		}
		g.logger.Debug("validation",
			"outcome", d.Outcome,
			"device_id", req.DeviceID,
			"device_count", d.DeviceCount,
			"max_devices", d.MaxDevices,
		)
	}
	return d, err
}

func (g *Gate) validate(ctx context.Context, req Request) (*model.Decision, error) {
	if req.Secret == "" {
		return &model.Decision{Outcome: model.OutcomeInvalidKey}, nil
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidRequest)
	}

	known, err := g.precheck(ctx, req)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &model.Decision{Outcome: model.OutcomeInvalidKey}, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	network := model.UnknownNetwork
	if req.ClientIP != "" {
		network.IP = req.ClientIP
	}
	if !known {
		ectx, cancel := context.WithTimeout(ctx, g.cfg.EnrichTimeout)
		network = g.resolver.Resolve(ectx, req.ClientIP)
		cancel()
	}

	sctx, cancel := context.WithTimeout(ctx, g.cfg.StorageTimeout)
	defer cancel()

	var decision *model.Decision
	err = g.store.Atomic(sctx, func(tx store.Tx) error {
		var err error
		decision, err = g.decide(sctx, tx, req, network)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	return decision, nil
}

// precheck resolves the key and reports whether the fingerprint is already
// registered under it. It returns store.ErrNotFound for an unknown key.
func (g *Gate) precheck(ctx context.Context, req Request) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.StorageTimeout)
	defer cancel()

	key, err := g.store.FindActiveKeyBySecret(ctx, req.Secret)
	if err != nil {
		return false, err
	}
	_, err = g.store.LookupDevice(ctx, key.ID, req.DeviceID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// decide applies the recognition and quota rules while the key is locked.
func (g *Gate) decide(ctx context.Context, tx store.Tx, req Request, network model.NetworkInfo) (*model.Decision, error) {
	key, err := tx.LockActiveKeyBySecret(ctx, req.Secret)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted or deactivated since the precheck.
		return &model.Decision{Outcome: model.OutcomeInvalidKey}, nil
	}
	if err != nil {
		return nil, err
	}

	device, err := tx.LookupDevice(ctx, key.ID, req.DeviceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	count, err := tx.CountActiveDevices(ctx, key.ID)
	if err != nil {
		return nil, err
	}

	decision := &model.Decision{DeviceCount: count, MaxDevices: key.MaxDevices}
	now := g.now()

	switch {
	case device != nil && device.Blocked:
		decision.Outcome = model.OutcomeDeviceBlocked
		return decision, nil

	case device != nil:
		if err := tx.TouchDevice(ctx, device.ID, now); err != nil {
			return nil, err
		}
		device.LastSeenAt = now
		device.LoginCount++

	case count >= key.MaxDevices:
		decision.Outcome = model.OutcomeQuotaExceeded
		return decision, nil

	default:
		device = &model.DeviceRegistration{
			KeyID:       key.ID,
			DeviceID:    req.DeviceID,
			DeviceMeta:  req.Meta,
			NetworkInfo: network,
			FirstSeenAt: now,
			LastSeenAt:  now,
			LoginCount:  1,
		}
		if err := tx.RegisterDevice(ctx, device); err != nil {
			return nil, err
		}
		decision.NewDevice = true
		decision.DeviceCount++
	}

	if err := tx.IncrementUsage(ctx, key.ID, now); err != nil {
		return nil, err
	}
	key.UsageCount++
	key.LastUsedAt = &now

	decision.Outcome = model.OutcomeAuthorized
	decision.Key = key
	decision.Device = device
	return decision, nil
}
