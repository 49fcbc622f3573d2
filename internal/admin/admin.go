// Package admin implements the administrator operations on keys, devices and
// the audit log. Every mutation goes through the store, which publishes the
// change to subscribers.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/devicegate/devicegate/internal/model"
	"github.com/devicegate/devicegate/internal/service"
	"github.com/devicegate/devicegate/internal/store"
)

const (
	DefaultRecentEvents = 10
	DefaultAuditLimit   = 50
	MaxAuditLimit       = 500

	// DemoKeyName names the key created by SeedDemoKey.
	DemoKeyName = "Demo Key"

	generateAttempts = 5
)

// Config controls key generation.
type Config struct {
	SecretPrefix      string
	DefaultMaxDevices int
}

// CreateKeyInput describes a new key. An empty Secret is generated and a
// zero MaxDevices takes the configured default.
type CreateKeyInput struct {
	Name       string `json:"name"`
	Secret     string `json:"secret,omitempty"`
	MaxDevices int    `json:"max_devices,omitempty"`
}

// Service performs administrator operations.
type Service struct {
	store  store.Store
	cred   service.Credential
	cfg    Config
	logger *slog.Logger
}

// New creates the service. A nil credential rejects every authentication.
func New(s store.Store, cred service.Credential, cfg Config, logger *slog.Logger) *Service {
	if cfg.SecretPrefix == "" {
		cfg.SecretPrefix = DefaultSecretPrefix
	}
	if cfg.DefaultMaxDevices <= 0 {
		cfg.DefaultMaxDevices = model.DefaultMaxDevices
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, cred: cred, cfg: cfg, logger: logger.With("component", "admin")}
}

// AdminAuthenticate reports whether secret is the administrator secret.
func (s *Service) AdminAuthenticate(secret string) bool {
	if s.cred == nil || secret == "" {
		return false
	}
	return s.cred.Verify(secret)
}

// CreateKey stores a new active key. Generated secrets are retried on the
// rare collision; a caller-supplied duplicate fails with
// store.ErrDuplicateSecret.
func (s *Service) CreateKey(ctx context.Context, in CreateKeyInput) (*model.AccessKey, error) {
	maxDevices := in.MaxDevices
	if maxDevices == 0 {
		maxDevices = s.cfg.DefaultMaxDevices
	}
	if maxDevices < 1 {
		return nil, store.ErrInvalidMaxDevices
	}

	attempts := 1
	if in.Secret == "" {
		attempts = generateAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		secret := in.Secret
		if secret == "" {
			if secret, err = GenerateSecret(s.cfg.SecretPrefix); err != nil {
				return nil, err
			}
		}
		key := &model.AccessKey{Name: in.Name, Secret: secret, MaxDevices: maxDevices, Active: true}
		err = s.store.CreateKey(ctx, key)
		if err == nil {
			s.logger.Info("key created", "key_id", key.ID, "name", key.Name, "max_devices", key.MaxDevices)
			return key, nil
		}
		if !errors.Is(err, store.ErrDuplicateSecret) {
			return nil, err
		}
	}
	return nil, err
}

// GetKey returns one key.
func (s *Service) GetKey(ctx context.Context, id string) (*model.AccessKey, error) {
	return s.store.GetKey(ctx, id)
}

// ListKeys returns every key, newest first.
func (s *Service) ListKeys(ctx context.Context) ([]model.AccessKey, error) {
	return s.store.ListKeys(ctx)
}

// DeleteKey removes the key and its devices. Audit events survive.
func (s *Service) DeleteKey(ctx context.Context, id string) error {
	if err := s.store.DeleteKey(ctx, id); err != nil {
		return err
	}
	s.logger.Info("key deleted", "key_id", id)
	return nil
}

func (s *Service) SetKeyActive(ctx context.Context, id string, active bool) error {
	if err := s.store.SetKeyActive(ctx, id, active); err != nil {
		return err
	}
	s.logger.Info("key state changed", "key_id", id, "active", active)
	return nil
}

// SetKeyMaxDevices changes the quota. Lowering it below the current number
// of devices keeps the existing devices and only stops new registrations.
func (s *Service) SetKeyMaxDevices(ctx context.Context, id string, maxDevices int) error {
	if maxDevices < 1 {
		return store.ErrInvalidMaxDevices
	}
	if err := s.store.SetKeyMaxDevices(ctx, id, maxDevices); err != nil {
		return err
	}
	s.logger.Info("key quota changed", "key_id", id, "max_devices", maxDevices)
	return nil
}

// ListDevices lists the devices of one key, or of every key when keyID is
// empty.
func (s *Service) ListDevices(ctx context.Context, keyID string) ([]model.DeviceRegistration, error) {
	if keyID != "" {
		if _, err := s.store.GetKey(ctx, keyID); err != nil {
			return nil, err
		}
	}
	return s.store.ListDevices(ctx, keyID)
}

func (s *Service) BlockDevice(ctx context.Context, id string) error {
	if err := s.store.BlockDevice(ctx, id); err != nil {
		return err
	}
	s.logger.Info("device blocked", "device", id)
	return nil
}

func (s *Service) UnblockDevice(ctx context.Context, id string) error {
	if err := s.store.UnblockDevice(ctx, id); err != nil {
		return err
	}
	s.logger.Info("device unblocked", "device", id)
	return nil
}

// RemoveDevice frees the device's slot. Removing an unknown device succeeds.
func (s *Service) RemoveDevice(ctx context.Context, id string) error {
	if err := s.store.RemoveDevice(ctx, id); err != nil {
		return err
	}
	s.logger.Info("device removed", "device", id)
	return nil
}

// ListAuditEvents pages through the audit log, newest first. An empty
// keyID lists every key; events of deleted keys stay listable by id.
func (s *Service) ListAuditEvents(ctx context.Context, keyID string, limit, offset int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	if limit > MaxAuditLimit {
		limit = MaxAuditLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListAuditEvents(ctx, keyID, limit, offset)
}

func (s *Service) ClearAuditLog(ctx context.Context) error {
	if err := s.store.ClearAuditEvents(ctx); err != nil {
		return err
	}
	s.logger.Warn("audit log cleared")
	return nil
}

// DashboardStats aggregates the overview figures with the most recent
// audit events.
func (s *Service) DashboardStats(ctx context.Context, recent int) (*model.DashboardStats, error) {
	if recent <= 0 {
		recent = DefaultRecentEvents
	}
	if recent > MaxAuditLimit {
		recent = MaxAuditLimit
	}
	total, active, err := s.store.CountKeys(ctx)
	if err != nil {
		return nil, err
	}
	activeDevices, blockedDevices, err := s.store.CountDevices(ctx, "")
	if err != nil {
		return nil, err
	}
	events, _, err := s.store.CountAuditEvents(ctx, "")
	if err != nil {
		return nil, err
	}
	recentEvents, err := s.store.ListAuditEvents(ctx, "", recent, 0)
	if err != nil {
		return nil, err
	}
	return &model.DashboardStats{
		TotalKeys:      total,
		ActiveKeys:     active,
		TotalDevices:   activeDevices + blockedDevices,
		ActiveDevices:  activeDevices,
		BlockedDevices: blockedDevices,
		TotalEvents:    events,
		RecentEvents:   recentEvents,
	}, nil
}

// KeyStats summarises one key.
func (s *Service) KeyStats(ctx context.Context, keyID string) (*model.KeyStats, error) {
	if _, err := s.store.GetKey(ctx, keyID); err != nil {
		return nil, err
	}
	active, blocked, err := s.store.CountDevices(ctx, keyID)
	if err != nil {
		return nil, err
	}
	total, successful, err := s.store.CountAuditEvents(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return &model.KeyStats{
		KeyID:            keyID,
		TotalEvents:      total,
		SuccessfulEvents: successful,
		ActiveDevices:    active,
		BlockedDevices:   blocked,
	}, nil
}

// SeedDemoKey creates the demo key when the store holds no keys at all. It
// returns nil when nothing was created.
func (s *Service) SeedDemoKey(ctx context.Context) (*model.AccessKey, error) {
	total, _, err := s.store.CountKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("count keys: %w", err)
	}
	if total > 0 {
		return nil, nil
	}
	key, err := s.CreateKey(ctx, CreateKeyInput{Name: DemoKeyName})
	if err != nil {
		return nil, fmt.Errorf("seed demo key: %w", err)
	}
	s.logger.Info("demo key seeded", "key_id", key.ID, "prefix", model.MaskSecret(key.Secret))
	return key, nil
}
