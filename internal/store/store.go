// Package store persists access keys, device registrations and audit events.
//
// Two families of backend implement the same contract: an in-process memory
// store and a SQL store over sqlite, postgres, mysql or mssql. Every backend
// serializes work on a single key through Atomic, which is what keeps the
// device quota and the usage counters exact under concurrency.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devicegate/devicegate/internal/model"
	"github.com/devicegate/devicegate/internal/notify"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSecret is returned when a key secret is already in use.
	ErrDuplicateSecret = errors.New("secret already exists")
	// ErrDuplicateDevice is returned when a fingerprint is already
	// registered under the key.
	ErrDuplicateDevice = errors.New("device already registered for key")
	// ErrQuotaExceeded is returned when a key has no free device slot.
	ErrQuotaExceeded = errors.New("device quota exceeded")
	// ErrInvalidMaxDevices is returned for a device limit below one.
	ErrInvalidMaxDevices = errors.New("max devices must be at least 1")
	// ErrInvalidInput is returned when a required field is missing.
	ErrInvalidInput = errors.New("invalid input")
	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("store closed")
)

// MemoryAuditRetention is the number of audit events the memory backend
// keeps. Older events are evicted first.
const MemoryAuditRetention = 500

// KeyStore manages access keys.
type KeyStore interface {
	FindActiveKeyBySecret(ctx context.Context, secret string) (*model.AccessKey, error)
	GetKey(ctx context.Context, id string) (*model.AccessKey, error)
	ListKeys(ctx context.Context) ([]model.AccessKey, error)
	CountKeys(ctx context.Context) (total, active int, err error)
	CreateKey(ctx context.Context, key *model.AccessKey) error
	SetKeyActive(ctx context.Context, id string, active bool) error
	SetKeyMaxDevices(ctx context.Context, id string, maxDevices int) error
	IncrementUsage(ctx context.Context, id string, at time.Time) error
	// DeleteKey removes the key and every device registered under it.
	DeleteKey(ctx context.Context, id string) error
}

// DeviceRegistry manages device registrations.
type DeviceRegistry interface {
	// FindDevice looks among non-blocked registrations only.
	FindDevice(ctx context.Context, keyID, deviceID string) (*model.DeviceRegistration, error)
	// LookupDevice returns the registration in any state.
	LookupDevice(ctx context.Context, keyID, deviceID string) (*model.DeviceRegistration, error)
	ListActiveDevices(ctx context.Context, keyID string) ([]model.DeviceRegistration, error)
	// ListDevices lists registrations of one key, or of all keys when keyID
	// is empty, most recently seen first.
	ListDevices(ctx context.Context, keyID string) ([]model.DeviceRegistration, error)
	GetDevice(ctx context.Context, id string) (*model.DeviceRegistration, error)
	CountDevices(ctx context.Context, keyID string) (active, blocked int, err error)
	// RegisterDevice inserts a registration if the key has a free slot.
	RegisterDevice(ctx context.Context, d *model.DeviceRegistration) error
	TouchDevice(ctx context.Context, id string, at time.Time) error
	BlockDevice(ctx context.Context, id string) error
	// UnblockDevice fails with ErrQuotaExceeded if the key has no free slot.
	UnblockDevice(ctx context.Context, id string) error
	// RemoveDevice deletes a registration. Removing a missing row succeeds.
	RemoveDevice(ctx context.Context, id string) error
}

// AuditLog is the append-only usage history.
type AuditLog interface {
	AppendAuditEvent(ctx context.Context, e *model.AuditEvent) error
	// ListAuditEvents returns events newest first, of one key or of all
	// keys when keyID is empty.
	ListAuditEvents(ctx context.Context, keyID string, limit, offset int) ([]model.AuditEvent, error)
	CountAuditEvents(ctx context.Context, keyID string) (total, successful int, err error)
	ClearAuditEvents(ctx context.Context) error
}

// Tx is the view of the store available inside Atomic. The key returned by
// LockActiveKeyBySecret stays locked until the unit of work ends, so reads
// and writes made through the same Tx cannot interleave with another unit
// working on that key.
type Tx interface {
	LockActiveKeyBySecret(ctx context.Context, secret string) (*model.AccessKey, error)
	LookupDevice(ctx context.Context, keyID, deviceID string) (*model.DeviceRegistration, error)
	CountActiveDevices(ctx context.Context, keyID string) (int, error)
	RegisterDevice(ctx context.Context, d *model.DeviceRegistration) error
	TouchDevice(ctx context.Context, id string, at time.Time) error
	IncrementUsage(ctx context.Context, id string, at time.Time) error
}

// Store is the full persistence contract.
type Store interface {
	KeyStore
	DeviceRegistry
	AuditLog

	// Atomic runs fn as one unit of work. Any error from fn rolls back
	// every write made through the Tx.
	Atomic(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Options are shared by every backend.
type Options struct {
	// AuditRetention caps the number of stored audit events; zero keeps
	// them all (the memory backend always caps at MemoryAuditRetention).
	AuditRetention int
	Publisher      notify.Publisher
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Publisher == nil {
		o.Publisher = notify.Discard
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// txOps is implemented by the transaction types of every backend. The
// administrative operations that must hold the key lock are written once
// against it.
type txOps interface {
	Tx
	lockKey(ctx context.Context, id string) (*model.AccessKey, error)
	getDevice(ctx context.Context, id string) (*model.DeviceRegistration, error)
	setBlocked(ctx context.Context, id string, blocked bool) error
	deleteKeyCascade(ctx context.Context, id string) error
}

func registerWithQuota(ctx context.Context, tx txOps, d *model.DeviceRegistration) error {
	key, err := tx.lockKey(ctx, d.KeyID)
	if err != nil {
		return err
	}
	n, err := tx.CountActiveDevices(ctx, key.ID)
	if err != nil {
		return err
	}
	if n >= key.MaxDevices {
		return ErrQuotaExceeded
	}
	return tx.RegisterDevice(ctx, d)
}

// unblockWithQuota locks the owning key before it trusts any device state:
// the first read only finds the key, and the device is read again under
// the lock.
func unblockWithQuota(ctx context.Context, tx txOps, id string) error {
	d, err := tx.getDevice(ctx, id)
	if err != nil {
		return err
	}
	key, err := tx.lockKey(ctx, d.KeyID)
	if err != nil {
		return err
	}
	if d, err = tx.getDevice(ctx, id); err != nil {
		return err
	}
	if !d.Blocked {
		return nil
	}
	n, err := tx.CountActiveDevices(ctx, key.ID)
	if err != nil {
		return err
	}
	if n >= key.MaxDevices {
		return ErrQuotaExceeded
	}
	return tx.setBlocked(ctx, id, false)
}

func deleteKey(ctx context.Context, tx txOps, id string) error {
	if _, err := tx.lockKey(ctx, id); err != nil {
		return err
	}
	return tx.deleteKeyCascade(ctx, id)
}

// prepareKey validates a new key and fills defaults.
func prepareKey(key *model.AccessKey) error {
	key.Name = strings.TrimSpace(key.Name)
	if key.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if key.Secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidInput)
	}
	switch {
	case key.MaxDevices == 0:
		key.MaxDevices = model.DefaultMaxDevices
	case key.MaxDevices < 0:
		return ErrInvalidMaxDevices
	}
	if key.ID == "" {
		key.ID = newID()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now()
	} else {
		key.CreatedAt = truncate(key.CreatedAt)
	}
	return nil
}

// prepareDevice fills identity, timestamps and unknown metadata.
func prepareDevice(d *model.DeviceRegistration) error {
	if d.KeyID == "" || d.DeviceID == "" {
		return fmt.Errorf("%w: key id and device id are required", ErrInvalidInput)
	}
	if d.ID == "" {
		d.ID = newID()
	}
	t := now()
	if d.FirstSeenAt.IsZero() {
		d.FirstSeenAt = t
	} else {
		d.FirstSeenAt = truncate(d.FirstSeenAt)
	}
	if d.LastSeenAt.IsZero() {
		d.LastSeenAt = d.FirstSeenAt
	} else {
		d.LastSeenAt = truncate(d.LastSeenAt)
	}
	if d.LoginCount == 0 {
		d.LoginCount = 1
	}
	d.DeviceMeta = d.DeviceMeta.Normalize()
	if d.IP == "" {
		d.IP = model.Unknown
	}
	if d.Location == "" {
		d.Location = model.Unknown
	}
	return nil
}

func prepareAuditEvent(e *model.AuditEvent) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now()
	} else {
		e.OccurredAt = truncate(e.OccurredAt)
	}
}

// newID returns a time-ordered identifier.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Timestamps are kept at microsecond precision in UTC, the finest every
// SQL backend stores.
func now() time.Time { return truncate(time.Now()) }

func truncate(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }
