package store

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/devicegate/devicegate/internal/model"
	"github.com/devicegate/devicegate/internal/notify"
)

type fingerprint struct {
	keyID    string
	deviceID string
}

// MemoryStore keeps all state in process memory. A single lock guards the
// whole store, so every unit of work is serialized.
type MemoryStore struct {
	sem    chan struct{}
	closed bool

	keys     map[string]*model.AccessKey
	bySecret map[string]string
	devices  map[string]*model.DeviceRegistration
	byPrint  map[fingerprint]string
	// audit is ordered oldest first.
	audit     []model.AuditEvent
	retention int

	pub    notify.Publisher
	logger *slog.Logger
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	opts = opts.withDefaults()
	retention := opts.AuditRetention
	if retention <= 0 || retention > MemoryAuditRetention {
		retention = MemoryAuditRetention
	}
	return &MemoryStore{
		sem:       make(chan struct{}, 1),
		keys:      make(map[string]*model.AccessKey),
		bySecret:  make(map[string]string),
		devices:   make(map[string]*model.DeviceRegistration),
		byPrint:   make(map[fingerprint]string),
		retention: retention,
		pub:       opts.Publisher,
		logger:    opts.Logger.With("component", "store", "backend", "memory"),
	}
}

func (s *MemoryStore) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.closed {
		<-s.sem
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) unlock() { <-s.sem }

// read runs fn while holding the store lock.
func (s *MemoryStore) read(ctx context.Context, fn func() error) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	return fn()
}

// update runs fn as a unit of work. Writes are undone if fn fails and
// change events are published once the lock is released.
func (s *MemoryStore) update(ctx context.Context, fn func(tx *memTx) error) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	tx := &memTx{s: s, touched: make(map[notify.Table]bool)}
	if err := s.apply(tx, fn); err != nil {
		return err
	}
	for t := range tx.touched {
		s.pub.Publish(notify.Event{Table: t})
	}
	return nil
}

// apply runs fn under the held lock and releases it on every exit. Writes
// are undone when fn returns an error or panics.
func (s *MemoryStore) apply(tx *memTx, fn func(tx *memTx) error) error {
	defer s.unlock()
	done := false
	defer func() {
		if !done {
			tx.rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	done = true
	return nil
}

// Atomic runs fn with the whole store locked.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	return s.update(ctx, func(tx *memTx) error { return fn(tx) })
}

// Ping reports whether the store is open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.read(ctx, func() error { return nil })
}

// Close marks the store closed. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.sem <- struct{}{}
	s.closed = true
	<-s.sem
	return nil
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

func (s *MemoryStore) FindActiveKeyBySecret(ctx context.Context, secret string) (*model.AccessKey, error) {
	var out *model.AccessKey
	err := s.read(ctx, func() error {
		k, ok := s.activeKeyBySecret(secret)
		if !ok {
			return ErrNotFound
		}
		out = k
		return nil
	})
	return out, err
}

func (s *MemoryStore) activeKeyBySecret(secret string) (*model.AccessKey, bool) {
	id, ok := s.bySecret[secret]
	if !ok {
		return nil, false
	}
	k := s.keys[id]
	if !k.Active {
		return nil, false
	}
	c := *k
	return &c, true
}

func (s *MemoryStore) GetKey(ctx context.Context, id string) (*model.AccessKey, error) {
	var out *model.AccessKey
	err := s.read(ctx, func() error {
		k, ok := s.keys[id]
		if !ok {
			return ErrNotFound
		}
		c := *k
		out = &c
		return nil
	})
	return out, err
}

// ListKeys returns every key, newest first.
func (s *MemoryStore) ListKeys(ctx context.Context) ([]model.AccessKey, error) {
	var out []model.AccessKey
	err := s.read(ctx, func() error {
		out = make([]model.AccessKey, 0, len(s.keys))
		for _, k := range s.keys {
			out = append(out, *k)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, err
}

func (s *MemoryStore) CountKeys(ctx context.Context) (total, active int, err error) {
	err = s.read(ctx, func() error {
		total = len(s.keys)
		for _, k := range s.keys {
			if k.Active {
				active++
			}
		}
		return nil
	})
	return total, active, err
}

// CreateKey inserts key, filling its ID, CreatedAt and default device limit.
func (s *MemoryStore) CreateKey(ctx context.Context, key *model.AccessKey) error {
	if err := prepareKey(key); err != nil {
		return err
	}
	return s.update(ctx, func(tx *memTx) error {
		if _, dup := s.bySecret[key.Secret]; dup {
			return ErrDuplicateSecret
		}
		if _, dup := s.keys[key.ID]; dup {
			return ErrDuplicateSecret
		}
		c := *key
		s.keys[c.ID] = &c
		s.bySecret[c.Secret] = c.ID
		tx.touched[notify.TableKeys] = true
		return nil
	})
}

func (s *MemoryStore) SetKeyActive(ctx context.Context, id string, active bool) error {
	return s.update(ctx, func(tx *memTx) error {
		return tx.modifyKey(id, func(k *model.AccessKey) { k.Active = active })
	})
}

func (s *MemoryStore) SetKeyMaxDevices(ctx context.Context, id string, maxDevices int) error {
	if maxDevices < 1 {
		return ErrInvalidMaxDevices
	}
	return s.update(ctx, func(tx *memTx) error {
		return tx.modifyKey(id, func(k *model.AccessKey) { k.MaxDevices = maxDevices })
	})
}

func (s *MemoryStore) IncrementUsage(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, func(tx *memTx) error { return tx.IncrementUsage(ctx, id, at) })
}

func (s *MemoryStore) DeleteKey(ctx context.Context, id string) error {
	return s.update(ctx, func(tx *memTx) error { return deleteKey(ctx, tx, id) })
}

// ---------------------------------------------------------------------------
// Devices
// ---------------------------------------------------------------------------

func (s *MemoryStore) FindDevice(ctx context.Context, keyID, deviceID string) (*model.DeviceRegistration, error) {
	d, err := s.LookupDevice(ctx, keyID, deviceID)
	if err != nil {
		return nil, err
	}
	if d.Blocked {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) LookupDevice(ctx context.Context, keyID, deviceID string) (*model.DeviceRegistration, error) {
	var out *model.DeviceRegistration
	err := s.read(ctx, func() error {
		d, err := s.lookup(keyID, deviceID)
		out = d
		return err
	})
	return out, err
}

func (s *MemoryStore) lookup(keyID, deviceID string) (*model.DeviceRegistration, error) {
	id, ok := s.byPrint[fingerprint{keyID, deviceID}]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s.devices[id]
	return &c, nil
}

func (s *MemoryStore) ListActiveDevices(ctx context.Context, keyID string) ([]model.DeviceRegistration, error) {
	return s.listDevices(ctx, func(d *model.DeviceRegistration) bool {
		return d.KeyID == keyID && !d.Blocked
	})
}

func (s *MemoryStore) ListDevices(ctx context.Context, keyID string) ([]model.DeviceRegistration, error) {
	return s.listDevices(ctx, func(d *model.DeviceRegistration) bool {
		return keyID == "" || d.KeyID == keyID
	})
}

func (s *MemoryStore) listDevices(ctx context.Context, match func(*model.DeviceRegistration) bool) ([]model.DeviceRegistration, error) {
	out := []model.DeviceRegistration{}
	err := s.read(ctx, func() error {
		for _, d := range s.devices {
			if match(d) {
				out = append(out, *d)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, err
}

func (s *MemoryStore) GetDevice(ctx context.Context, id string) (*model.DeviceRegistration, error) {
	var out *model.DeviceRegistration
	err := s.read(ctx, func() error {
		d, ok := s.devices[id]
		if !ok {
			return ErrNotFound
		}
		c := *d
		out = &c
		return nil
	})
	return out, err
}

func (s *MemoryStore) CountDevices(ctx context.Context, keyID string) (active, blocked int, err error) {
	err = s.read(ctx, func() error {
		for _, d := range s.devices {
			if keyID != "" && d.KeyID != keyID {
				continue
			}
			if d.Blocked {
				blocked++
			} else {
				active++
			}
		}
		return nil
	})
	return active, blocked, err
}

func (s *MemoryStore) RegisterDevice(ctx context.Context, d *model.DeviceRegistration) error {
	return s.update(ctx, func(tx *memTx) error { return registerWithQuota(ctx, tx, d) })
}

func (s *MemoryStore) TouchDevice(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, func(tx *memTx) error { return tx.TouchDevice(ctx, id, at) })
}

func (s *MemoryStore) BlockDevice(ctx context.Context, id string) error {
	return s.update(ctx, func(tx *memTx) error { return tx.setBlocked(ctx, id, true) })
}

func (s *MemoryStore) UnblockDevice(ctx context.Context, id string) error {
	return s.update(ctx, func(tx *memTx) error { return unblockWithQuota(ctx, tx, id) })
}

func (s *MemoryStore) RemoveDevice(ctx context.Context, id string) error {
	return s.update(ctx, func(tx *memTx) error {
		if d, ok := s.devices[id]; ok {
			tx.removeDevice(d)
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// AppendAuditEvent stores e, evicting the oldest events beyond the
// retention limit.
func (s *MemoryStore) AppendAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	prepareAuditEvent(e)
	return s.update(ctx, func(tx *memTx) error {
		i := sort.Search(len(s.audit), func(i int) bool { return auditBefore(*e, s.audit[i]) })
		s.audit = append(s.audit, model.AuditEvent{})
		copy(s.audit[i+1:], s.audit[i:])
		s.audit[i] = *e
		if over := len(s.audit) - s.retention; over > 0 {
			s.audit = append(s.audit[:0:0], s.audit[over:]...)
		}
		tx.touched[notify.TableAudit] = true
		return nil
	})
}

// auditBefore orders events by time, then by id.
func auditBefore(a, b model.AuditEvent) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) ListAuditEvents(ctx context.Context, keyID string, limit, offset int) ([]model.AuditEvent, error) {
	out := []model.AuditEvent{}
	err := s.read(ctx, func() error {
		skip := max(offset, 0)
		for i := len(s.audit) - 1; i >= 0; i-- {
			if limit > 0 && len(out) == limit {
				break
			}
			e := s.audit[i]
			if keyID != "" && e.KeyID != keyID {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *MemoryStore) CountAuditEvents(ctx context.Context, keyID string) (total, successful int, err error) {
	err = s.read(ctx, func() error {
		for _, e := range s.audit {
			if keyID != "" && e.KeyID != keyID {
				continue
			}
			total++
			if e.Success {
				successful++
			}
		}
		return nil
	})
	return total, successful, err
}

func (s *MemoryStore) ClearAuditEvents(ctx context.Context) error {
	return s.update(ctx, func(tx *memTx) error {
		s.audit = nil
		tx.touched[notify.TableAudit] = true
		return nil
	})
}

// ---------------------------------------------------------------------------
// Unit of work
// ---------------------------------------------------------------------------

// memTx operates on the store maps directly. The caller holds the lock.
type memTx struct {
	s       *MemoryStore
	undo    []func()
	touched map[notify.Table]bool
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) LockActiveKeyBySecret(_ context.Context, secret string) (*model.AccessKey, error) {
	k, ok := tx.s.activeKeyBySecret(secret)
	if !ok {
		return nil, ErrNotFound
	}
	return k, nil
}

func (tx *memTx) lockKey(_ context.Context, id string) (*model.AccessKey, error) {
	k, ok := tx.s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *k
	return &c, nil
}

func (tx *memTx) LookupDevice(_ context.Context, keyID, deviceID string) (*model.DeviceRegistration, error) {
	return tx.s.lookup(keyID, deviceID)
}

func (tx *memTx) getDevice(_ context.Context, id string) (*model.DeviceRegistration, error) {
	d, ok := tx.s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (tx *memTx) CountActiveDevices(_ context.Context, keyID string) (int, error) {
	n := 0
	for _, d := range tx.s.devices {
		if d.KeyID == keyID && !d.Blocked {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) RegisterDevice(_ context.Context, d *model.DeviceRegistration) error {
	if err := prepareDevice(d); err != nil {
		return err
	}
	if _, ok := tx.s.keys[d.KeyID]; !ok {
		return ErrNotFound
	}
	fp := fingerprint{d.KeyID, d.DeviceID}
	if _, dup := tx.s.byPrint[fp]; dup {
		return ErrDuplicateDevice
	}
	c := *d
	tx.s.devices[c.ID] = &c
	tx.s.byPrint[fp] = c.ID
	tx.undo = append(tx.undo, func() {
		delete(tx.s.devices, c.ID)
		delete(tx.s.byPrint, fp)
	})
	tx.touched[notify.TableDevices] = true
	return nil
}

func (tx *memTx) TouchDevice(_ context.Context, id string, at time.Time) error {
	return tx.modifyDevice(id, func(d *model.DeviceRegistration) {
		d.LastSeenAt = truncate(at)
		d.LoginCount++
	})
}

func (tx *memTx) setBlocked(_ context.Context, id string, blocked bool) error {
	return tx.modifyDevice(id, func(d *model.DeviceRegistration) { d.Blocked = blocked })
}

func (tx *memTx) IncrementUsage(_ context.Context, id string, at time.Time) error {
	return tx.modifyKey(id, func(k *model.AccessKey) {
		t := truncate(at)
		k.UsageCount++
		k.LastUsedAt = &t
	})
}

func (tx *memTx) deleteKeyCascade(_ context.Context, id string) error {
	for _, d := range tx.s.devices {
		if d.KeyID == id {
			tx.removeDevice(d)
		}
	}
	k, ok := tx.s.keys[id]
	if !ok {
		return ErrNotFound
	}
	delete(tx.s.keys, id)
	delete(tx.s.bySecret, k.Secret)
	tx.undo = append(tx.undo, func() {
		tx.s.keys[id] = k
		tx.s.bySecret[k.Secret] = id
	})
	tx.touched[notify.TableKeys] = true
	return nil
}

func (tx *memTx) removeDevice(d *model.DeviceRegistration) {
	fp := fingerprint{d.KeyID, d.DeviceID}
	delete(tx.s.devices, d.ID)
	delete(tx.s.byPrint, fp)
	tx.undo = append(tx.undo, func() {
		tx.s.devices[d.ID] = d
		tx.s.byPrint[fp] = d.ID
	})
	tx.touched[notify.TableDevices] = true
}

func (tx *memTx) modifyKey(id string, fn func(*model.AccessKey)) error {
	k, ok := tx.s.keys[id]
	if !ok {
		return ErrNotFound
	}
	old := *k
	fn(k)
	tx.undo = append(tx.undo, func() { *k = old })
	tx.touched[notify.TableKeys] = true
	return nil
}

func (tx *memTx) modifyDevice(id string, fn func(*model.DeviceRegistration)) error {
	d, ok := tx.s.devices[id]
	if !ok {
		return ErrNotFound
	}
	old := *d
	fn(d)
	tx.undo = append(tx.undo, func() { *d = old })
	tx.touched[notify.TableDevices] = true
	return nil
}
