package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"github.com/devicegate/devicegate/internal/model"
	"github.com/devicegate/devicegate/internal/notify"
)

const (
	keyColumns    = "id, secret, name, created_at, last_used_at, usage_count, max_devices, active"
	deviceColumns = "id, key_id, device_id, browser, os, device_class, screen_res, timezone, locale, " +
		"ip, location, first_seen_at, last_seen_at, login_count, blocked"
	auditColumns = "id, key_id, key_name_snapshot, device_id, resource, parameter_name, parameter_value, " +
		"success, occurred_at, latency_ms"
)

// PoolConfig sizes the connection pool of network backends.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore implements Store on a relational database through sqlx.
type SQLStore struct {
	db        *sqlx.DB
	dialect   dialect
	retention int
	pub       notify.Publisher
	logger    *slog.Logger
}

// NewSQLiteStore opens devicegate.db in dataDir. Pass empty string for an
// in-memory database.
func NewSQLiteStore(ctx context.Context, dataDir string, opts Options) (*SQLStore, error) {
	path := ""
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		path = filepath.Join(dataDir, "devicegate.db")
	}
	return OpenSQL(ctx, "sqlite", sqliteDSN(path), PoolConfig{}, opts)
}

// OpenSQL connects to backend at dsn and applies migrations.
func OpenSQL(ctx context.Context, backend, dsn string, pool PoolConfig, opts Options) (*SQLStore, error) {
	d, err := lookupDialect(backend)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	db, err := sqlx.ConnectContext(ctx, d.driver, SanitizeDSN(backend, dsn))
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", backend, err)
	}

	if backend == "sqlite" {
		db.SetMaxOpenConns(1) // single writer; also keeps :memory: on one connection
	} else {
		if pool.MaxOpenConns > 0 {
			db.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.MaxIdleConns > 0 {
			db.SetMaxIdleConns(pool.MaxIdleConns)
		}
		if pool.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(pool.ConnMaxLifetime)
		}
	}

	s := &SQLStore{
		db:        db,
		dialect:   d,
		retention: opts.AuditRetention,
		pub:       opts.Publisher,
		logger:    opts.Logger.With("component", "store", "backend", backend),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s database: %w", backend, err)
	}
	return s, nil
}

// Backend returns the dialect name.
func (s *SQLStore) Backend() string { return s.dialect.name }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) publish(tables ...notify.Table) {
	for _, t := range tables {
		s.pub.Publish(notify.Event{Table: t})
	}
}

// Atomic runs fn inside a database transaction.
func (s *SQLStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	return s.atomic(ctx, func(tx *sqlTx) error { return fn(tx) })
}

func (s *SQLStore) atomic(ctx context.Context, fn func(tx *sqlTx) error) error {
	var opts *sql.TxOptions
	if s.dialect.isolation != sql.LevelDefault {
		opts = &sql.TxOptions{Isolation: s.dialect.isolation}
	}
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	st := &sqlTx{tx: tx, d: s.dialect, touched: make(map[notify.Table]bool)}
	if err := fn(st); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	for t := range st.touched {
		s.publish(t)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

func (s *SQLStore) FindActiveKeyBySecret(ctx context.Context, secret string) (*model.AccessKey, error) {
	k, err := getKey(ctx, s.db, "SELECT "+keyColumns+" FROM access_keys WHERE secret = ? AND active = ?", secret, true)
	return exactKey(k, err, secret)
}

func (s *SQLStore) GetKey(ctx context.Context, id string) (*model.AccessKey, error) {
	return getKey(ctx, s.db, "SELECT "+keyColumns+" FROM access_keys WHERE id = ?", id)
}

// ListKeys returns every key, newest first.
func (s *SQLStore) ListKeys(ctx context.Context) ([]model.AccessKey, error) {
	var keys []model.AccessKey
	q := "SELECT " + keyColumns + " FROM access_keys ORDER BY created_at DESC, id DESC"
	if err := s.db.SelectContext(ctx, &keys, q); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	for i := range keys {
		utcKey(&keys[i])
	}
	if keys == nil {
		keys = []model.AccessKey{}
	}
	return keys, nil
}

func (s *SQLStore) CountKeys(ctx context.Context) (total, active int, err error) {
	q := s.db.Rebind("SELECT COUNT(*), COALESCE(SUM(CASE WHEN active = ? THEN 1 ELSE 0 END), 0) FROM access_keys")
	if err := s.db.QueryRowxContext(ctx, q, true).Scan(&total, &active); err != nil {
		return 0, 0, fmt.Errorf("count keys: %w", err)
	}
	return total, active, nil
}

// CreateKey inserts key, filling its ID, CreatedAt and default device limit.
func (s *SQLStore) CreateKey(ctx context.Context, key *model.AccessKey) error {
	if err := prepareKey(key); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO access_keys (`+keyColumns+`)
		 VALUES (:id, :secret, :name, :created_at, :last_used_at, :usage_count, :max_devices, :active)`, key)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSecret
		}
		return fmt.Errorf("create key: %w", err)
	}
	s.publish(notify.TableKeys)
	return nil
}

func (s *SQLStore) SetKeyActive(ctx context.Context, id string, active bool) error {
	if err := execOne(ctx, s.db, "UPDATE access_keys SET active = ? WHERE id = ?", active, id); err != nil {
		return wrap("set key active", err)
	}
	s.publish(notify.TableKeys)
	return nil
}

func (s *SQLStore) SetKeyMaxDevices(ctx context.Context, id string, maxDevices int) error {
	if maxDevices < 1 {
		return ErrInvalidMaxDevices
	}
	if err := execOne(ctx, s.db, "UPDATE access_keys SET max_devices = ? WHERE id = ?", maxDevices, id); err != nil {
		return wrap("set max devices", err)
	}
	s.publish(notify.TableKeys)
	return nil
}

func (s *SQLStore) IncrementUsage(ctx context.Context, id string, at time.Time) error {
	return s.atomic(ctx, func(tx *sqlTx) error { return tx.IncrementUsage(ctx, id, at) })
}

func (s *SQLStore) DeleteKey(ctx context.Context, id string) error {
	return s.atomic(ctx, func(tx *sqlTx) error { return deleteKey(ctx, tx, id) })
}

// ---------------------------------------------------------------------------
// Devices
// ---------------------------------------------------------------------------

func (s *SQLStore) FindDevice(ctx context.Context, keyID, deviceID string) (*model.DeviceRegistration, error) {
	d, err := getDevice(ctx, s.db,
		"SELECT "+deviceColumns+" FROM device_registrations WHERE key_id = ? AND device_id = ? AND blocked = ?",
		keyID, deviceID, false)
	return exactDevice(d, err, deviceID)
}

func (s *SQLStore) LookupDevice(ctx context.Context, keyID, deviceID string) (*model.DeviceRegistration, error) {
	d, err := getDevice(ctx, s.db,
		"SELECT "+deviceColumns+" FROM device_registrations WHERE key_id = ? AND device_id = ?", keyID, deviceID)
	return exactDevice(d, err, deviceID)
}

func (s *SQLStore) ListActiveDevices(ctx context.Context, keyID string) ([]model.DeviceRegistration, error) {
	return s.selectDevices(ctx, "WHERE key_id = ? AND blocked = ?", keyID, false)
}

func (s *SQLStore) ListDevices(ctx context.Context, keyID string) ([]model.DeviceRegistration, error) {
	if keyID == "" {
		return s.selectDevices(ctx, "")
	}
	return s.selectDevices(ctx, "WHERE key_id = ?", keyID)
}

func (s *SQLStore) selectDevices(ctx context.Context, where string, args ...any) ([]model.DeviceRegistration, error) {
	q := "SELECT " + deviceColumns + " FROM device_registrations " + where + " ORDER BY last_seen_at DESC, id DESC"
	devices := []model.DeviceRegistration{}
	if err := s.db.SelectContext(ctx, &devices, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for i := range devices {
		utcDevice(&devices[i])
	}
	return devices, nil
}

func (s *SQLStore) GetDevice(ctx context.Context, id string) (*model.DeviceRegistration, error) {
	return getDevice(ctx, s.db, "SELECT "+deviceColumns+" FROM device_registrations WHERE id = ?", id)
}

func (s *SQLStore) CountDevices(ctx context.Context, keyID string) (active, blocked int, err error) {
	q := "SELECT COALESCE(SUM(CASE WHEN blocked = ? THEN 0 ELSE 1 END), 0), " +
		"COALESCE(SUM(CASE WHEN blocked = ? THEN 1 ELSE 0 END), 0) FROM device_registrations"
	args := []any{true, true}
	if keyID != "" {
		q += " WHERE key_id = ?"
		args = append(args, keyID)
	}
	if err := s.db.QueryRowxContext(ctx, s.db.Rebind(q), args...).Scan(&active, &blocked); err != nil {
		return 0, 0, fmt.Errorf("count devices: %w", err)
	}
	return active, blocked, nil
}

func (s *SQLStore) RegisterDevice(ctx context.Context, d *model.DeviceRegistration) error {
	return s.atomic(ctx, func(tx *sqlTx) error { return registerWithQuota(ctx, tx, d) })
}

func (s *SQLStore) TouchDevice(ctx context.Context, id string, at time.Time) error {
	return s.atomic(ctx, func(tx *sqlTx) error { return tx.TouchDevice(ctx, id, at) })
}

func (s *SQLStore) BlockDevice(ctx context.Context, id string) error {
	return s.atomic(ctx, func(tx *sqlTx) error { return tx.setBlocked(ctx, id, true) })
}

func (s *SQLStore) UnblockDevice(ctx context.Context, id string) error {
	return s.atomic(ctx, func(tx *sqlTx) error { return unblockWithQuota(ctx, tx, id) })
}

func (s *SQLStore) RemoveDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM device_registrations WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("remove device: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.publish(notify.TableDevices)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

const insertAudit = `INSERT INTO audit_events (` + auditColumns + `)
	VALUES (:id, :key_id, :key_name_snapshot, :device_id, :resource, :parameter_name, :parameter_value,
		:success, :occurred_at, :latency_ms)`

// AppendAuditEvent stores e. With a retention limit configured, the oldest
// events beyond it are deleted in the same transaction.
func (s *SQLStore) AppendAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	prepareAuditEvent(e)
	if s.retention <= 0 {
		if _, err := s.db.NamedExecContext(ctx, insertAudit, e); err != nil {
			return fmt.Errorf("append audit event: %w", err)
		}
		s.publish(notify.TableAudit)
		return nil
	}
	return s.atomic(ctx, func(tx *sqlTx) error {
		if _, err := tx.tx.NamedExecContext(ctx, insertAudit, e); err != nil {
			return fmt.Errorf("append audit event: %w", err)
		}
		if err := tx.trimAudit(ctx, s.retention); err != nil {
			return fmt.Errorf("trim audit events: %w", err)
		}
		tx.touched[notify.TableAudit] = true
		return nil
	})
}

func (s *SQLStore) ListAuditEvents(ctx context.Context, keyID string, limit, offset int) ([]model.AuditEvent, error) {
	q := "SELECT " + auditColumns + " FROM audit_events"
	var args []any
	if keyID != "" {
		q += " WHERE key_id = ?"
		args = append(args, keyID)
	}
	q, pageArgs := s.dialect.page(q+" ORDER BY occurred_at DESC, id DESC", limit, offset)
	args = append(args, pageArgs...)
	events := []model.AuditEvent{}
	if err := s.db.SelectContext(ctx, &events, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	for i := range events {
		events[i].OccurredAt = events[i].OccurredAt.UTC()
	}
	return events, nil
}

func (s *SQLStore) CountAuditEvents(ctx context.Context, keyID string) (total, successful int, err error) {
	q := "SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = ? THEN 1 ELSE 0 END), 0) FROM audit_events"
	args := []any{true}
	if keyID != "" {
		q += " WHERE key_id = ?"
		args = append(args, keyID)
	}
	if err := s.db.QueryRowxContext(ctx, s.db.Rebind(q), args...).Scan(&total, &successful); err != nil {
		return 0, 0, fmt.Errorf("count audit events: %w", err)
	}
	return total, successful, nil
}

func (s *SQLStore) ClearAuditEvents(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM audit_events"); err != nil {
		return fmt.Errorf("clear audit events: %w", err)
	}
	s.publish(notify.TableAudit)
	return nil
}

// ---------------------------------------------------------------------------
// Unit of work
// ---------------------------------------------------------------------------

type sqlTx struct {
	tx      *sqlx.Tx
	d       dialect
	touched map[notify.Table]bool
}

func (t *sqlTx) LockActiveKeyBySecret(ctx context.Context, secret string) (*model.AccessKey, error) {
	k, err := getKey(ctx, t.tx, t.d.lockingSelect(keyColumns, "access_keys", "secret = ? AND active = ?"), secret, true)
	return exactKey(k, err, secret)
}

func (t *sqlTx) lockKey(ctx context.Context, id string) (*model.AccessKey, error) {
	return getKey(ctx, t.tx, t.d.lockingSelect(keyColumns, "access_keys", "id = ?"), id)
}

func (t *sqlTx) LookupDevice(ctx context.Context, keyID, deviceID string) (*model.DeviceRegistration, error) {
	d, err := getDevice(ctx, t.tx,
		"SELECT "+deviceColumns+" FROM device_registrations WHERE key_id = ? AND device_id = ?", keyID, deviceID)
	return exactDevice(d, err, deviceID)
}

func (t *sqlTx) getDevice(ctx context.Context, id string) (*model.DeviceRegistration, error) {
	return getDevice(ctx, t.tx, "SELECT "+deviceColumns+" FROM device_registrations WHERE id = ?", id)
}

func (t *sqlTx) CountActiveDevices(ctx context.Context, keyID string) (int, error) {
	var n int
	q := t.tx.Rebind("SELECT COUNT(*) FROM device_registrations WHERE key_id = ? AND blocked = ?")
	if err := t.tx.GetContext(ctx, &n, q, keyID, false); err != nil {
		return 0, fmt.Errorf("count active devices: %w", err)
	}
	return n, nil
}

func (t *sqlTx) RegisterDevice(ctx context.Context, d *model.DeviceRegistration) error {
	if err := prepareDevice(d); err != nil {
		return err
	}
	_, err := t.tx.NamedExecContext(ctx,
		`INSERT INTO device_registrations (`+deviceColumns+`)
		 VALUES (:id, :key_id, :device_id, :browser, :os, :device_class, :screen_res, :timezone, :locale,
			:ip, :location, :first_seen_at, :last_seen_at, :login_count, :blocked)`, d)
	switch {
	case err == nil:
		t.touched[notify.TableDevices] = true
		return nil
	case isUniqueViolation(err):
		return ErrDuplicateDevice
	case strings.Contains(strings.ToLower(err.Error()), "foreign key"):
		return ErrNotFound
	default:
		return fmt.Errorf("register device: %w", err)
	}
}

func (t *sqlTx) TouchDevice(ctx context.Context, id string, at time.Time) error {
	err := execOne(ctx, t.tx,
		"UPDATE device_registrations SET last_seen_at = ?, login_count = login_count + 1 WHERE id = ?",
		truncate(at), id)
	if err != nil {
		return wrap("touch device", err)
	}
	t.touched[notify.TableDevices] = true
	return nil
}

func (t *sqlTx) IncrementUsage(ctx context.Context, id string, at time.Time) error {
	err := execOne(ctx, t.tx,
		"UPDATE access_keys SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?",
		truncate(at), id)
	if err != nil {
		return wrap("increment usage", err)
	}
	t.touched[notify.TableKeys] = true
	return nil
}

func (t *sqlTx) setBlocked(ctx context.Context, id string, blocked bool) error {
	if err := execOne(ctx, t.tx, "UPDATE device_registrations SET blocked = ? WHERE id = ?", blocked, id); err != nil {
		return wrap("set device blocked", err)
	}
	t.touched[notify.TableDevices] = true
	return nil
}

func (t *sqlTx) deleteKeyCascade(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, t.tx.Rebind("DELETE FROM device_registrations WHERE key_id = ?"), id); err != nil {
		return fmt.Errorf("delete key devices: %w", err)
	}
	if err := execOne(ctx, t.tx, "DELETE FROM access_keys WHERE id = ?", id); err != nil {
		return wrap("delete key", err)
	}
	t.touched[notify.TableKeys] = true
	t.touched[notify.TableDevices] = true
	return nil
}

// trimAudit deletes everything older than the newest keep events.
func (t *sqlTx) trimAudit(ctx context.Context, keep int) error {
	var cutoff struct {
		OccurredAt time.Time `db:"occurred_at"`
		ID         string    `db:"id"`
	}
	q, args := t.d.page("SELECT occurred_at, id FROM audit_events ORDER BY occurred_at DESC, id DESC", 1, keep-1)
	if err := t.tx.GetContext(ctx, &cutoff, t.tx.Rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	_, err := t.tx.ExecContext(ctx,
		t.tx.Rebind("DELETE FROM audit_events WHERE occurred_at < ? OR (occurred_at = ? AND id < ?)"),
		cutoff.OccurredAt, cutoff.OccurredAt, cutoff.ID)
	return err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func getKey(ctx context.Context, q sqlx.ExtContext, query string, args ...any) (*model.AccessKey, error) {
	var k model.AccessKey
	if err := sqlx.GetContext(ctx, q, &k, q.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	utcKey(&k)
	return &k, nil
}

func getDevice(ctx context.Context, q sqlx.ExtContext, query string, args ...any) (*model.DeviceRegistration, error) {
	var d model.DeviceRegistration
	if err := sqlx.GetContext(ctx, q, &d, q.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	utcDevice(&d)
	return &d, nil
}

// exactKey drops a row the database matched but that differs from secret.
// SQL Server ignores trailing spaces in = under every collation.
func exactKey(k *model.AccessKey, err error, secret string) (*model.AccessKey, error) {
	if err == nil && k.Secret != secret {
		return nil, ErrNotFound
	}
	return k, err
}

func exactDevice(d *model.DeviceRegistration, err error, deviceID string) (*model.DeviceRegistration, error) {
	if err == nil && d.DeviceID != deviceID {
		return nil, ErrNotFound
	}
	return d, err
}

// execOne runs a statement that must match exactly one row.
func execOne(ctx context.Context, q sqlx.ExtContext, query string, args ...any) error {
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// wrap adds context to err unless it is a store sentinel.
func wrap(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func utcKey(k *model.AccessKey) {
	k.CreatedAt = k.CreatedAt.UTC()
	if k.LastUsedAt != nil {
		t := k.LastUsedAt.UTC()
		k.LastUsedAt = &t
	}
}

func utcDevice(d *model.DeviceRegistration) {
	d.FirstSeenAt = d.FirstSeenAt.UTC()
	d.LastSeenAt = d.LastSeenAt.UTC()
}
