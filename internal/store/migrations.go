package store

import (
	"context"
	"fmt"
)

var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS access_keys (
		id TEXT PRIMARY KEY,
		secret TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_used_at DATETIME,
		usage_count INTEGER NOT NULL DEFAULT 0,
		max_devices INTEGER NOT NULL DEFAULT 10,
		active INTEGER NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS device_registrations (
		id TEXT PRIMARY KEY,
		key_id TEXT NOT NULL REFERENCES access_keys(id) ON DELETE CASCADE,
		device_id TEXT NOT NULL,
		browser TEXT NOT NULL DEFAULT 'Unknown',
		os TEXT NOT NULL DEFAULT 'Unknown',
		device_class TEXT NOT NULL DEFAULT 'Unknown',
		screen_res TEXT NOT NULL DEFAULT 'Unknown',
		timezone TEXT NOT NULL DEFAULT 'Unknown',
		locale TEXT NOT NULL DEFAULT 'Unknown',
		ip TEXT NOT NULL DEFAULT 'Unknown',
		location TEXT NOT NULL DEFAULT 'Unknown',
		first_seen_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL,
		login_count INTEGER NOT NULL DEFAULT 1,
		blocked INTEGER NOT NULL DEFAULT 0,
		UNIQUE(key_id, device_id)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		key_id TEXT NOT NULL DEFAULT '',
		key_name_snapshot TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		resource TEXT NOT NULL DEFAULT '',
		parameter_name TEXT NOT NULL DEFAULT '',
		parameter_value TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		occurred_at DATETIME NOT NULL,
		latency_ms INTEGER
	)`,

	`CREATE INDEX IF NOT EXISTS idx_device_registrations_key ON device_registrations(key_id, blocked)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred ON audit_events(occurred_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_key ON audit_events(key_id)`,
}

var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS access_keys (
		id TEXT PRIMARY KEY,
		secret TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_used_at TIMESTAMPTZ,
		usage_count BIGINT NOT NULL DEFAULT 0,
		max_devices INTEGER NOT NULL DEFAULT 10,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS device_registrations (
		id TEXT PRIMARY KEY,
		key_id TEXT NOT NULL REFERENCES access_keys(id) ON DELETE CASCADE,
		device_id TEXT NOT NULL,
		browser TEXT NOT NULL DEFAULT 'Unknown',
		os TEXT NOT NULL DEFAULT 'Unknown',
		device_class TEXT NOT NULL DEFAULT 'Unknown',
		screen_res TEXT NOT NULL DEFAULT 'Unknown',
		timezone TEXT NOT NULL DEFAULT 'Unknown',
		locale TEXT NOT NULL DEFAULT 'Unknown',
		ip TEXT NOT NULL DEFAULT 'Unknown',
		location TEXT NOT NULL DEFAULT 'Unknown',
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		login_count BIGINT NOT NULL DEFAULT 1,
		blocked BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE(key_id, device_id)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		key_id TEXT NOT NULL DEFAULT '',
		key_name_snapshot TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		resource TEXT NOT NULL DEFAULT '',
		parameter_name TEXT NOT NULL DEFAULT '',
		parameter_value TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL DEFAULT FALSE,
		occurred_at TIMESTAMPTZ NOT NULL,
		latency_ms BIGINT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_device_registrations_key ON device_registrations(key_id, blocked)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred ON audit_events(occurred_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_key ON audit_events(key_id)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
// Secrets and fingerprints compare byte for byte, not under the server's
// case-insensitive default collation.
var mysqlDDL = []string{
	`CREATE TABLE IF NOT EXISTS access_keys (
		id VARCHAR(64) PRIMARY KEY,
		secret VARCHAR(255) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
		name VARCHAR(255) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		last_used_at DATETIME(6) NULL,
		usage_count BIGINT NOT NULL DEFAULT 0,
		max_devices INT NOT NULL DEFAULT 10,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		UNIQUE KEY uq_access_keys_secret (secret)
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS device_registrations (
		id VARCHAR(64) PRIMARY KEY,
		key_id VARCHAR(64) NOT NULL,
		device_id VARCHAR(255) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
		browser VARCHAR(255) NOT NULL DEFAULT 'Unknown',
		os VARCHAR(255) NOT NULL DEFAULT 'Unknown',
		device_class VARCHAR(255) NOT NULL DEFAULT 'Unknown',
		screen_res VARCHAR(64) NOT NULL DEFAULT 'Unknown',
		timezone VARCHAR(128) NOT NULL DEFAULT 'Unknown',
		locale VARCHAR(64) NOT NULL DEFAULT 'Unknown',
		ip VARCHAR(64) NOT NULL DEFAULT 'Unknown',
		location VARCHAR(255) NOT NULL DEFAULT 'Unknown',
		first_seen_at DATETIME(6) NOT NULL,
		last_seen_at DATETIME(6) NOT NULL,
		login_count BIGINT NOT NULL DEFAULT 1,
		blocked BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE KEY uq_device_registrations_print (key_id, device_id),
		KEY idx_device_registrations_key (key_id, blocked),
		CONSTRAINT fk_device_registrations_key FOREIGN KEY (key_id)
			REFERENCES access_keys(id) ON DELETE CASCADE
	) ENGINE=InnoDB`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id VARCHAR(64) PRIMARY KEY,
		key_id VARCHAR(64) NOT NULL DEFAULT '',
		key_name_snapshot VARCHAR(255) NOT NULL DEFAULT '',
		device_id VARCHAR(255) NOT NULL DEFAULT '',
		resource VARCHAR(255) NOT NULL DEFAULT '',
		parameter_name VARCHAR(255) NOT NULL DEFAULT '',
		parameter_value TEXT NOT NULL,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		occurred_at DATETIME(6) NOT NULL,
		latency_ms BIGINT NULL,
		KEY idx_audit_events_occurred (occurred_at, id),
		KEY idx_audit_events_key (key_id)
	) ENGINE=InnoDB`,
}

// T-SQL has no CREATE TABLE IF NOT EXISTS; each statement is guarded.
// Secrets and fingerprints use a binary collation.
var mssqlDDL = []string{
	`IF OBJECT_ID(N'access_keys', N'U') IS NULL
	CREATE TABLE access_keys (
		id NVARCHAR(64) NOT NULL PRIMARY KEY,
		secret NVARCHAR(255) COLLATE Latin1_General_100_BIN2 NOT NULL CONSTRAINT uq_access_keys_secret UNIQUE,
		name NVARCHAR(255) NOT NULL,
		created_at DATETIME2 NOT NULL,
		last_used_at DATETIME2 NULL,
		usage_count BIGINT NOT NULL DEFAULT 0,
		max_devices INT NOT NULL DEFAULT 10,
		active BIT NOT NULL DEFAULT 1
	)`,

	`IF OBJECT_ID(N'device_registrations', N'U') IS NULL
	CREATE TABLE device_registrations (
		id NVARCHAR(64) NOT NULL PRIMARY KEY,
		key_id NVARCHAR(64) NOT NULL
			CONSTRAINT fk_device_registrations_key REFERENCES access_keys(id) ON DELETE CASCADE,
		device_id NVARCHAR(255) COLLATE Latin1_General_100_BIN2 NOT NULL,
		browser NVARCHAR(255) NOT NULL DEFAULT 'Unknown',
		os NVARCHAR(255) NOT NULL DEFAULT 'Unknown',
		device_class NVARCHAR(255) NOT NULL DEFAULT 'Unknown',
		screen_res NVARCHAR(64) NOT NULL DEFAULT 'Unknown',
		timezone NVARCHAR(128) NOT NULL DEFAULT 'Unknown',
		locale NVARCHAR(64) NOT NULL DEFAULT 'Unknown',
		ip NVARCHAR(64) NOT NULL DEFAULT 'Unknown',
		location NVARCHAR(255) NOT NULL DEFAULT 'Unknown',
		first_seen_at DATETIME2 NOT NULL,
		last_seen_at DATETIME2 NOT NULL,
		login_count BIGINT NOT NULL DEFAULT 1,
		blocked BIT NOT NULL DEFAULT 0,
		CONSTRAINT uq_device_registrations_print UNIQUE (key_id, device_id),
		INDEX idx_device_registrations_key (key_id, blocked)
	)`,

	`IF OBJECT_ID(N'audit_events', N'U') IS NULL
	CREATE TABLE audit_events (
		id NVARCHAR(64) NOT NULL PRIMARY KEY,
		key_id NVARCHAR(64) NOT NULL DEFAULT '',
		key_name_snapshot NVARCHAR(255) NOT NULL DEFAULT '',
		device_id NVARCHAR(255) NOT NULL DEFAULT '',
		resource NVARCHAR(255) NOT NULL DEFAULT '',
		parameter_name NVARCHAR(255) NOT NULL DEFAULT '',
		parameter_value NVARCHAR(MAX) NOT NULL DEFAULT '',
		success BIT NOT NULL DEFAULT 0,
		occurred_at DATETIME2 NOT NULL,
		latency_ms BIGINT NULL,
		INDEX idx_audit_events_occurred (occurred_at, id),
		INDEX idx_audit_events_key (key_id)
	)`,
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, m := range s.dialect.ddl {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
