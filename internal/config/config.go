// Package config holds the devicegate configuration and its defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. DEVICEGATE_STORE_BACKEND.
const EnvPrefix = "DEVICEGATE"

// Config is the top-level devicegate configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Auth    AuthConfig    `yaml:"auth" mapstructure:"auth"`
	Admin   AdminConfig   `yaml:"admin" mapstructure:"admin"`
	Gate    GateConfig    `yaml:"gate" mapstructure:"gate"`
	Geo     GeoConfig     `yaml:"geo" mapstructure:"geo"`
	Lookup  LookupConfig  `yaml:"lookup" mapstructure:"lookup"`
	Notify  NotifyConfig  `yaml:"notify" mapstructure:"notify"`
	Audit   AuditConfig   `yaml:"audit" mapstructure:"audit"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	MCP     MCPConfig     `yaml:"mcp" mapstructure:"mcp"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string `yaml:"host" mapstructure:"host"`
	Port            int    `yaml:"port" mapstructure:"port"`
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// LoginRateLimit is the number of admin login attempts allowed per
	// client IP per minute.
	LoginRateLimit int        `yaml:"login_rate_limit" mapstructure:"login_rate_limit"`
	CORS           CORSConfig `yaml:"cors" mapstructure:"cors"`
	TLS            TLSConfig  `yaml:"tls" mapstructure:"tls"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins" mapstructure:"origins"`
}

// TLSConfig controls TLS termination at the server level.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	CertFile string `yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `yaml:"key_file" mapstructure:"key_file"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
	// DataDir holds the sqlite database when no DSN is given.
	DataDir        string     `yaml:"data_dir" mapstructure:"data_dir"`
	AuditRetention int        `yaml:"audit_retention" mapstructure:"audit_retention"`
	SeedDemoKey    bool       `yaml:"seed_demo_key" mapstructure:"seed_demo_key"`
	Pool           PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig controls the SQL connection pool.
type PoolConfig struct {
	MaxOpenConns    int    `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// AuthConfig controls administrator session tokens.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	JWTExpiry string `yaml:"jwt_expiry" mapstructure:"jwt_expiry"`
}

// AdminConfig holds the administrator credential and key defaults.
type AdminConfig struct {
	// SecretHash is the bcrypt hash of the administrator secret, as printed
	// by "devicegate admin hash-secret".
	SecretHash        string `yaml:"secret_hash" mapstructure:"secret_hash"`
	SecretPrefix      string `yaml:"secret_prefix" mapstructure:"secret_prefix"`
	DefaultMaxDevices int    `yaml:"default_max_devices" mapstructure:"default_max_devices"`
}

// GateConfig bounds the time a validation may spend on collaborators.
type GateConfig struct {
	EnrichTimeout  string `yaml:"enrich_timeout" mapstructure:"enrich_timeout"`
	StorageTimeout string `yaml:"storage_timeout" mapstructure:"storage_timeout"`
}

// GeoConfig controls IP location enrichment.
type GeoConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Timeout  string `yaml:"timeout" mapstructure:"timeout"`
}

// LookupConfig describes the upstream lookup service behind the gate.
type LookupConfig struct {
	BaseURL   string           `yaml:"base_url" mapstructure:"base_url"`
	Timeout   string           `yaml:"timeout" mapstructure:"timeout"`
	Endpoints []LookupEndpoint `yaml:"endpoints" mapstructure:"endpoints"`
}

// LookupEndpoint is one entry of the lookup catalogue.
type LookupEndpoint struct {
	ID          string `yaml:"id" mapstructure:"id" json:"id"`
	Name        string `yaml:"name" mapstructure:"name" json:"name"`
	Path        string `yaml:"path" mapstructure:"path" json:"path"`
	Parameter   string `yaml:"parameter" mapstructure:"parameter" json:"parameter"`
	Description string `yaml:"description" mapstructure:"description" json:"description,omitempty"`
}

// NotifyConfig controls change notifications across instances.
type NotifyConfig struct {
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	Channel  string `yaml:"channel" mapstructure:"channel"`
}

// AuditConfig controls the asynchronous audit recorder.
type AuditConfig struct {
	QueueSize    int    `yaml:"queue_size" mapstructure:"queue_size"`
	WriteTimeout string `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// MCPConfig controls the MCP (Model Context Protocol) server.
type MCPConfig struct {
	Transport string `yaml:"transport" mapstructure:"transport"`
	Port      int    `yaml:"port" mapstructure:"port"`
}

// Default returns a Config pre-filled with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			LoginRateLimit:  10,
			CORS:            CORSConfig{Origins: []string{"*"}},
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Pool: PoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: "5m",
			},
		},
		Auth: AuthConfig{JWTExpiry: "12h"},
		Admin: AdminConfig{
			SecretPrefix:      "DGK",
			DefaultMaxDevices: 10,
		},
		Gate: GateConfig{
			EnrichTimeout:  "3s",
			StorageTimeout: "5s",
		},
		Geo: GeoConfig{
			Enabled:  true,
			Endpoint: "https://ipapi.co",
			Timeout:  "3s",
		},
		Lookup: LookupConfig{Timeout: "15s", Endpoints: []LookupEndpoint{}},
		Notify: NotifyConfig{Channel: "devicegate:events"},
		Audit: AuditConfig{
			QueueSize:    1024,
			WriteTimeout: "5s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		MCP: MCPConfig{Transport: "stdio", Port: 3001},
	}
}

// Bind registers every default with v and enables environment overrides,
// so that DEVICEGATE_SERVER_PORT overrides server.port.
func Bind(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("unmarshal defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Load decodes the effective configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Admin.SecretHash = os.ExpandEnv(cfg.Admin.SecretHash)
	cfg.Store.DSN = os.ExpandEnv(cfg.Store.DSN)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML configuration file on top of the defaults.
// Environment variables referenced as ${VAR_NAME} are expanded before
// parsing.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects impossible values.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.LoginRateLimit < 0 {
		errs = append(errs, errors.New("server.login_rate_limit must not be negative"))
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file"))
	}
	switch c.Store.Backend {
	case "memory", "sqlite":
	case "postgres", "mysql", "mssql":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for backend %q", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if c.Store.AuditRetention < 0 {
		errs = append(errs, errors.New("store.audit_retention must not be negative"))
	}
	if c.Admin.DefaultMaxDevices < 1 {
		errs = append(errs, errors.New("admin.default_max_devices must be at least 1"))
	}
	if c.Audit.QueueSize < 1 {
		errs = append(errs, errors.New("audit.queue_size must be at least 1"))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	switch c.MCP.Transport {
	case "stdio", "http":
	default:
		errs = append(errs, fmt.Errorf("mcp.transport must be stdio or http, got %q", c.MCP.Transport))
	}

	durations := map[string]string{
		"server.shutdown_timeout":      c.Server.ShutdownTimeout,
		"store.pool.conn_max_lifetime": c.Store.Pool.ConnMaxLifetime,
		"auth.jwt_expiry":              c.Auth.JWTExpiry,
		"gate.enrich_timeout":          c.Gate.EnrichTimeout,
		"gate.storage_timeout":         c.Gate.StorageTimeout,
		"geo.timeout":                  c.Geo.Timeout,
		"lookup.timeout":               c.Lookup.Timeout,
		"audit.write_timeout":          c.Audit.WriteTimeout,
	}
	for name, val := range durations {
		if val == "" {
			continue
		}
		if d, err := time.ParseDuration(val); err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", name, val))
		}
	}

	seen := map[string]bool{}
	for i, ep := range c.Lookup.Endpoints {
		if ep.ID == "" || ep.Path == "" || ep.Parameter == "" {
			errs = append(errs, fmt.Errorf("lookup.endpoints[%d] requires id, path and parameter", i))
			continue
		}
		if seen[ep.ID] {
			errs = append(errs, fmt.Errorf("lookup.endpoints: duplicate id %q", ep.ID))
		}
		seen[ep.ID] = true
	}
	if len(c.Lookup.Endpoints) > 0 && c.Lookup.BaseURL == "" {
		errs = append(errs, errors.New("lookup.base_url is required when endpoints are configured"))
	}
	return errors.Join(errs...)
}

// Duration parses a configured duration, falling back to def when the value
// is empty. Values have already passed Validate.
func Duration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

// Addr returns the host:port the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	header := "# devicegate configuration\n" +
		"# Every setting can be overridden with a DEVICEGATE_ environment variable,\n" +
		"# e.g. DEVICEGATE_STORE_BACKEND=postgres.\n" +
		"# Set admin.secret_hash to the output of 'devicegate admin hash-secret'.\n\n"
	return os.WriteFile(path, append([]byte(header), data...), 0644)
}
