package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/devicegate/devicegate/internal/admin"
	"github.com/devicegate/devicegate/internal/config"
	"github.com/devicegate/devicegate/internal/notify"
	"github.com/devicegate/devicegate/internal/service"
	"github.com/devicegate/devicegate/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// store.data_dir (DEVICEGATE_STORE_DATA_DIR), or ~/.devicegate as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if dir := viper.GetString("store.data_dir"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".devicegate")
}

// loadConfig decodes the effective configuration and applies the data
// directory resolution.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	cfg.Store.DataDir = resolveDataDir()
	return cfg, nil
}

// cliLogger is used by one-shot commands, which only report problems.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// openStore opens the configured backend.
func openStore(ctx context.Context, cfg *config.Config, pub notify.Publisher, logger *slog.Logger) (store.Store, error) {
	s, err := store.NewRegistry().Open(ctx, store.Config{
		Backend:         cfg.Store.Backend,
		DSN:             cfg.Store.DSN,
		DataDir:         cfg.Store.DataDir,
		AuditRetention:  cfg.Store.AuditRetention,
		MaxOpenConns:    cfg.Store.Pool.MaxOpenConns,
		MaxIdleConns:    cfg.Store.Pool.MaxIdleConns,
		ConnMaxLifetime: config.Duration(cfg.Store.Pool.ConnMaxLifetime, 5*time.Minute),
	}, store.Options{Publisher: pub, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	return s, nil
}

// adminCredential returns the configured administrator credential, or nil
// when admin.secret_hash is unset.
func adminCredential(cfg *config.Config) (service.Credential, error) {
	if cfg.Admin.SecretHash == "" {
		return nil, nil
	}
	cred, err := service.NewBcryptCredential(cfg.Admin.SecretHash)
	if err != nil {
		return nil, fmt.Errorf("admin.secret_hash: %w", err)
	}
	return cred, nil
}

func newAdminService(s store.Store, cred service.Credential, cfg *config.Config, logger *slog.Logger) *admin.Service {
	return admin.New(s, cred, admin.Config{
		SecretPrefix:      cfg.Admin.SecretPrefix,
		DefaultMaxDevices: cfg.Admin.DefaultMaxDevices,
	}, logger)
}

// withAdmin opens the store for a one-shot command and runs fn against the
// admin service.
func withAdmin(fn func(ctx context.Context, svc *admin.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Backend == "memory" {
		return fmt.Errorf("the memory backend does not persist; management commands need sqlite or a network backend")
	}
	logger := cliLogger()
	ctx := context.Background()

	s, err := openStore(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(ctx, newAdminService(s, nil, cfg, logger))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(), "devicegate.pid")
}

func writePID(pid int) error {
	dir := resolveDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

func logFilePath() string {
	return filepath.Join(resolveDataDir(), "devicegate.log")
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
