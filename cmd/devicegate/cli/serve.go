package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devicegate/devicegate/internal/audit"
	"github.com/devicegate/devicegate/internal/config"
	"github.com/devicegate/devicegate/internal/gate"
	"github.com/devicegate/devicegate/internal/geo"
	"github.com/devicegate/devicegate/internal/logging"
	"github.com/devicegate/devicegate/internal/lookup"
	"github.com/devicegate/devicegate/internal/notify"
	"github.com/devicegate/devicegate/internal/server"
	"github.com/devicegate/devicegate/internal/service"
)

const banner = `
     _            _                       _
  __| | _____   _(_) ___ ___  __ _  __ _| |_ ___
 / _' |/ _ \ \ / / |/ __/ _ \/ _' |/ _' | __/ _ \
| (_| |  __/\ V /| | (_|  __/ (_| | (_| | ||  __/
 \__,_|\___| \_/ |_|\___\___|\__, |\__,_|\__\___|
                             |___/
`

func newServeCmd() *cobra.Command {
	var (
		port   int
		host   string
		daemon bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the devicegate API server",
		Long:  "Start the HTTP server that exposes the validation, lookup and admin APIs.",
		Example: `  devicegate serve
  devicegate serve --port 9090
  devicegate serve --daemon   # run in the background; see 'devicegate status'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				return startDaemon()
			}
			return runServe()
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "Run the server in the background")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

// startDaemon re-executes the binary without --daemon, detached from the
// terminal, with output appended to the log file.
func startDaemon() error {
	if pid, err := readPID(); err == nil && isProcessRunning(pid) {
		return fmt.Errorf("server is already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	var args []string
	for _, a := range os.Args[1:] {
		if a == "--daemon" || a == "-d" {
			continue
		}
		args = append(args, a)
	}

	if err := os.MkdirAll(resolveDataDir(), 0755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logFilePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setSysProcAttr(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	fmt.Printf("devicegate %s started in the background (PID %d)\n", versionString(), child.Process.Pid)
	fmt.Printf("  Logs: %s\n", logFilePath())
	fmt.Println("  Stop with 'devicegate stop'.")
	return child.Process.Release()
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Print(banner)
	fmt.Println()

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Change notifications, shared across instances when Redis is set
	bus := notify.NewBus(logger)
	var publisher notify.Publisher = bus
	if cfg.Notify.RedisURL != "" {
		bridge, err := notify.NewRedisBridge(ctx, cfg.Notify.RedisURL, cfg.Notify.Channel, bus, logger)
		if err != nil {
			return err
		}
		defer bridge.Close()
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logger.Error("redis relay stopped", "error", err)
			}
		}()
		publisher = bridge
	}

	// 2. Store
	st, err := openStore(ctx, cfg, publisher, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store opened", "backend", cfg.Store.Backend)

	// 3. Administrator credential and admin service
	cred, err := adminCredential(cfg)
	if err != nil {
		return err
	}
	if cred == nil {
		logger.Warn("admin.secret_hash is not set - admin logins are disabled; run: devicegate admin hash-secret")
	}
	adminSvc := newAdminService(st, cred, cfg, logger)

	if cfg.Store.SeedDemoKey {
		key, err := adminSvc.SeedDemoKey(ctx)
		if err != nil {
			return err
		}
		if key != nil {
			fmt.Printf("→ Demo key:   %s (max %d devices)\n", key.Secret, key.MaxDevices)
		}
	}

	// 4. Gate, audit recorder and lookup client
	g := gate.New(st, newResolver(cfg, logger), gate.Config{
		EnrichTimeout:  config.Duration(cfg.Gate.EnrichTimeout, gate.DefaultEnrichTimeout),
		StorageTimeout: config.Duration(cfg.Gate.StorageTimeout, gate.DefaultStorageTimeout),
	}, logger)

	recorder := audit.NewRecorder(st, audit.Config{
		QueueSize:    cfg.Audit.QueueSize,
		WriteTimeout: config.Duration(cfg.Audit.WriteTimeout, audit.DefaultWriteTimeout),
	}, logger)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := recorder.Close(drainCtx); err != nil {
			logger.Warn("audit queue not drained", "error", err)
		}
	}()

	var lookupClient *lookup.Client
	if cfg.Lookup.BaseURL != "" {
		endpoints := make([]lookup.Endpoint, len(cfg.Lookup.Endpoints))
		for i, ep := range cfg.Lookup.Endpoints {
			endpoints[i] = lookup.Endpoint(ep)
		}
		lookupClient = lookup.NewClient(cfg.Lookup.BaseURL, endpoints, config.Duration(cfg.Lookup.Timeout, lookup.DefaultTimeout), logger)
	}

	// 5. Sessions
	authSvc := service.NewAuthService(cred, cfg.Auth.JWTSecret)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is not set - admin sessions end when the server restarts")
	}

	// 6. HTTP server
	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second),
		CORSOrigins:     cfg.Server.CORS.Origins,
		LoginRateLimit:  cfg.Server.LoginRateLimit,
		SessionTTL:      config.Duration(cfg.Auth.JWTExpiry, service.DefaultSessionTTL),
		Version:         appVersion,
	}
	if cfg.Server.TLS.Enabled {
		srvCfg.TLSCertFile = cfg.Server.TLS.CertFile
		srvCfg.TLSKeyFile = cfg.Server.TLS.KeyFile
	}

	srv := server.New(srvCfg, server.Deps{
		Store:    st,
		Gate:     g,
		Lookup:   lookupClient,
		Recorder: recorder,
		Admin:    adminSvc,
		Auth:     authSvc,
		Bus:      bus,
	}, logger)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}
	defer removePID()

	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	total, active, err := st.CountKeys(ctx)
	if err != nil {
		logger.Warn("failed to count keys", "error", err)
	}
	fmt.Printf("→ devicegate %s\n", versionString())
	fmt.Printf("→ Listening on %s://%s\n", scheme, srv.Addr())
	fmt.Printf("→ Validate:   %s://%s/api/v1/validate\n", scheme, srv.Addr())
	fmt.Printf("→ OpenAPI:    %s://%s/openapi.json\n", scheme, srv.Addr())
	fmt.Printf("→ Health:     %s://%s/healthz\n", scheme, srv.Addr())
	fmt.Printf("→ Access keys: %d (%d active)\n", total, active)
	fmt.Println()

	return srv.ListenAndServe(ctx)
}

func newResolver(cfg *config.Config, logger *slog.Logger) geo.Resolver {
	if !cfg.Geo.Enabled {
		return geo.Nop{}
	}
	return geo.NewHTTPResolver(cfg.Geo.Endpoint, config.Duration(cfg.Geo.Timeout, geo.DefaultTimeout), logger)
}
