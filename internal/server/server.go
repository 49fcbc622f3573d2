package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/devicegate/devicegate/internal/admin"
	"github.com/devicegate/devicegate/internal/handler"
	"github.com/devicegate/devicegate/internal/lookup"
	"github.com/devicegate/devicegate/internal/metrics"
	"github.com/devicegate/devicegate/internal/notify"
	"github.com/devicegate/devicegate/internal/server/middleware"
	"github.com/devicegate/devicegate/internal/service"
	"github.com/devicegate/devicegate/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	// LoginRateLimit is the number of admin login attempts per client IP per
	// minute; zero disables the limit.
	LoginRateLimit int
	SessionTTL     time.Duration
	TLSCertFile    string
	TLSKeyFile     string
	Version        string
}

const readyTimeout = 2 * time.Second

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		LoginRateLimit:  10,
		SessionTTL:      service.DefaultSessionTTL,
	}
}

// Deps are the collaborators the routes are served from.
type Deps struct {
	Store    store.Store
	Gate     handler.Validator
	Lookup   *lookup.Client
	Recorder handler.AuditRecorder
	Admin    *admin.Service
	Auth     *service.AuthService
	Bus      *notify.Bus
}

// Server is the top-level HTTP server for devicegate. It owns the Chi router
// and the collaborators the handlers use.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = notify.NewBus(logger)
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// --- Probes, metrics and API description (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", metrics.Handler())
	r.With(chimw.Compress(5)).Get("/openapi.json", handler.NewOpenAPIHandler(s.cfg.Version).ServeSpec)

	gateHandler := handler.NewGateHandler(s.deps.Gate, s.deps.Lookup, s.deps.Recorder, s.logger)
	sysHandler := handler.NewSystemHandler(s.deps.Admin, s.deps.Auth, s.cfg.SessionTTL, s.logger)
	eventsHandler := handler.NewEventsHandler(s.deps.Bus, s.logger)

	r.Route("/api/v1", func(r chi.Router) {
		// Key holder endpoints. The key itself is the credential.
		r.Group(func(r chi.Router) {
			r.Use(chimw.Compress(5))
			r.Post("/validate", gateHandler.Validate)
			r.Get("/lookup/endpoints", gateHandler.ListEndpoints)
			r.Post("/lookup", gateHandler.Lookup)
		})

		r.Route("/system", func(r chi.Router) {
			// Login is unauthenticated and throttled; logout is
			// self-authenticated.
			r.With(middleware.RateLimit(s.cfg.LoginRateLimit)).Post("/admin/session", sysHandler.Login)
			r.Delete("/admin/session", sysHandler.Logout)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Authenticate(s.deps.Auth))
				r.Use(middleware.RequireAdmin())

				// The websocket must not pass through the compressor.
				r.Get("/events", eventsHandler.Stream)

				r.Group(func(r chi.Router) {
					r.Use(chimw.Compress(5))

					// Key management
					r.Get("/key", sysHandler.ListKeys)
					r.Post("/key", sysHandler.CreateKey)
					r.Get("/key/{keyId}", sysHandler.GetKey)
					r.Delete("/key/{keyId}", sysHandler.DeleteKey)
					r.Put("/key/{keyId}/active", sysHandler.SetKeyActive)
					r.Put("/key/{keyId}/max-devices", sysHandler.SetKeyMaxDevices)
					r.Get("/key/{keyId}/stats", sysHandler.KeyStats)

					// Device management
					r.Get("/device", sysHandler.ListDevices)
					r.Post("/device/{deviceId}/block", sysHandler.BlockDevice)
					r.Post("/device/{deviceId}/unblock", sysHandler.UnblockDevice)
					r.Delete("/device/{deviceId}", sysHandler.RemoveDevice)

					// Audit log and statistics
					r.Get("/audit", sysHandler.ListAudit)
					r.Delete("/audit", sysHandler.ClearAudit)
					r.Get("/stats", sysHandler.Stats)
				})
			})
		})
	})

	s.router = r
}

type probeResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func writeProbe(w http.ResponseWriter, status int, body probeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// handleHealthz answers as long as the process serves requests.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, http.StatusOK, probeResponse{Status: "ok", Version: s.cfg.Version})
}

// handleReadyz reports 503 while the store does not answer a ping.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	resp := probeResponse{Status: "ok", Checks: map[string]string{"store": "ok"}}
	code := http.StatusOK
	if err := s.deps.Store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Checks["store"] = "error: " + err.Error()
		code = http.StatusServiceUnavailable
	}
	writeProbe(w, code, resp)
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

func (s *Server) tlsEnabled() bool {
	return s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != ""
}

// ListenAndServe serves until ctx ends, then drains in-flight requests for
// at most ShutdownTimeout. The store is closed by the caller.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.httpServer.Addr, "tls", s.tlsEnabled())
		var err error
		if s.tlsEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		serveErr <- err
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	case <-ctx.Done():
	}

	grace := s.cfg.ShutdownTimeout
	if grace <= 0 {
		grace = DefaultConfig().ShutdownTimeout
	}
	s.logger.Info("draining connections", "grace", grace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// ServeHTTP dispatches to the router, so tests can drive the server through
// httptest without listening.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
