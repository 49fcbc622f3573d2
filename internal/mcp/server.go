// Package mcp exposes the administrator operations as Model Context Protocol
// tools so agents can manage keys, devices and the audit log.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/devicegate/devicegate/internal/admin"
)

const shutdownTimeout = 10 * time.Second

// MCPServer wraps the mcp-go server with the devicegate tool and resource
// registrations.
type MCPServer struct {
	admin  *admin.Service
	logger *slog.Logger
	server *server.MCPServer
}

const instructions = "Administer devicegate access keys. Keys carry a device quota; " +
	"devices are registered the first time they validate. Blocking a device rejects it " +
	"without freeing its fingerprint, removing it frees a quota slot."

// NewMCPServer registers the devicegate tools and resources on a fresh
// mcp-go server.
func NewMCPServer(adminSvc *admin.Service, version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	s := &MCPServer{
		admin:  adminSvc,
		logger: logger.With("component", "mcp"),
	}
	s.server = server.NewMCPServer("devicegate", version,
		server.WithInstructions(instructions),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithRecovery(),
	)
	s.registerTools(s.server)
	s.registerResources(s.server)
	return s
}

// Server exposes the underlying mcp-go server.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio speaks the protocol on stdin/stdout until ctx ends or stdin
// closes.
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	stdio := server.NewStdioServer(s.server)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("serving MCP over stdio")
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP serves the Streamable HTTP transport on addr until ctx ends.
func (s *MCPServer) ServeHTTP(ctx context.Context, addr string) error {
	httpSrv := server.NewStreamableHTTPServer(s.server)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving MCP over HTTP", "addr", addr)
		errCh <- httpSrv.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// access classifies what a tool does to the stored data.
type access int

const (
	accessRead access = iota
	accessWrite
	accessDelete
)

// annotation describes a tool to clients. All tools act on the local store
// only, so none is open-world.
func annotation(a access) mcp.ToolAnnotation {
	readOnly, destructive, openWorld := a == accessRead, a == accessDelete, false
	return mcp.ToolAnnotation{
		ReadOnlyHint:    &readOnly,
		DestructiveHint: &destructive,
		OpenWorldHint:   &openWorld,
	}
}
