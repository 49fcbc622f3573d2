package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devicegate/devicegate/internal/logging"
	dmcp "github.com/devicegate/devicegate/internal/mcp"
	"github.com/devicegate/devicegate/internal/notify"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes key, device and
audit administration as tools for AI agents. Supports stdio (default) and HTTP
transports.

In stdio mode, the MCP server communicates over stdin/stdout using JSON-RPC,
suitable for clients that launch the server as a subprocess.

In HTTP mode, the server listens on the specified port using the streamable
HTTP transport.`,
		Example: `  devicegate mcp                            # stdio mode
  devicegate mcp --transport http --port 3001  # HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("transport") {
				transport = ""
			}
			if !cmd.Flags().Changed("port") {
				port = 0
			}
			return runMCP(transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http (default: mcp.transport)")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port, only used with --transport http (default: mcp.port)")

	return cmd
}

func runMCP(transport string, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if transport == "" {
		transport = cfg.MCP.Transport
	}
	if port == 0 {
		port = cfg.MCP.Port
	}

	// stdout carries the protocol in stdio mode, so logs always go to
	// stderr or the configured file.
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Changes made here reach the API server's event stream when both
	// share a Redis server.
	var publisher notify.Publisher
	if cfg.Notify.RedisURL != "" {
		bridge, err := notify.NewRedisBridge(ctx, cfg.Notify.RedisURL, cfg.Notify.Channel, notify.NewBus(logger), logger)
		if err != nil {
			return err
		}
		defer bridge.Close()
		publisher = bridge
	}

	st, err := openStore(ctx, cfg, publisher, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	mcpSrv := dmcp.NewMCPServer(newAdminService(st, nil, cfg, logger), appVersion, logger)

	switch transport {
	case "stdio":
		return mcpSrv.ServeStdio(ctx)
	case "http":
		addr := fmt.Sprintf(":%d", port)
		return mcpSrv.ServeHTTP(ctx, addr)
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
