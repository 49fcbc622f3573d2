package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/devicegate/devicegate/internal/admin"
)

const (
	// StatsURI names the dashboard statistics resource.
	StatsURI = "devicegate://stats"
	// KeyStatsTemplate names the statistics of one key.
	KeyStatsTemplate = "devicegate://keys/{key_id}/stats"

	keyStatsPrefix = "devicegate://keys/"
	keyStatsSuffix = "/stats"
)

func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			StatsURI,
			"Dashboard Statistics",
			mcp.WithResourceDescription(
				"Totals of access keys, device registrations and audit events, "+
					"with the most recent audit events.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleStatsResource,
	)

	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			KeyStatsTemplate,
			"Key Statistics",
			mcp.WithTemplateDescription("Audit totals and device counts of a single access key."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleKeyStatsResource,
	)
}

func (s *MCPServer) handleStatsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := s.admin.DashboardStats(ctx, admin.DefaultRecentEvents)
	if err != nil {
		return nil, fmt.Errorf("dashboard stats: %w", err)
	}
	return jsonContents(StatsURI, stats)
}

func (s *MCPServer) handleKeyStatsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	keyID, ok := keyIDFromURI(uri)
	if !ok {
		return nil, fmt.Errorf("invalid key stats uri %q", uri)
	}
	stats, err := s.admin.KeyStats(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("key %s stats: %w", keyID, err)
	}
	return jsonContents(uri, stats)
}

// keyIDFromURI extracts the key id of a devicegate://keys/{key_id}/stats URI.
func keyIDFromURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, keyStatsPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, keyStatsSuffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(b)},
	}, nil
}
