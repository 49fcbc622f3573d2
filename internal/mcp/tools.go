package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/devicegate/devicegate/internal/admin"
)

// registerTools registers all devicegate MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Keys -----

	srv.AddTool(
		mcp.NewTool("devicegate_list_keys",
			mcp.WithDescription(
				"List all access keys, newest first. Returns each key's id, secret, name, "+
					"usage count, device limit and active flag.",
			),
			mcp.WithToolAnnotation(annotation(accessRead)),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("devicegate_create_key",
			mcp.WithDescription(
				"Create an access key. The secret is generated in the form PREFIX-XXXX-XXXX-XXXX "+
					"when omitted. max_devices defaults to the configured limit.",
			),
			mcp.WithToolAnnotation(annotation(accessWrite)),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Human readable name of the key"),
			),
			mcp.WithString("secret",
				mcp.Description("Explicit secret; must be unique"),
			),
			mcp.WithNumber("max_devices",
				mcp.Description("Number of devices the key may be used from (at least 1)"),
			),
		),
		s.handleCreateKey,
	)

	srv.AddTool(
		mcp.NewTool("devicegate_set_key_active",
			mcp.WithDescription("Activate or deactivate an access key. Inactive keys fail validation."),
			mcp.WithToolAnnotation(annotation(accessWrite)),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("Id of the key"),
			),
			mcp.WithBoolean("active",
				mcp.Required(),
				mcp.Description("New state of the key"),
			),
		),
		s.handleSetKeyActive,
	)

	srv.AddTool(
		mcp.NewTool("devicegate_set_max_devices",
			mcp.WithDescription(
				"Change the device limit of a key. Lowering the limit keeps existing "+
					"registrations; new devices are refused until the count drops below it.",
			),
			mcp.WithToolAnnotation(annotation(accessWrite)),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("Id of the key"),
			),
			mcp.WithNumber("max_devices",
				mcp.Required(),
				mcp.Description("New device limit (at least 1)"),
			),
		),
		s.handleSetMaxDevices,
	)

	srv.AddTool(
		mcp.NewTool("devicegate_delete_key",
			mcp.WithDescription("Delete an access key together with all its device registrations. Audit events are kept."),
			mcp.WithToolAnnotation(annotation(accessDelete)),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("Id of the key"),
			),
		),
		s.handleDeleteKey,
	)

	// ----- Devices -----

	srv.AddTool(
		mcp.NewTool("devicegate_list_devices",
			mcp.WithDescription("List device registrations ordered by last use, optionally for a single key."),
			mcp.WithToolAnnotation(annotation(accessRead)),
			mcp.WithString("key_id",
				mcp.Description("Only list devices of this key"),
			),
		),
		s.handleListDevices,
	)

	srv.AddTool(
		mcp.NewTool("devicegate_block_device",
			mcp.WithDescription("Block a device registration. The device is refused and its slot is freed."),
			mcp.WithToolAnnotation(annotation(accessWrite)),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Id of the device registration (not the fingerprint)"),
			),
		),
		s.handleBlockDevice,
	)

	srv.AddTool(
		mcp.NewTool("devicegate_unblock_device",
			mcp.WithDescription("Unblock a device registration. Fails when the key has no free slot."),
			mcp.WithToolAnnotation(annotation(accessWrite)),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Id of the device registration"),
			),
		),
		s.handleUnblockDevice,
	)

	srv.AddTool(
		mcp.NewTool("devicegate_remove_device",
			mcp.WithDescription("Delete a device registration, freeing its slot."),
			mcp.WithToolAnnotation(annotation(accessDelete)),
			mcp.WithString("device_id",
				mcp.Required(),
				mcp.Description("Id of the device registration"),
			),
		),
		s.handleRemoveDevice,
	)

	// ----- Audit and statistics -----

	srv.AddTool(
		mcp.NewTool("devicegate_list_audit",
			mcp.WithDescription("List audit events, newest first."),
			mcp.WithToolAnnotation(annotation(accessRead)),
			mcp.WithString("key_id",
				mcp.Description("Only events of this key"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of events (default 50, max 500)"),
			),
			mcp.WithNumber("offset",
				mcp.Description("Number of events to skip"),
			),
		),
		s.handleListAudit,
	)

	srv.AddTool(
		mcp.NewTool("devicegate_clear_audit",
			mcp.WithDescription("Delete every audit event."),
			mcp.WithToolAnnotation(annotation(accessDelete)),
		),
		s.handleClearAudit,
	)

	srv.AddTool(
		mcp.NewTool("devicegate_dashboard_stats",
			mcp.WithDescription("Totals of keys, devices and audit events plus the most recent events."),
			mcp.WithToolAnnotation(annotation(accessRead)),
			mcp.WithNumber("recent",
				mcp.Description("Number of recent events to include (default 10)"),
			),
		),
		s.handleDashboardStats,
	)
}

// --------------------------------------------------------------------------
// Key handlers
// --------------------------------------------------------------------------

func (s *MCPServer) handleListKeys(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys, err := s.admin.ListKeys(ctx)
	if err != nil {
		return storeFailure("Failed to list keys", err)
	}
	return jsonResult(keys)
}

func (s *MCPServer) handleCreateKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := requireArg(request, "name")
	if err != nil {
		return failure("%v", err)
	}
	maxDevices := argInt(request, "max_devices", 0)
	if maxDevices < 0 {
		return failure("max_devices must be at least 1")
	}

	key, err := s.admin.CreateKey(ctx, admin.CreateKeyInput{
		Name:       name,
		Secret:     argString(request, "secret"),
		MaxDevices: maxDevices,
	})
	if err != nil {
		return storeFailure("Failed to create key", err)
	}
	return jsonResult(key)
}

func (s *MCPServer) handleSetKeyActive(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireArg(request, "key_id")
	if err != nil {
		return failure("%v", err)
	}
	active, err := request.RequireBool("active")
	if err != nil {
		return failure("missing required parameter %q", "active")
	}
	if err := s.admin.SetKeyActive(ctx, id, active); err != nil {
		return storeFailure("Failed to update key", err)
	}
	return s.keyResult(ctx, id)
}

func (s *MCPServer) handleSetMaxDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireArg(request, "key_id")
	if err != nil {
		return failure("%v", err)
	}
	n, err := request.RequireInt("max_devices")
	if err != nil {
		return failure("missing required parameter %q", "max_devices")
	}
	if err := s.admin.SetKeyMaxDevices(ctx, id, n); err != nil {
		return storeFailure("Failed to update key", err)
	}
	return s.keyResult(ctx, id)
}

func (s *MCPServer) keyResult(ctx context.Context, id string) (*mcp.CallToolResult, error) {
	key, err := s.admin.GetKey(ctx, id)
	if err != nil {
		return storeFailure("Failed to load key", err)
	}
	return jsonResult(key)
}

func (s *MCPServer) handleDeleteKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireArg(request, "key_id")
	if err != nil {
		return failure("%v", err)
	}
	if err := s.admin.DeleteKey(ctx, id); err != nil {
		return storeFailure("Failed to delete key", err)
	}
	return jsonResult(map[string]any{"success": true, "key_id": id})
}

// --------------------------------------------------------------------------
// Device handlers
// --------------------------------------------------------------------------

func (s *MCPServer) handleListDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices, err := s.admin.ListDevices(ctx, argString(request, "key_id"))
	if err != nil {
		return storeFailure("Failed to list devices", err)
	}
	return jsonResult(devices)
}

func (s *MCPServer) handleBlockDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.deviceAction(ctx, request, s.admin.BlockDevice, "Failed to block device")
}

func (s *MCPServer) handleUnblockDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.deviceAction(ctx, request, s.admin.UnblockDevice, "Failed to unblock device")
}

func (s *MCPServer) handleRemoveDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.deviceAction(ctx, request, s.admin.RemoveDevice, "Failed to remove device")
}

func (s *MCPServer) deviceAction(
	ctx context.Context,
	request mcp.CallToolRequest,
	fn func(ctx context.Context, id string) error,
	failMsg string,
) (*mcp.CallToolResult, error) {
	id, err := requireArg(request, "device_id")
	if err != nil {
		return failure("%v", err)
	}
	if err := fn(ctx, id); err != nil {
		return storeFailure(failMsg, err)
	}
	return jsonResult(map[string]any{"success": true, "device_id": id})
}

// --------------------------------------------------------------------------
// Audit and statistics handlers
// --------------------------------------------------------------------------

func (s *MCPServer) handleListAudit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := max(1, min(argInt(request, "limit", admin.DefaultAuditLimit), admin.MaxAuditLimit))
	offset := argInt(request, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	events, err := s.admin.ListAuditEvents(ctx, argString(request, "key_id"), limit, offset)
	if err != nil {
		return storeFailure("Failed to list audit events", err)
	}
	return jsonResult(map[string]any{
		"events": events,
		"limit":  limit,
		"offset": offset,
		"count":  len(events),
	})
}

func (s *MCPServer) handleClearAudit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.admin.ClearAuditLog(ctx); err != nil {
		return storeFailure("Failed to clear audit log", err)
	}
	return jsonResult(map[string]any{"success": true})
}

func (s *MCPServer) handleDashboardStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.admin.DashboardStats(ctx, argInt(request, "recent", admin.DefaultRecentEvents))
	if err != nil {
		return storeFailure("Failed to compute stats", err)
	}
	return jsonResult(stats)
}
