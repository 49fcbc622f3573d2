package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/devicegate/devicegate/internal/store"
)

// Failures are reported as error results, not Go errors, so the agent sees
// the message and the session stays open.

// argString returns a trimmed string argument, or "" when absent.
func argString(request mcp.CallToolRequest, key string) string {
	return strings.TrimSpace(request.GetString(key, ""))
}

// requireArg returns a non-blank string argument.
func requireArg(request mcp.CallToolRequest, key string) (string, error) {
	if v := argString(request, key); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("missing required parameter %q", key)
}

func argInt(request mcp.CallToolRequest, key string, def int) int {
	return request.GetInt(key, def)
}

// jsonResult renders v as indented JSON text.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func failure(format string, args ...any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

// storeHints turns store sentinels into instructions an agent can act on.
var storeHints = []struct {
	err  error
	hint string
}{
	{store.ErrNotFound, "not found"},
	{store.ErrQuotaExceeded, "the key has no free device slot; raise max_devices or remove a device first"},
	{store.ErrDuplicateSecret, "a key with this secret already exists"},
	{store.ErrInvalidMaxDevices, "max_devices must be at least 1"},
}

func storeFailure(action string, err error) (*mcp.CallToolResult, error) {
	for _, h := range storeHints {
		if errors.Is(err, h.err) {
			return failure("%s: %s", action, h.hint)
		}
	}
	return failure("%s: %v", action, err)
}
