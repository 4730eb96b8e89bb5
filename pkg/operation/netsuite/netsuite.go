// Package netsuite provides MCP tools that expose the caller's NetSuite connection.
package netsuite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-training/netsuite-mcp/pkg/connection"
	"github.com/go-training/netsuite-mcp/pkg/core"

	"github.com/mark3labs/mcp-go/mcp"
)

// ConnectionSource looks up the connection of a session.
type ConnectionSource interface {
	Get(userID string) (*connection.Connection, bool)
}

// ListRemoteToolsTool defines the MCP tool listing the tools discovered on NetSuite.
var ListRemoteToolsTool = mcp.NewTool("list_remote_tools",
	mcp.WithDescription("List the NetSuite MCP tools discovered for the current session's connection."),
	mcp.WithString("filter",
		mcp.Description("Only return tools whose name contains this text (case-insensitive)."),
	),
)

// ShowConnectionTool defines the MCP tool describing the current connection.
var ShowConnectionTool = mcp.NewTool("show_connection",
	mcp.WithDescription("Show the state of the current session's NetSuite connection with the access token masked."),
)

// Handlers serves both tools from a ConnectionSource.
type Handlers struct {
	conns ConnectionSource
}

// NewHandlers returns Handlers reading connections from conns.
func NewHandlers(conns ConnectionSource) *Handlers {
	return &Handlers{conns: conns}
}

type toolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HandleListRemoteTools returns the session's remote tools as JSON.
func (h *Handlers) HandleListRemoteTools(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conn, result := h.lookup(ctx)
	if result != nil {
		return result, nil
	}

	filter, _ := req.GetArguments()["filter"].(string)
	filter = strings.ToLower(strings.TrimSpace(filter))

	tools := make([]toolSummary, 0, len(conn.Tools))
	for _, t := range conn.Tools {
		if filter != "" && !strings.Contains(strings.ToLower(t.Name()), filter) {
			continue
		}
		tools = append(tools, toolSummary{Name: t.Name(), Description: t.Description()})
	}

	data, err := json.Marshal(tools)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool list: %w", err)
	}
	core.LoggerFromCtx(ctx).Debug("listed remote tools", "count", len(tools))
	return mcp.NewToolResultText(string(data)), nil
}

// HandleShowConnection reports the session's connection without exposing secrets.
func (h *Handlers) HandleShowConnection(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conn, result := h.lookup(ctx)
	if result != nil {
		return result, nil
	}

	view := map[string]any{
		"account_id": conn.AccountID,
		"connected":  conn.Connected,
		"state":      conn.State,
		"tool_count": len(conn.Tools),
	}
	if conn.Tokens != nil {
		view["access_token"] = core.MaskToken(conn.Tokens.AccessToken)
		view["has_refresh_token"] = conn.Tokens.RefreshToken != ""
		if !conn.Tokens.ExpiresAt.IsZero() {
			view["expires_at"] = conn.Tokens.ExpiresAt
		}
	}

	data, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("failed to encode connection: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (h *Handlers) lookup(ctx context.Context) (*connection.Connection, *mcp.CallToolResult) {
	sessionID := core.SessionIDFromContext(ctx)
	if sessionID == "" {
		return nil, mcp.NewToolResultError("no session: sign in via /auth/login first")
	}
	conn, ok := h.conns.Get(sessionID)
	if !ok || !conn.Connected {
		return nil, mcp.NewToolResultError("not connected to NetSuite: sign in via /auth/login")
	}
	return conn, nil
}
