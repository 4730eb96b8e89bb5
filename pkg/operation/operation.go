package operation

import (
	"github.com/go-training/netsuite-mcp/pkg/operation/netsuite"

	"github.com/mark3labs/mcp-go/server"
)

/*
RegisterConnectionTools registers the NetSuite connection tools to the specified MCPServer instance.

Parameters:
  - s: Pointer to the MCPServer instance where the tools will be registered.
  - conns: Source of per-session connections read by the tools.

This function registers list_remote_tools and show_connection, both read operations.
*/
func RegisterConnectionTools(s *server.MCPServer, conns netsuite.ConnectionSource) {
	tool := &Tool{}
	h := netsuite.NewHandlers(conns)

	tool.RegisterRead(server.ServerTool{
		Tool:    netsuite.ListRemoteToolsTool,
		Handler: h.HandleListRemoteTools,
	})
	tool.RegisterRead(server.ServerTool{
		Tool:    netsuite.ShowConnectionTool,
		Handler: h.HandleShowConnection,
	})

	s.AddTools(tool.Tools()...)
}

// Tool collects the ServerTools to be registered with an MCPServer.
type Tool struct {
	read []server.ServerTool
}

// RegisterRead registers a ServerTool as a read operation.
func (t *Tool) RegisterRead(s server.ServerTool) {
	t.read = append(t.read, s)
}

// Tools returns all registered ServerTools in registration order.
func (t *Tool) Tools() []server.ServerTool {
	return append([]server.ServerTool(nil), t.read...)
}
