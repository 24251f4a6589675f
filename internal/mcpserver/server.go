package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all deal tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowsync", "0.1.0")
	client := NewDealClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetDeal, h.HandleGetDeal)
	s.AddTool(ToolListActions, h.HandleListActions)
	s.AddTool(ToolRequestAction, h.HandleRequestAction)
	s.AddTool(ToolReconcileDeal, h.HandleReconcileDeal)
	s.AddTool(ToolListSessions, h.HandleListSessions)

	return s
}
