package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server exposing the marketplace as tools. The
// API decides what the configured token may do; admin tools fail for
// ordinary users.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("bazaar", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetListing, h.HandleGetListing)
	s.AddTool(ToolCreateOrder, h.HandleCreateOrder)
	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolListOrders, h.HandleListOrders)
	s.AddTool(ToolOrderAction, h.HandleOrderAction)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)
	s.AddTool(ToolDisputeThread, h.HandleDisputeThread)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolCheckWallet, h.HandleCheckWallet)
	s.AddTool(ToolRequestWithdrawal, h.HandleRequestWithdrawal)
	s.AddTool(ToolListWithdrawals, h.HandleListWithdrawals)
	s.AddTool(ToolReconcile, h.HandleReconcile)

	return s
}
