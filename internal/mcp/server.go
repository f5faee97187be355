// Package mcp exposes script control to MCP clients.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/quantrun/internal/mcp/handlers"
	"github.com/btouchard/quantrun/internal/orchestrator"
)

// Deps holds shared dependencies injected into MCP handlers.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Runs         handlers.RunLister
	Version      string
}

// NewServer creates and configures the MCP server with all tools registered.
func NewServer(deps *Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"quantrun",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	registerTools(s, deps)

	return s
}
