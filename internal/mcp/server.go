// Package mcp exposes the script engine to AI agents as an MCP server.
package mcp

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/lua-embed/internal/config"
	"github.com/zot/lua-embed/internal/worker"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// Server implements an MCP server that runs Lua on an engine.
type Server struct {
	config *config.Config
	engine *worker.Engine
	mcp    *server.MCPServer
}

// NewServer creates a new MCP server with the standard tools and resources.
func NewServer(cfg *config.Config, engine *worker.Engine) *Server {
	s := &Server{
		config: cfg,
		engine: engine,
		mcp: server.NewMCPServer(
			"lua-embed",
			Version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
			server.WithInstructions("Runs Lua scripts in isolated interpreters. Output written with print or io.write is captured and returned with the script's result."),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Serve processes MCP messages from in until ctx is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.config.Log(1, "mcp: serving on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}
