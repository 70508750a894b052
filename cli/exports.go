// This file re-exports the engine and server for programs embedding lua-embed.
package cli

import (
	"github.com/zot/lua-embed/internal/host"
	"github.com/zot/lua-embed/internal/mcp"
	"github.com/zot/lua-embed/internal/script"
	"github.com/zot/lua-embed/internal/server"
	"github.com/zot/lua-embed/internal/worker"
)

// Re-export runtime types
type (
	Loop      = host.Loop
	Object    = host.Object
	Buffer    = host.Buffer
	Engine    = worker.Engine
	Request   = worker.Request
	Callback  = worker.Callback
	Worker    = worker.Worker
	Cache     = script.Cache
	Server    = server.Server
	MCPServer = mcp.Server
)

// Re-export constructors
var (
	NewLoop      = host.NewLoop
	NewObject    = host.NewObjectFrom
	NewFunc      = host.NewFunc
	NewEngine    = worker.NewEngine
	NewCache     = script.NewCache
	NewServer    = server.New
	NewMCPServer = mcp.NewServer
)
