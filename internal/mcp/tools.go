package mcp

import (
	"context"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/lua-embed/internal/worker"
)

func argsOption() mcp.ToolOption {
	return mcp.WithArray("args",
		mcp.Description("Arguments passed to the chunk as ... and arg[1..n]"),
		mcp.Items(map[string]any{"type": "string"}),
	)
}

// RunLuaTool runs a chunk of Lua source.
func RunLuaTool() mcp.Tool {
	return mcp.NewTool("run_lua",
		mcp.WithDescription("Run Lua source in a fresh interpreter and return its output and result"),
		mcp.WithString("source", mcp.Required(), mcp.Description("Lua source code")),
		argsOption(),
	)
}

// RunScriptTool runs a script from the script directory.
func RunScriptTool() mcp.Tool {
	return mcp.NewTool("run_script",
		mcp.WithDescription("Run a .lua file from the script directory and return its output and result"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Script path relative to the script directory")),
		argsOption(),
	)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(RunLuaTool(), s.handleRunLua)
	s.mcp.AddTool(RunScriptTool(), s.handleRunScript)
}

func (s *Server) handleRunLua(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.run(ctx, worker.Request{
		Name:   "mcp",
		Source: source,
		Args:   req.GetStringSlice("args", nil),
	}), nil
}

func (s *Server) handleRunScript(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := s.engine.Cache().Resolve(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return mcp.NewToolResultErrorf("%s: no such script", name), nil
	}
	return s.run(ctx, worker.Request{
		Name: name,
		Path: path,
		Args: req.GetStringSlice("args", nil),
	}), nil
}

// run executes req with a capturing stream and waits for it to finish.
// Script failures are tool errors, not protocol errors.
func (s *Server) run(ctx context.Context, req worker.Request) *mcp.CallToolResult {
	r := s.execute(ctx, req)
	s.config.Log(2, "mcp: %s finished: %d bytes of output, error %q", req.Name, len(r.Output), r.Error)
	if r.Error != "" {
		return mcp.NewToolResultError(r.text())
	}
	return mcp.NewToolResultText(r.text())
}

func (s *Server) execute(ctx context.Context, req worker.Request) runResult {
	c := &capture{}
	req.Stream = c.object()
	req.ServerVars = map[string]string{"REQUEST_METHOD": "MCP"}

	done := make(chan runResult, 1)
	_, err := s.engine.Loop().Call(func() (any, error) {
		return s.engine.Request(req, func(result any, err error) {
			r := runResult{Output: c.out.String(), Headers: c.headers, Result: result}
			if err != nil {
				r.Error = err.Error()
			}
			done <- r
		})
	})
	if err != nil {
		return runResult{Error: err.Error()}
	}
	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return runResult{Error: fmt.Sprintf("%s: %v", req.Name, ctx.Err())}
	}
}
