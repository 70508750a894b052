package mcp

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/lua-embed/internal/config"
	"github.com/zot/lua-embed/internal/host"
	"github.com/zot/lua-embed/internal/script"
	"github.com/zot/lua-embed/internal/worker"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.ScriptDir = dir
	cfg.SetLogOutput(io.Discard)

	loop := host.NewLoop(64)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	engine := worker.NewEngine(cfg, loop, script.NewCache(cfg, dir))
	t.Cleanup(func() {
		engine.Shutdown()
		waitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = engine.Wait(waitCtx)
		cancel()
	})
	return NewServer(cfg, engine), dir
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "text content expected, got %T", res.Content[0])
	return text.Text
}

func TestRunLua(t *testing.T) {
	s, _ := newTestServer(t)
	res, err := s.handleRunLua(context.Background(), callTool("run_lua", map[string]any{
		"source": `print("hello", ...) return {n = 1}`,
		"args":   []any{"a", "b"},
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "hello\ta\tb\n")
	assert.Contains(t, text, "result: ")
}

func TestRunLuaScalarResult(t *testing.T) {
	s, _ := newTestServer(t)
	res, err := s.handleRunLua(context.Background(), callTool("run_lua", map[string]any{
		"source": `io.write("x") return 40 + 2`,
	}))
	require.NoError(t, err)
	assert.Equal(t, "x\nresult: 42", resultText(t, res))
}

func TestRunLuaError(t *testing.T) {
	s, _ := newTestServer(t)
	res, err := s.handleRunLua(context.Background(), callTool("run_lua", map[string]any{
		"source": `print("before") error("boom")`,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "before\n")
	assert.Contains(t, text, "boom")

	res, err = s.handleRunLua(context.Background(), callTool("run_lua", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRunScript(t *testing.T) {
	s, dir := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sum.lua"), []byte(`
		local total = 0
		for _, v in ipairs(arg) do total = total + tonumber(v) end
		return total`), 0644))

	res, err := s.handleRunScript(context.Background(), callTool("run_script", map[string]any{
		"path": "sum.lua",
		"args": []any{"1", "2", "3"},
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "result: 6", resultText(t, res))

	for _, path := range []string{"missing.lua", "sum.txt"} {
		res, err = s.handleRunScript(context.Background(), callTool("run_script", map[string]any{"path": path}))
		require.NoError(t, err)
		assert.True(t, res.IsError, path)
	}
}

func TestStatusResource(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.handleRunLua(context.Background(), callTool("run_lua", map[string]any{"source": `return 1`}))
	require.NoError(t, err)

	contents, err := s.readStatus(context.Background(), mcp.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)

	var st engineStatus
	require.NoError(t, json.Unmarshal([]byte(text.Text), &st))
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 1, st.CachedScripts)
	assert.Equal(t, 1, st.CacheMisses)
}

func TestSchemaResource(t *testing.T) {
	s, _ := newTestServer(t)
	contents, err := s.readSchema(context.Background(), mcp.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text := contents[0].(mcp.TextResourceContents).Text
	assert.True(t, json.Valid([]byte(text)))
}

func TestRunResultText(t *testing.T) {
	assert.Equal(t, "", runResult{}.text())
	assert.Equal(t, "out\n", runResult{Output: "out"}.text())
	assert.Equal(t, "out\nerror: bad", runResult{Output: "out\n", Error: "bad"}.text())
	assert.Equal(t, `result: "s"`, runResult{Result: "s"}.text())
}
