package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture redirects the standard streams for one test.
func capture(t *testing.T, input string) (out, errOut *bytes.Buffer) {
	t.Helper()
	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	oldIn, oldOut, oldErr := stdin, stdout, stderr
	stdin, stdout, stderr = strings.NewReader(input), out, errOut
	t.Cleanup(func() { stdin, stdout, stderr = oldIn, oldOut, oldErr })
	return out, errOut
}

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.lua")
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func TestRunCommand(t *testing.T) {
	out, errOut := capture(t, "from stdin")
	path := writeScript(t, `
		local request = require("request")
		print("args", ...)
		io.write("in:", request.read(4), request.read(100), "|", request.read(10), "\n")
		return SERVER.REQUEST_METHOD`)

	code := Run([]string{"run", path, "x", "y"})
	assert.Equal(t, 0, code, errOut.String())
	assert.Equal(t, "args\tx\ty\nin:from stdin|\n", out.String())
}

func TestRunCommandPrintsResult(t *testing.T) {
	out, _ := capture(t, "")
	path := writeScript(t, `return 6 * 7`)
	assert.Equal(t, 0, Run([]string{"run", path}))
	assert.Equal(t, "42\n", out.String())
}

func TestRunCommandErrors(t *testing.T) {
	_, errOut := capture(t, "")
	assert.Equal(t, 1, Run([]string{"run"}))
	assert.Contains(t, errOut.String(), "Usage")

	errOut.Reset()
	path := writeScript(t, `error("broken")`)
	assert.Equal(t, 1, Run([]string{"run", path}))
	assert.Contains(t, errOut.String(), "broken")

	errOut.Reset()
	assert.Equal(t, 1, Run([]string{"run", filepath.Join(t.TempDir(), "missing.lua")}))
	assert.NotEmpty(t, errOut.String())
}

func TestSchemaCommand(t *testing.T) {
	out, _ := capture(t, "")
	assert.Equal(t, 0, Run([]string{"schema"}))
	var schema map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &schema))
	assert.Equal(t, "lua-embed configuration", schema["title"])
}

func TestHelpAndVersion(t *testing.T) {
	out, _ := capture(t, "")
	hooks := &Hooks{
		CustomHelp:    func() string { return "extra help" },
		CustomVersion: func() string { return "extra version" },
	}
	assert.Equal(t, 0, RunWithHooks([]string{"help"}, hooks))
	assert.Contains(t, out.String(), "Usage: lua-embed")
	assert.Contains(t, out.String(), "extra help")

	out.Reset()
	assert.Equal(t, 0, RunWithHooks([]string{"version"}, hooks))
	assert.Contains(t, out.String(), "Lua Embed v")
	assert.Contains(t, out.String(), "extra version")
}

func TestUnknownCommand(t *testing.T) {
	_, errOut := capture(t, "")
	assert.Equal(t, 1, Run([]string{"frobnicate"}))
	assert.Contains(t, errOut.String(), "Unknown command: frobnicate")
}

func TestBeforeDispatchHook(t *testing.T) {
	capture(t, "")
	var seen []string
	hooks := &Hooks{
		BeforeDispatch: func(command string, args []string) (bool, int) {
			seen = append([]string{command}, args...)
			return command == "custom", 7
		},
	}
	assert.Equal(t, 7, RunWithHooks([]string{"custom", "a"}, hooks))
	assert.Equal(t, []string{"custom", "a"}, seen)
}

func TestEmbeddingAPI(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetLogOutput(io.Discard)
	loop := NewLoop(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	engine := NewEngine(cfg, loop, NewCache(cfg, t.TempDir()))

	var out strings.Builder
	stream := NewObject(
		"write", NewFunc(func(_ *Object, args []any) (any, error) {
			out.WriteString(args[0].(*Buffer).String())
			return nil, nil
		}),
		"sendHeader", NewFunc(func(*Object, []any) (any, error) { return nil, nil }),
		"read", NewFunc(func(*Object, []any) (any, error) { return nil, nil }),
	)

	done := make(chan any, 1)
	_, err := loop.Call(func() (any, error) {
		return engine.Request(Request{Source: `io.write("embedded") return 1`, Stream: stream}, func(result any, err error) {
			done <- result
		})
	})
	require.NoError(t, err)
	select {
	case result := <-done:
		assert.Equal(t, int64(1), result)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not finish")
	}
	assert.Equal(t, "embedded", out.String())

	engine.Shutdown()
	waitCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	assert.NoError(t, engine.Wait(waitCtx))
}
