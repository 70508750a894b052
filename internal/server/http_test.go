package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zot/lua-embed/internal/config"
	"github.com/zot/lua-embed/internal/host"
	"github.com/zot/lua-embed/internal/script"
	"github.com/zot/lua-embed/internal/worker"
)

// newTestServer serves the given scripts from a temporary directory.
// Names ending in a slash are created as directories.
func newTestServer(t *testing.T, scripts map[string]string) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	for name, src := range scripts {
		if strings.HasSuffix(name, "/") {
			require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0755))
			continue
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0644))
	}

	cfg := config.DefaultConfig()
	cfg.Server.ScriptDir = dir
	cfg.SetLogOutput(io.Discard)

	loop := host.NewLoop(64)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	engine := worker.NewEngine(cfg, loop, script.NewCache(cfg, dir))
	srv := New(cfg, engine)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	})
	return ts
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestScriptResponse(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"hello.lua": `
			local request = require("request")
			request.header("Status: 201 Created")
			request.header("Content-Type: text/plain")
			request.header("X-Script: " .. arg[0])
			print("hi " .. SERVER.REQUEST_METHOD, ...)`,
	})

	resp, body := get(t, ts.URL+"/hello.lua?name=bob&a=1")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "/hello.lua", resp.Header.Get("X-Script"))
	assert.Equal(t, "hi GET\ta=1\tname=bob\n", body)
}

func TestStatusLine(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"gone.lua": `require("request").header("HTTP/1.1 410 Gone") io.write("gone")`,
	})
	resp, body := get(t, ts.URL+"/gone.lua")
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "gone", body)
}

func TestRequestBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"echo.lua": `
			local request = require("request")
			local parts = {}
			while true do
				local chunk = request.read(4)
				if chunk == "" then break end
				parts[#parts + 1] = chunk
			end
			io.write(SERVER.CONTENT_LENGTH, ":", table.concat(parts))`,
	})

	resp, err := http.Post(ts.URL+"/echo.lua", "text/plain", strings.NewReader("some payload"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "12:some payload", string(body))
}

func TestRequestHeadersInServer(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"headers.lua": `io.write(SERVER.HTTP_X_TEST_HEADER or "missing")`,
	})
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/headers.lua", nil)
	require.NoError(t, err)
	req.Header.Set("X-Test-Header", "present")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "present", string(body))
}

func TestResultWhenNothingWritten(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"answer.lua": `return 6 * 7`,
	})
	resp, body := get(t, ts.URL+"/answer.lua")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "42", body)
}

func TestScriptErrorIs500(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"fail.lua": `error("bad things")`,
	})
	resp, body := get(t, ts.URL+"/fail.lua")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "bad things")
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t, map[string]string{"x.lua": `io.write("x")`, "sub.lua/": ""})
	for _, path := range []string{"/missing.lua", "/x.txt", "/sub.lua"} {
		resp, _ := get(t, ts.URL+path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, map[string]string{"x.lua": `io.write("x")`})
	get(t, ts.URL+"/x.lua")
	get(t, ts.URL+"/x.lua")

	resp, body := get(t, ts.URL+"/_status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var st status
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, 1, st.CachedFiles)
	assert.Equal(t, 1, st.CacheMisses)
	assert.Equal(t, 1, st.CacheHits)
}

func TestWebSocketRun(t *testing.T) {
	ts := newTestServer(t, nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(runMessage{ID: "1", Source: `print("a") io.write("b") return ...`, Args: []string{"arg"}}))
	require.NoError(t, conn.WriteJSON(runMessage{ID: "2", Source: `error("nope")`}))

	var frames []frame
	for len(frames) < 4 {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		frames = append(frames, f)
	}
	assert.Equal(t, frame{ID: "1", Output: "a\n"}, frames[0])
	assert.Equal(t, frame{ID: "1", Output: "b"}, frames[1])
	assert.Equal(t, frame{ID: "1", Result: "arg", Done: true}, frames[2])
	assert.Equal(t, "2", frames[3].ID)
	assert.True(t, frames[3].Done)
	assert.Contains(t, frames[3].Error, "nope")
}

func TestHandlerReturnsWhenLoopStops(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spin.lua"), []byte(`while true do end`), 0644))
	cfg := config.DefaultConfig()
	cfg.SetLogOutput(io.Discard)
	loop := host.NewLoop(64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	engine := worker.NewEngine(cfg, loop, script.NewCache(cfg, dir))
	ts := httptest.NewServer(New(cfg, engine).Handler())
	t.Cleanup(func() {
		ts.Close()
		engine.Shutdown()
		waitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = engine.Wait(waitCtx)
	})

	status := make(chan int, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/spin.lua")
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()

	require.Eventually(t, func() bool { return engine.Active() == 1 }, 5*time.Second, 10*time.Millisecond)
	loop.Stop()
	select {
	case code := <-status:
		assert.Equal(t, http.StatusServiceUnavailable, code)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after the loop stopped")
	}
}
