package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandVerbosityFlags(t *testing.T) {
	got := expandVerbosityFlags([]string{"-vvv", "-version", "--verbose", "x"})
	assert.Equal(t, []string{"-v", "-v", "-v", "-version", "--verbose", "x"}, got)
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, rest, err := Load("test", []string{"-config", filepath.Join(dir, "missing.toml"), "script.lua", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"script.lua", "a"}, rest)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1024, cfg.Request.QueueCapacity)
	assert.Zero(t, cfg.Request.CallTimeout.Duration())
	assert.Empty(t, cfg.ConfigFile)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9000
host = "0.0.0.0"
script_dir = "site"

[request]
call_timeout = "2s"

[logging]
verbosity = 1
`), 0o644))

	t.Setenv("LUA_EMBED_PORT", "9100")
	t.Setenv("LUA_EMBED_HOST", "")

	cfg, _, err := Load("test", []string{"-config", path, "-vv"})
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, 9100, cfg.Server.Port, "env beats TOML")
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "site", cfg.Server.ScriptDir)
	assert.Equal(t, 2*time.Second, cfg.Request.CallTimeout.Duration())
	assert.Equal(t, 2, cfg.Verbosity(), "flags beat TOML")

	cfg, _, err = Load("test", []string{"-config", path, "-port", "9200"})
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port, "flags beat env")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Logging.Level = "chatty"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Request.QueueCapacity = 1
	assert.Error(t, cfg.Validate())
}

func TestLogVerbosity(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.SetLogOutput(&buf)
	cfg.Logging.Verbosity = 1

	cfg.Log(1, "started %d", 7)
	cfg.Log(2, "hidden")
	out := buf.String()
	assert.Contains(t, out, "started 7")
	assert.NotContains(t, out, "hidden")

	var nilCfg *Config
	nilCfg.Log(0, "no panic")
}

func TestLoggerConcurrentFirstUse(t *testing.T) {
	cfg := DefaultConfig()
	loggers := make([]*slog.Logger, 8)
	var wg sync.WaitGroup
	for i := range loggers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loggers[i] = cfg.Logger()
		}()
	}
	wg.Wait()
	for _, l := range loggers {
		assert.Same(t, loggers[0], l)
	}
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "server")
	assert.Contains(t, props, "request")
}
