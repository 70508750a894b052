// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cast"
)

// Config holds all configuration settings for lua-embed.
type Config struct {
	Server  ServerConfig  `toml:"server" json:"server"`
	Lua     LuaConfig     `toml:"lua" json:"lua"`
	Request RequestConfig `toml:"request" json:"request"`
	Logging LoggingConfig `toml:"logging" json:"logging"`

	// ConfigFile is the TOML file that was loaded, if any.
	ConfigFile string `toml:"-" json:"-"`

	logger atomic.Pointer[logger]
}

// ServerConfig holds HTTP front end settings.
type ServerConfig struct {
	Host      string `toml:"host" json:"host" validate:"required"`
	Port      int    `toml:"port" json:"port" validate:"gte=0,lte=65535"`
	ScriptDir string `toml:"script_dir" json:"script_dir" validate:"required"`
	Watch     bool   `toml:"watch" json:"watch"`
}

// LuaConfig holds interpreter settings applied to every request.
type LuaConfig struct {
	Path        string `toml:"path" json:"path" jsonschema:"description=Value prepended to package.path"`
	StartupFile string `toml:"startup_file" json:"startup_file" jsonschema:"description=Script run before every request"`
	ModuleDir   string `toml:"module_dir" json:"module_dir" jsonschema:"description=Directory searched by require"`
}

// RequestConfig holds per-request channel settings.
type RequestConfig struct {
	CallTimeout   Duration `toml:"call_timeout" json:"call_timeout" jsonschema:"type=string,description=Bound on a synchronous cross-boundary call (0 = wait forever)"`
	QueueCapacity int      `toml:"queue_capacity" json:"queue_capacity" validate:"gte=2"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level" json:"level" validate:"oneof=debug info warn error"`
	Verbosity int    `toml:"verbosity" json:"verbosity" validate:"gte=0,lte=4"` // 0=none, 1=lifecycle, 2=messages, 3=handles, 4=values
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' {
			allV := true
			for _, c := range arg[1:] {
				if c != 'v' {
					allV = false
					break
				}
			}
			if allV {
				for range arg[1:] {
					result = append(result, "-v")
				}
				continue
			}
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8080,
			ScriptDir: "scripts",
		},
		Request: RequestConfig{
			QueueCapacity: 1024,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults.
// Positional arguments left after the flags are returned alongside the config.
func Load(name string, args []string) (*Config, []string, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configFile := fs.String("config", "lua-embed.toml", "TOML configuration file")

	host := fs.String("host", "", "HTTP listen address")
	port := fs.Int("port", 0, "HTTP listen port")
	scriptDir := fs.String("dir", "", "Directory holding request scripts")
	watch := fs.Bool("watch", false, "Recompile scripts when they change on disk")

	luaPath := fs.String("lua-path", "", "Value prepended to package.path")
	startup := fs.String("startup", "", "Script run before every request")
	moduleDir := fs.String("module-dir", "", "Directory searched by require")

	callTimeout := fs.Duration("call-timeout", 0, "Bound on synchronous cross-boundary calls (0=none)")
	queueCap := fs.Int("queue-capacity", 0, "Per-direction message queue capacity")

	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if err := cfg.loadTOML(*configFile); err == nil {
		cfg.ConfigFile = *configFile
	} else if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("loading %s: %w", *configFile, err)
	}

	cfg.applyEnv()

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *scriptDir != "" {
		cfg.Server.ScriptDir = *scriptDir
	}
	if *watch {
		cfg.Server.Watch = true
	}
	if *luaPath != "" {
		cfg.Lua.Path = *luaPath
	}
	if *startup != "" {
		cfg.Lua.StartupFile = *startup
	}
	if *moduleDir != "" {
		cfg.Lua.ModuleDir = *moduleDir
	}
	if *callTimeout != 0 {
		cfg.Request.CallTimeout = Duration(*callTimeout)
	}
	if *queueCap != 0 {
		cfg.Request.QueueCapacity = *queueCap
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies LUA_EMBED_* environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("LUA_EMBED_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("LUA_EMBED_PORT"); v != "" {
		if port, err := cast.ToIntE(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("LUA_EMBED_DIR"); v != "" {
		c.Server.ScriptDir = v
	}
	if v := os.Getenv("LUA_EMBED_WATCH"); v != "" {
		c.Server.Watch = cast.ToBool(v)
	}
	if v := os.Getenv("LUA_EMBED_LUA_PATH"); v != "" {
		c.Lua.Path = v
	}
	if v := os.Getenv("LUA_EMBED_STARTUP"); v != "" {
		c.Lua.StartupFile = v
	}
	if v := os.Getenv("LUA_EMBED_MODULE_DIR"); v != "" {
		c.Lua.ModuleDir = v
	}
	if v := os.Getenv("LUA_EMBED_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Request.CallTimeout = Duration(d)
		}
	}
	if v := os.Getenv("LUA_EMBED_QUEUE_CAPACITY"); v != "" {
		if n, err := cast.ToIntE(v); err == nil {
			c.Request.QueueCapacity = n
		}
	}
	if v := os.Getenv("LUA_EMBED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LUA_EMBED_VERBOSITY"); v != "" {
		if verbosity, err := cast.ToIntE(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Verbosity returns the configured verbosity level (0-4).
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
