package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type logger struct {
	once sync.Once
	out  io.Writer
	log  *slog.Logger
}

// SetLogOutput redirects log output, mostly for tests and the MCP stdio server.
func (c *Config) SetLogOutput(w io.Writer) {
	c.logger.Store(&logger{out: w})
}

// Logger returns the structured logger backing Log.
func (c *Config) Logger() *slog.Logger {
	l := c.logger.Load()
	if l == nil {
		c.logger.CompareAndSwap(nil, &logger{out: os.Stderr})
		l = c.logger.Load()
	}
	l.once.Do(func() {
		l.log = slog.New(slog.NewTextHandler(l.out, &slog.HandlerOptions{
			Level: parseLevel(c.Logging.Level),
		}))
	})
	return l.log
}

// Log writes a message when the configured verbosity is at least level.
// Level 0 messages are always written.
func (c *Config) Log(level int, format string, args ...any) {
	if c == nil || level > c.Logging.Verbosity {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.Logger().Info(msg, "v", level)
}

// Error logs an error regardless of verbosity.
func (c *Config) Error(format string, args ...any) {
	if c == nil {
		return
	}
	c.Logger().Error(fmt.Sprintf(format, args...))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
