// Package server serves Lua scripts over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/zot/lua-embed/internal/config"
	"github.com/zot/lua-embed/internal/script"
	"github.com/zot/lua-embed/internal/worker"
)

// Server is the script server.
type Server struct {
	config       *config.Config
	engine       *worker.Engine
	httpServer   *http.Server
	httpEndpoint *HTTPEndpoint
	wsEndpoint   *WebSocketEndpoint
	watcher      *script.Watcher
}

// New creates a server running requests on engine.
func New(cfg *config.Config, engine *worker.Engine) *Server {
	s := &Server{
		config: cfg,
		engine: engine,
	}
	s.wsEndpoint = NewWebSocketEndpoint(cfg, engine)
	s.httpEndpoint = NewHTTPEndpoint(cfg, engine, s.wsEndpoint)
	return s
}

// Handler returns the HTTP handler, for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.httpEndpoint
}

// Start starts watching scripts, if configured, and serves HTTP on the
// configured address. It returns the base URL.
func (s *Server) Start() (string, error) {
	if s.config.Server.Watch {
		w, err := script.NewWatcher(s.engine.Cache())
		if err != nil {
			return "", fmt.Errorf("failed to create script watcher: %w", err)
		}
		if err := w.Start(); err != nil {
			w.Stop()
			return "", fmt.Errorf("failed to watch %s: %w", s.engine.Cache().Dir(), err)
		}
		s.watcher = w
	}

	addr := s.config.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Update port in config if it was 0
	if s.config.Server.Port == 0 {
		_, portStr, _ := net.SplitHostPort(listener.Addr().String())
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}

	s.httpServer = &http.Server{Handler: s.httpEndpoint}
	go func() {
		s.config.Log(0, "HTTP server listening on %s", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.config.Log(0, "HTTP server error: %v", err)
		}
	}()

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.config.Server.Port), nil
}

// Shutdown cancels running scripts, stops accepting connections, closes
// WebSockets and waits for running requests to tear down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.engine.Shutdown()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wsEndpoint.CloseAll()
	if werr := s.engine.Wait(ctx); err == nil {
		err = werr
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	return err
}
