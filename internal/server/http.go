package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/zot/lua-embed/internal/config"
	"github.com/zot/lua-embed/internal/host"
	"github.com/zot/lua-embed/internal/worker"
)

// HTTPEndpoint runs Lua scripts from the script directory as HTTP handlers.
type HTTPEndpoint struct {
	config     *config.Config
	engine     *worker.Engine
	wsEndpoint *WebSocketEndpoint
	mux        *http.ServeMux
}

// NewHTTPEndpoint creates a new HTTP endpoint.
func NewHTTPEndpoint(cfg *config.Config, engine *worker.Engine, ws *WebSocketEndpoint) *HTTPEndpoint {
	h := &HTTPEndpoint{
		config:     cfg,
		engine:     engine,
		wsEndpoint: ws,
		mux:        http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

func (h *HTTPEndpoint) setupRoutes() {
	h.mux.HandleFunc("/", h.handleScript)
	h.mux.HandleFunc("/ws", h.handleWebSocket)
	h.mux.HandleFunc("/_status", h.handleStatus)
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPEndpoint) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsEndpoint.HandleWebSocket(w, r)
}

type status struct {
	Active      int `json:"active"`
	CachedFiles int `json:"cachedScripts"`
	CacheHits   int `json:"cacheHits"`
	CacheMisses int `json:"cacheMisses"`
}

func (h *HTTPEndpoint) handleStatus(w http.ResponseWriter, r *http.Request) {
	cache := h.engine.Cache()
	hits, misses := cache.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status{
		Active:      h.engine.Active(),
		CachedFiles: cache.Len(),
		CacheHits:   hits,
		CacheMisses: misses,
	})
}

// handleScript runs the .lua file named by the request path. The response
// is produced by the script through its host stream; the handler waits
// until the request has torn down.
func (h *HTTPEndpoint) handleScript(w http.ResponseWriter, r *http.Request) {
	path, err := h.engine.Cache().Resolve(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	id := uuid.NewString()
	stream := newResponseStream(h.config, h.engine.Loop(), w, r)
	req := worker.Request{
		Name:       r.URL.Path,
		Path:       path,
		Stream:     stream.object(),
		Args:       queryArgs(r),
		ServerVars: serverVars(r, path, id),
		Init:       headerInit(r.Header.Clone()),
	}

	done := make(chan struct{})
	_, err = h.engine.Loop().Call(func() (any, error) {
		_, err := h.engine.Request(req, func(result any, err error) {
			defer close(done)
			h.finish(stream, id, result, err)
		})
		return nil, err
	})
	if err != nil {
		h.writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	select {
	case <-done:
	case <-h.engine.Loop().Stopped():
		// the callback will never be delivered
		h.config.Log(0, "http: request %s abandoned, host loop stopped", id)
		if !stream.wroteHeader {
			h.writeError(w, "server stopped", http.StatusServiceUnavailable)
		}
	}
}

// finish completes the response once the script is over. Host loop only.
func (h *HTTPEndpoint) finish(s *responseStream, id string, result any, err error) {
	if err != nil {
		h.config.Log(0, "http: request %s failed: %v", id, err)
		if !s.wroteHeader {
			s.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			s.status = http.StatusInternalServerError
			s.commit()
			fmt.Fprintln(s.w, err.Error())
		}
		return
	}
	if !s.wroteHeader && result != nil {
		s.commit()
		fmt.Fprint(s.w, result)
		return
	}
	s.commit()
	h.config.Log(1, "http: request %s done, %d bytes", id, s.written)
}

func (h *HTTPEndpoint) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(frame{Error: message})
}

// queryArgs turns the query string into name=value arguments, sorted by name.
func queryArgs(r *http.Request) []string {
	q := r.URL.Query()
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	slices.Sort(names)
	var args []string
	for _, name := range names {
		for _, v := range q[name] {
			args = append(args, name+"="+v)
		}
	}
	return args
}

func serverVars(r *http.Request, path, id string) map[string]string {
	vars := map[string]string{
		"REQUEST_ID":      id,
		"REQUEST_METHOD":  r.Method,
		"REQUEST_URI":     r.URL.RequestURI(),
		"QUERY_STRING":    r.URL.RawQuery,
		"SCRIPT_NAME":     r.URL.Path,
		"SCRIPT_FILENAME": path,
		"SERVER_NAME":     r.Host,
		"SERVER_PROTOCOL": r.Proto,
		"REMOTE_ADDR":     r.RemoteAddr,
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		vars["CONTENT_TYPE"] = ct
	}
	if r.ContentLength >= 0 {
		vars["CONTENT_LENGTH"] = strconv.FormatInt(r.ContentLength, 10)
	}
	return vars
}

// headerInit returns the server init function, which adds an HTTP_* entry
// to SERVER for every request header and then calls back.
func headerInit(header http.Header) *host.Object {
	return host.NewFunc(func(_ *host.Object, args []any) (any, error) {
		var server *host.Object
		if len(args) > 0 {
			server, _ = args[0].(*host.Object)
		}
		if server == nil {
			return nil, host.TypeError("server object expected")
		}
		names := make([]string, 0, len(header))
		for name := range header {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
			if err := server.Set(host.Name(key), strings.Join(header[name], ", ")); err != nil {
				return nil, err
			}
		}
		if cb := callbackArg(args, 1); cb != nil {
			return cb.Call([]any{nil, nil})
		}
		return nil, nil
	})
}
