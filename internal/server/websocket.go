package server

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zot/lua-embed/internal/config"
	"github.com/zot/lua-embed/internal/worker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// runMessage is a script sent over a WebSocket.
type runMessage struct {
	ID     string   `json:"id,omitempty"`
	Source string   `json:"source"`
	Args   []string `json:"args,omitempty"`
}

// frame is sent back for each chunk of output and once at the end of a
// request, carrying either the result or the error.
type frame struct {
	ID     string `json:"id,omitempty"`
	Output string `json:"output,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Done   bool   `json:"done,omitempty"`
}

// WebSocketEndpoint runs scripts received over WebSocket connections.
// Requests on one connection run one at a time, in order.
type WebSocketEndpoint struct {
	config      *config.Config
	engine      *worker.Engine
	connections map[string]*websocket.Conn
	mu          sync.RWMutex
}

// NewWebSocketEndpoint creates a new WebSocket endpoint.
func NewWebSocketEndpoint(cfg *config.Config, engine *worker.Engine) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		config:      cfg,
		engine:      engine,
		connections: make(map[string]*websocket.Conn),
	}
}

// Log logs a message via the config.
func (ws *WebSocketEndpoint) Log(level int, format string, args ...any) {
	ws.config.Log(level, format, args...)
}

// HandleWebSocket upgrades the connection and starts reading requests.
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}
	connectionID := uuid.NewString()

	ws.mu.Lock()
	ws.connections[connectionID] = conn
	ws.mu.Unlock()
	ws.Log(1, "WebSocket connected: conn=%s", connectionID)

	go ws.readPump(connectionID, conn)
}

// Connections returns the number of open connections.
func (ws *WebSocketEndpoint) Connections() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.connections)
}

// CloseAll closes every open connection.
func (ws *WebSocketEndpoint) CloseAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, conn := range ws.connections {
		conn.Close()
		delete(ws.connections, id)
	}
}

func (ws *WebSocketEndpoint) readPump(connectionID string, conn *websocket.Conn) {
	svc := make(ChanSvc, 16)
	RunSvc(svc)
	defer func() {
		close(svc)
		ws.mu.Lock()
		delete(ws.connections, connectionID)
		ws.mu.Unlock()
		conn.Close()
		ws.Log(1, "WebSocket disconnected: conn=%s", connectionID)
	}()

	for {
		var msg runMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ws.Log(0, "WebSocket error: %v", err)
			}
			return
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		Svc(svc, func() {
			ws.run(connectionID, conn, msg)
		})
	}
}

// run executes one script and waits for it. Every frame is written on the
// host loop, so writes to conn never overlap.
func (ws *WebSocketEndpoint) run(connectionID string, conn *websocket.Conn, msg runMessage) {
	send := func(f frame) error { return conn.WriteJSON(f) }
	stream := &socketStream{send: send, id: msg.ID}
	req := worker.Request{
		Name:   fmt.Sprintf("ws:%s", msg.ID),
		Source: msg.Source,
		Stream: stream.object(),
		Args:   msg.Args,
		ServerVars: map[string]string{
			"REQUEST_ID":    msg.ID,
			"CONNECTION_ID": connectionID,
		},
	}

	done := make(chan struct{})
	_, err := ws.engine.Loop().Call(func() (any, error) {
		_, err := ws.engine.Request(req, func(result any, err error) {
			defer close(done)
			f := frame{ID: msg.ID, Result: result, Done: true}
			if err != nil {
				f.Error = err.Error()
			}
			if err := send(f); err != nil {
				ws.Log(1, "WebSocket send failed: %v", err)
			}
		})
		return nil, err
	})
	if err != nil {
		_, _ = ws.engine.Loop().Call(func() (any, error) {
			return nil, send(frame{ID: msg.ID, Error: err.Error(), Done: true})
		})
		return
	}
	select {
	case <-done:
	case <-ws.engine.Loop().Stopped():
		ws.Log(0, "WebSocket request %s abandoned, host loop stopped", msg.ID)
	}
}
