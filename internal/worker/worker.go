// Package worker runs script requests. Each request gets its own Lua state
// on a dedicated goroutine and its own bridge channel to the host loop.
package worker

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/lua-embed/internal/bridge"
	"github.com/zot/lua-embed/internal/config"
	"github.com/zot/lua-embed/internal/host"
)

// State is the lifecycle state of a Worker.
type State uint32

const (
	Created State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// Worker executes one request. Its host half lives on the engine's loop;
// its embedded half is the goroutine that owns the Lua state.
type Worker struct {
	id     uint32
	engine *Engine
	config *config.Config
	req    Request
	cb     Callback

	ch    *bridge.Channel
	store *bridge.MapStore

	// handles of the stream and init function, issued on the host loop
	// before the embedded goroutine starts
	stream bridge.Handle
	init   bridge.Handle

	state    atomic.Uint32
	active   atomic.Bool
	teardown sync.Once
	done     chan struct{}
}

func newWorker(e *Engine, id uint32, req Request, cb Callback) *Worker {
	store := bridge.NewMapStore()
	w := &Worker{
		id:     id,
		engine: e,
		config: e.config,
		req:    req,
		cb:     cb,
		store:  store,
		done:   make(chan struct{}),
	}
	w.ch = bridge.NewChannel(e.loop, store, bridge.Options{
		CallTimeout:   e.config.Request.CallTimeout.Duration(),
		QueueCapacity: e.config.Request.QueueCapacity,
		Config:        e.config,
	})
	return w
}

// ID returns the request serial number.
func (w *Worker) ID() uint32 {
	return w.id
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Done is closed after teardown.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Channel returns the worker's bridge channel.
func (w *Worker) Channel() *bridge.Channel {
	return w.ch
}

// ProtocolViolations returns how many malformed host replies this request saw.
func (w *Worker) ProtocolViolations() int64 {
	return w.ch.ProtocolViolations()
}

func (w *Worker) String() string {
	return fmt.Sprintf("worker %d (%s)", w.id, w.State())
}

// start maps the host-side inputs and launches the embedded goroutine.
// Host loop only.
func (w *Worker) start(ctx context.Context) {
	w.stream = w.ch.IDForHostObject(w.req.Stream)
	if w.req.Init != nil {
		w.init = w.ch.IDForHostObject(w.req.Init)
	}
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	L := lua.NewState()
	L.SetContext(ctx)
	w.state.Store(uint32(Running))
	w.active.Store(true)
	w.config.Log(1, "%s: started %s", w, w.req.chunkName())

	result, err := w.execute(L)
	w.finish(L, result, err)
}

// execute prepares the Lua state and runs the startup file and the request
// chunk. The result is converted before the state is torn down.
func (w *Worker) execute(L *lua.LState) (any, error) {
	w.ch.Bind(L)
	w.openIO(L)
	w.setPackagePath(L)
	w.setArgs(L)
	w.initServer(L)

	if path := w.config.Lua.StartupFile; path != "" {
		proto, err := w.engine.cache.Load(path)
		if err != nil {
			return nil, fmt.Errorf("startup file: %w", err)
		}
		L.Push(L.NewFunctionFromProto(proto))
		if err := L.PCall(0, 0, nil); err != nil {
			return nil, luaError(err)
		}
	}

	var proto *lua.FunctionProto
	var err error
	if w.req.Source == "" {
		proto, err = w.engine.cache.Load(w.req.Path)
	} else {
		proto, err = w.engine.cache.Compile(w.req.chunkName(), w.req.Source)
	}
	if err != nil {
		return nil, err
	}
	L.Push(L.NewFunctionFromProto(proto))
	for _, a := range w.req.Args {
		L.Push(lua.LString(a))
	}
	if err := L.PCall(len(w.req.Args), 1, nil); err != nil {
		return nil, luaError(err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return resultValue(L, ret), nil
}

// finish tears the request down exactly once: host handles are cleared
// through the channel, pending messages are answered with the invalid
// placeholder, embedded handles are cleared, the state is closed and the
// callback is posted to the host loop.
func (w *Worker) finish(L *lua.LState, result any, err error) {
	w.teardown.Do(func() {
		if err != nil {
			w.state.Store(uint32(Failed))
		} else {
			w.state.Store(uint32(Completed))
		}
		w.active.Store(false)
		hostCleared, embeddedCleared := w.ch.Shutdown()
		L.Close()
		w.config.Log(1, "%s: finished, cleared %d host and %d embedded handles", w, hostCleared, embeddedCleared)

		cb := w.cb
		w.engine.loop.Post(func() {
			cb(result, err)
		})
		w.engine.remove(w)
		close(w.done)
	})
}

func luaError(err error) error {
	if apiErr, ok := err.(*lua.ApiError); ok && apiErr.Object != nil {
		msg := apiErr.Object.String()
		return &host.Exception{Value: msg, Message: msg}
	}
	return err
}

// resultValue converts the script's return value into a plain Go value.
// Anything that is not a scalar is returned as its string form.
func resultValue(L *lua.LState, lv lua.LValue) any {
	switch x := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		f := float64(x)
		if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(x)
	}
	if fn := L.GetMetaField(lv, "__tostring"); fn != lua.LNil {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lv); err == nil {
			s := L.Get(-1).String()
			L.Pop(1)
			return s
		}
	}
	return lv.String()
}

func (w *Worker) setPackagePath(L *lua.LState) {
	pkg, ok := L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return
	}
	path := lua.LVAsString(L.GetField(pkg, "path"))
	if dir := w.config.Lua.ModuleDir; dir != "" {
		path = filepath.Join(dir, "?.lua") + ";" + path
	}
	if p := w.config.Lua.Path; p != "" {
		path = p + ";" + path
	}
	L.SetField(pkg, "path", lua.LString(path))
}

// setArgs builds the global arg table: arg[0] is the chunk name.
func (w *Worker) setArgs(L *lua.LState) {
	arg := L.CreateTable(len(w.req.Args), 1)
	arg.RawSetInt(0, lua.LString(w.req.chunkName()))
	for i, a := range w.req.Args {
		arg.RawSetInt(i+1, lua.LString(a))
	}
	L.SetGlobal("arg", arg)
}

// initServer builds the SERVER global. The server variables are copied in
// first; then the init function, if any, gets the table and a wait
// callback so it may finish filling it in asynchronously.
func (w *Worker) initServer(L *lua.LState) {
	server := L.NewTable()
	// a metatable gives the table object identity across the boundary
	L.SetMetatable(server, L.NewTable())

	keys := make([]string, 0, len(w.req.ServerVars))
	for k := range w.req.ServerVars {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		server.RawSetString(k, lua.LString(w.req.ServerVars[k]))
	}

	if w.init != bridge.Invalid {
		if _, err := w.ch.CallHost(w.init, w.ch.ValueFromLua(server), bridge.WaitValue); err != nil {
			w.config.Log(0, "%s: exception in server init function: %v", w, err)
		}
	}
	L.SetGlobal("SERVER", server)
}
