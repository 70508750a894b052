package worker

import (
	"context"
	"errors"
	"sync"

	"code.hybscloud.com/atomix"

	"github.com/zot/lua-embed/internal/config"
	"github.com/zot/lua-embed/internal/host"
	"github.com/zot/lua-embed/internal/script"
)

// ErrEngineShutdown is returned by Request after Shutdown.
var ErrEngineShutdown = errors.New("engine shut down")

// Engine starts request workers against one host loop.
type Engine struct {
	config *config.Config
	loop   *host.Loop
	cache  *script.Cache

	serial atomix.Uint32

	initOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	workers  map[uint32]*Worker
	closed   bool
	shutdown sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates an engine. Nothing is started until the first request.
func NewEngine(cfg *config.Config, loop *host.Loop, cache *script.Cache) *Engine {
	if cache == nil {
		cache = script.NewCache(cfg, cfg.Server.ScriptDir)
	}
	return &Engine{
		config:  cfg,
		loop:    loop,
		cache:   cache,
		workers: make(map[uint32]*Worker),
	}
}

// Loop returns the host loop requests run against.
func (e *Engine) Loop() *host.Loop {
	return e.loop
}

// Cache returns the compile cache.
func (e *Engine) Cache() *script.Cache {
	return e.cache
}

func (e *Engine) ensureInit() {
	e.initOnce.Do(func() {
		e.ctx, e.cancel = context.WithCancel(context.Background())
		e.config.Log(1, "engine: initialized (startup file %q)", e.config.Lua.StartupFile)
	})
}

// Request validates req and starts a worker for it. cb is called on the
// host loop with the script's result once the worker has torn down.
// Host loop only.
func (e *Engine) Request(req Request, cb Callback) (*Worker, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, host.TypeError("callback expected")
	}
	e.ensureInit()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineShutdown
	}
	w := newWorker(e, e.serial.Add(1), req, cb)
	e.workers[w.id] = w
	e.wg.Add(1)
	e.mu.Unlock()

	w.start(e.ctx)
	return w, nil
}

func (e *Engine) remove(w *Worker) {
	e.mu.Lock()
	delete(e.workers, w.id)
	e.mu.Unlock()
	e.wg.Done()
}

// Active returns the number of requests still running.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// Shutdown refuses new requests and cancels running scripts. Each worker
// still tears down through its channel. It is safe to call more than once
// and before any request ran.
func (e *Engine) Shutdown() {
	e.shutdown.Do(func() {
		e.mu.Lock()
		e.closed = true
		n := len(e.workers)
		e.mu.Unlock()
		e.ensureInit()
		e.cancel()
		e.config.Log(1, "engine: shutdown, %d requests running", n)
	})
}

// Wait blocks until every worker has torn down or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
