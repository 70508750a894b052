package bridge

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"weak"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/lua-embed/internal/config"
	"github.com/zot/lua-embed/internal/host"
)

// Options configures a Channel.
type Options struct {
	// CallTimeout bounds a synchronous call in either direction. Zero waits forever.
	CallTimeout time.Duration
	// QueueCapacity is the size of each direction's message queue.
	QueueCapacity int
	Config        *config.Config
}

// Channel pairs a host loop with one Lua state for the duration of a request.
type Channel struct {
	alloc   allocator
	loop    *host.Loop
	cfg     *config.Config
	timeout time.Duration

	// host loop only
	store   PersistentStore
	hostIDs map[weak.Pointer[host.Object]]Handle

	// embedded goroutine only
	L         *lua.LState
	embedIDs  map[lua.LValue]Handle
	embedded  []*embedEntry
	waitToken *lua.LUserData

	toHost     queue
	toEmbedded queue
	wake       chan struct{}

	violations atomic.Int64
}

// NewChannel creates a channel whose host side runs on loop and whose
// host-side representatives are owned by store.
func NewChannel(loop *host.Loop, store PersistentStore, opts Options) *Channel {
	if store == nil {
		store = NewMapStore()
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	c := &Channel{
		alloc:    newAllocator(),
		loop:     loop,
		cfg:      opts.Config,
		timeout:  opts.CallTimeout,
		store:    store,
		hostIDs:  make(map[weak.Pointer[host.Object]]Handle),
		embedIDs: make(map[lua.LValue]Handle),
		embedded: make([]*embedEntry, 1, 16),
		wake:     make(chan struct{}, 1),
	}
	c.toHost.init(opts.QueueCapacity)
	c.toEmbedded.init(opts.QueueCapacity)
	return c
}

// Loop returns the host loop the channel delivers to.
func (c *Channel) Loop() *host.Loop {
	return c.loop
}

// IsOpen reports whether the channel still issues handles.
func (c *Channel) IsOpen() bool {
	return c.alloc.isOpen()
}

// ProtocolViolations returns how many malformed replies were recorded.
func (c *Channel) ProtocolViolations() int64 {
	return c.violations.Load()
}

// RecordViolation logs a protocol violation and counts it.
func (c *Channel) RecordViolation(err error) {
	c.violations.Add(1)
	c.cfg.Log(1, "protocol violation: %v", err)
}

// SendToHost delivers m to the host loop. It must be called on the
// embedded goroutine. Sync messages block until the host replies, while
// this goroutine keeps serving messages the host sends it in the meantime.
func (c *Channel) SendToHost(m *Message, flags Flags) error {
	m.Flags = flags
	c.cfg.Log(2, "-> host %s %s %s", m.Op, m.Target, m.Key)
	if err := c.toHost.push(m, c.drainEmbedded); err != nil {
		return err
	}
	c.loop.Post(c.drainHost)
	if flags == Notify {
		return nil
	}
	return c.waitEmbedded(m)
}

// SendToEmbedded delivers m to the embedded goroutine. It must be called
// on the host loop. Sync messages pump the loop until the reply arrives.
// Once the channel has closed, m completes immediately with InvalidValue.
func (c *Channel) SendToEmbedded(m *Message, flags Flags) error {
	m.Flags = flags
	if !c.alloc.isOpen() {
		m.complete(InvalidValue, nil)
		return ErrChannelClosed
	}
	c.cfg.Log(2, "-> lua %s %s %s", m.Op, m.Target, m.Key)
	if err := c.toEmbedded.push(m, c.drainHost); err != nil {
		return err
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	if flags == Notify {
		return nil
	}
	stop := c.startTimer(m)
	defer stop()
	if !c.loop.Await(m.done) {
		m.complete(InvalidValue, nil)
		return host.ErrLoopStopped
	}
	return nil
}

// startTimer completes m with a timeout exception if it is still pending
// when the configured call timeout expires.
func (c *Channel) startTimer(m *Message) func() {
	if c.timeout <= 0 {
		return func() {}
	}
	t := time.AfterFunc(c.timeout, func() {
		m.complete(InvalidValue, &host.Exception{Value: ErrCallTimeout.Error(), Message: ErrCallTimeout.Error()})
	})
	return func() { t.Stop() }
}

func (c *Channel) waitEmbedded(m *Message) error {
	stop := c.startTimer(m)
	defer stop()
	for {
		c.drainEmbedded()
		select {
		case <-m.done:
			return nil
		case <-c.wake:
		case <-c.loop.Stopped():
			m.complete(InvalidValue, nil)
			return host.ErrLoopStopped
		}
	}
}

// drainHost handles every message queued for the host. Host loop only.
func (c *Channel) drainHost() {
	for {
		m, ok := c.toHost.pop()
		if !ok {
			return
		}
		c.handleOnHost(m)
	}
}

// drainEmbedded handles every message queued for Lua. Embedded goroutine only.
func (c *Channel) drainEmbedded() {
	for {
		m, ok := c.toEmbedded.pop()
		if !ok {
			return
		}
		c.handleOnEmbedded(m)
	}
}

// Shutdown runs the embedded half of teardown: it asks the host to clear
// every host handle, answers anything still queued with InvalidValue, and
// clears the embedded table. It returns the number of host handles and
// embedded handles cleared. Embedded goroutine only.
func (c *Channel) Shutdown() (hostCleared, embeddedCleared int) {
	m := newMessage(OpShutdown, Invalid)
	if err := c.SendToHost(m, Sync); err == nil && m.Result.Kind == KindInt {
		hostCleared = int(m.Result.Int)
	}
	for {
		m, ok := c.toEmbedded.pop()
		if !ok {
			break
		}
		if m.Op == OpRelease {
			continue
		}
		m.complete(InvalidValue, nil)
	}
	embeddedCleared = c.ClearAllEmbeddedHandles()
	c.cfg.Log(1, "channel closed: %d host handles, %d embedded handles", hostCleared, embeddedCleared)
	return hostCleared, embeddedCleared
}

// reply completes a sync message. Failures of notify messages have no one
// to report to and are only logged.
func (c *Channel) reply(m *Message, v Value, err error) {
	if m.Flags == Notify {
		if err != nil {
			c.cfg.Log(2, "discarded %s failure: %v", m.Op, err)
		}
		m.complete(v, nil)
		return
	}
	m.complete(v, toException(err))
}

func toException(err error) *host.Exception {
	if err == nil {
		return nil
	}
	var ex *host.Exception
	if errors.As(err, &ex) {
		return ex
	}
	return &host.Exception{Value: err.Error(), Message: err.Error()}
}

func (c *Channel) String() string {
	return fmt.Sprintf("channel(open=%v)", c.alloc.isOpen())
}
