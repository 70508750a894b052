// Package host models the garbage-collected, event-driven side of the bridge:
// a single event-loop goroutine that owns every host Object.
package host

import (
	"context"
	"errors"
	"sync"
)

// ErrLoopStopped is returned by Call when the loop is no longer running.
var ErrLoopStopped = errors.New("host loop stopped")

// WorkItem represents a unit of work for the loop.
type WorkItem struct {
	fn     func() (any, error)
	result chan WorkResult
}

// WorkResult is the outcome of a WorkItem.
type WorkResult struct {
	Value any
	Err   error
}

// Loop is the host event loop. Host objects may only be touched from
// functions running on it.
type Loop struct {
	tasks    chan func()
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewLoop creates a loop whose task queue holds size pending tasks before
// Post starts handing them off to helper goroutines.
func NewLoop(size int) *Loop {
	if size <= 0 {
		size = 256
	}
	return &Loop{
		tasks:   make(chan func(), size),
		stopped: make(chan struct{}),
	}
}

// Post queues fn to run on the loop. It never blocks and may be called
// from any goroutine. Tasks posted after Stop are dropped.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.stopped:
		return
	default:
	}
	select {
	case l.tasks <- fn:
	default:
		// queue is full, hand off so the caller never blocks
		go func() {
			select {
			case l.tasks <- fn:
			case <-l.stopped:
			}
		}()
	}
}

// Call queues fn on the loop and blocks until it completes.
// It must not be called from the loop itself.
func (l *Loop) Call(fn func() (any, error)) (any, error) {
	item := WorkItem{fn: fn, result: make(chan WorkResult, 1)}
	l.Post(func() {
		v, err := item.fn()
		item.result <- WorkResult{Value: v, Err: err}
	})
	select {
	case res := <-item.result:
		return res.Value, res.Err
	case <-l.stopped:
		return nil, ErrLoopStopped
	}
}

// Run processes tasks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.stopped:
			return nil
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Await pumps the loop from inside a running task until done is closed.
// It returns false if the loop was stopped first. Nested calls are allowed,
// which is how a host task waits for a reply without blocking the loop.
func (l *Loop) Await(done <-chan struct{}) bool {
	for {
		select {
		case <-done:
			return true
		case <-l.stopped:
			return false
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Stop terminates Run. It is safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopped) })
}

// Stopped is closed once the loop stops.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}
