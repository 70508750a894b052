package bridge

import (
	"sync/atomic"

	"github.com/zot/lua-embed/internal/host"
)

// Op is the operation a Message asks the receiving side to perform.
type Op uint8

const (
	OpGet Op = iota
	OpSet
	OpHas
	OpDelete
	OpEnumerate
	OpInvoke
	OpCall
	OpRelease
	OpShutdown
)

var opNames = [...]string{"get", "set", "has", "delete", "enumerate", "invoke", "call", "release", "shutdown"}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "op?"
}

// Flags selects the delivery mode of a Message.
type Flags uint8

const (
	// Notify messages are fire-and-forget.
	Notify Flags = iota
	// Sync messages expect a result or exception.
	Sync
)

// Message is one operation crossing the channel. The receiving side fills
// in Result or Exception and completes it exactly once.
type Message struct {
	Op     Op
	Target Handle
	Key    host.Key
	Value  Value
	Args   []Value
	Filter host.EnumFilter
	Flags  Flags

	Result    Value
	Keys      []string
	Exception *host.Exception

	done      chan struct{}
	completed atomic.Bool
}

func newMessage(op Op, target Handle) *Message {
	return &Message{Op: op, Target: target, done: make(chan struct{})}
}

// complete records the outcome. Only the first call has any effect.
func (m *Message) complete(result Value, ex *host.Exception) bool {
	if !m.completed.CompareAndSwap(false, true) {
		return false
	}
	m.Result = result
	m.Exception = ex
	close(m.done)
	return true
}

// Done is closed once the message completes.
func (m *Message) Done() <-chan struct{} {
	return m.done
}

// Completed reports whether the message has an outcome.
func (m *Message) Completed() bool {
	return m.completed.Load()
}

// needsWait reports whether any argument is the wait token.
func (m *Message) needsWait() bool {
	for _, a := range m.Args {
		if a.Kind == KindWait {
			return true
		}
	}
	return false
}
