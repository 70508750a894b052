// Package bridge maps object identities between the host loop and an
// embedded Lua interpreter and carries operations between them.
//
// A Channel pairs one host loop with one Lua state. Objects cross the
// boundary as handles: each side keeps the real object and gives the other
// side a proxy that forwards operations over the channel. Host-side tables
// are only touched on the loop goroutine, embedded-side tables only on the
// goroutine that owns the Lua state.
package bridge

import (
	"strconv"
	"sync"
)

// Handle identifies an object across the boundary. It is unique for the
// lifetime of a channel and never reused.
type Handle uint64

// Invalid is the handle of a neutered proxy and the result of allocating
// on a closed channel.
const Invalid Handle = 0

func (h Handle) String() string {
	return "#" + strconv.FormatUint(uint64(h), 10)
}

// allocator hands out handles until it is closed.
// next is 0 once closed, which doubles as the Invalid result.
type allocator struct {
	mu   sync.Mutex
	next Handle
}

func newAllocator() allocator {
	return allocator{next: 1}
}

// allocate returns a fresh handle, or Invalid if the allocator is closed.
func (a *allocator) allocate() Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next == 0 {
		return Invalid
	}
	h := a.next
	a.next++
	return h
}

func (a *allocator) isOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next != 0
}

// closeAndDrain closes the allocator and returns the last handle it issued.
// Later calls return 0.
func (a *allocator) closeAndDrain() Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next == 0 {
		return 0
	}
	last := a.next - 1
	a.next = 0
	return last
}
