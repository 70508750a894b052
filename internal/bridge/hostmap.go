package bridge

import (
	"runtime"
	"weak"

	"github.com/zot/lua-embed/internal/host"
)

// IDForHostObject returns the handle of o, allocating one on first use.
// It returns Invalid once the channel is closed. Host loop only.
func (c *Channel) IDForHostObject(o *host.Object) Handle {
	if o == nil {
		return Invalid
	}
	wp := weak.Make(o)
	if h, ok := c.hostIDs[wp]; ok {
		return h
	}
	h := c.alloc.allocate()
	if h == Invalid {
		c.cfg.Log(3, "%v", &MappingExhaustedError{Op: "IDForHostObject"})
		return Invalid
	}
	c.store.Set(h, o)
	c.register(wp, h)
	c.cfg.Log(3, "host object %s mapped", h)
	return h
}

// register records the weak mapping and arranges for it to be dropped on
// the loop once the object is collected.
func (c *Channel) register(wp weak.Pointer[host.Object], h Handle) {
	c.hostIDs[wp] = h
	runtime.AddCleanup(wp.Value(), func(wp weak.Pointer[host.Object]) {
		c.loop.Post(func() {
			if c.hostIDs[wp] == h {
				delete(c.hostIDs, wp)
			}
		})
	}, wp)
}

// HostObjectForHandle returns the host-side representative of h: the
// stored object if there is one, otherwise a new proxy for the Lua value
// behind h. On a closed channel it returns a detached proxy. The store
// keeps ownership of the result. Host loop only.
func (c *Channel) HostObjectForHandle(h Handle) *host.Object {
	return c.hostObjectFor(h, false)
}

func (c *Channel) hostObjectFor(h Handle, callable bool) *host.Object {
	if o, ok := c.store.Get(h); ok {
		return o
	}
	if h == Invalid || !c.alloc.isOpen() {
		return newProxy(c, Invalid, callable)
	}
	p := newProxy(c, h, callable)
	c.store.Set(h, p)
	c.register(weak.Make(p), h)
	c.cfg.Log(3, "proxy for lua value %s created", h)
	return p
}

// ClearHostHandle neuters any proxy stored under h and drops the mapping.
// Host loop only.
func (c *Channel) ClearHostHandle(h Handle) {
	o, ok := c.store.Get(h)
	if !ok {
		return
	}
	maybeNeuter(o, c)
	delete(c.hostIDs, weak.Make(o))
	c.store.Delete(h)
}

// ClearAllHostHandles closes the allocator and clears every handle it
// issued, in ascending order. It returns how many handles were processed,
// and 0 on every later call. Host loop only.
func (c *Channel) ClearAllHostHandles() int {
	last := c.alloc.closeAndDrain()
	for h := Handle(1); h <= last; h++ {
		c.ClearHostHandle(h)
	}
	return int(last)
}

// Release drops o's mapping on both sides. o may be a proxy for a Lua
// value or a host object previously handed to Lua. Host loop only.
func (c *Channel) Release(o *host.Object) {
	var h Handle
	if st := proxyOf(o, c); st != nil {
		h = st.id
	} else {
		h = c.hostIDs[weak.Make(o)]
	}
	if h == Invalid {
		return
	}
	c.ClearHostHandle(h)
	_ = c.SendToEmbedded(newMessage(OpRelease, h), Notify)
}
