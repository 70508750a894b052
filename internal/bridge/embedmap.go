package bridge

import (
	lua "github.com/yuin/gopher-lua"
)

// embedEntry is a slot of the dense handle table. refs counts the table's
// own reference plus any owned references handed out and not yet released.
type embedEntry struct {
	value lua.LValue
	refs  int
}

// EmbeddedRef is the result of EmbeddedValueForHandle. When Owned is set
// the caller holds one reference and must call Release.
type EmbeddedRef struct {
	Value lua.LValue
	Owned bool

	ch *Channel
	h  Handle
}

// Release gives up an owned reference. It is a no-op for borrowed refs.
func (r *EmbeddedRef) Release() {
	if !r.Owned {
		return
	}
	r.Owned = false
	if e := r.ch.entry(r.h); e != nil && e.value == r.Value {
		e.refs--
	}
}

// isArray reports whether lv is a value-like Lua table: one with no
// metatable. Such tables are snapshotted before they are mapped.
func isArray(lv lua.LValue) bool {
	t, ok := lv.(*lua.LTable)
	return ok && t.Metatable == lua.LNil
}

// snapshot returns a shallow copy of t.
func snapshot(L *lua.LState, t *lua.LTable) *lua.LTable {
	cp := L.CreateTable(t.MaxN(), 0)
	t.ForEach(func(k, v lua.LValue) {
		cp.RawSet(k, v)
	})
	return cp
}

// IDForEmbeddedValue returns the handle of lv, mapping it on first use.
// Tables without a metatable are copied first, so each crossing of such a
// table yields a new handle unless the copy itself is passed back.
// Returns Invalid for nil or once the channel is closed. Embedded goroutine only.
func (c *Channel) IDForEmbeddedValue(lv lua.LValue) Handle {
	if lv == nil || lv == lua.LNil {
		return Invalid
	}
	if h, ok := c.embedIDs[lv]; ok {
		return h
	}
	if isArray(lv) {
		lv = snapshot(c.L, lv.(*lua.LTable))
	}
	h := c.alloc.allocate()
	if h == Invalid {
		c.cfg.Log(3, "%v", &MappingExhaustedError{Op: "IDForEmbeddedValue"})
		return Invalid
	}
	c.grow(h)
	c.embedded[h] = &embedEntry{value: lv, refs: 1}
	c.embedIDs[lv] = h
	c.cfg.Log(3, "lua %s mapped to %s", lv.Type(), h)
	return h
}

func (c *Channel) grow(h Handle) {
	for Handle(len(c.embedded)) <= h {
		c.embedded = append(c.embedded, nil)
	}
}

func (c *Channel) entry(h Handle) *embedEntry {
	if h == Invalid || h >= Handle(len(c.embedded)) {
		return nil
	}
	return c.embedded[h]
}

// EmbeddedValueForHandle returns the Lua value behind h. If nothing is
// stored yet it builds a wrapper for the host object h names and returns
// it owned; otherwise the stored value is returned borrowed.
// Embedded goroutine only.
func (c *Channel) EmbeddedValueForHandle(h Handle) EmbeddedRef {
	return c.embeddedValueFor(h, false)
}

func (c *Channel) embeddedValueFor(h Handle, callable bool) EmbeddedRef {
	if h != Invalid {
		c.grow(h)
	}
	if e := c.entry(h); e != nil {
		return EmbeddedRef{Value: e.value, ch: c, h: h}
	}
	if h == Invalid || !c.alloc.isOpen() {
		return EmbeddedRef{Value: c.newWrapper(Invalid, callable), ch: c}
	}
	ud := c.newWrapper(h, callable)
	c.embedded[h] = &embedEntry{value: ud, refs: 2}
	c.embedIDs[ud] = h
	c.cfg.Log(3, "wrapper for host object %s created", h)
	return EmbeddedRef{Value: ud, Owned: true, ch: c, h: h}
}

// ClearEmbeddedHandle neuters any wrapper stored under h, empties the slot
// and drops the table's reference. Embedded goroutine only.
func (c *Channel) ClearEmbeddedHandle(h Handle) {
	e := c.entry(h)
	if e == nil {
		return
	}
	if ud, ok := e.value.(*lua.LUserData); ok {
		if f, ok := ud.Value.(*foreign); ok && f.ch == c {
			f.id = Invalid
		}
	}
	delete(c.embedIDs, e.value)
	c.embedded[h] = nil
	e.refs--
}

// ClearAllEmbeddedHandles clears every occupied slot of the handle table
// and returns how many were cleared. Embedded goroutine only.
func (c *Channel) ClearAllEmbeddedHandles() int {
	n := 0
	for h := 1; h < len(c.embedded); h++ {
		if c.embedded[h] != nil {
			c.ClearEmbeddedHandle(Handle(h))
			n++
		}
	}
	c.embedded = c.embedded[:1]
	return n
}
