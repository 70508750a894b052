package bridge

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/zot/lua-embed/internal/host"
)

// ValueFromHost converts a host value for the wire. Host loop only.
func (c *Channel) ValueFromHost(v any) Value {
	return c.valueFromHost(v)
}

// HostValue converts a wire value for host code. Host loop only.
func (c *Channel) HostValue(v Value) any {
	return c.hostValue(v)
}

// ValueFromLua converts a Lua value for the wire. Embedded goroutine only.
func (c *Channel) ValueFromLua(lv lua.LValue) Value {
	return c.valueFromLua(lv)
}

// LuaValue converts a wire value for Lua code. Embedded goroutine only.
func (c *Channel) LuaValue(v Value) lua.LValue {
	return c.luaValue(v)
}

// InvokeHost calls method on the host object h and waits for the result.
// A host exception is returned as a *host.Exception error. Embedded goroutine only.
func (c *Channel) InvokeHost(h Handle, method string, args ...Value) (Value, error) {
	m := newMessage(OpInvoke, h)
	m.Key = host.Name(method)
	m.Args = args
	if err := c.SendToHost(m, Sync); err != nil {
		return InvalidValue, err
	}
	if m.Exception != nil {
		return m.Result, m.Exception
	}
	return m.Result, nil
}

// CallHost calls the host function h and waits for the result.
// Embedded goroutine only.
func (c *Channel) CallHost(h Handle, args ...Value) (Value, error) {
	m := newMessage(OpCall, h)
	m.Args = args
	if err := c.SendToHost(m, Sync); err != nil {
		return InvalidValue, err
	}
	if m.Exception != nil {
		return m.Result, m.Exception
	}
	return m.Result, nil
}
