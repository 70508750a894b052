package bridge

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/lua-embed/internal/host"
)

const wrapperTypeName = "bridge.HostObject"

// foreign is the userdata value of a Lua wrapper around a host object.
// id is Invalid once the wrapper is neutered.
type foreign struct {
	ch       *Channel
	id       Handle
	callable bool
}

// Bind attaches the channel to L and installs the wrapper metatable and
// the bridge module. It must run on the goroutine that owns L.
func (c *Channel) Bind(L *lua.LState) {
	c.L = L
	mt := L.NewTypeMetatable(wrapperTypeName)
	L.SetFuncs(mt, map[string]lua.LGFunction{
		"__index":    c.wrapperIndex,
		"__newindex": c.wrapperNewIndex,
		"__call":     c.wrapperCall,
		"__len":      c.wrapperLen,
		"__pairs":    c.bridgePairs,
		"__tostring": c.wrapperString,
	})
	c.waitToken = L.NewUserData()
	c.waitToken.Value = WaitValue
	L.PreloadModule("bridge", c.loadModule)
}

func (c *Channel) loadModule(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"wait":    c.bridgeWait,
		"keys":    c.bridgeKeys,
		"pairs":   c.bridgePairs,
		"has":     c.bridgeHas,
		"delete":  c.bridgeDelete,
		"release": c.bridgeRelease,
		"valid":   c.bridgeValid,
		"handle":  c.bridgeHandle,
	})
	L.Push(mod)
	return 1
}

func (c *Channel) newWrapper(h Handle, callable bool) *lua.LUserData {
	ud := c.L.NewUserData()
	ud.Value = &foreign{ch: c, id: h, callable: callable}
	c.L.SetMetatable(ud, c.L.GetTypeMetatable(wrapperTypeName))
	return ud
}

// foreignOf returns the wrapper state of lv if it is one of c's wrappers.
func (c *Channel) foreignOf(lv lua.LValue) *foreign {
	ud, ok := lv.(*lua.LUserData)
	if !ok {
		return nil
	}
	f, ok := ud.Value.(*foreign)
	if !ok || f.ch != c {
		return nil
	}
	return f
}

func (c *Channel) checkForeign(L *lua.LState, n int) *foreign {
	f := c.foreignOf(L.Get(n))
	if f == nil {
		L.ArgError(n, "host object expected")
	}
	return f
}

func checkKey(L *lua.LState, n int) host.Key {
	k, ok := hostKey(L.Get(n))
	if !ok {
		L.ArgError(n, "string or integer key expected")
	}
	return k
}

// callHost sends m and waits for the reply, raising a Lua error if the
// host threw.
func (c *Channel) callHost(L *lua.LState, m *Message) Value {
	if err := c.SendToHost(m, Sync); err != nil {
		L.RaiseError("%s", err.Error())
	}
	if m.Exception != nil {
		L.RaiseError("%s", m.Exception.Message)
	}
	return m.Result
}

func (c *Channel) wrapperIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	f := c.checkForeign(L, 1)
	k := checkKey(L, 2)
	if f.id == Invalid {
		L.Push(lua.LNil)
		return 1
	}
	m := newMessage(OpGet, f.id)
	m.Key = k
	v := c.callHost(L, m)
	if v.Kind == KindHostObject && v.Callable && !k.IsIndex {
		L.Push(c.boundMethod(ud, f.id, k.Name, c.luaValue(v)))
		return 1
	}
	L.Push(c.luaValue(v))
	return 1
}

// boundMethod wraps a callable property so obj:name(...) reaches the host
// as a single invoke with obj as the receiver. Called any other way it is
// a plain call of the property's value.
func (c *Channel) boundMethod(self *lua.LUserData, target Handle, name string, fn lua.LValue) *lua.LFunction {
	return c.L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		if top >= 1 && L.Get(1) == self {
			m := newMessage(OpInvoke, target)
			m.Key = host.Name(name)
			m.Args = c.valuesFromLua(stackArgs(L, 2, top))
			L.Push(c.luaValue(c.callHost(L, m)))
			return 1
		}
		f := c.foreignOf(fn)
		if f == nil || f.id == Invalid {
			L.Push(lua.LNil)
			return 1
		}
		m := newMessage(OpCall, f.id)
		m.Args = c.valuesFromLua(stackArgs(L, 1, top))
		L.Push(c.luaValue(c.callHost(L, m)))
		return 1
	})
}

func stackArgs(L *lua.LState, from, to int) []lua.LValue {
	if to < from {
		return nil
	}
	args := make([]lua.LValue, 0, to-from+1)
	for i := from; i <= to; i++ {
		args = append(args, L.Get(i))
	}
	return args
}

func (c *Channel) wrapperNewIndex(L *lua.LState) int {
	f := c.checkForeign(L, 1)
	k := checkKey(L, 2)
	v := L.Get(3)
	if f.id == Invalid {
		return 0
	}
	var m *Message
	if v == lua.LNil {
		m = newMessage(OpDelete, f.id)
	} else {
		m = newMessage(OpSet, f.id)
		m.Value = c.valueFromLua(v)
	}
	m.Key = k
	c.callHost(L, m)
	return 0
}

func (c *Channel) wrapperCall(L *lua.LState) int {
	f := c.checkForeign(L, 1)
	if f.id == Invalid {
		L.Push(lua.LNil)
		return 1
	}
	m := newMessage(OpCall, f.id)
	m.Args = c.valuesFromLua(stackArgs(L, 2, L.GetTop()))
	L.Push(c.luaValue(c.callHost(L, m)))
	return 1
}

func (c *Channel) wrapperLen(L *lua.LState) int {
	f := c.checkForeign(L, 1)
	if f.id == Invalid {
		L.Push(lua.LNumber(0))
		return 1
	}
	m := newMessage(OpGet, f.id)
	m.Key = host.Name("length")
	v := c.callHost(L, m)
	switch v.Kind {
	case KindInt:
		L.Push(lua.LNumber(v.Int))
	case KindFloat:
		L.Push(lua.LNumber(v.Float))
	default:
		L.Push(lua.LNumber(0))
	}
	return 1
}

func (c *Channel) wrapperString(L *lua.LState) int {
	f := c.checkForeign(L, 1)
	if f.id == Invalid {
		L.Push(lua.LString("HostObject(invalid)"))
	} else {
		L.Push(lua.LString(fmt.Sprintf("HostObject%s", f.id)))
	}
	return 1
}

// keysOf enumerates a wrapper through the host or a Lua value directly.
func (c *Channel) keysOf(L *lua.LState, lv lua.LValue, filter host.EnumFilter) []string {
	if f := c.foreignOf(lv); f != nil {
		if f.id == Invalid {
			return nil
		}
		m := newMessage(OpEnumerate, f.id)
		m.Filter = filter
		c.callHost(L, m)
		return m.Keys
	}
	return c.luaKeys(L, lv, filter)
}

func parseFilter(L *lua.LState, n int) host.EnumFilter {
	switch L.OptString(n, "all") {
	case "all":
		return host.EnumAll
	case "properties":
		return host.EnumProperties
	case "indices":
		return host.EnumIndices
	}
	L.ArgError(n, `"all", "properties" or "indices" expected`)
	return host.EnumAll
}

// bridge.keys(obj [, filter]) returns a list of key strings.
func (c *Channel) bridgeKeys(L *lua.LState) int {
	keys := c.keysOf(L, L.CheckAny(1), parseFilter(L, 2))
	t := L.CreateTable(len(keys), 0)
	for _, k := range keys {
		t.Append(lua.LString(k))
	}
	L.Push(t)
	return 1
}

// bridge.pairs(obj) iterates over a snapshot of the keys taken now.
func (c *Channel) bridgePairs(L *lua.LState) int {
	obj := L.CheckAny(1)
	keys := c.keysOf(L, obj, host.EnumAll)
	i := 0
	iter := L.NewFunction(func(L *lua.LState) int {
		if i >= len(keys) {
			L.Push(lua.LNil)
			return 1
		}
		k := host.Name(keys[i]).Canonical()
		i++
		var lk lua.LValue = lua.LString(k.Name)
		if k.IsIndex {
			lk = lua.LNumber(k.Index)
		}
		L.Push(lk)
		L.Push(L.GetTable(obj, lk))
		return 2
	})
	L.Push(iter)
	L.Push(obj)
	L.Push(lua.LNil)
	return 3
}

func (c *Channel) bridgeHas(L *lua.LState) int {
	obj := L.CheckAny(1)
	k := checkKey(L, 2)
	if f := c.foreignOf(obj); f != nil {
		if f.id == Invalid {
			L.Push(lua.LFalse)
			return 1
		}
		m := newMessage(OpHas, f.id)
		m.Key = k
		v := c.callHost(L, m)
		L.Push(lua.LBool(v.Kind == KindBool && v.Bool))
		return 1
	}
	L.Push(lua.LBool(c.luaHas(L, obj, k)))
	return 1
}

func (c *Channel) bridgeDelete(L *lua.LState) int {
	obj := L.CheckAny(1)
	k := checkKey(L, 2)
	if f := c.foreignOf(obj); f != nil {
		if f.id == Invalid {
			L.Push(lua.LFalse)
			return 1
		}
		m := newMessage(OpDelete, f.id)
		m.Key = k
		v := c.callHost(L, m)
		L.Push(lua.LBool(v.Kind == KindBool && v.Bool))
		return 1
	}
	L.Push(lua.LBool(c.luaDelete(L, obj, k)))
	return 1
}

// bridge.release(obj) drops obj's mapping on both sides.
func (c *Channel) bridgeRelease(L *lua.LState) int {
	obj := L.CheckAny(1)
	var h Handle
	if f := c.foreignOf(obj); f != nil {
		h = f.id
	} else {
		h = c.embedIDs[obj]
	}
	if h == Invalid {
		return 0
	}
	c.ClearEmbeddedHandle(h)
	_ = c.SendToHost(newMessage(OpRelease, h), Notify)
	return 0
}

func (c *Channel) bridgeValid(L *lua.LState) int {
	f := c.foreignOf(L.Get(1))
	L.Push(lua.LBool(f != nil && f.id != Invalid))
	return 1
}

// bridge.handle(obj) returns the handle obj crosses the boundary with.
func (c *Channel) bridgeHandle(L *lua.LState) int {
	obj := L.CheckAny(1)
	if f := c.foreignOf(obj); f != nil {
		L.Push(lua.LNumber(f.id))
		return 1
	}
	L.Push(lua.LNumber(c.IDForEmbeddedValue(obj)))
	return 1
}

// bridge.wait() returns the wait token.
func (c *Channel) bridgeWait(L *lua.LState) int {
	L.Push(c.waitToken)
	return 1
}
