package bridge

import (
	"math"
	"slices"
	"strconv"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/lua-embed/internal/host"
)

// handleOnEmbedded performs a message from the host against a Lua value.
// Embedded goroutine only.
func (c *Channel) handleOnEmbedded(m *Message) {
	switch m.Op {
	case OpRelease:
		c.ClearEmbeddedHandle(m.Target)
		m.complete(Null, nil)
		return
	case OpShutdown:
		m.complete(IntValue(int64(c.ClearAllEmbeddedHandles())), nil)
		return
	}

	e := c.entry(m.Target)
	if e == nil {
		c.cfg.Log(2, "%v", &StaleHandleError{Handle: m.Target, Op: m.Op})
		c.reply(m, InvalidValue, nil)
		return
	}
	target := e.value

	var result Value
	err := c.protect(func(L *lua.LState) {
		switch m.Op {
		case OpGet:
			result = c.valueFromLua(c.luaGet(L, target, m.Key))
		case OpSet:
			c.luaSet(L, target, m.Key, c.luaValue(m.Value))
			result = Null
		case OpHas:
			result = BoolValue(c.luaHas(L, target, m.Key))
		case OpDelete:
			result = BoolValue(c.luaDelete(L, target, m.Key))
		case OpEnumerate:
			m.Keys = c.luaKeys(L, target, m.Filter)
			result = IntValue(int64(len(m.Keys)))
		case OpInvoke:
			result = c.valueFromLua(c.luaInvoke(L, target, m.Key.Name, c.luaArgs(m.Args)))
		case OpCall:
			result = c.valueFromLua(c.luaCall(L, target, c.luaArgs(m.Args)))
		default:
			result = InvalidValue
		}
	})
	c.reply(m, result, err)
}

// protect runs fn in a protected Lua call and turns a raised Lua error
// into an exception.
func (c *Channel) protect(fn func(L *lua.LState)) error {
	L := c.L
	err := L.CallByParam(lua.P{
		Fn: L.NewFunction(func(L *lua.LState) int {
			fn(L)
			return 0
		}),
		NRet:    0,
		Protect: true,
	})
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*lua.ApiError); ok && apiErr.Object != nil {
		msg := apiErr.Object.String()
		return &host.Exception{Value: msg, Message: msg}
	}
	return err
}

func (c *Channel) luaArgs(args []Value) []lua.LValue {
	lvs := make([]lua.LValue, len(args))
	for i, a := range args {
		lvs[i] = c.luaValue(a)
	}
	return lvs
}

// luaKey maps a host key to a Lua key. Index keys are used as is, with no
// base adjustment.
func luaKey(k host.Key) lua.LValue {
	k = k.Canonical()
	if k.IsIndex {
		return lua.LNumber(k.Index)
	}
	return lua.LString(k.Name)
}

// tableKey is luaKey for direct access to target. hostKey reports the
// string key "0" as index 0, so an index key falls back to its string
// form when only that is present.
func tableKey(L *lua.LState, target lua.LValue, k host.Key) lua.LValue {
	lk := luaKey(k)
	if _, ok := lk.(lua.LNumber); !ok || L.GetTable(target, lk) != lua.LNil {
		return lk
	}
	if sk := lua.LString(k.Canonical().String()); L.GetTable(target, sk) != lua.LNil {
		return sk
	}
	return lk
}

// hostKey maps a Lua key to a host key.
func hostKey(lv lua.LValue) (host.Key, bool) {
	switch x := lv.(type) {
	case lua.LNumber:
		f := float64(x)
		if f >= 0 && f <= math.MaxUint32 && f == math.Trunc(f) {
			return host.Index(uint32(f)), true
		}
		return host.Name(lua.LVAsString(x)), true
	case lua.LString:
		return host.Name(string(x)).Canonical(), true
	}
	return host.Key{}, false
}

// collection returns the metatable of lv when it declares the collection
// capability with a __get method.
func collection(L *lua.LState, lv lua.LValue) *lua.LTable {
	mt, ok := L.GetMetatable(lv).(*lua.LTable)
	if !ok {
		return nil
	}
	if _, ok := mt.RawGetString("__get").(*lua.LFunction); !ok {
		return nil
	}
	return mt
}

func callMeta(L *lua.LState, mt *lua.LTable, name string, args ...lua.LValue) (lua.LValue, bool) {
	fn, ok := mt.RawGetString(name).(*lua.LFunction)
	if !ok {
		return lua.LNil, false
	}
	L.Push(fn)
	for _, a := range args {
		L.Push(a)
	}
	L.Call(len(args), 1)
	ret := L.Get(-1)
	L.Pop(1)
	return ret, true
}

func isLength(k host.Key) bool {
	return !k.IsIndex && k.Name == "length"
}

// count returns the number of entries of a plain table.
func count(t *lua.LTable) int {
	n := 0
	t.ForEach(func(_, _ lua.LValue) { n++ })
	return n
}

func (c *Channel) luaGet(L *lua.LState, target lua.LValue, k host.Key) lua.LValue {
	if mt := collection(L, target); mt != nil {
		if isLength(k) {
			if v, ok := callMeta(L, mt, "__count", target); ok {
				return v
			}
		}
		v, _ := callMeta(L, mt, "__get", target, luaKey(k))
		return v
	}
	if isLength(k) && isArray(target) {
		return lua.LNumber(count(target.(*lua.LTable)))
	}
	switch target.(type) {
	case *lua.LTable, *lua.LUserData:
		return L.GetTable(target, tableKey(L, target, k))
	}
	return lua.LNil
}

func (c *Channel) luaSet(L *lua.LState, target lua.LValue, k host.Key, v lua.LValue) {
	if mt := collection(L, target); mt != nil {
		if _, ok := callMeta(L, mt, "__set", target, luaKey(k), v); !ok {
			L.RaiseError("collection is read-only")
		}
		return
	}
	if isLength(k) && isArray(target) {
		n, ok := v.(lua.LNumber)
		if !ok || n < 0 {
			L.RaiseError("invalid array length")
		}
		truncate(target.(*lua.LTable), int(n))
		return
	}
	switch target.(type) {
	case *lua.LTable, *lua.LUserData:
		L.SetTable(target, tableKey(L, target, k), v)
	default:
		L.RaiseError("cannot set property %s on a %s", k, target.Type())
	}
}

// truncate drops every integer key greater than n.
func truncate(t *lua.LTable, n int) {
	var drop []lua.LValue
	t.ForEach(func(k, _ lua.LValue) {
		if num, ok := k.(lua.LNumber); ok && float64(num) == math.Trunc(float64(num)) && int(num) > n {
			drop = append(drop, k)
		}
	})
	for _, k := range drop {
		t.RawSet(k, lua.LNil)
	}
}

func (c *Channel) luaHas(L *lua.LState, target lua.LValue, k host.Key) bool {
	if mt := collection(L, target); mt != nil {
		if v, ok := callMeta(L, mt, "__has", target, luaKey(k)); ok {
			return lua.LVAsBool(v)
		}
		v, _ := callMeta(L, mt, "__get", target, luaKey(k))
		return v != lua.LNil
	}
	if isLength(k) && isArray(target) {
		return true
	}
	return c.luaGet(L, target, k) != lua.LNil
}

func (c *Channel) luaDelete(L *lua.LState, target lua.LValue, k host.Key) bool {
	if mt := collection(L, target); mt != nil {
		existed := c.luaHas(L, target, k)
		if _, ok := callMeta(L, mt, "__unset", target, luaKey(k)); !ok {
			L.RaiseError("collection is read-only")
		}
		return existed
	}
	switch target.(type) {
	case *lua.LTable, *lua.LUserData:
		lk := tableKey(L, target, k)
		existed := L.GetTable(target, lk) != lua.LNil
		L.SetTable(target, lk, lua.LNil)
		return existed
	}
	return false
}

// luaKeys lists the keys of target: index keys in ascending order, then
// string keys sorted. Other key types are skipped.
func (c *Channel) luaKeys(L *lua.LState, target lua.LValue, f host.EnumFilter) []string {
	var indices []uint32
	var names []string
	add := func(k lua.LValue) {
		hk, ok := hostKey(k)
		if !ok || !f.Includes(hk) {
			return
		}
		if hk.IsIndex {
			indices = append(indices, hk.Index)
		} else {
			names = append(names, hk.Name)
		}
	}

	if mt := collection(L, target); mt != nil {
		if keys, ok := callMeta(L, mt, "__keys", target); ok {
			if kt, ok := keys.(*lua.LTable); ok {
				kt.ForEach(func(_, k lua.LValue) { add(k) })
			}
		} else if n, ok := callMeta(L, mt, "__count", target); ok {
			for i := 0; i < int(lua.LVAsNumber(n)); i++ {
				add(lua.LNumber(i))
			}
		}
	} else if t, ok := target.(*lua.LTable); ok {
		t.ForEach(func(k, _ lua.LValue) { add(k) })
	}

	slices.Sort(indices)
	slices.Sort(names)
	keys := make([]string, 0, len(indices)+len(names))
	for _, i := range indices {
		keys = append(keys, strconv.FormatUint(uint64(i), 10))
	}
	return append(keys, names...)
}

func (c *Channel) luaInvoke(L *lua.LState, target lua.LValue, method string, args []lua.LValue) lua.LValue {
	fn := c.luaGet(L, target, host.Name(method))
	if fn == lua.LNil || !c.luaCallable(fn) {
		L.RaiseError("%s is not a function", method)
	}
	return c.callLua(L, fn, append([]lua.LValue{target}, args...))
}

func (c *Channel) luaCall(L *lua.LState, target lua.LValue, args []lua.LValue) lua.LValue {
	if !c.luaCallable(target) {
		L.RaiseError("attempt to call a %s value", target.Type())
	}
	return c.callLua(L, target, args)
}

// callLua calls fn, which may be a function or a value with __call, and
// returns its first result.
func (c *Channel) callLua(L *lua.LState, fn lua.LValue, args []lua.LValue) lua.LValue {
	if _, ok := fn.(*lua.LFunction); !ok {
		call := L.GetMetaField(fn, "__call")
		args = append([]lua.LValue{fn}, args...)
		fn = call
	}
	L.Push(fn)
	for _, a := range args {
		L.Push(a)
	}
	L.Call(len(args), 1)
	ret := L.Get(-1)
	L.Pop(1)
	return ret
}
