package bridge

import (
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/lua-embed/internal/host"
)

// valueFromHost converts a host value for sending to Lua. Host loop only.
func (c *Channel) valueFromHost(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null
	case bool:
		return BoolValue(x)
	case int:
		return IntValue(int64(x))
	case int32:
		return IntValue(int64(x))
	case int64:
		return IntValue(x)
	case uint32:
		return IntValue(int64(x))
	case float32:
		return FloatValue(float64(x))
	case float64:
		return FloatValue(x)
	case string:
		return StringValue(x)
	case []byte:
		return BufferValue(host.NewBuffer(x))
	case *host.Buffer:
		return BufferValue(x)
	case *Placeholder:
		return InvalidValue
	case *host.Object:
		if x == nil {
			return Null
		}
		if st := proxyOf(x, c); st != nil {
			return EmbeddedObjectValue(st.id, st.callable)
		}
		return HostObjectValue(c.IDForHostObject(x), x.Callable())
	case error:
		return StringValue(x.Error())
	}
	return StringValue(fmt.Sprint(v))
}

func (c *Channel) valuesFromHost(args []any) []Value {
	vals := make([]Value, len(args))
	for i, a := range args {
		vals[i] = c.valueFromHost(a)
	}
	return vals
}

// hostValue converts a value received from Lua. Host loop only.
func (c *Channel) hostValue(v Value) any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindBuffer:
		return v.Buf
	case KindHostObject:
		if o, ok := c.store.Get(v.Handle); ok {
			return o
		}
		return InvalidReference
	case KindEmbeddedObject:
		return c.hostObjectFor(v.Handle, v.Callable)
	case KindInvalid:
		return InvalidReference
	}
	return nil
}

// valueFromLua converts a Lua value for sending to the host. Embedded goroutine only.
func (c *Channel) valueFromLua(lv lua.LValue) Value {
	switch x := lv.(type) {
	case *lua.LNilType:
		return Null
	case lua.LBool:
		return BoolValue(bool(x))
	case lua.LNumber:
		f := float64(x)
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return IntValue(int64(f))
		}
		return FloatValue(f)
	case lua.LString:
		return StringValue(string(x))
	case *lua.LUserData:
		if x == c.waitToken {
			return WaitValue
		}
		if f, ok := x.Value.(*foreign); ok && f.ch == c {
			return HostObjectValue(f.id, f.callable)
		}
		return EmbeddedObjectValue(c.IDForEmbeddedValue(x), c.luaCallable(x))
	case *lua.LFunction:
		return EmbeddedObjectValue(c.IDForEmbeddedValue(x), true)
	}
	return EmbeddedObjectValue(c.IDForEmbeddedValue(lv), c.luaCallable(lv))
}

func (c *Channel) valuesFromLua(lvs []lua.LValue) []Value {
	vals := make([]Value, len(lvs))
	for i, lv := range lvs {
		vals[i] = c.valueFromLua(lv)
	}
	return vals
}

// luaValue converts a value received from the host. Host objects become
// wrappers; the owned reference from a newly built wrapper passes to the
// Lua garbage collector. Embedded goroutine only.
func (c *Channel) luaValue(v Value) lua.LValue {
	switch v.Kind {
	case KindBool:
		return lua.LBool(v.Bool)
	case KindInt:
		return lua.LNumber(v.Int)
	case KindFloat:
		return lua.LNumber(v.Float)
	case KindString:
		return lua.LString(v.Str)
	case KindBuffer:
		return lua.LString(v.Buf.Data)
	case KindHostObject:
		ref := c.embeddedValueFor(v.Handle, v.Callable)
		ref.Release()
		return ref.Value
	case KindEmbeddedObject:
		if e := c.entry(v.Handle); e != nil {
			return e.value
		}
	case KindWait:
		return c.waitToken
	}
	return lua.LNil
}

func (c *Channel) luaCallable(lv lua.LValue) bool {
	if _, ok := lv.(*lua.LFunction); ok {
		return true
	}
	return c.L != nil && c.L.GetMetaField(lv, "__call") != lua.LNil
}
