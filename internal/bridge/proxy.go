package bridge

import (
	"fmt"

	"github.com/zot/lua-embed/internal/host"
)

// proxyState is the Internal value of a host object standing in for a
// Lua value. id is Invalid once the proxy is neutered.
type proxyState struct {
	ch       *Channel
	id       Handle
	callable bool
}

// proxyClass forwards every operation to the Lua side.
type proxyClass struct{}

var theProxyClass = proxyClass{}

func newProxy(c *Channel, h Handle, callable bool) *host.Object {
	return host.NewExotic(theProxyClass, &proxyState{ch: c, id: h, callable: callable})
}

func proxyOf(o *host.Object, c *Channel) *proxyState {
	if o == nil {
		return nil
	}
	st, ok := o.Internal.(*proxyState)
	if !ok || st.ch != c {
		return nil
	}
	return st
}

// maybeNeuter invalidates o in place if it is a proxy belonging to c.
func maybeNeuter(o *host.Object, c *Channel) {
	if st := proxyOf(o, c); st != nil {
		st.id = Invalid
	}
}

// IsProxy reports whether o stands in for a Lua value.
func IsProxy(o *host.Object) bool {
	_, ok := o.Internal.(*proxyState)
	return ok
}

// IsValid reports whether o is usable: true for plain host objects and
// for proxies that have not been neutered.
func IsValid(o *host.Object) bool {
	st, ok := o.Internal.(*proxyState)
	return !ok || st.id != Invalid
}

func state(o *host.Object) *proxyState {
	return o.Internal.(*proxyState)
}

// send runs m against the Lua value and converts the reply for host code.
func (st *proxyState) send(m *Message) (any, error) {
	if err := st.ch.SendToEmbedded(m, Sync); err != nil {
		return InvalidReference, nil
	}
	if m.Exception != nil {
		return nil, m.Exception
	}
	return st.ch.hostValue(m.Result), nil
}

func (proxyClass) Get(o *host.Object, k host.Key) (any, error) {
	st := state(o)
	if st.id == Invalid {
		return InvalidReference, nil
	}
	m := newMessage(OpGet, st.id)
	m.Key = k
	return st.send(m)
}

func (proxyClass) Set(o *host.Object, k host.Key, v any) error {
	st := state(o)
	if st.id == Invalid {
		return nil
	}
	m := newMessage(OpSet, st.id)
	m.Key = k
	m.Value = st.ch.valueFromHost(v)
	_, err := st.send(m)
	return err
}

func (proxyClass) Has(o *host.Object, k host.Key) (bool, error) {
	st := state(o)
	if st.id == Invalid {
		return false, nil
	}
	m := newMessage(OpHas, st.id)
	m.Key = k
	v, err := st.send(m)
	b, _ := v.(bool)
	return b, err
}

func (proxyClass) Delete(o *host.Object, k host.Key) (bool, error) {
	st := state(o)
	if st.id == Invalid {
		return false, nil
	}
	m := newMessage(OpDelete, st.id)
	m.Key = k
	v, err := st.send(m)
	b, _ := v.(bool)
	return b, err
}

func (proxyClass) Keys(o *host.Object, f host.EnumFilter) ([]string, error) {
	st := state(o)
	if st.id == Invalid {
		return nil, nil
	}
	m := newMessage(OpEnumerate, st.id)
	m.Filter = f
	if _, err := st.send(m); err != nil {
		return nil, err
	}
	return m.Keys, nil
}

func (proxyClass) Invoke(o *host.Object, method string, args []any) (any, error) {
	st := state(o)
	if st.id == Invalid {
		return InvalidReference, nil
	}
	m := newMessage(OpInvoke, st.id)
	m.Key = host.Name(method)
	m.Args = st.ch.valuesFromHost(args)
	return st.send(m)
}

func (proxyClass) Call(o *host.Object, args []any) (any, error) {
	st := state(o)
	if st.id == Invalid {
		return InvalidReference, nil
	}
	m := newMessage(OpCall, st.id)
	m.Args = st.ch.valuesFromHost(args)
	return st.send(m)
}

func (proxyClass) Callable(o *host.Object) bool {
	return state(o).callable
}

// Describe returns a printable description of o for logs.
func Describe(o *host.Object) string {
	if st, ok := o.Internal.(*proxyState); ok {
		if st.id == Invalid {
			return "LuaObject(invalid)"
		}
		return fmt.Sprintf("LuaObject%s", st.id)
	}
	return fmt.Sprintf("HostObject(%p)", o)
}
