package bridge

import (
	"github.com/zot/lua-embed/internal/host"
)

// handleOnHost performs a message from Lua against a host object. Host loop only.
func (c *Channel) handleOnHost(m *Message) {
	switch m.Op {
	case OpShutdown:
		n := c.ClearAllHostHandles()
		m.complete(IntValue(int64(n)), nil)
		return
	case OpRelease:
		c.ClearHostHandle(m.Target)
		m.complete(Null, nil)
		return
	}

	o, ok := c.store.Get(m.Target)
	if !ok || !IsValid(o) {
		c.cfg.Log(2, "%v", &StaleHandleError{Handle: m.Target, Op: m.Op})
		c.reply(m, InvalidValue, nil)
		return
	}

	switch m.Op {
	case OpGet:
		v, err := o.Get(m.Key)
		c.reply(m, c.valueFromHost(v), err)
	case OpSet:
		err := o.Set(m.Key, c.hostValue(m.Value))
		c.reply(m, Null, err)
	case OpHas:
		b, err := o.Has(m.Key)
		c.reply(m, BoolValue(b), err)
	case OpDelete:
		b, err := o.Delete(m.Key)
		c.reply(m, BoolValue(b), err)
	case OpEnumerate:
		keys, err := o.Keys(m.Filter)
		m.Keys = keys
		c.reply(m, IntValue(int64(len(keys))), err)
	case OpInvoke, OpCall:
		args, waiting := c.hostArgs(m)
		var v any
		var err error
		if m.Op == OpInvoke {
			v, err = o.Invoke(m.Key.Name, args)
		} else {
			v, err = o.Call(args)
		}
		// a wait token defers the reply to the callback unless the call threw
		if waiting && err == nil {
			return
		}
		c.reply(m, c.valueFromHost(v), err)
	default:
		c.reply(m, InvalidValue, nil)
	}
}

// hostArgs converts the arguments of m. A wait token becomes a
// node-style callback(err, value) that completes m when called.
func (c *Channel) hostArgs(m *Message) ([]any, bool) {
	args := make([]any, len(m.Args))
	waiting := false
	for i, a := range m.Args {
		if a.Kind != KindWait {
			args[i] = c.hostValue(a)
			continue
		}
		waiting = true
		args[i] = host.NewFunc(func(_ *host.Object, cbArgs []any) (any, error) {
			var errVal, val any
			if len(cbArgs) > 0 {
				errVal = cbArgs[0]
			}
			if len(cbArgs) > 1 {
				val = cbArgs[1]
			}
			if errVal != nil {
				c.reply(m, InvalidValue, host.Throw(errVal))
			} else {
				c.reply(m, c.valueFromHost(val), nil)
			}
			return nil, nil
		})
	}
	return args, waiting
}
