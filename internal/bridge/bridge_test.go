package bridge

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/zot/lua-embed/internal/host"
)

// harness runs a channel between a live host loop and a Lua state on its
// own goroutine. The Lua goroutine serves host messages while idle.
type harness struct {
	t    *testing.T
	loop *host.Loop
	ch   *Channel
	L    *lua.LState
	work chan func()
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	loop := host.NewLoop(64)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)

	h := &harness{t: t, loop: loop, work: make(chan func())}
	h.ch = NewChannel(loop, NewMapStore(), opts)
	ready := make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		h.L = lua.NewState()
		defer h.L.Close()
		h.ch.Bind(h.L)
		close(ready)
		for {
			select {
			case fn, ok := <-h.work:
				if !ok {
					return
				}
				fn()
			case <-h.ch.wake:
				h.ch.drainEmbedded()
			}
		}
	}()
	<-ready
	t.Cleanup(func() {
		close(h.work)
		cancel()
	})
	return h
}

// onLua runs fn on the Lua goroutine and waits for it.
func (h *harness) onLua(fn func(L *lua.LState)) {
	done := make(chan struct{})
	h.work <- func() {
		defer close(done)
		fn(h.L)
	}
	<-done
}

// onHost runs fn on the host loop and waits for it.
func (h *harness) onHost(fn func()) {
	_, err := h.loop.Call(func() (any, error) {
		fn()
		return nil, nil
	})
	require.NoError(h.t, err)
}

// run executes a Lua chunk on the Lua goroutine.
func (h *harness) run(src string) error {
	var err error
	h.onLua(func(L *lua.LState) { err = L.DoString(src) })
	return err
}

// give makes host object o visible to Lua as global name.
func (h *harness) give(name string, o *host.Object) {
	var v Value
	h.onHost(func() { v = h.ch.ValueFromHost(o) })
	h.onLua(func(L *lua.LState) { L.SetGlobal(name, h.ch.LuaValue(v)) })
}

// luaHandle maps the Lua global name and returns its handle.
func (h *harness) luaHandle(name string) Value {
	var v Value
	h.onLua(func(L *lua.LState) { v = h.ch.ValueFromLua(L.GetGlobal(name)) })
	return v
}

func TestAllocator(t *testing.T) {
	a := newAllocator()
	assert.True(t, a.isOpen())
	assert.Equal(t, Handle(1), a.allocate())
	assert.Equal(t, Handle(2), a.allocate())
	assert.Equal(t, Handle(2), a.closeAndDrain())
	assert.False(t, a.isOpen())
	assert.Equal(t, Invalid, a.allocate())
	assert.Equal(t, Handle(0), a.closeAndDrain())
}

func TestIDForHostObjectIsStable(t *testing.T) {
	h := newHarness(t, Options{})
	h.onHost(func() {
		o := host.NewObject()
		id := h.ch.IDForHostObject(o)
		require.NotEqual(t, Invalid, id)
		assert.Equal(t, id, h.ch.IDForHostObject(o))

		// round trip
		assert.Same(t, o, h.ch.HostObjectForHandle(id))
		assert.Equal(t, id, h.ch.IDForHostObject(h.ch.HostObjectForHandle(id)))

		h.ch.ClearHostHandle(id)
		h.ch.ClearHostHandle(id)
		again := h.ch.IDForHostObject(o)
		assert.NotEqual(t, id, again, "handles are never reused")
		assert.NotEqual(t, Invalid, again)
	})
}

func TestClearAllHostHandles(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.run(`obj = setmetatable({x = 1}, {})`))
	lv := h.luaHandle("obj")
	require.Equal(t, KindEmbeddedObject, lv.Kind)

	h.onHost(func() {
		h.ch.IDForHostObject(host.NewObject())
		h.ch.IDForHostObject(host.NewObject())
		proxy := h.ch.HostObjectForHandle(lv.Handle)
		require.True(t, IsValid(proxy))

		assert.Equal(t, 3, h.ch.ClearAllHostHandles())
		assert.Equal(t, 0, h.ch.ClearAllHostHandles())

		assert.False(t, IsValid(proxy))
		v, err := proxy.Get(host.Name("x"))
		assert.NoError(t, err)
		assert.Same(t, InvalidReference, v)
		assert.NoError(t, proxy.Set(host.Name("x"), int64(2)))
		v, err = proxy.Invoke("x", nil)
		assert.NoError(t, err)
		assert.Same(t, InvalidReference, v)

		// a closed channel issues no handles and hands out detached proxies
		assert.Equal(t, Invalid, h.ch.IDForHostObject(host.NewObject()))
		detached := h.ch.HostObjectForHandle(99)
		assert.False(t, IsValid(detached))
		keys, err := detached.Keys(host.EnumAll)
		assert.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestArraySnapshotsGetDistinctHandles(t *testing.T) {
	h := newHarness(t, Options{})
	h.onLua(func(L *lua.LState) {
		arr := L.NewTable()
		arr.Append(lua.LNumber(1))
		a := h.ch.IDForEmbeddedValue(arr)
		b := h.ch.IDForEmbeddedValue(arr)
		assert.NotEqual(t, a, b)

		snap := h.ch.entry(a).value
		assert.NotSame(t, arr, snap)
		assert.Equal(t, a, h.ch.IDForEmbeddedValue(snap), "the snapshot itself keeps its handle")

		obj := L.NewTable()
		L.SetMetatable(obj, L.NewTable())
		assert.Equal(t, h.ch.IDForEmbeddedValue(obj), h.ch.IDForEmbeddedValue(obj))

		assert.Equal(t, Invalid, h.ch.IDForEmbeddedValue(lua.LNil))
	})
}

func TestProxiesObserveMutation(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.run(`obj = setmetatable({x = 1}, {})`))
	lv := h.luaHandle("obj")

	var first *host.Object
	h.onHost(func() {
		first = h.ch.HostObjectForHandle(lv.Handle)
		v, err := first.Get(host.Name("x"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)
	})

	require.NoError(t, h.run(`obj.x = 2`))

	h.onHost(func() {
		second := h.ch.HostObjectForHandle(lv.Handle)
		assert.Same(t, first, second)
		v, err := second.Get(host.Name("x"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)
	})
}

func TestEnumerateOnlyIndex(t *testing.T) {
	h := newHarness(t, Options{})

	// a Lua object seen from the host
	require.NoError(t, h.run(`obj = setmetatable({a = 1, [0] = 2, [1] = 3}, {})`))
	lv := h.luaHandle("obj")
	h.onHost(func() {
		p := h.ch.HostObjectForHandle(lv.Handle)
		keys, err := p.Keys(host.EnumIndices)
		require.NoError(t, err)
		assert.Equal(t, []string{"0", "1"}, keys)

		keys, err = p.Keys(host.EnumAll)
		require.NoError(t, err)
		assert.Equal(t, []string{"0", "1", "a"}, keys)
	})

	// a host object seen from Lua
	h.give("hobj", host.NewObjectFrom("a", int64(1), "0", int64(2), "1", int64(3)))
	require.NoError(t, h.run(`
		local bridge = require("bridge")
		local keys = bridge.keys(hobj, "indices")
		assert(#keys == 2, "two index keys")
		assert(keys[1] == "0" and keys[2] == "1", "ascending")
		local props = bridge.keys(hobj, "properties")
		assert(#props == 1 and props[1] == "a")
	`))
}

func TestStringIndexKeysRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.run(`obj = setmetatable({a = 1, ["0"] = 2, ["1"] = 3}, {})`))
	lv := h.luaHandle("obj")
	h.onHost(func() {
		p := h.ch.HostObjectForHandle(lv.Handle)
		keys, err := p.Keys(host.EnumIndices)
		require.NoError(t, err)
		assert.Equal(t, []string{"0", "1"}, keys)

		v, err := p.Get(host.Index(0))
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)

		has, err := p.Has(host.Name("1"))
		require.NoError(t, err)
		assert.True(t, has)

		require.NoError(t, p.Set(host.Index(1), int64(30)))
		deleted, err := p.Delete(host.Index(0))
		require.NoError(t, err)
		assert.True(t, deleted)
	})
	require.NoError(t, h.run(`
		assert(obj["0"] == nil and obj[0] == nil, "deleted through the string key")
		assert(obj["1"] == 30 and obj[1] == nil, "set through the string key")
	`))
}

func TestLuaOperatesOnHostObject(t *testing.T) {
	h := newHarness(t, Options{})
	o := host.NewObjectFrom("name", "ann", "n", int64(2))
	o.Set(host.Name("greet"), host.NewFunc(func(this *host.Object, args []any) (any, error) {
		return "hello " + args[0].(string) + " from " + this.GetName("name").(string), nil
	}))
	o.Set(host.Name("fail"), host.NewFunc(func(*host.Object, []any) (any, error) {
		return nil, host.Throw("nope")
	}))
	h.give("obj", o)

	require.NoError(t, h.run(`
		local bridge = require("bridge")
		assert(obj.name == "ann")
		obj.name = "bob"
		obj.extra = true
		assert(obj:greet("z") == "hello z from bob")
		assert(bridge.has(obj, "extra"))
		assert(bridge.delete(obj, "extra"))
		assert(not bridge.has(obj, "extra"))
		obj.n = nil
		local ok, err = pcall(function() return obj:fail() end)
		assert(not ok)
		assert(string.find(err, "nope"), err)
		assert(bridge.valid(obj))
		assert(tostring(obj):find("HostObject#"))
	`))

	h.onHost(func() {
		assert.Equal(t, "bob", o.GetName("name"))
		has, _ := o.Has(host.Name("n"))
		assert.False(t, has)
	})
}

func TestHostArrayFromLua(t *testing.T) {
	h := newHarness(t, Options{})
	h.give("arr", host.NewArray("a", "b", "c"))
	require.NoError(t, h.run(`
		local bridge = require("bridge")
		assert(#arr == 3)
		assert(arr[0] == "a" and arr[2] == "c")
		arr.length = 1
		assert(arr.length == 1)
		local n = 0
		for k, v in bridge.pairs(arr) do n = n + 1 assert(k == 0 and v == "a") end
		assert(n == 1)
	`))
}

func TestHostInvokesLua(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.run(`
		calc = setmetatable({base = 10}, {})
		function calc:add(a, b) return self.base + a + b end
		function calc:boom() error("kaboom") end
		fn = function(x) return x * 2 end
	`))
	calc := h.luaHandle("calc")
	fn := h.luaHandle("fn")
	require.True(t, fn.Callable)

	h.onHost(func() {
		p := h.ch.HostObjectForHandle(calc.Handle)
		v, err := p.Invoke("add", []any{int64(1), int64(2)})
		require.NoError(t, err)
		assert.Equal(t, int64(13), v)

		_, err = p.Invoke("boom", nil)
		var ex *host.Exception
		require.ErrorAs(t, err, &ex)
		assert.Contains(t, ex.Message, "kaboom")

		_, err = p.Invoke("base", nil)
		require.ErrorAs(t, err, &ex)
		assert.Contains(t, ex.Message, "not a function")

		f := h.ch.HostValue(fn).(*host.Object)
		assert.True(t, f.Callable())
		v, err = f.Call([]any{2.5})
		require.NoError(t, err)
		assert.Equal(t, int64(5), v, "integral results cross as integers")
	})
}

func TestCollectionCapability(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.run(`
		store = {}
		coll = setmetatable({}, {
			__get = function(self, k) return store[k] end,
			__set = function(self, k, v) store[k] = v end,
			__count = function(self) local n = 0 for _ in pairs(store) do n = n + 1 end return n end,
		})
	`))
	coll := h.luaHandle("coll")
	h.onHost(func() {
		p := h.ch.HostObjectForHandle(coll.Handle)
		require.NoError(t, p.Set(host.Index(0), "zero"))
		require.NoError(t, p.Set(host.Name("1"), "one"))
		v, err := p.Get(host.Index(1))
		require.NoError(t, err)
		assert.Equal(t, "one", v)
		n, err := p.Get(host.Name("length"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		keys, err := p.Keys(host.EnumAll)
		require.NoError(t, err)
		assert.Equal(t, []string{"0", "1"}, keys)
		_, err = p.Delete(host.Index(0))
		assert.Error(t, err, "no __unset means read-only for deletes")
	})
}

func TestWaitTokenDefersReply(t *testing.T) {
	h := newHarness(t, Options{})
	o := host.NewObject()
	o.Set(host.Name("fetch"), host.NewFunc(func(_ *host.Object, args []any) (any, error) {
		cb := args[1].(*host.Object)
		go func() {
			time.Sleep(10 * time.Millisecond)
			h.loop.Post(func() { cb.Call([]any{nil, "data:" + args[0].(string)}) })
		}()
		return nil, nil
	}))
	o.Set(host.Name("reject"), host.NewFunc(func(_ *host.Object, args []any) (any, error) {
		cb := args[0].(*host.Object)
		h.loop.Post(func() { cb.Call([]any{"denied"}) })
		return nil, nil
	}))
	h.give("svc", o)
	require.NoError(t, h.run(`
		local bridge = require("bridge")
		assert(svc:fetch("x", bridge.wait()) == "data:x")
		local ok, err = pcall(function() return svc:reject(bridge.wait()) end)
		assert(not ok and string.find(err, "denied"), err)
	`))
}

func TestCallTimeout(t *testing.T) {
	h := newHarness(t, Options{CallTimeout: 30 * time.Millisecond})
	o := host.NewObject()
	o.Set(host.Name("never"), host.NewFunc(func(*host.Object, []any) (any, error) {
		return nil, nil
	}))
	h.give("svc", o)
	require.NoError(t, h.run(`
		local ok, err = pcall(function() return svc:never(require("bridge").wait()) end)
		assert(not ok and string.find(err, "timed out"), err)
	`))
}

func TestEmbeddedValueOwnership(t *testing.T) {
	h := newHarness(t, Options{})
	var id Handle
	h.onHost(func() { id = h.ch.IDForHostObject(host.NewObject()) })
	h.onLua(func(L *lua.LState) {
		ref := h.ch.EmbeddedValueForHandle(id)
		require.True(t, ref.Owned)
		assert.Equal(t, 2, h.ch.entry(id).refs)
		ref.Release()
		ref.Release()
		assert.Equal(t, 1, h.ch.entry(id).refs)

		again := h.ch.EmbeddedValueForHandle(id)
		assert.False(t, again.Owned)
		assert.Equal(t, ref.Value, again.Value)

		e := h.ch.entry(id)
		h.ch.ClearEmbeddedHandle(id)
		assert.Zero(t, e.refs)
		assert.Nil(t, h.ch.entry(id))
		assert.Equal(t, Invalid, again.Value.(*lua.LUserData).Value.(*foreign).id, "cleared wrappers are neutered")
	})
}

func TestReleaseFromLua(t *testing.T) {
	h := newHarness(t, Options{})
	o := host.NewObjectFrom("x", int64(1))
	h.give("obj", o)
	require.NoError(t, h.run(`
		local bridge = require("bridge")
		local keep = obj
		bridge.release(obj)
		assert(not bridge.valid(keep))
		assert(keep.x == nil)
	`))
	assert.Eventually(t, func() bool {
		n := -1
		h.onHost(func() { n = h.ch.store.Len() })
		return n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, Options{})
	h.give("obj", host.NewObject())
	require.NoError(t, h.run(`me = setmetatable({}, {})`))
	me := h.luaHandle("me")

	var proxy *host.Object
	h.onHost(func() { proxy = h.ch.HostObjectForHandle(me.Handle) })

	var hostN, luaN int
	h.onLua(func(L *lua.LState) { hostN, luaN = h.ch.Shutdown() })
	assert.Equal(t, 2, hostN)
	assert.Equal(t, 2, luaN)

	require.NoError(t, h.run(`
		local bridge = require("bridge")
		assert(not bridge.valid(obj))
		assert(obj.anything == nil)
	`))
	h.onHost(func() {
		assert.False(t, h.ch.IsOpen())
		v, err := proxy.Get(host.Name("x"))
		assert.NoError(t, err)
		assert.Same(t, InvalidReference, v)
		m := newMessage(OpGet, me.Handle)
		assert.ErrorIs(t, h.ch.SendToEmbedded(m, Sync), ErrChannelClosed)
		assert.Equal(t, KindInvalid, m.Result.Kind)
	})

	var again int
	h.onLua(func(L *lua.LState) { again = h.ch.ClearAllEmbeddedHandles() })
	assert.Zero(t, again)
}

func TestValueConversion(t *testing.T) {
	h := newHarness(t, Options{})
	h.onLua(func(L *lua.LState) {
		assert.Equal(t, IntValue(3), h.ch.ValueFromLua(lua.LNumber(3)))
		assert.Equal(t, FloatValue(1.5), h.ch.ValueFromLua(lua.LNumber(1.5)))
		assert.Equal(t, StringValue("s"), h.ch.ValueFromLua(lua.LString("s")))
		assert.Equal(t, Null, h.ch.ValueFromLua(lua.LNil))
		assert.Equal(t, WaitValue, h.ch.ValueFromLua(h.ch.waitToken))
		assert.Equal(t, lua.LString("buf"), h.ch.LuaValue(BufferValue(host.NewBuffer([]byte("buf")))))
		assert.Equal(t, lua.LNil, h.ch.LuaValue(InvalidValue))
	})
	h.onHost(func() {
		assert.Equal(t, InvalidValue, h.ch.ValueFromHost(InvalidReference))
		assert.Same(t, InvalidReference, h.ch.HostValue(InvalidValue))
		assert.Same(t, InvalidReference, h.ch.HostValue(HostObjectValue(1234, false)))
		assert.Equal(t, KindBuffer, h.ch.ValueFromHost([]byte("x")).Kind)
	})
}
