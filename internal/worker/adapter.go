package worker

import (
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/lua-embed/internal/bridge"
	"github.com/zot/lua-embed/internal/host"
)

// Adapter is the I/O contract between the interpreter and the request's
// host stream. A nil or finished *Worker is a valid Adapter: output calls
// do nothing and input reads nothing.
type Adapter interface {
	Write(p []byte) int
	Flush()
	SendHeader(header []byte)
	ReadInput(buf []byte) int
}

var _ Adapter = (*Worker)(nil)

func (w *Worker) live() bool {
	return w != nil && w.active.Load()
}

// Write sends p to the stream's write method as a view that is only valid
// during the call. Host exceptions are logged and dropped. It always
// reports the whole of p as written. Embedded goroutine only.
func (w *Worker) Write(p []byte) int {
	if w.live() {
		w.write(host.View(p))
	}
	return len(p)
}

// writeString is Write without copying s.
func (w *Worker) writeString(s string) {
	if w.live() {
		w.write(host.ViewString(s))
	}
}

func (w *Worker) write(b *host.Buffer) {
	if _, err := w.ch.InvokeHost(w.stream, "write", bridge.BufferValue(b)); err != nil {
		w.config.Log(2, "%s: write failed (ignoring): %v", w, err)
	}
}

// Flush calls the stream's write method with an empty buffer and a wait
// callback, blocking until the host has drained its output.
func (w *Worker) Flush() {
	if !w.live() {
		return
	}
	if _, err := w.ch.InvokeHost(w.stream, "write", bridge.BufferValue(host.View(nil)), bridge.WaitValue); err != nil {
		w.config.Log(3, "%s: flush failed (ignoring): %v", w, err)
	}
}

// SendHeader passes one raw header line to the stream's sendHeader method.
// A nil header marks the last call.
func (w *Worker) SendHeader(header []byte) {
	if !w.live() {
		return
	}
	arg := bridge.Null
	if header != nil {
		arg = bridge.BufferValue(host.View(header))
	}
	if _, err := w.ch.InvokeHost(w.stream, "sendHeader", arg); err != nil {
		w.config.Log(2, "%s: sendHeader failed (ignoring): %v", w, err)
	}
}

// ReadInput asks the stream's read method for up to len(buf) bytes and
// copies the reply into buf. A reply that is not a buffer is a protocol
// violation and reads nothing.
func (w *Worker) ReadInput(buf []byte) int {
	if !w.live() {
		return 0
	}
	v, err := w.ch.InvokeHost(w.stream, "read", bridge.IntValue(int64(len(buf))), bridge.WaitValue)
	if err != nil {
		w.config.Log(2, "%s: read failed (ignoring): %v", w, err)
		return 0
	}
	if v.Kind != bridge.KindBuffer || v.Buf == nil {
		w.ch.RecordViolation(&bridge.ProtocolViolationError{Op: "read", Expected: "buffer", Got: v.Kind})
		return 0
	}
	return copy(buf, v.Buf.Data)
}

// openIO routes print and io.write through the adapter and preloads the
// request module.
func (w *Worker) openIO(L *lua.LState) {
	L.SetGlobal("print", L.NewFunction(w.luaPrint))
	if io, ok := L.GetGlobal("io").(*lua.LTable); ok {
		L.SetField(io, "write", L.NewFunction(w.luaIOWrite))
	}
	L.PreloadModule("request", w.loadRequestModule)
}

func (w *Worker) loadRequestModule(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"write":  w.luaIOWrite,
		"flush":  w.luaFlush,
		"header": w.luaHeader,
		"read":   w.luaRead,
	})
	L.SetField(mod, "id", lua.LNumber(w.id))
	L.Push(mod)
	return 1
}

func (w *Worker) luaPrint(L *lua.LState) int {
	var sb strings.Builder
	top := L.GetTop()
	for i := 1; i <= top; i++ {
		if i > 1 {
			sb.WriteByte('\t')
		}
		sb.WriteString(L.ToStringMeta(L.Get(i)).String())
	}
	sb.WriteByte('\n')
	w.writeString(sb.String())
	return 0
}

func (w *Worker) luaIOWrite(L *lua.LState) int {
	top := L.GetTop()
	for i := 1; i <= top; i++ {
		switch v := L.Get(i).(type) {
		case lua.LString:
			w.writeString(string(v))
		case lua.LNumber:
			w.writeString(v.String())
		default:
			L.ArgError(i, "string expected")
		}
	}
	return 0
}

func (w *Worker) luaFlush(L *lua.LState) int {
	w.Flush()
	return 0
}

// request.header(line) sends one header; request.header() ends the headers.
func (w *Worker) luaHeader(L *lua.LState) int {
	if L.Get(1) == lua.LNil {
		w.SendHeader(nil)
		return 0
	}
	w.SendHeader([]byte(L.CheckString(1)))
	return 0
}

// request.read(n) returns up to n bytes of input, or "" at end of input.
func (w *Worker) luaRead(L *lua.LState) int {
	n := L.OptInt(1, 8192)
	if n <= 0 {
		L.Push(lua.LString(""))
		return 1
	}
	buf := make([]byte, n)
	L.Push(lua.LString(buf[:w.ReadInput(buf)]))
	return 1
}
