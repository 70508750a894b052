package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cast"

	"github.com/zot/lua-embed/internal/config"
	"github.com/zot/lua-embed/internal/host"
)

// responseStream is the host stream of an HTTP request. Its methods run on
// the host loop while the handler goroutine waits for the request to end.
type responseStream struct {
	config *config.Config
	loop   *host.Loop
	w      http.ResponseWriter
	body   io.Reader

	status      int
	wroteHeader bool
	written     int64
}

func newResponseStream(cfg *config.Config, loop *host.Loop, w http.ResponseWriter, r *http.Request) *responseStream {
	var body io.Reader = http.NoBody
	if r.Body != nil {
		body = r.Body
	}
	return &responseStream{config: cfg, loop: loop, w: w, body: body, status: http.StatusOK}
}

// object exposes the stream to scripts as write, sendHeader and read.
func (s *responseStream) object() *host.Object {
	return host.NewObjectFrom(
		"write", host.NewFunc(s.write),
		"sendHeader", host.NewFunc(s.sendHeader),
		"read", host.NewFunc(s.read),
	)
}

func (s *responseStream) commit() {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	s.w.WriteHeader(s.status)
}

// write(buffer[, callback]) writes the buffer. With a callback it also
// flushes the response and then calls back.
func (s *responseStream) write(_ *host.Object, args []any) (any, error) {
	s.commit()
	if len(args) > 0 {
		if b, ok := args[0].(*host.Buffer); ok && b.Len() > 0 {
			n, err := s.w.Write(b.Data)
			s.written += int64(n)
			if err != nil {
				return nil, host.Throw(err.Error())
			}
		}
	}
	if cb := callbackArg(args, 1); cb != nil {
		if f, ok := s.w.(http.Flusher); ok {
			f.Flush()
		}
		return cb.Call([]any{nil, nil})
	}
	return nil, nil
}

// sendHeader(buffer|nil) takes one raw header line. Status lines set the
// response code; nil commits the headers.
func (s *responseStream) sendHeader(_ *host.Object, args []any) (any, error) {
	var b *host.Buffer
	if len(args) > 0 {
		b, _ = args[0].(*host.Buffer)
	}
	if b == nil {
		s.commit()
		return nil, nil
	}
	if s.wroteHeader {
		s.config.Log(2, "http: header after body ignored: %s", b)
		return nil, nil
	}
	line := strings.TrimSpace(b.String())
	if strings.HasPrefix(line, "HTTP/") {
		// HTTP/1.1 404 Not Found
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, host.TypeError("bad status line %q", line)
		}
		return nil, s.setStatus(fields[1])
	}
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return nil, host.TypeError("bad header line %q", line)
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if strings.EqualFold(name, "Status") {
		code, _, _ := strings.Cut(value, " ")
		return nil, s.setStatus(code)
	}
	s.w.Header().Add(name, value)
	return nil, nil
}

func (s *responseStream) setStatus(code string) error {
	n, err := cast.ToIntE(code)
	if err != nil || n < 100 || n > 999 {
		return host.TypeError("bad status %q", code)
	}
	s.status = n
	return nil
}

// read(n, callback) reads up to n bytes of the request body on another
// goroutine and calls back on the loop with a buffer, empty at the end.
func (s *responseStream) read(_ *host.Object, args []any) (any, error) {
	if len(args) < 2 {
		return nil, host.TypeError("read(n, callback) expected")
	}
	n, err := cast.ToIntE(args[0])
	if err != nil || n < 0 {
		return nil, host.TypeError("bad read size %v", args[0])
	}
	cb := callbackArg(args, 1)
	if cb == nil {
		return nil, host.TypeError("callback expected")
	}
	go func() {
		buf := make([]byte, n)
		got, err := io.ReadFull(s.body, buf)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = nil
		}
		s.loop.Post(func() {
			if err != nil {
				_, _ = cb.Call([]any{err.Error()})
				return
			}
			_, _ = cb.Call([]any{nil, host.NewBuffer(buf[:got])})
		})
	}()
	return nil, nil
}

func callbackArg(args []any, i int) *host.Object {
	if len(args) > i {
		if cb, ok := args[i].(*host.Object); ok && cb.Callable() {
			return cb
		}
	}
	return nil
}

// socketStream is the host stream of a WebSocket request: every write
// becomes an output frame. Requests over a socket have no input.
type socketStream struct {
	send func(frame) error
	id   string
}

func (s *socketStream) object() *host.Object {
	return host.NewObjectFrom(
		"write", host.NewFunc(s.write),
		"sendHeader", host.NewFunc(func(*host.Object, []any) (any, error) { return nil, nil }),
		"read", host.NewFunc(func(_ *host.Object, args []any) (any, error) {
			if cb := callbackArg(args, 1); cb != nil {
				return cb.Call([]any{nil, host.NewBuffer(nil)})
			}
			return nil, nil
		}),
	)
}

func (s *socketStream) write(_ *host.Object, args []any) (any, error) {
	if len(args) > 0 {
		if b, ok := args[0].(*host.Buffer); ok && b.Len() > 0 {
			if err := s.send(frame{ID: s.id, Output: b.String()}); err != nil {
				return nil, host.Throw(err.Error())
			}
		}
	}
	if cb := callbackArg(args, 1); cb != nil {
		return cb.Call([]any{nil, nil})
	}
	return nil, nil
}
