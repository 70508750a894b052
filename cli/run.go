package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cast"

	"github.com/zot/lua-embed/internal/config"
	"github.com/zot/lua-embed/internal/host"
	"github.com/zot/lua-embed/internal/worker"
)

// stdioStream connects a script to the process's standard streams.
type stdioStream struct {
	config *config.Config
	loop   *host.Loop
	out    io.Writer
	in     io.Reader
	wrote  bool
}

func (s *stdioStream) object() *host.Object {
	return host.NewObjectFrom(
		"write", host.NewFunc(s.write),
		"sendHeader", host.NewFunc(s.sendHeader),
		"read", host.NewFunc(s.read),
	)
}

func callbackArg(args []any, i int) *host.Object {
	if len(args) > i {
		if cb, ok := args[i].(*host.Object); ok && cb.Callable() {
			return cb
		}
	}
	return nil
}

func (s *stdioStream) write(_ *host.Object, args []any) (any, error) {
	if len(args) > 0 {
		if b, ok := args[0].(*host.Buffer); ok && b.Len() > 0 {
			s.wrote = true
			if _, err := s.out.Write(b.Data); err != nil {
				return nil, host.Throw(err.Error())
			}
		}
	}
	if cb := callbackArg(args, 1); cb != nil {
		return cb.Call([]any{nil, nil})
	}
	return nil, nil
}

// Headers have nowhere to go on a terminal; they are logged.
func (s *stdioStream) sendHeader(_ *host.Object, args []any) (any, error) {
	if len(args) > 0 {
		if b, ok := args[0].(*host.Buffer); ok {
			s.config.Log(2, "run: header %s", b)
		}
	}
	return nil, nil
}

func (s *stdioStream) read(_ *host.Object, args []any) (any, error) {
	cb := callbackArg(args, 1)
	if len(args) < 1 || cb == nil {
		return nil, host.TypeError("read(n, callback) expected")
	}
	n, err := cast.ToIntE(args[0])
	if err != nil || n < 0 {
		return nil, host.TypeError("bad read size %v", args[0])
	}
	go func() {
		buf := make([]byte, n)
		got, err := io.ReadAtLeast(s.in, buf, min(n, 1))
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
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

// runScript runs one script file with the standard streams as its stream.
// The result is printed when the script wrote nothing itself.
func runScript(args []string) int {
	cfg, rest, err := config.Load("run", args)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if len(rest) < 1 {
		fmt.Fprintln(stderr, "Usage: lua-embed run [options] FILE [ARGS...]")
		return 1
	}
	path, err := filepath.Abs(rest[0])
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	engine, stopLoop := newEngine(cfg)
	defer stopLoop()
	stream := &stdioStream{config: cfg, loop: engine.Loop(), out: stdout, in: stdin}
	req := worker.Request{
		Name:   rest[0],
		Path:   path,
		Stream: stream.object(),
		Args:   rest[1:],
		ServerVars: map[string]string{
			"REQUEST_METHOD":  "CLI",
			"SCRIPT_FILENAME": path,
		},
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	_, err = engine.Loop().Call(func() (any, error) {
		return engine.Request(req, func(result any, err error) {
			if err == nil && result != nil && !stream.wrote {
				fmt.Fprintln(stream.out, result)
			}
			done <- outcome{result, err}
		})
	})
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	o := <-done
	engine.Shutdown()
	if o.err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", rest[0], o.err)
		return 1
	}
	return 0
}
