package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zot/lua-embed/internal/host"
)

// capture is the host stream of a tool call. Output and headers are
// collected; input is empty. Host loop only.
type capture struct {
	out     bytes.Buffer
	headers []string
}

func (c *capture) object() *host.Object {
	return host.NewObjectFrom(
		"write", host.NewFunc(c.write),
		"sendHeader", host.NewFunc(c.sendHeader),
		"read", host.NewFunc(func(_ *host.Object, args []any) (any, error) {
			return reply(args, 1, host.NewBuffer(nil))
		}),
	)
}

func (c *capture) write(_ *host.Object, args []any) (any, error) {
	if len(args) > 0 {
		if b, ok := args[0].(*host.Buffer); ok {
			c.out.Write(b.Data)
		}
	}
	return reply(args, 1, nil)
}

func (c *capture) sendHeader(_ *host.Object, args []any) (any, error) {
	if len(args) > 0 {
		if b, ok := args[0].(*host.Buffer); ok {
			c.headers = append(c.headers, b.String())
		}
	}
	return nil, nil
}

// reply calls the callback at args[i], if any, with v.
func reply(args []any, i int, v any) (any, error) {
	if len(args) > i {
		if cb, ok := args[i].(*host.Object); ok && cb.Callable() {
			return cb.Call([]any{nil, v})
		}
	}
	return nil, nil
}

// runResult is the outcome of one tool call.
type runResult struct {
	Output  string   `json:"output"`
	Headers []string `json:"headers,omitempty"`
	Result  any      `json:"result,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// text renders r for a tool result: the output, then the result or error.
func (r runResult) text() string {
	var sb strings.Builder
	sb.WriteString(r.Output)
	if r.Output != "" && !strings.HasSuffix(r.Output, "\n") {
		sb.WriteByte('\n')
	}
	switch {
	case r.Error != "":
		fmt.Fprintf(&sb, "error: %s", r.Error)
	case r.Result != nil:
		data, err := json.Marshal(r.Result)
		if err != nil {
			data = []byte(fmt.Sprint(r.Result))
		}
		fmt.Fprintf(&sb, "result: %s", data)
	}
	return sb.String()
}
