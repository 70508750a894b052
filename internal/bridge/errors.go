package bridge

import (
	"errors"
	"fmt"

	"github.com/zot/lua-embed/internal/host"
)

// ErrChannelClosed is returned when a message cannot be delivered because
// the channel has shut down.
var ErrChannelClosed = errors.New("channel closed")

// ErrCallTimeout is returned when a synchronous call exceeds the configured bound.
var ErrCallTimeout = errors.New("cross-boundary call timed out")

// MappingExhaustedError reports that a handle was needed after the
// allocator closed. Callers see the Invalid handle instead.
type MappingExhaustedError struct {
	Op string
}

func (e *MappingExhaustedError) Error() string {
	return fmt.Sprintf("%s: handle space closed", e.Op)
}

// StaleHandleError reports an operation against a neutered proxy.
// Callers see InvalidReference instead.
type StaleHandleError struct {
	Handle Handle
	Op     Op
}

func (e *StaleHandleError) Error() string {
	return fmt.Sprintf("%s on stale handle %s", e.Op, e.Handle)
}

// ProtocolViolationError reports a reply of an unexpected shape.
type ProtocolViolationError struct {
	Op       string
	Expected string
	Got      Kind
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("%s: expected %s reply, got %s", e.Op, e.Expected, e.Got)
}

// IsException reports whether err carries a value thrown across the boundary.
func IsException(err error) bool {
	var ex *host.Exception
	return errors.As(err, &ex)
}
