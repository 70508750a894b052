package host

import "fmt"

// Exception is a value thrown by one runtime and observed by the other.
// Value is the thrown value, Message its printable form.
type Exception struct {
	Value   any
	Message string
}

func (e *Exception) Error() string {
	return e.Message
}

// Throw returns an exception carrying v. Host functions return it to make
// the calling Lua code raise an error.
func Throw(v any) error {
	return &Exception{Value: v, Message: fmt.Sprint(v)}
}

// TypeError returns an exception with a formatted message.
func TypeError(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return &Exception{Value: msg, Message: "TypeError: " + msg}
}
