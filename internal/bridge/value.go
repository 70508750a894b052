package bridge

import (
	"fmt"

	"github.com/zot/lua-embed/internal/host"
)

// Kind tags the contents of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBuffer
	KindHostObject
	KindEmbeddedObject
	KindWait
	KindInvalid
)

var kindNames = [...]string{"null", "bool", "int", "float", "string", "buffer", "host object", "embedded object", "wait", "invalid"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is the only thing that crosses the boundary. Objects cross as
// handles tagged with the side that owns them.
type Value struct {
	Kind     Kind
	Bool     bool
	Int      int64
	Float    float64
	Str      string
	Buf      *host.Buffer
	Handle   Handle
	Callable bool
}

// Null is the null value.
var Null = Value{Kind: KindNull}

// InvalidValue is the value of a stale or neutered reference.
var InvalidValue = Value{Kind: KindInvalid}

// WaitValue is the wait token. A host function receiving it as an argument
// gets a callback instead, and the caller blocks until that callback runs.
var WaitValue = Value{Kind: KindWait}

// BoolValue returns a boolean value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntValue returns an integer value.
func IntValue(n int64) Value { return Value{Kind: KindInt, Int: n} }

// FloatValue returns a floating-point value.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// StringValue returns a string value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// BufferValue returns a buffer value. A not-owned buffer is only valid
// for the duration of the call it is passed to.
func BufferValue(b *host.Buffer) Value {
	return Value{Kind: KindBuffer, Buf: b}
}

// HostObjectValue references a host object by handle.
// Handle 0 yields InvalidValue.
func HostObjectValue(h Handle, callable bool) Value {
	if h == Invalid {
		return InvalidValue
	}
	return Value{Kind: KindHostObject, Handle: h, Callable: callable}
}

// EmbeddedObjectValue references a Lua value by handle.
// Handle 0 yields InvalidValue.
func EmbeddedObjectValue(h Handle, callable bool) Value {
	if h == Invalid {
		return InvalidValue
	}
	return Value{Kind: KindEmbeddedObject, Handle: h, Callable: callable}
}

// IsObject reports whether v references an object on either side.
func (v Value) IsObject() bool {
	return v.Kind == KindHostObject || v.Kind == KindEmbeddedObject
}

func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return fmt.Sprint(v.Bool)
	case KindInt:
		return fmt.Sprint(v.Int)
	case KindFloat:
		return fmt.Sprint(v.Float)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindBuffer:
		return fmt.Sprintf("buffer[%d %s]", v.Buf.Len(), v.Buf.Ownership)
	case KindHostObject, KindEmbeddedObject:
		return fmt.Sprintf("%s %s", v.Kind, v.Handle)
	}
	return v.Kind.String()
}

// InvalidReference is what host code sees when it reads through a stale
// or neutered reference.
var InvalidReference = &Placeholder{}

// Placeholder is the type of InvalidReference.
type Placeholder struct{}

func (*Placeholder) String() string {
	return "[invalid reference]"
}
