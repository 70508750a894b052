package host

import "unsafe"

// Ownership says who owns a Buffer's storage.
type Ownership int

const (
	// Owned storage belongs to the receiver.
	Owned Ownership = iota
	// NotOwned storage is a view that is only valid for the duration of
	// the call that received it.
	NotOwned
)

func (o Ownership) String() string {
	if o == NotOwned {
		return "not-owned"
	}
	return "owned"
}

// Buffer is a byte buffer passed between the runtimes.
type Buffer struct {
	Data      []byte
	Ownership Ownership
}

// NewBuffer returns an owned buffer holding a copy of p.
func NewBuffer(p []byte) *Buffer {
	return &Buffer{Data: append([]byte(nil), p...), Ownership: Owned}
}

// View returns a not-owned buffer over p without copying.
func View(p []byte) *Buffer {
	return &Buffer{Data: p, Ownership: NotOwned}
}

// ViewString returns a not-owned buffer over the bytes of s without copying.
// The receiver must not modify Data.
func ViewString(s string) *Buffer {
	if s == "" {
		return &Buffer{Ownership: NotOwned}
	}
	return &Buffer{Data: unsafe.Slice(unsafe.StringData(s), len(s)), Ownership: NotOwned}
}

// Len returns the number of bytes in the buffer.
func (b *Buffer) Len() int {
	return len(b.Data)
}

// Retain returns bytes the caller may keep after the call returns,
// copying when the buffer is only a view.
func (b *Buffer) Retain() []byte {
	if b.Ownership == Owned {
		return b.Data
	}
	return append([]byte(nil), b.Data...)
}

func (b *Buffer) String() string {
	return string(b.Data)
}
