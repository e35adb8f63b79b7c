// Package buffer provides the reference-counted byte buffers that flow through
// channel pipelines. A buffer that is handed to another component transfers
// ownership with it; whoever ends up holding it last must Release it exactly once.
package buffer

import (
	"errors"
	"fmt"

	"github.com/sammck-go/logger"
)

// RefCounted is implemented by messages whose lifetime is governed by an explicit
// reference count. A freshly allocated object has a count of 1.
type RefCounted interface {
	// RefCnt returns the current reference count. 0 means the object has been freed.
	RefCnt() int32

	// Retain increments the reference count.
	Retain()

	// Release decrements the reference count, and frees the object when it reaches 0.
	// Returns true if this call freed the object. Releasing an object that has already
	// been freed panics with *IllegalRefCountError.
	Release() bool
}

// Buf is a reference-counted byte buffer with a readable region followed by
// writable capacity.
type Buf interface {
	RefCounted

	// ReadableBytes returns the number of bytes that can be read.
	ReadableBytes() int

	// WritableBytes returns how many more bytes can be written without growing.
	WritableBytes() int

	// Bytes returns the readable region as one contiguous slice. For multi-segment
	// buffers the segments are consolidated first.
	Bytes() []byte

	// Segments returns the readable region as a list of slices, without copying.
	Segments() [][]byte

	// Skip discards n readable bytes.
	Skip(n int)

	// Write appends p, growing as necessary. Only read-only buffers return an error.
	Write(p []byte) (int, error)

	// WriteString appends s.
	WriteString(s string) (int, error)

	// WriteByte appends a single byte.
	WriteByte(c byte) error

	// IsTransportReady returns true if the buffer memory can be handed directly to
	// the transport for a gathered write.
	IsTransportReady() bool

	fmt.Stringer
}

// IllegalRefCountError is the panic value raised when a buffer is used after it
// has been freed.
type IllegalRefCountError struct {
	RefCnt int32
	Delta  int32
}

func (e *IllegalRefCountError) Error() string {
	return fmt.Sprintf("illegal reference count %d (delta %d)", e.RefCnt, e.Delta)
}

// Release releases msg if it is reference counted. Returns true if msg was freed.
func Release(msg interface{}) bool {
	if rc, ok := msg.(RefCounted); ok {
		return rc.Release()
	}
	return false
}

// Retain retains msg if it is reference counted, and returns msg.
func Retain(msg interface{}) interface{} {
	if rc, ok := msg.(RefCounted); ok {
		rc.Retain()
	}
	return msg
}

// SafeRelease releases msg if it is reference counted, logging instead of panicking
// if it has already been freed.
func SafeRelease(lg logger.Logger, msg interface{}) {
	rc, ok := msg.(RefCounted)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if lg == nil {
				lg = logger.NilLogger
			}
			lg.WLogf("Failed to release %v: %v", msg, r)
		}
	}()
	rc.Release()
}

// Copied returns a new buffer from alloc holding a copy of p.
func Copied(alloc Allocator, p []byte) Buf {
	b := alloc.Allocate(len(p))
	b.Write(p)
	return b
}

// CopiedString returns a new buffer from alloc holding a copy of s.
func CopiedString(alloc Allocator, s string) Buf {
	b := alloc.Allocate(len(s))
	b.WriteString(s)
	return b
}

// TransportCopy returns a transport-ready copy of the readable bytes of b. b
// itself is left untouched.
func TransportCopy(alloc Allocator, b Buf) Buf {
	if !alloc.IsTransportReady() {
		alloc = DefaultAllocator
	}
	c := alloc.Allocate(b.ReadableBytes())
	for _, seg := range b.Segments() {
		c.Write(seg)
	}
	return c
}

type emptyBuf struct{}

// Empty is a shared, immutable, zero-length buffer. Retain and Release have no effect.
var Empty Buf = emptyBuf{}

func (emptyBuf) RefCnt() int32 { return 1 }
func (emptyBuf) Retain() {}
func (emptyBuf) Release() bool { return false }
func (emptyBuf) ReadableBytes() int { return 0 }
func (emptyBuf) WritableBytes() int { return 0 }
func (emptyBuf) Bytes() []byte { return nil }
func (emptyBuf) Segments() [][]byte { return nil }
func (emptyBuf) IsTransportReady() bool { return true }
func (emptyBuf) String() string { return "EmptyBuf" }
func (emptyBuf) WriteByte(c byte) error { return errReadOnly }
func (emptyBuf) Write(p []byte) (int, error) { return 0, errReadOnly }
func (emptyBuf) WriteString(s string) (int, error) { return 0, errReadOnly }

func (emptyBuf) Skip(n int) {
	if n != 0 {
		panic(fmt.Sprintf("Skip(%d) on an empty buffer", n))
	}
}

var errReadOnly = errors.New("buffer is read-only")
