package buffer

import (
	"fmt"
	"sync/atomic"
)

// ByteBuf is a contiguous Buf backed by a single slice. The readable region is
// data[r:], and cap(data)-len(data) is writable capacity.
type ByteBuf struct {
	refCnt         int32
	data           []byte
	r              int
	transportReady bool
	recycle        func(b *ByteBuf)
	tracker        *TrackingAllocator
}

// NewByteBuf wraps p as a transport-ready buffer. The buffer takes ownership of p,
// and its readable region is all of p.
func NewByteBuf(p []byte) *ByteBuf {
	return &ByteBuf{refCnt: 1, data: p, transportReady: true}
}

func newByteBuf(capacity int, transportReady bool, recycle func(*ByteBuf)) *ByteBuf {
	return &ByteBuf{
		refCnt:         1,
		data:           make([]byte, 0, capacity),
		transportReady: transportReady,
		recycle:        recycle,
	}
}

func (b *ByteBuf) ensureAccessible() {
	if n := atomic.LoadInt32(&b.refCnt); n <= 0 {
		panic(&IllegalRefCountError{RefCnt: n, Delta: 0})
	}
}

// RefCnt returns the current reference count.
func (b *ByteBuf) RefCnt() int32 {
	return atomic.LoadInt32(&b.refCnt)
}

// Retain increments the reference count.
func (b *ByteBuf) Retain() {
	for {
		n := atomic.LoadInt32(&b.refCnt)
		if n <= 0 {
			b.tracker.illegalRefCount(b, n, 1)
		}
		if atomic.CompareAndSwapInt32(&b.refCnt, n, n+1) {
			return
		}
	}
}

// Release decrements the reference count, recycling the buffer when it reaches 0.
func (b *ByteBuf) Release() bool {
	for {
		n := atomic.LoadInt32(&b.refCnt)
		if n <= 0 {
			b.tracker.illegalRefCount(b, n, -1)
		}
		if atomic.CompareAndSwapInt32(&b.refCnt, n, n-1) {
			if n != 1 {
				return false
			}
			if b.recycle != nil {
				b.recycle(b)
			}
			return true
		}
	}
}

// ReadableBytes returns the number of readable bytes.
func (b *ByteBuf) ReadableBytes() int {
	return len(b.data) - b.r
}

// WritableBytes returns the remaining capacity.
func (b *ByteBuf) WritableBytes() int {
	return cap(b.data) - len(b.data)
}

// Bytes returns the readable region. The slice aliases the buffer.
func (b *ByteBuf) Bytes() []byte {
	b.ensureAccessible()
	return b.data[b.r:]
}

// Segments returns the readable region as a single segment.
func (b *ByteBuf) Segments() [][]byte {
	if b.ReadableBytes() == 0 {
		return nil
	}
	return [][]byte{b.Bytes()}
}

// Skip discards n readable bytes.
func (b *ByteBuf) Skip(n int) {
	b.ensureAccessible()
	if n < 0 || n > b.ReadableBytes() {
		panic(fmt.Sprintf("Skip(%d) out of range (readable=%d)", n, b.ReadableBytes()))
	}
	b.r += n
}

// Write appends p.
func (b *ByteBuf) Write(p []byte) (int, error) {
	b.ensureAccessible()
	b.data = append(b.data, p...)
	return len(p), nil
}

// WriteString appends s.
func (b *ByteBuf) WriteString(s string) (int, error) {
	b.ensureAccessible()
	b.data = append(b.data, s...)
	return len(s), nil
}

// WriteByte appends c.
func (b *ByteBuf) WriteByte(c byte) error {
	b.ensureAccessible()
	b.data = append(b.data, c)
	return nil
}

// WritableTail returns at least minSize bytes of writable capacity, growing if
// needed. Data placed there becomes readable after Commit.
func (b *ByteBuf) WritableTail(minSize int) []byte {
	b.ensureAccessible()
	if b.WritableBytes() < minSize {
		grown := make([]byte, len(b.data), len(b.data)+minSize)
		copy(grown, b.data)
		b.data = grown
	}
	return b.data[len(b.data):cap(b.data)]
}

// Commit makes n bytes previously placed in WritableTail readable.
func (b *ByteBuf) Commit(n int) {
	if n < 0 || n > b.WritableBytes() {
		panic(fmt.Sprintf("Commit(%d) out of range (writable=%d)", n, b.WritableBytes()))
	}
	b.data = b.data[:len(b.data)+n]
}

// DiscardReadBytes moves the readable region to the front of the backing slice.
func (b *ByteBuf) DiscardReadBytes() {
	if b.r == 0 {
		return
	}
	n := copy(b.data, b.data[b.r:])
	b.data = b.data[:n]
	b.r = 0
}

// ReaderIndex returns the number of bytes consumed since the last DiscardReadBytes.
func (b *ByteBuf) ReaderIndex() int {
	return b.r
}

// IsTransportReady reports whether the buffer may be handed to the transport as is.
func (b *ByteBuf) IsTransportReady() bool {
	return b.transportReady
}

func (b *ByteBuf) reset() {
	b.data = b.data[:0]
	b.r = 0
	b.tracker = nil
	atomic.StoreInt32(&b.refCnt, 1)
}

func (b *ByteBuf) String() string {
	return fmt.Sprintf("ByteBuf(readable=%d, cap=%d, refCnt=%d)", len(b.data)-b.r, cap(b.data), b.RefCnt())
}
