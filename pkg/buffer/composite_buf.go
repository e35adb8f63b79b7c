package buffer

import (
	"fmt"
	"sync/atomic"
)

// CompositeBuf presents an ordered list of component buffers as a single Buf. It
// owns its components and releases them when it is freed.
type CompositeBuf struct {
	refCnt     int32
	components []Buf
	alloc      Allocator
	tracker    *TrackingAllocator
}

// NewCompositeBuf creates an empty composite. Bytes written directly to it are
// placed in new components obtained from alloc.
func NewCompositeBuf(alloc Allocator) *CompositeBuf {
	if alloc == nil {
		alloc = DefaultAllocator
	}
	tracker, _ := alloc.(*TrackingAllocator)
	return &CompositeBuf{refCnt: 1, alloc: alloc, tracker: tracker}
}

func (c *CompositeBuf) ensureAccessible() {
	if n := atomic.LoadInt32(&c.refCnt); n <= 0 {
		panic(&IllegalRefCountError{RefCnt: n, Delta: 0})
	}
}

// AddComponent appends b, taking ownership of it. Empty buffers are released
// immediately rather than stored.
func (c *CompositeBuf) AddComponent(b Buf) {
	c.ensureAccessible()
	if b.ReadableBytes() == 0 {
		b.Release()
		return
	}
	c.components = append(c.components, b)
}

// NumComponents returns the number of stored components.
func (c *CompositeBuf) NumComponents() int {
	return len(c.components)
}

func (c *CompositeBuf) RefCnt() int32 {
	return atomic.LoadInt32(&c.refCnt)
}

func (c *CompositeBuf) Retain() {
	for {
		n := atomic.LoadInt32(&c.refCnt)
		if n <= 0 {
			c.tracker.illegalRefCount(c, n, 1)
		}
		if atomic.CompareAndSwapInt32(&c.refCnt, n, n+1) {
			return
		}
	}
}

func (c *CompositeBuf) Release() bool {
	for {
		n := atomic.LoadInt32(&c.refCnt)
		if n <= 0 {
			c.tracker.illegalRefCount(c, n, -1)
		}
		if atomic.CompareAndSwapInt32(&c.refCnt, n, n-1) {
			if n != 1 {
				return false
			}
			for _, b := range c.components {
				b.Release()
			}
			c.components = nil
			return true
		}
	}
}

func (c *CompositeBuf) ReadableBytes() int {
	n := 0
	for _, b := range c.components {
		n += b.ReadableBytes()
	}
	return n
}

// WritableBytes is always 0; writes always add a new component.
func (c *CompositeBuf) WritableBytes() int {
	return 0
}

// Bytes consolidates all components into a single one and returns its readable region.
func (c *CompositeBuf) Bytes() []byte {
	c.ensureAccessible()
	switch len(c.components) {
	case 0:
		return nil
	case 1:
		return c.components[0].Bytes()
	}
	merged := c.alloc.Allocate(c.ReadableBytes())
	for _, b := range c.components {
		for _, seg := range b.Segments() {
			merged.Write(seg)
		}
		b.Release()
	}
	c.components = []Buf{merged}
	return merged.Bytes()
}

func (c *CompositeBuf) Segments() [][]byte {
	c.ensureAccessible()
	var segs [][]byte
	for _, b := range c.components {
		segs = append(segs, b.Segments()...)
	}
	return segs
}

func (c *CompositeBuf) Skip(n int) {
	c.ensureAccessible()
	if n < 0 || n > c.ReadableBytes() {
		panic(fmt.Sprintf("Skip(%d) out of range (readable=%d)", n, c.ReadableBytes()))
	}
	for n > 0 {
		head := c.components[0]
		r := head.ReadableBytes()
		if n < r {
			head.Skip(n)
			return
		}
		n -= r
		head.Release()
		c.components = c.components[1:]
	}
}

func (c *CompositeBuf) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.AddComponent(Copied(c.alloc, p))
	return len(p), nil
}

func (c *CompositeBuf) WriteString(s string) (int, error) {
	if len(s) == 0 {
		return 0, nil
	}
	c.AddComponent(CopiedString(c.alloc, s))
	return len(s), nil
}

func (c *CompositeBuf) WriteByte(b byte) error {
	_, err := c.Write([]byte{b})
	return err
}

// IsTransportReady is true when every component is transport ready.
func (c *CompositeBuf) IsTransportReady() bool {
	for _, b := range c.components {
		if !b.IsTransportReady() {
			return false
		}
	}
	return true
}

func (c *CompositeBuf) String() string {
	return fmt.Sprintf("CompositeBuf(components=%d, readable=%d, refCnt=%d)", len(c.components), c.ReadableBytes(), c.RefCnt())
}
