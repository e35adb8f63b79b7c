package buffer

import (
	"fmt"
	"math/bits"
	"strings"
	"sync"
)

// Allocator creates new buffers.
type Allocator interface {
	// Allocate returns a new empty buffer with at least capacity bytes of writable space
	// and a reference count of 1.
	Allocate(capacity int) *ByteBuf

	// IsTransportReady reports whether buffers from this allocator can be written
	// by the transport without an intermediate copy.
	IsTransportReady() bool

	fmt.Stringer
}

const (
	minPooledShift = 6
	maxPooledShift = 16
)

// PooledAllocator recycles buffers through per-size-class pools. Buffers larger than
// 64KiB are not pooled.
type PooledAllocator struct {
	pools [maxPooledShift - minPooledShift + 1]sync.Pool
}

// NewPooledAllocator creates a new PooledAllocator.
func NewPooledAllocator() *PooledAllocator {
	a := &PooledAllocator{}
	for i := range a.pools {
		size := 1 << (i + minPooledShift)
		a.pools[i].New = func() interface{} {
			return newByteBuf(size, true, a.recycle)
		}
	}
	return a
}

func sizeClass(capacity int) int {
	if capacity <= 1<<minPooledShift {
		return 0
	}
	shift := bits.Len(uint(capacity - 1))
	if shift > maxPooledShift {
		return -1
	}
	return shift - minPooledShift
}

func (a *PooledAllocator) Allocate(capacity int) *ByteBuf {
	class := sizeClass(capacity)
	if class < 0 {
		return newByteBuf(capacity, true, nil)
	}
	return a.pools[class].Get().(*ByteBuf)
}

func (a *PooledAllocator) recycle(b *ByteBuf) {
	c := cap(b.data)
	if c < 1<<minPooledShift || c&(c-1) != 0 {
		// grown past its class by an append; let it go
		return
	}
	class := sizeClass(c)
	if class < 0 {
		return
	}
	b.reset()
	a.pools[class].Put(b)
}

func (a *PooledAllocator) IsTransportReady() bool { return true }

func (a *PooledAllocator) String() string { return "pooled" }

// UnpooledAllocator allocates a fresh, transport-ready slice for every buffer.
type UnpooledAllocator struct{}

func (UnpooledAllocator) Allocate(capacity int) *ByteBuf {
	return newByteBuf(capacity, true, nil)
}

func (UnpooledAllocator) IsTransportReady() bool { return true }

func (UnpooledAllocator) String() string { return "unpooled" }

// HeapAllocator allocates buffers that the transport will not write directly;
// gathered writes replace them with a transport-ready copy first.
type HeapAllocator struct{}

func (HeapAllocator) Allocate(capacity int) *ByteBuf {
	return newByteBuf(capacity, false, nil)
}

func (HeapAllocator) IsTransportReady() bool { return false }

func (HeapAllocator) String() string { return "heap" }

// DefaultAllocator is the allocator used when none is configured.
var DefaultAllocator Allocator = NewPooledAllocator()

// AllocatorByName returns an allocator for one of the strategy names "pooled",
// "unpooled" or "heap".
func AllocatorByName(name string) (Allocator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pooled", "default":
		return DefaultAllocator, nil
	case "unpooled", "direct":
		return UnpooledAllocator{}, nil
	case "heap":
		return HeapAllocator{}, nil
	}
	return nil, fmt.Errorf("unknown allocator strategy %q", name)
}

// TrackingAllocator wraps another allocator and remembers every buffer it hands
// out, so tests can verify each one is released exactly once. Buffers it allocates,
// and composites built over it, report every retain or release after they were
// freed, even when the resulting panic is recovered by SafeRelease.
type TrackingAllocator struct {
	Allocator
	lock      sync.Mutex
	allocated []*ByteBuf
	overused  []RefCountViolation
}

// RefCountViolation records one retain or release of an already freed buffer.
type RefCountViolation struct {
	Buf Buf
	Err *IllegalRefCountError
}

func (v RefCountViolation) String() string {
	return fmt.Sprintf("%v: %s", v.Buf, v.Err)
}

// NewTrackingAllocator wraps inner; a nil inner uses UnpooledAllocator, since
// recycled buffers would make leak accounting ambiguous.
func NewTrackingAllocator(inner Allocator) *TrackingAllocator {
	if inner == nil {
		inner = UnpooledAllocator{}
	}
	return &TrackingAllocator{Allocator: inner}
}

func (a *TrackingAllocator) Allocate(capacity int) *ByteBuf {
	b := a.Allocator.Allocate(capacity)
	b.tracker = a
	a.lock.Lock()
	a.allocated = append(a.allocated, b)
	a.lock.Unlock()
	return b
}

// NumAllocated returns the number of buffers handed out so far.
func (a *TrackingAllocator) NumAllocated() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.allocated)
}

// Leaks returns the buffers that are still referenced.
func (a *TrackingAllocator) Leaks() []*ByteBuf {
	a.lock.Lock()
	defer a.lock.Unlock()
	var leaks []*ByteBuf
	for _, b := range a.allocated {
		if b.RefCnt() > 0 {
			leaks = append(leaks, b)
		}
	}
	return leaks
}

// illegalRefCount records the violation, then panics with it. A nil tracker only
// panics.
func (a *TrackingAllocator) illegalRefCount(b Buf, n, delta int32) {
	err := &IllegalRefCountError{RefCnt: n, Delta: delta}
	if a != nil {
		a.lock.Lock()
		a.overused = append(a.overused, RefCountViolation{Buf: b, Err: err})
		a.lock.Unlock()
	}
	panic(err)
}

// DoubleReleases returns every release or retain of a freed buffer seen so far.
func (a *TrackingAllocator) DoubleReleases() []RefCountViolation {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]RefCountViolation(nil), a.overused...)
}

func (a *TrackingAllocator) String() string {
	return fmt.Sprintf("tracking(%s)", a.Allocator)
}
