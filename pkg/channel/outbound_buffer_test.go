package channel

import (
	"errors"
	"math/rand"
	"os"
	"testing"

	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/concurrent"
	"github.com/sammck-go/logger"
)

func newTestLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelInfo),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

func checkNoLeaks(t *testing.T, alloc *buffer.TrackingAllocator) {
	t.Helper()
	if leaks := alloc.Leaks(); len(leaks) != 0 {
		t.Errorf("%d of %d buffers were never released: %v", len(leaks), alloc.NumAllocated(), leaks)
	}
	if over := alloc.DoubleReleases(); len(over) != 0 {
		t.Errorf("%d buffers were released or retained after being freed: %v", len(over), over)
	}
}

type obFixture struct {
	t       *testing.T
	alloc   *buffer.TrackingAllocator
	loop    *concurrent.EmbeddedEventLoop
	ob      *OutboundBuffer
	changes int
}

func newOBFixture(t *testing.T, low, high int64) *obFixture {
	f := &obFixture{
		t:     t,
		alloc: buffer.NewTrackingAllocator(nil),
		loop:  concurrent.NewEmbeddedEventLoop(),
	}
	cfg := MustNewConfig(WithAllocator(f.alloc), WithWriteBufferWaterMark(low, high))
	f.ob = NewOutboundBuffer(newTestLogger(t), cfg, f.loop, func() { f.changes++ })
	return f
}

func (f *obFixture) add(s string) *concurrent.DefaultPromise {
	p := concurrent.NewPromise(f.loop)
	f.ob.AddMessage(buffer.CopiedString(f.alloc, s), p)
	return p
}

func TestOutboundBufferWritabilityHysteresis(t *testing.T) {
	f := newOBFixture(t, 10, 20)
	ob := f.ob

	f.add("0123456789abcde") // 15
	if !ob.IsWritable() || f.changes != 0 {
		t.Fatalf("15 pending bytes with high watermark 20: writable=%v changes=%d", ob.IsWritable(), f.changes)
	}
	if n := ob.BytesBeforeUnwritable(); n != 5 {
		t.Errorf("BytesBeforeUnwritable() = %d, want 5", n)
	}
	f.add("0123456789") // 25
	if ob.IsWritable() || f.changes != 1 {
		t.Fatalf("25 pending bytes: writable=%v changes=%d, want false/1", ob.IsWritable(), f.changes)
	}
	f.add("01234") // 30
	if f.changes != 1 {
		t.Errorf("writability fired again while already unwritable (changes=%d)", f.changes)
	}
	if n := ob.BytesBeforeWritable(); n != 20 {
		t.Errorf("BytesBeforeWritable() = %d, want 20", n)
	}

	ob.AddFlush()
	if ob.Size() != 3 {
		t.Fatalf("Size() after AddFlush = %d, want 3", ob.Size())
	}
	ob.Remove() // 15 pending, above low
	if ob.IsWritable() {
		t.Errorf("buffer became writable at 15 pending bytes with low watermark 10")
	}
	ob.Remove() // 5 pending
	if !ob.IsWritable() || f.changes != 2 {
		t.Errorf("5 pending bytes: writable=%v changes=%d, want true/2", ob.IsWritable(), f.changes)
	}
	ob.Remove()
	if ob.TotalPendingBytes() != 0 || !ob.IsEmpty() {
		t.Errorf("drained buffer: pending=%d empty=%v", ob.TotalPendingBytes(), ob.IsEmpty())
	}
	checkNoLeaks(t, f.alloc)
}

func TestOutboundBufferRemoveCompletesPromises(t *testing.T) {
	f := newOBFixture(t, 10, 20)
	ok := f.add("a")
	bad := f.add("b")
	f.ob.AddFlush()
	f.ob.Remove()
	myErr := errors.New("boom")
	f.ob.RemoveWithError(myErr)

	if !ok.IsSuccess() {
		t.Errorf("first promise: done=%v err=%v, want success", ok.IsDone(), ok.Err())
	}
	if !errors.Is(bad.Err(), myErr) {
		t.Errorf("second promise failed with %v, want %v", bad.Err(), myErr)
	}
	if f.ob.Remove() {
		t.Errorf("Remove() on an empty buffer returned true")
	}
	checkNoLeaks(t, f.alloc)
}

func TestOutboundBufferUnflushedEntriesAreNotCurrent(t *testing.T) {
	f := newOBFixture(t, 10, 20)
	f.add("a")
	f.ob.AddFlush()
	f.add("b")
	if f.ob.Size() != 1 || f.ob.NumQueued() != 2 {
		t.Fatalf("Size()=%d NumQueued()=%d, want 1/2", f.ob.Size(), f.ob.NumQueued())
	}
	f.ob.Remove()
	if f.ob.Current() != nil {
		t.Errorf("unflushed entry became current without a flush")
	}
	f.ob.Close(nil)
	checkNoLeaks(t, f.alloc)
}

func TestOutboundBufferCancelledEntryReleasedAtFlush(t *testing.T) {
	f := newOBFixture(t, 10, 20)
	p := f.add("0123456789")
	f.add("xyz")
	p.TryFailure(errors.New("cancelled"))

	f.ob.AddFlush()
	if got := f.ob.TotalPendingBytes(); got != 3 {
		t.Errorf("pending bytes after flushing a cancelled entry = %d, want 3", got)
	}
	if got := f.alloc.Leaks(); len(got) != 1 {
		t.Errorf("%d buffers still held after flush, want 1 (the cancelled one released)", len(got))
	}
	for f.ob.Remove() {
	}
	if f.ob.TotalPendingBytes() != 0 {
		t.Errorf("pending bytes = %d after removing everything", f.ob.TotalPendingBytes())
	}
	checkNoLeaks(t, f.alloc)
}

func TestOutboundBufferRemoveBytesPartial(t *testing.T) {
	f := newOBFixture(t, 100, 200)
	p1 := f.add("aaaaa")
	p2 := f.add("bbbbb")
	f.add("ccccc")
	f.ob.AddFlush()

	f.ob.RemoveBytes(7)
	if !p1.IsSuccess() {
		t.Errorf("fully written message not completed")
	}
	if p2.IsDone() {
		t.Errorf("partially written message completed early")
	}
	cur, ok := f.ob.Current().(buffer.Buf)
	if !ok || string(cur.Bytes()) != "bbb" {
		t.Fatalf("current after partial write = %v, want remaining %q", f.ob.Current(), "bbb")
	}
	if got := f.ob.TotalPendingBytes(); got != 10 {
		t.Errorf("pending bytes = %d, want 10 (only whole messages are subtracted)", got)
	}

	f.ob.RemoveBytes(8)
	if !f.ob.IsEmpty() {
		t.Errorf("buffer not empty after writing every byte")
	}
	checkNoLeaks(t, f.alloc)
}

func TestOutboundBufferGatherBuffers(t *testing.T) {
	heap := buffer.NewTrackingAllocator(buffer.HeapAllocator{})
	cfg := MustNewConfig(WithAllocator(heap))
	ob := NewOutboundBuffer(newTestLogger(t), cfg, nil, nil)
	for _, s := range []string{"one", "", "two", "three"} {
		ob.AddMessage(buffer.CopiedString(heap, s), nil)
	}
	ob.AddFlush()

	bufs, total, ok := ob.GatherBuffers(2, 1024)
	if !ok {
		t.Fatalf("GatherBuffers() reported non-buffer payloads")
	}
	if len(bufs) != 2 || total != 6 {
		t.Fatalf("GatherBuffers(2, 1024) = %d segments / %d bytes, want 2 / 6", len(bufs), total)
	}
	if string(bufs[0]) != "one" || string(bufs[1]) != "two" {
		t.Errorf("gathered %q %q", bufs[0], bufs[1])
	}
	if cur := ob.Current().(buffer.Buf); !cur.IsTransportReady() {
		t.Errorf("heap buffer was not replaced by a transport-ready copy")
	}

	_, total, _ = ob.GatherBuffers(16, 4)
	if total != 3 {
		t.Errorf("GatherBuffers(16, 4) gathered %d bytes, want only the first buffer (3)", total)
	}

	ob.RemoveBytes(11)
	if !ob.IsEmpty() {
		t.Errorf("buffer not empty after removing all gathered bytes")
	}
	checkNoLeaks(t, heap)
}

func TestOutboundBufferGatherRejectsNonBuffers(t *testing.T) {
	ob := NewOutboundBuffer(newTestLogger(t), MustNewConfig(), nil, nil)
	ob.AddMessage(struct{}{}, nil)
	ob.AddFlush()
	if _, _, ok := ob.GatherBuffers(16, 1024); ok {
		t.Errorf("GatherBuffers() accepted a non-buffer payload")
	}
}

func TestOutboundBufferGrowsAndKeepsOrder(t *testing.T) {
	f := newOBFixture(t, 1<<20, 2<<20)
	const n = 100
	for i := 0; i < n; i++ {
		f.add(string(rune('A' + i%26)))
		if i == 3 {
			f.ob.AddFlush()
			f.ob.Remove()
		}
	}
	f.ob.AddFlush()
	for i := 1; i < n; i++ {
		b := f.ob.Current().(buffer.Buf)
		if want := string(rune('A' + i%26)); string(b.Bytes()) != want {
			t.Fatalf("entry %d = %q, want %q", i, b.Bytes(), want)
		}
		f.ob.Remove()
	}
	if f.ob.NumQueued() != 0 {
		t.Errorf("NumQueued() = %d after draining", f.ob.NumQueued())
	}
	checkNoLeaks(t, f.alloc)
}

func TestOutboundBufferCloseIsIdempotent(t *testing.T) {
	f := newOBFixture(t, 10, 20)
	flushed := f.add("flushed")
	f.ob.AddFlush()
	unflushed := f.add("unflushed")

	f.ob.Close(nil)
	f.ob.Close(errors.New("second close"))

	for name, p := range map[string]*concurrent.DefaultPromise{"flushed": flushed, "unflushed": unflushed} {
		if !errors.Is(p.Err(), ErrClosedChannel) {
			t.Errorf("%s write failed with %v, want ErrClosedChannel", name, p.Err())
		}
	}
	late := f.add("late")
	if !errors.Is(late.Err(), ErrClosedChannel) {
		t.Errorf("write after close failed with %v, want ErrClosedChannel", late.Err())
	}
	if f.ob.TotalPendingBytes() != 0 {
		t.Errorf("pending bytes = %d after close", f.ob.TotalPendingBytes())
	}
	checkNoLeaks(t, f.alloc)
}

func TestOutboundBufferCloseFromListenerIsRescheduled(t *testing.T) {
	f := newOBFixture(t, 10, 20)
	first := f.add("a")
	f.add("b")
	f.ob.AddFlush()
	f.add("c")

	first.AddListener(func(concurrent.Future) {
		f.ob.Close(nil)
	})
	f.ob.FailFlushed(errors.New("write failed"))
	if f.ob.IsClosed() {
		t.Fatalf("Close ran inside FailFlushed instead of being rescheduled")
	}
	f.loop.RunPendingTasks()
	if !f.ob.IsClosed() {
		t.Fatalf("rescheduled Close never ran")
	}
	checkNoLeaks(t, f.alloc)
}

type panickyEstimator struct{}

func (panickyEstimator) Size(msg interface{}) int64 { panic("no idea") }

type negativeEstimator struct{}

func (negativeEstimator) Size(msg interface{}) int64 { return -42 }

func TestOutboundBufferEstimatorFailuresCountAsZero(t *testing.T) {
	for _, e := range []MessageSizeEstimator{panickyEstimator{}, negativeEstimator{}} {
		cfg := MustNewConfig(WithMessageSizeEstimator(e))
		ob := NewOutboundBuffer(newTestLogger(t), cfg, nil, nil)
		ob.AddMessage("payload", nil)
		if ob.TotalPendingBytes() != 0 || ob.NumQueued() != 1 {
			t.Errorf("%T: pending=%d queued=%d, want 0/1", e, ob.TotalPendingBytes(), ob.NumQueued())
		}
	}
}

func TestOutboundBufferForeignProducerAccounting(t *testing.T) {
	f := newOBFixture(t, 10, 20)
	f.ob.IncrementPendingOutboundBytes(30)
	if f.ob.IsWritable() {
		t.Errorf("still writable after 30 bytes from a foreign producer")
	}
	f.ob.DecrementPendingOutboundBytes(30)
	if !f.ob.IsWritable() || f.changes != 2 {
		t.Errorf("writable=%v changes=%d after foreign bytes drained, want true/2", f.ob.IsWritable(), f.changes)
	}
}

// obModel tracks what an OutboundBuffer should report after a run of operations.
type obModel struct {
	low, high  int64
	sizes      []int64
	nFlushed   int
	pending    int64
	unwritable bool
	changes    int
}

func (m *obModel) add(size int64) {
	m.sizes = append(m.sizes, size)
	m.pending += size
	if size != 0 && m.pending > m.high && !m.unwritable {
		m.unwritable = true
		m.changes++
	}
}

func (m *obModel) remove() bool {
	if m.nFlushed == 0 {
		return false
	}
	size := m.sizes[0]
	m.sizes = m.sizes[1:]
	m.nFlushed--
	m.pending -= size
	if size != 0 && m.pending <= m.low && m.unwritable {
		m.unwritable = false
		m.changes++
	}
	return true
}

func TestOutboundBufferRandomSequences(t *testing.T) {
	const payload = "0123456789abcdefghijklmnopqrstuvwxyz"
	for seed := int64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		low := int64(rng.Intn(40))
		high := low + 1 + int64(rng.Intn(60))
		f := newOBFixture(t, low, high)
		m := &obModel{low: low, high: high}
		var promises []*concurrent.DefaultPromise

		for step := 0; step < 300; step++ {
			var op string
			switch r := rng.Intn(10); {
			case r < 5:
				n := rng.Intn(len(payload) + 1)
				op = "add"
				promises = append(promises, f.add(payload[:n]))
				m.add(int64(n))
			case r < 7:
				op = "flush"
				f.ob.AddFlush()
				m.nFlushed = len(m.sizes)
			default:
				op = "remove"
				if got, want := f.ob.Remove(), m.remove(); got != want {
					t.Fatalf("seed %d step %d: Remove() = %v, want %v", seed, step, got, want)
				}
			}
			if got := f.ob.TotalPendingBytes(); got != m.pending {
				t.Fatalf("seed %d step %d (%s): TotalPendingBytes() = %d, want %d", seed, step, op, got, m.pending)
			}
			if f.ob.IsWritable() == m.unwritable || f.changes != m.changes {
				t.Fatalf("seed %d step %d (%s): writable=%v changes=%d, want writable=%v changes=%d (pending %d, low %d, high %d)",
					seed, step, op, f.ob.IsWritable(), f.changes, !m.unwritable, m.changes, m.pending, low, high)
			}
			if f.ob.Size() != m.nFlushed || f.ob.NumQueued() != len(m.sizes) {
				t.Fatalf("seed %d step %d (%s): Size()=%d NumQueued()=%d, want %d/%d",
					seed, step, op, f.ob.Size(), f.ob.NumQueued(), m.nFlushed, len(m.sizes))
			}
		}

		f.ob.Close(nil)
		f.ob.Close(nil)
		if f.ob.TotalPendingBytes() != 0 || f.ob.NumQueued() != 0 {
			t.Errorf("seed %d: after Close pending=%d queued=%d", seed, f.ob.TotalPendingBytes(), f.ob.NumQueued())
		}
		for i, p := range promises {
			if !p.IsDone() {
				t.Errorf("seed %d: write %d was never completed", seed, i)
			}
		}
		checkNoLeaks(t, f.alloc)
	}
}

func TestOutboundBufferCallerReleaseIsDetected(t *testing.T) {
	f := newOBFixture(t, 10, 20)
	b := buffer.CopiedString(f.alloc, "owned by the buffer")
	f.ob.AddMessage(b, nil)
	b.Release()
	f.ob.AddFlush()
	f.ob.Remove()
	if got := f.alloc.DoubleReleases(); len(got) != 1 || got[0].Buf != b {
		t.Errorf("DoubleReleases() = %v, want the one extra release of %v", got, b)
	}
	if leaks := f.alloc.Leaks(); len(leaks) != 0 {
		t.Errorf("%d buffers leaked: %v", len(leaks), leaks)
	}
}
