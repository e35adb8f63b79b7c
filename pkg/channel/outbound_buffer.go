package channel

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/concurrent"
	"github.com/sammck-go/logger"
)

// Limits applied by a channel's flush when gathering buffers for one write.
const (
	MaxGatherBuffers = 1024
	MaxGatherBytes   = 4 * 1024 * 1024
)

const initialOutboundCapacity = 8

type pendingEntry struct {
	msg       interface{}
	size      int64
	total     int64
	progress  int64
	promise   concurrent.Promise
	cancelled bool
}

func (e *pendingEntry) reset() {
	e.msg = nil
	e.size = 0
	e.total = 0
	e.progress = 0
	e.promise = nil
	e.cancelled = false
}

var entryPool = sync.Pool{
	New: func() interface{} { return &pendingEntry{} },
}

func newPendingEntry(msg interface{}, size int64, p concurrent.Promise) *pendingEntry {
	e := entryPool.Get().(*pendingEntry)
	e.msg = msg
	e.size = size
	e.promise = p
	if b, ok := msg.(buffer.Buf); ok {
		e.total = int64(b.ReadableBytes())
	}
	return e
}

func recycleEntry(e *pendingEntry) {
	e.reset()
	entryPool.Put(e)
}

// OutboundBuffer queues the messages written to a channel until the transport has
// sent them. Entries live in a circular array between three cursors: entries from
// flushed up to unflushed have been flushed and may be sent, entries from unflushed
// up to tail are waiting for the next flush.
//
// All methods except the pending-byte accessors must be called on the channel's
// executor.
type OutboundBuffer struct {
	lg     logger.Logger
	cfg    *Config
	exec   concurrent.Executor
	notify func()

	entries   []*pendingEntry
	flushed   int
	unflushed int
	tail      int
	count     int
	nFlushed  int

	// totalPending and unwritable are also touched by producers on foreign executors
	totalPending int64
	unwritable   int32

	inFail bool
	closed bool
}

// NewOutboundBuffer creates an outbound buffer using the watermarks and size
// estimator of cfg. onWritabilityChanged is called whenever writability flips; exec is
// where a reentrant Close is rescheduled.
func NewOutboundBuffer(lg logger.Logger, cfg *Config, exec concurrent.Executor, onWritabilityChanged func()) *OutboundBuffer {
	if lg == nil {
		lg = logger.NilLogger
	}
	if cfg == nil {
		cfg = MustNewConfig()
	}
	return &OutboundBuffer{
		lg:      lg,
		cfg:     cfg,
		exec:    exec,
		notify:  onWritabilityChanged,
		entries: make([]*pendingEntry, initialOutboundCapacity),
	}
}

func (b *OutboundBuffer) mask() int {
	return len(b.entries) - 1
}

// AddMessage queues msg, taking ownership of it. It never fails; on a closed buffer
// msg is released and p fails with ErrClosedChannel.
func (b *OutboundBuffer) AddMessage(msg interface{}, p concurrent.Promise) {
	if p == nil {
		p = concurrent.NewVoidPromise(b.lg)
	}
	if b.closed {
		buffer.SafeRelease(b.lg, msg)
		p.TryFailure(ErrClosedChannel)
		return
	}
	size := estimateSize(b.cfg.MessageSizeEstimator(), msg)
	e := newPendingEntry(msg, size, p)
	b.entries[b.tail] = e
	b.tail = (b.tail + 1) & b.mask()
	b.count++
	if b.tail == b.flushed {
		b.grow()
	}
	b.IncrementPendingOutboundBytes(size)
}

// grow doubles the array, laying the entries out again starting at flushed.
func (b *OutboundBuffer) grow() {
	old := b.entries
	grown := make([]*pendingEntry, len(old)*2)
	for i := 0; i < b.count; i++ {
		grown[i] = old[(b.flushed+i)&(len(old)-1)]
	}
	b.entries = grown
	b.flushed = 0
	b.unflushed = b.nFlushed
	b.tail = b.count
}

// AddFlush marks every queued entry as flushed. Entries whose promise was already
// completed by someone else are cancelled: their payload is released right away
// and they will be skipped by the transport.
func (b *OutboundBuffer) AddFlush() {
	for i := b.unflushed; i != b.tail; i = (i + 1) & b.mask() {
		e := b.entries[i]
		if !e.promise.IsVoid() && e.promise.IsDone() && !e.cancelled {
			b.cancel(e)
		}
	}
	b.unflushed = b.tail
	b.nFlushed = b.count
}

func (b *OutboundBuffer) cancel(e *pendingEntry) {
	e.cancelled = true
	buffer.SafeRelease(b.lg, e.msg)
	e.msg = buffer.Empty
	size := e.size
	e.size = 0
	e.total = 0
	b.DecrementPendingOutboundBytes(size)
}

// Current returns the first flushed message, or nil if there is none.
func (b *OutboundBuffer) Current() interface{} {
	if b.nFlushed == 0 {
		return nil
	}
	return b.entries[b.flushed].msg
}

// Progress records that amount more bytes of the current message have been written.
func (b *OutboundBuffer) Progress(amount int64) {
	if b.nFlushed == 0 {
		return
	}
	b.entries[b.flushed].progress += amount
}

func (b *OutboundBuffer) removeEntry() *pendingEntry {
	e := b.entries[b.flushed]
	b.entries[b.flushed] = nil
	b.flushed = (b.flushed + 1) & b.mask()
	b.nFlushed--
	b.count--
	if b.count == 0 {
		// keep cursors compact so an idle buffer never wraps
		b.flushed, b.unflushed, b.tail = 0, 0, 0
	}
	return e
}

// Remove removes the current message, releasing it and completing its promise
// successfully. Returns false if there was no flushed message.
func (b *OutboundBuffer) Remove() bool {
	return b.remove(nil)
}

// RemoveWithError removes the current message, releasing it and failing its
// promise with err. Returns false if there was no flushed message.
func (b *OutboundBuffer) RemoveWithError(err error) bool {
	if err == nil {
		err = ErrClosedChannel
	}
	return b.remove(err)
}

func (b *OutboundBuffer) remove(err error) bool {
	if b.nFlushed == 0 {
		return false
	}
	e := b.removeEntry()
	if !e.cancelled {
		buffer.SafeRelease(b.lg, e.msg)
		b.completePromise(e.promise, err)
		b.DecrementPendingOutboundBytes(e.size)
	}
	recycleEntry(e)
	return true
}

func (b *OutboundBuffer) completePromise(p concurrent.Promise, err error) {
	var ok bool
	if err == nil {
		ok = p.TrySuccess()
	} else {
		ok = p.TryFailure(err)
	}
	if !ok && !p.IsVoid() {
		b.lg.DLogf("Write promise was already completed (err=%v)", p.Err())
	}
}

// RemoveBytes removes messages from the front of the flushed region that were fully
// written by a gathered write of writtenBytes, and advances the read position of a
// partially written one.
func (b *OutboundBuffer) RemoveBytes(writtenBytes int64) {
	for {
		msg := b.Current()
		buf, ok := msg.(buffer.Buf)
		if !ok {
			if writtenBytes != 0 {
				b.lg.WLogf("RemoveBytes: %d written bytes not accounted for by buffer payloads", writtenBytes)
			}
			return
		}
		readable := int64(buf.ReadableBytes())
		if readable <= writtenBytes {
			if writtenBytes != 0 {
				b.Progress(readable)
				writtenBytes -= readable
			}
			b.Remove()
			continue
		}
		if writtenBytes != 0 {
			buf.Skip(int(writtenBytes))
			b.Progress(writtenBytes)
		}
		return
	}
}

// GatherBuffers collects the readable segments of consecutive flushed buffer
// payloads, limited to maxCount segments and about maxBytes bytes (a first buffer
// larger than maxBytes is still returned). Payloads that are not transport ready
// are replaced by a transport-ready copy. ok is false if the first flushed payload
// is not a buffer, in which case the caller should handle it on its own.
func (b *OutboundBuffer) GatherBuffers(maxCount int, maxBytes int64) (bufs net.Buffers, total int64, ok bool) {
	bufs, _, total, ok = b.gather(maxCount, maxBytes, false)
	return bufs, total, ok
}

// GatherRetained is GatherBuffers for writers that use the segments after returning
// to the executor. Every payload contributing segments is retained and returned in
// held; the caller must release each of them once the write has finished.
func (b *OutboundBuffer) GatherRetained(maxCount int, maxBytes int64) (bufs net.Buffers, held []buffer.Buf, total int64, ok bool) {
	return b.gather(maxCount, maxBytes, true)
}

func (b *OutboundBuffer) gather(maxCount int, maxBytes int64, retain bool) (bufs net.Buffers, held []buffer.Buf, total int64, ok bool) {
	i := b.flushed
	for n := 0; n < b.nFlushed; n++ {
		e := b.entries[i]
		i = (i + 1) & b.mask()
		if e.cancelled {
			continue
		}
		buf, isBuf := e.msg.(buffer.Buf)
		if !isBuf {
			if n == 0 {
				return nil, nil, 0, false
			}
			break
		}
		readable := int64(buf.ReadableBytes())
		if readable == 0 {
			continue
		}
		if len(bufs) > 0 && total+readable > maxBytes {
			break
		}
		if !buf.IsTransportReady() {
			cp := buffer.TransportCopy(b.cfg.Allocator(), buf)
			buffer.SafeRelease(b.lg, buf)
			e.msg = cp
			buf = cp
		}
		segs := buf.Segments()
		if len(bufs) > 0 && len(bufs)+len(segs) > maxCount {
			break
		}
		bufs = append(bufs, segs...)
		total += readable
		if retain {
			buf.Retain()
			held = append(held, buf)
		}
		if len(bufs) >= maxCount {
			break
		}
	}
	return bufs, held, total, true
}

// FailFlushed fails and releases every flushed entry. It is a no-op while a previous
// failure pass is still running.
func (b *OutboundBuffer) FailFlushed(err error) {
	if b.inFail {
		return
	}
	b.inFail = true
	defer func() { b.inFail = false }()
	for b.RemoveWithError(err) {
	}
}

// Close fails and releases every remaining entry, flushed or not, and refuses any
// later AddMessage. Calling it again is a no-op. If called while a failure pass is
// running, for example from a promise listener, the close is rescheduled on the
// executor.
func (b *OutboundBuffer) Close(err error) {
	if b.inFail {
		if b.exec != nil {
			if e := b.exec.Execute(func() { b.Close(err) }); e == nil {
				return
			}
		}
		b.lg.WLogf("Close() called reentrantly with no executor to reschedule on; deferring to current pass")
		return
	}
	if b.closed {
		return
	}
	if err == nil {
		err = ErrClosedChannel
	}
	b.closed = true
	b.inFail = true
	defer func() { b.inFail = false }()

	var released int64
	for b.count > 0 {
		e := b.entries[b.flushed]
		b.entries[b.flushed] = nil
		b.flushed = (b.flushed + 1) & b.mask()
		b.count--
		if !e.cancelled {
			buffer.SafeRelease(b.lg, e.msg)
			b.completePromise(e.promise, err)
			released += e.size
		}
		recycleEntry(e)
	}
	b.flushed, b.unflushed, b.tail, b.nFlushed = 0, 0, 0, 0
	if released != 0 {
		// writability is not signalled for a closed buffer
		b.addPending(-released)
		b.lg.DLogf("Outbound buffer closed; discarded %s of pending writes", sizestr.ToString(released))
	}
}

// IsClosed returns true once Close has run.
func (b *OutboundBuffer) IsClosed() bool {
	return b.closed
}

func (b *OutboundBuffer) addPending(delta int64) int64 {
	for {
		old := atomic.LoadInt64(&b.totalPending)
		n := old + delta
		if atomic.CompareAndSwapInt64(&b.totalPending, old, n) {
			return n
		}
	}
}

// IncrementPendingOutboundBytes adds size to the pending byte count, making the
// buffer unwritable if the count now exceeds the high watermark. Safe to call from
// any goroutine.
func (b *OutboundBuffer) IncrementPendingOutboundBytes(size int64) {
	if size == 0 {
		return
	}
	if b.addPending(size) > b.cfg.HighWaterMark() {
		if atomic.CompareAndSwapInt32(&b.unwritable, 0, 1) {
			b.fireWritabilityChanged()
		}
	}
}

// DecrementPendingOutboundBytes subtracts size from the pending byte count, making
// the buffer writable again once the count is at or below the low watermark. Safe to
// call from any goroutine.
func (b *OutboundBuffer) DecrementPendingOutboundBytes(size int64) {
	if size == 0 {
		return
	}
	if b.addPending(-size) <= b.cfg.LowWaterMark() {
		if atomic.CompareAndSwapInt32(&b.unwritable, 1, 0) {
			b.fireWritabilityChanged()
		}
	}
}

func (b *OutboundBuffer) fireWritabilityChanged() {
	if b.notify != nil {
		b.notify()
	}
}

// IsWritable returns false while the pending byte count is above the high watermark
// and has not since dropped to the low watermark.
func (b *OutboundBuffer) IsWritable() bool {
	return atomic.LoadInt32(&b.unwritable) == 0
}

// TotalPendingBytes returns the estimated size of everything queued.
func (b *OutboundBuffer) TotalPendingBytes() int64 {
	return atomic.LoadInt64(&b.totalPending)
}

// BytesBeforeUnwritable returns how many more bytes can be queued before the buffer
// becomes unwritable; 0 if it already is.
func (b *OutboundBuffer) BytesBeforeUnwritable() int64 {
	if !b.IsWritable() {
		return 0
	}
	n := b.cfg.HighWaterMark() - b.TotalPendingBytes()
	if n < 0 {
		return 0
	}
	return n
}

// BytesBeforeWritable returns how many bytes must drain before the buffer becomes
// writable again; 0 if it already is.
func (b *OutboundBuffer) BytesBeforeWritable() int64 {
	if b.IsWritable() {
		return 0
	}
	n := b.TotalPendingBytes() - b.cfg.LowWaterMark()
	if n < 0 {
		return 0
	}
	return n
}

// Size returns the number of flushed entries not yet removed.
func (b *OutboundBuffer) Size() int {
	return b.nFlushed
}

// IsEmpty returns true if there are no flushed entries left to write.
func (b *OutboundBuffer) IsEmpty() bool {
	return b.nFlushed == 0
}

// NumQueued returns all entries, flushed or not.
func (b *OutboundBuffer) NumQueued() int {
	return b.count
}
