package channel

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/concurrent"
	"github.com/sammck-go/logger"
)

var embeddedAddr = NewAddress("embedded", "embedded")

type embeddedCore struct {
	closed int32

	lock     sync.Mutex
	inbound  []interface{}
	outbound []interface{}
}

func (e *embeddedCore) doRegister() error { return nil }
func (e *embeddedCore) doBind(local net.Addr) error { return nil }
func (e *embeddedCore) doDeregister() error { return nil }
func (e *embeddedCore) doBeginRead() error { return nil }
func (e *embeddedCore) doShutdownOutput() error { return nil }
func (e *embeddedCore) isOpen() bool { return atomic.LoadInt32(&e.closed) == 0 }
func (e *embeddedCore) isActive() bool { return e.isOpen() }
func (e *embeddedCore) localAddr() net.Addr { return embeddedAddr }
func (e *embeddedCore) remoteAddr() net.Addr { return embeddedAddr }
func (e *embeddedCore) doConnect(remote, local net.Addr, p concurrent.Promise) { p.TrySuccess() }

func (e *embeddedCore) doClose() error {
	atomic.StoreInt32(&e.closed, 1)
	return nil
}

// any message type is accepted
func (e *embeddedCore) filterOutbound(msg interface{}) (interface{}, error) {
	return msg, nil
}

func (e *embeddedCore) doWrite(out *OutboundBuffer) error {
	for {
		msg := out.Current()
		if msg == nil {
			return nil
		}
		buffer.Retain(msg)
		e.lock.Lock()
		e.outbound = append(e.outbound, msg)
		e.lock.Unlock()
		out.Remove()
	}
}

func (e *embeddedCore) addInbound(msg interface{}) {
	e.lock.Lock()
	e.inbound = append(e.inbound, msg)
	e.lock.Unlock()
}

func pop(lock *sync.Mutex, q *[]interface{}) interface{} {
	lock.Lock()
	defer lock.Unlock()
	if len(*q) == 0 {
		return nil
	}
	msg := (*q)[0]
	(*q)[0] = nil
	*q = (*q)[1:]
	return msg
}

// EmbeddedChannel runs a pipeline without any transport, for testing handlers.
// Every event runs synchronously on the calling goroutine. Inbound messages that
// reach the end of the pipeline and outbound messages that reach the transport are
// collected in queues, and exceptions reaching the end of the pipeline are recorded.
type EmbeddedChannel struct {
	*Channel
	loop *concurrent.EmbeddedEventLoop
	core *embeddedCore

	errLock sync.Mutex
	errs    []error
}

// NewEmbeddedChannel creates a registered, active EmbeddedChannel with handlers
// added in order.
func NewEmbeddedChannel(lg logger.Logger, handlers ...Handler) *EmbeddedChannel {
	return NewEmbeddedChannelWithConfig(lg, nil, handlers...)
}

// NewEmbeddedChannelWithConfig is NewEmbeddedChannel with an explicit Config.
func NewEmbeddedChannelWithConfig(lg logger.Logger, cfg *Config, handlers ...Handler) *EmbeddedChannel {
	core := &embeddedCore{}
	e := &EmbeddedChannel{
		loop: concurrent.NewEmbeddedEventLoop(),
		core: core,
	}
	e.Channel = newChannel(lg, core, cfg, "EmbeddedChannel")
	e.pipeline.unhandledRead = core.addInbound
	e.pipeline.unhandledException = e.recordException
	for _, h := range handlers {
		if err := e.pipeline.AddLast("", h); err != nil {
			e.recordException(err)
		}
	}
	e.Register(e.loop)
	e.RunPendingTasks()
	return e
}

func (e *EmbeddedChannel) recordException(err error) {
	e.errLock.Lock()
	e.errs = append(e.errs, err)
	e.errLock.Unlock()
}

// Loop returns the embedded executor.
func (e *EmbeddedChannel) Loop() *concurrent.EmbeddedEventLoop {
	return e.loop
}

// RunPendingTasks runs every task queued on the embedded executor.
func (e *EmbeddedChannel) RunPendingTasks() {
	e.loop.RunPendingTasks()
}

// WriteInbound fires each message through the pipeline followed by one
// read-complete. Returns true if anything reached the inbound queue.
func (e *EmbeddedChannel) WriteInbound(msgs ...interface{}) bool {
	for _, m := range msgs {
		e.pipeline.FireChannelRead(m)
	}
	e.pipeline.FireChannelReadComplete()
	e.RunPendingTasks()
	return e.NumInbound() > 0
}

// WriteOutbound writes each message through the pipeline and flushes. Returns true
// if anything reached the outbound queue. Failed writes are recorded as exceptions.
func (e *EmbeddedChannel) WriteOutbound(msgs ...interface{}) bool {
	futures := make([]concurrent.Future, 0, len(msgs))
	for _, m := range msgs {
		futures = append(futures, e.pipeline.Write(m, nil))
	}
	e.pipeline.Flush()
	e.RunPendingTasks()
	for _, f := range futures {
		if f.IsDone() && f.Err() != nil {
			e.recordException(f.Err())
		}
	}
	return e.NumOutbound() > 0
}

// ReadInbound removes and returns the oldest message in the inbound queue, or nil.
func (e *EmbeddedChannel) ReadInbound() interface{} {
	return pop(&e.core.lock, &e.core.inbound)
}

// ReadOutbound removes and returns the oldest message in the outbound queue, or nil.
func (e *EmbeddedChannel) ReadOutbound() interface{} {
	return pop(&e.core.lock, &e.core.outbound)
}

func (e *EmbeddedChannel) NumInbound() int {
	e.core.lock.Lock()
	defer e.core.lock.Unlock()
	return len(e.core.inbound)
}

func (e *EmbeddedChannel) NumOutbound() int {
	e.core.lock.Lock()
	defer e.core.lock.Unlock()
	return len(e.core.outbound)
}

// CheckException returns the first recorded exception, if any, and clears the record.
func (e *EmbeddedChannel) CheckException() error {
	e.errLock.Lock()
	defer e.errLock.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	err := e.errs[0]
	e.errs = nil
	return err
}

// Exceptions returns every recorded exception without clearing them.
func (e *EmbeddedChannel) Exceptions() []error {
	e.errLock.Lock()
	defer e.errLock.Unlock()
	return append([]error(nil), e.errs...)
}

// Finish closes the channel, runs what is left to run, and returns true if either
// queue still holds messages.
func (e *EmbeddedChannel) Finish() bool {
	e.CloseAsync()
	e.RunPendingTasks()
	return e.NumInbound() > 0 || e.NumOutbound() > 0
}

// FinishAndReleaseAll is Finish that also releases everything left in the queues.
func (e *EmbeddedChannel) FinishAndReleaseAll() bool {
	left := e.Finish()
	e.ReleaseInbound()
	e.ReleaseOutbound()
	return left
}

// ReleaseInbound releases and drops every queued inbound message.
func (e *EmbeddedChannel) ReleaseInbound() {
	for m := e.ReadInbound(); m != nil; m = e.ReadInbound() {
		buffer.SafeRelease(e.Logger, m)
	}
}

// ReleaseOutbound releases and drops every queued outbound message.
func (e *EmbeddedChannel) ReleaseOutbound() {
	for m := e.ReadOutbound(); m != nil; m = e.ReadOutbound() {
		buffer.SafeRelease(e.Logger, m)
	}
}
