// Package channel implements the event-driven channel: a transport, the pipeline of
// handlers that inbound and outbound traffic flows through, and the outbound
// buffer that queues writes with watermark backpressure.
package channel

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/concurrent"
	"github.com/sammck-go/logger"
)

var channelIDSeq uint64

// channelCore is the transport-specific half of a Channel. Every method except
// isOpen, isActive and the address accessors runs on the channel's executor.
type channelCore interface {
	doRegister() error
	doBind(local net.Addr) error
	// doConnect completes asynchronously through Channel.fulfillConnect
	doConnect(remote, local net.Addr, p concurrent.Promise)
	doClose() error
	doDeregister() error
	doBeginRead() error
	doWrite(out *OutboundBuffer) error
	doShutdownOutput() error
	isOpen() bool
	isActive() bool
	localAddr() net.Addr
	remoteAddr() net.Addr
}

// outboundFilter is implemented by cores that accept outbound message types other
// than the byte payloads understood by real transports.
type outboundFilter interface {
	filterOutbound(msg interface{}) (interface{}, error)
}

type execHolder struct {
	exec concurrent.Executor
}

// Channel is a connection-like entity with a pipeline of handlers. Once registered
// with an executor, every event for the channel and every transport operation runs
// on that executor.
//
// Channel also implements concurrent.Executor by delegating to the executor it is
// registered with.
type Channel struct {
	*asyncobj.Helper
	id       uint64
	core     channelCore
	config   *Config
	pipeline *Pipeline
	outbound atomic.Pointer[OutboundBuffer]
	exec     atomic.Value

	registered     int32
	everRegistered bool
	closeStarted   int32
	closePromise   *concurrent.DefaultPromise

	inFlush          bool
	outputShutdown   bool
	shutdownOutputPr concurrent.Promise
}

func newChannel(lg logger.Logger, core channelCore, cfg *Config, kind string) *Channel {
	if lg == nil {
		lg = logger.NilLogger
	}
	if cfg == nil {
		cfg = MustNewConfig()
	}
	ch := &Channel{
		id:     atomic.AddUint64(&channelIDSeq, 1),
		core:   core,
		config: cfg,
	}
	ch.Helper = asyncobj.NewHelper(lg.ForkLogf("%s#%08x", kind, ch.id), ch)
	ch.closePromise = concurrent.NewPromise(ch)
	ch.pipeline = newPipeline(ch)
	ch.outbound.Store(NewOutboundBuffer(ch.Logger, cfg, ch, ch.pipeline.FireChannelWritabilityChanged))
	cfg.setAutoReadListener(ch.autoReadChanged)
	ch.SetIsActivated()
	return ch
}

// ID returns the channel's process-unique identifier.
func (ch *Channel) ID() string {
	return fmt.Sprintf("%08x", ch.id)
}

func (ch *Channel) String() string {
	return fmt.Sprintf("Channel[%s %v->%v]", ch.ID(), ch.LocalAddr(), ch.RemoteAddr())
}

func (ch *Channel) Config() *Config {
	return ch.config
}

func (ch *Channel) Pipeline() *Pipeline {
	return ch.pipeline
}

// Alloc returns the configured buffer allocator.
func (ch *Channel) Alloc() buffer.Allocator {
	return ch.config.Allocator()
}

func (ch *Channel) IsOpen() bool {
	return ch.core.isOpen()
}

func (ch *Channel) IsActive() bool {
	return ch.core.isActive()
}

func (ch *Channel) IsRegistered() bool {
	return atomic.LoadInt32(&ch.registered) != 0
}

func (ch *Channel) LocalAddr() net.Addr {
	return ch.core.localAddr()
}

func (ch *Channel) RemoteAddr() net.Addr {
	return ch.core.remoteAddr()
}

// CloseFuture completes once the channel has been closed.
func (ch *Channel) CloseFuture() concurrent.Future {
	return ch.closePromise
}

func (ch *Channel) outboundBuffer() *OutboundBuffer {
	return ch.outbound.Load()
}

// IsWritable returns false while queued writes exceed the high watermark, and
// always once the channel is closed.
func (ch *Channel) IsWritable() bool {
	ob := ch.outbound.Load()
	return ob != nil && ob.IsWritable()
}

// BytesBeforeUnwritable returns how many more bytes may be queued before the
// channel turns unwritable.
func (ch *Channel) BytesBeforeUnwritable() int64 {
	if ob := ch.outbound.Load(); ob != nil {
		return ob.BytesBeforeUnwritable()
	}
	return 0
}

// BytesBeforeWritable returns how many queued bytes must drain before the channel
// becomes writable again.
func (ch *Channel) BytesBeforeWritable() int64 {
	if ob := ch.outbound.Load(); ob != nil {
		return ob.BytesBeforeWritable()
	}
	return 0
}

// Executor returns the executor the channel is registered with, or nil.
func (ch *Channel) Executor() concurrent.Executor {
	if h, ok := ch.exec.Load().(execHolder); ok {
		return h.exec
	}
	return nil
}

// Execute queues task on the channel's executor.
func (ch *Channel) Execute(task func()) error {
	exec := ch.Executor()
	if exec == nil {
		return ErrNotRegistered
	}
	return exec.Execute(task)
}

// InEventLoop returns true if the caller is running on the channel's executor.
func (ch *Channel) InEventLoop() bool {
	exec := ch.Executor()
	return exec != nil && exec.InEventLoop()
}

// invokeLater queues task on the executor, running it right here if there is
// no executor to run it on.
func (ch *Channel) invokeLater(task func()) {
	if err := ch.Execute(task); err != nil {
		task()
	}
}

// NewPromise returns a promise that notifies listeners on the channel's executor.
func (ch *Channel) NewPromise() concurrent.Promise {
	return concurrent.NewPromise(ch)
}

// VoidPromise returns the channel's shared fire-and-forget promise.
func (ch *Channel) VoidPromise() concurrent.Promise {
	return ch.pipeline.voidPromise
}

// Register attaches the channel to exec and fires channel-registered, followed by
// channel-active if the transport is already connected.
func (ch *Channel) Register(exec concurrent.Executor) concurrent.Future {
	p := concurrent.NewPromise(exec)
	if exec == nil {
		p.TryFailure(errors.New("register: nil executor"))
		return p
	}
	if !atomic.CompareAndSwapInt32(&ch.registered, 0, 1) {
		p.TryFailure(ErrAlreadyRegistered)
		return p
	}
	ch.exec.Store(execHolder{exec: exec})
	if err := concurrent.RunOn(exec, func() { ch.register0(p) }); err != nil {
		ch.WLogf("Executor rejected registration: %s", err)
		atomic.StoreInt32(&ch.registered, 0)
		ch.closeForcibly()
		p.TryFailure(err)
	}
	return p
}

func (ch *Channel) register0(p concurrent.Promise) {
	if !ch.IsOpen() {
		atomic.StoreInt32(&ch.registered, 0)
		p.TryFailure(ErrClosedChannel)
		return
	}
	if err := ch.core.doRegister(); err != nil {
		atomic.StoreInt32(&ch.registered, 0)
		ch.closeForcibly()
		p.TryFailure(err)
		return
	}
	first := !ch.everRegistered
	ch.everRegistered = true
	ch.DLogf("Registered")

	ch.pipeline.onRegistered()
	p.TrySuccess()
	ch.pipeline.FireChannelRegistered()
	if ch.IsActive() {
		if first {
			ch.pipeline.FireChannelActive()
		} else if ch.config.AutoRead() {
			ch.beginRead0()
		}
	}
}

// Outbound operations, entering the pipeline at the tail.

func (ch *Channel) Bind(local net.Addr) concurrent.Future {
	return ch.pipeline.Bind(local, nil)
}

func (ch *Channel) Connect(remote net.Addr) concurrent.Future {
	return ch.pipeline.Connect(remote, nil, nil)
}

func (ch *Channel) Disconnect() concurrent.Future {
	return ch.pipeline.Disconnect(nil)
}

// CloseAsync starts closing the channel and returns the outcome of this close request.
func (ch *Channel) CloseAsync() concurrent.Future {
	return ch.pipeline.Close(nil)
}

func (ch *Channel) Deregister() concurrent.Future {
	return ch.pipeline.Deregister(nil)
}

// Read requests inbound data. With AUTO_READ on this happens automatically.
func (ch *Channel) Read() {
	ch.pipeline.Read()
}

func (ch *Channel) Write(msg interface{}) concurrent.Future {
	return ch.pipeline.Write(msg, nil)
}

func (ch *Channel) WriteAndFlush(msg interface{}) concurrent.Future {
	return ch.pipeline.WriteAndFlush(msg, nil)
}

func (ch *Channel) Flush() {
	ch.pipeline.Flush()
}

// Close closes the channel and waits for shutdown to complete. On the channel's own
// executor it cannot wait, so it only starts the close.
func (ch *Channel) Close() error {
	if ch.InEventLoop() {
		ch.CloseAsync()
		return nil
	}
	return ch.Helper.Close()
}

// HandleOnceShutdown closes the channel through its pipeline. It runs exactly once,
// in its own goroutine.
func (ch *Channel) HandleOnceShutdown(completionErr error) error {
	if atomic.LoadInt32(&ch.closeStarted) == 0 {
		f := ch.pipeline.Close(nil)
		<-f.Done()
		if !ch.closePromise.IsDone() {
			// the executor is gone, so the close never ran
			ch.DLogf("Close through pipeline failed (%v); closing directly", f.Err())
			ch.close0(ch.pipeline.voidPromise, fmt.Errorf("%w: executor unavailable", ErrClosedChannel))
		}
	}
	<-ch.closePromise.Done()
	return completionErr
}

// ShutdownOutput shuts down the write half of the connection once every flushed
// write has gone out. Writes that were not yet flushed fail. Fires
// ChannelOutputShutdownEvent when done.
func (ch *Channel) ShutdownOutput() concurrent.Future {
	p := ch.NewPromise()
	err := concurrent.RunOn(ch, func() {
		if !ch.IsActive() {
			p.TryFailure(ErrNotConnected)
			return
		}
		if ch.outputShutdown {
			if ch.shutdownOutputPr != nil {
				concurrent.Combine(p, ch.shutdownOutputPr)
			} else {
				p.TrySuccess()
			}
			return
		}
		ch.outputShutdown = true
		ch.shutdownOutputPr = p
		if ob := ch.outbound.Load(); ob != nil {
			ob.AddFlush()
		}
		ch.finishShutdownOutput()
	})
	if err != nil {
		p.TryFailure(err)
	}
	return p
}

func (ch *Channel) finishShutdownOutput() {
	p := ch.shutdownOutputPr
	if p == nil || p.IsDone() {
		return
	}
	ob := ch.outbound.Load()
	if ob != nil && !ob.IsEmpty() {
		return
	}
	if ob != nil {
		ob.Close(fmt.Errorf("%w: output shut down", ErrClosedChannel))
	}
	if err := ch.core.doShutdownOutput(); err != nil {
		p.TryFailure(err)
		return
	}
	p.TrySuccess()
	ch.pipeline.FireUserEventTriggered(ChannelOutputShutdownEvent{})
}

// Operations performed by the head of the pipeline; all run on the executor.

func (ch *Channel) bind0(local net.Addr, p concurrent.Promise) {
	if !ch.IsOpen() {
		p.TryFailure(ErrClosedChannel)
		return
	}
	wasActive := ch.IsActive()
	if err := ch.core.doBind(local); err != nil {
		p.TryFailure(err)
		return
	}
	p.TrySuccess()
	if !wasActive && ch.IsActive() {
		ch.invokeLater(ch.pipeline.FireChannelActive)
	}
}

func (ch *Channel) connect0(remote, local net.Addr, p concurrent.Promise) {
	if !ch.IsOpen() {
		p.TryFailure(ErrClosedChannel)
		return
	}
	if remote == nil {
		p.TryFailure(errors.New("connect: nil remote address"))
		return
	}
	ch.core.doConnect(remote, local, p)
}

// fulfillConnect is called by the core on the executor once a connect attempt has
// finished.
func (ch *Channel) fulfillConnect(p concurrent.Promise, err error) {
	if err != nil {
		p.TryFailure(err)
		ch.close0(ch.pipeline.voidPromise, nil)
		return
	}
	if !p.TrySuccess() && !p.IsVoid() {
		// the connect attempt was cancelled by its owner
		ch.close0(ch.pipeline.voidPromise, nil)
		return
	}
	ch.DLogf("Connected")
	ch.pipeline.FireChannelActive()
}

// A stream disconnect is a close.
func (ch *Channel) disconnect0(p concurrent.Promise) {
	ch.close0(p, nil)
}

func (ch *Channel) closeForcibly() {
	if err := ch.core.doClose(); err != nil {
		ch.DLogf("Forced close failed: %s", err)
	}
	ch.closePromise.TrySuccess()
}

func (ch *Channel) close0(p concurrent.Promise, cause error) {
	if p == nil {
		p = ch.pipeline.voidPromise
	}
	if !atomic.CompareAndSwapInt32(&ch.closeStarted, 0, 1) {
		if ch.closePromise.IsDone() {
			p.TrySuccess()
		} else if !p.IsVoid() {
			ch.closePromise.AddListener(func(concurrent.Future) { p.TrySuccess() })
		}
		return
	}
	if cause == nil {
		cause = ErrClosedChannel
	}
	wasActive := ch.IsActive()
	ob := ch.outbound.Swap(nil)
	err := ch.core.doClose()
	if ob != nil {
		if ch.inFlush {
			// the transport is still iterating over the buffer
			ch.invokeLater(func() { ob.Close(cause) })
		} else {
			ob.Close(cause)
		}
	}
	if sp := ch.shutdownOutputPr; sp != nil {
		sp.TryFailure(ErrClosedChannel)
	}
	ch.closePromise.TrySuccess()
	if err != nil {
		p.TryFailure(err)
	} else {
		p.TrySuccess()
	}
	ch.DLogf("Closed (%v)", cause)

	ch.invokeLater(func() {
		if wasActive && !ch.IsActive() {
			ch.pipeline.FireChannelInactive()
		}
		ch.deregister0(ch.pipeline.voidPromise)
	})
	ch.StartShutdown(err)
}

func (ch *Channel) deregister0(p concurrent.Promise) {
	if !ch.IsRegistered() {
		p.TrySuccess()
		return
	}
	// let events already queued for the channel run first
	ch.invokeLater(func() {
		if err := ch.core.doDeregister(); err != nil {
			ch.WLogf("Deregister failed: %s", err)
		}
		if atomic.CompareAndSwapInt32(&ch.registered, 1, 0) {
			ch.pipeline.FireChannelUnregistered()
		}
		p.TrySuccess()
	})
}

func (ch *Channel) beginRead0() {
	if !ch.IsActive() {
		return
	}
	if err := ch.core.doBeginRead(); err != nil {
		ch.invokeLater(func() { ch.pipeline.FireExceptionCaught(err) })
		ch.close0(ch.pipeline.voidPromise, fmt.Errorf("%w: %v", ErrClosedChannel, err))
	}
}

func (ch *Channel) filterOutbound(msg interface{}) (interface{}, error) {
	if f, ok := ch.core.(outboundFilter); ok {
		return f.filterOutbound(msg)
	}
	switch m := msg.(type) {
	case buffer.Buf:
		return m, nil
	case []byte:
		return buffer.Copied(ch.config.Allocator(), m), nil
	case string:
		return buffer.CopiedString(ch.config.Allocator(), m), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
}

func (ch *Channel) write0(msg interface{}, p concurrent.Promise) {
	ob := ch.outbound.Load()
	if ob == nil {
		buffer.SafeRelease(ch.Logger, msg)
		p.TryFailure(ErrClosedChannel)
		return
	}
	if ch.outputShutdown {
		buffer.SafeRelease(ch.Logger, msg)
		p.TryFailure(fmt.Errorf("%w: output shut down", ErrClosedChannel))
		return
	}
	m, err := ch.filterOutbound(msg)
	if err != nil {
		buffer.SafeRelease(ch.Logger, msg)
		p.TryFailure(err)
		return
	}
	ob.AddMessage(m, p)
}

func (ch *Channel) flush0() {
	ob := ch.outbound.Load()
	if ob == nil {
		return
	}
	ob.AddFlush()
	ch.writeFlushed(ob)
}

// resumeFlush continues writing already flushed entries, for cores whose writes
// complete asynchronously.
func (ch *Channel) resumeFlush() {
	if ob := ch.outbound.Load(); ob != nil {
		ch.writeFlushed(ob)
	}
}

func (ch *Channel) writeFlushed(ob *OutboundBuffer) {
	if ch.inFlush {
		return
	}
	defer ch.finishShutdownOutput()
	if ob.IsEmpty() {
		return
	}
	if !ch.IsActive() {
		if ch.IsOpen() {
			ob.FailFlushed(ErrNotConnected)
		} else {
			ob.FailFlushed(ErrClosedChannel)
		}
		return
	}
	ch.inFlush = true
	err := ch.core.doWrite(ob)
	ch.inFlush = false
	if err != nil {
		ch.writeFailed(err)
	}
}

func (ch *Channel) writeFailed(err error) {
	ch.DLogf("Write failed: %s", err)
	if ob := ch.outbound.Load(); ob != nil {
		ob.FailFlushed(err)
	}
	ch.close0(ch.pipeline.voidPromise, fmt.Errorf("%w: %v", ErrClosedChannel, err))
}

func (ch *Channel) autoReadChanged(autoRead bool) {
	if autoRead {
		ch.Read()
	}
}
