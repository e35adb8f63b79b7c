package channel

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/concurrent"
	"github.com/sammck-go/logger"
)

// binding states
const (
	ctxInit int32 = iota
	ctxAddPending
	ctxAddComplete
	ctxRemoveComplete
)

var errNilMessage = errors.New("nil message")

// HandlerContext binds one Handler into a Pipeline. It is the handler's view of the
// pipeline: events are passed on by calling the context's Fire methods (inbound,
// towards the tail) and outbound methods (towards the head).
//
// Each binding runs on one executor, the channel's unless another was given when the
// handler was added. Events that arrive from a different executor are queued there,
// so a handler never runs concurrently with itself.
type HandlerContext struct {
	logger.Logger
	name     string
	handler  Handler
	pipeline *Pipeline
	exec     concurrent.Executor

	in  InboundHandler
	out OutboundHandler
	lc  LifecycleHandler

	next  atomic.Pointer[HandlerContext]
	prev  atomic.Pointer[HandlerContext]
	state int32
}

func newHandlerContext(p *Pipeline, name string, h Handler, exec concurrent.Executor) *HandlerContext {
	c := &HandlerContext{
		Logger:   p.channel.ForkLogf("%s", name),
		name:     name,
		handler:  h,
		pipeline: p,
		exec:     exec,
	}
	c.in, _ = h.(InboundHandler)
	c.out, _ = h.(OutboundHandler)
	c.lc, _ = h.(LifecycleHandler)
	return c
}

func (c *HandlerContext) String() string {
	return fmt.Sprintf("HandlerContext(%s, %s)", c.name, c.pipeline.channel)
}

// Name returns the name the handler was added under.
func (c *HandlerContext) Name() string {
	return c.name
}

// Handler returns the bound handler.
func (c *HandlerContext) Handler() Handler {
	return c.handler
}

// Pipeline returns the pipeline the handler was added to.
func (c *HandlerContext) Pipeline() *Pipeline {
	return c.pipeline
}

// Channel returns the channel that owns the pipeline.
func (c *HandlerContext) Channel() *Channel {
	return c.pipeline.channel
}

// Alloc returns the channel's buffer allocator.
func (c *HandlerContext) Alloc() buffer.Allocator {
	return c.pipeline.channel.Config().Allocator()
}

// Executor returns the executor the handler runs on. Before the channel is
// registered this may be nil, in which case events run on the calling goroutine.
func (c *HandlerContext) Executor() concurrent.Executor {
	if c.exec != nil {
		return c.exec
	}
	return c.pipeline.channel.Executor()
}

// IsRemoved returns true once the handler has been removed from the pipeline.
func (c *HandlerContext) IsRemoved() bool {
	return atomic.LoadInt32(&c.state) == ctxRemoveComplete
}

// NewPromise returns a new promise that notifies its listeners on this context's
// executor.
func (c *HandlerContext) NewPromise() concurrent.Promise {
	return concurrent.NewPromise(c.Executor())
}

// VoidPromise returns the pipeline's shared fire-and-forget promise.
func (c *HandlerContext) VoidPromise() concurrent.Promise {
	return c.pipeline.voidPromise
}

func (c *HandlerContext) setAddPending() {
	atomic.CompareAndSwapInt32(&c.state, ctxInit, ctxAddPending)
}

// setAddComplete returns false if the binding was removed in the meantime.
func (c *HandlerContext) setAddComplete() bool {
	for {
		s := atomic.LoadInt32(&c.state)
		if s == ctxRemoveComplete {
			return false
		}
		if atomic.CompareAndSwapInt32(&c.state, s, ctxAddComplete) {
			return true
		}
	}
}

func (c *HandlerContext) setRemoved() {
	atomic.StoreInt32(&c.state, ctxRemoveComplete)
}

// invokable is false while the handler's HandlerAdded has not yet run, or after it
// was removed. Events reaching such a binding skip it.
func (c *HandlerContext) invokable() bool {
	return atomic.LoadInt32(&c.state) == ctxAddComplete
}

func (c *HandlerContext) inEventLoop() bool {
	exec := c.Executor()
	return exec == nil || exec.InEventLoop()
}

// dispatch runs task on this binding's executor: inline if already there, queued
// otherwise. onReject is called if the executor refuses the task.
func (c *HandlerContext) dispatch(task func(), onReject func(err error)) {
	exec := c.Executor()
	if exec == nil || exec.InEventLoop() {
		task()
		return
	}
	if err := exec.Execute(task); err != nil {
		c.DLogf("Executor rejected event task: %s", err)
		if onReject != nil {
			onReject(err)
		}
	}
}

func (c *HandlerContext) safeCall(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, c.name, r)
		}
	}()
	return f()
}

func (c *HandlerContext) findNextInbound() *HandlerContext {
	n := c
	for {
		n = n.next.Load()
		if n == nil || n.in != nil {
			return n
		}
	}
}

func (c *HandlerContext) findPrevOutbound() *HandlerContext {
	n := c
	for {
		n = n.prev.Load()
		if n == nil || n.out != nil {
			return n
		}
	}
}

func (c *HandlerContext) inboundFailed(err error) {
	if err == nil {
		return
	}
	c.invokeExceptionCaught(err)
}

// outboundFailed delivers a Read or Flush failure as an exception, starting at this
// binding if it handles inbound events.
func (c *HandlerContext) outboundFailed(err error) {
	if err == nil {
		return
	}
	if c.in != nil {
		c.invokeExceptionCaught(err)
	} else {
		c.FireExceptionCaught(err)
	}
}

// ---- inbound ----

// FireChannelRegistered passes channel-registered to the next inbound handler.
func (c *HandlerContext) FireChannelRegistered() *HandlerContext {
	c.findNextInbound().invokeChannelRegistered()
	return c
}

func (c *HandlerContext) invokeChannelRegistered() {
	c.dispatch(func() {
		if !c.invokable() {
			c.FireChannelRegistered()
			return
		}
		c.inboundFailed(c.safeCall(func() error { return c.in.ChannelRegistered(c) }))
	}, nil)
}

// FireChannelUnregistered passes channel-unregistered to the next inbound handler.
func (c *HandlerContext) FireChannelUnregistered() *HandlerContext {
	c.findNextInbound().invokeChannelUnregistered()
	return c
}

func (c *HandlerContext) invokeChannelUnregistered() {
	c.dispatch(func() {
		if !c.invokable() {
			c.FireChannelUnregistered()
			return
		}
		c.inboundFailed(c.safeCall(func() error { return c.in.ChannelUnregistered(c) }))
	}, nil)
}

// FireChannelActive passes channel-active to the next inbound handler.
func (c *HandlerContext) FireChannelActive() *HandlerContext {
	c.findNextInbound().invokeChannelActive()
	return c
}

func (c *HandlerContext) invokeChannelActive() {
	c.dispatch(func() {
		if !c.invokable() {
			c.FireChannelActive()
			return
		}
		c.inboundFailed(c.safeCall(func() error { return c.in.ChannelActive(c) }))
	}, nil)
}

// FireChannelInactive passes channel-inactive to the next inbound handler.
func (c *HandlerContext) FireChannelInactive() *HandlerContext {
	c.findNextInbound().invokeChannelInactive()
	return c
}

func (c *HandlerContext) invokeChannelInactive() {
	c.dispatch(func() {
		if !c.invokable() {
			c.FireChannelInactive()
			return
		}
		c.inboundFailed(c.safeCall(func() error { return c.in.ChannelInactive(c) }))
	}, nil)
}

// FireChannelRead passes msg, and ownership of it, to the next inbound handler.
func (c *HandlerContext) FireChannelRead(msg interface{}) *HandlerContext {
	if msg == nil {
		c.FireExceptionCaught(errNilMessage)
		return c
	}
	c.findNextInbound().invokeChannelRead(msg)
	return c
}

func (c *HandlerContext) invokeChannelRead(msg interface{}) {
	c.dispatch(func() {
		if !c.invokable() {
			c.FireChannelRead(msg)
			return
		}
		c.inboundFailed(c.safeCall(func() error { return c.in.ChannelRead(c, msg) }))
	}, func(err error) {
		buffer.SafeRelease(c, msg)
	})
}

// FireChannelReadComplete passes read-complete to the next inbound handler.
func (c *HandlerContext) FireChannelReadComplete() *HandlerContext {
	c.findNextInbound().invokeChannelReadComplete()
	return c
}

func (c *HandlerContext) invokeChannelReadComplete() {
	c.dispatch(func() {
		if !c.invokable() {
			c.FireChannelReadComplete()
			return
		}
		c.inboundFailed(c.safeCall(func() error { return c.in.ChannelReadComplete(c) }))
	}, nil)
}

// FireUserEventTriggered passes evt to the next inbound handler.
func (c *HandlerContext) FireUserEventTriggered(evt interface{}) *HandlerContext {
	c.findNextInbound().invokeUserEventTriggered(evt)
	return c
}

func (c *HandlerContext) invokeUserEventTriggered(evt interface{}) {
	c.dispatch(func() {
		if !c.invokable() {
			c.FireUserEventTriggered(evt)
			return
		}
		c.inboundFailed(c.safeCall(func() error { return c.in.UserEventTriggered(c, evt) }))
	}, func(err error) {
		buffer.SafeRelease(c, evt)
	})
}

// FireChannelWritabilityChanged passes writability-changed to the next inbound handler.
func (c *HandlerContext) FireChannelWritabilityChanged() *HandlerContext {
	c.findNextInbound().invokeChannelWritabilityChanged()
	return c
}

func (c *HandlerContext) invokeChannelWritabilityChanged() {
	c.dispatch(func() {
		if !c.invokable() {
			c.FireChannelWritabilityChanged()
			return
		}
		c.inboundFailed(c.safeCall(func() error { return c.in.ChannelWritabilityChanged(c) }))
	}, nil)
}

// FireExceptionCaught passes err to the next inbound handler.
func (c *HandlerContext) FireExceptionCaught(err error) *HandlerContext {
	c.findNextInbound().invokeExceptionCaught(err)
	return c
}

func (c *HandlerContext) invokeExceptionCaught(err error) {
	c.dispatch(func() {
		if !c.invokable() {
			c.FireExceptionCaught(err)
			return
		}
		if e := c.safeCall(func() error { return c.in.ExceptionCaught(c, err) }); e != nil {
			c.WLogf("ExceptionCaught failed while handling %q: %s", err, e)
		}
	}, func(rejectErr error) {
		c.WLogf("Exception dropped by a stopped executor: %s", err)
	})
}

// ---- outbound ----

func (c *HandlerContext) promiseOrNew(p concurrent.Promise) concurrent.Promise {
	if p == nil {
		return c.NewPromise()
	}
	return p
}

// Bind asks the previous outbound handler to bind the channel to local.
func (c *HandlerContext) Bind(local net.Addr, p concurrent.Promise) concurrent.Promise {
	p = c.promiseOrNew(p)
	next := c.findPrevOutbound()
	next.dispatch(func() {
		if !next.invokable() {
			next.Bind(local, p)
			return
		}
		if err := next.safeCall(func() error { return next.out.Bind(next, local, p) }); err != nil {
			p.TryFailure(err)
		}
	}, func(err error) { p.TryFailure(err) })
	return p
}

// Connect asks the previous outbound handler to connect the channel to remote.
// local may be nil.
func (c *HandlerContext) Connect(remote, local net.Addr, p concurrent.Promise) concurrent.Promise {
	p = c.promiseOrNew(p)
	next := c.findPrevOutbound()
	next.dispatch(func() {
		if !next.invokable() {
			next.Connect(remote, local, p)
			return
		}
		if err := next.safeCall(func() error { return next.out.Connect(next, remote, local, p) }); err != nil {
			p.TryFailure(err)
		}
	}, func(err error) { p.TryFailure(err) })
	return p
}

// Disconnect asks the previous outbound handler to disconnect the channel.
func (c *HandlerContext) Disconnect(p concurrent.Promise) concurrent.Promise {
	p = c.promiseOrNew(p)
	next := c.findPrevOutbound()
	next.dispatch(func() {
		if !next.invokable() {
			next.Disconnect(p)
			return
		}
		if err := next.safeCall(func() error { return next.out.Disconnect(next, p) }); err != nil {
			p.TryFailure(err)
		}
	}, func(err error) { p.TryFailure(err) })
	return p
}

// Close asks the previous outbound handler to close the channel.
func (c *HandlerContext) Close(p concurrent.Promise) concurrent.Promise {
	p = c.promiseOrNew(p)
	next := c.findPrevOutbound()
	next.dispatch(func() {
		if !next.invokable() {
			next.Close(p)
			return
		}
		if err := next.safeCall(func() error { return next.out.Close(next, p) }); err != nil {
			p.TryFailure(err)
		}
	}, func(err error) { p.TryFailure(err) })
	return p
}

// Deregister asks the previous outbound handler to deregister the channel from its
// executor.
func (c *HandlerContext) Deregister(p concurrent.Promise) concurrent.Promise {
	p = c.promiseOrNew(p)
	next := c.findPrevOutbound()
	next.dispatch(func() {
		if !next.invokable() {
			next.Deregister(p)
			return
		}
		if err := next.safeCall(func() error { return next.out.Deregister(next, p) }); err != nil {
			p.TryFailure(err)
		}
	}, func(err error) { p.TryFailure(err) })
	return p
}

// Read asks the previous outbound handler to request more inbound data.
func (c *HandlerContext) Read() *HandlerContext {
	next := c.findPrevOutbound()
	next.dispatch(func() {
		if !next.invokable() {
			next.Read()
			return
		}
		next.outboundFailed(next.safeCall(func() error { return next.out.Read(next) }))
	}, nil)
	return c
}

// Flush asks the previous outbound handler to flush pending writes.
func (c *HandlerContext) Flush() *HandlerContext {
	next := c.findPrevOutbound()
	next.dispatch(next.invokeFlush, nil)
	return c
}

func (c *HandlerContext) invokeFlush() {
	if !c.invokable() {
		c.Flush()
		return
	}
	c.outboundFailed(c.safeCall(func() error { return c.out.Flush(c) }))
}

// Write passes msg, and ownership of it, to the previous outbound handler. The
// returned promise completes once the message has been written or has failed.
func (c *HandlerContext) Write(msg interface{}, p concurrent.Promise) concurrent.Promise {
	return c.write(msg, false, p)
}

// WriteAndFlush is Write followed by Flush.
func (c *HandlerContext) WriteAndFlush(msg interface{}, p concurrent.Promise) concurrent.Promise {
	return c.write(msg, true, p)
}

func (c *HandlerContext) write(msg interface{}, flush bool, p concurrent.Promise) concurrent.Promise {
	p = c.promiseOrNew(p)
	if msg == nil {
		p.TryFailure(errNilMessage)
		return p
	}
	if !p.IsVoid() && p.IsDone() {
		// cancelled before it got anywhere
		buffer.SafeRelease(c, msg)
		return p
	}
	next := c.findPrevOutbound()
	if next.inEventLoop() {
		next.invokeWrite(msg, p)
		if flush {
			next.invokeFlush()
		}
		return p
	}

	// the message counts against writability while it is queued for the other executor
	ch := c.pipeline.channel
	size := estimateSize(ch.Config().MessageSizeEstimator(), msg)
	ob := ch.outboundBuffer()
	if ob != nil {
		ob.IncrementPendingOutboundBytes(size)
	}
	err := next.Executor().Execute(func() {
		if ob != nil {
			ob.DecrementPendingOutboundBytes(size)
		}
		next.invokeWrite(msg, p)
		if flush {
			next.invokeFlush()
		}
	})
	if err != nil {
		if ob != nil {
			ob.DecrementPendingOutboundBytes(size)
		}
		buffer.SafeRelease(c, msg)
		p.TryFailure(err)
	}
	return p
}

func (c *HandlerContext) invokeWrite(msg interface{}, p concurrent.Promise) {
	if !c.invokable() {
		c.Write(msg, p)
		return
	}
	if err := c.safeCall(func() error { return c.out.Write(c, msg, p) }); err != nil {
		p.TryFailure(err)
	}
}
