package channel

import (
	"net"

	"github.com/sammck-go/evchan/pkg/concurrent"
)

// Handler is any value installed in a Pipeline. Its capabilities come from its
// dynamic type: a Handler that implements InboundHandler receives inbound events,
// one that implements OutboundHandler intercepts outbound operations, and one that
// implements both sees both directions.
type Handler interface{}

// LifecycleHandler is implemented by handlers that want to be told when they are
// added to or removed from a pipeline. Both methods run on the binding's executor.
type LifecycleHandler interface {
	HandlerAdded(ctx *HandlerContext) error
	HandlerRemoved(ctx *HandlerContext) error
}

// InboundHandler reacts to events flowing from the transport towards the application.
// A non-nil error return, or a panic, is delivered to the same handler's
// ExceptionCaught. Errors returned from ExceptionCaught itself are only logged.
type InboundHandler interface {
	ChannelRegistered(ctx *HandlerContext) error
	ChannelUnregistered(ctx *HandlerContext) error
	ChannelActive(ctx *HandlerContext) error
	ChannelInactive(ctx *HandlerContext) error
	ChannelRead(ctx *HandlerContext, msg interface{}) error
	ChannelReadComplete(ctx *HandlerContext) error
	UserEventTriggered(ctx *HandlerContext, evt interface{}) error
	ChannelWritabilityChanged(ctx *HandlerContext) error
	ExceptionCaught(ctx *HandlerContext, err error) error
}

// OutboundHandler intercepts operations flowing from the application towards the
// transport. A non-nil error return fails the operation's promise; for Read and
// Flush, which carry no promise, it is delivered as an exception instead.
type OutboundHandler interface {
	Bind(ctx *HandlerContext, local net.Addr, p concurrent.Promise) error
	Connect(ctx *HandlerContext, remote, local net.Addr, p concurrent.Promise) error
	Disconnect(ctx *HandlerContext, p concurrent.Promise) error
	Close(ctx *HandlerContext, p concurrent.Promise) error
	Deregister(ctx *HandlerContext, p concurrent.Promise) error
	Read(ctx *HandlerContext) error
	Write(ctx *HandlerContext, msg interface{}, p concurrent.Promise) error
	Flush(ctx *HandlerContext) error
}

// InboundHandlerAdapter passes every inbound event on to the next handler.
// Embed it and override only the events of interest.
type InboundHandlerAdapter struct{}

func (InboundHandlerAdapter) ChannelRegistered(ctx *HandlerContext) error {
	ctx.FireChannelRegistered()
	return nil
}

func (InboundHandlerAdapter) ChannelUnregistered(ctx *HandlerContext) error {
	ctx.FireChannelUnregistered()
	return nil
}

func (InboundHandlerAdapter) ChannelActive(ctx *HandlerContext) error {
	ctx.FireChannelActive()
	return nil
}

func (InboundHandlerAdapter) ChannelInactive(ctx *HandlerContext) error {
	ctx.FireChannelInactive()
	return nil
}

func (InboundHandlerAdapter) ChannelRead(ctx *HandlerContext, msg interface{}) error {
	ctx.FireChannelRead(msg)
	return nil
}

func (InboundHandlerAdapter) ChannelReadComplete(ctx *HandlerContext) error {
	ctx.FireChannelReadComplete()
	return nil
}

func (InboundHandlerAdapter) UserEventTriggered(ctx *HandlerContext, evt interface{}) error {
	ctx.FireUserEventTriggered(evt)
	return nil
}

func (InboundHandlerAdapter) ChannelWritabilityChanged(ctx *HandlerContext) error {
	ctx.FireChannelWritabilityChanged()
	return nil
}

func (InboundHandlerAdapter) ExceptionCaught(ctx *HandlerContext, err error) error {
	ctx.FireExceptionCaught(err)
	return nil
}

// OutboundHandlerAdapter passes every outbound operation on to the previous handler.
type OutboundHandlerAdapter struct{}

func (OutboundHandlerAdapter) Bind(ctx *HandlerContext, local net.Addr, p concurrent.Promise) error {
	ctx.Bind(local, p)
	return nil
}

func (OutboundHandlerAdapter) Connect(ctx *HandlerContext, remote, local net.Addr, p concurrent.Promise) error {
	ctx.Connect(remote, local, p)
	return nil
}

func (OutboundHandlerAdapter) Disconnect(ctx *HandlerContext, p concurrent.Promise) error {
	ctx.Disconnect(p)
	return nil
}

func (OutboundHandlerAdapter) Close(ctx *HandlerContext, p concurrent.Promise) error {
	ctx.Close(p)
	return nil
}

func (OutboundHandlerAdapter) Deregister(ctx *HandlerContext, p concurrent.Promise) error {
	ctx.Deregister(p)
	return nil
}

func (OutboundHandlerAdapter) Read(ctx *HandlerContext) error {
	ctx.Read()
	return nil
}

func (OutboundHandlerAdapter) Write(ctx *HandlerContext, msg interface{}, p concurrent.Promise) error {
	ctx.Write(msg, p)
	return nil
}

func (OutboundHandlerAdapter) Flush(ctx *HandlerContext) error {
	ctx.Flush()
	return nil
}

// DuplexHandlerAdapter passes events through in both directions.
type DuplexHandlerAdapter struct {
	InboundHandlerAdapter
	OutboundHandlerAdapter
}

// ReadFunc is an inbound handler built from a single ChannelRead function.
type ReadFunc func(ctx *HandlerContext, msg interface{}) error

type readFuncHandler struct {
	InboundHandlerAdapter
	f ReadFunc
}

// NewReadHandler wraps f as an inbound handler; all other events pass through.
func NewReadHandler(f ReadFunc) InboundHandler {
	return &readFuncHandler{f: f}
}

func (h *readFuncHandler) ChannelRead(ctx *HandlerContext, msg interface{}) error {
	return h.f(ctx, msg)
}
