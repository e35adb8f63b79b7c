package channel

import (
	"net"

	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/concurrent"
)

// headHandler sits at the transport end of every pipeline. Outbound operations
// that reach it are carried out on the channel; inbound events pass through, with
// auto-read requested after activation and after each read burst.
// Unlike the tail, the head is both an inbound and an outbound handler.
type headHandler struct {
	ch *Channel
}

func (h *headHandler) Bind(ctx *HandlerContext, local net.Addr, p concurrent.Promise) error {
	h.ch.bind0(local, p)
	return nil
}

func (h *headHandler) Connect(ctx *HandlerContext, remote, local net.Addr, p concurrent.Promise) error {
	h.ch.connect0(remote, local, p)
	return nil
}

func (h *headHandler) Disconnect(ctx *HandlerContext, p concurrent.Promise) error {
	h.ch.disconnect0(p)
	return nil
}

func (h *headHandler) Close(ctx *HandlerContext, p concurrent.Promise) error {
	h.ch.close0(p, nil)
	return nil
}

func (h *headHandler) Deregister(ctx *HandlerContext, p concurrent.Promise) error {
	h.ch.deregister0(p)
	return nil
}

func (h *headHandler) Read(ctx *HandlerContext) error {
	h.ch.beginRead0()
	return nil
}

func (h *headHandler) Write(ctx *HandlerContext, msg interface{}, p concurrent.Promise) error {
	h.ch.write0(msg, p)
	return nil
}

func (h *headHandler) Flush(ctx *HandlerContext) error {
	h.ch.flush0()
	return nil
}

func (h *headHandler) readIfAutoRead() {
	if h.ch.config.AutoRead() {
		h.ch.Read()
	}
}

func (h *headHandler) ChannelRegistered(ctx *HandlerContext) error {
	ctx.FireChannelRegistered()
	return nil
}

func (h *headHandler) ChannelUnregistered(ctx *HandlerContext) error {
	ctx.FireChannelUnregistered()
	if !h.ch.IsOpen() {
		ctx.pipeline.destroy()
	}
	return nil
}

func (h *headHandler) ChannelActive(ctx *HandlerContext) error {
	ctx.FireChannelActive()
	h.readIfAutoRead()
	return nil
}

func (h *headHandler) ChannelInactive(ctx *HandlerContext) error {
	ctx.FireChannelInactive()
	return nil
}

func (h *headHandler) ChannelRead(ctx *HandlerContext, msg interface{}) error {
	ctx.FireChannelRead(msg)
	return nil
}

func (h *headHandler) ChannelReadComplete(ctx *HandlerContext) error {
	ctx.FireChannelReadComplete()
	h.readIfAutoRead()
	return nil
}

func (h *headHandler) UserEventTriggered(ctx *HandlerContext, evt interface{}) error {
	ctx.FireUserEventTriggered(evt)
	return nil
}

func (h *headHandler) ChannelWritabilityChanged(ctx *HandlerContext) error {
	ctx.FireChannelWritabilityChanged()
	return nil
}

func (h *headHandler) ExceptionCaught(ctx *HandlerContext, err error) error {
	ctx.FireExceptionCaught(err)
	return nil
}

// tailHandler terminates the inbound direction. Whatever reaches it was not
// consumed by any handler.
type tailHandler struct {
	p *Pipeline
}

func (t *tailHandler) ChannelRegistered(ctx *HandlerContext) error   { return nil }
func (t *tailHandler) ChannelUnregistered(ctx *HandlerContext) error { return nil }
func (t *tailHandler) ChannelActive(ctx *HandlerContext) error       { return nil }
func (t *tailHandler) ChannelInactive(ctx *HandlerContext) error     { return nil }
func (t *tailHandler) ChannelReadComplete(ctx *HandlerContext) error { return nil }

func (t *tailHandler) ChannelWritabilityChanged(ctx *HandlerContext) error { return nil }

func (t *tailHandler) ChannelRead(ctx *HandlerContext, msg interface{}) error {
	if f := t.p.unhandledRead; f != nil {
		f(msg)
		return nil
	}
	ctx.DLogf("Discarding unhandled inbound message %T: %v", msg, msg)
	buffer.SafeRelease(ctx, msg)
	return nil
}

func (t *tailHandler) UserEventTriggered(ctx *HandlerContext, evt interface{}) error {
	buffer.SafeRelease(ctx, evt)
	return nil
}

func (t *tailHandler) ExceptionCaught(ctx *HandlerContext, err error) error {
	if f := t.p.unhandledException; f != nil {
		f(err)
		return nil
	}
	ctx.WLogf("Exception reached the end of the pipeline unhandled: %s", err)
	return nil
}
