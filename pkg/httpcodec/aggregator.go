package httpcodec

import (
	"fmt"

	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/channel"
	"github.com/sammck-go/evchan/pkg/codec"
	"github.com/sammck-go/evchan/pkg/concurrent"
)

// ContentTooLargeError is raised by an Aggregator when a message body exceeds
// its maximum.
type ContentTooLargeError struct {
	Max   int64
	Cause *codec.TooLongFrameError
}

func (e *ContentTooLargeError) Error() string {
	return fmt.Sprintf("HTTP content exceeds the maximum of %d bytes", e.Max)
}

func (e *ContentTooLargeError) Unwrap() error {
	return e.Cause
}

// ExpectationFailedEvent is fired as a user event after an Aggregator refuses a
// request's 100-continue expectation.
type ExpectationFailedEvent struct{}

// Aggregator is an inbound handler placed after a Decoder that turns each
// streamed message into a *FullRequest or *FullResponse. Full messages passing
// through are left alone.
//
// A body larger than MaxContentLength is dropped: the in-flight message is
// released, the remaining content discarded, and a *ContentTooLargeError raised
// to the pipeline. An oversized request is also answered with 413.
type Aggregator struct {
	channel.InboundHandlerAdapter
	MaxContentLength int64

	// CloseOnExpectationFailed closes the connection after refusing a
	// 100-continue expectation, rather than waiting for the body the client
	// may have started sending anyway.
	CloseOnExpectationFailed bool

	current    Message
	content    *buffer.CompositeBuf
	size       int64
	discarding bool
}

// NewAggregator returns an Aggregator for bodies of up to maxContentLength bytes.
func NewAggregator(maxContentLength int64) *Aggregator {
	return &Aggregator{MaxContentLength: maxContentLength}
}

func (a *Aggregator) ChannelRead(ctx *channel.HandlerContext, msg interface{}) error {
	switch m := msg.(type) {
	case *FullRequest, *FullResponse:
		ctx.FireChannelRead(msg)
		return nil
	case Message:
		return a.start(ctx, m)
	case *LastContent:
		return a.addContent(ctx, &m.Content, m)
	case *Content:
		return a.addContent(ctx, m, nil)
	}
	ctx.FireChannelRead(msg)
	return nil
}

func (a *Aggregator) start(ctx *channel.HandlerContext, m Message) error {
	a.discarding = false
	if a.current != nil {
		ctx.WLogf("Message %v started before %v was complete", m, a.current)
		a.releaseCurrent()
	}
	h := m.Head()
	if h.Result.IsFailure() {
		ctx.FireChannelRead(newFullMessage(m, buffer.Empty, NewHeaders()))
		return nil
	}
	if Is100ContinueExpected(m) {
		h.Header.Remove(HeaderExpect)
		if GetContentLength(m, -1) <= a.MaxContentLength {
			ctx.WriteAndFlush(NewFullResponse(h.Version, StatusContinue, nil), nil).AddListener(func(f concurrent.Future) {
				if !f.IsSuccess() {
					ctx.FireExceptionCaught(f.Err())
				}
			})
		} else {
			resp := NewFullResponse(h.Version, StatusExpectationFailed, nil)
			SetContentLength(resp, 0)
			f := ctx.WriteAndFlush(resp, nil)
			if a.CloseOnExpectationFailed {
				f.AddListener(func(concurrent.Future) {
					ctx.Close(nil)
				})
			}
			// whatever body the client sends anyway is dropped
			a.discarding = true
			ctx.FireUserEventTriggered(ExpectationFailedEvent{})
			return nil
		}
	} else if n, ok, err := ContentLength(m); ok && err == nil && n > a.MaxContentLength {
		return a.oversized(ctx, m, false)
	}
	a.current = m
	a.content = buffer.NewCompositeBuf(ctx.Alloc())
	a.size = 0
	return nil
}

func (a *Aggregator) addContent(ctx *channel.HandlerContext, c *Content, last *LastContent) error {
	if a.current == nil {
		if !a.discarding {
			ctx.DLogf("Dropping %v with no message in progress", c)
		}
		c.Release()
		if last != nil {
			a.discarding = false
		}
		return nil
	}
	n := int64(c.Data.ReadableBytes())
	if a.size+n > a.MaxContentLength {
		m := a.current
		c.Release()
		return a.oversized(ctx, m, last != nil)
	}
	a.content.AddComponent(c.Data)
	a.size += n
	if c.Result.IsFailure() {
		a.current.Head().Result = c.Result
		a.finish(ctx, last)
		return nil
	}
	if last != nil {
		a.finish(ctx, last)
	}
	return nil
}

func (a *Aggregator) finish(ctx *channel.HandlerContext, last *LastContent) {
	m, body := a.current, a.content
	a.current, a.content, a.size = nil, nil, 0
	trailer := NewHeaders()
	if last != nil && last.Trailer != nil {
		trailer = last.Trailer
	}
	full := newFullMessage(m, body, trailer)
	h := full.Head().Header
	if err := h.SetAll(trailer); err != nil {
		ctx.WLogf("Failed to merge trailers into %v: %s", m, err)
	}
	SetTransferEncodingChunked(full, false)
	SetContentLength(full, int64(body.ReadableBytes()))
	ctx.FireChannelRead(full)
}

func newFullMessage(m Message, body buffer.Buf, trailer *Headers) Message {
	switch v := m.(type) {
	case *Request:
		return &FullRequest{Request: *v, Body: body, Trailer: trailer}
	case *Response:
		return &FullResponse{Response: *v, Body: body, Trailer: trailer}
	}
	return m
}

// oversized drops the message m and reports it. An oversized request is answered
// with 413, and the connection closed unless it is to be kept alive.
func (a *Aggregator) oversized(ctx *channel.HandlerContext, m Message, sawLast bool) error {
	a.releaseCurrent()
	a.discarding = !sawLast
	ctx.DLogf("Dropping %v: content exceeds %d bytes", m, a.MaxContentLength)
	if req, ok := m.(*Request); ok {
		keepAlive := IsKeepAlive(req)
		resp := NewFullResponse(req.Version, StatusRequestEntityTooLarge, nil)
		SetContentLength(resp, 0)
		if !keepAlive {
			SetKeepAlive(resp, false)
		}
		ctx.WriteAndFlush(resp, nil).AddListener(func(f concurrent.Future) {
			if !keepAlive || !f.IsSuccess() {
				ctx.Close(nil)
			}
		})
	}
	return &ContentTooLargeError{
		Max:   a.MaxContentLength,
		Cause: &codec.TooLongFrameError{What: "HTTP content", Limit: a.MaxContentLength},
	}
}

func (a *Aggregator) releaseCurrent() {
	if a.content != nil {
		a.content.Release()
	}
	a.current, a.content, a.size = nil, nil, 0
}

func (a *Aggregator) ChannelInactive(ctx *channel.HandlerContext) error {
	a.releaseCurrent()
	ctx.FireChannelInactive()
	return nil
}

func (a *Aggregator) HandlerAdded(ctx *channel.HandlerContext) error {
	return nil
}

func (a *Aggregator) HandlerRemoved(ctx *channel.HandlerContext) error {
	a.releaseCurrent()
	return nil
}
