package httpcodec

import (
	"github.com/sammck-go/evchan/pkg/channel"
	"github.com/sammck-go/evchan/pkg/concurrent"
)

// ServerCodec decodes requests and encodes responses in a single pipeline binding.
type ServerCodec struct {
	*Decoder
	*Encoder
}

// NewServerCodec returns a ServerCodec whose request decoder is bounded by cfg.
func NewServerCodec(cfg DecoderConfig) *ServerCodec {
	return &ServerCodec{Decoder: NewRequestDecoder(cfg), Encoder: NewResponseEncoder()}
}

// ClientCodec encodes requests and decodes responses in a single pipeline
// binding. It remembers the method of each request sent so that the response to
// a HEAD request, and a successful response to CONNECT, are decoded without a
// body whatever their headers declare.
type ClientCodec struct {
	*Decoder
	*Encoder
	methods []Method
}

// NewClientCodec returns a ClientCodec whose response decoder is bounded by cfg.
func NewClientCodec(cfg DecoderConfig) *ClientCodec {
	c := &ClientCodec{Decoder: NewResponseDecoder(cfg), Encoder: NewRequestEncoder()}
	c.Encoder.encoded = func(r *Request) {
		c.methods = append(c.methods, r.Method)
	}
	c.Decoder.contentAlwaysEmpty = c.responseHasNoBody
	return c
}

func (c *ClientCodec) responseHasNoBody(m Message) bool {
	r, ok := m.(*Response)
	if !ok {
		return isContentAlwaysEmpty(m)
	}
	code := r.Status.Code
	if code == 100 || code == 103 {
		// interim response; the final one is still to come
		return true
	}
	if len(c.methods) > 0 {
		method := c.methods[0]
		c.methods[0] = ""
		c.methods = c.methods[1:]
		switch {
		case method == MethodHead:
			return true
		case method == MethodConnect && code >= 200 && code < 300:
			return true
		}
	}
	return isContentAlwaysEmpty(m)
}

// KeepAliveHandler sits after a ServerCodec and closes the connection once a
// response has been written if the request or the response did not allow the
// connection to persist. A response whose end could only be signalled by
// closing the connection also ends it. Responses are fixed up with
// Connection: close when the connection is going to be closed.
type KeepAliveHandler struct {
	channel.DuplexHandlerAdapter
	persistent bool
	pending    int
}

// NewKeepAliveHandler returns a KeepAliveHandler for a new connection.
func NewKeepAliveHandler() *KeepAliveHandler {
	return &KeepAliveHandler{persistent: true}
}

func (k *KeepAliveHandler) shouldKeepAlive() bool {
	return k.pending != 0 || k.persistent
}

func (k *KeepAliveHandler) ChannelRead(ctx *channel.HandlerContext, msg interface{}) error {
	switch m := msg.(type) {
	case *Request:
		k.trackRequest(m)
	case *FullRequest:
		k.trackRequest(m)
	}
	ctx.FireChannelRead(msg)
	return nil
}

func (k *KeepAliveHandler) trackRequest(m Message) {
	if k.persistent {
		k.pending++
		k.persistent = IsKeepAlive(m)
	}
}

func isInformational(m Message) bool {
	switch r := m.(type) {
	case *Response:
		return r.Status.IsInformational()
	case *FullResponse:
		return r.Status.IsInformational()
	}
	return false
}

func (k *KeepAliveHandler) Write(ctx *channel.HandlerContext, msg interface{}, p concurrent.Promise) error {
	last := false
	switch msg.(type) {
	case *Response, *FullResponse:
		resp := msg.(Message)
		if isInformational(resp) {
			ctx.Write(msg, p)
			return nil
		}
		if k.pending > 0 {
			k.pending--
		}
		if !IsKeepAlive(resp) || !isSelfDefinedLength(resp) {
			k.pending = 0
			k.persistent = false
		}
		if !k.shouldKeepAlive() {
			SetKeepAlive(resp, false)
		}
		_, last = msg.(*FullResponse)
	case *LastContent:
		last = true
	}
	if last && !k.shouldKeepAlive() {
		if p == nil || p.IsVoid() {
			p = ctx.NewPromise()
		}
		p.AddListener(func(concurrent.Future) {
			ctx.DLogf("Closing connection after the last response")
			ctx.Close(nil)
		})
	}
	ctx.Write(msg, p)
	return nil
}
