package codec

import (
	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/channel"
	"github.com/sammck-go/evchan/pkg/concurrent"
)

// Encoder turns one outbound message into zero or more messages for the handlers
// closer to the transport.
type Encoder interface {
	// AcceptOutbound reports whether msg is encoded by this encoder. Other messages
	// are passed through untouched.
	AcceptOutbound(msg interface{}) bool

	Encode(ctx *channel.HandlerContext, msg interface{}, out *[]interface{}) error
}

// MessageToMessageEncoder is an outbound handler running an Encoder. The input
// message is released once encoded, whether or not encoding succeeded. When an
// encoding yields several messages the write promise completes after all of them
// have been written, failing with the first failure.
type MessageToMessageEncoder struct {
	channel.OutboundHandlerAdapter
	enc Encoder
}

// NewMessageToMessageEncoder returns a handler running enc.
func NewMessageToMessageEncoder(enc Encoder) *MessageToMessageEncoder {
	e := &MessageToMessageEncoder{}
	e.Init(enc)
	return e
}

// Init sets the encoder. It is for types that embed MessageToMessageEncoder and
// implement Encoder themselves.
func (e *MessageToMessageEncoder) Init(enc Encoder) {
	e.enc = enc
}

func (e *MessageToMessageEncoder) Write(ctx *channel.HandlerContext, msg interface{}, p concurrent.Promise) error {
	if !e.enc.AcceptOutbound(msg) {
		ctx.Write(msg, p)
		return nil
	}
	var out []interface{}
	err := e.enc.Encode(ctx, msg, &out)
	buffer.SafeRelease(ctx, msg)
	if err == nil && len(out) == 0 {
		err = ErrNoOutput
	}
	if err != nil {
		for _, m := range out {
			buffer.SafeRelease(ctx, m)
		}
		return &EncoderError{Cause: err}
	}
	if len(out) == 1 {
		ctx.Write(out[0], p)
		return nil
	}
	if p == nil || p.IsVoid() {
		for _, m := range out {
			ctx.Write(m, ctx.VoidPromise())
		}
		return nil
	}
	parts := make([]concurrent.Future, len(out))
	for i, m := range out {
		parts[i] = ctx.Write(m, nil)
	}
	concurrent.Combine(p, parts...)
	return nil
}
