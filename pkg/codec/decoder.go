// Package codec provides the building blocks for protocol handlers: a decoder
// that accumulates inbound bytes until whole messages can be parsed out of them,
// and an encoder that turns outbound messages into other messages or bytes.
package codec

import (
	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/channel"
)

// discardAfterReads is how many reads may leave consumed bytes at the front of the
// cumulation before they are compacted away.
const discardAfterReads = 16

// Decoder parses messages out of accumulated inbound bytes. Decode is called
// repeatedly while it makes progress; it should consume the bytes of each
// message it appends to out and return without consuming anything when more
// input is needed.
type Decoder interface {
	Decode(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) error
}

// LastDecoder is implemented by decoders that need to know when input ends, for
// protocols where end of input terminates a message. Without it, Decode is
// called once more if bytes remain.
type LastDecoder interface {
	DecodeLast(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) error
}

// RemovalDecoder is implemented by decoders that hold state of their own that has
// to be released when the handler leaves the pipeline.
type RemovalDecoder interface {
	DecoderRemoved(ctx *channel.HandlerContext)
}

// ByteToMessageDecoder is an inbound handler that accumulates inbound buffers and
// feeds them to a Decoder. Every inbound buffer is released exactly once, either
// after its bytes were copied into the cumulation or because it became the
// cumulation. Decoded messages are fired on one at a time; bytes still
// buffered when the handler is removed are fired on as a single buffer.
//
// A ByteToMessageDecoder holds per-connection state and must not be shared
// between channels.
type ByteToMessageDecoder struct {
	channel.InboundHandlerAdapter
	dec          Decoder
	cumulation   *buffer.ByteBuf
	out          []interface{}
	singleDecode bool
	numReads     int
	firedRead    bool
	inputClosed  bool
}

// NewByteToMessageDecoder returns a handler running dec.
func NewByteToMessageDecoder(dec Decoder) *ByteToMessageDecoder {
	d := &ByteToMessageDecoder{}
	d.Init(dec)
	return d
}

// Init sets the decoder. It is for types that embed ByteToMessageDecoder and
// implement Decoder themselves.
func (d *ByteToMessageDecoder) Init(dec Decoder) {
	d.dec = dec
}

// SetSingleDecode limits each inbound buffer to decoding at most one message,
// which lets an upstream handler switch protocols between messages.
func (d *ByteToMessageDecoder) SetSingleDecode(single bool) {
	d.singleDecode = single
}

// ActualReadableBytes returns the number of bytes buffered but not yet decoded.
func (d *ByteToMessageDecoder) ActualReadableBytes() int {
	if d.cumulation == nil {
		return 0
	}
	return d.cumulation.ReadableBytes()
}

func (d *ByteToMessageDecoder) cumulate(ctx *channel.HandlerContext, b buffer.Buf) {
	if d.cumulation == nil {
		if bb, ok := b.(*buffer.ByteBuf); ok && bb.RefCnt() == 1 {
			d.cumulation = bb
			return
		}
		d.cumulation = ctx.Alloc().Allocate(b.ReadableBytes())
	}
	for _, seg := range b.Segments() {
		d.cumulation.Write(seg)
	}
	b.Release()
}

func (d *ByteToMessageDecoder) releaseCumulation() {
	if d.cumulation != nil {
		d.cumulation.Release()
		d.cumulation = nil
	}
	d.numReads = 0
}

func (d *ByteToMessageDecoder) ChannelRead(ctx *channel.HandlerContext, msg interface{}) error {
	b, ok := msg.(buffer.Buf)
	if !ok {
		ctx.FireChannelRead(msg)
		return nil
	}
	if d.inputClosed {
		// input already ended; nothing more belongs to the current stream
		b.Release()
		return nil
	}
	d.cumulate(ctx, b)
	err := d.callDecode(ctx)
	if d.cumulation != nil && d.cumulation.ReadableBytes() == 0 {
		d.releaseCumulation()
	} else if d.numReads++; d.numReads >= discardAfterReads {
		d.numReads = 0
		d.discardSomeReadBytes()
	}
	return err
}

func (d *ByteToMessageDecoder) discardSomeReadBytes() {
	if d.cumulation != nil && d.cumulation.RefCnt() == 1 {
		d.cumulation.DiscardReadBytes()
	}
}

// fireOut passes every decoded message on and empties the output list.
func (d *ByteToMessageDecoder) fireOut(ctx *channel.HandlerContext) {
	if len(d.out) == 0 {
		return
	}
	out := d.out
	d.out = nil
	for i, m := range out {
		ctx.FireChannelRead(m)
		out[i] = nil
	}
	d.out = out[:0]
	d.firedRead = true
}

// callDecode decodes as many messages as the cumulation holds.
func (d *ByteToMessageDecoder) callDecode(ctx *channel.HandlerContext) error {
	for d.cumulation != nil && d.cumulation.ReadableBytes() > 0 {
		d.fireOut(ctx)
		if ctx.IsRemoved() {
			return nil
		}
		before := d.cumulation.ReadableBytes()
		n := len(d.out)
		if err := d.dec.Decode(ctx, d.cumulation, &d.out); err != nil {
			d.fireOut(ctx)
			return NewDecoderError(err)
		}
		if ctx.IsRemoved() {
			break
		}
		if d.cumulation == nil {
			break
		}
		after := d.cumulation.ReadableBytes()
		if len(d.out) == n {
			if after == before {
				break
			}
			continue
		}
		if after == before {
			d.fireOut(ctx)
			return NewDecoderError(ErrNoProgress)
		}
		if d.singleDecode {
			break
		}
	}
	d.fireOut(ctx)
	return nil
}

func (d *ByteToMessageDecoder) ChannelReadComplete(ctx *channel.HandlerContext) error {
	d.numReads = 0
	d.discardSomeReadBytes()
	if !d.firedRead && !ctx.Channel().Config().AutoRead() {
		// nothing came of this read; ask for more
		ctx.Read()
	}
	d.firedRead = false
	ctx.FireChannelReadComplete()
	return nil
}

func (d *ByteToMessageDecoder) ChannelInactive(ctx *channel.HandlerContext) error {
	err := d.inputEnded(ctx)
	ctx.FireChannelInactive()
	return err
}

func (d *ByteToMessageDecoder) UserEventTriggered(ctx *channel.HandlerContext, evt interface{}) error {
	var err error
	if _, ok := evt.(channel.ChannelInputShutdownEvent); ok {
		err = d.inputEnded(ctx)
	}
	ctx.FireUserEventTriggered(evt)
	return err
}

// inputEnded decodes whatever is left, gives the decoder its end of input call
// and releases the cumulation.
func (d *ByteToMessageDecoder) inputEnded(ctx *channel.HandlerContext) error {
	if d.inputClosed {
		return nil
	}
	d.inputClosed = true
	if d.cumulation == nil {
		// DecodeLast still gets a chance to finish a message; give it an empty buffer
		d.cumulation = buffer.NewByteBuf(nil)
	}
	err := d.callDecode(ctx)
	if err == nil && !ctx.IsRemoved() && d.cumulation != nil {
		if ld, ok := d.dec.(LastDecoder); ok {
			err = ld.DecodeLast(ctx, d.cumulation, &d.out)
		} else if d.cumulation.ReadableBytes() > 0 {
			err = d.dec.Decode(ctx, d.cumulation, &d.out)
		}
		if err != nil {
			err = NewDecoderError(err)
		}
	}
	fired := len(d.out) > 0
	d.fireOut(ctx)
	d.releaseCumulation()
	if fired {
		ctx.FireChannelReadComplete()
	}
	return err
}

func (d *ByteToMessageDecoder) HandlerAdded(ctx *channel.HandlerContext) error {
	return nil
}

// HandlerRemoved hands any bytes that were never decoded on to the next handler.
func (d *ByteToMessageDecoder) HandlerRemoved(ctx *channel.HandlerContext) error {
	d.fireOut(ctx)
	if c := d.cumulation; c != nil {
		d.cumulation = nil
		d.numReads = 0
		if c.ReadableBytes() > 0 {
			ctx.FireChannelRead(c)
			ctx.FireChannelReadComplete()
		} else {
			c.Release()
		}
	}
	if rd, ok := d.dec.(RemovalDecoder); ok {
		rd.DecoderRemoved(ctx)
	}
	return nil
}
