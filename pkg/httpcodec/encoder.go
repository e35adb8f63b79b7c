package httpcodec

import (
	"fmt"
	"strconv"

	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/channel"
	"github.com/sammck-go/evchan/pkg/codec"
)

type encodeState int

const (
	encodeInit encodeState = iota
	encodeContentNonChunked
	encodeContentChunked
)

func (s encodeState) String() string {
	switch s {
	case encodeInit:
		return "init"
	case encodeContentNonChunked:
		return "content-non-chunked"
	case encodeContentChunked:
		return "content-chunked"
	}
	return fmt.Sprintf("encodeState(%d)", int(s))
}

// EncoderStateError reports a message written out of order: a head while the
// body of the previous message is still being written, or content with no head
// before it.
type EncoderStateError struct {
	State string
	Msg   interface{}
}

func (e *EncoderStateError) Error() string {
	return fmt.Sprintf("unexpected message %T in encoder state %s", e.Msg, e.State)
}

var crlf = []byte("\r\n")

// Encoder is an outbound handler that encodes HTTP/1.x messages. It accepts the
// heads, content and full messages produced by a Decoder or built by the
// application. Whether a body is written chunked follows the head's
// Transfer-Encoding header.
type Encoder struct {
	codec.MessageToMessageEncoder
	isRequest bool
	state     encodeState

	// encoded is called with each request head as it is encoded
	encoded func(r *Request)
}

// NewRequestEncoder returns an Encoder for the requests a client sends.
func NewRequestEncoder() *Encoder {
	return newEncoder(true)
}

// NewResponseEncoder returns an Encoder for the responses a server sends.
func NewResponseEncoder() *Encoder {
	return newEncoder(false)
}

func newEncoder(isRequest bool) *Encoder {
	e := &Encoder{isRequest: isRequest}
	e.Init(e)
	return e
}

func (e *Encoder) AcceptOutbound(msg interface{}) bool {
	switch msg.(type) {
	case *Request, *FullRequest:
		return e.isRequest
	case *Response, *FullResponse:
		return !e.isRequest
	case *Content, *LastContent:
		return true
	}
	return false
}

func (e *Encoder) Encode(ctx *channel.HandlerContext, msg interface{}, out *[]interface{}) error {
	n := len(*out)
	var err error
	switch m := msg.(type) {
	case *FullRequest:
		if err = e.encodeHead(ctx, &m.Request, out); err == nil {
			err = e.encodeContent(ctx, m, m.Body, true, m.Trailer, out)
		}
	case *FullResponse:
		if err = e.encodeHead(ctx, &m.Response, out); err == nil {
			err = e.encodeContent(ctx, m, m.Body, true, m.Trailer, out)
		}
	case *LastContent:
		err = e.encodeContent(ctx, m, m.Data, true, m.Trailer, out)
	case *Content:
		err = e.encodeContent(ctx, m, m.Data, false, nil, out)
	case Message:
		err = e.encodeHead(ctx, m, out)
	default:
		err = fmt.Errorf("unsupported message type %T", msg)
	}
	if err == nil && len(*out) == n {
		*out = append(*out, buffer.Empty)
	}
	return err
}

func (e *Encoder) encodeHead(ctx *channel.HandlerContext, m Message, out *[]interface{}) error {
	if e.state != encodeInit {
		return &EncoderStateError{State: e.state.String(), Msg: m}
	}
	h := m.Head()
	b := ctx.Alloc().Allocate(256)
	switch r := m.(type) {
	case *Request:
		uri := r.URI
		if uri == "" {
			uri = "/"
		}
		fmt.Fprintf(b, "%s %s %s\r\n", r.Method, uri, h.Version)
		if e.encoded != nil {
			e.encoded(r)
		}
	case *Response:
		fmt.Fprintf(b, "%s %d %s\r\n", h.Version, r.Status.Code, r.Status.Reason)
	}
	writeHeaders(b, h.Header)
	b.Write(crlf)
	*out = append(*out, b)
	if IsTransferEncodingChunked(m) {
		e.state = encodeContentChunked
	} else {
		e.state = encodeContentNonChunked
	}
	return nil
}

func writeHeaders(b buffer.Buf, h *Headers) {
	if h == nil {
		return
	}
	h.Range(func(name, value string) bool {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.Write(crlf)
		return true
	})
}

// encodeContent writes one body chunk. data stays owned by msg, which is
// released once encoded, so it is retained when passed on.
func (e *Encoder) encodeContent(ctx *channel.HandlerContext, msg interface{}, data buffer.Buf, last bool, trailer *Headers, out *[]interface{}) error {
	switch e.state {
	case encodeContentNonChunked:
		if data.ReadableBytes() > 0 {
			data.Retain()
			*out = append(*out, data)
		}
	case encodeContentChunked:
		if n := data.ReadableBytes(); n > 0 {
			*out = append(*out, buffer.CopiedString(ctx.Alloc(), strconv.FormatInt(int64(n), 16)+"\r\n"))
			data.Retain()
			*out = append(*out, data, buffer.Copied(ctx.Alloc(), crlf))
		}
		if last {
			b := ctx.Alloc().Allocate(64)
			b.WriteString("0\r\n")
			writeHeaders(b, trailer)
			b.Write(crlf)
			*out = append(*out, b)
		}
	default:
		return &EncoderStateError{State: e.state.String(), Msg: msg}
	}
	if last {
		e.state = encodeInit
	}
	return nil
}
