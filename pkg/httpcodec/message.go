// Package httpcodec implements HTTP/1.x on top of channel pipelines: a streaming
// decoder that turns inbound bytes into message heads and content chunks, an
// encoder that does the reverse, and an aggregator that reassembles a streamed
// message into a single full one.
//
// A decoded message arrives as a *Request or *Response head, followed by zero or
// more *Content chunks and exactly one *LastContent. Content objects own a
// reference-counted buffer; whoever consumes them last must release them.
package httpcodec

import (
	"fmt"

	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/codec"
)

// Message is a request or response head.
type Message interface {
	Head() *MessageHead
}

// MessageHead holds the parts shared by requests and responses.
type MessageHead struct {
	Version Version
	Header  *Headers

	// Result is a failure if the head could not be decoded completely.
	Result codec.DecoderResult
}

func (m *MessageHead) Head() *MessageHead {
	return m
}

// Request is the head of an HTTP request.
type Request struct {
	MessageHead
	Method Method
	URI    string
}

// NewRequest returns a request head with empty, validating headers.
func NewRequest(version Version, method Method, uri string) *Request {
	return &Request{
		MessageHead: MessageHead{Version: version, Header: NewHeaders()},
		Method:      method,
		URI:         uri,
	}
}

func (r *Request) String() string {
	return fmt.Sprintf("Request(%s %s %s, %d headers, %s)", r.Method, r.URI, r.Version, r.Header.Len(), r.Result)
}

// Response is the head of an HTTP response.
type Response struct {
	MessageHead
	Status Status
}

// NewResponse returns a response head with empty, validating headers.
func NewResponse(version Version, status Status) *Response {
	return &Response{
		MessageHead: MessageHead{Version: version, Header: NewHeaders()},
		Status:      status,
	}
}

func (r *Response) String() string {
	return fmt.Sprintf("Response(%s %s, %d headers, %s)", r.Version, r.Status, r.Header.Len(), r.Result)
}

// Content is one chunk of a message body. Its reference count is that of Data.
type Content struct {
	Data   buffer.Buf
	Result codec.DecoderResult
}

// NewContent wraps data, taking ownership of it.
func NewContent(data buffer.Buf) *Content {
	if data == nil {
		data = buffer.Empty
	}
	return &Content{Data: data}
}

func (c *Content) RefCnt() int32 { return c.Data.RefCnt() }
func (c *Content) Retain()       { c.Data.Retain() }
func (c *Content) Release() bool { return c.Data.Release() }

func (c *Content) String() string {
	return fmt.Sprintf("Content(%d bytes, %s)", c.Data.ReadableBytes(), c.Result)
}

// LastContent is the final chunk of a message body, possibly empty, followed by
// the message's trailer headers.
type LastContent struct {
	Content
	Trailer *Headers
}

// NewLastContent wraps data, taking ownership of it. A nil data is an empty body chunk.
func NewLastContent(data buffer.Buf) *LastContent {
	return &LastContent{Content: *NewContent(data), Trailer: NewHeaders()}
}

// EmptyLastContent returns a new LastContent with no data and no trailers.
func EmptyLastContent() *LastContent {
	return NewLastContent(nil)
}

func (c *LastContent) String() string {
	return fmt.Sprintf("LastContent(%d bytes, %d trailers, %s)", c.Data.ReadableBytes(), c.Trailer.Len(), c.Result)
}

// FullRequest is a request together with its complete body and trailers. Its
// reference count is that of Body.
type FullRequest struct {
	Request
	Body    buffer.Buf
	Trailer *Headers
}

// NewFullRequest returns a full request owning body. A nil body is empty.
func NewFullRequest(version Version, method Method, uri string, body buffer.Buf) *FullRequest {
	if body == nil {
		body = buffer.Empty
	}
	return &FullRequest{Request: *NewRequest(version, method, uri), Body: body, Trailer: NewHeaders()}
}

func (r *FullRequest) RefCnt() int32 { return r.Body.RefCnt() }
func (r *FullRequest) Retain()       { r.Body.Retain() }
func (r *FullRequest) Release() bool { return r.Body.Release() }

func (r *FullRequest) String() string {
	return fmt.Sprintf("FullRequest(%s %s %s, %d headers, %d bytes, %s)", r.Method, r.URI, r.Version, r.Header.Len(), r.Body.ReadableBytes(), r.Result)
}

// FullResponse is a response together with its complete body and trailers. Its
// reference count is that of Body.
type FullResponse struct {
	Response
	Body    buffer.Buf
	Trailer *Headers
}

// NewFullResponse returns a full response owning body. A nil body is empty.
func NewFullResponse(version Version, status Status, body buffer.Buf) *FullResponse {
	if body == nil {
		body = buffer.Empty
	}
	return &FullResponse{Response: *NewResponse(version, status), Body: body, Trailer: NewHeaders()}
}

func (r *FullResponse) RefCnt() int32 { return r.Body.RefCnt() }
func (r *FullResponse) Retain()       { r.Body.Retain() }
func (r *FullResponse) Release() bool { return r.Body.Release() }

func (r *FullResponse) String() string {
	return fmt.Sprintf("FullResponse(%s %s, %d headers, %d bytes, %s)", r.Version, r.Status, r.Header.Len(), r.Body.ReadableBytes(), r.Result)
}
