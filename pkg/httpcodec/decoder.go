package httpcodec

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/channel"
	"github.com/sammck-go/evchan/pkg/codec"
)

const (
	DefaultMaxInitialLineLength = 4096
	DefaultMaxHeaderSize        = 8192
	DefaultMaxChunkSize         = 8192
)

// DecoderConfig bounds what a Decoder accepts.
type DecoderConfig struct {
	// MaxInitialLineLength caps the request or status line, and each chunk size line.
	MaxInitialLineLength int

	// MaxHeaderSize caps the header block of a message, and separately its trailers.
	MaxHeaderSize int

	// MaxChunkSize caps the data carried by a single content object. Bodies with a
	// larger declared length are delivered as several chunks.
	MaxChunkSize int

	// ChunkedSupported allows chunked transfer coding. Without it a chunked message
	// is decoded as a failure.
	ChunkedSupported bool

	// ValidateHeaders rejects header names and values that could not be written
	// back out safely.
	ValidateHeaders bool
}

// DefaultDecoderConfig returns the configuration used by the codecs when none is given.
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		MaxInitialLineLength: DefaultMaxInitialLineLength,
		MaxHeaderSize:        DefaultMaxHeaderSize,
		MaxChunkSize:         DefaultMaxChunkSize,
		ChunkedSupported:     true,
		ValidateHeaders:      true,
	}
}

func (c DecoderConfig) normalized() DecoderConfig {
	if c.MaxInitialLineLength <= 0 {
		c.MaxInitialLineLength = DefaultMaxInitialLineLength
	}
	if c.MaxHeaderSize <= 0 {
		c.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	return c
}

type decodeState int

const (
	stateSkipControlChars decodeState = iota
	stateReadInitial
	stateReadHeader
	stateReadVariableLength
	stateReadFixedLength
	stateReadFixedLengthAsChunks
	stateReadChunkSize
	stateReadChunkedContent
	stateReadChunkDelimiter
	stateReadChunkFooter
	stateBadMessage
	numDecodeStates
)

var decodeStateNames = [numDecodeStates]string{
	"skip-control-chars",
	"read-initial",
	"read-header",
	"read-variable-length-content",
	"read-fixed-length-content",
	"read-fixed-length-content-as-chunks",
	"read-chunk-size",
	"read-chunked-content",
	"read-chunk-delimiter",
	"read-chunk-footer",
	"bad-message",
}

func (s decodeState) String() string {
	if s < 0 || s >= numDecodeStates {
		return fmt.Sprintf("decodeState(%d)", int(s))
	}
	return decodeStateNames[s]
}

// decodeStep consumes what it can from in for one state and returns the next
// state. more is false when the step needs more input before anything else can
// happen.
type decodeStep func(d *Decoder, ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) (next decodeState, more bool)

var decodeSteps [numDecodeStates]decodeStep

func init() {
	decodeSteps = [numDecodeStates]decodeStep{
		stateSkipControlChars:        (*Decoder).skipControlChars,
		stateReadInitial:             (*Decoder).readInitial,
		stateReadHeader:              (*Decoder).readHeader,
		stateReadVariableLength:      (*Decoder).readVariableLength,
		stateReadFixedLength:         (*Decoder).readFixedLength,
		stateReadFixedLengthAsChunks: (*Decoder).readFixedLengthAsChunks,
		stateReadChunkSize:           (*Decoder).readChunkSize,
		stateReadChunkedContent:      (*Decoder).readChunkedContent,
		stateReadChunkDelimiter:      (*Decoder).readChunkDelimiter,
		stateReadChunkFooter:         (*Decoder).readChunkFooter,
		stateBadMessage:              (*Decoder).readBadMessage,
	}
}

// Decoder is an inbound handler that decodes HTTP/1.x messages from inbound
// buffers. It emits a *Request or *Response head, then zero or more *Content
// chunks, then a *LastContent. Malformed input is not raised as an error: the
// affected head or last content carries a failed Result and bytes are
// discarded until Reset is called.
//
// A Decoder holds per-connection state and must not be shared between channels.
type Decoder struct {
	codec.ByteToMessageDecoder
	cfg       DecoderConfig
	isRequest bool

	// contentAlwaysEmpty reports whether a message has no body whatever its headers say
	contentAlwaysEmpty func(m Message) bool

	state          decodeState
	resetRequested int32

	message       Message
	chunked       bool
	contentLength int64
	chunkSize     int64
	lineScan      int
	headerSize    int
	trailer       *Headers

	// the header being read, held back until it is known not to be folded
	name       string
	value      string
	hasPending bool
}

// NewRequestDecoder returns a Decoder for the requests a server receives.
func NewRequestDecoder(cfg DecoderConfig) *Decoder {
	return newDecoder(cfg, true)
}

// NewResponseDecoder returns a Decoder for the responses a client receives.
func NewResponseDecoder(cfg DecoderConfig) *Decoder {
	return newDecoder(cfg, false)
}

func newDecoder(cfg DecoderConfig, isRequest bool) *Decoder {
	d := &Decoder{cfg: cfg.normalized(), isRequest: isRequest}
	d.contentAlwaysEmpty = isContentAlwaysEmpty
	d.Init(d)
	d.reset()
	return d
}

// Config returns the decoder's limits.
func (d *Decoder) Config() DecoderConfig {
	return d.cfg
}

// IsDecodingRequest reports whether d decodes requests rather than responses.
func (d *Decoder) IsDecodingRequest() bool {
	return d.isRequest
}

// Reset abandons the message being decoded, including a bad one, so decoding
// starts over with the next inbound bytes. It may be called from any goroutine;
// it takes effect before the next bytes are decoded.
func (d *Decoder) Reset() {
	atomic.StoreInt32(&d.resetRequested, 1)
}

func isContentAlwaysEmpty(m Message) bool {
	if r, ok := m.(*Response); ok {
		c := r.Status.Code
		return (c >= 100 && c < 200) || c == 204 || c == 304
	}
	return false
}

func (d *Decoder) reset() {
	d.state = stateSkipControlChars
	d.clearMessage()
}

func (d *Decoder) clearMessage() {
	d.message = nil
	d.chunked = false
	d.contentLength = -1
	d.chunkSize = 0
	d.lineScan = 0
	d.headerSize = 0
	d.trailer = nil
	d.name, d.value, d.hasPending = "", "", false
}

func (d *Decoder) Decode(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) error {
	if atomic.CompareAndSwapInt32(&d.resetRequested, 1, 0) {
		d.reset()
	}
	for {
		from := d.state
		next, more := decodeSteps[from](d, ctx, in, out)
		if next != from {
			ctx.TLogf("%s -> %s", from, next)
			d.state = next
		}
		if !more {
			return nil
		}
	}
}

// DecodeLast finishes the message in progress when input ends. A response body
// delimited by the end of the connection is complete; anything else cut short
// is delivered as a premature closure failure.
func (d *Decoder) DecodeLast(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) error {
	if atomic.CompareAndSwapInt32(&d.resetRequested, 1, 0) {
		d.reset()
	}
	in.Skip(in.ReadableBytes())
	switch d.state {
	case stateSkipControlChars, stateReadInitial, stateBadMessage:
	case stateReadHeader:
		d.invalidMessage(in, out, &codec.PrematureClosureError{What: "the message head"})
	case stateReadVariableLength:
		*out = append(*out, EmptyLastContent())
	default:
		d.invalidChunk(in, out, &codec.PrematureClosureError{What: "the message body"})
	}
	if d.state != stateSkipControlChars {
		ctx.TLogf("%s -> %s at end of input", d.state, stateSkipControlChars)
	}
	d.reset()
	return nil
}

// readLine returns the next line without its line terminator. used counts bytes
// already charged against limit. Bytes already searched are remembered so a line
// arriving in many small reads is scanned once.
func (d *Decoder) readLine(in *buffer.ByteBuf, limit, used int, what string) (string, bool, error) {
	b := in.Bytes()
	if d.lineScan > len(b) {
		d.lineScan = 0
	}
	if i := bytes.IndexByte(b[d.lineScan:], '\n'); i >= 0 {
		i += d.lineScan
		d.lineScan = 0
		n := i
		if n > 0 && b[n-1] == '\r' {
			n--
		}
		if used+n > limit {
			return "", false, &codec.TooLongFrameError{What: what, Limit: int64(limit)}
		}
		line := string(b[:n])
		in.Skip(i + 1)
		return line, true, nil
	}
	d.lineScan = len(b)
	n := len(b)
	if n > 0 && b[n-1] == '\r' {
		n--
	}
	if used+n > limit {
		d.lineScan = 0
		return "", false, &codec.TooLongFrameError{What: what, Limit: int64(limit)}
	}
	return "", false, nil
}

func (d *Decoder) skipControlChars(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) (decodeState, bool) {
	b := in.Bytes()
	i := 0
	for i < len(b) && (b[i] <= ' ' || b[i] == 0x7f) {
		i++
	}
	in.Skip(i)
	if i == len(b) {
		return stateSkipControlChars, false
	}
	return stateReadInitial, true
}

func (d *Decoder) readInitial(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) (decodeState, bool) {
	line, ok, err := d.readLine(in, d.cfg.MaxInitialLineLength, 0, "HTTP line")
	if err != nil {
		return d.invalidMessage(in, out, err), false
	}
	if !ok {
		return stateReadInitial, false
	}
	m, err := d.createMessage(line)
	if err != nil {
		return d.invalidMessage(in, out, err), false
	}
	d.message = m
	d.headerSize = 0
	return stateReadHeader, true
}

func splitInitialLine(line string) (a, b, c string, ok bool) {
	i := strings.IndexAny(line, " \t")
	if i <= 0 {
		return "", "", "", false
	}
	a = line[:i]
	rest := strings.TrimLeft(line[i:], " \t")
	if j := strings.IndexAny(rest, " \t"); j >= 0 {
		b, c = rest[:j], strings.TrimSpace(rest[j:])
	} else {
		b = rest
	}
	return a, b, c, b != ""
}

func (d *Decoder) createMessage(line string) (Message, error) {
	a, b, c, ok := splitInitialLine(line)
	if !ok || (d.isRequest && c == "") {
		return nil, fmt.Errorf("invalid initial line: %q", line)
	}
	header := newHeaders(d.cfg.ValidateHeaders)
	if d.isRequest {
		method, err := ParseMethod(a)
		if err != nil {
			return nil, err
		}
		version, err := ParseVersion(c)
		if err != nil {
			return nil, err
		}
		return &Request{MessageHead: MessageHead{Version: version, Header: header}, Method: method, URI: b}, nil
	}
	version, err := ParseVersion(a)
	if err != nil {
		return nil, err
	}
	status, err := ParseStatus(b, c)
	if err != nil {
		return nil, err
	}
	return &Response{MessageHead: MessageHead{Version: version, Header: header}, Status: status}, nil
}

// newInvalidMessage returns the placeholder head that carries a failure when no
// initial line could be parsed.
func (d *Decoder) newInvalidMessage() Message {
	if d.isRequest {
		return NewRequest(HTTP10, MethodGet, "/bad-request")
	}
	return NewResponse(HTTP10, Status{Code: 999, Reason: "Unknown"})
}

func isForbiddenTrailer(name string) bool {
	return strings.EqualFold(name, HeaderContentLength) ||
		strings.EqualFold(name, HeaderTransferEncoding) ||
		strings.EqualFold(name, HeaderTrailer)
}

func (d *Decoder) flushHeader(h *Headers, trailer bool) error {
	if !d.hasPending {
		return nil
	}
	name, value := d.name, d.value
	d.name, d.value, d.hasPending = "", "", false
	if trailer && isForbiddenTrailer(name) {
		return nil
	}
	return h.Add(name, value)
}

func (d *Decoder) headerLine(h *Headers, line string, trailer bool) error {
	if line[0] == ' ' || line[0] == '\t' {
		if !d.hasPending {
			return fmt.Errorf("%w: continuation line with no header to fold onto: %q", ErrInvalidHeader, line)
		}
		// folded continuation of the previous header
		d.value += " " + strings.TrimSpace(line)
		return nil
	}
	if err := d.flushHeader(h, trailer); err != nil {
		return err
	}
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return fmt.Errorf("invalid header line: %q", line)
	}
	name := line[:colon]
	if n := len(name); n > 0 && (name[n-1] == ' ' || name[n-1] == '\t') {
		return fmt.Errorf("whitespace before colon in header line: %q", line)
	}
	d.name, d.value, d.hasPending = name, strings.TrimSpace(line[colon+1:]), true
	return nil
}

func (d *Decoder) readHeader(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) (decodeState, bool) {
	h := d.message.Head().Header
	for {
		line, ok, err := d.readLine(in, d.cfg.MaxHeaderSize, d.headerSize, "HTTP header")
		if err != nil {
			return d.invalidMessage(in, out, err), false
		}
		if !ok {
			return stateReadHeader, false
		}
		d.headerSize += len(line)
		if line == "" {
			break
		}
		if err := d.headerLine(h, line, false); err != nil {
			return d.invalidMessage(in, out, err), false
		}
	}
	if err := d.flushHeader(h, false); err != nil {
		return d.invalidMessage(in, out, err), false
	}
	return d.headersDone(in, out)
}

// headersDone emits the head and chooses how the body is framed.
func (d *Decoder) headersDone(in *buffer.ByteBuf, out *[]interface{}) (decodeState, bool) {
	m := d.message
	if d.contentAlwaysEmpty(m) {
		SetTransferEncodingChunked(m, false)
		*out = append(*out, m, EmptyLastContent())
		d.reset()
		return stateSkipControlChars, true
	}
	n, hasLength, err := ContentLength(m)
	if IsTransferEncodingChunked(m) {
		if !d.cfg.ChunkedSupported {
			return d.invalidMessage(in, out, errors.New("chunked messages are not supported")), false
		}
		if hasLength {
			// chunked framing wins over a declared length
			m.Head().Header.Remove(HeaderContentLength)
		}
		d.chunked = true
		*out = append(*out, m)
		return stateReadChunkSize, true
	}
	if err != nil {
		return d.invalidMessage(in, out, err), false
	}
	if !hasLength {
		n = -1
	}
	d.contentLength = n
	if n == 0 || (n < 0 && d.isRequest) {
		*out = append(*out, m, EmptyLastContent())
		d.reset()
		return stateSkipControlChars, true
	}
	*out = append(*out, m)
	if n < 0 {
		return stateReadVariableLength, true
	}
	d.chunkSize = n
	if n > int64(d.cfg.MaxChunkSize) {
		return stateReadFixedLengthAsChunks, true
	}
	return stateReadFixedLength, true
}

// take copies up to max readable bytes out of in.
func take(ctx *channel.HandlerContext, in *buffer.ByteBuf, max int64) buffer.Buf {
	n := in.ReadableBytes()
	if int64(n) > max {
		n = int(max)
	}
	data := buffer.Copied(ctx.Alloc(), in.Bytes()[:n])
	in.Skip(n)
	return data
}

func (d *Decoder) readVariableLength(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) (decodeState, bool) {
	if in.ReadableBytes() == 0 {
		return stateReadVariableLength, false
	}
	*out = append(*out, NewContent(take(ctx, in, int64(d.cfg.MaxChunkSize))))
	return stateReadVariableLength, true
}

func (d *Decoder) readFixedLength(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) (decodeState, bool) {
	if int64(in.ReadableBytes()) < d.chunkSize {
		return stateReadFixedLength, false
	}
	*out = append(*out, NewLastContent(take(ctx, in, d.chunkSize)))
	d.reset()
	return stateSkipControlChars, true
}

func (d *Decoder) readFixedLengthAsChunks(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) (decodeState, bool) {
	if in.ReadableBytes() == 0 {
		return stateReadFixedLengthAsChunks, false
	}
	max := d.chunkSize
	if max > int64(d.cfg.MaxChunkSize) {
		max = int64(d.cfg.MaxChunkSize)
	}
	data := take(ctx, in, max)
	d.chunkSize -= int64(data.ReadableBytes())
	if d.chunkSize == 0 {
		*out = append(*out, NewLastContent(data))
		d.reset()
		return stateSkipControlChars, true
	}
	*out = append(*out, NewContent(data))
	return stateReadFixedLengthAsChunks, true
}

func parseChunkSize(line string) (int64, error) {
	s := line
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, fmt.Errorf("invalid chunk size line: %q", line)
	}
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size line: %q", line)
	}
	return n, nil
}

func (d *Decoder) readChunkSize(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) (decodeState, bool) {
	line, ok, err := d.readLine(in, d.cfg.MaxInitialLineLength, 0, "chunk size line")
	if err != nil {
		return d.invalidChunk(in, out, err), false
	}
	if !ok {
		return stateReadChunkSize, false
	}
	size, err := parseChunkSize(line)
	if err != nil {
		return d.invalidChunk(in, out, err), false
	}
	if size == 0 {
		d.headerSize = 0
		d.trailer = newHeaders(d.cfg.ValidateHeaders)
		return stateReadChunkFooter, true
	}
	d.chunkSize = size
	return stateReadChunkedContent, true
}

func (d *Decoder) readChunkedContent(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) (decodeState, bool) {
	if in.ReadableBytes() == 0 {
		return stateReadChunkedContent, false
	}
	max := d.chunkSize
	if max > int64(d.cfg.MaxChunkSize) {
		max = int64(d.cfg.MaxChunkSize)
	}
	data := take(ctx, in, max)
	d.chunkSize -= int64(data.ReadableBytes())
	*out = append(*out, NewContent(data))
	if d.chunkSize == 0 {
		return stateReadChunkDelimiter, true
	}
	return stateReadChunkedContent, true
}

func (d *Decoder) readChunkDelimiter(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) (decodeState, bool) {
	b := in.Bytes()
	n := 0
	if len(b) > 0 && b[0] == '\r' {
		n = 1
	}
	if len(b) <= n {
		// a lone CR stays in the cumulation until its LF arrives
		return stateReadChunkDelimiter, false
	}
	if b[n] != '\n' {
		return d.invalidChunk(in, out, fmt.Errorf("invalid chunk delimiter: %q", b[:n+1])), false
	}
	in.Skip(n + 1)
	return stateReadChunkSize, true
}

func (d *Decoder) readChunkFooter(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) (decodeState, bool) {
	for {
		line, ok, err := d.readLine(in, d.cfg.MaxHeaderSize, d.headerSize, "HTTP trailer")
		if err != nil {
			return d.invalidChunk(in, out, err), false
		}
		if !ok {
			return stateReadChunkFooter, false
		}
		d.headerSize += len(line)
		if line == "" {
			break
		}
		if err := d.headerLine(d.trailer, line, true); err != nil {
			return d.invalidChunk(in, out, err), false
		}
	}
	if err := d.flushHeader(d.trailer, true); err != nil {
		return d.invalidChunk(in, out, err), false
	}
	last := EmptyLastContent()
	last.Trailer = d.trailer
	*out = append(*out, last)
	d.reset()
	return stateSkipControlChars, true
}

func (d *Decoder) readBadMessage(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) (decodeState, bool) {
	in.Skip(in.ReadableBytes())
	return stateBadMessage, false
}

// invalidMessage emits the head being decoded, or a placeholder, marked failed,
// and discards the rest of the input.
func (d *Decoder) invalidMessage(in *buffer.ByteBuf, out *[]interface{}, cause error) decodeState {
	in.Skip(in.ReadableBytes())
	m := d.message
	if m == nil {
		m = d.newInvalidMessage()
	}
	m.Head().Result = codec.DecodeFailure(cause)
	*out = append(*out, m)
	d.clearMessage()
	return stateBadMessage
}

// invalidChunk ends a body whose head was already emitted with a failed last content.
func (d *Decoder) invalidChunk(in *buffer.ByteBuf, out *[]interface{}, cause error) decodeState {
	in.Skip(in.ReadableBytes())
	last := EmptyLastContent()
	last.Result = codec.DecodeFailure(cause)
	*out = append(*out, last)
	d.clearMessage()
	return stateBadMessage
}
