package codec

import (
	"errors"
	"fmt"
)

// ErrNoProgress is wrapped by the DecoderError raised when a decoder produces
// output without consuming any input, which would otherwise loop forever.
var ErrNoProgress = errors.New("decoded a message without consuming input")

// ErrNoOutput is wrapped by the EncoderError raised when an encoder accepted a
// message but produced nothing to write for it.
var ErrNoOutput = errors.New("encoder produced no output")

// DecoderError reports a failure raised while decoding inbound bytes.
type DecoderError struct {
	Cause error
}

// NewDecoderError wraps cause in a *DecoderError, unless it already is one.
func NewDecoderError(cause error) error {
	var de *DecoderError
	if errors.As(cause, &de) {
		return cause
	}
	return &DecoderError{Cause: cause}
}

func (e *DecoderError) Error() string {
	return fmt.Sprintf("decoder error: %s", e.Cause)
}

func (e *DecoderError) Unwrap() error {
	return e.Cause
}

// EncoderError reports a failure raised while encoding an outbound message.
type EncoderError struct {
	Cause error
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("encoder error: %s", e.Cause)
}

func (e *EncoderError) Unwrap() error {
	return e.Cause
}

// TooLongFrameError reports a frame, line or message exceeding a configured limit.
type TooLongFrameError struct {
	What  string
	Limit int64
}

func (e *TooLongFrameError) Error() string {
	return fmt.Sprintf("%s is larger than %d bytes", e.What, e.Limit)
}

// PrematureClosureError reports end of input arriving before a message was complete.
type PrematureClosureError struct {
	What string
}

func (e *PrematureClosureError) Error() string {
	return fmt.Sprintf("connection closed before %s was complete", e.What)
}

// DecoderResult records whether a decoded object was parsed successfully. A failed
// result carries the cause; the object itself is still delivered downstream so the
// application can answer it, for instance with a 400 response.
type DecoderResult struct {
	cause error
}

// DecodeSuccess is the result of a successfully decoded object.
var DecodeSuccess = DecoderResult{}

// DecodeFailure returns a failed result. A nil cause is replaced with a generic one.
func DecodeFailure(cause error) DecoderResult {
	if cause == nil {
		cause = errors.New("decode failed")
	}
	return DecoderResult{cause: cause}
}

func (r DecoderResult) IsSuccess() bool {
	return r.cause == nil
}

func (r DecoderResult) IsFailure() bool {
	return r.cause != nil
}

// Cause returns the failure cause, or nil on success.
func (r DecoderResult) Cause() error {
	return r.cause
}

func (r DecoderResult) String() string {
	if r.cause == nil {
		return "success"
	}
	return fmt.Sprintf("failure(%s)", r.cause)
}
