package codec

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/channel"
	"github.com/sammck-go/evchan/pkg/concurrent"
	"github.com/sammck-go/logger"
)

func newTestLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelInfo),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

func checkNoLeaks(t *testing.T, alloc *buffer.TrackingAllocator) {
	t.Helper()
	if leaks := alloc.Leaks(); len(leaks) > 0 {
		t.Errorf("%d of %d buffers were never released", len(leaks), alloc.NumAllocated())
	}
	if over := alloc.DoubleReleases(); len(over) != 0 {
		t.Errorf("%d buffers were released or retained after being freed: %v", len(over), over)
	}
}

func newTestChannel(t *testing.T, alloc buffer.Allocator, handlers ...channel.Handler) *channel.EmbeddedChannel {
	cfg := channel.MustNewConfig(channel.WithAllocator(alloc))
	return channel.NewEmbeddedChannelWithConfig(newTestLogger(t), cfg, handlers...)
}

// lineDecoder emits newline-terminated lines as strings.
type lineDecoder struct {
	maxLength int
	removeAt  int
	lines     int
}

func (l *lineDecoder) Decode(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) error {
	b := in.Bytes()
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		if l.maxLength > 0 && len(b) > l.maxLength {
			in.Skip(len(b))
			return &TooLongFrameError{What: "line", Limit: int64(l.maxLength)}
		}
		return nil
	}
	*out = append(*out, string(b[:i]))
	in.Skip(i + 1)
	if l.lines++; l.lines == l.removeAt {
		ctx.Pipeline().Remove(ctx.Name())
	}
	return nil
}

// restDecoder is a lineDecoder whose final unterminated line is emitted when input ends.
type restDecoder struct {
	lineDecoder
}

func (r *restDecoder) DecodeLast(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) error {
	if in.ReadableBytes() > 0 {
		*out = append(*out, "last:"+string(in.Bytes()))
		in.Skip(in.ReadableBytes())
	}
	return nil
}

type stuckDecoder struct{}

func (stuckDecoder) Decode(ctx *channel.HandlerContext, in *buffer.ByteBuf, out *[]interface{}) error {
	*out = append(*out, "x")
	return nil
}

func writeStrings(ec *channel.EmbeddedChannel, alloc buffer.Allocator, parts ...string) {
	for _, s := range parts {
		ec.WriteInbound(buffer.CopiedString(alloc, s))
	}
}

func readStrings(ec *channel.EmbeddedChannel) []string {
	var got []string
	for m := ec.ReadInbound(); m != nil; m = ec.ReadInbound() {
		switch v := m.(type) {
		case string:
			got = append(got, v)
		case buffer.Buf:
			got = append(got, "buf:"+string(v.Bytes()))
			v.Release()
		}
	}
	return got
}

func TestDecoderCumulatesAcrossReads(t *testing.T) {
	alloc := buffer.NewTrackingAllocator(buffer.UnpooledAllocator{})
	ec := newTestChannel(t, alloc, NewByteToMessageDecoder(&lineDecoder{}))
	writeStrings(ec, alloc, "hel", "lo\nwor", "ld\n", "one\ntwo\nthr")
	got := strings.Join(readStrings(ec), ",")
	if got != "hello,world,one,two" {
		t.Errorf("decoded %q, want hello,world,one,two", got)
	}
	ec.FinishAndReleaseAll()
	checkNoLeaks(t, alloc)
}

func TestDecodeLastOnInactive(t *testing.T) {
	alloc := buffer.NewTrackingAllocator(buffer.UnpooledAllocator{})
	ec := newTestChannel(t, alloc, NewByteToMessageDecoder(&restDecoder{}))
	writeStrings(ec, alloc, "a\nb", "c")
	ec.Finish()
	got := strings.Join(readStrings(ec), ",")
	if got != "a,last:bc" {
		t.Errorf("decoded %q, want a,last:bc", got)
	}
	checkNoLeaks(t, alloc)
}

func TestDecodeLastOnInputShutdown(t *testing.T) {
	alloc := buffer.NewTrackingAllocator(buffer.UnpooledAllocator{})
	ec := newTestChannel(t, alloc, NewByteToMessageDecoder(&restDecoder{}))
	writeStrings(ec, alloc, "tail")
	ec.Pipeline().FireUserEventTriggered(channel.ChannelInputShutdownEvent{})
	ec.RunPendingTasks()
	if got := strings.Join(readStrings(ec), ","); got != "last:tail" {
		t.Errorf("decoded %q, want last:tail", got)
	}
	// input has ended; later bytes are dropped
	writeStrings(ec, alloc, "more\n")
	if n := ec.NumInbound(); n != 0 {
		t.Errorf("%d messages decoded after input shutdown", n)
	}
	ec.FinishAndReleaseAll()
	checkNoLeaks(t, alloc)
}

func TestDecoderForwardsLeftoverOnRemoval(t *testing.T) {
	alloc := buffer.NewTrackingAllocator(buffer.UnpooledAllocator{})
	ec := newTestChannel(t, alloc, NewByteToMessageDecoder(&lineDecoder{removeAt: 1}))
	writeStrings(ec, alloc, "first\nsecond\nthi")
	got := strings.Join(readStrings(ec), ",")
	if got != "first,buf:second\nthi" {
		t.Errorf("got %q, want the first line and then the raw remainder", got)
	}
	if names := ec.Pipeline().Names(); len(names) != 0 {
		t.Errorf("pipeline still holds %v", names)
	}
	ec.FinishAndReleaseAll()
	checkNoLeaks(t, alloc)
}

func TestDecoderRequiresProgress(t *testing.T) {
	alloc := buffer.NewTrackingAllocator(buffer.UnpooledAllocator{})
	ec := newTestChannel(t, alloc, NewByteToMessageDecoder(stuckDecoder{}))
	writeStrings(ec, alloc, "abc")
	err := ec.CheckException()
	var de *DecoderError
	if !errors.As(err, &de) || !errors.Is(err, ErrNoProgress) {
		t.Errorf("exception = %v, want a DecoderError wrapping ErrNoProgress", err)
	}
	if got := readStrings(ec); len(got) != 1 {
		t.Errorf("got %v, want the one message decoded before the failure", got)
	}
	ec.FinishAndReleaseAll()
	checkNoLeaks(t, alloc)
}

func TestDecoderErrorReachesPipeline(t *testing.T) {
	alloc := buffer.NewTrackingAllocator(buffer.UnpooledAllocator{})
	ec := newTestChannel(t, alloc, NewByteToMessageDecoder(&lineDecoder{maxLength: 4}))
	writeStrings(ec, alloc, "ok\ntoolong")
	err := ec.CheckException()
	var tl *TooLongFrameError
	if !errors.As(err, &tl) || tl.Limit != 4 {
		t.Errorf("exception = %v, want TooLongFrameError with limit 4", err)
	}
	var de *DecoderError
	if !errors.As(err, &de) {
		t.Errorf("exception %v is not wrapped in a DecoderError", err)
	}
	// the channel stays usable
	writeStrings(ec, alloc, "next\n")
	if got := strings.Join(readStrings(ec), ","); got != "ok,next" {
		t.Errorf("decoded %q, want ok,next", got)
	}
	ec.FinishAndReleaseAll()
	checkNoLeaks(t, alloc)
}

func TestDecoderPassesOtherMessages(t *testing.T) {
	ec := newTestChannel(t, buffer.UnpooledAllocator{}, NewByteToMessageDecoder(&lineDecoder{}))
	ec.WriteInbound(42)
	if m := ec.ReadInbound(); m != 42 {
		t.Errorf("ReadInbound() = %v, want 42", m)
	}
	ec.Finish()
}

func TestDecoderResult(t *testing.T) {
	if !DecodeSuccess.IsSuccess() || DecodeSuccess.Cause() != nil {
		t.Errorf("DecodeSuccess = %s", DecodeSuccess)
	}
	cause := errors.New("bad")
	r := DecodeFailure(cause)
	if !r.IsFailure() || r.Cause() != cause {
		t.Errorf("DecodeFailure(bad) = %s", r)
	}
	if DecodeFailure(nil).Cause() == nil {
		t.Errorf("DecodeFailure(nil) has no cause")
	}
	if NewDecoderError(NewDecoderError(cause)).(*DecoderError).Cause != cause {
		t.Errorf("NewDecoderError wrapped a DecoderError twice")
	}
}

// upperEncoder encodes strings as upper-cased buffers, split in two when they
// contain a space.
type upperEncoder struct {
	fail bool
}

func (upperEncoder) AcceptOutbound(msg interface{}) bool {
	_, ok := msg.(string)
	return ok
}

func (u upperEncoder) Encode(ctx *channel.HandlerContext, msg interface{}, out *[]interface{}) error {
	if u.fail {
		*out = append(*out, buffer.CopiedString(ctx.Alloc(), "partial"))
		return errors.New("encode failed")
	}
	for _, w := range strings.SplitAfter(strings.ToUpper(msg.(string)), " ") {
		*out = append(*out, buffer.CopiedString(ctx.Alloc(), w))
	}
	return nil
}

func readOutbound(ec *channel.EmbeddedChannel) string {
	var sb strings.Builder
	for m := ec.ReadOutbound(); m != nil; m = ec.ReadOutbound() {
		if b, ok := m.(buffer.Buf); ok {
			sb.Write(b.Bytes())
			b.Release()
		} else {
			sb.WriteString("<other>")
		}
	}
	return sb.String()
}

func TestEncoderWritesEveryPart(t *testing.T) {
	alloc := buffer.NewTrackingAllocator(buffer.UnpooledAllocator{})
	ec := newTestChannel(t, alloc, NewMessageToMessageEncoder(upperEncoder{}))
	f := ec.Pipeline().WriteAndFlush("hello big world", nil)
	ec.RunPendingTasks()
	if !f.IsSuccess() {
		t.Errorf("write promise: done=%v err=%v", f.IsDone(), f.Err())
	}
	if got := readOutbound(ec); got != "HELLO BIG WORLD" {
		t.Errorf("encoded %q", got)
	}
	ec.FinishAndReleaseAll()
	checkNoLeaks(t, alloc)
}

func TestEncoderPassesOtherMessages(t *testing.T) {
	alloc := buffer.NewTrackingAllocator(buffer.UnpooledAllocator{})
	ec := newTestChannel(t, alloc, NewMessageToMessageEncoder(upperEncoder{}))
	ec.WriteOutbound(buffer.CopiedString(alloc, "raw"))
	if got := readOutbound(ec); got != "raw" {
		t.Errorf("passed through %q, want raw", got)
	}
	ec.FinishAndReleaseAll()
	checkNoLeaks(t, alloc)
}

func TestEncoderFailureFailsPromise(t *testing.T) {
	alloc := buffer.NewTrackingAllocator(buffer.UnpooledAllocator{})
	ec := newTestChannel(t, alloc, NewMessageToMessageEncoder(upperEncoder{fail: true}))
	var f concurrent.Future = ec.Pipeline().WriteAndFlush("x", nil)
	ec.RunPendingTasks()
	var ee *EncoderError
	if !errors.As(f.Err(), &ee) {
		t.Errorf("write failed with %v, want an EncoderError", f.Err())
	}
	if n := ec.NumOutbound(); n != 0 {
		t.Errorf("%d messages written for a failed encoding", n)
	}
	ec.FinishAndReleaseAll()
	checkNoLeaks(t, alloc)
}
