package main

import (
	"os"
	"testing"

	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/channel"
	"github.com/sammck-go/evchan/pkg/codec"
	"github.com/sammck-go/evchan/pkg/httpcodec"
	"github.com/sammck-go/logger"
)

func newTestChannel(t *testing.T, alloc buffer.Allocator, handlers ...channel.Handler) *channel.EmbeddedChannel {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelInfo),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return channel.NewEmbeddedChannelWithConfig(lg, channel.MustNewConfig(channel.WithAllocator(alloc)), handlers...)
}

func TestEchoHandler(t *testing.T) {
	alloc := buffer.NewTrackingAllocator(nil)
	ec := newTestChannel(t, alloc, echoHandler{})
	req := httpcodec.NewFullRequest(httpcodec.HTTP10, httpcodec.MethodPost, "/e", buffer.CopiedString(alloc, "ping"))
	req.Header.Add(httpcodec.HeaderContentType, "text/plain")
	req.Header.Add(httpcodec.HeaderConnection, httpcodec.ValueKeepAlive)
	ec.WriteInbound(req)

	resp, ok := ec.ReadOutbound().(*httpcodec.FullResponse)
	if !ok {
		t.Fatalf("no response written")
	}
	if resp.Status.Code != 200 || string(resp.Body.Bytes()) != "ping" {
		t.Errorf("response %s with body %q", resp, resp.Body.Bytes())
	}
	if resp.Header.Get(httpcodec.HeaderContentType) != "text/plain" || httpcodec.GetContentLength(resp, -1) != 4 {
		t.Errorf("response headers %s", resp.Header)
	}
	if !httpcodec.IsKeepAlive(resp) {
		t.Errorf("HTTP/1.0 keep-alive request answered with %s", resp.Header)
	}
	resp.Release()
	ec.FinishAndReleaseAll()
	if leaks := alloc.Leaks(); len(leaks) > 0 {
		t.Errorf("%d buffers were never released", len(leaks))
	}
	if over := alloc.DoubleReleases(); len(over) > 0 {
		t.Errorf("buffers released after being freed: %v", over)
	}
}

func TestEchoHandlerBadRequest(t *testing.T) {
	alloc := buffer.NewTrackingAllocator(nil)
	ec := newTestChannel(t, alloc, echoHandler{})
	req := httpcodec.NewFullRequest(httpcodec.HTTP11, httpcodec.MethodGet, "/bad-request", nil)
	req.Result = codec.DecodeFailure(nil)
	ec.WriteInbound(req)

	resp, ok := ec.ReadOutbound().(*httpcodec.FullResponse)
	if !ok {
		t.Fatalf("no response written")
	}
	if resp.Status.Code != 400 || httpcodec.IsKeepAlive(resp) {
		t.Errorf("bad request answered with %s %s", resp, resp.Header)
	}
	ec.FinishAndReleaseAll()
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--listen", ":9999", "-n", "3", "--max-content", "2MB", "--high-water", "128KB", "--log-level", "DEBUG"})
	if err != nil {
		t.Fatalf("parseFlags() returned %v", err)
	}
	if opts.listen != ":9999" || opts.loops != 3 || opts.logLevel != logger.LogLevelDebug {
		t.Errorf("parsed %+v", opts)
	}
	if opts.maxContent <= opts.highWater || opts.highWater <= opts.lowWater {
		t.Errorf("sizes max-content=%s high-water=%s low-water=%s", &opts.maxContent, &opts.highWater, &opts.lowWater)
	}

	for _, args := range [][]string{{"--loops", "0"}, {"--max-content", "lots"}, {"--log-level", "chatty"}} {
		if _, err := parseFlags(args); err == nil {
			t.Errorf("parseFlags(%v) succeeded", args)
		}
	}
}
