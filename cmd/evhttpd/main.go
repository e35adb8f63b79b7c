// Command evhttpd is a small HTTP/1.1 echo server built on the evchan pipeline:
// each request is decoded, aggregated and answered with its own body.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/evchan/pkg/bootstrap"
	"github.com/sammck-go/evchan/pkg/channel"
	"github.com/sammck-go/evchan/pkg/concurrent"
	"github.com/sammck-go/evchan/pkg/httpcodec"
	"github.com/sammck-go/logger"
	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag"
)

// byteSize is a flag value holding a byte count written with units, as in "64KB".
type byteSize int64

func (b *byteSize) Set(s string) error {
	n, err := sizestr.Parse(s)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("negative size: %s", s)
	}
	*b = byteSize(n)
	return nil
}

func (b *byteSize) String() string {
	return sizestr.ToString(int64(*b))
}

func (b *byteSize) Type() string {
	return "size"
}

var logLevelIds = map[logger.LogLevel][]string{
	logger.LogLevelInfo:  {"info"},
	logger.LogLevelDebug: {"debug"},
}

type options struct {
	listen     string
	loops      int
	maxContent byteSize
	highWater  byteSize
	lowWater   byteSize
	logLevel   logger.LogLevel
}

func parseFlags(args []string) (*options, error) {
	opts := &options{
		maxContent: 1 << 20,
		highWater:  channel.DefaultHighWaterMark,
		lowWater:   channel.DefaultLowWaterMark,
		logLevel:   logger.LogLevelInfo,
	}
	fs := pflag.NewFlagSet("evhttpd", pflag.ContinueOnError)
	fs.StringVarP(&opts.listen, "listen", "l", "127.0.0.1:8080", "address to listen on; unix:PATH for a unix domain socket")
	fs.IntVarP(&opts.loops, "loops", "n", runtime.NumCPU(), "number of event loops serving connections")
	fs.Var(&opts.maxContent, "max-content", "largest request body accepted")
	fs.Var(&opts.highWater, "high-water", "pending outbound bytes above which a connection stops being writable")
	fs.Var(&opts.lowWater, "low-water", "pending outbound bytes below which a connection is writable again")
	fs.VarP(enumflag.New(&opts.logLevel, "level", logLevelIds, enumflag.EnumCaseInsensitive),
		"log-level", "v", "logging verbosity; one of info or debug")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.loops < 1 {
		return nil, fmt.Errorf("--loops must be at least 1, got %d", opts.loops)
	}
	return opts, nil
}

// newChildInitializer sets up the pipeline of every accepted connection.
func newChildInitializer(opts *options) *channel.Initializer {
	return channel.NewInitializer(func(ch *channel.Channel) error {
		p := ch.Pipeline()
		handlers := []struct {
			name string
			h    channel.Handler
		}{
			{"http-codec", httpcodec.NewServerCodec(httpcodec.DefaultDecoderConfig())},
			{"keep-alive", httpcodec.NewKeepAliveHandler()},
			{"aggregator", httpcodec.NewAggregator(int64(opts.maxContent))},
			{"echo", echoHandler{}},
		}
		for _, e := range handlers {
			if err := p.AddLast(e.name, e.h); err != nil {
				return err
			}
		}
		return nil
	})
}

func run(ctx context.Context, lg logger.Logger, opts *options) error {
	cfg, err := channel.NewConfig(channel.WithWriteBufferWaterMark(int64(opts.lowWater), int64(opts.highWater)))
	if err != nil {
		return err
	}
	group := concurrent.NewEventLoopGroup(lg, "http", opts.loops)
	defer group.Close()

	sb := bootstrap.NewServerBootstrap(lg, group, nil, cfg, newChildInitializer(opts))
	network, addr := "tcp", opts.listen
	if strings.HasPrefix(addr, "unix:") {
		network, addr = "unix", strings.TrimPrefix(addr, "unix:")
	}
	s, err := sb.Bind(ctx, network, addr)
	if err != nil {
		return err
	}
	lg.ILogf("Serving on %s with %d event loops, bodies up to %s", s.Addr(), opts.loops, sizestr.ToString(int64(opts.maxContent)))
	<-s.ShutdownDoneChan()
	stats := s.Stats()
	lg.ILogf("Shut down after %s", stats)
	return s.WaitShutdown()
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err == pflag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "evhttpd: %s\n", err)
		os.Exit(2)
	}
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(opts.logLevel),
		logger.WithPrefix("evhttpd"),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evhttpd: %s\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, lg, opts); err != nil && ctx.Err() == nil {
		lg.ELogf("%s", err)
		os.Exit(1)
	}
}
