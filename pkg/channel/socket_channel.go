package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/concurrent"
	"github.com/sammck-go/logger"
)

type transportHolder struct {
	t Transport
}

// socketCore drives a Transport. Blocking reads happen on a reader goroutine and
// blocking writes on a short-lived writer goroutine; both post their results to the
// channel's executor.
type socketCore struct {
	ch        *Channel
	transport atomic.Value
	closed    int32
	done      chan struct{}
	readReq   chan struct{}

	// executor only
	local         net.Addr
	connecting    bool
	cancelConnect context.CancelFunc
	writing       bool

	startOnce sync.Once
}

func newSocketCore() *socketCore {
	return &socketCore{
		done:    make(chan struct{}),
		readReq: make(chan struct{}, 1),
	}
}

// NewSocketChannel creates a channel over an already connected transport. The
// channel becomes active as soon as it is registered.
func NewSocketChannel(lg logger.Logger, t Transport, cfg *Config) *Channel {
	s := newSocketCore()
	s.setTransport(t)
	ch := newChannel(lg, s, cfg, "SocketChannel")
	s.ch = ch
	if ct, ok := t.(*ConnTransport); ok {
		ct.applyBufferSizes(ch.config.RecvBufferSize(), ch.config.SendBufferSize())
	}
	return ch
}

// NewClientChannel creates an unconnected channel. Connect dials the remote
// address using the channel's CONNECT_TIMEOUT.
func NewClientChannel(lg logger.Logger, cfg *Config) *Channel {
	s := newSocketCore()
	ch := newChannel(lg, s, cfg, "ClientChannel")
	s.ch = ch
	return ch
}

func (s *socketCore) getTransport() Transport {
	if h, ok := s.transport.Load().(transportHolder); ok {
		return h.t
	}
	return nil
}

func (s *socketCore) setTransport(t Transport) {
	s.transport.Store(transportHolder{t: t})
}

func (s *socketCore) isClosed() bool {
	return atomic.LoadInt32(&s.closed) != 0
}

func (s *socketCore) isOpen() bool {
	return !s.isClosed()
}

func (s *socketCore) isActive() bool {
	t := s.getTransport()
	return t != nil && !s.isClosed() && t.IsOpen()
}

func (s *socketCore) localAddr() net.Addr {
	if t := s.getTransport(); t != nil {
		return t.LocalAddr()
	}
	return s.local
}

func (s *socketCore) remoteAddr() net.Addr {
	if t := s.getTransport(); t != nil {
		return t.RemoteAddr()
	}
	return nil
}

func (s *socketCore) doRegister() error {
	if t := s.getTransport(); t != nil {
		s.startReader(t)
	}
	return nil
}

func (s *socketCore) startReader(t Transport) {
	s.startOnce.Do(func() {
		go s.readLoop(t)
	})
}

func (s *socketCore) doBind(local net.Addr) error {
	if s.getTransport() != nil || s.connecting {
		return ErrAlreadyConnected
	}
	s.local = local
	return nil
}

func (s *socketCore) doConnect(remote, local net.Addr, p concurrent.Promise) {
	if s.getTransport() != nil || s.connecting {
		p.TryFailure(ErrAlreadyConnected)
		return
	}
	if local == nil {
		local = s.local
	}
	d := net.Dialer{Timeout: s.ch.config.ConnectTimeout()}
	if _, plain := local.(*Address); local != nil && !plain {
		d.LocalAddr = local
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.connecting = true
	s.cancelConnect = cancel
	s.ch.DLogf("Connecting to %s %s", remote.Network(), remote)
	go func() {
		conn, err := d.DialContext(ctx, remote.Network(), remote.String())
		postErr := s.ch.Execute(func() { s.connectDone(conn, err, remote, p) })
		if postErr != nil {
			cancel()
			if conn != nil {
				conn.Close()
			}
			p.TryFailure(postErr)
		}
	}()
}

func (s *socketCore) connectDone(conn net.Conn, err error, remote net.Addr, p concurrent.Promise) {
	s.connecting = false
	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}
	if err != nil {
		s.ch.fulfillConnect(p, fmt.Errorf("connect to %s: %w", remote, err))
		return
	}
	if s.isClosed() {
		conn.Close()
		p.TryFailure(ErrClosedChannel)
		return
	}
	t := NewConnTransport(s.ch.Logger, conn)
	t.applyBufferSizes(s.ch.config.RecvBufferSize(), s.ch.config.SendBufferSize())
	s.setTransport(t)
	s.startReader(t)
	s.ch.fulfillConnect(p, nil)
}

func (s *socketCore) doClose() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	close(s.done)
	if s.cancelConnect != nil {
		s.cancelConnect()
	}
	if t := s.getTransport(); t != nil {
		return t.Close()
	}
	return nil
}

func (s *socketCore) doDeregister() error {
	return nil
}

func (s *socketCore) doBeginRead() error {
	select {
	case s.readReq <- struct{}{}:
	default:
		// a read is already requested
	}
	return nil
}

func (s *socketCore) doShutdownOutput() error {
	t := s.getTransport()
	whc, ok := t.(WriteHalfCloser)
	if !ok {
		return fmt.Errorf("transport %T does not support half closure", t)
	}
	return whc.CloseWrite()
}

// post runs task on the executor. held is released if the executor is gone.
func (s *socketCore) post(task func(), held buffer.Buf) bool {
	if err := s.ch.Execute(task); err != nil {
		if held != nil {
			buffer.SafeRelease(s.ch.Logger, held)
		}
		return false
	}
	return true
}

func (s *socketCore) readLoop(t Transport) {
	for {
		select {
		case <-s.readReq:
		case <-s.done:
			return
		}
		if !s.readBurst(t) {
			return
		}
	}
}

// readBurst performs up to MAX_MESSAGES_PER_READ reads, posting each buffer
// followed by one read-complete. Returns false when reading is over for good.
func (s *socketCore) readBurst(t Transport) bool {
	cfg := s.ch.config
	maxMsgs := cfg.MaxMessagesPerRead()
	size := cfg.RecvBufferSize()
	alloc := cfg.Allocator()
	for i := 0; i < maxMsgs; i++ {
		b := alloc.Allocate(size)
		tail := b.WritableTail(size)
		n, err := t.Read(tail)
		if n > 0 {
			b.Commit(n)
			if !s.post(func() { s.ch.pipeline.FireChannelRead(b) }, b) {
				return false
			}
		} else {
			b.Release()
		}
		if err != nil {
			s.post(func() {
				s.ch.pipeline.FireChannelReadComplete()
				s.readFailed(err)
			}, nil)
			return false
		}
		if n < len(tail) {
			// drained for now; reading again would block
			break
		}
	}
	return s.post(s.ch.pipeline.FireChannelReadComplete, nil)
}

func (s *socketCore) readFailed(err error) {
	if s.isClosed() {
		return
	}
	if errors.Is(err, io.EOF) {
		if s.ch.config.AllowHalfClosure() {
			s.ch.DLogf("Input shut down by peer")
			s.ch.pipeline.FireUserEventTriggered(ChannelInputShutdownEvent{})
			return
		}
		s.ch.close0(s.ch.pipeline.voidPromise, nil)
		return
	}
	if errors.Is(err, net.ErrClosed) {
		s.ch.close0(s.ch.pipeline.voidPromise, nil)
		return
	}
	s.ch.pipeline.FireExceptionCaught(fmt.Errorf("read: %w", err))
	s.ch.close0(s.ch.pipeline.voidPromise, fmt.Errorf("%w: %v", ErrClosedChannel, err))
}

// doWrite starts at most one gathered write at a time. Flushed entries that need
// no I/O are dealt with inline, up to WRITE_SPIN_COUNT of them before the rest is
// rescheduled.
func (s *socketCore) doWrite(out *OutboundBuffer) error {
	if s.writing {
		return nil
	}
	t := s.getTransport()
	spin := s.ch.config.WriteSpinCount()
	for i := 0; i < spin; i++ {
		msg := out.Current()
		if msg == nil {
			return nil
		}
		buf, ok := msg.(buffer.Buf)
		if !ok {
			out.RemoveWithError(fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg))
			continue
		}
		if buf.ReadableBytes() == 0 {
			out.Remove()
			continue
		}
		bufs, held, total, ok := out.GatherRetained(MaxGatherBuffers, MaxGatherBytes)
		if !ok || total == 0 {
			out.Remove()
			continue
		}
		s.writing = true
		go s.writeAsync(t, bufs, held, total)
		return nil
	}
	if !out.IsEmpty() {
		if err := s.ch.Execute(s.ch.resumeFlush); err != nil {
			return err
		}
	}
	return nil
}

func (s *socketCore) writeAsync(t Transport, bufs net.Buffers, held []buffer.Buf, total int64) {
	n, err := t.WriteBuffers(bufs)
	releaseHeld := func() {
		for _, b := range held {
			buffer.SafeRelease(s.ch.Logger, b)
		}
	}
	posted := s.ch.Execute(func() {
		s.writing = false
		if out := s.ch.outbound.Load(); out != nil {
			out.RemoveBytes(n)
		}
		releaseHeld()
		if err == nil && n < total {
			err = io.ErrShortWrite
		}
		if err != nil {
			if !s.isClosed() {
				s.ch.writeFailed(err)
			}
			return
		}
		s.ch.resumeFlush()
	})
	if posted != nil {
		releaseHeld()
	}
}
