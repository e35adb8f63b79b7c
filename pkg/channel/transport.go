package channel

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// ReadHalfCloser is implemented by streams that can shut down their read half on
// its own, like net.TCPConn.CloseRead().
type ReadHalfCloser interface {
	CloseRead() error
}

// WriteHalfCloser is implemented by streams that can shut down their write half on
// its own, like net.TCPConn.CloseWrite(). The peer reads EOF while the local read
// half keeps working.
type WriteHalfCloser interface {
	CloseWrite() error
}

// Transport is the byte stream underneath a socket channel. Read and WriteBuffers
// block, and are only ever called from one goroutine each.
type Transport interface {
	Read(p []byte) (int, error)
	WriteBuffers(bufs net.Buffers) (int64, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	IsOpen() bool
	Close() error
}

// ConnTransport adapts a net.Conn to Transport and keeps byte counts for it. It owns
// the net.Conn and closes it on shutdown.
type ConnTransport struct {
	*asyncobj.Helper
	conn     net.Conn
	name     string
	sent     int64
	received int64
}

// NewConnTransport wraps conn. The returned transport becomes responsible for closing conn.
func NewConnTransport(lg logger.Logger, conn net.Conn) *ConnTransport {
	name := fmt.Sprintf("<ConnTransport %s->%s>", conn.LocalAddr(), conn.RemoteAddr())
	t := &ConnTransport{
		conn: conn,
		name: name,
	}
	t.Helper = asyncobj.NewHelper(lg.ForkLogStr(name), t)
	t.SetIsActivated()
	return t
}

func (t *ConnTransport) String() string {
	return t.name
}

// Conn returns the wrapped connection.
func (t *ConnTransport) Conn() net.Conn {
	return t.conn
}

func (t *ConnTransport) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	atomic.AddInt64(&t.received, int64(n))
	return n, err
}

// WriteBuffers writes all of bufs with a single gathered write where the connection
// supports one.
func (t *ConnTransport) WriteBuffers(bufs net.Buffers) (int64, error) {
	n, err := bufs.WriteTo(t.conn)
	atomic.AddInt64(&t.sent, n)
	return n, err
}

func (t *ConnTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *ConnTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

func (t *ConnTransport) IsOpen() bool {
	return !t.IsStartedShutdown()
}

// BytesSent returns the number of bytes written so far.
func (t *ConnTransport) BytesSent() int64 {
	return atomic.LoadInt64(&t.sent)
}

// BytesReceived returns the number of bytes read so far.
func (t *ConnTransport) BytesReceived() int64 {
	return atomic.LoadInt64(&t.received)
}

// Close shuts down the transport and waits for the connection to be closed.
func (t *ConnTransport) Close() error {
	return t.Helper.Close()
}

// CloseWrite shuts down the write half, if the connection supports it.
func (t *ConnTransport) CloseWrite() error {
	err := t.DeferShutdown()
	if err != nil {
		return err
	}
	defer t.UndeferShutdown()
	whc, ok := t.conn.(WriteHalfCloser)
	if !ok {
		return fmt.Errorf("%s: connection does not support half closure", t.name)
	}
	return whc.CloseWrite()
}

// CloseRead shuts down the read half, if the connection supports it.
func (t *ConnTransport) CloseRead() error {
	err := t.DeferShutdown()
	if err != nil {
		return err
	}
	defer t.UndeferShutdown()
	rhc, ok := t.conn.(ReadHalfCloser)
	if !ok {
		return fmt.Errorf("%s: connection does not support half closure", t.name)
	}
	return rhc.CloseRead()
}

type bufferSizer interface {
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

// applyBufferSizes passes the buffer size hints on to the kernel. 0 leaves a size alone.
func (t *ConnTransport) applyBufferSizes(rcv, snd int) {
	bs, ok := t.conn.(bufferSizer)
	if !ok {
		return
	}
	if rcv > 0 {
		if err := bs.SetReadBuffer(rcv); err != nil {
			t.DLogf("SetReadBuffer(%s) failed: %s", sizestr.ToString(int64(rcv)), err)
		}
	}
	if snd > 0 {
		if err := bs.SetWriteBuffer(snd); err != nil {
			t.DLogf("SetWriteBuffer(%s) failed: %s", sizestr.ToString(int64(snd)), err)
		}
	}
}

// SetKeepAlive enables TCP keep-alive probes if the connection is a TCP connection.
func (t *ConnTransport) SetKeepAlive(period time.Duration) error {
	tc, ok := t.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetKeepAlive(period > 0); err != nil {
		return err
	}
	if period > 0 {
		return tc.SetKeepAlivePeriod(period)
	}
	return nil
}

// HandleOnceShutdown closes the connection. It runs exactly once, in its own goroutine.
func (t *ConnTransport) HandleOnceShutdown(completionError error) error {
	err := t.conn.Close()
	t.DLogf("Close (sent %s received %s)", sizestr.ToString(t.BytesSent()), sizestr.ToString(t.BytesReceived()))
	if completionError == nil {
		completionError = err
	}
	return completionError
}
