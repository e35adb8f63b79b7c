package bootstrap

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/evchan/pkg/channel"
	"github.com/sammck-go/evchan/pkg/concurrent"
	"github.com/sammck-go/logger"
)

// ServerBootstrap creates Servers. Accepted connections are handed to a loop of
// Group, which creates the child channel, installs ChildHandler and registers it
// with the next loop of ChildGroup. ChildHandler is shared by every child.
type ServerBootstrap struct {
	logger.Logger
	Group        *concurrent.EventLoopGroup
	ChildGroup   *concurrent.EventLoopGroup
	ChildConfig  *channel.Config
	ChildHandler channel.Handler

	// KeepAlive enables TCP keep-alive on accepted connections when positive.
	KeepAlive time.Duration
}

// NewServerBootstrap returns a ServerBootstrap. group may be nil, in which case
// children are set up on the accepting goroutine; childGroup may be nil to use group
// for children too.
func NewServerBootstrap(lg logger.Logger, group, childGroup *concurrent.EventLoopGroup, childCfg *channel.Config, childHandler channel.Handler) *ServerBootstrap {
	if lg == nil {
		lg = logger.NilLogger
	}
	if childGroup == nil {
		childGroup = group
	}
	return &ServerBootstrap{
		Logger:       lg.ForkLog("ServerBootstrap"),
		Group:        group,
		ChildGroup:   childGroup,
		ChildConfig:  childCfg,
		ChildHandler: childHandler,
	}
}

// Bind listens on addr and starts accepting connections. The server shuts down
// when ctx is done or when Close is called. For the "unix" network addr is a
// socket path, locked against a second server binding it.
func (sb *ServerBootstrap) Bind(ctx context.Context, network, addr string) (*Server, error) {
	if sb.ChildGroup == nil {
		return nil, errors.New("server bootstrap: no child event loop group")
	}
	var l net.Listener
	var err error
	if network == "unix" {
		l, err = listenUnixLocked(sb.Logger, addr)
	} else {
		var lc net.ListenConfig
		l, err = lc.Listen(ctx, network, addr)
	}
	if err != nil {
		return nil, sb.DLogErrorf("Listen failed: %s", err)
	}
	s := &Server{
		sb:         sb,
		listener:   l,
		acceptDone: make(chan struct{}),
	}
	s.Helper = asyncobj.NewHelper(sb.Logger.ForkLogf("Server(%s)", l.Addr()), s)
	s.SetIsActivated()
	s.ShutdownOnContext(ctx)
	go s.acceptLoop()
	s.ILogf("Listening on %s %s", l.Addr().Network(), l.Addr())
	return s, nil
}

// Server accepts connections on a listener and turns each into a child channel.
// Shutting it down closes the listener and every child channel still open.
type Server struct {
	*asyncobj.Helper
	sb         *ServerBootstrap
	listener   net.Listener
	stats      ConnStats
	acceptDone chan struct{}
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stats returns the server's connection counts.
func (s *Server) Stats() *ConnStats {
	return &s.stats
}

func (s *Server) String() string {
	return s.Prefix()
}

func (s *Server) acceptLoop() {
	defer close(s.acceptDone)
	// backs off on temporary accept failures such as running out of descriptors
	bo := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.IsStartedShutdown() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				d := bo.Duration()
				s.WLogf("Accept error: %s; retrying in %s", err, d)
				time.Sleep(d)
				continue
			}
			s.StartShutdown(s.ELogErrorf("Accept failed: %s", err))
			return
		}
		bo.Reset()
		s.dispatch(conn)
	}
}

func (s *Server) dispatch(conn net.Conn) {
	if s.sb.Group == nil {
		s.initChild(conn)
		return
	}
	if err := s.sb.Group.Next().Execute(func() { s.initChild(conn) }); err != nil {
		s.DLogf("Dropping connection from %s: %s", conn.RemoteAddr(), err)
		s.stats.Refused()
		conn.Close()
	}
}

func (s *Server) initChild(conn net.Conn) {
	id := s.stats.Accepted()
	t := channel.NewConnTransport(s.Logger, conn)
	if s.sb.KeepAlive > 0 {
		if err := t.SetKeepAlive(s.sb.KeepAlive); err != nil {
			s.DLogf("SetKeepAlive failed: %s", err)
		}
	}
	var cfg *channel.Config
	if s.sb.ChildConfig != nil {
		cfg = s.sb.ChildConfig.Copy()
	}
	ch := channel.NewSocketChannel(s.Logger, t, cfg)
	if s.sb.ChildHandler != nil {
		if err := ch.Pipeline().AddLast("", s.sb.ChildHandler); err != nil {
			s.WLogf("conn#%d: %s", id, err)
			s.stats.Refused()
			ch.CloseAsync()
			return
		}
	}
	if err := s.AddAsyncShutdownChild(ch); err != nil {
		// shutting down; refuse the connection
		s.stats.Refused()
		ch.CloseAsync()
		return
	}
	s.stats.Opened()
	ch.CloseFuture().AddListener(func(concurrent.Future) {
		s.stats.Closed()
		s.DLogf("conn#%d closed %s", id, &s.stats)
	})
	s.DLogf("conn#%d accepted from %s %s", id, conn.RemoteAddr(), &s.stats)
	ch.Register(s.sb.ChildGroup.Next()).AddListener(func(f concurrent.Future) {
		if err := f.Err(); err != nil {
			s.WLogf("conn#%d: registration failed: %s", id, err)
			ch.CloseAsync()
		}
	})
}

// HandleOnceShutdown closes the listener and waits for the accept loop to exit.
// Child channels are shut down afterwards as asyncobj children.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	err := s.listener.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.DLogf("Close of listener failed, ignoring: %s", err)
	}
	<-s.acceptDone
	s.ILogf("Stopped %s", &s.stats)
	return completionErr
}
