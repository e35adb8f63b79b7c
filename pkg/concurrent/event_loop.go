package concurrent

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// EventLoop is an Executor backed by a single goroutine draining an unbounded
// FIFO task queue. All channels registered with a loop have their events
// delivered on that goroutine.
type EventLoop struct {
	*asyncobj.Helper

	name string

	// queueLock protects tasks and stopping
	queueLock sync.Mutex
	tasks     []func()
	stopping  bool

	wake chan struct{}

	// loopDone is closed when the run goroutine exits
	loopDone chan struct{}

	// gid is the goroutine id of the run goroutine
	gid int64
}

// NewEventLoop creates and starts a new EventLoop.
func NewEventLoop(lg logger.Logger, name string) *EventLoop {
	if lg == nil {
		lg = logger.NilLogger
	}
	l := &EventLoop{
		name:     name,
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
		gid:      -1,
	}
	l.Helper = asyncobj.NewHelper(lg.ForkLog(name), l)

	started := make(chan struct{})
	go l.run(started)
	<-started

	l.SetIsActivated()
	return l
}

func (l *EventLoop) String() string {
	return l.name
}

// Execute queues task to run on the loop goroutine.
func (l *EventLoop) Execute(task func()) error {
	l.queueLock.Lock()
	if l.stopping {
		l.queueLock.Unlock()
		return ErrExecutorShutdown
	}
	l.tasks = append(l.tasks, task)
	l.queueLock.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Schedule runs task on the loop after delay. The returned timer may be stopped to
// cancel it.
func (l *EventLoop) Schedule(delay time.Duration, task func()) *time.Timer {
	return time.AfterFunc(delay, func() {
		if err := l.Execute(task); err != nil {
			l.DLogf("Dropping scheduled task: %s", err)
		}
	})
}

// InEventLoop returns true if called from the loop goroutine.
func (l *EventLoop) InEventLoop() bool {
	return goid.Get() == atomic.LoadInt64(&l.gid)
}

// PendingTasks returns the number of queued tasks not yet started.
func (l *EventLoop) PendingTasks() int {
	l.queueLock.Lock()
	defer l.queueLock.Unlock()
	return len(l.tasks)
}

func (l *EventLoop) run(started chan<- struct{}) {
	atomic.StoreInt64(&l.gid, goid.Get())
	close(started)
	defer close(l.loopDone)

	for {
		l.queueLock.Lock()
		batch := l.tasks
		l.tasks = nil
		stopping := l.stopping
		l.queueLock.Unlock()

		for _, task := range batch {
			l.runTask(task)
		}

		if len(batch) == 0 {
			if stopping {
				return
			}
			<-l.wake
		}
	}
}

func (l *EventLoop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.ELogf("Task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	task()
}

// HandleOnceShutdown stops accepting tasks, runs the ones already queued, and waits
// for the loop goroutine to exit.
func (l *EventLoop) HandleOnceShutdown(completionErr error) error {
	l.queueLock.Lock()
	l.stopping = true
	l.queueLock.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.loopDone
	l.DLogf("Event loop exited")
	return completionErr
}

// EventLoopGroup is a fixed set of EventLoops handed out round robin.
type EventLoopGroup struct {
	*asyncobj.Helper
	name  string
	loops []*EventLoop
	next  uint32
}

// NewEventLoopGroup creates n EventLoops. n < 1 is treated as 1.
func NewEventLoopGroup(lg logger.Logger, name string, n int) *EventLoopGroup {
	if lg == nil {
		lg = logger.NilLogger
	}
	if n < 1 {
		n = 1
	}
	g := &EventLoopGroup{name: name}
	g.Helper = asyncobj.NewHelper(lg.ForkLog(name), g)
	for i := 0; i < n; i++ {
		loop := NewEventLoop(g.Helper.Logger, fmt.Sprintf("EventLoop#%d", i))
		g.loops = append(g.loops, loop)
		g.AddAsyncShutdownChild(loop)
	}
	g.SetIsActivated()
	return g
}

func (g *EventLoopGroup) String() string {
	return g.name
}

// Next returns the next loop in round robin order.
func (g *EventLoopGroup) Next() *EventLoop {
	i := atomic.AddUint32(&g.next, 1) - 1
	return g.loops[int(i%uint32(len(g.loops)))]
}

// Loops returns all loops in the group.
func (g *EventLoopGroup) Loops() []*EventLoop {
	return g.loops
}

// HandleOnceShutdown does nothing locally; the loops are shut down as children.
func (g *EventLoopGroup) HandleOnceShutdown(completionErr error) error {
	return completionErr
}
