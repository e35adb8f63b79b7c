package concurrent

import "sync"

// EmbeddedEventLoop is an Executor for tests. Every caller is considered to be "in"
// the loop, so events run inline; explicitly queued tasks wait for RunPendingTasks.
type EmbeddedEventLoop struct {
	lock  sync.Mutex
	tasks []func()
}

// NewEmbeddedEventLoop creates a new EmbeddedEventLoop.
func NewEmbeddedEventLoop() *EmbeddedEventLoop {
	return &EmbeddedEventLoop{}
}

func (l *EmbeddedEventLoop) Execute(task func()) error {
	l.lock.Lock()
	l.tasks = append(l.tasks, task)
	l.lock.Unlock()
	return nil
}

func (l *EmbeddedEventLoop) InEventLoop() bool {
	return true
}

// RunPendingTasks runs queued tasks, including tasks queued by those tasks, until
// the queue is empty.
func (l *EmbeddedEventLoop) RunPendingTasks() {
	for {
		l.lock.Lock()
		batch := l.tasks
		l.tasks = nil
		l.lock.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, task := range batch {
			task()
		}
	}
}

func (l *EmbeddedEventLoop) String() string {
	return "EmbeddedEventLoop"
}
