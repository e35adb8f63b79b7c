package concurrent

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

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

func TestEventLoopRunsTasksInOrder(t *testing.T) {
	lg := newTestLogger(t)
	loop := NewEventLoop(lg, "TestLoop")
	defer loop.Close()

	if loop.InEventLoop() {
		t.Errorf("InEventLoop() returned true from the test goroutine")
	}

	const n = 1000
	var got []int
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		err := loop.Execute(func() {
			if !loop.InEventLoop() {
				t.Errorf("task %d: InEventLoop() returned false on the loop goroutine", i)
			}
			got = append(got, i)
			wg.Done()
		})
		if err != nil {
			t.Fatalf("Execute() failed: %s", err)
		}
	}
	wg.Wait()
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran in position %d", v, i)
		}
	}
}

func TestEventLoopShutdownRejectsTasks(t *testing.T) {
	lg := newTestLogger(t)
	loop := NewEventLoop(lg, "TestLoop")
	ran := make(chan struct{})
	loop.Execute(func() { close(ran) })
	if err := loop.Close(); err != nil {
		t.Errorf("Close() returned %v", err)
	}
	select {
	case <-ran:
	default:
		t.Errorf("task queued before shutdown never ran")
	}
	if err := loop.Execute(func() {}); !errors.Is(err, ErrExecutorShutdown) {
		t.Errorf("Execute() after shutdown returned %v; expected ErrExecutorShutdown", err)
	}
}

func TestEventLoopSurvivesPanic(t *testing.T) {
	lg := newTestLogger(t)
	loop := NewEventLoop(lg, "TestLoop")
	defer loop.Close()
	done := make(chan struct{})
	loop.Execute(func() { panic("boom") })
	loop.Execute(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("loop stopped running tasks after a panic")
	}
}

func TestEventLoopGroupRoundRobin(t *testing.T) {
	lg := newTestLogger(t)
	g := NewEventLoopGroup(lg, "TestGroup", 3)
	first := g.Next()
	g.Next()
	g.Next()
	if g.Next() != first {
		t.Errorf("Next() did not wrap around after 3 loops")
	}
	if err := g.Close(); err != nil {
		t.Errorf("group Close() returned %v", err)
	}
	for _, l := range g.Loops() {
		if !l.IsDoneShutdown() {
			t.Errorf("%v was not shut down with its group", l)
		}
	}
}

func TestPromiseSingleAssignment(t *testing.T) {
	p := NewPromise(nil)
	var notified []error
	p.AddListener(func(f Future) { notified = append(notified, f.Err()) })
	if p.IsDone() {
		t.Fatalf("new promise is already done")
	}
	failure := errors.New("write failed")
	if err := p.SetFailure(failure); err != nil {
		t.Fatalf("SetFailure() returned %v", err)
	}
	if err := p.SetSuccess(); !errors.Is(err, ErrPromiseAlreadyCompleted) {
		t.Errorf("second completion returned %v; expected ErrPromiseAlreadyCompleted", err)
	}
	if p.TrySuccess() {
		t.Errorf("TrySuccess() on a completed promise returned true")
	}
	if !errors.Is(p.Err(), failure) || p.IsSuccess() {
		t.Errorf("promise state changed after second completion: err=%v success=%v", p.Err(), p.IsSuccess())
	}
	if len(notified) != 1 || notified[0] != failure {
		t.Errorf("listener notified %v; expected exactly one failure", notified)
	}
	late := 0
	p.AddListener(func(Future) { late++ })
	if late != 1 {
		t.Errorf("listener added after completion was called %d times", late)
	}
	if err := p.Wait(context.Background()); err != failure {
		t.Errorf("Wait() returned %v", err)
	}
}

func TestPromiseListenersOnExecutor(t *testing.T) {
	lg := newTestLogger(t)
	loop := NewEventLoop(lg, "TestLoop")
	defer loop.Close()
	p := NewPromise(loop)
	onLoop := make(chan bool, 1)
	p.AddListener(func(Future) { onLoop <- loop.InEventLoop() })
	p.SetSuccess()
	select {
	case ok := <-onLoop:
		if !ok {
			t.Errorf("listener did not run on the promise's executor")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("listener never ran")
	}
}

func TestVoidPromise(t *testing.T) {
	lg := newTestLogger(t)
	v := NewVoidPromise(lg)
	if !v.IsVoid() {
		t.Errorf("IsVoid() returned false")
	}
	if err := v.SetFailure(errors.New("ignored")); err != nil {
		t.Errorf("SetFailure() on a void promise returned %v", err)
	}
	if err := v.SetSuccess(); err != nil {
		t.Errorf("SetSuccess() on a void promise returned %v", err)
	}
	if v.Err() != nil {
		t.Errorf("void promise reported failure %v", v.Err())
	}
}

func TestCombine(t *testing.T) {
	target := NewPromise(nil)
	a, b := NewPromise(nil), NewPromise(nil)
	Combine(target, a, b)
	a.SetSuccess()
	if target.IsDone() {
		t.Fatalf("combined promise completed before all parts")
	}
	failure := errors.New("b failed")
	b.SetFailure(failure)
	if target.Err() != failure {
		t.Errorf("combined promise err = %v; expected %v", target.Err(), failure)
	}

	empty := NewPromise(nil)
	Combine(empty)
	if !empty.IsSuccess() {
		t.Errorf("Combine with no parts did not succeed")
	}
}

func TestEmbeddedEventLoop(t *testing.T) {
	l := NewEmbeddedEventLoop()
	n := 0
	l.Execute(func() {
		n++
		l.Execute(func() { n++ })
	})
	if n != 0 {
		t.Fatalf("embedded loop ran a task before RunPendingTasks")
	}
	l.RunPendingTasks()
	if n != 2 {
		t.Errorf("RunPendingTasks ran %d tasks; expected 2", n)
	}
}
