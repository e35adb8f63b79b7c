package channel

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sammck-go/evchan/pkg/buffer"
	"github.com/sammck-go/evchan/pkg/concurrent"
)

type eventLog struct {
	lock   sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.lock.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.lock.Unlock()
}

func (l *eventLog) get() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]string(nil), l.events...)
}

// tagHandler appends its tag to string messages in both directions and records
// its lifecycle.
type tagHandler struct {
	DuplexHandlerAdapter
	tag string
	log *eventLog
}

func newTagHandler(tag string, log *eventLog) *tagHandler {
	return &tagHandler{tag: tag, log: log}
}

func (h *tagHandler) HandlerAdded(ctx *HandlerContext) error {
	h.log.add("added %s", h.tag)
	return nil
}

func (h *tagHandler) HandlerRemoved(ctx *HandlerContext) error {
	h.log.add("removed %s", h.tag)
	return nil
}

func (h *tagHandler) ChannelRead(ctx *HandlerContext, msg interface{}) error {
	ctx.FireChannelRead(msg.(string) + h.tag)
	return nil
}

func (h *tagHandler) Write(ctx *HandlerContext, msg interface{}, p concurrent.Promise) error {
	ctx.Write(msg.(string)+h.tag, p)
	return nil
}

func TestPipelineEventOrder(t *testing.T) {
	log := &eventLog{}
	e := NewEmbeddedChannel(newTestLogger(t), newTagHandler("a", log), newTagHandler("b", log), newTagHandler("c", log))

	if !e.WriteInbound("in:") {
		t.Fatalf("inbound message never reached the end of the pipeline")
	}
	if got := e.ReadInbound(); got != "in:abc" {
		t.Errorf("inbound result = %v, want %q", got, "in:abc")
	}
	if !e.WriteOutbound("out:") {
		t.Fatalf("outbound message never reached the transport")
	}
	if got := e.ReadOutbound(); got != "out:cba" {
		t.Errorf("outbound result = %v, want %q", got, "out:cba")
	}
	if err := e.CheckException(); err != nil {
		t.Errorf("unexpected exception: %s", err)
	}

	if e.Finish() {
		t.Errorf("Finish() reported leftover messages")
	}
	want := []string{"added a", "added b", "added c", "removed c", "removed b", "removed a"}
	if got := log.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("lifecycle = %v, want %v", got, want)
	}
}

func TestPipelineNames(t *testing.T) {
	log := &eventLog{}
	e := NewEmbeddedChannel(newTestLogger(t))
	p := e.Pipeline()

	if err := p.AddLast("", newTagHandler("1", log)); err != nil {
		t.Fatalf("AddLast() returned %v", err)
	}
	if err := p.AddLast("", newTagHandler("2", log)); err != nil {
		t.Fatalf("AddLast() returned %v", err)
	}
	if err := p.AddFirst("first", newTagHandler("0", log)); err != nil {
		t.Fatalf("AddFirst() returned %v", err)
	}
	if err := p.AddBefore("tagHandler#1", "mid", newTagHandler("m", log)); err != nil {
		t.Fatalf("AddBefore() returned %v", err)
	}
	if err := p.AddAfter("tagHandler#1", "last", newTagHandler("z", log)); err != nil {
		t.Fatalf("AddAfter() returned %v", err)
	}
	want := []string{"first", "tagHandler#0", "mid", "tagHandler#1", "last"}
	if got := p.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	if err := p.AddLast("mid", newTagHandler("dup", log)); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate name returned %v, want ErrDuplicateName", err)
	}
	if err := p.AddAfter("nope", "x", newTagHandler("x", log)); !errors.Is(err, ErrNoSuchHandler) {
		t.Errorf("AddAfter(unknown) returned %v, want ErrNoSuchHandler", err)
	}
	if _, err := p.Remove("nope"); !errors.Is(err, ErrNoSuchHandler) {
		t.Errorf("Remove(unknown) returned %v, want ErrNoSuchHandler", err)
	}
	if p.First().(*tagHandler).tag != "0" || p.Last().(*tagHandler).tag != "z" {
		t.Errorf("First()/Last() returned the wrong handlers")
	}
	if ctx := p.Context("mid"); ctx == nil || ctx.Name() != "mid" || ctx.Channel() != e.Channel {
		t.Errorf("Context(mid) = %v", ctx)
	}
	e.Finish()
}

func TestPipelineRemoveAndReplace(t *testing.T) {
	log := &eventLog{}
	a, b := newTagHandler("a", log), newTagHandler("b", log)
	e := NewEmbeddedChannel(newTestLogger(t))
	p := e.Pipeline()
	p.AddLast("a", a)
	p.AddLast("b", b)

	old, err := p.Replace("a", "c", newTagHandler("c", log))
	if err != nil || old != a {
		t.Fatalf("Replace() = %v, %v; want the old handler", old, err)
	}
	if err := p.RemoveHandler(b); err != nil {
		t.Fatalf("RemoveHandler() returned %v", err)
	}
	if err := p.RemoveHandler(b); !errors.Is(err, ErrNoSuchHandler) {
		t.Errorf("second RemoveHandler() returned %v, want ErrNoSuchHandler", err)
	}
	e.WriteInbound("x")
	if got := e.ReadInbound(); got != "xc" {
		t.Errorf("after replace and remove, inbound = %v, want %q", got, "xc")
	}
	if p.ContextOf(a) != nil || p.Get("a") != nil {
		t.Errorf("replaced handler is still reachable")
	}
	want := []string{"added a", "added b", "added c", "removed a", "removed b"}
	if got := log.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("lifecycle = %v, want %v", got, want)
	}
	e.Finish()
}

// selfRemover stops seeing messages once it went away in the middle of a read.
type selfRemover struct {
	InboundHandlerAdapter
	seen int
}

func (h *selfRemover) ChannelRead(ctx *HandlerContext, msg interface{}) error {
	h.seen++
	ctx.Pipeline().Remove(ctx.Name())
	ctx.FireChannelRead(msg)
	return nil
}

func TestPipelineRemoveDuringEvent(t *testing.T) {
	h := &selfRemover{}
	e := NewEmbeddedChannel(newTestLogger(t), h)
	e.WriteInbound("1", "2", "3")
	if h.seen != 1 {
		t.Errorf("removed handler saw %d messages, want 1", h.seen)
	}
	if e.NumInbound() != 3 {
		t.Errorf("%d of 3 messages reached the end of the pipeline", e.NumInbound())
	}
	e.Finish()
}

type failingAdd struct {
	InboundHandlerAdapter
	log *eventLog
}

func (h *failingAdd) HandlerAdded(ctx *HandlerContext) error {
	return errors.New("not today")
}

func (h *failingAdd) HandlerRemoved(ctx *HandlerContext) error {
	h.log.add("removed")
	return nil
}

func TestPipelineHandlerAddedFailure(t *testing.T) {
	log := &eventLog{}
	e := NewEmbeddedChannel(newTestLogger(t))
	if err := e.Pipeline().AddLast("bad", &failingAdd{log: log}); err != nil {
		t.Fatalf("AddLast() returned %v", err)
	}
	if names := e.Pipeline().Names(); len(names) != 0 {
		t.Errorf("failed handler still in pipeline: %v", names)
	}
	if err := e.CheckException(); !errors.Is(err, ErrHandlerLifecycle) {
		t.Errorf("exception = %v, want ErrHandlerLifecycle", err)
	}
	if got := log.get(); len(got) != 1 {
		t.Errorf("HandlerRemoved calls = %v, want exactly one", got)
	}
	e.Finish()
}

type faultyReader struct {
	InboundHandlerAdapter
	panics bool
	caught []error
}

func (h *faultyReader) ChannelRead(ctx *HandlerContext, msg interface{}) error {
	if h.panics {
		panic("read exploded")
	}
	return errors.New("bad message")
}

func (h *faultyReader) ExceptionCaught(ctx *HandlerContext, err error) error {
	h.caught = append(h.caught, err)
	return nil
}

func TestPipelineHandlerErrorsGoToExceptionCaught(t *testing.T) {
	for _, panics := range []bool{false, true} {
		h := &faultyReader{panics: panics}
		e := NewEmbeddedChannel(newTestLogger(t), h)
		e.WriteInbound("x")
		if len(h.caught) != 1 {
			t.Fatalf("panics=%v: ExceptionCaught called %d times, want 1", panics, len(h.caught))
		}
		if panics && !errors.Is(h.caught[0], ErrHandlerPanic) {
			t.Errorf("panic surfaced as %v, want ErrHandlerPanic", h.caught[0])
		}
		if err := e.CheckException(); err != nil {
			t.Errorf("exception handled by the handler still reached the tail: %s", err)
		}
		e.Finish()
	}
}

func TestPipelineUnhandledExceptionReachesTail(t *testing.T) {
	e := NewEmbeddedChannel(newTestLogger(t), NewReadHandler(func(ctx *HandlerContext, msg interface{}) error {
		return fmt.Errorf("rejected %v", msg)
	}))
	e.WriteInbound("x")
	if err := e.CheckException(); err == nil || err.Error() != "rejected x" {
		t.Errorf("CheckException() = %v, want the handler's error", err)
	}
	if e.CheckException() != nil {
		t.Errorf("CheckException() did not clear the record")
	}
	e.Finish()
}

type writeRejecter struct {
	OutboundHandlerAdapter
}

func (writeRejecter) Write(ctx *HandlerContext, msg interface{}, p concurrent.Promise) error {
	buffer.SafeRelease(ctx, msg)
	return errors.New("no writes")
}

func TestPipelineOutboundErrorFailsPromise(t *testing.T) {
	e := NewEmbeddedChannel(newTestLogger(t), writeRejecter{})
	f := e.Pipeline().WriteAndFlush("x", nil)
	if f.Err() == nil || f.Err().Error() != "no writes" {
		t.Errorf("write promise = %v, want the handler's error", f.Err())
	}
	if e.NumOutbound() != 0 {
		t.Errorf("rejected write reached the transport")
	}
	e.Finish()
}

// loopChecker records whether each message arrived on the expected executor.
type loopChecker struct {
	InboundHandlerAdapter
	loop *concurrent.EventLoop
	n    int
	got  []int
	bad  int
	done chan struct{}
}

func (h *loopChecker) ChannelRead(ctx *HandlerContext, msg interface{}) error {
	if !h.loop.InEventLoop() {
		h.bad++
	}
	h.got = append(h.got, msg.(int))
	if len(h.got) == h.n {
		close(h.done)
	}
	return nil
}

func TestPipelineCrossExecutorOrder(t *testing.T) {
	lg := newTestLogger(t)
	loop := concurrent.NewEventLoop(lg, "worker")
	defer loop.Close()

	const n = 500
	h := &loopChecker{loop: loop, n: n, done: make(chan struct{})}
	e := NewEmbeddedChannel(lg)
	if err := e.Pipeline().AddLast("worker", h, OnExecutor(loop)); err != nil {
		t.Fatalf("AddLast() returned %v", err)
	}
	if ex := e.Pipeline().Context("worker").Executor(); ex != loop {
		t.Fatalf("binding executor = %v, want the worker loop", ex)
	}
	for i := 0; i < n; i++ {
		e.Pipeline().FireChannelRead(i)
	}
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d of %d messages arrived", len(h.got), n)
	}
	if h.bad != 0 {
		t.Errorf("%d messages ran outside the bound executor", h.bad)
	}
	for i, v := range h.got {
		if v != i {
			t.Fatalf("message %d arrived in position %d", v, i)
		}
	}
	e.Finish()
}

func TestPipelineTailReleasesUnhandledMessages(t *testing.T) {
	alloc := buffer.NewTrackingAllocator(nil)
	ch := NewClientChannel(newTestLogger(t), MustNewConfig(WithAllocator(alloc)))
	ch.Pipeline().FireChannelRead(buffer.CopiedString(alloc, "nobody wants me"))
	checkNoLeaks(t, alloc)
}

func TestPipelineHandlersAddedBeforeRegistration(t *testing.T) {
	log := &eventLog{}
	ch := NewClientChannel(newTestLogger(t), nil)
	ch.Pipeline().AddLast("a", newTagHandler("a", log))
	if got := log.get(); len(got) != 0 {
		t.Fatalf("HandlerAdded ran before registration: %v", got)
	}
	loop := concurrent.NewEmbeddedEventLoop()
	f := ch.Register(loop)
	loop.RunPendingTasks()
	if !f.IsSuccess() {
		t.Fatalf("Register() failed: %v", f.Err())
	}
	if got := log.get(); !reflect.DeepEqual(got, []string{"added a"}) {
		t.Errorf("lifecycle after registration = %v", got)
	}
	if f := ch.Register(loop); !errors.Is(f.Err(), ErrAlreadyRegistered) {
		t.Errorf("second Register() = %v, want ErrAlreadyRegistered", f.Err())
	}
	ch.CloseAsync()
	loop.RunPendingTasks()
	if !ch.CloseFuture().IsDone() {
		t.Errorf("close future not done after close")
	}
}

func TestInitializerInstallsHandlers(t *testing.T) {
	log := &eventLog{}
	init := NewInitializer(func(ch *Channel) error {
		return ch.Pipeline().AddLast("tag", newTagHandler("!", log))
	})
	e := NewEmbeddedChannel(newTestLogger(t), init)
	if names := e.Pipeline().Names(); !reflect.DeepEqual(names, []string{"tag"}) {
		t.Errorf("Names() after init = %v, want [tag]", names)
	}
	e.WriteInbound("hi")
	if got := e.ReadInbound(); got != "hi!" {
		t.Errorf("inbound = %v, want %q", got, "hi!")
	}
	e.Finish()

	failing := NewInitializer(func(ch *Channel) error { return errors.New("init failed") })
	e = NewEmbeddedChannel(newTestLogger(t), failing)
	e.RunPendingTasks()
	if e.IsOpen() {
		t.Errorf("channel still open after its initializer failed")
	}
}

// removalRecorder records its removal. Handlers pinned to worker also note
// whether they were removed on it.
type removalRecorder struct {
	InboundHandlerAdapter
	tag    string
	log    *eventLog
	worker *concurrent.EventLoop
}

func (h *removalRecorder) HandlerAdded(ctx *HandlerContext) error {
	return nil
}

func (h *removalRecorder) HandlerRemoved(ctx *HandlerContext) error {
	if h.worker != nil && !h.worker.InEventLoop() {
		h.log.add("removed %s off its executor", h.tag)
		return nil
	}
	h.log.add("removed %s", h.tag)
	return nil
}

func TestPipelineTeardownReverseOrderAcrossExecutors(t *testing.T) {
	lg := newTestLogger(t)
	loop := concurrent.NewEventLoop(lg, "worker")
	defer loop.Close()

	log := &eventLog{}
	e := NewEmbeddedChannel(lg)
	p := e.Pipeline()
	for _, tag := range []string{"a", "b", "c", "d"} {
		h := &removalRecorder{tag: tag, log: log}
		var opts []BindOption
		if tag == "b" || tag == "d" {
			h.worker = loop
			opts = append(opts, OnExecutor(loop))
		}
		if err := p.AddLast(tag, h, opts...); err != nil {
			t.Fatalf("AddLast(%s) returned %v", tag, err)
		}
	}
	e.Finish()

	deadline := time.Now().Add(5 * time.Second)
	for len(log.get()) < 4 && time.Now().Before(deadline) {
		e.RunPendingTasks()
		time.Sleep(time.Millisecond)
	}
	want := []string{"removed d", "removed c", "removed b", "removed a"}
	if got := log.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("teardown = %v, want %v", got, want)
	}
}
