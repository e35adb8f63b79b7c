package channel

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"

	"github.com/sammck-go/evchan/pkg/concurrent"
)

// BindOption customizes how a handler is bound into a pipeline.
type BindOption func(o *bindOptions)

type bindOptions struct {
	exec concurrent.Executor
}

// OnExecutor runs the handler on exec instead of the channel's executor.
func OnExecutor(exec concurrent.Executor) BindOption {
	return func(o *bindOptions) { o.exec = exec }
}

const (
	headName = "HeadContext#0"
	tailName = "TailContext#0"
)

// Pipeline is the ordered list of handlers attached to a channel. Inbound events
// enter at the head and travel towards the tail; outbound operations enter at the
// tail and travel towards the head, where they reach the transport.
//
// Handlers may be added and removed at any time from any goroutine. Membership
// changes are serialized by the pipeline's lock; the handlers themselves are only
// ever called on their binding's executor.
type Pipeline struct {
	channel     *Channel
	head        *HandlerContext
	tail        *HandlerContext
	voidPromise concurrent.Promise

	lock        sync.Mutex
	names       map[string]*HandlerContext
	nameSeq     map[string]int
	registered  bool
	pendingAdds []*HandlerContext

	// replaced by EmbeddedChannel to capture what falls off the tail
	unhandledRead      func(msg interface{})
	unhandledException func(err error)
}

func newPipeline(ch *Channel) *Pipeline {
	p := &Pipeline{
		channel:     ch,
		voidPromise: concurrent.NewVoidPromise(ch.Logger),
		names:       make(map[string]*HandlerContext),
		nameSeq:     make(map[string]int),
	}
	p.head = newHandlerContext(p, headName, &headHandler{ch: ch}, nil)
	p.tail = newHandlerContext(p, tailName, &tailHandler{p: p}, nil)
	p.head.next.Store(p.tail)
	p.tail.prev.Store(p.head)
	p.head.setAddComplete()
	p.tail.setAddComplete()
	return p
}

// Channel returns the channel that owns the pipeline.
func (p *Pipeline) Channel() *Channel {
	return p.channel
}

func (p *Pipeline) generateNameLocked(h Handler) string {
	t := reflect.TypeOf(h)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	base := t.Name()
	if base == "" {
		base = "Handler"
	}
	for {
		n := p.nameSeq[base]
		p.nameSeq[base] = n + 1
		name := fmt.Sprintf("%s#%d", base, n)
		if _, ok := p.names[name]; !ok {
			return name
		}
	}
}

func (p *Pipeline) checkNameLocked(name string, h Handler) (string, error) {
	if name == "" {
		return p.generateNameLocked(h), nil
	}
	if _, ok := p.names[name]; ok || name == headName || name == tailName {
		return "", fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	return name, nil
}

// insertLocked links ctx between prev and next.
func insertLocked(prev, ctx, next *HandlerContext) {
	ctx.prev.Store(prev)
	ctx.next.Store(next)
	prev.next.Store(ctx)
	next.prev.Store(ctx)
}

// unlinkLocked takes ctx out of the list. ctx keeps its own links so events
// already on their way through it still reach the rest of the pipeline.
func (p *Pipeline) unlinkLocked(ctx *HandlerContext) {
	prev := ctx.prev.Load()
	next := ctx.next.Load()
	prev.next.Store(next)
	next.prev.Store(prev)
	if p.names[ctx.name] == ctx {
		delete(p.names, ctx.name)
	}
}

func (p *Pipeline) add(name string, h Handler, opts []BindOption, where func() (prev, next *HandlerContext, err error)) error {
	if h == nil {
		return errors.New("nil handler")
	}
	var bo bindOptions
	for _, opt := range opts {
		opt(&bo)
	}

	p.lock.Lock()
	name, err := p.checkNameLocked(name, h)
	if err != nil {
		p.lock.Unlock()
		return err
	}
	prev, next, err := where()
	if err != nil {
		p.lock.Unlock()
		return err
	}
	ctx := newHandlerContext(p, name, h, bo.exec)
	insertLocked(prev, ctx, next)
	p.names[name] = ctx
	if !p.registered {
		// HandlerAdded runs once the channel has an executor
		ctx.setAddPending()
		p.pendingAdds = append(p.pendingAdds, ctx)
		p.lock.Unlock()
		return nil
	}
	p.lock.Unlock()

	p.scheduleHandlerAdded(ctx)
	return nil
}

func (p *Pipeline) scheduleHandlerAdded(ctx *HandlerContext) {
	exec := ctx.Executor()
	if exec == nil || exec.InEventLoop() {
		p.callHandlerAdded(ctx)
		return
	}
	ctx.setAddPending()
	if err := exec.Execute(func() { p.callHandlerAdded(ctx) }); err != nil {
		ctx.WLogf("Executor rejected HandlerAdded; removing handler: %s", err)
		p.lock.Lock()
		p.unlinkLocked(ctx)
		p.lock.Unlock()
		ctx.setRemoved()
	}
}

// AddFirst inserts h right after the head. An empty name is replaced by a generated one.
func (p *Pipeline) AddFirst(name string, h Handler, opts ...BindOption) error {
	return p.add(name, h, opts, func() (*HandlerContext, *HandlerContext, error) {
		return p.head, p.head.next.Load(), nil
	})
}

// AddLast inserts h right before the tail. An empty name is replaced by a generated one.
func (p *Pipeline) AddLast(name string, h Handler, opts ...BindOption) error {
	return p.add(name, h, opts, func() (*HandlerContext, *HandlerContext, error) {
		return p.tail.prev.Load(), p.tail, nil
	})
}

// AddBefore inserts h right before the handler named baseName.
func (p *Pipeline) AddBefore(baseName, name string, h Handler, opts ...BindOption) error {
	return p.add(name, h, opts, func() (*HandlerContext, *HandlerContext, error) {
		base, ok := p.names[baseName]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q", ErrNoSuchHandler, baseName)
		}
		return base.prev.Load(), base, nil
	})
}

// AddAfter inserts h right after the handler named baseName.
func (p *Pipeline) AddAfter(baseName, name string, h Handler, opts ...BindOption) error {
	return p.add(name, h, opts, func() (*HandlerContext, *HandlerContext, error) {
		base, ok := p.names[baseName]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q", ErrNoSuchHandler, baseName)
		}
		return base, base.next.Load(), nil
	})
}

// Remove removes the handler named name and returns it.
func (p *Pipeline) Remove(name string) (Handler, error) {
	p.lock.Lock()
	ctx, ok := p.names[name]
	if !ok {
		p.lock.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrNoSuchHandler, name)
	}
	p.removeLocked(ctx)
	return ctx.handler, nil
}

// RemoveHandler removes h, which must be comparable.
func (p *Pipeline) RemoveHandler(h Handler) error {
	p.lock.Lock()
	ctx := p.contextOfLocked(h)
	if ctx == nil {
		p.lock.Unlock()
		return fmt.Errorf("%w: %T", ErrNoSuchHandler, h)
	}
	p.removeLocked(ctx)
	return nil
}

// removeLocked is entered with the lock held and releases it.
func (p *Pipeline) removeLocked(ctx *HandlerContext) {
	p.unlinkLocked(ctx)
	registered := p.registered
	p.lock.Unlock()
	if !registered {
		ctx.setRemoved()
		return
	}
	p.scheduleHandlerRemoved(ctx)
}

func (p *Pipeline) scheduleHandlerRemoved(ctx *HandlerContext) {
	exec := ctx.Executor()
	if exec == nil || exec.InEventLoop() {
		p.callHandlerRemoved(ctx)
		return
	}
	if err := exec.Execute(func() { p.callHandlerRemoved(ctx) }); err != nil {
		ctx.WLogf("Executor rejected HandlerRemoved; running it here: %s", err)
		p.callHandlerRemoved(ctx)
	}
}

// Replace swaps the handler named oldName for h, added under newName, and returns
// the old handler. The new handler is added before the old one is removed, and
// events still travelling through the old binding are handed to the new one.
func (p *Pipeline) Replace(oldName, newName string, h Handler, opts ...BindOption) (Handler, error) {
	if h == nil {
		return nil, errors.New("nil handler")
	}
	var bo bindOptions
	for _, opt := range opts {
		opt(&bo)
	}

	p.lock.Lock()
	old, ok := p.names[oldName]
	if !ok {
		p.lock.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrNoSuchHandler, oldName)
	}
	if newName != oldName {
		var err error
		if newName, err = p.checkNameLocked(newName, h); err != nil {
			p.lock.Unlock()
			return nil, err
		}
	}
	ctx := newHandlerContext(p, newName, h, bo.exec)
	insertLocked(old.prev.Load(), ctx, old.next.Load())
	old.prev.Store(ctx)
	old.next.Store(ctx)
	delete(p.names, oldName)
	p.names[newName] = ctx
	if !p.registered {
		ctx.setAddPending()
		p.pendingAdds = append(p.pendingAdds, ctx)
		p.lock.Unlock()
		old.setRemoved()
		return old.handler, nil
	}
	p.lock.Unlock()

	p.scheduleHandlerAdded(ctx)
	p.scheduleHandlerRemoved(old)
	return old.handler, nil
}

func (p *Pipeline) callHandlerAdded(ctx *HandlerContext) {
	if !ctx.setAddComplete() {
		return
	}
	if ctx.lc == nil {
		return
	}
	err := ctx.safeCall(func() error { return ctx.lc.HandlerAdded(ctx) })
	if err == nil {
		return
	}
	p.lock.Lock()
	linked := ctx.prev.Load().next.Load() == ctx
	if linked {
		p.unlinkLocked(ctx)
	}
	p.lock.Unlock()
	if linked {
		p.callHandlerRemoved(ctx)
	}
	ctx.FireExceptionCaught(fmt.Errorf("%w: %s.HandlerAdded: %v", ErrHandlerLifecycle, ctx.name, err))
}

func (p *Pipeline) callHandlerRemoved(ctx *HandlerContext) {
	wasAdded := ctx.invokable()
	ctx.setRemoved()
	if !wasAdded || ctx.lc == nil {
		return
	}
	if err := ctx.safeCall(func() error { return ctx.lc.HandlerRemoved(ctx) }); err != nil {
		p.head.FireExceptionCaught(fmt.Errorf("%w: %s.HandlerRemoved: %v", ErrHandlerLifecycle, ctx.name, err))
	}
}

// onRegistered runs HandlerAdded for every handler added before the channel had
// an executor, in the order they were added.
func (p *Pipeline) onRegistered() {
	p.lock.Lock()
	p.registered = true
	pending := p.pendingAdds
	p.pendingAdds = nil
	p.lock.Unlock()
	for _, ctx := range pending {
		if ctx.IsRemoved() {
			continue
		}
		p.scheduleHandlerAdded(ctx)
	}
}

// destroy removes every handler, from the tail towards the head, each on its own
// executor.
func (p *Pipeline) destroy() {
	for {
		p.lock.Lock()
		ctx := p.tail.prev.Load()
		if ctx == p.head {
			p.lock.Unlock()
			return
		}
		if exec := ctx.Executor(); exec != nil && !exec.InEventLoop() {
			if err := exec.Execute(p.destroy); err == nil {
				p.lock.Unlock()
				return
			}
		}
		p.unlinkLocked(ctx)
		p.lock.Unlock()
		p.callHandlerRemoved(ctx)
	}
}

func (p *Pipeline) contextOfLocked(h Handler) *HandlerContext {
	for ctx := p.head.next.Load(); ctx != p.tail; ctx = ctx.next.Load() {
		if ctx.handler == h {
			return ctx
		}
	}
	return nil
}

// Get returns the handler named name, or nil.
func (p *Pipeline) Get(name string) Handler {
	p.lock.Lock()
	defer p.lock.Unlock()
	if ctx, ok := p.names[name]; ok {
		return ctx.handler
	}
	return nil
}

// Context returns the binding of the handler named name, or nil.
func (p *Pipeline) Context(name string) *HandlerContext {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.names[name]
}

// ContextOf returns the binding of h, or nil.
func (p *Pipeline) ContextOf(h Handler) *HandlerContext {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.contextOfLocked(h)
}

// Names returns the handler names from head to tail.
func (p *Pipeline) Names() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	var names []string
	for ctx := p.head.next.Load(); ctx != p.tail; ctx = ctx.next.Load() {
		names = append(names, ctx.name)
	}
	return names
}

// First returns the handler closest to the head, or nil if the pipeline is empty.
func (p *Pipeline) First() Handler {
	p.lock.Lock()
	defer p.lock.Unlock()
	if ctx := p.head.next.Load(); ctx != p.tail {
		return ctx.handler
	}
	return nil
}

// Last returns the handler closest to the tail, or nil if the pipeline is empty.
func (p *Pipeline) Last() Handler {
	p.lock.Lock()
	defer p.lock.Unlock()
	if ctx := p.tail.prev.Load(); ctx != p.head {
		return ctx.handler
	}
	return nil
}

func (p *Pipeline) String() string {
	return fmt.Sprintf("Pipeline%v", p.Names())
}

// Inbound entry points.

func (p *Pipeline) FireChannelRegistered()   { p.head.invokeChannelRegistered() }
func (p *Pipeline) FireChannelUnregistered() { p.head.invokeChannelUnregistered() }
func (p *Pipeline) FireChannelActive()       { p.head.invokeChannelActive() }
func (p *Pipeline) FireChannelInactive()     { p.head.invokeChannelInactive() }
func (p *Pipeline) FireChannelReadComplete() { p.head.invokeChannelReadComplete() }
func (p *Pipeline) FireChannelWritabilityChanged() {
	p.head.invokeChannelWritabilityChanged()
}

func (p *Pipeline) FireChannelRead(msg interface{}) {
	if msg == nil {
		p.head.invokeExceptionCaught(errNilMessage)
		return
	}
	p.head.invokeChannelRead(msg)
}

func (p *Pipeline) FireUserEventTriggered(evt interface{}) { p.head.invokeUserEventTriggered(evt) }
func (p *Pipeline) FireExceptionCaught(err error)          { p.head.invokeExceptionCaught(err) }

// Outbound entry points. Passing a nil promise creates a new one.

func (p *Pipeline) Bind(local net.Addr, pr concurrent.Promise) concurrent.Promise {
	return p.tail.Bind(local, pr)
}

func (p *Pipeline) Connect(remote, local net.Addr, pr concurrent.Promise) concurrent.Promise {
	return p.tail.Connect(remote, local, pr)
}

func (p *Pipeline) Disconnect(pr concurrent.Promise) concurrent.Promise {
	return p.tail.Disconnect(pr)
}

func (p *Pipeline) Close(pr concurrent.Promise) concurrent.Promise {
	return p.tail.Close(pr)
}

func (p *Pipeline) Deregister(pr concurrent.Promise) concurrent.Promise {
	return p.tail.Deregister(pr)
}

func (p *Pipeline) Read() {
	p.tail.Read()
}

func (p *Pipeline) Write(msg interface{}, pr concurrent.Promise) concurrent.Promise {
	return p.tail.Write(msg, pr)
}

func (p *Pipeline) WriteAndFlush(msg interface{}, pr concurrent.Promise) concurrent.Promise {
	return p.tail.WriteAndFlush(msg, pr)
}

func (p *Pipeline) Flush() {
	p.tail.Flush()
}
