package concurrent

import (
	"context"
	"errors"
	"sync"

	"github.com/sammck-go/logger"
)

// ErrPromiseAlreadyCompleted is returned when a promise is completed a second time.
var ErrPromiseAlreadyCompleted = errors.New("promise already completed")

// Future is the read side of a Promise.
type Future interface {
	// Done returns a chan that is closed when the future completes.
	Done() <-chan struct{}

	// IsDone returns true if the future has completed.
	IsDone() bool

	// IsSuccess returns true if the future completed without error.
	IsSuccess() bool

	// Err returns the failure, or nil if the future succeeded or is not yet done.
	Err() error

	// Wait blocks until the future completes or ctx is done, and returns the failure.
	Wait(ctx context.Context) error

	// AddListener arranges for f to be called once the future completes. If the future
	// is already done, f is called right away.
	AddListener(f func(Future))
}

// Promise is a single-assignment Future that can be completed by its owner.
type Promise interface {
	Future

	// SetSuccess completes the promise successfully. Returns ErrPromiseAlreadyCompleted
	// if it was already completed.
	SetSuccess() error

	// SetFailure completes the promise with err. Returns ErrPromiseAlreadyCompleted
	// if it was already completed.
	SetFailure(err error) error

	// TrySuccess completes the promise successfully if not yet done. Returns true if this
	// call completed it.
	TrySuccess() bool

	// TryFailure completes the promise with err if not yet done. Returns true if this call
	// completed it.
	TryFailure(err error) bool

	// IsVoid returns true for fire-and-forget promises whose outcome nobody observes.
	IsVoid() bool
}

// DefaultPromise is the regular Promise implementation. Listeners are notified on
// the promise's executor, or on the completing goroutine if it has none.
type DefaultPromise struct {
	exec      Executor
	lock      sync.Mutex
	done      chan struct{}
	completed bool
	err       error
	listeners []func(Future)
}

// NewPromise returns a new, incomplete promise. exec may be nil.
func NewPromise(exec Executor) *DefaultPromise {
	return &DefaultPromise{exec: exec, done: make(chan struct{})}
}

// NewSucceededPromise returns a promise that is already successfully completed.
func NewSucceededPromise(exec Executor) *DefaultPromise {
	p := NewPromise(exec)
	p.TrySuccess()
	return p
}

// NewFailedPromise returns a promise that is already completed with err.
func NewFailedPromise(exec Executor, err error) *DefaultPromise {
	p := NewPromise(exec)
	p.TryFailure(err)
	return p
}

func (p *DefaultPromise) Done() <-chan struct{} {
	return p.done
}

func (p *DefaultPromise) IsDone() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.completed
}

func (p *DefaultPromise) IsSuccess() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.completed && p.err == nil
}

func (p *DefaultPromise) Err() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.err
}

func (p *DefaultPromise) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *DefaultPromise) IsVoid() bool {
	return false
}

func (p *DefaultPromise) AddListener(f func(Future)) {
	p.lock.Lock()
	if !p.completed {
		p.listeners = append(p.listeners, f)
		p.lock.Unlock()
		return
	}
	p.lock.Unlock()
	p.notify([]func(Future){f})
}

func (p *DefaultPromise) complete(err error) bool {
	p.lock.Lock()
	if p.completed {
		p.lock.Unlock()
		return false
	}
	p.completed = true
	p.err = err
	listeners := p.listeners
	p.listeners = nil
	close(p.done)
	p.lock.Unlock()

	p.notify(listeners)
	return true
}

func (p *DefaultPromise) notify(listeners []func(Future)) {
	if len(listeners) == 0 {
		return
	}
	run := func() {
		for _, f := range listeners {
			f(p)
		}
	}
	if p.exec == nil {
		run()
		return
	}
	if err := RunOn(p.exec, run); err != nil {
		// the executor is gone; run the listeners here rather than losing them
		run()
	}
}

func (p *DefaultPromise) SetSuccess() error {
	if !p.complete(nil) {
		return ErrPromiseAlreadyCompleted
	}
	return nil
}

func (p *DefaultPromise) SetFailure(err error) error {
	if err == nil {
		err = errors.New("promise failed with a nil error")
	}
	if !p.complete(err) {
		return ErrPromiseAlreadyCompleted
	}
	return nil
}

func (p *DefaultPromise) TrySuccess() bool {
	return p.complete(nil)
}

func (p *DefaultPromise) TryFailure(err error) bool {
	if err == nil {
		err = errors.New("promise failed with a nil error")
	}
	return p.complete(err)
}

// voidPromise is a fire-and-forget Promise. It never reports anything to anyone;
// failures are logged and then forgotten.
type voidPromise struct {
	lg logger.Logger
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// NewVoidPromise returns a Promise whose failures are only logged to lg.
func NewVoidPromise(lg logger.Logger) Promise {
	if lg == nil {
		lg = logger.NilLogger
	}
	return &voidPromise{lg: lg}
}

// Done is always closed so that nobody can block on a void promise.
func (v *voidPromise) Done() <-chan struct{} { return closedChan }

func (v *voidPromise) IsDone() bool { return false }

func (v *voidPromise) IsSuccess() bool { return false }

func (v *voidPromise) Err() error { return nil }

func (v *voidPromise) Wait(ctx context.Context) error {
	v.lg.WLogf("Wait() called on a void promise")
	return nil
}

func (v *voidPromise) AddListener(f func(Future)) {
	v.lg.WLogf("AddListener() called on a void promise; listener ignored")
}

func (v *voidPromise) SetSuccess() error { return nil }

func (v *voidPromise) SetFailure(err error) error {
	v.TryFailure(err)
	return nil
}

func (v *voidPromise) TrySuccess() bool { return false }

func (v *voidPromise) TryFailure(err error) bool {
	v.lg.WLogf("Fire-and-forget operation failed: %v", err)
	return false
}

func (v *voidPromise) IsVoid() bool { return true }

// Combine completes target once every part has completed, failing it with the
// first part failure observed. With no parts target succeeds immediately.
func Combine(target Promise, parts ...Future) {
	if len(parts) == 0 {
		target.TrySuccess()
		return
	}
	var lock sync.Mutex
	remaining := len(parts)
	var firstErr error
	for _, part := range parts {
		part.AddListener(func(f Future) {
			lock.Lock()
			if err := f.Err(); err != nil && firstErr == nil {
				firstErr = err
			}
			remaining--
			last := remaining == 0
			err := firstErr
			lock.Unlock()
			if last {
				if err != nil {
					target.TryFailure(err)
				} else {
					target.TrySuccess()
				}
			}
		})
	}
}
