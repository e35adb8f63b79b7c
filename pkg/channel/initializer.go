package channel

import (
	"fmt"
	"sync"
)

// InitFunc installs handlers on a freshly registered channel.
type InitFunc func(ch *Channel) error

// Initializer is a handler that runs an InitFunc once the channel it is added to is
// registered, then removes itself. One Initializer may be shared by many channels,
// as a server's child handler is.
type Initializer struct {
	InboundHandlerAdapter
	init       InitFunc
	inProgress sync.Map
}

// NewInitializer returns an Initializer running f.
func NewInitializer(f InitFunc) *Initializer {
	return &Initializer{init: f}
}

func (i *Initializer) HandlerAdded(ctx *HandlerContext) error {
	if ctx.Channel().IsRegistered() {
		return i.initChannel(ctx)
	}
	return nil
}

func (i *Initializer) HandlerRemoved(ctx *HandlerContext) error {
	i.inProgress.Delete(ctx)
	return nil
}

func (i *Initializer) ChannelRegistered(ctx *HandlerContext) error {
	if err := i.initChannel(ctx); err != nil {
		return err
	}
	ctx.FireChannelRegistered()
	return nil
}

func (i *Initializer) ExceptionCaught(ctx *HandlerContext, err error) error {
	ctx.WLogf("Failed to initialize channel; closing: %s", err)
	ctx.Channel().CloseAsync()
	return nil
}

func (i *Initializer) initChannel(ctx *HandlerContext) (err error) {
	if _, loaded := i.inProgress.LoadOrStore(ctx, struct{}{}); loaded {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: initializer: %v", ErrHandlerPanic, r)
		}
		if !ctx.IsRemoved() {
			if _, rerr := ctx.Pipeline().Remove(ctx.Name()); rerr != nil {
				ctx.DLogf("Initializer already gone: %s", rerr)
			}
		}
		if err != nil {
			ctx.Channel().CloseAsync()
		}
	}()
	return i.init(ctx.Channel())
}
