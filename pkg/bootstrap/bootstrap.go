// Package bootstrap creates, connects and accepts channels: Bootstrap for the
// client side and ServerBootstrap for listeners.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sammck-go/evchan/pkg/channel"
	"github.com/sammck-go/evchan/pkg/concurrent"
	"github.com/sammck-go/logger"
)

// Default reconnect delays for ConnectWithRetry.
const (
	DefaultRetryMin = 100 * time.Millisecond
	DefaultRetryMax = 30 * time.Second
)

// Bootstrap creates client channels. Handler is added to every channel it creates,
// so it must be safe to share; a channel.Initializer is the usual choice.
type Bootstrap struct {
	logger.Logger
	Group   *concurrent.EventLoopGroup
	Config  *channel.Config
	Handler channel.Handler

	// RetryMin and RetryMax bound the delay between ConnectWithRetry attempts.
	RetryMin time.Duration
	RetryMax time.Duration
}

// NewBootstrap returns a Bootstrap registering its channels on group. cfg may be
// nil for defaults; each channel gets its own copy.
func NewBootstrap(lg logger.Logger, group *concurrent.EventLoopGroup, cfg *channel.Config, handler channel.Handler) *Bootstrap {
	if lg == nil {
		lg = logger.NilLogger
	}
	return &Bootstrap{
		Logger:   lg.ForkLog("Bootstrap"),
		Group:    group,
		Config:   cfg,
		Handler:  handler,
		RetryMin: DefaultRetryMin,
		RetryMax: DefaultRetryMax,
	}
}

func (b *Bootstrap) newConfig() *channel.Config {
	if b.Config == nil {
		return nil
	}
	return b.Config.Copy()
}

// Connect creates a channel, registers it with the next loop of the group and
// connects it to addr. The returned channel is active. If ctx is done before the
// connection is established, the channel is closed and ctx.Err() returned.
func (b *Bootstrap) Connect(ctx context.Context, network, addr string) (*channel.Channel, error) {
	if b.Group == nil {
		return nil, errors.New("bootstrap: no event loop group")
	}
	ch := channel.NewClientChannel(b.Logger, b.newConfig())
	if b.Handler != nil {
		if err := ch.Pipeline().AddLast("", b.Handler); err != nil {
			ch.Close()
			return nil, err
		}
	}
	if err := ch.Register(b.Group.Next()).Wait(ctx); err != nil {
		ch.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	if err := ch.Connect(channel.NewAddress(network, addr)).Wait(ctx); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// ConnectWithRetry calls Connect until it succeeds, waiting between attempts with
// exponential backoff. maxAttempts <= 0 retries until ctx is done.
func (b *Bootstrap) ConnectWithRetry(ctx context.Context, network, addr string, maxAttempts int) (*channel.Channel, error) {
	bo := &backoff.Backoff{Min: b.RetryMin, Max: b.RetryMax, Factor: 2, Jitter: true}
	for {
		ch, err := b.Connect(ctx, network, addr)
		if err == nil {
			return ch, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		attempt := int(bo.Attempt()) + 1
		msg := fmt.Sprintf("Connection error: %s (Attempt: %d", err, attempt)
		if maxAttempts > 0 {
			msg += fmt.Sprintf("/%d", maxAttempts)
		}
		b.DLogf("%s)", msg)
		if maxAttempts > 0 && attempt >= maxAttempts {
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		d := bo.Duration()
		b.ILogf("Retrying in %s...", d)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
