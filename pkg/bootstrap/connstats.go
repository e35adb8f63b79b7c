package bootstrap

import (
	"fmt"
	"sync/atomic"
)

// ConnStats counts the child channels of a Server. All methods are safe for
// concurrent use.
type ConnStats struct {
	accepted int32
	open     int32
	refused  int32
}

// Accepted counts a newly accepted connection and returns its sequence number,
// starting at 1.
func (c *ConnStats) Accepted() int32 {
	return atomic.AddInt32(&c.accepted, 1)
}

// Opened marks an accepted connection as a live child channel.
func (c *ConnStats) Opened() {
	atomic.AddInt32(&c.open, 1)
}

// Closed marks a child channel as closed.
func (c *ConnStats) Closed() {
	atomic.AddInt32(&c.open, -1)
}

// Refused counts a connection that was closed before it ever became a child,
// because the server was shutting down or its pipeline could not be built.
func (c *ConnStats) Refused() {
	atomic.AddInt32(&c.refused, 1)
}

func (c *ConnStats) Total() int32 {
	return atomic.LoadInt32(&c.accepted)
}

func (c *ConnStats) Current() int32 {
	return atomic.LoadInt32(&c.open)
}

func (c *ConnStats) NumRefused() int32 {
	return atomic.LoadInt32(&c.refused)
}

// String formats the counts as [open/accepted], followed by the refusals if
// there were any.
func (c *ConnStats) String() string {
	if n := c.NumRefused(); n != 0 {
		return fmt.Sprintf("[%d/%d, %d refused]", c.Current(), c.Total(), n)
	}
	return fmt.Sprintf("[%d/%d]", c.Current(), c.Total())
}
