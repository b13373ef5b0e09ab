// Monotonic tick source, the timer interrupt's counter.
package ticks

import (
	"context"
	"sync/atomic"
	"time"
)

type Source interface {
	Ticks() uint64
}

// Clock only moves forward, one Tick at a time. Tests drive it by hand; the
// binary drives it from a time.Ticker via Run.
type Clock struct {
	n atomic.Uint64
}

func (c *Clock) Ticks() uint64 {
	return c.n.Load()
}

// Returns the new tick count.
func (c *Clock) Tick() uint64 {
	return c.n.Add(1)
}

// Run ticks once per interval until ctx is done.
func (c *Clock) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Tick()
		}
	}
}
