// Package clock provides the millisecond clock that drives protocol timers.
// Only differences between two readings are meaningful.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is a monotonic millisecond clock that can also pause the caller.
type Clock interface {
	// Now returns milliseconds since an unspecified epoch.
	Now() int64
	// Sleep pauses for the given duration or until ctx is done, whichever
	// comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the process clock. It reads Go's monotonic clock.
type System struct {
	epoch time.Time
}

var _ Clock = (*System)(nil)

// NewSystem creates a new system clock whose epoch is the time of the call.
func NewSystem() *System {
	return &System{epoch: time.Now()}
}

// Now implements Clock.
func (c *System) Now() int64 {
	return time.Since(c.epoch).Milliseconds()
}

// Sleep implements Clock.
func (c *System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake is a manually advanced clock. Sleeping on a Fake advances it by the
// requested duration instead of blocking.
type Fake struct {
	mu  sync.Mutex
	now int64
}

var _ Clock = (*Fake)(nil)

// NewFake creates a fake clock starting at the given millisecond reading.
func NewFake(start int64) *Fake {
	return &Fake{now: start}
}

// Now implements Clock.
func (c *Fake) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep implements Clock.
func (c *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// Advance moves the clock forward.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d.Milliseconds()
	c.mu.Unlock()
}
