package voice

import (
	"context"
	"sync"
	"time"
)

// Countdown resolves once Done has been called n times or its deadline
// passes, whichever comes first. Calls to Done after resolution are
// ignored, so callers can count success and failure alike.
type Countdown struct {
	total int
	done  chan struct{}

	mu       sync.Mutex
	count    int
	timedOut bool
	resolved bool
	timer    *time.Timer
}

// NewCountdown starts a countdown of n completions. A non-positive timeout
// disables the deadline; n <= 0 is resolved immediately.
func NewCountdown(n int, timeout time.Duration) *Countdown {
	c := &Countdown{total: n, done: make(chan struct{})}
	if n <= 0 {
		c.resolved = true
		close(c.done)
		return c
	}
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, c.expire)
	}
	return c
}

// Done records one completion.
func (c *Countdown) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return
	}
	c.count++
	if c.count >= c.total {
		c.resolveLocked()
	}
}

// Cancel resolves the countdown early without marking it timed out.
func (c *Countdown) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveLocked()
}

func (c *Countdown) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return
	}
	c.timedOut = true
	c.resolveLocked()
}

func (c *Countdown) resolveLocked() {
	if c.resolved {
		return
	}
	c.resolved = true
	if c.timer != nil {
		c.timer.Stop()
	}
	close(c.done)
}

// C is closed on resolution.
func (c *Countdown) C() <-chan struct{} { return c.done }

// Wait blocks until resolution or ctx is done.
func (c *Countdown) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Countdown) TimedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timedOut
}

// Completed returns how many completions were recorded.
func (c *Countdown) Completed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Countdown) Total() int { return c.total }
