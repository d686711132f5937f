package capture

import (
	"sync"
	"time"
)

// Countdown counts wall-clock seconds down to zero. The expiry callback
// fires exactly once, and never after Stop. Tick and expiry callbacks
// run on the countdown's own goroutine; callers must not block in them.
type Countdown struct {
	mu        sync.Mutex
	remaining int
	interval  time.Duration
	stopped   bool
	done      chan struct{}

	onTick   func(remaining int)
	onExpire func()
}

// NewCountdown creates a countdown from seconds to zero, ticking once
// per interval. A zero interval means one second. Callbacks may be nil.
func NewCountdown(seconds int, interval time.Duration, onTick func(int), onExpire func()) *Countdown {
	if interval <= 0 {
		interval = time.Second
	}
	return &Countdown{
		remaining: seconds,
		interval:  interval,
		done:      make(chan struct{}),
		onTick:    onTick,
		onExpire:  onExpire,
	}
}

// Start begins ticking. Calling Start more than once is a bug; the
// countdown is single-use.
func (c *Countdown) Start() {
	go c.run()
}

func (c *Countdown) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			expired, remaining := c.decrement()
			if c.onTick != nil {
				c.onTick(remaining)
			}
			if expired {
				if c.onExpire != nil {
					c.onExpire()
				}
				return
			}
		}
	}
}

func (c *Countdown) decrement() (expired bool, remaining int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false, c.remaining
	}
	if c.remaining > 0 {
		c.remaining--
	}
	if c.remaining == 0 {
		c.stopped = true
		close(c.done)
		return true, 0
	}
	return false, c.remaining
}

// Stop cancels the countdown. Idempotent; once stopped the expiry
// callback will not fire.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.done)
}

// Remaining returns the seconds left. Non-increasing over the
// countdown's lifetime.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}
