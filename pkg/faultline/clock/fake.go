// fake.go implements a deterministic Clock for tests.

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only through
// Advance, which fires due timers and tickers in deadline order.
//
// AfterFunc callbacks run synchronously inside Advance, so a test can
// Advance past a debounce deadline and immediately observe the effect.
// Callbacks must not call Advance themselves.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

// FakeClock is a manually advanced Clock. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time // nil for AfterFunc entries
	fn       func()         // nil for channel entries
	interval time.Duration  // non-zero for tickers
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives when Advance moves the clock to
// or past the deadline. A non-positive d delivers immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, &fakeTimer{deadline: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules f to run during a future Advance. A non-positive d
// runs f synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		noop := &fakeTimer{fired: true}
		return c.handleFor(noop)
	}
	ft := &fakeTimer{deadline: c.now.Add(d), fn: f}
	c.pending = append(c.pending, ft)
	c.mu.Unlock()
	return c.handleFor(ft)
}

func (c *FakeClock) handleFor(ft *fakeTimer) *Timer {
	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !ft.stopped && !ft.fired
			ft.stopped = true
			return active
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !ft.stopped && !ft.fired
			ft.stopped = false
			ft.fired = false
			ft.deadline = c.now.Add(d)
			if !active {
				c.pending = append(c.pending, ft)
			}
			return active
		},
	}
}

// NewTicker returns a Ticker that fires on each Advance crossing a
// multiple of d. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ft := &fakeTimer{deadline: c.now.Add(d), ch: ch, interval: d}
	c.pending = append(c.pending, ft)
	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ft.stopped = true
		},
	}
}

// Advance moves the clock forward by d, firing every due timer in
// deadline order. Tickers reschedule themselves; one-shot timers fire at
// most once.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		next := c.nextDueLocked(target)
		if next == nil {
			break
		}
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		next.fired = true
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
			next.fired = false
		}
		if next.ch != nil {
			select {
			case next.ch <- c.now:
			default: // slow consumer, drop the tick
			}
		}
		if next.fn != nil {
			fn := next.fn
			c.mu.Unlock()
			fn()
			c.mu.Lock()
		}
	}

	c.now = target
	c.compactLocked()
	c.mu.Unlock()
}

// nextDueLocked returns the earliest unfired, unstopped timer due at or
// before target, or nil when none remain.
func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	due := make([]*fakeTimer, 0, len(c.pending))
	for _, ft := range c.pending {
		if !ft.stopped && !ft.fired && !ft.deadline.After(target) {
			due = append(due, ft)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due[0]
}

func (c *FakeClock) compactLocked() {
	kept := c.pending[:0]
	for _, ft := range c.pending {
		if !ft.stopped && (!ft.fired || ft.interval > 0) {
			kept = append(kept, ft)
		}
	}
	c.pending = kept
}
