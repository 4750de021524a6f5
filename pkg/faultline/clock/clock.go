// clock.go defines the Clock interface and its timer/ticker handle types.

package clock

import "time"

// Clock is the time source injected into every component that schedules
// work. Code under pkg/faultline never calls the time package for
// scheduling directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once, after d has elapsed.
	// A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run once after d. The returned Timer
	// cancels the pending call via Stop. The Timer's C field is nil,
	// matching time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering on C every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a handle to a pending AfterFunc call.
type Timer struct {
	// C is nil for AfterFunc timers, mirroring the time package.
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. It reports whether the call prevented the
// timer from firing.
func (t *Timer) Stop() bool { return t.stop() }

// Reset re-arms the timer to fire after d. It reports whether the timer
// was still pending.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Ticker delivers periodic ticks on C until Stop is called. C is
// buffered with capacity 1; a slow consumer drops ticks rather than
// accumulating them.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }
