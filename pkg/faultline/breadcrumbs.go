// breadcrumbs.go implements the bounded trail of recent events attached
// to every captured error. Two independent bounds apply on every insert:
// entries older than the retention age are dropped, then the oldest
// entries are dropped until the count bound holds.

package faultline

import (
	"sync"
	"time"

	"github.com/faultline-io/faultline-go/pkg/faultline/clock"
)

// BreadcrumbBuffer is an age- and count-bounded ring of breadcrumbs.
// A background sweep ages out entries even when the buffer is idle, so a
// quiet application does not pin stale trail data. Safe for concurrent
// use.
type BreadcrumbBuffer struct {
	mu     sync.Mutex
	crumbs []Breadcrumb

	maxCount int
	maxAge   time.Duration
	clk      clock.Clock

	sweep     *clock.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// NewBreadcrumbBuffer starts a buffer with the given bounds and a sweep
// every sweepInterval. Call Close to release the sweep.
func NewBreadcrumbBuffer(maxCount int, maxAge, sweepInterval time.Duration, clk clock.Clock) *BreadcrumbBuffer {
	b := &BreadcrumbBuffer{
		maxCount: maxCount,
		maxAge:   maxAge,
		clk:      clk,
		sweep:    clk.NewTicker(sweepInterval),
		done:     make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Add appends a breadcrumb and applies both eviction bounds.
func (b *BreadcrumbBuffer) Add(crumb Breadcrumb) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.crumbs = append(b.crumbs, crumb)
	b.evictAgedLocked(b.clk.Now())
	for len(b.crumbs) > b.maxCount {
		b.crumbs = b.crumbs[1:]
	}
}

// All returns a snapshot of the current trail, oldest first. The caller
// owns the returned slice.
func (b *BreadcrumbBuffer) All() []Breadcrumb {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Breadcrumb, len(b.crumbs))
	copy(out, b.crumbs)
	return out
}

// Len returns the current number of retained breadcrumbs.
func (b *BreadcrumbBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.crumbs)
}

// Clear empties the buffer.
func (b *BreadcrumbBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.crumbs = nil
}

// Close stops the background sweep. Idempotent.
func (b *BreadcrumbBuffer) Close() {
	b.closeOnce.Do(func() {
		b.sweep.Stop()
		close(b.done)
	})
}

// sweepOnce drops aged entries; the background loop calls it on each
// tick so idle buffers still shrink.
func (b *BreadcrumbBuffer) sweepOnce() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictAgedLocked(b.clk.Now())
}

func (b *BreadcrumbBuffer) evictAgedLocked(now time.Time) {
	cutoff := now.Add(-b.maxAge).UnixMilli()
	drop := 0
	for drop < len(b.crumbs) && b.crumbs[drop].Timestamp < cutoff {
		drop++
	}
	if drop > 0 {
		b.crumbs = append([]Breadcrumb(nil), b.crumbs[drop:]...)
	}
}

func (b *BreadcrumbBuffer) sweepLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.sweep.C:
			b.sweepOnce()
		}
	}
}
