// dedup.go suppresses repeat emission of the same fingerprint within a
// sliding time window, bounding both event volume and tracking memory.

package faultline

import (
	"sync"
	"time"

	"github.com/faultline-io/faultline-go/pkg/faultline/clock"
)

type dedupEntry struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

// Deduper tracks per-fingerprint occurrence counts. Within the window
// since a fingerprint's first occurrence, at most maxCount captures are
// admitted; once the window elapses the counter resets and the next
// occurrence starts a fresh window. Safe for concurrent use.
type Deduper struct {
	mu      sync.Mutex
	entries map[string]*dedupEntry

	window   time.Duration
	maxCount int
	clk      clock.Clock

	sweep     *clock.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// NewDeduper starts a Deduper with a background sweep that prunes
// fingerprints idle longer than the window. Call Close to stop it.
func NewDeduper(window time.Duration, maxCount int, sweepInterval time.Duration, clk clock.Clock) *Deduper {
	d := &Deduper{
		entries:  make(map[string]*dedupEntry),
		window:   window,
		maxCount: maxCount,
		clk:      clk,
		sweep:    clk.NewTicker(sweepInterval),
		done:     make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

// ShouldCapture reports whether an occurrence of fingerprint should be
// emitted, updating the occurrence counter either way.
func (d *Deduper) ShouldCapture(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clk.Now()
	e, ok := d.entries[fingerprint]
	if !ok || now.Sub(e.firstSeen) >= d.window {
		d.entries[fingerprint] = &dedupEntry{count: 1, firstSeen: now, lastSeen: now}
		return true
	}

	e.count++
	e.lastSeen = now
	return e.count <= d.maxCount
}

// Prune removes entries whose last occurrence is older than the window.
// The background sweep calls this periodically; exposed for callers that
// want an immediate trim.
func (d *Deduper) Prune() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.clk.Now().Add(-d.window)
	for fp, e := range d.entries {
		if e.lastSeen.Before(cutoff) {
			delete(d.entries, fp)
		}
	}
}

// Close stops the background sweep. Idempotent.
func (d *Deduper) Close() {
	d.closeOnce.Do(func() {
		d.sweep.Stop()
		close(d.done)
	})
}

func (d *Deduper) sweepLoop() {
	for {
		select {
		case <-d.done:
			return
		case <-d.sweep.C:
			d.Prune()
		}
	}
}

func (d *Deduper) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
