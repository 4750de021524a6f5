// queue.go is the bounded, durable holding area for events awaiting
// delivery. Every mutation re-persists the full queue; persistence
// failures degrade the queue to memory-only operation and are logged,
// never surfaced to callers.

package faultline

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/faultline-io/faultline-go/pkg/faultline/clock"
)

// Queue is a FIFO-evicting circular buffer of events backed by a Store.
// Inserting past the size bound silently evicts the oldest entry: the
// queue favors recency over completeness. Safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	events []ErrorEvent

	store  Store // nil means memory-only
	key    string
	max    int
	maxAge time.Duration
	clk    clock.Clock
	logger *zap.Logger
}

// NewQueue constructs a queue and restores any persisted events, dropping
// entries older than maxAge and rewriting the stored copy if the age
// filter narrowed the set. A nil store yields a memory-only queue.
func NewQueue(store Store, key string, max int, maxAge time.Duration, clk clock.Clock, logger *zap.Logger) *Queue {
	q := &Queue{
		store:  store,
		key:    key,
		max:    max,
		maxAge: maxAge,
		clk:    clk,
		logger: logger,
	}
	q.restore()
	return q
}

// Add appends an event, evicting the oldest entry if the queue is full,
// and persists the result.
func (q *Queue) Add(event ErrorEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = append(q.events, event)
	for len(q.events) > q.max {
		q.events = q.events[1:]
	}
	q.persistLocked()
}

// All returns a snapshot of the queued events in insertion order.
func (q *Queue) All() []ErrorEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]ErrorEvent, len(q.events))
	copy(out, q.events)
	return out
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Drain atomically returns everything and clears the queue.
func (q *Queue) Drain() []ErrorEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.events
	q.events = nil
	q.persistLocked()
	return out
}

// Remove deletes the entries with the given event ids, used after a
// partial delivery success.
func (q *Queue) Remove(ids []string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.events[:0]
	for _, ev := range q.events {
		if !drop[ev.EventID] {
			kept = append(kept, ev)
		}
	}
	q.events = kept
	q.persistLocked()
}

// Clear empties the queue and its persisted copy.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = nil
	q.persistLocked()
}

// restore loads the persisted queue. Corrupt stored data is discarded;
// entries past the age bound are filtered out, and the stored copy is
// rewritten when filtering narrowed the set.
func (q *Queue) restore() {
	if q.store == nil {
		return
	}

	raw, err := q.store.Get(q.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			q.logger.Warn("queue restore failed, starting empty", zap.Error(err))
		}
		return
	}

	var restored []ErrorEvent
	if err := json.Unmarshal([]byte(raw), &restored); err != nil {
		q.logger.Warn("persisted queue is corrupt, discarding", zap.Error(err))
		if err := q.store.Delete(q.key); err != nil {
			q.logger.Warn("failed to delete corrupt queue data", zap.Error(err))
		}
		return
	}

	cutoff := q.clk.Now().Add(-q.maxAge).UnixMilli()
	kept := restored[:0]
	for _, ev := range restored {
		if ev.Timestamp >= cutoff {
			kept = append(kept, ev)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = kept
	for len(q.events) > q.max {
		q.events = q.events[1:]
	}
	if len(q.events) != len(restored) {
		q.persistLocked()
	}
}

// persistLocked serializes the queue to the store. On quota exhaustion
// it evicts the oldest entry and retries until the write succeeds or the
// queue is empty, at which point the persisted key is removed. Any other
// failure leaves the queue memory-only for this mutation.
func (q *Queue) persistLocked() {
	if q.store == nil {
		return
	}

	for {
		if len(q.events) == 0 {
			if err := q.store.Delete(q.key); err != nil {
				q.logger.Warn("failed to clear persisted queue", zap.Error(err))
			}
			return
		}

		raw, err := json.Marshal(q.events)
		if err != nil {
			q.logger.Warn("queue serialization failed, keeping events in memory only", zap.Error(err))
			return
		}

		err = q.store.Set(q.key, string(raw))
		if err == nil {
			return
		}
		if errors.Is(err, ErrQuotaExceeded) {
			q.logger.Warn("storage quota exceeded, evicting oldest event",
				zap.Int("queue_length", len(q.events)))
			q.events = q.events[1:]
			continue
		}
		q.logger.Warn("queue persistence failed, continuing in memory", zap.Error(err))
		return
	}
}
