// session.go maintains the persisted session record: a short-lived
// identity linking events captured in one period of activity, rotated
// after an inactivity timeout.

package faultline

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/faultline-io/faultline-go/pkg/faultline/clock"
)

// Session is the persisted session metadata.
type Session struct {
	ID           string `json:"id"`
	StartedAt    int64  `json:"started_at"`
	LastActiveAt int64  `json:"last_active_at"`
	PageViews    int    `json:"page_views"`
	ErrorCount   int    `json:"error_count"`
}

// sessionManager owns the current session. A touch after the inactivity
// timeout mints a new session id. Persistence failures are logged and
// the session continues in memory.
type sessionManager struct {
	mu      sync.Mutex
	current Session

	store   Store // nil means memory-only
	key     string
	timeout time.Duration
	clk     clock.Clock
	logger  *zap.Logger
}

func newSessionManager(store Store, key string, timeout time.Duration, clk clock.Clock, logger *zap.Logger) *sessionManager {
	m := &sessionManager{
		store:   store,
		key:     key,
		timeout: timeout,
		clk:     clk,
		logger:  logger,
	}
	m.restore()
	return m
}

// Current returns a copy of the session after applying the inactivity
// check.
func (m *sessionManager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateIfExpiredLocked()
	return m.current
}

// Touch marks activity, rotating the session first if it expired.
func (m *sessionManager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateIfExpiredLocked()
	m.current.LastActiveAt = m.clk.Now().UnixMilli()
	m.persistLocked()
}

// RecordError bumps the session error counter.
func (m *sessionManager) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateIfExpiredLocked()
	m.current.ErrorCount++
	m.current.LastActiveAt = m.clk.Now().UnixMilli()
	m.persistLocked()
}

// RecordPageView bumps the session page-view counter.
func (m *sessionManager) RecordPageView() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateIfExpiredLocked()
	m.current.PageViews++
	m.current.LastActiveAt = m.clk.Now().UnixMilli()
	m.persistLocked()
}

func (m *sessionManager) rotateIfExpiredLocked() {
	now := m.clk.Now()
	if m.current.ID != "" && now.UnixMilli()-m.current.LastActiveAt <= m.timeout.Milliseconds() {
		return
	}
	m.current = Session{
		ID:           uuid.NewString(),
		StartedAt:    now.UnixMilli(),
		LastActiveAt: now.UnixMilli(),
	}
}

func (m *sessionManager) restore() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store != nil {
		raw, err := m.store.Get(m.key)
		if err == nil {
			var restored Session
			if jsonErr := json.Unmarshal([]byte(raw), &restored); jsonErr == nil && restored.ID != "" {
				m.current = restored
			} else {
				m.logger.Warn("persisted session is corrupt, starting fresh")
			}
		} else if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("session restore failed", zap.Error(err))
		}
	}

	m.rotateIfExpiredLocked()
	m.persistLocked()
}

func (m *sessionManager) persistLocked() {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(m.current)
	if err != nil {
		m.logger.Warn("session serialization failed", zap.Error(err))
		return
	}
	if err := m.store.Set(m.key, string(raw)); err != nil {
		m.logger.Warn("session persistence failed", zap.Error(err))
	}
}
