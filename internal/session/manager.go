package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicechat-backend/internal/metrics"
)

// Manager keeps the live sessions of this process. Nothing survives a restart.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	idleTTL  time.Duration
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
	stopChan chan struct{}
	stopOnce sync.Once
	onExpire func(uuid.UUID)
}

func NewManager(idleTTL time.Duration, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[uuid.UUID]*Session),
		idleTTL:  idleTTL,
		now:      time.Now,
		logger:   logger.Named("sessions"),
		metrics:  m,
		stopChan: make(chan struct{}),
	}
}

// Create starts a session with a fresh conversation.
func (m *Manager) Create() *Session {
	s := newSession(m.now())

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.metrics.SessionOpened()
	m.logger.Info("session created", zap.String("session_id", s.ID.String()))
	return s
}

// Get returns the session and marks it as active.
func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.touch(m.now())
	return s, nil
}

// End drops the session and its conversation.
func (m *Manager) End(id uuid.UUID) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	m.metrics.SessionClosed(false)
	m.logger.Info("session ended", zap.String("session_id", id.String()))
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// OnExpire registers fn to be called with the ID of every session the
// sweeper removes. It must be set before Start.
func (m *Manager) OnExpire(fn func(uuid.UUID)) {
	m.onExpire = fn
}

// Start runs the idle sweeper until Stop is called.
func (m *Manager) Start() {
	if m.idleTTL <= 0 {
		return
	}
	interval := m.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopChan:
				return
			case <-ticker.C:
				if n := m.sweep(); n > 0 {
					m.logger.Info("expired idle sessions", zap.Int("count", n))
				}
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// sweep removes sessions idle for longer than the TTL. Sessions with a
// turn in flight are kept. The expire hook runs after the lock is released.
func (m *Manager) sweep() int {
	cutoff := m.now().Add(-m.idleTTL)

	m.mu.Lock()
	var expired []uuid.UUID
	for id, s := range m.sessions {
		if s.Busy() || s.LastSeen().After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		m.metrics.SessionClosed(true)
		expired = append(expired, id)
	}
	m.mu.Unlock()

	if m.onExpire != nil {
		for _, id := range expired {
			m.onExpire(id)
		}
	}
	return len(expired)
}
