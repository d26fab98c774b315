package chat

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Manager owns at most one live session, keyed by user id. Activating the
// same user returns the existing session; a different user tears the old
// session down and builds a fresh one, so there is never a second concurrent
// connection for one user.
type Manager struct {
	build  func(userID int64) (*Session, error)
	logger *zap.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager creates a manager using build to construct sessions.
func NewManager(build func(userID int64) (*Session, error), logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{build: build, logger: logger}
}

// Activate returns the session for userID, starting one if needed. The user
// id must be positive.
func (m *Manager) Activate(ctx context.Context, userID int64) (*Session, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("chat: invalid user id %d", userID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.UserID() == userID {
		return m.current, nil
	}
	if m.current != nil {
		m.logger.Info("switching user, closing previous session",
			zap.Int64("old_user_id", m.current.UserID()),
			zap.Int64("new_user_id", userID))
		_ = m.current.Close()
		m.current = nil
	}

	s, err := m.build(userID)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	m.current = s
	return s, nil
}

// Current returns the live session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close tears down the live session, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}
