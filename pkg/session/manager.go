package session

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrNotFound means no live session carries the given id.
	ErrNotFound = errors.New("session not found")

	// ErrClosed means the session was torn down while a producer was
	// enqueueing.
	ErrClosed = errors.New("session closed")

	// ErrQueueFull means a non-blocking enqueue found no room.
	ErrQueueFull = errors.New("session queue full")
)

// Manager is the registry of live SSE sessions. The POST handlers look
// sessions up here to reach their queues; shutdown closes everything.
type Manager struct {
	sessions map[string]*Transport
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Transport),
		logger:   logger,
	}
}

// Add registers a freshly created transport under its id.
func (m *Manager) Add(t *Transport) {
	m.mu.Lock()
	m.sessions[t.ID()] = t
	m.mu.Unlock()

	m.logger.Debug("SSE session registered",
		"session_id", t.ID(), "project_id", t.ProjectID(), "unified", t.Unified())
}

// Get retrieves a session by id.
func (m *Manager) Get(sessionID string) (*Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Remove deregisters a session. The caller closes the transport; Remove only
// forgets it.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if ok {
		m.logger.Debug("SSE session deregistered", "session_id", sessionID)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CountForProject returns the number of live sessions owned by one project.
func (m *Manager) CountForProject(projectID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, t := range m.sessions {
		if t.ProjectID() == projectID {
			n++
		}
	}
	return n
}

// CloseAll closes every session and clears the registry. The SSE writers
// observe the close and exit; their handlers run the usual cleanup.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Transport, 0, len(m.sessions))
	for _, t := range m.sessions {
		sessions = append(sessions, t)
	}
	m.sessions = make(map[string]*Transport)
	m.mu.Unlock()

	for _, t := range sessions {
		t.Close()
	}
	if len(sessions) > 0 {
		m.logger.Info("Closed all SSE sessions", "count", len(sessions))
	}
}
