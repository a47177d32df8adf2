package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Warning categories surfaced in /health/detailed.
const (
	WarningCategoryServerHealth = "server_health" // scheduler marked a server error/inactive
	WarningCategoryScheduler    = "scheduler"     // the check job itself misbehaved
	WarningCategoryEvents       = "events"        // event stream publish/listen degraded
)

// SystemWarning is a non-fatal orchestrator-level issue worth showing an
// operator.
type SystemWarning struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	ServerID  string    `json:"server_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SystemWarningsService manages in-memory system warnings.
// Thread-safe. Not persisted; warnings are transient and reset on restart.
type SystemWarningsService struct {
	mu       sync.RWMutex
	warnings map[string]*SystemWarning // warningID → warning
}

// NewSystemWarningsService creates a new SystemWarningsService.
func NewSystemWarningsService() *SystemWarningsService {
	return &SystemWarningsService{
		warnings: make(map[string]*SystemWarning),
	}
}

// AddWarning adds a warning and returns its ID. A warning with the same
// category+serverID replaces the previous one so repeat failures don't pile
// up.
func (s *SystemWarningsService) AddWarning(category, message, details, serverID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.warnings {
		if w.Category == category && w.ServerID == serverID {
			delete(s.warnings, id)
			break
		}
	}

	id := uuid.New().String()
	s.warnings[id] = &SystemWarning{
		ID:        id,
		Category:  category,
		Message:   message,
		Details:   details,
		ServerID:  serverID,
		CreatedAt: time.Now(),
	}
	return id
}

// GetWarnings returns all active warnings as value copies.
func (s *SystemWarningsService) GetWarnings() []*SystemWarning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*SystemWarning, 0, len(s.warnings))
	for _, w := range s.warnings {
		cp := *w
		result = append(result, &cp)
	}
	return result
}

// ClearByServerID removes a warning matching category + serverID, typically
// after the scheduler sees the server recover. Returns true if a warning was
// removed.
func (s *SystemWarningsService) ClearByServerID(category, serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.warnings {
		if w.Category == category && w.ServerID == serverID {
			delete(s.warnings, id)
			return true
		}
	}
	return false
}
