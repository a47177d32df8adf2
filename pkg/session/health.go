package session

import (
	"sync"
	"time"

	"github.com/conduit-mcp/conduit/pkg/mcp"
)

// HealthStatus is the session-local view of one server's recent behavior.
type HealthStatus string

const (
	StatusHealthy    HealthStatus = "healthy"
	StatusDegraded   HealthStatus = "degraded"
	StatusFailed     HealthStatus = "failed"
	StatusRecovering HealthStatus = "recovering"
)

const (
	// degradedThreshold and failedThreshold are consecutive-failure counts.
	degradedThreshold = 3
	failedThreshold   = 5

	// failedCooldown is how long a failed server is skipped before it gets
	// one recovery attempt.
	failedCooldown = 5 * time.Minute
)

// ServerHealth tracks one server within one unified session. Never persisted;
// a new session starts every server fresh.
type ServerHealth struct {
	Status              HealthStatus  `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastErrorType       mcp.ErrorType `json:"last_error_type,omitempty"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	ToolsAvailable      int           `json:"tools_available"`

	failedAt time.Time
}

// HealthMap guards the per-server health entries of one unified session.
// Entries appear lazily on the first recorded outcome; a server with no entry
// is treated as healthy.
type HealthMap struct {
	mu      sync.Mutex
	servers map[string]*ServerHealth

	// cooldown is shortened in tests.
	cooldown time.Duration
}

func NewHealthMap() *HealthMap {
	return &HealthMap{
		servers:  make(map[string]*ServerHealth),
		cooldown: failedCooldown,
	}
}

func (h *HealthMap) entry(serverID string) *ServerHealth {
	s, ok := h.servers[serverID]
	if !ok {
		s = &ServerHealth{Status: StatusHealthy}
		h.servers[serverID] = s
	}
	return s
}

// RecordSuccess resets the failure streak and marks the server healthy.
func (h *HealthMap) RecordSuccess(serverID string, toolsAvailable int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.reset(serverID)
	s.ToolsAvailable = toolsAvailable
}

// RecordCallSuccess is RecordSuccess for outcomes that carry no tool count
// (a tools/call round trip); the last known count stands.
func (h *HealthMap) RecordCallSuccess(serverID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reset(serverID)
}

func (h *HealthMap) reset(serverID string) *ServerHealth {
	s := h.entry(serverID)
	s.Status = StatusHealthy
	s.ConsecutiveFailures = 0
	s.LastErrorType = ""
	s.LastSuccess = time.Now()
	return s
}

// RecordFailure extends the failure streak and degrades the status once the
// thresholds are crossed. Entering (or staying in) failed refreshes the
// cooldown clock.
func (h *HealthMap) RecordFailure(serverID string, errType mcp.ErrorType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.entry(serverID)
	s.ConsecutiveFailures++
	s.LastErrorType = errType

	switch {
	case s.ConsecutiveFailures >= failedThreshold:
		s.Status = StatusFailed
		s.failedAt = time.Now()
	case s.ConsecutiveFailures >= degradedThreshold:
		s.Status = StatusDegraded
	}
}

// ShouldSkip reports whether the server is sitting out its failure cooldown.
// Once the cooldown elapses the server flips to recovering and gets traffic
// again; the next outcome decides where it goes from there.
func (h *HealthMap) ShouldSkip(serverID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.servers[serverID]
	if !ok || s.Status != StatusFailed {
		return false
	}
	if time.Since(s.failedAt) < h.cooldown {
		return true
	}
	s.Status = StatusRecovering
	return false
}

// Get returns a copy of the server's health entry.
func (h *HealthMap) Get(serverID string) (ServerHealth, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.servers[serverID]
	if !ok {
		return ServerHealth{}, false
	}
	return *s, true
}

// Snapshot returns a copy of every entry, keyed by server id.
func (h *HealthMap) Snapshot() map[string]ServerHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]ServerHealth, len(h.servers))
	for id, s := range h.servers {
		out[id] = *s
	}
	return out
}
