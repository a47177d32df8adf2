package models

import "time"

// ServerStatus is the persisted lifecycle status of an MCP server,
// maintained by the discovery scheduler.
type ServerStatus string

const (
	ServerStatusActive   ServerStatus = "active"
	ServerStatusInactive ServerStatus = "inactive"
	ServerStatusError    ServerStatus = "error"
	ServerStatusStarting ServerStatus = "starting"
	ServerStatusStopping ServerStatus = "stopping"
)

// Valid reports whether s is one of the known server statuses.
func (s ServerStatus) Valid() bool {
	switch s {
	case ServerStatusActive, ServerStatusInactive, ServerStatusError,
		ServerStatusStarting, ServerStatusStopping:
		return true
	}
	return false
}

// TransportType identifies how the orchestrator reaches an MCP server.
// Only stdio child processes are supported.
type TransportType string

const TransportStdio TransportType = "stdio"

// McpServer is a configured MCP child process owned by a project.
//
// Args and Env are stored encrypted at rest; the plaintext values on this
// struct are populated transiently by the server service when a caller needs
// to spawn the process. Persisted reads without decryption leave them nil.
type McpServer struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`

	// Name is unique within the project and is the basis for the unified
	// namespace prefix.
	Name string `json:"name"`

	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// TimeoutS bounds every JSON-RPC call issued on behalf of a client.
	TimeoutS  int           `json:"timeout_s"`
	IsEnabled bool          `json:"is_enabled"`
	Transport TransportType `json:"transport_type"`

	Status        ServerStatus `json:"status"`
	LastStartedAt *time.Time   `json:"last_started_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`

	TotalToolCalls int64      `json:"total_tool_calls"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
