package events

// ServerStatusPayload is the payload for server.status events. Published
// when a server's persisted status changes (scheduler probe, proxy failure).
type ServerStatusPayload struct {
	Type       string `json:"type"` // always EventTypeServerStatus
	ProjectID  string `json:"project_id"`
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`
	Status     string `json:"status"` // active, inactive, error, starting, stopping
	LastError  string `json:"last_error,omitempty"`
	ToolCount  int    `json:"tool_count"`
	Timestamp  string `json:"timestamp"` // RFC3339Nano
}

// ToolCallCompletedPayload is the payload for tool_call.completed events.
type ToolCallCompletedPayload struct {
	Type            string `json:"type"` // always EventTypeToolCallCompleted
	ProjectID       string `json:"project_id"`
	ServerID        string `json:"server_id"`
	ToolName        string `json:"tool_name"`
	Status          string `json:"status"` // success, failed
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	Error           string `json:"error,omitempty"`
	Timestamp       string `json:"timestamp"` // RFC3339Nano
}

// SchedulerRunPayload is the transient payload for scheduler.run events,
// published to the global servers channel after each run.
type SchedulerRunPayload struct {
	Type           string `json:"type"`       // always EventTypeSchedulerRun
	StartedAt      string `json:"started_at"` // RFC3339Nano
	DurationMS     int64  `json:"duration_ms"`
	ServersChecked int    `json:"servers_checked"`
	ServersUpdated int    `json:"servers_updated"`
	ServersErrored int    `json:"servers_errored"`
	ToolsSynced    int    `json:"tools_synced"`
	Timestamp      string `json:"timestamp"` // RFC3339Nano
}

// SessionLifecyclePayload is the transient payload for session.opened and
// session.closed events on the owning project's channel.
type SessionLifecyclePayload struct {
	Type      string `json:"type"` // EventTypeSessionOpened or EventTypeSessionClosed
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	ServerID  string `json:"server_id,omitempty"` // empty for unified sessions
	Unified   bool   `json:"unified"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}
