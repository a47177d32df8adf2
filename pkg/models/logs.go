package models

import (
	"encoding/json"
	"time"
)

// LogLevel classifies a ServerLog entry.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Server log categories written by the proxy and the scheduler.
const (
	LogCategoryLifecycle = "lifecycle"
	LogCategoryDiscovery = "discovery"
	LogCategoryToolCall  = "tool_call"
	LogCategoryHealth    = "health"
)

// ServerLog is an append-only operational log line for one server.
type ServerLog struct {
	ID        int64           `json:"id"`
	ServerID  string          `json:"server_id"`
	ProjectID string          `json:"project_id"`
	Level     LogLevel        `json:"level"`
	Category  string          `json:"category"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ToolCallStatus is the outcome of one proxied tool call.
type ToolCallStatus string

const (
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallFailed  ToolCallStatus = "failed"
)

// ToolCallLog is an append-only record of one tools/call proxied to a child.
// Input and output pass through the masking service before persistence.
type ToolCallLog struct {
	ID              int64           `json:"id"`
	ServerID        string          `json:"server_id"`
	ProjectID       string          `json:"project_id"`
	ToolName        string          `json:"tool_name"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Status          ToolCallStatus  `json:"status"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SchedulerRun is the job-history record appended after every
// check_all_servers execution.
type SchedulerRun struct {
	ID             int64     `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	DurationMS     int64     `json:"duration_ms"`
	ServersChecked int       `json:"servers_checked"`
	ServersUpdated int       `json:"servers_updated"`
	ServersErrored int       `json:"servers_errored"`
	ToolsSynced    int       `json:"tools_synced"`
}
