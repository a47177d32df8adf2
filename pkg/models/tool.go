package models

import (
	"encoding/json"
	"time"
)

// McpTool is a tool discovered on an MCP server via tools/list.
// Rows are upserted by the scheduler; a tool absent from a successful
// discovery is deleted on that same run.
type McpTool struct {
	ID       string `json:"id"`
	ServerID string `json:"server_id"`

	// Name is unique per server (the child's original, un-namespaced name).
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// InputSchema is the tool's JSON Schema as returned by the child.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	DiscoveredAt time.Time `json:"discovered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`

	TotalCalls int64      `json:"total_calls"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// ToolPreference is a per-project enable/disable override for one tool.
// Absence of a row means the tool is enabled.
type ToolPreference struct {
	ProjectID string    `json:"project_id"`
	ServerID  string    `json:"server_id"`
	ToolName  string    `json:"tool_name"`
	IsEnabled bool      `json:"is_enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}
