package models

import "encoding/json"

// CreateProjectRequest contains fields for creating a project.
type CreateProjectRequest struct {
	Name                string   `json:"name"`
	Slug                string   `json:"slug"`
	SSEAuthRequired     *bool    `json:"sse_auth_required,omitempty"`
	MessageAuthRequired *bool    `json:"message_auth_required,omitempty"`
	UnifiedMCPEnabled   *bool    `json:"unified_mcp_enabled,omitempty"`
	AllowedIPRanges     []string `json:"allowed_ip_ranges,omitempty"`
	Instructions        string   `json:"instructions,omitempty"`
	ValidateToolArgs    *bool    `json:"validate_tool_args,omitempty"`
}

// UpdateProjectRequest contains the mutable project fields. Nil pointers
// leave the stored value unchanged.
type UpdateProjectRequest struct {
	Name                *string   `json:"name,omitempty"`
	SSEAuthRequired     *bool     `json:"sse_auth_required,omitempty"`
	MessageAuthRequired *bool     `json:"message_auth_required,omitempty"`
	UnifiedMCPEnabled   *bool     `json:"unified_mcp_enabled,omitempty"`
	AllowedIPRanges     *[]string `json:"allowed_ip_ranges,omitempty"`
	Instructions        *string   `json:"instructions,omitempty"`
	ValidateToolArgs    *bool     `json:"validate_tool_args,omitempty"`
}

// CreateServerRequest contains fields for registering an MCP server.
type CreateServerRequest struct {
	ProjectID string            `json:"project_id"`
	Name      string            `json:"name"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutS  int               `json:"timeout_s,omitempty"`
	IsEnabled *bool             `json:"is_enabled,omitempty"`
}

// UpdateServerRequest contains the mutable server fields. Nil pointers leave
// the stored value unchanged; Args and Env replace the whole value.
type UpdateServerRequest struct {
	Name      *string            `json:"name,omitempty"`
	Command   *string            `json:"command,omitempty"`
	Args      *[]string          `json:"args,omitempty"`
	Env       *map[string]string `json:"env,omitempty"`
	TimeoutS  *int               `json:"timeout_s,omitempty"`
	IsEnabled *bool              `json:"is_enabled,omitempty"`
}

// DiscoveredTool is one tool as reported by a child's tools/list response.
type DiscoveredTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolCallEntry captures one proxied tools/call for the log service.
type ToolCallEntry struct {
	ServerID        string          `json:"server_id"`
	ProjectID       string          `json:"project_id"`
	ToolName        string          `json:"tool_name"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Status          ToolCallStatus  `json:"status"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	Error           string          `json:"error,omitempty"`
}
