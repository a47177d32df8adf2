// Package models defines the domain entities shared across services,
// the proxy engine, and the scheduler.
package models

import "time"

// Project is the tenant boundary. Every MCP server, tool preference, and
// session belongs to exactly one project.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`

	// Auth policy flags. SSE GET and message POST are gated independently.
	SSEAuthRequired     bool `json:"sse_auth_required"`
	MessageAuthRequired bool `json:"message_auth_required"`

	// APIKeyHash is the SHA-256 hash of the project API key, or empty when
	// no key is issued. Never serialized.
	APIKeyHash string `json:"-"`

	// UnifiedMCPEnabled gates the /unified endpoints for this project.
	UnifiedMCPEnabled bool `json:"unified_mcp_enabled"`

	// AllowedIPRanges restricts which client networks may connect.
	// Nil or empty means no restriction. Entries are CIDR strings.
	AllowedIPRanges []string `json:"allowed_ip_ranges,omitempty"`

	// Instructions is an optional operator-supplied string surfaced in the
	// MCP initialize result for clients that display server instructions.
	Instructions string `json:"instructions,omitempty"`

	// ValidateToolArgs enables JSON Schema validation of tools/call arguments
	// against each tool's discovered input schema before dispatch.
	ValidateToolArgs bool `json:"validate_tool_args"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
