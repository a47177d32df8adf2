package config

import "time"

// Config is the umbrella configuration object returned by Initialize() and
// passed to the components that need deployment settings. Per-project MCP
// servers live in the database, not here; this file covers process-wide knobs.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// MCP proxy defaults
	MCP *MCPConfig

	// Security settings (encryption key source, auth, CORS)
	Security *SecurityConfig

	// System-wide infrastructure settings
	System *SystemConfig

	// Masking settings for persisted logs
	Masking *MaskingConfig
}

// MCPConfig holds proxy-wide MCP defaults.
type MCPConfig struct {
	// NamespaceSeparator joins a server namespace and a tool name in unified
	// sessions. "." and "__" are supported.
	NamespaceSeparator string `yaml:"namespace_separator"`

	// DefaultTimeoutS applies to servers whose timeout_s is unset or invalid.
	DefaultTimeoutS int `yaml:"default_timeout_s"`

	// ProbeTimeout bounds the scheduler's spawn+initialize connection test.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// SessionQueueSize bounds each SSE session's outgoing message queue.
	// A full queue blocks the message POST handler (backpressure).
	SessionQueueSize int `yaml:"session_queue_size"`

	// KeepaliveInterval is the SSE comment cadence on idle streams.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// IdleChildTTL is how long an unused child process is kept alive before
	// the reaper closes it. Zero disables reaping.
	IdleChildTTL time.Duration `yaml:"idle_child_ttl"`
}

// SecurityConfig holds the security surface: where the symmetric encryption
// key and the auth token secret come from, and the CORS allowlist.
type SecurityConfig struct {
	// EncryptionKeyEnv names the environment variable holding the base64
	// AES-256 key used for args/env at rest.
	EncryptionKeyEnv string `yaml:"encryption_key_env"`

	// AuthSecretEnv names the environment variable holding the HMAC secret
	// for bearer token verification.
	AuthSecretEnv string `yaml:"auth_secret_env"`

	// APIKeyHeader is the request header checked for project API keys.
	APIKeyHeader string `yaml:"api_key_header"`

	// TrustProxyHeaders accepts X-Forwarded-User / X-Remote-User identities
	// set by an authenticating reverse proxy.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`

	// CORSAllowedOrigins is applied to the SSE and message endpoints.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// SystemConfig groups system-wide infrastructure settings.
type SystemConfig struct {
	// AllowedWSOrigins are additional origin patterns accepted on /ws.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	// Slack notification settings.
	Slack *SlackConfig `yaml:"slack"`

	// Retention for the events table and operational logs.
	Retention *RetentionConfig `yaml:"retention"`
}

// SlackConfig holds failure-notification settings.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`

	// NotifyCooldown suppresses repeat notifications for the same server.
	NotifyCooldown time.Duration `yaml:"notify_cooldown"`
}

// RetentionConfig controls the cleanup loop.
type RetentionConfig struct {
	// EventTTL is how long rows in the events table are kept.
	EventTTL time.Duration `yaml:"event_ttl"`

	// LogRetentionDays applies to server_logs and tool_call_logs.
	LogRetentionDays int `yaml:"log_retention_days"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MaskingConfig controls secret masking of persisted log payloads.
type MaskingConfig struct {
	Enabled bool `yaml:"enabled"`

	// PatternGroup selects a built-in pattern group ("basic" or "security").
	PatternGroup string `yaml:"pattern_group"`

	// CustomPatterns are additional operator-supplied patterns, applied after
	// the built-in group.
	CustomPatterns []CustomPattern `yaml:"custom_patterns"`
}

// CustomPattern is an operator-defined masking rule.
type CustomPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Separator returns the configured namespace separator.
func (c *Config) Separator() string {
	return c.MCP.NamespaceSeparator
}
