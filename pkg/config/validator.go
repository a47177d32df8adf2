package config

import (
	"fmt"
	"regexp"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateMCP(); err != nil {
		return fmt.Errorf("mcp validation failed: %w", err)
	}

	if err := v.validateSecurity(); err != nil {
		return fmt.Errorf("security validation failed: %w", err)
	}

	if err := v.validateMasking(); err != nil {
		return fmt.Errorf("masking validation failed: %w", err)
	}

	if err := v.validateSlack(); err != nil {
		return fmt.Errorf("slack validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateMCP() error {
	m := v.cfg.MCP

	if m.NamespaceSeparator != "." && m.NamespaceSeparator != "__" {
		return NewValidationError("mcp", "namespace_separator", ErrInvalidSeparator)
	}
	if m.DefaultTimeoutS <= 0 {
		return NewValidationError("mcp", "default_timeout_s", fmt.Errorf("must be positive, got %d", m.DefaultTimeoutS))
	}
	if m.ProbeTimeout <= 0 {
		return NewValidationError("mcp", "probe_timeout", fmt.Errorf("must be positive, got %v", m.ProbeTimeout))
	}
	if m.SessionQueueSize <= 0 {
		return NewValidationError("mcp", "session_queue_size", fmt.Errorf("must be positive, got %d", m.SessionQueueSize))
	}
	if m.KeepaliveInterval <= 0 {
		return NewValidationError("mcp", "keepalive_interval", fmt.Errorf("must be positive, got %v", m.KeepaliveInterval))
	}
	if m.IdleChildTTL < 0 {
		return NewValidationError("mcp", "idle_child_ttl", fmt.Errorf("must not be negative, got %v", m.IdleChildTTL))
	}

	return nil
}

func (v *ConfigValidator) validateSecurity() error {
	s := v.cfg.Security

	if s.EncryptionKeyEnv == "" {
		return NewValidationError("security", "encryption_key_env", fmt.Errorf("must not be empty"))
	}
	if s.AuthSecretEnv == "" {
		return NewValidationError("security", "auth_secret_env", fmt.Errorf("must not be empty"))
	}
	if s.APIKeyHeader == "" {
		return NewValidationError("security", "api_key_header", fmt.Errorf("must not be empty"))
	}

	return nil
}

func (v *ConfigValidator) validateMasking() error {
	m := v.cfg.Masking

	if m.PatternGroup != "basic" && m.PatternGroup != "security" {
		return NewValidationError("masking", "pattern_group",
			fmt.Errorf("unknown group %q (want \"basic\" or \"security\")", m.PatternGroup))
	}

	for _, p := range m.CustomPatterns {
		if p.Name == "" {
			return NewValidationError("masking", "custom_patterns", fmt.Errorf("pattern name must not be empty"))
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return NewValidationError("masking", "custom_patterns",
				fmt.Errorf("%w: %s: %v", ErrInvalidPattern, p.Name, err))
		}
	}

	return nil
}

func (v *ConfigValidator) validateSlack() error {
	s := v.cfg.System.Slack

	if s.Enabled && s.Channel == "" {
		return NewValidationError("system", "slack.channel", fmt.Errorf("required when slack is enabled"))
	}

	return nil
}
