package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConduitYAMLConfig represents the complete conduit.yaml file structure.
// Everything in it is optional; unset sections fall back to built-in defaults.
type ConduitYAMLConfig struct {
	MCP      *MCPConfig          `yaml:"mcp"`
	Security *SecurityYAMLConfig `yaml:"security"`
	System   *SystemYAMLConfig   `yaml:"system"`
	Masking  *MaskingYAMLConfig  `yaml:"masking"`
}

// SecurityYAMLConfig holds security settings from YAML. Booleans are pointers
// so an explicit false can override a true default.
type SecurityYAMLConfig struct {
	EncryptionKeyEnv   string   `yaml:"encryption_key_env,omitempty"`
	AuthSecretEnv      string   `yaml:"auth_secret_env,omitempty"`
	APIKeyHeader       string   `yaml:"api_key_header,omitempty"`
	TrustProxyHeaders  *bool    `yaml:"trust_proxy_headers,omitempty"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins,omitempty"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	AllowedWSOrigins []string         `yaml:"allowed_ws_origins"`
	Slack            *SlackYAMLConfig `yaml:"slack"`
	Retention        *RetentionConfig `yaml:"retention"`
}

// SlackYAMLConfig holds Slack notification settings from YAML.
type SlackYAMLConfig struct {
	Enabled        *bool  `yaml:"enabled,omitempty"`
	TokenEnv       string `yaml:"token_env,omitempty"`
	Channel        string `yaml:"channel,omitempty"`
	NotifyCooldown string `yaml:"notify_cooldown,omitempty"` // Parsed to time.Duration
}

// MaskingYAMLConfig holds masking settings from YAML.
type MaskingYAMLConfig struct {
	Enabled        *bool           `yaml:"enabled,omitempty"`
	PatternGroup   string          `yaml:"pattern_group,omitempty"`
	CustomPatterns []CustomPattern `yaml:"custom_patterns,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load conduit.yaml from configDir (missing file means pure defaults)
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user-defined values over built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"namespace_separator", cfg.MCP.NamespaceSeparator,
		"masking_enabled", cfg.Masking.Enabled,
		"slack_enabled", cfg.System.Slack.Enabled)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	fileConfig, err := loader.loadConduitYAML()
	if err != nil {
		return nil, NewLoadError("conduit.yaml", err)
	}

	// Resolve each section (merge user YAML over built-in defaults)
	mcpCfg := DefaultMCPConfig()
	if fileConfig.MCP != nil {
		if err := mergo.Merge(mcpCfg, fileConfig.MCP, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge mcp config: %w", err)
		}
	}

	securityCfg := resolveSecurityConfig(fileConfig.Security)
	maskingCfg := resolveMaskingConfig(fileConfig.Masking)
	systemCfg := resolveSystemConfig(fileConfig.System)

	return &Config{
		configDir: configDir,
		MCP:       mcpCfg,
		Security:  securityCfg,
		System:    systemCfg,
		Masking:   maskingCfg,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) (found bool, err error) {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return true, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return true, nil
}

func (l *configLoader) loadConduitYAML() (*ConduitYAMLConfig, error) {
	var config ConduitYAMLConfig

	found, err := l.loadYAML("conduit.yaml", &config)
	if err != nil {
		return nil, err
	}
	if !found {
		slog.Info("No conduit.yaml found, using built-in defaults", "config_dir", l.configDir)
	}

	return &config, nil
}

// resolveSystemConfig resolves system configuration from YAML, applying defaults.
func resolveSystemConfig(sys *SystemYAMLConfig) *SystemConfig {
	cfg := DefaultSystemConfig()

	if sys == nil {
		return cfg
	}

	if len(sys.AllowedWSOrigins) > 0 {
		cfg.AllowedWSOrigins = sys.AllowedWSOrigins
	}
	cfg.Slack = resolveSlackConfig(sys.Slack)
	cfg.Retention = resolveRetentionConfig(sys.Retention)

	return cfg
}

// resolveSlackConfig resolves Slack configuration from YAML, applying defaults.
func resolveSlackConfig(s *SlackYAMLConfig) *SlackConfig {
	cfg := DefaultSystemConfig().Slack

	if s == nil {
		return cfg
	}

	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	if s.TokenEnv != "" {
		cfg.TokenEnv = s.TokenEnv
	}
	if s.Channel != "" {
		cfg.Channel = s.Channel
	}
	if s.NotifyCooldown != "" {
		if d, err := time.ParseDuration(s.NotifyCooldown); err == nil {
			cfg.NotifyCooldown = d
		} else {
			slog.Warn("Invalid notify_cooldown in slack config, using default",
				"value", s.NotifyCooldown,
				"default", cfg.NotifyCooldown,
				"error", err)
		}
	}

	return cfg
}

// resolveRetentionConfig resolves retention configuration from YAML, applying defaults.
func resolveRetentionConfig(r *RetentionConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()

	if r == nil {
		return cfg
	}

	if r.EventTTL > 0 {
		cfg.EventTTL = r.EventTTL
	}
	if r.LogRetentionDays > 0 {
		cfg.LogRetentionDays = r.LogRetentionDays
	}
	if r.CleanupInterval > 0 {
		cfg.CleanupInterval = r.CleanupInterval
	}

	return cfg
}

// resolveSecurityConfig resolves security configuration from YAML, applying defaults.
func resolveSecurityConfig(s *SecurityYAMLConfig) *SecurityConfig {
	cfg := DefaultSecurityConfig()

	if s == nil {
		return cfg
	}

	if s.EncryptionKeyEnv != "" {
		cfg.EncryptionKeyEnv = s.EncryptionKeyEnv
	}
	if s.AuthSecretEnv != "" {
		cfg.AuthSecretEnv = s.AuthSecretEnv
	}
	if s.APIKeyHeader != "" {
		cfg.APIKeyHeader = s.APIKeyHeader
	}
	if s.TrustProxyHeaders != nil {
		cfg.TrustProxyHeaders = *s.TrustProxyHeaders
	}
	if len(s.CORSAllowedOrigins) > 0 {
		cfg.CORSAllowedOrigins = s.CORSAllowedOrigins
	}

	return cfg
}

// resolveMaskingConfig resolves masking configuration from YAML, applying defaults.
func resolveMaskingConfig(m *MaskingYAMLConfig) *MaskingConfig {
	cfg := DefaultMaskingConfig()

	if m == nil {
		return cfg
	}

	if m.Enabled != nil {
		cfg.Enabled = *m.Enabled
	}
	if m.PatternGroup != "" {
		cfg.PatternGroup = m.PatternGroup
	}
	cfg.CustomPatterns = m.CustomPatterns

	return cfg
}
