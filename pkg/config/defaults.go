package config

import "time"

// DefaultMCPConfig returns the built-in proxy defaults.
func DefaultMCPConfig() *MCPConfig {
	return &MCPConfig{
		NamespaceSeparator: ".",
		DefaultTimeoutS:    30,
		ProbeTimeout:       10 * time.Second,
		SessionQueueSize:   100,
		KeepaliveInterval:  30 * time.Second,
		IdleChildTTL:       10 * time.Minute,
	}
}

// DefaultSecurityConfig returns the built-in security defaults.
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		EncryptionKeyEnv:  "CONDUIT_ENCRYPTION_KEY",
		AuthSecretEnv:     "CONDUIT_AUTH_SECRET",
		APIKeyHeader:      "X-API-Key",
		TrustProxyHeaders: true,
	}
}

// DefaultSystemConfig returns the built-in system defaults.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		Slack: &SlackConfig{
			Enabled:        false,
			TokenEnv:       "SLACK_BOT_TOKEN",
			NotifyCooldown: 15 * time.Minute,
		},
		Retention: DefaultRetentionConfig(),
	}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventTTL:         24 * time.Hour,
		LogRetentionDays: 30,
		CleanupInterval:  1 * time.Hour,
	}
}

// DefaultMaskingConfig returns the built-in masking defaults.
func DefaultMaskingConfig() *MaskingConfig {
	return &MaskingConfig{
		Enabled:      true,
		PatternGroup: "security",
	}
}
