// Package masking redacts secrets from tool results and log payloads before
// they are persisted or broadcast.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/conduit-mcp/conduit/pkg/config"
)

// redactionNotice replaces tool result content when masking itself fails.
const redactionNotice = "[REDACTED: data masking failure, tool result could not be safely processed]"

// Service applies data masking to tool results and log payloads.
// Created once at application startup (singleton). Thread-safe and stateless
// aside from compiled patterns.
type Service struct {
	enabled  bool
	patterns []*CompiledPattern // Group patterns followed by custom patterns
}

// NewService creates a masking service with eagerly compiled patterns.
// Invalid custom patterns are logged and skipped; built-in patterns are
// expected to always compile.
func NewService(cfg *config.MaskingConfig) *Service {
	s := &Service{enabled: cfg.Enabled}

	s.compileGroup(cfg.PatternGroup)
	s.compileCustom(cfg.CustomPatterns)

	slog.Info("Masking service initialized",
		"enabled", s.enabled,
		"pattern_group", cfg.PatternGroup,
		"compiled_patterns", len(s.patterns))

	return s
}

// compileGroup compiles the built-in patterns belonging to the named group.
func (s *Service) compileGroup(group string) {
	builtin := builtinPatterns()
	for _, name := range builtinGroups()[group] {
		p, ok := builtin[name]
		if !ok {
			continue
		}
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: p.Replacement,
			Description: p.Description,
		})
	}
}

// compileCustom compiles operator-supplied patterns. They run after the
// built-in group so operators can tighten, not loosen, the sweep.
func (s *Service) compileCustom(patterns []config.CustomPattern) {
	for i, p := range patterns {
		name := fmt.Sprintf("custom:%s", p.Name)
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"pattern", name, "index", i, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: p.Replacement,
			Description: "Custom pattern",
		})
	}
}

// MaskToolResult masks tool result content before it is persisted to the
// tool call log. On masking failure the content is replaced with a redaction
// notice (fail-closed): a tool result that cannot be safely processed must
// not reach storage.
func (s *Service) MaskToolResult(content string) string {
	if !s.enabled || content == "" {
		return content
	}

	masked, err := s.apply(content)
	if err != nil {
		slog.Error("Masking failed, redacting content (fail-closed)", "error", err)
		return redactionNotice
	}

	return masked
}

// MaskText masks free-form text such as error messages and event payloads.
// On masking failure the original text is returned (fail-open): operational
// visibility wins for diagnostics that are not tool output.
func (s *Service) MaskText(data string) string {
	if !s.enabled || data == "" {
		return data
	}

	masked, err := s.apply(data)
	if err != nil {
		slog.Error("Masking failed, continuing with unmasked text (fail-open)", "error", err)
		return data
	}

	return masked
}

// apply runs every compiled pattern over the content in order.
func (s *Service) apply(content string) (masked string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("masking panic: %v", r)
		}
	}()

	masked = content
	for _, pattern := range s.patterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked, nil
}
