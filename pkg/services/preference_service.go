package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/conduit-mcp/conduit/pkg/models"
)

// PreferenceService manages per-project tool enable/disable overrides.
// A tool with no stored preference row is enabled.
type PreferenceService struct {
	db *sql.DB
}

// NewPreferenceService creates a new PreferenceService
func NewPreferenceService(db *sql.DB) *PreferenceService {
	return &PreferenceService{db: db}
}

// Set stores or replaces one preference row.
func (s *PreferenceService) Set(ctx context.Context, pref models.ToolPreference) error {
	if pref.ToolName == "" {
		return NewValidationError("tool_name", "must not be empty")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_preferences (project_id, server_id, tool_name, is_enabled, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (project_id, server_id, tool_name) DO UPDATE
			SET is_enabled = EXCLUDED.is_enabled, updated_at = EXCLUDED.updated_at`,
		pref.ProjectID, pref.ServerID, pref.ToolName, pref.IsEnabled, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set tool preference: %w", err)
	}
	return nil
}

// Clear removes one preference row, restoring the default-enabled state.
func (s *PreferenceService) Clear(ctx context.Context, projectID, serverID, toolName string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_preferences
		 WHERE project_id = $1 AND server_id = $2 AND tool_name = $3`,
		projectID, serverID, toolName)
	if err != nil {
		return fmt.Errorf("failed to clear tool preference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByProject returns all stored preference rows for a project.
func (s *PreferenceService) ListByProject(ctx context.Context, projectID string) ([]models.ToolPreference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, server_id, tool_name, is_enabled, updated_at
		 FROM tool_preferences WHERE project_id = $1 ORDER BY server_id, tool_name`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool preferences: %w", err)
	}
	defer rows.Close()

	var prefs []models.ToolPreference
	for rows.Next() {
		var p models.ToolPreference
		if err := rows.Scan(&p.ProjectID, &p.ServerID, &p.ToolName, &p.IsEnabled, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool preference: %w", err)
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// DisabledTools returns the set of explicitly disabled tool names for one
// server within a project. The tool filter treats everything else as enabled.
func (s *PreferenceService) DisabledTools(ctx context.Context, projectID, serverID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_name FROM tool_preferences
		 WHERE project_id = $1 AND server_id = $2 AND NOT is_enabled`,
		projectID, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query disabled tools: %w", err)
	}
	defer rows.Close()

	disabled := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan disabled tool: %w", err)
		}
		disabled[name] = true
	}
	return disabled, rows.Err()
}
