package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-mcp/conduit/pkg/models"
)

// ToolService manages the discovered-tool catalog maintained by the scheduler.
type ToolService struct {
	db *sql.DB
}

// NewToolService creates a new ToolService
func NewToolService(db *sql.DB) *ToolService {
	return &ToolService{db: db}
}

const toolColumns = `id, server_id, name, description, input_schema,
	discovered_at, last_seen_at, total_calls, last_used_at`

// SyncResult summarizes one reconciliation of a server's tool catalog.
type SyncResult struct {
	Added   int
	Updated int
	Removed int
}

// Sync reconciles the stored catalog with a fresh tools/list response.
// Discovered tools are upserted; stored tools missing from the response are
// deleted. The whole reconciliation runs in one transaction so readers never
// observe a half-synced catalog.
func (s *ToolService) Sync(ctx context.Context, serverID string, discovered []models.DiscoveredTool) (SyncResult, error) {
	var result SyncResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin tool sync: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	seen := make([]string, 0, len(discovered))
	for _, tool := range discovered {
		if tool.Name == "" {
			continue
		}
		seen = append(seen, tool.Name)

		var inserted bool
		err := tx.QueryRowContext(ctx,
			`INSERT INTO mcp_tools (id, server_id, name, description, input_schema,
				discovered_at, last_seen_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $6)
			 ON CONFLICT (server_id, name) DO UPDATE
				SET description = EXCLUDED.description,
				    input_schema = EXCLUDED.input_schema,
				    last_seen_at = EXCLUDED.last_seen_at
			 RETURNING (xmax = 0)`,
			uuid.New().String(), serverID, tool.Name, tool.Description,
			nullableJSON(tool.InputSchema), now,
		).Scan(&inserted)
		if err != nil {
			return result, fmt.Errorf("failed to upsert tool %q: %w", tool.Name, err)
		}
		if inserted {
			result.Added++
		} else {
			result.Updated++
		}
	}

	// Delete tools the child no longer reports. An empty discovery clears
	// the whole catalog.
	res, err := tx.ExecContext(ctx,
		`DELETE FROM mcp_tools WHERE server_id = $1 AND NOT (name = ANY($2))`,
		serverID, seen)
	if err != nil {
		return result, fmt.Errorf("failed to prune tools: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		result.Removed = int(n)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit tool sync: %w", err)
	}

	return result, nil
}

// ListByServer returns the stored catalog for one server ordered by name.
func (s *ToolService) ListByServer(ctx context.Context, serverID string) ([]*models.McpTool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolColumns+` FROM mcp_tools WHERE server_id = $1 ORDER BY name`,
		serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	defer rows.Close()

	var tools []*models.McpTool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

// GetByName retrieves one stored tool.
func (s *ToolService) GetByName(ctx context.Context, serverID, name string) (*models.McpTool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM mcp_tools WHERE server_id = $1 AND name = $2`,
		serverID, name)
	return scanTool(row)
}

// CountByServer reports how many tools are cataloged for a server. A zero
// count means discovery has never succeeded, so callers cannot tell a
// missing tool from a stale catalog.
func (s *ToolService) CountByServer(ctx context.Context, serverID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mcp_tools WHERE server_id = $1`, serverID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tools: %w", err)
	}
	return count, nil
}

// RecordCall bumps a tool's call counter and last-used timestamp.
func (s *ToolService) RecordCall(ctx context.Context, serverID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mcp_tools SET total_calls = total_calls + 1, last_used_at = $3
		 WHERE server_id = $1 AND name = $2`,
		serverID, name, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record tool call: %w", err)
	}
	return nil
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}

func scanTool(row rowScanner) (*models.McpTool, error) {
	var tool models.McpTool
	var schema []byte
	var lastUsed sql.NullTime

	err := row.Scan(&tool.ID, &tool.ServerID, &tool.Name, &tool.Description,
		&schema, &tool.DiscoveredAt, &tool.LastSeenAt, &tool.TotalCalls, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan tool: %w", err)
	}

	tool.InputSchema = schema
	if lastUsed.Valid {
		tool.LastUsedAt = &lastUsed.Time
	}

	return &tool, nil
}
