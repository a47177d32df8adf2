package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conduit-mcp/conduit/pkg/masking"
	"github.com/conduit-mcp/conduit/pkg/models"
)

// LogService persists operational server logs and tool call records.
// Tool call inputs and outputs pass through the masking service before they
// touch storage.
type LogService struct {
	db      *sql.DB
	masking *masking.Service
}

// NewLogService creates a new LogService
func NewLogService(db *sql.DB, masker *masking.Service) *LogService {
	return &LogService{db: db, masking: masker}
}

// LogServerEvent appends one operational log line for a server.
func (s *LogService) LogServerEvent(ctx context.Context, log models.ServerLog) error {
	if log.Level == "" {
		log.Level = models.LogLevelInfo
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server_logs (server_id, project_id, level, category, message, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.ServerID, log.ProjectID, log.Level, log.Category,
		s.masking.MaskText(log.Message), nullableJSON(log.Details), time.Now())
	if err != nil {
		return fmt.Errorf("failed to write server log: %w", err)
	}
	return nil
}

// LogToolCall appends one tool call record with masked input and output.
func (s *LogService) LogToolCall(ctx context.Context, entry models.ToolCallEntry) error {
	input := s.maskJSON(entry.Input)
	output := s.maskJSON(entry.Output)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_call_logs (server_id, project_id, tool_name, input, output,
			status, execution_time_ms, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ServerID, entry.ProjectID, entry.ToolName, input, output,
		entry.Status, entry.ExecutionTimeMS, s.masking.MaskText(entry.Error), time.Now())
	if err != nil {
		return fmt.Errorf("failed to write tool call log: %w", err)
	}
	return nil
}

// ListServerLogs returns the newest log lines for one server.
func (s *LogService) ListServerLogs(ctx context.Context, serverID string, limit int) ([]models.ServerLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, project_id, level, category, message, details, created_at
		 FROM server_logs WHERE server_id = $1 ORDER BY created_at DESC LIMIT $2`,
		serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list server logs: %w", err)
	}
	defer rows.Close()

	var logs []models.ServerLog
	for rows.Next() {
		var l models.ServerLog
		var details []byte
		if err := rows.Scan(&l.ID, &l.ServerID, &l.ProjectID, &l.Level, &l.Category,
			&l.Message, &details, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan server log: %w", err)
		}
		l.Details = details
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ListToolCalls returns the newest tool call records for one server.
func (s *LogService) ListToolCalls(ctx context.Context, serverID string, limit int) ([]models.ToolCallLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, project_id, tool_name, input, output, status,
			execution_time_ms, error, created_at
		 FROM tool_call_logs WHERE server_id = $1 ORDER BY created_at DESC LIMIT $2`,
		serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []models.ToolCallLog
	for rows.Next() {
		var c models.ToolCallLog
		var input, output []byte
		if err := rows.Scan(&c.ID, &c.ServerID, &c.ProjectID, &c.ToolName, &input,
			&output, &c.Status, &c.ExecutionTimeMS, &c.Error, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		c.Input = input
		c.Output = output
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// CleanupOlderThan removes log rows past the retention window. Returns the
// number of server log and tool call rows deleted.
func (s *LogService) CleanupOlderThan(ctx context.Context, cutoff time.Time) (serverLogs, toolCalls int64, err error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM server_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to cleanup server logs: %w", err)
	}
	serverLogs, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM tool_call_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return serverLogs, 0, fmt.Errorf("failed to cleanup tool call logs: %w", err)
	}
	toolCalls, _ = res.RowsAffected()

	return serverLogs, toolCalls, nil
}

// maskJSON masks a JSON payload as text. A payload the masker redacts
// wholesale is re-wrapped as a JSON string so the column stays valid JSON.
func (s *LogService) maskJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}

	masked := s.masking.MaskToolResult(string(data))
	if json.Valid([]byte(masked)) {
		return []byte(masked)
	}

	wrapped, err := json.Marshal(masked)
	if err != nil {
		return nil
	}
	return wrapped
}
