package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/conduit-mcp/conduit/pkg/models"
)

// SchedulerRunService records the history of check_all_servers executions.
type SchedulerRunService struct {
	db *sql.DB
}

// NewSchedulerRunService creates a new SchedulerRunService
func NewSchedulerRunService(db *sql.DB) *SchedulerRunService {
	return &SchedulerRunService{db: db}
}

// Record appends one run to the job history.
func (s *SchedulerRunService) Record(ctx context.Context, run models.SchedulerRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduler_runs (started_at, duration_ms, servers_checked,
			servers_updated, servers_errored, tools_synced)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.StartedAt, run.DurationMS, run.ServersChecked,
		run.ServersUpdated, run.ServersErrored, run.ToolsSynced)
	if err != nil {
		return fmt.Errorf("failed to record scheduler run: %w", err)
	}
	return nil
}

// ListRecent returns the newest runs, most recent first.
func (s *SchedulerRunService) ListRecent(ctx context.Context, limit int) ([]models.SchedulerRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, duration_ms, servers_checked, servers_updated,
			servers_errored, tools_synced
		 FROM scheduler_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduler runs: %w", err)
	}
	defer rows.Close()

	var runs []models.SchedulerRun
	for rows.Next() {
		var r models.SchedulerRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.DurationMS, &r.ServersChecked,
			&r.ServersUpdated, &r.ServersErrored, &r.ToolsSynced); err != nil {
			return nil, fmt.Errorf("failed to scan scheduler run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CleanupOlderThan removes run history past the retention window.
func (s *SchedulerRunService) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduler_runs WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup scheduler runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
