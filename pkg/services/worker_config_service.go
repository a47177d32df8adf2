package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conduit-mcp/conduit/pkg/models"
)

// WorkerConfigService manages the singleton scheduler configuration row.
type WorkerConfigService struct {
	db *sql.DB
}

// NewWorkerConfigService creates a new WorkerConfigService
func NewWorkerConfigService(db *sql.DB) *WorkerConfigService {
	return &WorkerConfigService{db: db}
}

// Get returns the stored scheduler configuration, or the built-in defaults
// when the row does not exist yet.
func (s *WorkerConfigService) Get(ctx context.Context) (models.WorkerConfig, error) {
	var cfg models.WorkerConfig

	err := s.db.QueryRowContext(ctx,
		`SELECT server_check_interval_s, max_workers, coalesce, max_instances, updated_at
		 FROM worker_config WHERE id = 1`).
		Scan(&cfg.ServerCheckIntervalS, &cfg.MaxWorkers, &cfg.Coalesce,
			&cfg.MaxInstances, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DefaultWorkerConfig(), nil
		}
		return cfg, fmt.Errorf("failed to get worker config: %w", err)
	}

	return cfg, nil
}

// Update validates and stores the scheduler configuration. The scheduler
// observes the change on its next poll and reschedules accordingly.
func (s *WorkerConfigService) Update(ctx context.Context, cfg models.WorkerConfig) (models.WorkerConfig, error) {
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	cfg.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_config (id, server_check_interval_s, max_workers, coalesce,
			max_instances, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
			SET server_check_interval_s = EXCLUDED.server_check_interval_s,
			    max_workers = EXCLUDED.max_workers,
			    coalesce = EXCLUDED.coalesce,
			    max_instances = EXCLUDED.max_instances,
			    updated_at = EXCLUDED.updated_at`,
		cfg.ServerCheckIntervalS, cfg.MaxWorkers, cfg.Coalesce, cfg.MaxInstances, cfg.UpdatedAt)
	if err != nil {
		return cfg, fmt.Errorf("failed to update worker config: %w", err)
	}

	return cfg, nil
}
