// Package cleanup enforces data retention and reaps idle child processes.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/conduit-mcp/conduit/pkg/config"
	"github.com/conduit-mcp/conduit/pkg/mcp"
	"github.com/conduit-mcp/conduit/pkg/services"
)

// Service periodically enforces retention policies:
//   - Removes events past their TTL
//   - Removes server and tool-call logs past the retention window
//   - Removes old scheduler run history
//   - Stops child processes that carried no traffic for the idle TTL
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config       *config.RetentionConfig
	eventService *services.EventService
	logService   *services.LogService
	runService   *services.SchedulerRunService
	pool         *mcp.ChildPool
	idleChildTTL time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service. pool may be nil (no child reaping).
func NewService(
	cfg *config.RetentionConfig,
	eventService *services.EventService,
	logService *services.LogService,
	runService *services.SchedulerRunService,
	pool *mcp.ChildPool,
	idleChildTTL time.Duration,
) *Service {
	return &Service{
		config:       cfg,
		eventService: eventService,
		logService:   logService,
		runService:   runService,
		pool:         pool,
		idleChildTTL: idleChildTTL,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"event_ttl", s.config.EventTTL,
		"log_retention_days", s.config.LogRetentionDays,
		"idle_child_ttl", s.idleChildTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.cleanupEvents(ctx)
	s.cleanupLogs(ctx)
	s.cleanupRuns(ctx)
	s.reapIdleChildren()
}

func (s *Service) cleanupEvents(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.EventTTL)
	count, err := s.eventService.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed old events", "count", count)
	}
}

func (s *Service) cleanupLogs(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.config.LogRetentionDays)
	serverLogs, toolCalls, err := s.logService.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: log cleanup failed", "error", err)
		return
	}
	if serverLogs > 0 || toolCalls > 0 {
		slog.Info("Retention: removed old logs",
			"server_logs", serverLogs, "tool_calls", toolCalls)
	}
}

func (s *Service) cleanupRuns(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.config.LogRetentionDays)
	count, err := s.runService.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: scheduler run cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed old scheduler runs", "count", count)
	}
}

func (s *Service) reapIdleChildren() {
	if s.pool == nil || s.idleChildTTL <= 0 {
		return
	}
	if n := s.pool.ReapIdle(s.idleChildTTL); n > 0 {
		slog.Info("Reaped idle child processes", "count", n)
	}
}
