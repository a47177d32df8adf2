// Package scheduler runs the recurring check_all_servers job: it probes every
// enabled server, reconciles the persisted tool catalog with the live
// tools/list response, and records status changes and run history.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conduit-mcp/conduit/pkg/events"
	"github.com/conduit-mcp/conduit/pkg/metrics"
	"github.com/conduit-mcp/conduit/pkg/models"
	"github.com/conduit-mcp/conduit/pkg/services"
	"github.com/conduit-mcp/conduit/pkg/slack"
)

// Publisher is the event stream surface the scheduler writes to.
// Satisfied by *events.Publisher.
type Publisher interface {
	PublishServerStatus(ctx context.Context, payload events.ServerStatusPayload) error
	PublishSchedulerRun(ctx context.Context, run models.SchedulerRun) error
}

// Deps carries the collaborators a Scheduler needs. Slack, Metrics and
// Publisher may be nil (feature disabled).
type Deps struct {
	Servers      *services.ServerService
	Tools        *services.ToolService
	WorkerConfig *services.WorkerConfigService
	Runs         *services.SchedulerRunService
	Logs         *services.LogService
	Warnings     *services.SystemWarningsService
	Publisher    Publisher
	Slack        *slack.Service
	Metrics      *metrics.Metrics
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Health is a point-in-time snapshot for the detailed health endpoint.
type Health struct {
	Running       bool                `json:"running"`
	CheckInFlight bool                `json:"check_in_flight"`
	LastRunAt     time.Time           `json:"last_run_at"`
	LastRunError  string              `json:"last_run_error,omitempty"`
	RunsCompleted int                 `json:"runs_completed"`
	Config        models.WorkerConfig `json:"config"`
}

// Scheduler owns the check_all_servers schedule. One instance per process.
type Scheduler struct {
	deps   Deps
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// reloadCh wakes the loop after a config change so the timer is rebuilt
	// with the new interval.
	reloadCh chan struct{}

	// runMu enforces max_instances=1: the timer loop and RunNow both take it
	// before executing a check.
	runMu sync.Mutex

	mu            sync.RWMutex
	cfg           models.WorkerConfig
	running       bool
	checkInFlight bool
	lastRunAt     time.Time
	lastRunError  string
	runsCompleted int
}

func New(deps Deps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		deps:     deps,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
		reloadCh: make(chan struct{}, 1),
		cfg:      models.DefaultWorkerConfig(),
	}
}

// Start loads the persisted worker config and begins the schedule loop.
func (s *Scheduler) Start(ctx context.Context) error {
	cfg, err := s.deps.WorkerConfig.Get(ctx)
	if err != nil {
		// Fall back to defaults rather than refusing to start; reads keep
		// failing loudly until the database recovers.
		s.logger.Error("Failed to load worker config, using defaults", "error", err)
		s.warn(services.WarningCategoryScheduler,
			"worker config unavailable, running with defaults", err.Error(), "")
		cfg = models.DefaultWorkerConfig()
	}

	s.mu.Lock()
	s.cfg = cfg
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("Scheduler started",
		"interval", cfg.Interval(), "max_workers", cfg.MaxWorkers, "coalesce", cfg.Coalesce)
	return nil
}

// Stop signals the loop to exit and waits for an in-flight check to finish.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Reschedule applies an updated worker config. If the interval changed the
// next fire time is recomputed immediately.
func (s *Scheduler) Reschedule(cfg models.WorkerConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
	s.logger.Info("Scheduler rescheduled", "interval", cfg.Interval(), "max_workers", cfg.MaxWorkers)
}

// RunNow executes one check synchronously, outside the schedule. Returns the
// run summary, or an error when a check is already in flight.
func (s *Scheduler) RunNow(ctx context.Context) (models.SchedulerRun, error) {
	if !s.runMu.TryLock() {
		return models.SchedulerRun{}, fmt.Errorf("check already in progress")
	}
	defer s.runMu.Unlock()
	return s.checkAllServers(ctx), nil
}

// Health reports the scheduler's current state.
func (s *Scheduler) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Health{
		Running:       s.running,
		CheckInFlight: s.checkInFlight,
		LastRunAt:     s.lastRunAt,
		LastRunError:  s.lastRunError,
		RunsCompleted: s.runsCompleted,
		Config:        s.cfg,
	}
}

// run is the schedule loop. A timer (not a ticker) drives it: with coalesce
// enabled the next fire is measured from the end of the previous run, so a
// long run swallows the ticks it overlapped. With coalesce disabled the
// cadence is fixed and each missed slot fires a catch-up run immediately.
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	next := time.Now().Add(s.interval())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logger.Info("Scheduler shutting down")
			return
		case <-ctx.Done():
			s.logger.Info("Context cancelled, scheduler shutting down")
			return
		case <-s.reloadCh:
			next = time.Now().Add(s.interval())
			resetTimer(timer, time.Until(next))
		case <-timer.C:
			if s.runMu.TryLock() {
				s.checkAllServers(ctx)
				s.runMu.Unlock()
			} else {
				s.logger.Warn("Skipping scheduled check, one already in flight")
			}

			if s.coalesce() {
				next = time.Now().Add(s.interval())
			} else {
				next = next.Add(s.interval())
				if now := time.Now(); next.Before(now) {
					next = now
				}
			}
			resetTimer(timer, time.Until(next))
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Interval()
}

func (s *Scheduler) coalesce() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Coalesce
}

func (s *Scheduler) maxWorkers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg.MaxWorkers < 1 {
		return 1
	}
	return s.cfg.MaxWorkers
}

// resetTimer drains a fired-but-unread timer before resetting, per the
// time.Timer contract.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (s *Scheduler) warn(category, message, details, serverID string) {
	if s.deps.Warnings != nil {
		s.deps.Warnings.AddWarning(category, message, details, serverID)
	}
}
