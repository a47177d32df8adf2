package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conduit-mcp/conduit/pkg/events"
	"github.com/conduit-mcp/conduit/pkg/mcp"
	"github.com/conduit-mcp/conduit/pkg/models"
	"github.com/conduit-mcp/conduit/pkg/services"
)

// checkResult is the outcome of probing one server.
type checkResult struct {
	updated     bool
	errored     bool
	toolsSynced int
}

// checkAllServers executes one run: probe every enabled server, sync tool
// catalogs, persist statuses, and record the run summary. One server's
// failure never aborts the run. Caller holds runMu.
func (s *Scheduler) checkAllServers(ctx context.Context) models.SchedulerRun {
	started := time.Now()
	s.mu.Lock()
	s.checkInFlight = true
	s.mu.Unlock()

	run := s.doCheck(ctx, started)
	run.DurationMS = time.Since(started).Milliseconds()

	if err := s.deps.Runs.Record(ctx, run); err != nil {
		s.logger.Error("Failed to record scheduler run", "error", err)
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishSchedulerRun(ctx, run); err != nil {
			s.logger.Warn("Failed to publish scheduler run event", "error", err)
		}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSchedulerRun(time.Since(started), run.ServersErrored, run.ToolsSynced)
	}

	s.mu.Lock()
	s.checkInFlight = false
	s.lastRunAt = started
	s.runsCompleted++
	s.mu.Unlock()

	s.logger.Info("check_all_servers completed",
		"duration_ms", run.DurationMS,
		"checked", run.ServersChecked,
		"updated", run.ServersUpdated,
		"errored", run.ServersErrored,
		"tools_synced", run.ToolsSynced)
	return run
}

// doCheck probes the enabled servers with bounded parallelism and aggregates
// per-server results into a run summary.
func (s *Scheduler) doCheck(ctx context.Context, started time.Time) models.SchedulerRun {
	run := models.SchedulerRun{StartedAt: started}

	servers, err := s.deps.Servers.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("Failed to list enabled servers", "error", err)
		s.warn(services.WarningCategoryScheduler, "could not list servers for check", err.Error(), "")
		s.setLastRunError(err.Error())
		return run
	}
	s.setLastRunError("")
	run.ServersChecked = len(servers)

	sem := make(chan struct{}, s.maxWorkers())
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, server := range servers {
		wg.Add(1)
		sem <- struct{}{}
		go func(server *models.McpServer) {
			defer wg.Done()
			defer func() { <-sem }()

			result := s.checkServer(ctx, server)

			mu.Lock()
			if result.updated {
				run.ServersUpdated++
			}
			if result.errored {
				run.ServersErrored++
			}
			run.ToolsSynced += result.toolsSynced
			mu.Unlock()
		}(server)
	}
	wg.Wait()

	return run
}

// checkServer probes one server and persists the outcome.
func (s *Scheduler) checkServer(ctx context.Context, server *models.McpServer) checkResult {
	log := s.logger.With("server_id", server.ID, "server_name", server.Name)

	// The listing carries no secrets; reload the row decrypted for the spawn.
	full, err := s.deps.Servers.GetWithSecrets(ctx, server.ID)
	if err != nil {
		log.Error("Failed to load server for probe", "error", err)
		return s.recordFailure(ctx, server, models.ServerStatusError,
			fmt.Sprintf("failed to load server config: %v", err))
	}

	cfg := mcp.ChildConfigFor(full)
	cfg.Timeout = s.deps.ProbeTimeout

	probeCtx, cancel := context.WithTimeout(ctx, s.deps.ProbeTimeout)
	tools, err := mcp.Probe(probeCtx, cfg, s.logger)
	cancel()

	if err != nil {
		status := models.ServerStatusError
		// Unreachable is not broken: a refused connection or a probe timeout
		// marks the server inactive, anything else is an error.
		switch mcp.ClassifyError(err) {
		case mcp.ErrorTypeConnection, mcp.ErrorTypeTimeout:
			status = models.ServerStatusInactive
		}
		log.Warn("Server probe failed", "status", status, "error", err)
		return s.recordFailure(ctx, full, status, err.Error())
	}

	return s.recordSuccess(ctx, full, tools)
}

// recordSuccess syncs the tool catalog and transitions the server to active.
func (s *Scheduler) recordSuccess(ctx context.Context, server *models.McpServer, tools []models.DiscoveredTool) checkResult {
	log := s.logger.With("server_id", server.ID, "server_name", server.Name)
	result := checkResult{}

	synced, err := s.deps.Tools.Sync(ctx, server.ID, tools)
	if err != nil {
		log.Error("Tool sync failed", "error", err)
		return s.recordFailure(ctx, server, models.ServerStatusError,
			fmt.Sprintf("tool sync failed: %v", err))
	}
	// Updated rows are refreshes of unchanged tools; only additions and
	// removals count as catalog changes.
	result.toolsSynced = synced.Added + synced.Removed

	if err := s.deps.Servers.UpdateStatus(ctx, server.ID, models.ServerStatusActive, ""); err != nil {
		log.Error("Failed to persist server status", "error", err)
	}
	if err := s.deps.Servers.MarkStarted(ctx, server.ID); err != nil {
		log.Error("Failed to mark server started", "error", err)
	}
	result.updated = server.Status != models.ServerStatusActive || result.toolsSynced > 0

	s.logServer(ctx, server, models.LogLevelInfo, "check",
		fmt.Sprintf("probe ok, %d tools (%d added, %d updated, %d removed)",
			len(tools), synced.Added, synced.Updated, synced.Removed))

	// A server coming back from error clears its warning and, when the
	// failure was announced, announces the recovery too.
	if s.deps.Warnings != nil {
		cleared := s.deps.Warnings.ClearByServerID(services.WarningCategoryServerHealth, server.ID)
		if cleared && s.deps.Slack != nil && server.Status == models.ServerStatusError {
			s.deps.Slack.NotifyServerRecovered(ctx, server)
		}
	}

	s.publishStatus(ctx, server, models.ServerStatusActive, "", len(tools))
	return result
}

// recordFailure persists a failed probe and fans out notifications.
func (s *Scheduler) recordFailure(ctx context.Context, server *models.McpServer, status models.ServerStatus, errMsg string) checkResult {
	if err := s.deps.Servers.UpdateStatus(ctx, server.ID, status, errMsg); err != nil {
		s.logger.Error("Failed to persist server status",
			"server_id", server.ID, "error", err)
	}

	s.logServer(ctx, server, models.LogLevelError, "check", errMsg)
	s.warn(services.WarningCategoryServerHealth,
		fmt.Sprintf("server %s is %s", server.Name, status), errMsg, server.ID)

	if status == models.ServerStatusError && s.deps.Slack != nil {
		s.deps.Slack.NotifyServerFailed(ctx, server, errMsg)
	}

	s.publishStatus(ctx, server, status, errMsg, 0)
	return checkResult{updated: server.Status != status, errored: true}
}

func (s *Scheduler) publishStatus(ctx context.Context, server *models.McpServer, status models.ServerStatus, errMsg string, toolCount int) {
	if s.deps.Publisher == nil {
		return
	}
	err := s.deps.Publisher.PublishServerStatus(ctx, events.ServerStatusPayload{
		ProjectID:  server.ProjectID,
		ServerID:   server.ID,
		ServerName: server.Name,
		Status:     string(status),
		LastError:  errMsg,
		ToolCount:  toolCount,
	})
	if err != nil {
		s.logger.Warn("Failed to publish server status event",
			"server_id", server.ID, "error", err)
	}
}

func (s *Scheduler) logServer(ctx context.Context, server *models.McpServer, level models.LogLevel, category, message string) {
	entry := models.ServerLog{
		ServerID:  server.ID,
		ProjectID: server.ProjectID,
		Level:     level,
		Category:  category,
		Message:   message,
	}
	if err := s.deps.Logs.LogServerEvent(ctx, entry); err != nil {
		s.logger.Warn("Failed to append server log", "server_id", server.ID, "error", err)
	}
}

func (s *Scheduler) setLastRunError(msg string) {
	s.mu.Lock()
	s.lastRunError = msg
	s.mu.Unlock()
}
