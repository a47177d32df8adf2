package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/conduit-mcp/conduit/pkg/models"
)

// SystemWarningsResponse is returned by GET /api/v1/system/warnings.
type SystemWarningsResponse struct {
	Warnings []SystemWarningItem `json:"warnings"`
}

// SystemWarningItem is a single system warning.
type SystemWarningItem struct {
	ID        string `json:"id"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	ServerID  string `json:"server_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// systemWarningsHandler handles GET /api/v1/system/warnings.
func (s *Server) systemWarningsHandler(c *echo.Context) error {
	response := SystemWarningsResponse{
		Warnings: []SystemWarningItem{},
	}

	if s.warningService != nil {
		for _, w := range s.warningService.GetWarnings() {
			response.Warnings = append(response.Warnings, SystemWarningItem{
				ID:        w.ID,
				Category:  w.Category,
				Message:   w.Message,
				Details:   w.Details,
				ServerID:  w.ServerID,
				CreatedAt: w.CreatedAt.Format(time.RFC3339),
			})
		}
	}

	return c.JSON(http.StatusOK, response)
}

// getWorkerConfigHandler handles GET /api/v1/system/worker-config.
func (s *Server) getWorkerConfigHandler(c *echo.Context) error {
	cfg, err := s.workerConfig.Get(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

// updateWorkerConfigHandler handles PUT /api/v1/system/worker-config.
// A successful update reschedules the running scheduler immediately.
func (s *Server) updateWorkerConfigHandler(c *echo.Context) error {
	var req models.WorkerConfig
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	cfg, err := s.workerConfig.Update(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}
	if s.scheduler != nil {
		s.scheduler.Reschedule(cfg)
	}

	s.logger.Info("Worker config updated",
		"interval_s", cfg.ServerCheckIntervalS, "max_workers", cfg.MaxWorkers,
		"author", extractAuthor(c))
	return c.JSON(http.StatusOK, cfg)
}

// listSchedulerRunsHandler handles GET /api/v1/system/scheduler/runs?limit=N.
func (s *Server) listSchedulerRunsHandler(c *echo.Context) error {
	limit, err := parseLimit(c, 50, 500)
	if err != nil {
		return err
	}

	runs, err := s.runService.ListRecent(c.Request().Context(), limit)
	if err != nil {
		return mapServiceError(err)
	}
	if runs == nil {
		runs = []models.SchedulerRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

// runSchedulerHandler handles POST /api/v1/system/scheduler/run. It executes
// one check synchronously and returns the run summary, or 409 when a
// scheduled check is already in flight.
func (s *Server) runSchedulerHandler(c *echo.Context) error {
	if s.scheduler == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scheduler not available")
	}

	run, err := s.scheduler.RunNow(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	s.logger.Info("Manual scheduler run completed",
		"servers_checked", run.ServersChecked, "author", extractAuthor(c))
	return c.JSON(http.StatusOK, run)
}
