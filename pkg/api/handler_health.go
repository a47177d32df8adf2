package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/conduit-mcp/conduit/pkg/database"
	"github.com/conduit-mcp/conduit/pkg/scheduler"
	"github.com/conduit-mcp/conduit/pkg/services"
	"github.com/conduit-mcp/conduit/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's entry in a health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// DetailedHealthResponse is returned by GET /health/detailed.
type DetailedHealthResponse struct {
	Status    string                    `json:"status"`
	Version   string                    `json:"version"`
	Checks    map[string]HealthCheck    `json:"checks"`
	Database  *database.HealthStatus    `json:"database,omitempty"`
	Scheduler *scheduler.Health         `json:"scheduler,omitempty"`
	Sessions  int                       `json:"sessions"`
	Children  int                       `json:"children"`
	Warnings  []*services.SystemWarning `json:"warnings,omitempty"`
}

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated liveness
// probes. Only the orchestrator's own components (database, scheduler) are
// checked; child MCP server health never fails the process probe.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := database.Health(reqCtx, s.dbClient.DB()); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.scheduler != nil {
		sh := s.scheduler.Health()
		if !sh.Running {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["scheduler"] = HealthCheck{Status: healthStatusDegraded, Message: "scheduler not running"}
		} else {
			checks["scheduler"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// detailedHealthHandler handles GET /health/detailed. On top of the liveness
// checks it reports scheduler state, live session and child counts, database
// pool statistics, and recent system warnings.
func (s *Server) detailedHealthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	resp := &DetailedHealthResponse{
		Version:  version.GitCommit,
		Database: dbHealth,
	}

	if s.scheduler != nil {
		sh := s.scheduler.Health()
		resp.Scheduler = &sh
		switch {
		case !sh.Running:
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["scheduler"] = HealthCheck{Status: healthStatusDegraded, Message: "scheduler not running"}
		case sh.LastRunError != "":
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["scheduler"] = HealthCheck{Status: healthStatusDegraded, Message: sh.LastRunError}
		default:
			checks["scheduler"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.sessions != nil {
		resp.Sessions = s.sessions.Count()
	}
	if s.pool != nil {
		resp.Children = s.pool.Size()
	}
	if s.warningService != nil {
		resp.Warnings = s.warningService.GetWarnings()
	}

	resp.Status = status
	resp.Checks = checks

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, resp)
}
