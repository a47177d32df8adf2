package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/conduit-mcp/conduit/pkg/models"
)

// PreferenceRequest is the body of PUT …/tools/:toolName/preference.
type PreferenceRequest struct {
	Enabled bool `json:"enabled"`
}

// parseLimit reads the limit query parameter with a default and a hard cap.
func parseLimit(c *echo.Context, def, max int) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be a positive integer")
	}
	if limit > max {
		limit = max
	}
	return limit, nil
}

// createServerHandler handles POST /api/v1/projects/:id/servers.
func (s *Server) createServerHandler(c *echo.Context) error {
	projectID := c.Param("id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	var req models.CreateServerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.ProjectID = projectID

	server, err := s.serverService.Create(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}

	s.logger.Info("Server created",
		"server_id", server.ID, "project_id", projectID, "name", server.Name,
		"author", extractAuthor(c))
	return c.JSON(http.StatusCreated, server)
}

// listServersHandler handles GET /api/v1/projects/:id/servers.
func (s *Server) listServersHandler(c *echo.Context) error {
	projectID := c.Param("id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	servers, err := s.serverService.ListByProject(c.Request().Context(), projectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, servers)
}

// getServerHandler handles GET /api/v1/servers/:id.
func (s *Server) getServerHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server id is required")
	}

	server, err := s.serverService.GetByID(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, server)
}

// updateServerHandler handles PUT /api/v1/servers/:id.
func (s *Server) updateServerHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server id is required")
	}

	var req models.UpdateServerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	server, err := s.serverService.Update(c.Request().Context(), id, req)
	if err != nil {
		return mapServiceError(err)
	}

	// A config change invalidates any cached child for this server.
	if s.pool != nil {
		s.pool.Remove(server.ProjectID, server.ID)
	}

	s.logger.Info("Server updated", "server_id", id, "author", extractAuthor(c))
	return c.JSON(http.StatusOK, server)
}

// deleteServerHandler handles DELETE /api/v1/servers/:id.
func (s *Server) deleteServerHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server id is required")
	}

	server, err := s.serverService.GetByID(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.serverService.Delete(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	if s.pool != nil {
		s.pool.Remove(server.ProjectID, server.ID)
	}

	s.logger.Info("Server deleted", "server_id", id, "author", extractAuthor(c))
	return c.NoContent(http.StatusNoContent)
}

// listToolsHandler handles GET /api/v1/servers/:id/tools.
func (s *Server) listToolsHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server id is required")
	}

	tools, err := s.toolService.ListByServer(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, tools)
}

// listServerLogsHandler handles GET /api/v1/servers/:id/logs?limit=N.
func (s *Server) listServerLogsHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server id is required")
	}
	limit, err := parseLimit(c, 100, 1000)
	if err != nil {
		return err
	}

	logs, err := s.logService.ListServerLogs(c.Request().Context(), id, limit)
	if err != nil {
		return mapServiceError(err)
	}
	if logs == nil {
		logs = []models.ServerLog{}
	}
	return c.JSON(http.StatusOK, logs)
}

// listToolCallsHandler handles GET /api/v1/servers/:id/tool-calls?limit=N.
func (s *Server) listToolCallsHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server id is required")
	}
	limit, err := parseLimit(c, 100, 1000)
	if err != nil {
		return err
	}

	calls, err := s.logService.ListToolCalls(c.Request().Context(), id, limit)
	if err != nil {
		return mapServiceError(err)
	}
	if calls == nil {
		calls = []models.ToolCallLog{}
	}
	return c.JSON(http.StatusOK, calls)
}

// setPreferenceHandler handles PUT /api/v1/servers/:id/tools/:toolName/preference.
func (s *Server) setPreferenceHandler(c *echo.Context) error {
	serverID := c.Param("id")
	toolName := c.Param("toolName")
	if serverID == "" || toolName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server id and tool name are required")
	}

	var req PreferenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	server, err := s.serverService.GetByID(c.Request().Context(), serverID)
	if err != nil {
		return mapServiceError(err)
	}

	pref := models.ToolPreference{
		ProjectID: server.ProjectID,
		ServerID:  serverID,
		ToolName:  toolName,
		IsEnabled: req.Enabled,
	}
	if err := s.prefService.Set(c.Request().Context(), pref); err != nil {
		return mapServiceError(err)
	}

	s.logger.Info("Tool preference set",
		"server_id", serverID, "tool", toolName, "enabled", req.Enabled,
		"author", extractAuthor(c))
	return c.JSON(http.StatusOK, pref)
}

// clearPreferenceHandler handles DELETE /api/v1/servers/:id/tools/:toolName/preference.
func (s *Server) clearPreferenceHandler(c *echo.Context) error {
	serverID := c.Param("id")
	toolName := c.Param("toolName")
	if serverID == "" || toolName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "server id and tool name are required")
	}

	server, err := s.serverService.GetByID(c.Request().Context(), serverID)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.prefService.Clear(c.Request().Context(), server.ProjectID, serverID, toolName); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
