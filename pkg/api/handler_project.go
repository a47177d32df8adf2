package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/conduit-mcp/conduit/pkg/models"
)

// RotateKeyResponse is returned by POST /api/v1/projects/:id/api-key. The
// plaintext key is shown exactly once; only its hash is stored.
type RotateKeyResponse struct {
	ProjectID string `json:"project_id"`
	APIKey    string `json:"api_key"`
}

// createProjectHandler handles POST /api/v1/projects.
func (s *Server) createProjectHandler(c *echo.Context) error {
	var req models.CreateProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	project, err := s.projectService.Create(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}

	s.logger.Info("Project created",
		"project_id", project.ID, "slug", project.Slug, "author", extractAuthor(c))
	return c.JSON(http.StatusCreated, project)
}

// listProjectsHandler handles GET /api/v1/projects.
func (s *Server) listProjectsHandler(c *echo.Context) error {
	projects, err := s.projectService.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, projects)
}

// getProjectHandler handles GET /api/v1/projects/:id.
func (s *Server) getProjectHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	project, err := s.projectService.GetByID(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, project)
}

// updateProjectHandler handles PUT /api/v1/projects/:id.
func (s *Server) updateProjectHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	var req models.UpdateProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	project, err := s.projectService.Update(c.Request().Context(), id, req)
	if err != nil {
		return mapServiceError(err)
	}

	s.logger.Info("Project updated", "project_id", id, "author", extractAuthor(c))
	return c.JSON(http.StatusOK, project)
}

// deleteProjectHandler handles DELETE /api/v1/projects/:id.
func (s *Server) deleteProjectHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	if err := s.projectService.Delete(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}

	s.logger.Info("Project deleted", "project_id", id, "author", extractAuthor(c))
	return c.NoContent(http.StatusNoContent)
}

// rotateAPIKeyHandler handles POST /api/v1/projects/:id/api-key.
func (s *Server) rotateAPIKeyHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	key, err := s.projectService.RotateAPIKey(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}

	s.logger.Info("Project API key rotated", "project_id", id, "author", extractAuthor(c))
	return c.JSON(http.StatusOK, RotateKeyResponse{ProjectID: id, APIKey: key})
}

// listPreferencesHandler handles GET /api/v1/projects/:id/preferences.
func (s *Server) listPreferencesHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	prefs, err := s.prefService.ListByProject(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	if prefs == nil {
		prefs = []models.ToolPreference{}
	}
	return c.JSON(http.StatusOK, prefs)
}
