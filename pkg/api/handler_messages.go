package api

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// maxMessageBytes bounds a single JSON-RPC message POST.
const maxMessageBytes = 1 << 20

// singleMessagesHandler handles
// POST /projects/:projectId/servers/:serverName/messages?sessionId=…
func (s *Server) singleMessagesHandler(c *echo.Context) error {
	return s.handleMessages(c, false)
}

// unifiedMessagesHandler handles
// POST /projects/:projectId/unified/messages?sessionId=…
func (s *Server) unifiedMessagesHandler(c *echo.Context) error {
	return s.handleMessages(c, true)
}

// handleMessages dispatches one JSON-RPC message to a live session. The
// response to the POST only acknowledges receipt; actual results travel over
// the session's SSE stream.
func (s *Server) handleMessages(c *echo.Context, unified bool) error {
	project, err := s.resolveProject(c)
	if err != nil {
		return err
	}
	if err := s.authorize(c, project, project.MessageAuthRequired); err != nil {
		return err
	}

	sessionID := c.QueryParam("sessionId")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sessionId is required")
	}

	t, err := s.sessions.Get(sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	// A session id must not cross project or endpoint boundaries.
	if t.ProjectID() != project.ID || t.Unified() != unified {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	// Single-server sessions are also bound to the server they opened on.
	if !unified {
		server, err := s.serverService.GetByName(c.Request().Context(), project.ID, c.Param("serverName"))
		if err != nil || server.ID != t.ServerID() {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxMessageBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	status, payload := s.engine.HandleMessage(c.Request().Context(), t, body)
	return c.JSON(status, payload)
}
