package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/conduit-mcp/conduit/pkg/events"
	"github.com/conduit-mcp/conduit/pkg/models"
	"github.com/conduit-mcp/conduit/pkg/session"
)

// resolveProject loads the project addressed by the :projectId path segment,
// which may be the uuid or the slug.
func (s *Server) resolveProject(c *echo.Context) (*models.Project, error) {
	ref := c.Param("projectId")
	if ref == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "project is required")
	}
	project, err := s.projectService.GetByID(c.Request().Context(), ref)
	if err == nil {
		return project, nil
	}
	project, err = s.projectService.GetBySlug(c.Request().Context(), ref)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return project, nil
}

func (s *Server) queueSize() int {
	if s.cfg != nil && s.cfg.MCP != nil {
		return s.cfg.MCP.SessionQueueSize
	}
	return 0
}

func (s *Server) separator() string {
	if s.cfg != nil && s.cfg.MCP != nil && s.cfg.MCP.NamespaceSeparator != "" {
		return s.cfg.MCP.NamespaceSeparator
	}
	return session.DefaultSeparator
}

// singleSSEHandler handles GET /projects/:projectId/servers/:serverName/sse.
// It opens a session bound to one server and streams until the client
// disconnects or the session is shut down.
func (s *Server) singleSSEHandler(c *echo.Context) error {
	project, err := s.resolveProject(c)
	if err != nil {
		return err
	}
	if err := s.authorize(c, project, project.SSEAuthRequired); err != nil {
		return err
	}

	serverName := c.Param("serverName")
	server, err := s.serverService.GetByName(c.Request().Context(), project.ID, serverName)
	if err != nil {
		return mapServiceError(err)
	}
	if !server.IsEnabled {
		return echo.NewHTTPError(http.StatusNotFound, "server is disabled")
	}

	t := session.NewTransport(session.Config{
		ProjectID:    project.ID,
		ServerID:     server.ID,
		MessagesPath: "/projects/" + c.Param("projectId") + "/servers/" + serverName + "/messages",
		QueueSize:    s.queueSize(),
		Separator:    s.separator(),
	})
	return s.runSession(c, t, "single")
}

// unifiedSSEHandler handles GET /projects/:projectId/unified/sse. The session
// aggregates every enabled server of the project behind one tool list.
func (s *Server) unifiedSSEHandler(c *echo.Context) error {
	project, err := s.resolveProject(c)
	if err != nil {
		return err
	}
	if !project.UnifiedMCPEnabled {
		return echo.NewHTTPError(http.StatusNotFound, "unified endpoint is not enabled")
	}
	if err := s.authorize(c, project, project.SSEAuthRequired); err != nil {
		return err
	}

	t := session.NewTransport(session.Config{
		ProjectID:    project.ID,
		Unified:      true,
		MessagesPath: "/projects/" + c.Param("projectId") + "/unified/messages",
		QueueSize:    s.queueSize(),
		Separator:    s.separator(),
	})
	return s.runSession(c, t, "unified")
}

// runSession registers the transport, streams the SSE response, and tears
// everything down when the stream ends. Client disconnects are a normal end
// of stream, not handler errors.
func (s *Server) runSession(c *echo.Context, t *session.Transport, kind string) error {
	s.sessions.Add(t)
	if s.metrics != nil {
		s.metrics.SessionOpened(t.ProjectID(), kind)
	}
	s.publishLifecycle(c.Request().Context(), t, events.EventTypeSessionOpened)
	s.logger.Info("Session opened",
		"session_id", t.ID(), "project_id", t.ProjectID(), "kind", kind)

	defer func() {
		t.Close()
		t.Drain()
		s.sessions.Remove(t.ID())
		if s.metrics != nil {
			s.metrics.SessionClosed(t.ProjectID())
		}
		// The request context is gone by now; publish on a fresh one.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.publishLifecycle(ctx, t, events.EventTypeSessionClosed)
		s.logger.Info("Session closed", "session_id", t.ID())
	}()

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	if err := t.Run(c.Request().Context(), c.Response()); err != nil {
		s.logger.Debug("SSE stream ended", "session_id", t.ID(), "error", err)
	}
	return nil
}

func (s *Server) publishLifecycle(ctx context.Context, t *session.Transport, eventType string) {
	if s.publisher == nil {
		return
	}
	payload := events.SessionLifecyclePayload{
		Type:      eventType,
		ProjectID: t.ProjectID(),
		SessionID: t.ID(),
		ServerID:  t.ServerID(),
		Unified:   t.Unified(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.publisher.PublishSessionLifecycle(ctx, payload); err != nil {
		s.logger.Warn("Failed to publish session lifecycle event",
			"session_id", t.ID(), "type", eventType, "error", err)
	}
}
