package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades GET /ws to a WebSocket and hands the connection to the
// ConnectionManager, which blocks until the dashboard client disconnects.
// Cross-origin clients must match an entry in allowed_ws_origins; same-origin
// requests pass the library's default check.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	opts := &websocket.AcceptOptions{}
	if s.cfg != nil && s.cfg.System != nil {
		opts.OriginPatterns = s.cfg.System.AllowedWSOrigins
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.DashboardClients.Inc()
		defer s.metrics.DashboardClients.Dec()
	}

	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}
