// Package api is the HTTP surface of the orchestrator: the SSE and message
// endpoints MCP clients speak to, the dashboard WebSocket, health and
// Prometheus endpoints, and the admin API for projects, servers, tool
// preferences, and the scheduler.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	echo "github.com/labstack/echo/v5"

	"github.com/conduit-mcp/conduit/pkg/config"
	"github.com/conduit-mcp/conduit/pkg/database"
	"github.com/conduit-mcp/conduit/pkg/events"
	"github.com/conduit-mcp/conduit/pkg/mcp"
	"github.com/conduit-mcp/conduit/pkg/metrics"
	"github.com/conduit-mcp/conduit/pkg/proxy"
	"github.com/conduit-mcp/conduit/pkg/scheduler"
	"github.com/conduit-mcp/conduit/pkg/services"
	"github.com/conduit-mcp/conduit/pkg/session"
)

// Deps carries the collaborators the HTTP server needs. Publisher, Metrics,
// ConnManager, Scheduler, and Pool may be nil; the owning endpoints degrade
// to 503 or omit their sections.
type Deps struct {
	Config       *config.Config
	DB           *database.Client
	Projects     *services.ProjectService
	Servers      *services.ServerService
	Prefs        *services.PreferenceService
	Tools        *services.ToolService
	Logs         *services.LogService
	Runs         *services.SchedulerRunService
	Warnings     *services.SystemWarningsService
	WorkerConfig *services.WorkerConfigService
	Sessions     *session.Manager
	Engine       *proxy.Engine
	Pool         *mcp.ChildPool
	Scheduler    *scheduler.Scheduler
	ConnManager  *events.ConnectionManager
	Publisher    *events.Publisher
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Server is the echo HTTP server. Routes are registered once at construction;
// Start and Shutdown wrap the underlying http.Server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg            *config.Config
	dbClient       *database.Client
	projectService *services.ProjectService
	serverService  *services.ServerService
	prefService    *services.PreferenceService
	toolService    *services.ToolService
	logService     *services.LogService
	runService     *services.SchedulerRunService
	warningService *services.SystemWarningsService
	workerConfig   *services.WorkerConfigService
	sessions       *session.Manager
	engine         *proxy.Engine
	pool           *mcp.ChildPool
	scheduler      *scheduler.Scheduler
	connManager    *events.ConnectionManager
	publisher      *events.Publisher
	metrics        *metrics.Metrics
	logger         *slog.Logger

	// authSecret is the HMAC key for bearer token verification, resolved
	// from the environment at construction. Empty disables bearer auth.
	authSecret []byte
}

// NewServer builds the server and registers every route.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		echo:           echo.New(),
		cfg:            deps.Config,
		dbClient:       deps.DB,
		projectService: deps.Projects,
		serverService:  deps.Servers,
		prefService:    deps.Prefs,
		toolService:    deps.Tools,
		logService:     deps.Logs,
		runService:     deps.Runs,
		warningService: deps.Warnings,
		workerConfig:   deps.WorkerConfig,
		sessions:       deps.Sessions,
		engine:         deps.Engine,
		pool:           deps.Pool,
		scheduler:      deps.Scheduler,
		connManager:    deps.ConnManager,
		publisher:      deps.Publisher,
		metrics:        deps.Metrics,
		logger:         logger.With("component", "api"),
	}

	if deps.Config != nil && deps.Config.Security != nil && deps.Config.Security.AuthSecretEnv != "" {
		if secret := os.Getenv(deps.Config.Security.AuthSecretEnv); secret != "" {
			s.authSecret = []byte(secret)
		}
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())
	if s.cfg != nil && s.cfg.Security != nil && len(s.cfg.Security.CORSAllowedOrigins) > 0 {
		e.Use(corsHeaders(s.cfg.Security.CORSAllowedOrigins))
	}

	e.GET("/health", s.healthHandler)
	e.GET("/health/detailed", s.detailedHealthHandler)
	e.GET("/metrics", s.metricsHandler)
	e.GET("/ws", s.wsHandler)

	// MCP client surface.
	e.GET("/projects/:projectId/servers/:serverName/sse", s.singleSSEHandler)
	e.POST("/projects/:projectId/servers/:serverName/messages", s.singleMessagesHandler)
	e.GET("/projects/:projectId/unified/sse", s.unifiedSSEHandler)
	e.POST("/projects/:projectId/unified/messages", s.unifiedMessagesHandler)

	// Admin API.
	v1 := e.Group("/api/v1")

	v1.POST("/projects", s.createProjectHandler)
	v1.GET("/projects", s.listProjectsHandler)
	v1.GET("/projects/:id", s.getProjectHandler)
	v1.PUT("/projects/:id", s.updateProjectHandler)
	v1.DELETE("/projects/:id", s.deleteProjectHandler)
	v1.POST("/projects/:id/api-key", s.rotateAPIKeyHandler)
	v1.GET("/projects/:id/preferences", s.listPreferencesHandler)

	v1.POST("/projects/:id/servers", s.createServerHandler)
	v1.GET("/projects/:id/servers", s.listServersHandler)
	v1.GET("/servers/:id", s.getServerHandler)
	v1.PUT("/servers/:id", s.updateServerHandler)
	v1.DELETE("/servers/:id", s.deleteServerHandler)
	v1.GET("/servers/:id/tools", s.listToolsHandler)
	v1.GET("/servers/:id/logs", s.listServerLogsHandler)
	v1.GET("/servers/:id/tool-calls", s.listToolCallsHandler)
	v1.PUT("/servers/:id/tools/:toolName/preference", s.setPreferenceHandler)
	v1.DELETE("/servers/:id/tools/:toolName/preference", s.clearPreferenceHandler)

	v1.GET("/system/warnings", s.systemWarningsHandler)
	v1.GET("/system/worker-config", s.getWorkerConfigHandler)
	v1.PUT("/system/worker-config", s.updateWorkerConfigHandler)
	v1.GET("/system/scheduler/runs", s.listSchedulerRunsHandler)
	v1.POST("/system/scheduler/run", s.runSchedulerHandler)
}

// metricsHandler serves the Prometheus registry on GET /metrics.
func (s *Server) metricsHandler(c *echo.Context) error {
	metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

// Handler exposes the routed mux, mainly for tests that serve it directly.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
