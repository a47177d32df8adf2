package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-mcp/conduit/pkg/config"
	"github.com/conduit-mcp/conduit/pkg/crypto"
	"github.com/conduit-mcp/conduit/pkg/database"
	"github.com/conduit-mcp/conduit/pkg/masking"
	"github.com/conduit-mcp/conduit/pkg/mcp"
	"github.com/conduit-mcp/conduit/pkg/metrics"
	"github.com/conduit-mcp/conduit/pkg/models"
	"github.com/conduit-mcp/conduit/pkg/proxy"
	"github.com/conduit-mcp/conduit/pkg/services"
	"github.com/conduit-mcp/conduit/pkg/session"
	"github.com/conduit-mcp/conduit/test/util"
)

// apiHarness wires a full Server against a per-test database schema and
// serves it over a real listener so SSE streaming behaves like production.
type apiHarness struct {
	ts       *httptest.Server
	projects *services.ProjectService
	servers  *services.ServerService
	prefs    *services.PreferenceService
}

func setupAPI(t *testing.T) *apiHarness {
	t.Helper()

	db := util.SetupTestDatabase(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	key, err := crypto.GenerateKeyString()
	require.NoError(t, err)
	enc, err := crypto.NewEncryptionServiceFromString(key)
	require.NoError(t, err)

	masker := masking.NewService(config.DefaultMaskingConfig())
	projectService := services.NewProjectService(db)
	serverService := services.NewServerService(db, enc, 30)
	prefService := services.NewPreferenceService(db)
	toolService := services.NewToolService(db)
	logService := services.NewLogService(db, masker)
	runService := services.NewSchedulerRunService(db)
	warningService := services.NewSystemWarningsService()
	workerConfig := services.NewWorkerConfigService(db)

	pool := mcp.NewChildPool(logger, nil)
	t.Cleanup(pool.CloseAll)
	sessions := session.NewManager(logger)
	t.Cleanup(sessions.CloseAll)

	engine := proxy.New(proxy.Deps{
		Projects: projectService,
		Servers:  serverService,
		Prefs:    prefService,
		Tools:    toolService,
		Logs:     logService,
		Pool:     pool,
		Logger:   logger,
	})

	cfg := &config.Config{
		MCP: &config.MCPConfig{
			NamespaceSeparator: ".",
			DefaultTimeoutS:    30,
			SessionQueueSize:   32,
			ProbeTimeout:       10 * time.Second,
		},
		Security: &config.SecurityConfig{},
		System:   &config.SystemConfig{},
	}

	s := NewServer(Deps{
		Config:       cfg,
		DB:           database.NewClientFromDB(db),
		Projects:     projectService,
		Servers:      serverService,
		Prefs:        prefService,
		Tools:        toolService,
		Logs:         logService,
		Runs:         runService,
		Warnings:     warningService,
		WorkerConfig: workerConfig,
		Sessions:     sessions,
		Engine:       engine,
		Pool:         pool,
		Metrics:      metrics.New(prometheus.NewRegistry()),
		Logger:       logger,
	})

	ts := httptest.NewServer(s.echo)
	t.Cleanup(ts.Close)

	return &apiHarness{
		ts:       ts,
		projects: projectService,
		servers:  serverService,
		prefs:    prefService,
	}
}

func (h *apiHarness) createProject(t *testing.T, slug string, sseAuth bool) *models.Project {
	t.Helper()
	auth := sseAuth
	p, err := h.projects.Create(context.Background(), models.CreateProjectRequest{
		Name:            "Project " + slug,
		Slug:            slug,
		SSEAuthRequired: &auth,
	})
	require.NoError(t, err)
	return p
}

func (h *apiHarness) doJSON(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

// sseStream is a live SSE response under test.
type sseStream struct {
	resp   *http.Response
	reader *bufio.Reader
	cancel context.CancelFunc
}

func (h *apiHarness) openSSE(t *testing.T, path string, headers map[string]string) (*sseStream, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ts.URL+path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, resp.StatusCode
	}

	stream := &sseStream{resp: resp, reader: bufio.NewReader(resp.Body), cancel: cancel}
	t.Cleanup(stream.close)
	return stream, resp.StatusCode
}

func (s *sseStream) close() {
	s.cancel()
	s.resp.Body.Close()
}

// nextFrame reads one SSE frame, skipping comment keepalives.
func (s *sseStream) nextFrame(t *testing.T) (event, data string) {
	t.Helper()
	for {
		line, err := s.reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")

		switch {
		case line == "":
			if data != "" {
				return event, data
			}
			event = ""
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := setupAPI(t)

	t.Run("liveness", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var health HealthResponse
		require.NoError(t, json.Unmarshal(body, &health))
		assert.Equal(t, healthStatusHealthy, health.Status)
		assert.Equal(t, healthStatusHealthy, health.Checks["database"].Status)
		assert.NotEmpty(t, health.Version)
	})

	t.Run("detailed", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodGet, "/health/detailed", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var health DetailedHealthResponse
		require.NoError(t, json.Unmarshal(body, &health))
		assert.Equal(t, healthStatusHealthy, health.Status)
		require.NotNil(t, health.Database)
		assert.Equal(t, "healthy", health.Database.Status)
		assert.Equal(t, 0, health.Sessions)
		assert.Equal(t, 0, health.Children)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "go_goroutines")
	})
}

func TestProjectEndpoints(t *testing.T) {
	h := setupAPI(t)

	var created models.Project
	t.Run("create", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodPost, "/api/v1/projects", models.CreateProjectRequest{
			Name: "Analytics",
			Slug: "analytics",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		require.NoError(t, json.Unmarshal(body, &created))
		assert.Equal(t, "analytics", created.Slug)
	})

	t.Run("duplicate slug conflicts", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodPost, "/api/v1/projects", models.CreateProjectRequest{
			Name: "Analytics Again",
			Slug: "analytics",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("missing name is 400", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodPost, "/api/v1/projects", models.CreateProjectRequest{Slug: "x"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("get and list", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodGet, "/api/v1/projects/"+created.ID, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var got models.Project
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, created.ID, got.ID)

		resp, body = h.doJSON(t, http.MethodGet, "/api/v1/projects", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var list []models.Project
		require.NoError(t, json.Unmarshal(body, &list))
		assert.Len(t, list, 1)
	})

	t.Run("update", func(t *testing.T) {
		name := "Analytics Renamed"
		resp, body := h.doJSON(t, http.MethodPut, "/api/v1/projects/"+created.ID,
			models.UpdateProjectRequest{Name: &name})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var got models.Project
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, name, got.Name)
	})

	t.Run("rotate api key", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodPost, "/api/v1/projects/"+created.ID+"/api-key", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var rotated RotateKeyResponse
		require.NoError(t, json.Unmarshal(body, &rotated))
		assert.True(t, strings.HasPrefix(rotated.APIKey, "cdk_"))
	})

	t.Run("delete", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodDelete, "/api/v1/projects/"+created.ID, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp, _ = h.doJSON(t, http.MethodGet, "/api/v1/projects/"+created.ID, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServerEndpoints(t *testing.T) {
	h := setupAPI(t)
	project := h.createProject(t, "srv", false)

	var created models.McpServer
	t.Run("create", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodPost, "/api/v1/projects/"+project.ID+"/servers",
			models.CreateServerRequest{
				Name:    "files",
				Command: "/usr/local/bin/mcp-files",
				Args:    []string{"--root", "/srv"},
			})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		require.NoError(t, json.Unmarshal(body, &created))
		assert.Equal(t, "files", created.Name)
		assert.Equal(t, project.ID, created.ProjectID)
	})

	t.Run("list by project", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodGet, "/api/v1/projects/"+project.ID+"/servers", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var list []models.McpServer
		require.NoError(t, json.Unmarshal(body, &list))
		assert.Len(t, list, 1)
	})

	t.Run("update", func(t *testing.T) {
		timeout := 60
		resp, body := h.doJSON(t, http.MethodPut, "/api/v1/servers/"+created.ID,
			models.UpdateServerRequest{TimeoutS: &timeout})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var got models.McpServer
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, 60, got.TimeoutS)
	})

	t.Run("tools empty before discovery", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodGet, "/api/v1/servers/"+created.ID+"/tools", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var tools []models.McpTool
		require.NoError(t, json.Unmarshal(body, &tools))
		assert.Empty(t, tools)
	})

	t.Run("logs respect limit validation", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodGet, "/api/v1/servers/"+created.ID+"/logs?limit=0", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, body := h.doJSON(t, http.MethodGet, "/api/v1/servers/"+created.ID+"/logs", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "[]", strings.TrimSpace(string(body)))
	})

	t.Run("preference round trip", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodPut,
			"/api/v1/servers/"+created.ID+"/tools/delete_file/preference",
			PreferenceRequest{Enabled: false})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		resp, body = h.doJSON(t, http.MethodGet, "/api/v1/projects/"+project.ID+"/preferences", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var prefs []models.ToolPreference
		require.NoError(t, json.Unmarshal(body, &prefs))
		require.Len(t, prefs, 1)
		assert.Equal(t, "delete_file", prefs[0].ToolName)
		assert.False(t, prefs[0].IsEnabled)

		resp, _ = h.doJSON(t, http.MethodDelete,
			"/api/v1/servers/"+created.ID+"/tools/delete_file/preference", nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("delete", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodDelete, "/api/v1/servers/"+created.ID, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
}

func TestWorkerConfigEndpoints(t *testing.T) {
	h := setupAPI(t)

	t.Run("get returns defaults", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodGet, "/api/v1/system/worker-config", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var cfg models.WorkerConfig
		require.NoError(t, json.Unmarshal(body, &cfg))
		assert.Equal(t, models.DefaultServerCheckIntervalS, cfg.ServerCheckIntervalS)
	})

	t.Run("rejects out-of-range interval", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodPut, "/api/v1/system/worker-config",
			models.WorkerConfig{ServerCheckIntervalS: 10, MaxWorkers: 5, MaxInstances: 1})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("accepts valid update", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodPut, "/api/v1/system/worker-config",
			models.WorkerConfig{ServerCheckIntervalS: 120, MaxWorkers: 3, Coalesce: true, MaxInstances: 1})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var cfg models.WorkerConfig
		require.NoError(t, json.Unmarshal(body, &cfg))
		assert.Equal(t, 120, cfg.ServerCheckIntervalS)
	})
}

func TestSystemWarningsEndpoint(t *testing.T) {
	h := setupAPI(t)

	resp, body := h.doJSON(t, http.MethodGet, "/api/v1/system/warnings", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var warnings SystemWarningsResponse
	require.NoError(t, json.Unmarshal(body, &warnings))
	assert.Empty(t, warnings.Warnings)
}

func TestMessagesEndpointValidation(t *testing.T) {
	h := setupAPI(t)
	project := h.createProject(t, "msgs", false)
	_, err := h.servers.Create(context.Background(), models.CreateServerRequest{
		ProjectID: project.ID,
		Name:      "files",
		Command:   "/usr/local/bin/mcp-files",
	})
	require.NoError(t, err)

	base := "/projects/" + project.ID + "/servers/files/messages"

	t.Run("missing sessionId is 400", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodPost, base, map[string]any{"jsonrpc": "2.0"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown sessionId is 404", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodPost, base+"?sessionId=nope", map[string]any{"jsonrpc": "2.0"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown project is 404", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodPost,
			"/projects/ghost/servers/files/messages?sessionId=nope", map[string]any{"jsonrpc": "2.0"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestMessagesSessionBoundToServer(t *testing.T) {
	h := setupAPI(t)
	project := h.createProject(t, "bound", false)
	for _, name := range []string{"files", "search"} {
		_, err := h.servers.Create(context.Background(), models.CreateServerRequest{
			ProjectID: project.ID,
			Name:      name,
			Command:   "/usr/local/bin/mcp-" + name,
		})
		require.NoError(t, err)
	}

	stream, status := h.openSSE(t, "/projects/"+project.ID+"/servers/files/sse", nil)
	require.Equal(t, http.StatusOK, status)
	_, endpoint := stream.nextFrame(t)
	require.Contains(t, endpoint, "/servers/files/messages?sessionId=")

	// The same session id on a sibling server's URL must not be accepted.
	crossed := strings.Replace(endpoint, "/servers/files/", "/servers/search/", 1)
	resp, _ := h.doJSON(t, http.MethodPost, crossed, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The original URL still works.
	resp, _ = h.doJSON(t, http.MethodPost, endpoint, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestSSESession(t *testing.T) {
	h := setupAPI(t)
	project := h.createProject(t, "sse", false)
	_, err := h.servers.Create(context.Background(), models.CreateServerRequest{
		ProjectID: project.ID,
		Name:      "files",
		Command:   "/usr/local/bin/mcp-files",
	})
	require.NoError(t, err)

	stream, status := h.openSSE(t, "/projects/"+project.ID+"/servers/files/sse", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "text/event-stream", stream.resp.Header.Get("Content-Type"))

	event, endpoint := stream.nextFrame(t)
	require.Equal(t, "endpoint", event)
	require.Contains(t, endpoint, "/servers/files/messages?sessionId=")

	t.Run("initialize round trip", func(t *testing.T) {
		resp, body := h.doJSON(t, http.MethodPost, endpoint, map[string]any{
			"jsonrpc": "2.0", "id": 1, "method": "initialize",
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

		_, data := stream.nextFrame(t)
		var rpc struct {
			ID     int `json:"id"`
			Result struct {
				ServerInfo struct {
					Name string `json:"name"`
				} `json:"serverInfo"`
			} `json:"result"`
		}
		require.NoError(t, json.Unmarshal([]byte(data), &rpc))
		assert.Equal(t, 1, rpc.ID)
		assert.Equal(t, "files", rpc.Result.ServerInfo.Name)
	})

	t.Run("shutdown ends the stream", func(t *testing.T) {
		resp, _ := h.doJSON(t, http.MethodPost, endpoint, map[string]any{
			"jsonrpc": "2.0", "method": "shutdown",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		_, err := stream.reader.ReadString('\n')
		assert.Equal(t, io.EOF, err)
	})
}

func TestSSEAuthPolicy(t *testing.T) {
	h := setupAPI(t)

	t.Run("auth required without credentials is 401", func(t *testing.T) {
		project := h.createProject(t, "locked", true)
		_, err := h.servers.Create(context.Background(), models.CreateServerRequest{
			ProjectID: project.ID, Name: "files", Command: "/bin/mcp-files",
		})
		require.NoError(t, err)

		_, status := h.openSSE(t, "/projects/"+project.ID+"/servers/files/sse", nil)
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("project api key passes", func(t *testing.T) {
		project := h.createProject(t, "keyed", true)
		_, err := h.servers.Create(context.Background(), models.CreateServerRequest{
			ProjectID: project.ID, Name: "files", Command: "/bin/mcp-files",
		})
		require.NoError(t, err)
		key, err := h.projects.RotateAPIKey(context.Background(), project.ID)
		require.NoError(t, err)

		stream, status := h.openSSE(t, "/projects/"+project.ID+"/servers/files/sse",
			map[string]string{"X-API-Key": key})
		require.Equal(t, http.StatusOK, status)
		event, _ := stream.nextFrame(t)
		assert.Equal(t, "endpoint", event)
	})

	t.Run("blocked network is 403 even with key", func(t *testing.T) {
		project := h.createProject(t, "walled", false)
		_, err := h.projects.Update(context.Background(), project.ID, models.UpdateProjectRequest{
			AllowedIPRanges: &[]string{"10.0.0.0/8"},
		})
		require.NoError(t, err)
		_, err = h.servers.Create(context.Background(), models.CreateServerRequest{
			ProjectID: project.ID, Name: "files", Command: "/bin/mcp-files",
		})
		require.NoError(t, err)

		_, status := h.openSSE(t, "/projects/"+project.ID+"/servers/files/sse", nil)
		assert.Equal(t, http.StatusForbidden, status)
	})
}

func TestUnifiedEndpointGating(t *testing.T) {
	h := setupAPI(t)

	disabled := false
	project, err := h.projects.Create(context.Background(), models.CreateProjectRequest{
		Name:              "No Unified",
		Slug:              "nounified",
		UnifiedMCPEnabled: &disabled,
	})
	require.NoError(t, err)

	_, status := h.openSSE(t, "/projects/"+project.ID+"/unified/sse", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUnifiedSSESession(t *testing.T) {
	h := setupAPI(t)
	project := h.createProject(t, "uni", false)

	stream, status := h.openSSE(t, "/projects/"+project.ID+"/unified/sse", nil)
	require.Equal(t, http.StatusOK, status)

	event, endpoint := stream.nextFrame(t)
	require.Equal(t, "endpoint", event)
	require.Contains(t, endpoint, "/unified/messages?sessionId=")

	// Initialize on a unified session reports the project, not a server.
	resp, _ := h.doJSON(t, http.MethodPost, endpoint, map[string]any{
		"jsonrpc": "2.0", "id": 7, "method": "initialize",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, data := stream.nextFrame(t)
	assert.Contains(t, data, fmt.Sprintf("%q", "Project uni"))
}
