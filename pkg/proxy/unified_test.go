package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-mcp/conduit/pkg/mcp"
	"github.com/conduit-mcp/conduit/pkg/models"
	"github.com/conduit-mcp/conduit/pkg/session"
)

func TestUnifiedSession_ToolsListMergesAllServers(t *testing.T) {
	h := newProxyHarness(t)
	h.addServer(t, "GitHub Tools", "greet", "echo")
	h.addServer(t, "fetcher", "greet")

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	resp := sse.nextResponse(t)
	require.Nil(t, resp.Error)
	assert.ElementsMatch(t,
		[]string{"github_tools.greet", "github_tools.echo", "fetcher.greet"},
		toolNames(t, resp.Result))
}

func TestUnifiedSession_ToolsListTracksHealth(t *testing.T) {
	h := newProxyHarness(t)
	a := h.addServer(t, "alpha", "greet", "echo")

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	sse.nextResponse(t)

	health, ok := tr.Health().Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, session.StatusHealthy, health.Status)
	assert.Equal(t, 2, health.ToolsAvailable)
	assert.False(t, health.LastSuccess.IsZero())
}

func TestUnifiedSession_ToolsListOmitsFailingServer(t *testing.T) {
	h := newProxyHarness(t)
	h.addServer(t, "alpha", "greet")
	b := h.addBrokenServer(t, "beta")

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	resp := sse.nextResponse(t)
	require.Nil(t, resp.Error, "one bad server never fails the aggregate")
	assert.Equal(t, []string{"alpha.greet"}, toolNames(t, resp.Result))

	health, ok := tr.Health().Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, 1, health.ConsecutiveFailures)
	assert.NotEmpty(t, health.LastErrorType)
}

func TestUnifiedSession_RepeatedFailuresEscalate(t *testing.T) {
	h := newProxyHarness(t)
	b := h.addBrokenServer(t, "beta")

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	for i := 0; i < 5; i++ {
		h.dispatch(t, tr, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/list"}`, i+1))
		sse.nextResponse(t)
	}

	health, ok := tr.Health().Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, session.StatusFailed, health.Status)
	assert.True(t, tr.Health().ShouldSkip(b.ID))

	// The sixth list skips the failed server without touching its streak.
	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":6,"method":"tools/list"}`)
	sse.nextResponse(t)
	health, _ = tr.Health().Get(b.ID)
	assert.Equal(t, 5, health.ConsecutiveFailures)
}

func TestUnifiedSession_CallRoutesByNamespace(t *testing.T) {
	h := newProxyHarness(t)
	h.addServer(t, "alpha", "greet")
	// beta cannot spawn; routing to alpha must not touch it.
	h.addBrokenServer(t, "beta")

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"alpha.greet","arguments":{"name":"unified"}}}`)

	resp := sse.nextResponse(t)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "hello unified")

	entries := h.notif.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "greet", entries[0].ToolName, "audit log keeps the child's original tool name")
}

func TestUnifiedSession_CallUnknownNamespace(t *testing.T) {
	h := newProxyHarness(t)
	h.addServer(t, "alpha", "greet")

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope.greet"}}`)

	resp := sse.nextResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "nope.greet")
}

func TestUnifiedSession_CallWithoutNamespace(t *testing.T) {
	h := newProxyHarness(t)
	h.addServer(t, "alpha", "greet")

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"greet"}}`)

	resp := sse.nextResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeMethodNotFound, resp.Error.Code)
}

func TestUnifiedSession_DisabledToolRejected(t *testing.T) {
	h := newProxyHarness(t)
	a := h.addServer(t, "alpha", "greet")
	require.NoError(t, h.prefs.Set(context.Background(), models.ToolPreference{
		ProjectID: h.project.ID,
		ServerID:  a.ID,
		ToolName:  "greet",
		IsEnabled: false,
	}))

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"alpha.greet"}}`)

	resp := sse.nextResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "alpha.greet")
}

func TestUnifiedSession_SyncedCatalogRejectsUnknownTool(t *testing.T) {
	h := newProxyHarness(t)
	a := h.addServer(t, "alpha", "greet")
	_, err := h.tools.Sync(context.Background(), a.ID, []models.DiscoveredTool{{Name: "greet"}})
	require.NoError(t, err)

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"alpha.missing"}}`)

	resp := sse.nextResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "alpha.missing")

	// Rejected before dispatch, so the server's health is untouched.
	_, tracked := tr.Health().Get(a.ID)
	assert.False(t, tracked)
}

func TestUnifiedSession_ChildFailureBecomesInternalError(t *testing.T) {
	h := newProxyHarness(t)
	b := h.addBrokenServer(t, "beta")

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"beta.greet"}}`)

	resp := sse.nextResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInternalError, resp.Error.Code)
	assert.Equal(t, "MCP server unavailable", resp.Error.Message)
	assert.NotEmpty(t, resp.Error.Data)

	health, ok := tr.Health().Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, 1, health.ConsecutiveFailures)
}

func TestUnifiedSession_ChildDeathIsolatedFromSiblings(t *testing.T) {
	h := newProxyHarness(t)
	a := h.addServer(t, "alpha", "greet", "die")
	b := h.addServer(t, "beta", "greet")

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	// alpha's child exits mid-call.
	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"alpha.die"}}`)
	resp := sse.nextResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInternalError, resp.Error.Code)
	assert.NotEmpty(t, resp.Error.Data)

	// beta keeps serving.
	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"beta.greet","arguments":{"name":"beta"}}}`)
	resp = sse.nextResponse(t)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "hello beta")

	aHealth, _ := tr.Health().Get(a.ID)
	assert.Equal(t, 1, aHealth.ConsecutiveFailures)
	bHealth, _ := tr.Health().Get(b.ID)
	assert.Equal(t, session.StatusHealthy, bHealth.Status)

	// alpha recovers on the next acquire: the pool replaces the dead child.
	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"alpha.greet","arguments":{"name":"again"}}}`)
	resp = sse.nextResponse(t)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "hello again")

	aHealth, _ = tr.Health().Get(a.ID)
	assert.Equal(t, session.StatusHealthy, aHealth.Status)
	assert.Zero(t, aHealth.ConsecutiveFailures)
}

func TestUnifiedSession_ServerDisabledMidSession(t *testing.T) {
	h := newProxyHarness(t)
	a := h.addServer(t, "alpha", "greet")

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	// First list registers the namespace while alpha is enabled.
	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	sse.nextResponse(t)

	enabled := false
	_, err := h.servers.Update(context.Background(), a.ID, models.UpdateServerRequest{IsEnabled: &enabled})
	require.NoError(t, err)

	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"alpha.greet"}}`)

	resp := sse.nextResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "disabled")
}

func TestUnifiedSession_NamespacesStayStableAcrossLists(t *testing.T) {
	h := newProxyHarness(t)
	a := h.addServer(t, "alpha", "greet")

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	first := toolNames(t, mustResult(t, sse.nextResponse(t)))

	// Renaming the server does not move its namespace within the session.
	newName := "renamed"
	_, err := h.servers.Update(context.Background(), a.ID, models.UpdateServerRequest{Name: &newName})
	require.NoError(t, err)

	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	second := toolNames(t, mustResult(t, sse.nextResponse(t)))

	assert.Equal(t, first, second)
}

func TestUnifiedSession_ValidationAppliesToNamespacedCalls(t *testing.T) {
	h := newProxyHarness(t)
	a := h.addServer(t, "alpha", "greet")

	validate := true
	_, err := h.projects.Update(context.Background(), h.project.ID, models.UpdateProjectRequest{
		ValidateToolArgs: &validate,
	})
	require.NoError(t, err)

	_, err = h.tools.Sync(context.Background(), a.ID, []models.DiscoveredTool{{
		Name:        "greet",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
	}})
	require.NoError(t, err)

	tr := h.unifiedSession()
	sse := startSSE(t, tr)

	h.dispatch(t, tr, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"alpha.greet","arguments":{}}}`)

	resp := sse.nextResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidParams, resp.Error.Code)
	assert.Contains(t, resp.Error.Data, "name")
}

func mustResult(t *testing.T, resp rpcEnvelope) json.RawMessage {
	t.Helper()
	require.Nil(t, resp.Error)
	return resp.Result
}
