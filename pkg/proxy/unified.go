package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/conduit-mcp/conduit/pkg/mcp"
	"github.com/conduit-mcp/conduit/pkg/models"
	"github.com/conduit-mcp/conduit/pkg/services"
	"github.com/conduit-mcp/conduit/pkg/session"
)

// ensureNamespaces loads the project's enabled servers and registers each one
// in the session's namespace registry. Assignments are sticky for the session
// lifetime, so servers enabled mid-session join on their next use while
// existing prefixes never move.
func (e *Engine) ensureNamespaces(ctx context.Context, t *session.Transport) ([]*models.McpServer, error) {
	servers, err := e.servers.ListEnabledByProject(ctx, t.ProjectID())
	if err != nil {
		return nil, err
	}
	reg := t.Namespaces()
	for _, server := range servers {
		reg.Assign(server.ID, server.Name)
	}
	return servers, nil
}

// unifiedToolsList aggregates tools/list across every enabled server of the
// project. Each server is its own failure domain: a server that cannot be
// reached is recorded against session health and omitted, never failing the
// whole response. Servers in the failed state are skipped outright until
// their cooldown expires.
func (e *Engine) unifiedToolsList(ctx context.Context, t *session.Transport, id json.RawMessage) []byte {
	servers, err := e.ensureNamespaces(ctx, t)
	if err != nil {
		e.logger.Error("Failed to list project servers", "project_id", t.ProjectID(), "error", err)
		return e.rpcError(id, mcp.CodeInternalError, "Internal error", nil)
	}

	health := t.Health()
	reg := t.Namespaces()
	merged := make([]models.DiscoveredTool, 0)
	for _, server := range servers {
		if health.ShouldSkip(server.ID) {
			e.logger.Debug("Skipping failed server in aggregation",
				"server_id", server.ID, "server_name", server.Name)
			continue
		}

		client, _, err := e.acquireChild(ctx, server.ID)
		if err != nil {
			e.recordServerFailure(t, server, err, "tools/list")
			continue
		}
		discovered, err := client.ListTools(ctx)
		if err != nil {
			e.recordServerFailure(t, server, err, "tools/list")
			continue
		}

		visible, err := e.visibleTools(ctx, server.ProjectID, server.ID, discovered)
		if err != nil {
			e.logger.Error("Failed to load tool preferences",
				"server_id", server.ID, "error", err)
			continue
		}
		for i := range visible {
			visible[i].Name = reg.Namespaced(server.ID, visible[i].Name)
		}
		merged = append(merged, visible...)
		health.RecordSuccess(server.ID, len(visible))
	}

	return e.result(id, toolsResult{Tools: merged})
}

// unifiedToolCall routes a namespaced tools/call to the owning server. The
// namespace resolves against the session registry; anything the registry does
// not know is a -32601. Child failures of any kind surface as -32603 with the
// underlying message as data, keeping per-server error detail out of the
// top-level code space.
func (e *Engine) unifiedToolCall(ctx context.Context, t *session.Transport, id json.RawMessage, params callParams) []byte {
	if _, err := e.ensureNamespaces(ctx, t); err != nil {
		e.logger.Error("Failed to list project servers", "project_id", t.ProjectID(), "error", err)
		return e.rpcError(id, mcp.CodeInternalError, "Internal error", nil)
	}

	serverID, toolName, err := t.Namespaces().Resolve(params.Name)
	if err != nil {
		return e.rpcError(id, mcp.CodeMethodNotFound, "Unknown tool: "+params.Name, nil)
	}

	server, err := e.servers.GetWithSecrets(ctx, serverID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			// Deleted mid-session. The prefix stays registered but routes nowhere.
			return e.rpcError(id, mcp.CodeMethodNotFound, "Unknown tool: "+params.Name, nil)
		}
		e.logger.Error("Failed to load server", "server_id", serverID, "error", err)
		return e.rpcError(id, mcp.CodeInternalError, "Internal error", nil)
	}
	if !server.IsEnabled {
		return e.rpcError(id, mcp.CodeMethodNotFound, "Server is disabled: "+server.Name, nil)
	}

	disabled, err := e.prefs.DisabledTools(ctx, t.ProjectID(), serverID)
	if err != nil {
		e.logger.Error("Failed to load tool preferences", "server_id", serverID, "error", err)
		return e.rpcError(id, mcp.CodeInternalError, "Internal error", nil)
	}
	if disabled[toolName] {
		return e.rpcError(id, mcp.CodeMethodNotFound, "Tool is disabled: "+params.Name, nil)
	}

	if rpcErr := e.knownTool(ctx, serverID, toolName, params.Name); rpcErr != nil {
		return e.rpcError(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	if rpcErr := e.validateArguments(ctx, t.ProjectID(), serverID, toolName, params.Arguments); rpcErr != nil {
		return e.rpcError(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}

	client, err := e.pool.Acquire(ctx, mcp.ChildConfigFor(server))
	if err != nil {
		e.logToolCall(ctx, models.ToolCallEntry{
			ServerID:  server.ID,
			ProjectID: t.ProjectID(),
			ToolName:  toolName,
			Input:     marshalArguments(params.Arguments),
			Status:    models.ToolCallFailed,
			Error:     err.Error(),
		})
		e.recordServerFailure(t, server, err, "tools/call")
		return e.rpcError(id, mcp.CodeInternalError, "MCP server unavailable", childErrorDetail(err))
	}

	started := time.Now()
	raw, callErr := client.CallTool(ctx, toolName, params.Arguments)
	elapsed := time.Since(started).Milliseconds()

	entry := models.ToolCallEntry{
		ServerID:        serverID,
		ProjectID:       t.ProjectID(),
		ToolName:        toolName,
		Input:           marshalArguments(params.Arguments),
		Status:          models.ToolCallSuccess,
		ExecutionTimeMS: elapsed,
	}

	if callErr != nil {
		entry.Status = models.ToolCallFailed
		entry.Error = callErr.Error()
		e.logToolCall(ctx, entry)

		var childErr *mcp.RPCError
		if errors.As(callErr, &childErr) && childErr.Code == mcp.CodeMethodNotFound {
			// The child does not know the tool. A client mistake, not a
			// server failure, so health is untouched.
			return e.rpcError(id, mcp.CodeMethodNotFound, "Unknown tool: "+params.Name, nil)
		}
		e.recordServerFailure(t, server, callErr, "tools/call")
		return e.rpcError(id, mcp.CodeInternalError, "Tool call failed", childErrorDetail(callErr))
	}

	entry.Output = raw
	e.logToolCall(ctx, entry)
	t.Health().RecordCallSuccess(serverID)
	return e.result(id, json.RawMessage(raw))
}

// knownTool rejects calls for tools absent from the server's synced catalog.
// A server the scheduler has never successfully discovered has an empty
// catalog, in which case the call passes through so a fresh server is usable
// before its first sync.
func (e *Engine) knownTool(ctx context.Context, serverID, toolName, namespacedName string) *mcp.RPCError {
	_, err := e.tools.GetByName(ctx, serverID, toolName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, services.ErrNotFound) {
		e.logger.Warn("Tool catalog lookup failed", "server_id", serverID, "tool", toolName, "error", err)
		return nil
	}
	count, err := e.tools.CountByServer(ctx, serverID)
	if err != nil || count == 0 {
		return nil
	}
	return &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "Unknown tool: " + namespacedName}
}

// recordServerFailure updates session health with the classified error and
// logs the incident once, in one place.
func (e *Engine) recordServerFailure(t *session.Transport, server *models.McpServer, err error, op string) {
	errType := mcp.ClassifyError(err)
	t.Health().RecordFailure(server.ID, errType)
	e.logger.Warn("MCP server failed during unified "+op,
		"server_id", server.ID,
		"server_name", server.Name,
		"error_type", errType,
		"error", err)
}

// childErrorDetail extracts the most useful message to hand back as JSON-RPC
// error data. Child-reported errors keep their message; transport errors keep
// their text.
func childErrorDetail(err error) string {
	var childErr *mcp.RPCError
	if errors.As(err, &childErr) {
		return childErr.Message
	}
	return err.Error()
}
