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

// boundServer resolves the single-server session's target with decrypted
// launch config, rejecting servers that were deleted or disabled mid-session.
func (e *Engine) boundServer(ctx context.Context, t *session.Transport) (*models.McpServer, *mcp.RPCError) {
	server, err := e.servers.GetWithSecrets(ctx, t.ServerID())
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "Server not found"}
		}
		e.logger.Error("Failed to load server", "server_id", t.ServerID(), "error", err)
		return nil, &mcp.RPCError{Code: mcp.CodeInternalError, Message: "Internal error"}
	}
	if !server.IsEnabled {
		return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "Server is disabled"}
	}
	return server, nil
}

// singleToolsList proxies tools/list to the bound child and applies the
// project's tool policy. Names stay un-namespaced.
func (e *Engine) singleToolsList(ctx context.Context, t *session.Transport, id json.RawMessage) []byte {
	server, rpcErr := e.boundServer(ctx, t)
	if rpcErr != nil {
		return e.rpcError(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}

	client, err := e.pool.Acquire(ctx, mcp.ChildConfigFor(server))
	if err != nil {
		e.logger.Warn("Failed to reach MCP server",
			"server_id", server.ID, "error_type", mcp.ClassifyError(err), "error", err)
		return e.rpcError(id, mcp.CodeInternalError, "MCP server unavailable", err.Error())
	}

	discovered, err := client.ListTools(ctx)
	if err != nil {
		var childErr *mcp.RPCError
		if errors.As(err, &childErr) {
			return e.rpcError(id, childErr.Code, childErr.Message, childErr.Data)
		}
		return e.rpcError(id, mcp.CodeInternalError, "tools/list failed", err.Error())
	}

	visible, err := e.visibleTools(ctx, server.ProjectID, server.ID, discovered)
	if err != nil {
		e.logger.Error("Failed to load tool preferences", "server_id", server.ID, "error", err)
		return e.rpcError(id, mcp.CodeInternalError, "Internal error", nil)
	}
	return e.result(id, toolsResult{Tools: visible})
}

// singleToolCall proxies one tools/call to the bound child. The child's
// JSON-RPC errors pass through with their original code; transport failures
// map to -32603.
func (e *Engine) singleToolCall(ctx context.Context, t *session.Transport, id json.RawMessage, params callParams) []byte {
	server, rpcErr := e.boundServer(ctx, t)
	if rpcErr != nil {
		return e.rpcError(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}

	disabled, err := e.prefs.DisabledTools(ctx, server.ProjectID, server.ID)
	if err != nil {
		e.logger.Error("Failed to load tool preferences", "server_id", server.ID, "error", err)
		return e.rpcError(id, mcp.CodeInternalError, "Internal error", nil)
	}
	if disabled[params.Name] {
		return e.rpcError(id, mcp.CodeMethodNotFound, "Tool is disabled: "+params.Name, nil)
	}
	if rpcErr := e.validateArguments(ctx, server.ProjectID, server.ID, params.Name, params.Arguments); rpcErr != nil {
		return e.rpcError(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}

	client, err := e.pool.Acquire(ctx, mcp.ChildConfigFor(server))
	if err != nil {
		e.logToolCall(ctx, models.ToolCallEntry{
			ServerID:  server.ID,
			ProjectID: server.ProjectID,
			ToolName:  params.Name,
			Input:     marshalArguments(params.Arguments),
			Status:    models.ToolCallFailed,
			Error:     err.Error(),
		})
		return e.rpcError(id, mcp.CodeInternalError, "MCP server unavailable", err.Error())
	}

	started := time.Now()
	raw, err := client.CallTool(ctx, params.Name, params.Arguments)
	elapsed := time.Since(started).Milliseconds()

	entry := models.ToolCallEntry{
		ServerID:        server.ID,
		ProjectID:       server.ProjectID,
		ToolName:        params.Name,
		Input:           marshalArguments(params.Arguments),
		Status:          models.ToolCallSuccess,
		ExecutionTimeMS: elapsed,
	}

	if err != nil {
		entry.Status = models.ToolCallFailed
		entry.Error = err.Error()
		e.logToolCall(ctx, entry)

		var childErr *mcp.RPCError
		if errors.As(err, &childErr) {
			return e.rpcError(id, childErr.Code, childErr.Message, childErr.Data)
		}
		return e.rpcError(id, mcp.CodeInternalError, "Tool call failed", err.Error())
	}

	entry.Output = raw
	e.logToolCall(ctx, entry)
	return e.result(id, json.RawMessage(raw))
}
