package proxy

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/conduit-mcp/conduit/pkg/mcp"
	"github.com/conduit-mcp/conduit/pkg/session"
	"github.com/conduit-mcp/conduit/pkg/version"
)

// Accepted and OK are the POST handler bodies. Real responses travel over
// the SSE stream; the HTTP status only acknowledges receipt.
var (
	bodyAccepted = map[string]string{"status": "accepted"}
	bodyOK       = map[string]string{"status": "ok"}
)

// HandleMessage validates and dispatches one JSON-RPC message POSTed to a
// live session. Returns the HTTP status and body for the POST itself;
// responses to id-bearing requests are enqueued onto the session's SSE
// stream.
func (e *Engine) HandleMessage(ctx context.Context, t *session.Transport, body []byte) (int, any) {
	var msg clientMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return http.StatusBadRequest, map[string]string{"error": "invalid JSON-RPC payload"}
	}
	if msg.JSONRPC != "2.0" {
		return http.StatusBadRequest, map[string]string{"error": `jsonrpc must be "2.0"`}
	}
	if msg.Method == "" {
		e.enqueue(t, e.rpcError(msg.ID, mcp.CodeInvalidRequest, "Invalid Request: method is required", nil))
		return http.StatusAccepted, bodyAccepted
	}

	logger := e.logger.With("session_id", t.ID(), "method", msg.Method)
	logger.Debug("Dispatching session message")

	switch msg.Method {
	case "initialize":
		e.enqueue(t, e.initializeResponse(ctx, t, msg.ID))
		return http.StatusAccepted, bodyAccepted

	case "notifications/initialized":
		// The client acknowledged the handshake; nothing to send back.
		return http.StatusOK, bodyOK

	case "tools/list":
		e.enqueue(t, e.toolsListResponse(ctx, t, msg.ID))
		return http.StatusAccepted, bodyAccepted

	case "tools/call":
		if e.metrics != nil {
			e.metrics.RequestsInFlight.Inc()
			defer e.metrics.RequestsInFlight.Dec()
		}
		e.enqueue(t, e.toolCallResponse(ctx, t, msg))
		return http.StatusAccepted, bodyAccepted

	case "shutdown":
		t.EnqueueSentinel()
		return http.StatusOK, bodyOK

	default:
		logger.Debug("Unknown JSON-RPC method")
		e.enqueue(t, e.rpcError(msg.ID, mcp.CodeMethodNotFound, "Method not found: "+msg.Method, nil))
		return http.StatusAccepted, bodyAccepted
	}
}

// initializeResponse builds the MCP initialize result for either session
// mode. serverInfo names the bound server in single-server mode and the
// project in unified mode.
func (e *Engine) initializeResponse(ctx context.Context, t *session.Transport, id json.RawMessage) []byte {
	project, err := e.projects.GetByID(ctx, t.ProjectID())
	if err != nil {
		e.logger.Error("Failed to load project for initialize", "project_id", t.ProjectID(), "error", err)
		return e.rpcError(id, mcp.CodeInternalError, "Internal error", nil)
	}

	name := project.Name
	if !t.Unified() {
		server, err := e.servers.GetByID(ctx, t.ServerID())
		if err != nil {
			e.logger.Error("Failed to load server for initialize", "server_id", t.ServerID(), "error", err)
			return e.rpcError(id, mcp.CodeInternalError, "Internal error", nil)
		}
		name = server.Name
	}

	return e.result(id, initializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		ServerInfo:      mcp.ServerInfo{Name: name, Version: version.GitCommit},
		Instructions:    project.Instructions,
	})
}

func (e *Engine) toolsListResponse(ctx context.Context, t *session.Transport, id json.RawMessage) []byte {
	if t.Unified() {
		return e.unifiedToolsList(ctx, t, id)
	}
	return e.singleToolsList(ctx, t, id)
}

func (e *Engine) toolCallResponse(ctx context.Context, t *session.Transport, msg clientMessage) []byte {
	var params callParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return e.rpcError(msg.ID, mcp.CodeInvalidParams, "Invalid params: tool name required", nil)
	}

	if t.Unified() {
		return e.unifiedToolCall(ctx, t, msg.ID, params)
	}
	return e.singleToolCall(ctx, t, msg.ID, params)
}
