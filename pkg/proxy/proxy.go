// Package proxy is the JSON-RPC message engine between SSE sessions and MCP
// child processes. It dispatches client messages (initialize, tools/list,
// tools/call), applies per-project tool policy, and in unified mode fans out
// across every enabled server of a project with per-server fault isolation.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/conduit-mcp/conduit/pkg/mcp"
	"github.com/conduit-mcp/conduit/pkg/metrics"
	"github.com/conduit-mcp/conduit/pkg/models"
	"github.com/conduit-mcp/conduit/pkg/services"
	"github.com/conduit-mcp/conduit/pkg/session"
)

// Notifier publishes proxy activity onto the project event stream. Nil
// disables publishing; the proxy never depends on it succeeding.
type Notifier interface {
	ToolCallCompleted(ctx context.Context, entry models.ToolCallEntry)
}

// Deps carries the collaborators an Engine needs.
type Deps struct {
	Projects *services.ProjectService
	Servers  *services.ServerService
	Prefs    *services.PreferenceService
	Tools    *services.ToolService
	Logs     *services.LogService
	Pool     *mcp.ChildPool
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Engine routes JSON-RPC messages for live sessions. Stateless apart from its
// collaborators; all session state lives on the Transport.
type Engine struct {
	projects *services.ProjectService
	servers  *services.ServerService
	prefs    *services.PreferenceService
	tools    *services.ToolService
	logs     *services.LogService
	pool     *mcp.ChildPool
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		projects: deps.Projects,
		servers:  deps.Servers,
		prefs:    deps.Prefs,
		tools:    deps.Tools,
		logs:     deps.Logs,
		pool:     deps.Pool,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

// clientMessage is an incoming JSON-RPC message from an MCP client. The id is
// kept raw so numeric and string ids echo back unchanged.
type clientMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *mcp.RPCError   `json:"error,omitempty"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolsResult struct {
	Tools []models.DiscoveredTool `json:"tools"`
}

type serverCapabilities struct {
	Tools struct{} `json:"tools"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      mcp.ServerInfo     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

func (e *Engine) marshalResponse(resp rpcResponse) []byte {
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		// Only a child result with broken raw JSON can land here.
		e.logger.Error("Failed to marshal JSON-RPC response", "error", err)
		data, _ = json.Marshal(rpcResponse{
			JSONRPC: "2.0",
			ID:      resp.ID,
			Error:   &mcp.RPCError{Code: mcp.CodeInternalError, Message: "Internal error"},
		})
	}
	return data
}

func (e *Engine) result(id json.RawMessage, result any) []byte {
	return e.marshalResponse(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (e *Engine) rpcError(id json.RawMessage, code int, message string, data any) []byte {
	return e.marshalResponse(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &mcp.RPCError{Code: code, Message: message, Data: data},
	})
}

// enqueue delivers a computed response to the session's SSE stream. A full
// queue blocks until the SSE writer catches up; a closed session just drops
// the message, the client that asked is gone.
func (e *Engine) enqueue(t *session.Transport, msg []byte) {
	err := t.TryEnqueue(msg)
	if errors.Is(err, session.ErrQueueFull) {
		if e.metrics != nil {
			e.metrics.QueueFullBlocks.WithLabelValues(t.ProjectID()).Inc()
		}
		err = t.Enqueue(msg)
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.MessagesDropped.WithLabelValues(t.ProjectID()).Inc()
		}
		e.logger.Debug("Dropping response for closed session", "session_id", t.ID())
	}
}

// acquireChild resolves a server row with decrypted secrets and returns its
// pooled child client, spawning one when needed.
func (e *Engine) acquireChild(ctx context.Context, serverID string) (*mcp.ChildClient, *models.McpServer, error) {
	server, err := e.servers.GetWithSecrets(ctx, serverID)
	if err != nil {
		return nil, nil, err
	}
	client, err := e.pool.Acquire(ctx, mcp.ChildConfigFor(server))
	if err != nil {
		return nil, server, err
	}
	return client, server, nil
}

// logToolCall records a proxied call in the audit log and publishes the
// completion event. Best effort: persistence failures are logged, never
// surfaced to the client.
func (e *Engine) logToolCall(ctx context.Context, entry models.ToolCallEntry) {
	if e.metrics != nil {
		e.metrics.RecordToolCall(entry.ServerID, entry.ToolName, string(entry.Status),
			time.Duration(entry.ExecutionTimeMS)*time.Millisecond)
	}
	if err := e.logs.LogToolCall(ctx, entry); err != nil {
		e.logger.Warn("Failed to persist tool call log",
			"server_id", entry.ServerID, "tool", entry.ToolName, "error", err)
	}
	if e.notifier != nil {
		e.notifier.ToolCallCompleted(ctx, entry)
	}
	if entry.Status == models.ToolCallSuccess {
		if err := e.servers.RecordToolCall(ctx, entry.ServerID); err != nil {
			e.logger.Warn("Failed to bump server call counter", "server_id", entry.ServerID, "error", err)
		}
		if err := e.tools.RecordCall(ctx, entry.ServerID, entry.ToolName); err != nil {
			e.logger.Warn("Failed to bump tool call counter", "server_id", entry.ServerID, "error", err)
		}
	}
}

func marshalArguments(args map[string]any) json.RawMessage {
	if len(args) == 0 {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return data
}
