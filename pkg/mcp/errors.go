package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the codec and child client.
var (
	// ErrConnectionLost means the child's stdout stream closed while requests
	// were outstanding, or a request was attempted against a dead child.
	ErrConnectionLost = errors.New("connection to MCP server lost")

	// ErrTimeout means a request's deadline elapsed before the child responded.
	ErrTimeout = errors.New("request timed out")
)

// InitError reports a failed child startup. Detail carries the phrase
// extracted from the child's stderr, when one was captured.
type InitError struct {
	Server string
	Detail string
	Err    error
}

func (e *InitError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("initialization failed for %q: %s", e.Server, e.Detail)
	}
	return fmt.Sprintf("initialization failed for %q: %v", e.Server, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// ErrorType classifies an MCP operation failure. Classification drives
// per-session health transitions and scheduler status decisions, never the
// JSON-RPC codes sent to clients.
type ErrorType string

const (
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeConnection     ErrorType = "connection"
	ErrorTypeInitialization ErrorType = "initialization"
	ErrorTypeProtocol       ErrorType = "protocol"
	ErrorTypeToolExecution  ErrorType = "tool_execution"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// ClassifyError buckets an error by keyword. Checks run in priority order; the
// first matching bucket wins, so "tool call timed out" classifies as timeout,
// not tool execution.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return ErrorTypeTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ErrorTypeTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused") || strings.Contains(msg, "reset"):
		return ErrorTypeConnection
	case strings.Contains(msg, "initialize") || strings.Contains(msg, "initialization"):
		return ErrorTypeInitialization
	case strings.Contains(msg, "protocol") || strings.Contains(msg, "invalid message"):
		return ErrorTypeProtocol
	case strings.Contains(msg, "tool"):
		return ErrorTypeToolExecution
	default:
		return ErrorTypeUnknown
	}
}
