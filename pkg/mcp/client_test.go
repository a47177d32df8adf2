package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperConfig builds a ChildConfig that re-executes this test binary as the
// child process. TestHelperProcess picks the behavior from MCP_HELPER_MODE.
func helperConfig(mode string) ChildConfig {
	return ChildConfig{
		ProjectID: "proj-test",
		ServerID:  "srv-" + mode,
		Name:      mode,
		Command:   os.Args[0],
		Args:      []string{"-test.run=TestHelperProcess"},
		Env: map[string]string{
			"GO_MCP_HELPER":   "1",
			"MCP_HELPER_MODE": mode,
		},
		Timeout: 5 * time.Second,
	}
}

// TestHelperProcess is not a real test: spawned children re-enter the test
// binary here. A normal test run skips it because the env gate is unset.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_MCP_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	switch os.Getenv("MCP_HELPER_MODE") {
	case "sdk":
		runSDKHelper()
	case "noisy":
		runStdioResponder(true)
	case "crash":
		fmt.Fprintln(os.Stderr, "npm WARN old lockfile")
		fmt.Fprintln(os.Stderr, "\x1b[31mError: MISSING_TOKEN is not set\x1b[0m")
		os.Exit(1)
	case "mute":
		// Speaks no MCP at all; exits once stdin closes.
		_, _ = io.Copy(io.Discard, os.Stdin)
	case "clingy":
		// Serves normally but refuses to exit on stdin close.
		runStdioResponder(false)
		time.Sleep(time.Hour)
	case "immortal":
		// Survives stdin close and SIGTERM; only SIGKILL works.
		signal.Ignore(syscall.SIGTERM)
		runStdioResponder(false)
		time.Sleep(time.Hour)
	}
}

// runSDKHelper serves MCP over stdio using the official SDK, which gives the
// hand-rolled client a real counterpart to negotiate with.
func runSDKHelper() {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name: "sdk-helper", Version: "test",
	}, nil)

	server.AddTool(&mcpsdk.Tool{
		Name:        "echo",
		Description: "echoes its arguments back as text",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(req.Params.Arguments)}},
		}, nil
	})

	server.AddTool(&mcpsdk.Tool{
		Name:        "fail",
		Description: "always reports a tool error",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "tool failed on purpose"}},
			IsError: true,
		}, nil
	})

	server.AddTool(&mcpsdk.Tool{
		Name:        "sleep",
		Description: "sleeps briefly before answering",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		time.Sleep(300 * time.Millisecond)
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "done"}},
		}, nil
	})

	_ = server.Run(context.Background(), &mcpsdk.StdioTransport{})
}

// runStdioResponder is a minimal hand-rolled MCP server. With noisy set it
// interleaves banners and log lines on stdout between JSON-RPC frames, the
// way badly behaved real servers do.
func runStdioResponder(noisy bool) {
	out := bufio.NewWriter(os.Stdout)
	reply := func(format string, args ...any) {
		fmt.Fprintf(out, format+"\n", args...)
		out.Flush()
	}

	if noisy {
		reply("helper starting on stdio")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if noisy {
			reply("log: handling %s", req.Method)
		}
		if req.ID == nil {
			continue
		}

		switch req.Method {
		case "initialize":
			reply(`{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"responder","version":"0.0.1"}}}`, *req.ID)
		case "tools/list":
			reply(`{"jsonrpc":"2.0","id":%d,"result":{"tools":[{"name":"greet","description":"says hi","inputSchema":{"type":"object"}}]}}`, *req.ID)
		case "tools/call":
			var p struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &p)
			if p.Name != "greet" {
				reply(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"tool not found: %s"}}`, *req.ID, p.Name)
				continue
			}
			who, _ := p.Arguments["who"].(string)
			reply(`{"jsonrpc":"2.0","id":%d,"result":{"content":[{"type":"text","text":"hello %s"}]}}`, *req.ID, who)
		default:
			reply(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"unknown method"}}`, *req.ID)
		}
	}
}

// toolResult mirrors the MCP tools/call result shape for assertions.
type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func spawnHelper(t *testing.T, mode string) *ChildClient {
	t.Helper()
	c, err := Spawn(context.Background(), helperConfig(mode), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestChildClient_HandshakeAgainstSDKServer(t *testing.T) {
	c := spawnHelper(t, "sdk")

	assert.Equal(t, StateInitialized, c.State())
	assert.True(t, c.Alive())
	assert.Equal(t, "sdk-helper", c.ServerInfo().Name)
}

func TestChildClient_ListToolsAgainstSDKServer(t *testing.T) {
	c := spawnHelper(t, "sdk")

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.InputSchema)
	}
	assert.ElementsMatch(t, []string{"echo", "fail", "sleep"}, names)
}

func TestChildClient_CallToolRoundTripsArguments(t *testing.T) {
	c := spawnHelper(t, "sdk")

	raw, err := c.CallTool(context.Background(), "echo", map[string]any{"who": "world", "count": 3})
	require.NoError(t, err)

	var result toolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Content, 1)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"who":"world","count":3}`, result.Content[0].Text)
}

func TestChildClient_ToolErrorResultPassesThrough(t *testing.T) {
	c := spawnHelper(t, "sdk")

	// An isError result is a successful JSON-RPC exchange; it must not be
	// turned into a transport error.
	raw, err := c.CallTool(context.Background(), "fail", nil)
	require.NoError(t, err)

	var result toolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "tool failed on purpose", result.Content[0].Text)
}

func TestChildClient_InFlightAccounting(t *testing.T) {
	c := spawnHelper(t, "sdk")
	assert.Equal(t, int64(0), c.InFlight())

	done := make(chan error, 1)
	go func() {
		_, err := c.CallTool(context.Background(), "sleep", nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return c.InFlight() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, <-done)
	assert.Equal(t, int64(0), c.InFlight())
	assert.Less(t, c.IdleFor(), 2*time.Second)
}

func TestChildClient_GracefulCloseOnStdinClose(t *testing.T) {
	c := spawnHelper(t, "sdk")

	require.NoError(t, c.Close())
	assert.Equal(t, StateDead, c.State())
	assert.False(t, c.Alive())

	// Closed children refuse new requests instead of hanging.
	_, err := c.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestChildClient_NoisyStdoutTolerated(t *testing.T) {
	c := spawnHelper(t, "noisy")

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "greet", tools[0].Name)

	raw, err := c.CallTool(context.Background(), "greet", map[string]any{"who": "conduit"})
	require.NoError(t, err)

	var result toolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hello conduit", result.Content[0].Text)
}

func TestChildClient_ChildErrorKeepsCodeAndMessage(t *testing.T) {
	c := spawnHelper(t, "noisy")

	_, err := c.CallTool(context.Background(), "no_such_tool", nil)
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "tool not found: no_such_tool")
}

func TestChildClient_SpawnFailureExtractsStderr(t *testing.T) {
	_, err := Spawn(context.Background(), helperConfig("crash"), slog.Default())
	require.Error(t, err)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "crash", initErr.Server)
	assert.Equal(t, "Error: MISSING_TOKEN is not set", initErr.Detail)
	assert.Equal(t, ErrorTypeInitialization, ClassifyError(err))
}

func TestChildClient_InitializeTimeout(t *testing.T) {
	cfg := helperConfig("mute")
	cfg.Timeout = 300 * time.Millisecond

	start := time.Now()
	_, err := Spawn(context.Background(), cfg, slog.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestChildClient_SpawnEmptyCommand(t *testing.T) {
	_, err := Spawn(context.Background(), ChildConfig{Name: "empty"}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command must not be empty")
}

func TestChildClient_SpawnMissingBinary(t *testing.T) {
	cfg := helperConfig("sdk")
	cfg.Command = "/nonexistent/mcp-server-binary"

	_, err := Spawn(context.Background(), cfg, slog.Default())
	require.Error(t, err)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, ErrorTypeInitialization, ClassifyError(err))
}

func TestChildClient_CloseEscalatesToSIGTERM(t *testing.T) {
	c := spawnHelper(t, "clingy")
	c.gracePeriod = 100 * time.Millisecond
	c.termPeriod = 2 * time.Second

	require.NoError(t, c.Close())
	assert.Equal(t, StateDead, c.State())
	assert.False(t, c.Alive())
}

func TestChildClient_CloseEscalatesToKill(t *testing.T) {
	c := spawnHelper(t, "immortal")
	c.gracePeriod = 100 * time.Millisecond
	c.termPeriod = 100 * time.Millisecond

	require.NoError(t, c.Close())
	assert.Equal(t, StateDead, c.State())
	assert.False(t, c.Alive())
}

func TestChildClient_CloseIsIdempotent(t *testing.T) {
	c := spawnHelper(t, "sdk")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateDead, c.State())
}

func TestProbe_SpawnsListsAndTearsDown(t *testing.T) {
	tools, err := Probe(context.Background(), helperConfig("noisy"), slog.Default())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "greet", tools[0].Name)
}

func TestProbe_ReportsSpawnFailure(t *testing.T) {
	_, err := Probe(context.Background(), helperConfig("crash"), slog.Default())
	require.Error(t, err)

	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Contains(t, initErr.Detail, "MISSING_TOKEN")
}
