package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/conduit-mcp/conduit/pkg/models"
	"github.com/conduit-mcp/conduit/pkg/version"
)

// DefaultRequestTimeout bounds requests when the server config carries no
// timeout of its own.
const DefaultRequestTimeout = 30 * time.Second

// closeGracePeriod is how long each rung of the close ladder waits before
// escalating: stdin close → SIGTERM → SIGKILL.
const closeGracePeriod = 5 * time.Second

// State is the lifecycle phase of a child client. Idle and in-flight are both
// StateInitialized; the InFlight counter distinguishes them.
type State int32

const (
	StateSpawned State = iota
	StateInitialized
	StateClosing
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateInitialized:
		return "initialized"
	case StateClosing:
		return "closing"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ChildConfig is the validated, decrypted launch spec for one child process.
// Env entries overlay the inherited parent environment. Plaintext args and
// env live only as long as this struct; nothing persists them.
type ChildConfig struct {
	ProjectID string
	ServerID  string
	Name      string
	Command   string
	Args      []string
	Env       map[string]string
	Timeout   time.Duration
}

// ChildConfigFor converts a server row with decrypted secrets into a spawn
// spec. A zero timeout falls back to DefaultRequestTimeout at request time.
func ChildConfigFor(server *models.McpServer) ChildConfig {
	return ChildConfig{
		ProjectID: server.ProjectID,
		ServerID:  server.ID,
		Name:      server.Name,
		Command:   server.Command,
		Args:      server.Args,
		Env:       server.Env,
		Timeout:   time.Duration(server.TimeoutS) * time.Second,
	}
}

// ChildClient owns one MCP child process: its pipes, its JSON-RPC correlator,
// and its lifecycle. Safe for concurrent use; requests from multiple sessions
// interleave on the wire and are matched back by id.
type ChildClient struct {
	cfg ChildConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	codec  *lineCodec
	stderr *stderrBuffer

	state    atomic.Int32
	inFlight atomic.Int64
	lastUsed atomic.Int64

	// ioDone is waited on before reaping so cmd.Wait never closes the pipes
	// out from under the stdout/stderr readers.
	ioDone  sync.WaitGroup
	exited  chan struct{}
	exitErr error

	closeOnce sync.Once
	closeErr  error

	// escalation waits, shortened in tests
	gracePeriod time.Duration
	termPeriod  time.Duration

	serverInfo ServerInfo
	logger     *slog.Logger
}

// Spawn launches the child process and performs the MCP initialize handshake.
// On any startup failure the process is torn down and an *InitError carrying
// the extracted stderr phrase is returned.
func Spawn(ctx context.Context, cfg ChildConfig, logger *slog.Logger) (*ChildClient, error) {
	if cfg.Command == "" {
		return nil, &InitError{Server: cfg.Name, Err: errors.New("command must not be empty")}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("server", cfg.Name, "server_id", cfg.ServerID)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &InitError{Server: cfg.Name, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &InitError{Server: cfg.Name, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &InitError{Server: cfg.Name, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &InitError{Server: cfg.Name, Err: fmt.Errorf("spawn: %w", err)}
	}

	c := &ChildClient{
		cfg:         cfg,
		cmd:         cmd,
		stdin:       stdin,
		codec:       newLineCodec(stdin, logger),
		stderr:      &stderrBuffer{},
		exited:      make(chan struct{}),
		gracePeriod: closeGracePeriod,
		termPeriod:  closeGracePeriod,
		logger:      logger,
	}
	c.state.Store(int32(StateSpawned))
	c.touch()

	c.ioDone.Add(2)
	go func() {
		defer c.ioDone.Done()
		c.stderr.capture(stderrPipe)
	}()
	go func() {
		defer c.ioDone.Done()
		c.codec.readLoop(stdout)
	}()
	go c.reap()

	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return nil, &InitError{
			Server: cfg.Name,
			Detail: ExtractMeaningfulError(c.stderr.contents()),
			Err:    err,
		}
	}

	c.state.Store(int32(StateInitialized))
	c.logger.Info("MCP child initialized",
		"pid", cmd.Process.Pid, "server_name", c.serverInfo.Name)
	return c, nil
}

// reap waits for the readers to drain, reaps the process, and fails any
// waiters still pending. Runs once per child, starting at spawn.
func (c *ChildClient) reap() {
	c.ioDone.Wait()
	err := c.cmd.Wait()

	c.state.Store(int32(StateDead))
	c.exitErr = err
	close(c.exited)
	c.codec.failPending()

	c.logger.Debug("MCP child exited", "error", err)
}

// initialize performs the MCP handshake within the configured timeout.
func (c *ChildClient) initialize(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: version.AppName, Version: version.GitCommit},
	}
	resp, err := c.codec.request(initCtx, "initialize", params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize rejected: %w", resp.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("invalid initialize result: %w", err)
	}
	c.serverInfo = result.ServerInfo

	// The child may not serve requests until it sees this notification.
	if err := c.codec.notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// request guards a JSON-RPC call with liveness and in-flight accounting.
func (c *ChildClient) request(ctx context.Context, method string, params any) (*Response, error) {
	if s := c.State(); s == StateDead || s == StateClosing {
		return nil, ErrConnectionLost
	}
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	c.touch()

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return c.codec.request(opCtx, method, params)
}

// ListTools fetches the child's tool inventory via tools/list.
func (c *ChildClient) ListTools(ctx context.Context) ([]models.DiscoveredTool, error) {
	resp, err := c.request(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("invalid tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool by its original (un-namespaced) name. The child's
// result passes through unchanged as raw JSON; a JSON-RPC error from the child
// is returned as *RPCError with its original code and message.
func (c *ChildClient) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	resp, err := c.request(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Close shuts the child down: close stdin, wait for a graceful exit, escalate
// to SIGTERM, then SIGKILL. The process is always reaped before Close returns.
// Idempotent and safe to call from any goroutine.
func (c *ChildClient) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.shutdown()
	})
	return c.closeErr
}

func (c *ChildClient) shutdown() error {
	c.state.Store(int32(StateClosing))

	_ = c.stdin.Close()
	if c.waitExit(c.gracePeriod) {
		return nil
	}

	c.logger.Warn("MCP child ignored stdin close, sending SIGTERM", "pid", c.cmd.Process.Pid)
	_ = c.cmd.Process.Signal(syscall.SIGTERM)
	if c.waitExit(c.termPeriod) {
		return nil
	}

	c.logger.Warn("MCP child ignored SIGTERM, killing", "pid", c.cmd.Process.Pid)
	_ = c.cmd.Process.Kill()
	<-c.exited
	return nil
}

func (c *ChildClient) waitExit(d time.Duration) bool {
	select {
	case <-c.exited:
		return true
	case <-time.After(d):
		return false
	}
}

// Alive reports whether the child can still take requests: the process has
// not exited and no shutdown is in progress.
func (c *ChildClient) Alive() bool {
	select {
	case <-c.exited:
		return false
	default:
	}
	s := c.State()
	return s != StateDead && s != StateClosing
}

// State returns the current lifecycle phase.
func (c *ChildClient) State() State { return State(c.state.Load()) }

// InFlight returns the number of requests currently awaiting responses.
func (c *ChildClient) InFlight() int64 { return c.inFlight.Load() }

// ServerInfo returns the child's self-identification from initialize.
func (c *ChildClient) ServerInfo() ServerInfo { return c.serverInfo }

// Stderr returns the extracted error phrase from the child's recent stderr,
// or "" when nothing useful was captured.
func (c *ChildClient) Stderr() string {
	return ExtractMeaningfulError(c.stderr.contents())
}

func (c *ChildClient) touch() { c.lastUsed.Store(time.Now().UnixNano()) }

// IdleFor returns how long ago the client last carried a request.
func (c *ChildClient) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastUsed.Load()))
}

// Probe spawns a child, performs the handshake, fetches its tool list, and
// tears the process down again. One-shot connection test for the scheduler.
func Probe(ctx context.Context, cfg ChildConfig, logger *slog.Logger) ([]models.DiscoveredTool, error) {
	c, err := Spawn(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	return c.ListTools(ctx)
}
