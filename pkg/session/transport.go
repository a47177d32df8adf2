// Package session holds the in-memory state of live SSE sessions: the
// per-session message queue bridging POST handlers to the SSE stream, the
// session registry, and per-session server health for unified mode.
package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-mcp/conduit/pkg/mcp"
)

const (
	// defaultQueueSize bounds the per-session message queue. A full queue
	// blocks the POST handler, which is the intended backpressure.
	defaultQueueSize = 32

	// keepaliveInterval is how long the SSE writer waits on an empty queue
	// before emitting a comment line to keep proxies from cutting the stream.
	keepaliveInterval = 30 * time.Second

	// DefaultSeparator joins a server namespace and a tool name in unified
	// sessions.
	DefaultSeparator = "."
)

// Config describes one SSE session at creation time.
type Config struct {
	ProjectID string

	// ServerID binds a single-server session to its one child. Empty for
	// unified sessions.
	ServerID string

	// Unified sessions aggregate every enabled server of the project.
	Unified bool

	// MessagesPath is the POST endpoint for this session, without the
	// sessionId query parameter.
	MessagesPath string

	// QueueSize overrides defaultQueueSize when positive.
	QueueSize int

	// Separator overrides DefaultSeparator for namespaced tool names.
	Separator string
}

// Transport is the stateful bridge between one SSE client connection and the
// JSON-RPC messages addressed to it. The POST handler produces into the
// bounded queue; the SSE writer consumes. A nil message is the shutdown
// sentinel.
type Transport struct {
	id        string
	projectID string
	serverID  string
	unified   bool
	createdAt time.Time

	messagesPath string

	queue chan []byte
	done  chan struct{}

	connected atomic.Bool
	closeOnce sync.Once

	// keepalive is shortened in tests.
	keepalive time.Duration

	// unified-session state; nil for single-server sessions
	health     *HealthMap
	namespaces *mcp.NamespaceRegistry
}

// NewTransport creates a session with a fresh uuid and an empty queue. The
// caller registers it with the Manager and runs the SSE loop.
func NewTransport(cfg Config) *Transport {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	sep := cfg.Separator
	if sep == "" {
		sep = DefaultSeparator
	}

	t := &Transport{
		id:           uuid.New().String(),
		projectID:    cfg.ProjectID,
		serverID:     cfg.ServerID,
		unified:      cfg.Unified,
		createdAt:    time.Now(),
		messagesPath: cfg.MessagesPath,
		queue:        make(chan []byte, size),
		done:         make(chan struct{}),
		keepalive:    keepaliveInterval,
	}
	t.connected.Store(true)

	if cfg.Unified {
		t.health = NewHealthMap()
		t.namespaces = mcp.NewNamespaceRegistry(sep)
	}
	return t
}

// ID returns the generated session id.
func (t *Transport) ID() string { return t.id }

// ProjectID returns the owning project.
func (t *Transport) ProjectID() string { return t.projectID }

// ServerID returns the bound server for single-server sessions, "" otherwise.
func (t *Transport) ServerID() string { return t.serverID }

// Unified reports whether this session aggregates all project servers.
func (t *Transport) Unified() bool { return t.unified }

// CreatedAt returns the session creation time.
func (t *Transport) CreatedAt() time.Time { return t.createdAt }

// Connected reports whether the SSE stream is still believed attached.
func (t *Transport) Connected() bool { return t.connected.Load() }

// Health returns the per-session server health map. Nil for single-server
// sessions.
func (t *Transport) Health() *HealthMap { return t.health }

// Namespaces returns the session's namespace registry. Nil for single-server
// sessions.
func (t *Transport) Namespaces() *mcp.NamespaceRegistry { return t.namespaces }

// EndpointURL is the message-POST URL announced in the initial SSE event.
func (t *Transport) EndpointURL() string {
	return t.messagesPath + "?sessionId=" + t.id
}

// Enqueue appends one JSON-RPC message for delivery on the SSE stream.
// Blocks while the queue is full; fails once the session closed.
func (t *Transport) Enqueue(msg []byte) error {
	if msg == nil {
		return ErrClosed
	}
	select {
	case t.queue <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// TryEnqueue is Enqueue without the blocking: ErrQueueFull when the queue has
// no room right now, ErrClosed when the session is gone.
func (t *Transport) TryEnqueue(msg []byte) error {
	if msg == nil {
		return ErrClosed
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.queue <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// EnqueueSentinel asks the SSE writer to finish after draining what is
// already queued. When the queue has no room the session is closed directly;
// nothing behind a full queue matters to a client that asked to shut down.
func (t *Transport) EnqueueSentinel() {
	select {
	case t.queue <- nil:
	case <-t.done:
	default:
		t.Close()
	}
}

// Close marks the session disconnected and releases every blocked producer.
// Idempotent.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.done)
	})
}

// Drain discards whatever is still queued. Called during teardown after the
// writer stopped consuming.
func (t *Transport) Drain() {
	for {
		select {
		case <-t.queue:
		default:
			return
		}
	}
}

// Run writes the SSE stream: the endpoint handshake first, then queued
// messages as data frames, with comment keepalives while idle. Returns nil
// on sentinel or Close, the write error on client disconnect, ctx.Err on
// request cancellation. The caller owns cleanup (Close, Drain, deregister).
func (t *Transport) Run(ctx context.Context, w io.Writer) error {
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	if _, err := fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", t.EndpointURL()); err != nil {
		return err
	}
	flush()

	timer := time.NewTimer(t.keepalive)
	defer timer.Stop()

	keepalives := 0
	for {
		select {
		case msg := <-t.queue:
			if msg == nil {
				return nil
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return err
			}
			flush()
		case <-t.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			keepalives++
			if _, err := fmt.Fprintf(w, ": keepalive-%d\n\n", keepalives); err != nil {
				return err
			}
			flush()
		}
		timer.Stop()
		timer.Reset(t.keepalive)
	}
}
