package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// maxLineSize bounds a single stdout frame. Children emitting a longer line
// break the scanner, which the client treats as a dead stream.
const maxLineSize = 1024 * 1024

// lineCodec frames JSON-RPC messages as newline-delimited JSON on a byte
// stream and correlates responses to requests by id.
//
// Writes are serialized by a mutex so concurrent requesters never produce a
// torn line. The read loop is the sole reader of the stream; when it exits,
// every pending waiter fails with ErrConnectionLost.
type lineCodec struct {
	w      io.Writer
	wm     sync.Mutex
	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *Response
	closed    bool

	logger *slog.Logger
}

func newLineCodec(w io.Writer, logger *slog.Logger) *lineCodec {
	return &lineCodec{
		w:       w,
		pending: make(map[int64]chan *Response),
		logger:  logger,
	}
}

// send marshals v and writes it as one line under the writer mutex.
func (c *lineCodec) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.wm.Lock()
	defer c.wm.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// notify sends a JSON-RPC notification. No response is expected.
func (c *lineCodec) notify(method string, params any) error {
	return c.send(notification{JSONRPC: "2.0", Method: method, Params: params})
}

// request sends an id-bearing request and blocks until the matching response
// arrives, the context expires, or the stream closes. A deadline expiry is
// reported as ErrTimeout; the waiter is deregistered on every exit path.
func (c *lineCodec) request(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, ErrConnectionLost
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.send(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.drop(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-ctx.Done():
		c.drop(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

func (c *lineCodec) drop(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// readLoop consumes the stream line by line until EOF or a read error, then
// fails all pending waiters. Empty and malformed lines are skipped, never
// fatal; plenty of MCP servers print banners or debug output to stdout.
func (c *lineCodec) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, maxLineSize)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg incoming
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("Skipping malformed frame from MCP server", "error", err)
			continue
		}

		switch {
		case msg.ID != nil && msg.Method == "":
			c.dispatch(&Response{JSONRPC: msg.JSONRPC, ID: *msg.ID, Result: msg.Result, Error: msg.Error})
		case msg.Method != "":
			// Server-initiated traffic (notifications, sampling requests)
			// is out of scope for the proxy path.
			c.logger.Debug("Ignoring server-initiated message", "method", msg.Method)
		default:
			c.logger.Warn("Dropping frame with neither id nor method")
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("MCP stdout read loop ended", "error", err)
	}
	c.failPending()
}

// dispatch resolves the waiter registered for the response id, if any. The
// waiter channel is buffered, so delivery never blocks the read loop even if
// the requester already timed out.
func (c *lineCodec) dispatch(resp *Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("No waiter for response", "id", resp.ID)
		return
	}
	ch <- resp
}

// failPending closes every waiter channel and refuses new requests.
// Idempotent: both the read loop and the process reaper call it.
func (c *lineCodec) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
