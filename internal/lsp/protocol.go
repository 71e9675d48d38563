// Package lsp is a small language-server client: Content-Length framed
// JSON-RPC over a process's stdio, the initialize/shutdown lifecycle, and a
// textDocument/definition resolver for the build.
package lsp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const jsonrpcVersion = "2.0"

// message is the union of requests, notifications and responses.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

type outgoing struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
}

// reply carries an explicit null result, which outgoing's omitempty would
// drop.
type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// WriteMessage writes v as one framed message.
func WriteMessage(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("lsp: marshal message: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(body))
	buf.Write(body)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("lsp: write message: %w", err)
	}
	return nil
}

// MaxMessageSize bounds the Content-Length ReadMessage accepts.
const MaxMessageSize = 64 << 20

// replyTimeout bounds the answer to a server-to-client request.
const replyTimeout = 5 * time.Second

// ReadMessage reads one framed message body. Headers other than
// Content-Length are ignored.
func ReadMessage(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("lsp: invalid Content-Length %q", value)
		}
		if n > MaxMessageSize {
			return nil, fmt.Errorf("lsp: Content-Length %d exceeds %d", n, MaxMessageSize)
		}
		length = n
	}
	if length <= 0 {
		return nil, fmt.Errorf("lsp: missing Content-Length")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("lsp: read body: %w", err)
	}
	return body, nil
}

type writeRequest struct {
	v    any
	errc chan error
}

// Conn is a JSON-RPC connection. Calls may be issued concurrently; a single
// goroutine reads and dispatches responses and another owns the writer, so
// a server that stops reading stdin cannot hold a caller past its context.
type Conn struct {
	r      *bufio.Reader
	w      io.Writer
	writes chan writeRequest
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan message
	closed  bool
	done    chan struct{}

	quit      chan struct{}
	closeOnce sync.Once
}

// NewConn starts reading server messages from r. Requests are written to w.
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{
		r:       bufio.NewReader(r),
		w:       w,
		writes:  make(chan writeRequest),
		pending: make(map[int64]chan message),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Done is closed once the connection stops reading.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Call sends a request and decodes the result into result (which may be
// nil). It returns ErrRequestTimeout when ctx ends first, including while
// the request is still being written.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	ch := make(chan message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	rawID := json.RawMessage(strconv.FormatInt(id, 10))
	if err := c.write(ctx, method, outgoing{JSONRPC: jsonrpcVersion, ID: rawID, Method: method, Params: params}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", ErrRequestTimeout, method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrClosed, method)
	case msg := <-ch:
		if msg.Error != nil {
			return msg.Error
		}
		if result == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, result); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, method, err)
		}
		return nil
	}
}

// Notify sends a notification. It gives up with ErrRequestTimeout when ctx
// ends before the message is written.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.write(ctx, method, outgoing{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

// Close stops accepting calls and stops the writer. It does not close the
// underlying streams; a write already blocked on them stays blocked until
// the caller closes the writer.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.quit) })
}

// write hands v to the writer goroutine and waits for the result or ctx.
// A message abandoned after hand-off may still be written later.
func (c *Conn) write(ctx context.Context, method string, v any) error {
	req := writeRequest{v: v, errc: make(chan error, 1)}
	select {
	case c.writes <- req:
	case <-ctx.Done():
		return fmt.Errorf("%w: write %s: %v", ErrRequestTimeout, method, ctx.Err())
	case <-c.quit:
		return fmt.Errorf("%w: %s", ErrClosed, method)
	}
	select {
	case err := <-req.errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: write %s: %v", ErrRequestTimeout, method, ctx.Err())
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.writes:
			req.errc <- WriteMessage(c.w, req.v)
		}
	}
}

func (c *Conn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	}()
	for {
		body, err := ReadMessage(c.r)
		if err != nil {
			if err != io.EOF {
				slog.Debug("lsp.read.error", slog.String("error", err.Error()))
			}
			return
		}
		var msg message
		if err := json.Unmarshal(body, &msg); err != nil {
			slog.Debug("lsp.read.malformed", slog.String("error", err.Error()))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Conn) reply(msg message) {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if err := c.write(ctx, msg.Method, reply{JSONRPC: jsonrpcVersion, ID: msg.ID, Result: json.RawMessage("null")}); err != nil {
		slog.Debug("lsp.reply.error", slog.String("method", msg.Method), slog.String("error", err.Error()))
	}
}

func (c *Conn) dispatch(msg message) {
	switch {
	case msg.Method != "" && len(msg.ID) > 0:
		// Server-to-client request (workspace/configuration,
		// window/workDoneProgress/create, ...). Answer null so the server
		// does not wait on us. The reply runs off the read loop so a stalled
		// writer cannot stop response dispatch.
		go c.reply(msg)
	case msg.Method != "":
		// Notification: diagnostics, progress and log messages are ignored.
	default:
		id, err := strconv.ParseInt(string(msg.ID), 10, 64)
		if err != nil {
			return
		}
		c.mu.Lock()
		ch := c.pending[id]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}
