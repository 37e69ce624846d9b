// Package jsonrpc implements bidirectional JSON-RPC 2.0 framed as one JSON
// object per line over a subprocess's stdio. Both sides may send requests:
// agent CLIs use peer-initiated requests for tool-permission prompts, so the
// client routes inbound requests to registered handlers and frames their
// responses back on the same channel.
package jsonrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbitd/orbit/pkg/metrics"
)

// maxLineBytes rejects oversized frames as protocol errors.
const maxLineBytes = 1 << 20 // 1 MiB

// DefaultRequestTimeout applies when the caller passes no explicit budget.
const DefaultRequestTimeout = 5 * time.Second

// StartupTimeout is the budget for the initial process handshake.
const StartupTimeout = 30 * time.Second

// NotificationHandler receives the params of an inbound notification.
type NotificationHandler func(params json.RawMessage)

// RequestHandler serves an inbound peer request. Return a result value, or
// an error (a *RPCError controls the wire code; any other error maps to an
// internal error).
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// RequestIDHandler is a RequestHandler that also receives the peer's request
// id. Approval flows key their pending state by that id.
type RequestIDHandler func(ctx context.Context, id uint64, params json.RawMessage) (any, error)

type pendingRequest struct {
	ch chan inboundMessage
}

type sessionHandler struct {
	id int
	fn NotificationHandler
}

// Client speaks line-framed JSON-RPC over a writer (peer stdin) and a reader
// (peer stdout). Create with New, then call Run once (typically in a
// goroutine); the client becomes unusable after the reader reaches EOF.
type Client struct {
	w       io.Writer
	r       io.Reader
	writeMu sync.Mutex

	nextID        atomic.Uint64
	nextHandlerID atomic.Int64

	mu              sync.Mutex
	pending         map[uint64]*pendingRequest
	notifHandlers   map[string][]NotificationHandler
	reqHandlers     map[string]RequestIDHandler
	sessionHandlers map[string][]sessionHandler
	closed          bool

	done chan struct{}
}

// inboundMessage is a decoded frame from the peer.
type inboundMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// New creates a client over the given stdio pair. The request id counter
// starts at 1.
func New(w io.Writer, r io.Reader) *Client {
	return &Client{
		w:               w,
		r:               r,
		pending:         make(map[uint64]*pendingRequest),
		notifHandlers:   make(map[string][]NotificationHandler),
		reqHandlers:     make(map[string]RequestIDHandler),
		sessionHandlers: make(map[string][]sessionHandler),
		done:            make(chan struct{}),
	}
}

// Run consumes the peer's output until EOF, dispatching frames. On EOF all
// outstanding requests fail with ErrChannelClosed and handlers are released.
// Blocks; run in a goroutine.
func (c *Client) Run(ctx context.Context) {
	defer c.Close()

	reader := bufio.NewReaderSize(c.r, 64*1024)
	for {
		line, err := readLine(reader)
		if err != nil {
			return
		}
		if len(line) > maxLineBytes {
			slog.Warn("JSON-RPC frame exceeds line limit, dropping", "bytes", len(line))
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		c.dispatch(ctx, line)
	}
}

// readLine reads one full line, tolerating bufio's internal buffer size.
func readLine(r *bufio.Reader) ([]byte, error) {
	var full []byte
	for {
		part, err := r.ReadBytes('\n')
		full = append(full, part...)
		if err != nil {
			if len(full) > 0 && err == io.EOF {
				return full, nil
			}
			return nil, err
		}
		return full, nil
	}
}

func (c *Client) dispatch(ctx context.Context, line []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		slog.Warn("Malformed JSON-RPC frame dropped", "error", err)
		return
	}

	hasID := len(msg.ID) > 0 && !bytes.Equal(msg.ID, []byte("null"))
	switch {
	case msg.Method != "" && hasID:
		// Peer-initiated request.
		go c.serveRequest(ctx, msg)
	case msg.Method != "" && !hasID:
		c.dispatchNotification(msg)
	case msg.Method == "" && hasID && (msg.Result != nil || msg.Error != nil):
		c.dispatchResponse(msg)
	default:
		slog.Warn("Unclassifiable JSON-RPC frame dropped", "method", msg.Method)
	}
}

func (c *Client) dispatchResponse(msg inboundMessage) {
	var id uint64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		slog.Warn("JSON-RPC response with non-numeric id dropped", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		// Unmatched responses are logged and dropped; at most one response
		// per id ever reaches a waiter.
		slog.Warn("JSON-RPC response for unknown request id dropped", "id", id)
		return
	}
	p.ch <- msg
}

func (c *Client) dispatchNotification(msg inboundMessage) {
	c.mu.Lock()
	handlers := append([]NotificationHandler(nil), c.notifHandlers[msg.Method]...)
	var perSession []NotificationHandler
	if sid := extractSessionID(msg.Params); sid != "" {
		for _, sh := range c.sessionHandlers[sid] {
			perSession = append(perSession, sh.fn)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		safeInvoke(msg.Method, h, msg.Params)
	}
	for _, h := range perSession {
		safeInvoke(msg.Method, h, msg.Params)
	}
}

// safeInvoke isolates handler panics so one faulty handler never prevents
// the others from running.
func safeInvoke(method string, h NotificationHandler, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Notification handler panicked", "method", method, "panic", r)
		}
	}()
	h(params)
}

func (c *Client) serveRequest(ctx context.Context, msg inboundMessage) {
	c.mu.Lock()
	handler, ok := c.reqHandlers[msg.Method]
	c.mu.Unlock()

	if !ok {
		c.writeResponse(msg.ID, nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method})
		return
	}

	var numericID uint64
	_ = json.Unmarshal(msg.ID, &numericID)

	result, err := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, numericID, msg.Params)
	}()
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			c.writeResponse(msg.ID, nil, rpcErr)
		} else {
			c.writeResponse(msg.ID, nil, &RPCError{Code: CodeInternalError, Message: err.Error()})
		}
		return
	}
	c.writeResponse(msg.ID, result, nil)
}

// Request sends a request and waits for the matching response. A zero
// timeout uses DefaultRequestTimeout. Fails with ErrTimeout, ErrChannelClosed,
// or the peer's *RPCError.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	id := c.nextID.Add(1)
	p := &pendingRequest{ch: make(chan inboundMessage, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.writeFrame(outboundRequest(id, method, params)); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-p.ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		metrics.RPCTimeouts.Inc()
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
	case <-c.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a one-way notification.
func (c *Client) Notify(method string, params any) error {
	return c.writeFrame(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

// OnNotification registers a handler for a notification method. Multiple
// handlers per method are allowed.
func (c *Client) OnNotification(method string, h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifHandlers[method] = append(c.notifHandlers[method], h)
}

// OnRequest registers the handler for inbound peer requests on a method.
// The handler's return value is framed as the JSON-RPC response.
func (c *Client) OnRequest(method string, h RequestHandler) {
	c.OnRequestWithID(method, func(ctx context.Context, _ uint64, params json.RawMessage) (any, error) {
		return h(ctx, params)
	})
}

// OnRequestWithID is OnRequest for handlers that need the peer's request id.
func (c *Client) OnRequestWithID(method string, h RequestIDHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqHandlers[method] = h
}

// OnSessionEvent registers a handler for notifications whose params carry
// the given sessionId. Returns a cancel func that unregisters it.
func (c *Client) OnSessionEvent(sessionID string, h NotificationHandler) func() {
	id := c.nextHandlerID.Add(1)

	c.mu.Lock()
	c.sessionHandlers[sessionID] = append(c.sessionHandlers[sessionID], sessionHandler{id: int(id), fn: h})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		handlers := c.sessionHandlers[sessionID]
		for i, sh := range handlers {
			if sh.id == int(id) {
				c.sessionHandlers[sessionID] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
		if len(c.sessionHandlers[sessionID]) == 0 {
			delete(c.sessionHandlers, sessionID)
		}
	}
}

// Close fails all outstanding requests with ErrChannelClosed and releases
// handlers. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = make(map[uint64]*pendingRequest)
	c.notifHandlers = make(map[string][]NotificationHandler)
	c.reqHandlers = make(map[string]RequestIDHandler)
	c.sessionHandlers = make(map[string][]sessionHandler)
	c.mu.Unlock()

	// Waiters observe closure through done and fail with ErrChannelClosed.
	close(c.done)
}

// Done is closed when the channel shuts down.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) writeResponse(id json.RawMessage, result any, rpcErr *RPCError) {
	frame := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
	}
	if rpcErr != nil {
		frame["error"] = rpcErr
	} else {
		if result == nil {
			result = map[string]any{}
		}
		frame["result"] = result
	}
	if err := c.writeFrame(frame); err != nil {
		slog.Warn("Failed to write JSON-RPC response", "error", err)
	}
}

func (c *Client) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func outboundRequest(id uint64, method string, params any) map[string]any {
	frame := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
	}
	if params != nil {
		frame["params"] = params
	}
	return frame
}

// extractSessionID pulls sessionId (or session_id) out of notification
// params for per-session multiplexing.
func extractSessionID(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var probe struct {
		SessionID      string `json:"sessionId"`
		SessionIDSnake string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	if probe.SessionID != "" {
		return probe.SessionID
	}
	return probe.SessionIDSnake
}
