// Package relay is the WebSocket fabric between UI clients and anchors.
// It owns the subscription index, routes JSON-RPC frames between the two
// sides, enforces the read-only and capability gates, and enriches anchor
// payloads before they reach clients.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/orbitd/orbit/pkg/approval"
	"github.com/orbitd/orbit/pkg/metrics"
	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/provider"
	"github.com/orbitd/orbit/pkg/store"
	"github.com/orbitd/orbit/pkg/titles"
)

// writeTimeout bounds one WebSocket send so a stalled peer cannot block a
// broadcast loop.
const writeTimeout = 10 * time.Second

// pendingMethodTTL bounds how long a forwarded request's method is
// remembered while awaiting the matching anchor response.
const pendingMethodTTL = 5 * time.Minute

// pendingMethodsSweepAt triggers an expiry sweep on insert once the table
// grows past this size.
const pendingMethodsSweepAt = 1024

// pendingMethod remembers the method of one forwarded client request so the
// matching anchor response can be enriched by shape.
type pendingMethod struct {
	method string
	at     time.Time
}

// Socket is the minimal connection surface the relay needs. Production
// sockets wrap *websocket.Conn; tests use in-memory pairs.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// ClientConn is one connected UI client.
type ClientConn struct {
	ID    string
	Scope models.Scope
	sock   Socket
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]bool
}

// AnchorConn is the privileged bridge socket for the default provider.
type AnchorConn struct {
	ID          string
	StableID    string
	Hostname    string
	Platform    string
	ConnectedAt time.Time
	sock        Socket
	ctx         context.Context
	cancel      context.CancelFunc

	mu        sync.Mutex
	subs      map[string]bool
	authState json.RawMessage
}

// AnchorInfo is the client-visible description of one anchor.
type AnchorInfo struct {
	StableID    string          `json:"stableId"`
	Hostname    string          `json:"hostname,omitempty"`
	Platform    string          `json:"platform,omitempty"`
	ConnectedAt time.Time       `json:"connectedAt"`
	AuthState   json.RawMessage `json:"authState,omitempty"`
}

// Relay owns both connection populations and the thread subscription index.
type Relay struct {
	logger          *slog.Logger
	store           *store.Store
	titles          *titles.Store
	registry        *provider.Registry
	approvals       *approval.Manager
	defaultProvider string
	dedup           *dedupCache

	mu              sync.RWMutex
	clients         map[string]*ClientConn
	anchors         map[string]*AnchorConn
	anchorsByStable map[string]*AnchorConn
	threadToClients map[string]map[string]*ClientConn
	threadToAnchors map[string]map[string]*AnchorConn
	// pendingMethods holds forwarded requests awaiting an anchor response.
	// Entries a response never clears are swept after pendingMethodTTL.
	pendingMethods map[string]pendingMethod
	// adapterStreams holds one open adapter event stream per non-default
	// provider thread, keyed by thread id.
	adapterStreams map[string]func()
	// anchorAuth caches the most recent auth-state report across anchors
	// for /admin/status; each anchor also keeps its own copy for listings.
	anchorAuth json.RawMessage
}

// New wires the relay. The title store may be nil when no external title
// file is configured.
func New(logger *slog.Logger, st *store.Store, ts *titles.Store, reg *provider.Registry, approvals *approval.Manager, defaultProvider string) *Relay {
	return &Relay{
		logger:          logger,
		store:           st,
		titles:          ts,
		registry:        reg,
		approvals:       approvals,
		defaultProvider: defaultProvider,
		dedup:           newDedupCache(dedupTTL),
		clients:         make(map[string]*ClientConn),
		anchors:         make(map[string]*AnchorConn),
		anchorsByStable: make(map[string]*AnchorConn),
		threadToClients: make(map[string]map[string]*ClientConn),
		threadToAnchors: make(map[string]map[string]*AnchorConn),
		pendingMethods:  make(map[string]pendingMethod),
		adapterStreams:  make(map[string]func()),
	}
}

// send writes one frame with the write timeout.
func (r *Relay) send(ctx context.Context, sock Socket, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return sock.Write(wctx, data)
}

func (r *Relay) sendJSON(ctx context.Context, sock Socket, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("failed to marshal outbound frame", "error", err)
		return
	}
	if err := r.send(ctx, sock, data); err != nil {
		r.logger.Warn("failed to send frame", "error", err)
	}
}

// subscribeClient indexes a client under a thread id.
func (r *Relay) subscribeClient(c *ClientConn, threadID string) {
	c.mu.Lock()
	c.subs[threadID] = true
	c.mu.Unlock()

	r.mu.Lock()
	if r.threadToClients[threadID] == nil {
		r.threadToClients[threadID] = make(map[string]*ClientConn)
	}
	r.threadToClients[threadID][c.ID] = c
	r.mu.Unlock()
}

func (r *Relay) unsubscribeClient(c *ClientConn, threadID string) {
	c.mu.Lock()
	delete(c.subs, threadID)
	c.mu.Unlock()

	r.mu.Lock()
	if conns := r.threadToClients[threadID]; conns != nil {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(r.threadToClients, threadID)
		}
	}
	r.mu.Unlock()
}

func (r *Relay) subscribeAnchor(a *AnchorConn, threadID string) {
	a.mu.Lock()
	a.subs[threadID] = true
	a.mu.Unlock()

	r.mu.Lock()
	if r.threadToAnchors[threadID] == nil {
		r.threadToAnchors[threadID] = make(map[string]*AnchorConn)
	}
	r.threadToAnchors[threadID][a.ID] = a
	r.mu.Unlock()
}

// ensureAdapterStream opens the owning adapter's event stream for a thread
// held by a non-default provider. The relay-side handler is a no-op: the
// adapter's catch-all update sink already feeds the normalizer; opening the
// stream is what makes updates flow at all for stream-on-demand adapters.
func (r *Relay) ensureAdapterStream(threadID string) {
	providerID, sessionID := models.SplitThreadID(threadID, r.defaultProvider)
	if providerID == r.defaultProvider {
		return
	}

	r.mu.RLock()
	_, open := r.adapterStreams[threadID]
	r.mu.RUnlock()
	if open {
		return
	}

	adapter, err := r.registry.Get(providerID)
	if err != nil || !adapter.Capabilities().Streaming {
		return
	}

	cancel := adapter.Subscribe(sessionID, func(string, string, []byte) {})

	r.mu.Lock()
	if _, open := r.adapterStreams[threadID]; open {
		r.mu.Unlock()
		cancel()
		return
	}
	r.adapterStreams[threadID] = cancel
	r.mu.Unlock()
	r.logger.Info("adapter stream opened", "thread_id", threadID, "provider", providerID)
}

// closeAdapterStreamIfIdle cancels a thread's adapter stream once no client
// subscribes to the thread anymore.
func (r *Relay) closeAdapterStreamIfIdle(threadID string) {
	r.mu.Lock()
	cancel, open := r.adapterStreams[threadID]
	idle := open && len(r.threadToClients[threadID]) == 0
	if idle {
		delete(r.adapterStreams, threadID)
	}
	r.mu.Unlock()
	if idle {
		cancel()
		r.logger.Info("adapter stream closed", "thread_id", threadID)
	}
}

// sweepPendingMethodsLocked drops expired entries once the table is large.
// Requests an anchor never answers must not accumulate forever.
func (r *Relay) sweepPendingMethodsLocked(now time.Time) {
	if len(r.pendingMethods) < pendingMethodsSweepAt {
		return
	}
	cutoff := now.Add(-pendingMethodTTL)
	for id, p := range r.pendingMethods {
		if p.at.Before(cutoff) {
			delete(r.pendingMethods, id)
		}
	}
}

func (r *Relay) unsubscribeAnchor(a *AnchorConn, threadID string) {
	a.mu.Lock()
	delete(a.subs, threadID)
	a.mu.Unlock()

	r.mu.Lock()
	if conns := r.threadToAnchors[threadID]; conns != nil {
		delete(conns, a.ID)
		if len(conns) == 0 {
			delete(r.threadToAnchors, threadID)
		}
	}
	r.mu.Unlock()
}

// clientsForThread snapshots the delivery set for one thread: subscribers if
// any exist, otherwise — when fallbackAll — every client.
func (r *Relay) clientsForThread(threadID string, fallbackAll bool) []*ClientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if subs := r.threadToClients[threadID]; len(subs) > 0 {
		out := make([]*ClientConn, 0, len(subs))
		for _, c := range subs {
			out = append(out, c)
		}
		return out
	}
	if !fallbackAll {
		return nil
	}
	out := make([]*ClientConn, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// anchorsForThread snapshots the anchor delivery set, broadcasting to all
// anchors when none subscribed to the thread yet.
func (r *Relay) anchorsForThread(threadID string) []*AnchorConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if threadID != "" {
		if subs := r.threadToAnchors[threadID]; len(subs) > 0 {
			out := make([]*AnchorConn, 0, len(subs))
			for _, a := range subs {
				out = append(out, a)
			}
			return out
		}
	}
	out := make([]*AnchorConn, 0, len(r.anchors))
	for _, a := range r.anchors {
		out = append(out, a)
	}
	return out
}

// Anchors lists the connected anchors.
func (r *Relay) Anchors() []AnchorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AnchorInfo, 0, len(r.anchors))
	for _, a := range r.anchors {
		a.mu.Lock()
		authState := a.authState
		a.mu.Unlock()
		out = append(out, AnchorInfo{
			StableID:    a.StableID,
			Hostname:    a.Hostname,
			Platform:    a.Platform,
			ConnectedAt: a.ConnectedAt,
			AuthState:   authState,
		})
	}
	return out
}

// AnchorConnected reports whether any anchor socket is up.
func (r *Relay) AnchorConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.anchors) > 0
}

// ClientCount returns the number of connected clients.
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// PendingApprovals reports how many tool-permission prompts await a decision.
func (r *Relay) PendingApprovals() int {
	return r.approvals.PendingCount()
}

// AnchorAuthState returns the anchor's last cached auth-state report.
func (r *Relay) AnchorAuthState() json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.anchorAuth
}

// CloseAll force-closes every socket, typically after a token rotation.
func (r *Relay) CloseAll(reason string) {
	r.mu.Lock()
	clients := r.clients
	anchors := r.anchors
	r.clients = make(map[string]*ClientConn)
	r.anchors = make(map[string]*AnchorConn)
	r.anchorsByStable = make(map[string]*AnchorConn)
	r.threadToClients = make(map[string]map[string]*ClientConn)
	r.threadToAnchors = make(map[string]map[string]*AnchorConn)
	r.mu.Unlock()

	for _, c := range clients {
		_ = c.sock.Close(websocket.StatusNormalClosure, reason)
		c.cancel()
	}
	for _, a := range anchors {
		_ = a.sock.Close(websocket.StatusNormalClosure, reason)
		a.cancel()
	}
	r.logger.Info("closed all relay sockets", "reason", reason, "clients", len(clients), "anchors", len(anchors))
}

// PublishEvent appends a normalized event to the store and then broadcasts
// it to the thread's subscribers. The append completes before any client
// sees the live frame, so replay-then-subscribe observes a consistent
// prefix.
func (r *Relay) PublishEvent(ctx context.Context, threadID string, ev models.NormalizedEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("failed to marshal normalized event", "error", err)
		return
	}

	if _, err := r.store.AppendEvent(ctx, models.StoredEvent{
		ThreadID:  threadID,
		TurnID:    "",
		Direction: models.DirectionServer,
		Role:      models.RoleAnchor,
		Method:    "event/" + string(ev.Category),
		Payload:   payload,
	}); err != nil {
		// The event is lost from replay but subscribers still get the live
		// frame; the store coming back heals the next append.
		metrics.StoreErrors.Inc()
		r.logger.Error("failed to persist normalized event", "thread_id", threadID, "error", err)
	}

	frame, err := json.Marshal(map[string]any{
		"type":     "orbit.event",
		"threadId": threadID,
		"event":    ev,
	})
	if err != nil {
		return
	}
	for _, c := range r.clientsForThread(threadID, false) {
		if err := r.send(c.ctx, c.sock, frame); err != nil {
			r.logger.Warn("failed to deliver event", "client_id", c.ID, "error", err)
		}
	}
}

// HandleApprovalRequest records a pending approval and broadcasts the prompt
// to the thread's clients, or to every client when none subscribed yet.
func (r *Relay) HandleApprovalRequest(adapter provider.Adapter, req provider.ApprovalRequest) {
	threadID := models.ThreadID(req.Provider, r.defaultProvider, req.SessionID)
	r.approvals.Add(adapter, req, threadID)

	frame := map[string]any{
		"type":     "acp:approval_request",
		"threadId": threadID,
		"rpcId":    req.RPCID,
		"options":  req.Options,
	}
	if req.ToolCall != nil {
		frame["toolCall"] = req.ToolCall
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	for _, c := range r.clientsForThread(threadID, true) {
		if err := r.send(c.ctx, c.sock, data); err != nil {
			r.logger.Warn("failed to deliver approval request", "client_id", c.ID, "error", err)
		}
	}
}

func newConnID() string { return uuid.New().String() }
