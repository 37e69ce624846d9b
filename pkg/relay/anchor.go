package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"

	"github.com/orbitd/orbit/pkg/metrics"
)

// anchorEnvelope covers control and JSON-RPC frames from an anchor socket.
type anchorEnvelope struct {
	Type     string          `json:"type,omitempty"`
	ThreadID string          `json:"threadId,omitempty"`
	StableID string          `json:"stableId,omitempty"`
	Hostname string          `json:"hostname,omitempty"`
	Platform string          `json:"platform,omitempty"`
	Method   string          `json:"method,omitempty"`
	ID       json.RawMessage `json:"id,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// HandleAnchor owns one anchor socket's lifecycle. Blocks until the socket
// closes.
func (r *Relay) HandleAnchor(parentCtx context.Context, sock Socket) {
	ctx, cancel := context.WithCancel(parentCtx)
	a := &AnchorConn{
		ID:          newConnID(),
		StableID:    newConnID(),
		ConnectedAt: time.Now(),
		sock:        sock,
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[string]bool),
	}

	r.mu.Lock()
	r.anchors[a.ID] = a
	r.mu.Unlock()
	defer r.dropAnchor(a)

	r.logger.Info("anchor connected", "anchor_id", a.ID)

	for {
		data, err := sock.Read(ctx)
		if err != nil {
			return
		}

		var env anchorEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			metrics.DroppedFrames.Inc()
			r.logger.Warn("malformed anchor frame dropped", "anchor_id", a.ID, "error", err)
			continue
		}

		if env.Type != "" {
			r.handleAnchorControl(a, env, data)
			continue
		}
		if env.Method != "" || len(env.ID) > 0 {
			r.routeAnchorMessage(a, env, data)
		}
	}
}

func (r *Relay) dropAnchor(a *AnchorConn) {
	a.mu.Lock()
	subs := make([]string, 0, len(a.subs))
	for threadID := range a.subs {
		subs = append(subs, threadID)
	}
	a.mu.Unlock()
	for _, threadID := range subs {
		r.unsubscribeAnchor(a, threadID)
	}

	r.mu.Lock()
	delete(r.anchors, a.ID)
	replaced := r.anchorsByStable[a.StableID] != a
	if !replaced {
		delete(r.anchorsByStable, a.StableID)
	}
	r.mu.Unlock()
	a.cancel()

	// A replaced socket's successor is already up; announcing a disconnect
	// would be a lie.
	if !replaced {
		r.broadcastToClients(map[string]any{
			"type":     "orbit.anchor-disconnected",
			"stableId": a.StableID,
		})
	}
	r.logger.Info("anchor disconnected", "anchor_id", a.ID, "stable_id", a.StableID)
}

// handleAnchorControl terminates anchor control envelopes at the relay.
func (r *Relay) handleAnchorControl(a *AnchorConn, env anchorEnvelope, raw []byte) {
	switch env.Type {
	case "ping":
		r.sendJSON(a.ctx, a.sock, map[string]string{"type": "pong"})

	case "anchor.hello":
		r.registerAnchorIdentity(a, env)

	case "orbit.subscribe":
		if env.ThreadID != "" {
			r.subscribeAnchor(a, env.ThreadID)
		}

	case "orbit.unsubscribe":
		if env.ThreadID != "" {
			r.unsubscribeAnchor(a, env.ThreadID)
		}

	case "orbit.anchor-auth":
		state := json.RawMessage(append([]byte(nil), raw...))
		a.mu.Lock()
		a.authState = state
		a.mu.Unlock()
		r.mu.Lock()
		r.anchorAuth = state
		r.mu.Unlock()

	default:
		r.logger.Debug("unknown anchor control frame dropped", "anchor_id", a.ID, "type", env.Type)
	}
}

// registerAnchorIdentity applies the hello payload. A reconnect with the
// same stable id replaces the prior socket, which is closed as "replaced".
func (r *Relay) registerAnchorIdentity(a *AnchorConn, env anchorEnvelope) {
	stableID := env.StableID
	if stableID == "" {
		stableID = a.StableID
	}

	r.mu.Lock()
	prior := r.anchorsByStable[stableID]
	if prior == a {
		prior = nil
	}
	a.StableID = stableID
	a.Hostname = env.Hostname
	a.Platform = env.Platform
	r.anchorsByStable[stableID] = a
	r.mu.Unlock()

	if prior != nil {
		r.logger.Info("anchor reconnected, replacing prior socket", "stable_id", stableID)
		_ = prior.sock.Close(websocket.StatusNormalClosure, "replaced")
		prior.cancel()
	}
}

// routeAnchorMessage enriches an anchor frame and fans it out to clients.
func (r *Relay) routeAnchorMessage(a *AnchorConn, env anchorEnvelope, raw []byte) {
	isResponse := env.Method == "" && len(env.ID) > 0

	method := env.Method
	if isResponse {
		r.mu.Lock()
		if p, ok := r.pendingMethods[string(env.ID)]; ok {
			if time.Since(p.at) < pendingMethodTTL {
				method = p.method
			}
			delete(r.pendingMethods, string(env.ID))
		}
		r.mu.Unlock()
	}

	enriched, threadID := r.enrich(a.ctx, method, isResponse, raw)

	// The anchor implicitly owns every thread it reports on.
	if threadID != "" {
		a.mu.Lock()
		known := a.subs[threadID]
		a.mu.Unlock()
		if !known {
			r.subscribeAnchor(a, threadID)
		}
	}

	if threadID != "" {
		if _, err := r.store.AppendEvent(a.ctx, storedAnchorEvent(threadID, method, enriched)); err != nil {
			metrics.StoreErrors.Inc()
			r.logger.Error("failed to persist anchor frame", "thread_id", threadID, "error", err)
		}
	}

	var targets []*ClientConn
	if threadID == "" {
		targets = r.clientsForThread("", true)
	} else {
		// Responses fall back to a broadcast so a client racing its first
		// subscribe still sees the reply.
		targets = r.clientsForThread(threadID, isResponse)
	}
	for _, c := range targets {
		if err := r.send(c.ctx, c.sock, enriched); err != nil {
			r.logger.Warn("failed to deliver anchor frame", "client_id", c.ID, "error", err)
		}
	}
}

func (r *Relay) broadcastToClients(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	for _, c := range r.clientsForThread("", true) {
		if err := r.send(c.ctx, c.sock, data); err != nil {
			r.logger.Warn("failed to broadcast to client", "client_id", c.ID, "error", err)
		}
	}
}
