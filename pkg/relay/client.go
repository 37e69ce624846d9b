package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/orbitd/orbit/pkg/approval"
	"github.com/orbitd/orbit/pkg/metrics"
	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/provider"
)

// clientEnvelope covers both control frames (type) and JSON-RPC frames
// (method/id) from a client socket.
type clientEnvelope struct {
	Type            string          `json:"type,omitempty"`
	ThreadID        string          `json:"threadId,omitempty"`
	RPCID           *uint64         `json:"rpcId,omitempty"`
	OptionID        string          `json:"optionId,omitempty"`
	Method          string          `json:"method,omitempty"`
	ID              json.RawMessage `json:"id,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	ClientRequestID string          `json:"clientRequestId,omitempty"`
}

// HandleClient owns one client socket's lifecycle. Blocks until the socket
// closes.
func (r *Relay) HandleClient(parentCtx context.Context, sock Socket, scope models.Scope) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &ClientConn{
		ID:     newConnID(),
		Scope:  scope,
		sock:   sock,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]bool),
	}

	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()
	defer r.dropClient(c)

	r.logger.Info("client connected", "client_id", c.ID, "scope", scope)

	for {
		data, err := sock.Read(ctx)
		if err != nil {
			return
		}

		var env clientEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			metrics.DroppedFrames.Inc()
			r.logger.Warn("malformed client frame dropped", "client_id", c.ID, "error", err)
			continue
		}

		if env.Type != "" {
			r.handleClientControl(c, env)
			continue
		}
		if env.Method != "" {
			r.routeClientRPC(c, env, data)
			continue
		}
	}
}

func (r *Relay) dropClient(c *ClientConn) {
	c.mu.Lock()
	subs := make([]string, 0, len(c.subs))
	for threadID := range c.subs {
		subs = append(subs, threadID)
	}
	c.mu.Unlock()
	for _, threadID := range subs {
		r.unsubscribeClient(c, threadID)
		r.closeAdapterStreamIfIdle(threadID)
	}

	r.mu.Lock()
	delete(r.clients, c.ID)
	r.mu.Unlock()
	c.cancel()
	r.logger.Info("client disconnected", "client_id", c.ID)
}

// handleClientControl terminates orbit.* and ping envelopes at the relay.
func (r *Relay) handleClientControl(c *ClientConn, env clientEnvelope) {
	switch env.Type {
	case "ping":
		r.sendJSON(c.ctx, c.sock, map[string]string{"type": "pong"})

	case "orbit.subscribe":
		if env.ThreadID == "" {
			r.sendJSON(c.ctx, c.sock, map[string]string{"type": "error", "message": "threadId is required for subscribe"})
			return
		}
		r.subscribeClient(c, env.ThreadID)
		r.ensureAdapterStream(env.ThreadID)
		r.sendJSON(c.ctx, c.sock, map[string]string{"type": "orbit.subscribed", "threadId": env.ThreadID})

	case "orbit.unsubscribe":
		if env.ThreadID != "" {
			r.unsubscribeClient(c, env.ThreadID)
			r.closeAdapterStreamIfIdle(env.ThreadID)
		}

	case "orbit.list-anchors":
		r.sendJSON(c.ctx, c.sock, map[string]any{
			"type":    "orbit.anchors",
			"anchors": r.Anchors(),
		})

	case "acp:approval_decision":
		if env.RPCID == nil {
			r.sendJSON(c.ctx, c.sock, map[string]string{"type": "error", "message": "rpcId is required"})
			return
		}
		r.handleApprovalDecision(c, *env.RPCID, env.OptionID)

	default:
		r.logger.Debug("unknown control frame dropped", "client_id", c.ID, "type", env.Type)
	}
}

// handleApprovalDecision authorizes and forwards one decision. Only clients
// subscribed to the approval's thread may decide it.
func (r *Relay) handleApprovalDecision(c *ClientConn, rpcID uint64, optionID string) {
	p, ok := r.approvals.Get(rpcID)
	if !ok {
		r.sendJSON(c.ctx, c.sock, map[string]any{
			"type": "error", "message": "Unknown or expired approval", "rpcId": rpcID,
		})
		return
	}

	c.mu.Lock()
	authorized := c.subs[p.ThreadID]
	c.mu.Unlock()
	if !authorized {
		r.logger.Warn("unauthorized approval decision rejected",
			"client_id", c.ID, "rpc_id", rpcID, "thread_id", p.ThreadID)
		r.sendJSON(c.ctx, c.sock, map[string]any{
			"type": "error", "message": "Not authorized to decide this approval", "rpcId": rpcID,
		})
		return
	}

	if err := r.approvals.Resolve(rpcID, optionID); err != nil {
		if errors.Is(err, approval.ErrUnknownApproval) {
			r.sendJSON(c.ctx, c.sock, map[string]any{
				"type": "error", "message": "Unknown or expired approval", "rpcId": rpcID,
			})
			return
		}
		r.logger.Error("failed to resolve approval", "rpc_id", rpcID, "error", err)
		r.sendJSON(c.ctx, c.sock, map[string]any{
			"type": "error", "message": "Failed to deliver approval decision", "rpcId": rpcID,
		})
		return
	}
	r.sendJSON(c.ctx, c.sock, map[string]any{"type": "acp:approval_resolved", "rpcId": rpcID})
}

// routeClientRPC applies duplicate suppression and the read-only and
// capability gates, persists the frame, then forwards it toward anchors.
func (r *Relay) routeClientRPC(c *ClientConn, env clientEnvelope, raw []byte) {
	// Duplicate suppression by clientRequestId, checked before any gate so a
	// retry cannot double-submit.
	requestID := env.ClientRequestID
	if requestID == "" {
		requestID = extractClientRequestID(env.Params)
	}
	if r.dedup.Seen(requestID) {
		r.logger.Debug("duplicate client request suppressed",
			"client_id", c.ID, "client_request_id", requestID, "method", env.Method)
		return
	}

	if c.Scope == models.ScopeReadOnly && !readOnlyAllowed(env.Method) {
		r.respondRPCError(c, env.ID, -32003,
			"Read-only token session cannot call "+env.Method, nil)
		return
	}

	threadID := extractThreadID(env.Params)
	if threadID == "" {
		threadID = env.ThreadID
	}

	// Capability gate for threads owned by non-default providers.
	if threadID != "" && mutatingMethods[env.Method] {
		providerID, sessionID := models.SplitThreadID(threadID, r.defaultProvider)
		if providerID != r.defaultProvider {
			if r.routeToAdapter(c, env, providerID, sessionID) {
				return
			}
		}
	}

	if threadID != "" {
		if _, err := r.store.AppendEvent(c.ctx, models.StoredEvent{
			ThreadID:  threadID,
			Direction: models.DirectionClient,
			Role:      models.RoleClient,
			Method:    env.Method,
			Payload:   raw,
		}); err != nil {
			metrics.StoreErrors.Inc()
			r.logger.Error("failed to persist client frame", "thread_id", threadID, "error", err)
		}
	}

	if len(env.ID) > 0 {
		now := time.Now()
		r.mu.Lock()
		r.sweepPendingMethodsLocked(now)
		r.pendingMethods[string(env.ID)] = pendingMethod{method: env.Method, at: now}
		r.mu.Unlock()
	}

	anchors := r.anchorsForThread(threadID)
	if len(anchors) == 0 {
		r.respondRPCError(c, env.ID, -32001, "No anchor connected", nil)
		return
	}
	for _, a := range anchors {
		if err := r.send(a.ctx, a.sock, raw); err != nil {
			r.logger.Warn("failed to forward frame to anchor",
				"anchor_id", a.StableID, "method", env.Method, "error", err)
		}
	}
}

// routeToAdapter serves a mutating call on a non-default provider's thread.
// Returns true when the frame was fully handled (response or error sent).
func (r *Relay) routeToAdapter(c *ClientConn, env clientEnvelope, providerID, sessionID string) bool {
	adapter, err := r.registry.Get(providerID)
	if err != nil {
		r.respondRPCError(c, env.ID, -32000,
			displayName(providerID)+" write operation is not supported",
			map[string]any{"provider": providerID, "capability": "sendPrompt"})
		return true
	}

	caps := adapter.Capabilities()
	if !caps.SendPrompt {
		r.respondRPCError(c, env.ID, -32000,
			displayName(providerID)+" write operation is not supported",
			map[string]any{"provider": providerID, "capability": "sendPrompt"})
		return true
	}

	// Only prompt starts route directly; other mutations pass the gate and
	// flow to the anchor path.
	if env.Method != "turn/start" && env.Method != "sendPrompt" {
		return false
	}

	input := extractPromptInput(env.Params)
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()
	ack, err := adapter.SendPrompt(ctx, sessionID, input)
	if err != nil {
		if errors.Is(err, provider.ErrUnavailable) || errors.Is(err, provider.ErrCapability) {
			r.respondRPCError(c, env.ID, -32000,
				displayName(providerID)+" write operation is not supported",
				map[string]any{"provider": providerID, "capability": "sendPrompt"})
			return true
		}
		r.respondRPCError(c, env.ID, -32603, "sendPrompt failed: "+err.Error(), nil)
		return true
	}

	// The turn's content arrives over the session's event stream, so it
	// must be open before the ack is acted upon.
	r.ensureAdapterStream(models.ThreadID(providerID, r.defaultProvider, sessionID))

	r.respondRPCResult(c, env.ID, map[string]any{
		"turnId": ack.TurnID,
		"status": ack.Status,
	})
	return true
}

func (r *Relay) respondRPCResult(c *ClientConn, id json.RawMessage, result any) {
	frame := map[string]any{"jsonrpc": "2.0", "result": result}
	if len(id) > 0 {
		frame["id"] = json.RawMessage(id)
	}
	r.sendJSON(c.ctx, c.sock, frame)
}

func (r *Relay) respondRPCError(c *ClientConn, id json.RawMessage, code int, message string, data map[string]any) {
	errObj := map[string]any{"code": code, "message": message}
	if data != nil {
		errObj["data"] = data
	}
	frame := map[string]any{"jsonrpc": "2.0", "error": errObj}
	if len(id) > 0 {
		frame["id"] = json.RawMessage(id)
	}
	r.sendJSON(c.ctx, c.sock, frame)
}

// extractThreadID probes the common positions a thread id rides in.
func extractThreadID(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var probe struct {
		ThreadID      string `json:"threadId"`
		ThreadIDSnake string `json:"thread_id"`
		Turn          struct {
			ThreadID string `json:"threadId"`
		} `json:"turn"`
		Item struct {
			ThreadID string `json:"threadId"`
		} `json:"item"`
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	for _, candidate := range []string{
		probe.ThreadID, probe.ThreadIDSnake, probe.Turn.ThreadID,
		probe.Item.ThreadID, probe.Thread.ID,
	} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

func extractClientRequestID(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var probe struct {
		ClientRequestID string `json:"clientRequestId"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	return probe.ClientRequestID
}

// extractPromptInput pulls the prompt text and attachments from the
// positions clients use.
func extractPromptInput(params json.RawMessage) models.PromptInput {
	var probe struct {
		Text   string `json:"text"`
		Prompt struct {
			Text string `json:"text"`
		} `json:"prompt"`
		Input struct {
			Text string `json:"text"`
		} `json:"input"`
		Attachments []models.PromptAttachment `json:"attachments"`
	}
	_ = json.Unmarshal(params, &probe)

	text := probe.Text
	if text == "" {
		text = probe.Prompt.Text
	}
	if text == "" {
		text = probe.Input.Text
	}
	return models.PromptInput{Text: text, Attachments: probe.Attachments}
}
