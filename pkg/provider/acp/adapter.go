// Package acp implements the provider adapter for agent CLIs speaking the
// Agent Client Protocol: line-framed JSON-RPC over a subprocess's stdio.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/orbitd/orbit/pkg/config"
	"github.com/orbitd/orbit/pkg/jsonrpc"
	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/provider"
)

// protocolVersion is the ACP revision this adapter negotiates.
const protocolVersion = 1

// Adapter bridges one agent subprocess. The process is spawned in Start; a
// missing executable degrades health instead of failing startup.
type Adapter struct {
	id     string
	cfg    config.ProviderConfig
	logger *slog.Logger
	sink   provider.UpdateHandler

	mu         sync.Mutex
	started    bool
	cmd        *exec.Cmd
	client     *jsonrpc.Client
	health     models.ProviderHealth
	responders map[uint64]chan provider.ApprovalOutcome
	approvalHs []provider.ApprovalHandler
	subs       map[string]map[int]provider.UpdateHandler
	subSeq     int
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithUpdateSink registers a catch-all handler that sees every session
// update, ahead of per-session subscribers. The normalizer pipeline hangs
// off this.
func WithUpdateSink(h provider.UpdateHandler) Option {
	return func(a *Adapter) { a.sink = h }
}

// New constructs the adapter without touching any resources.
func New(id string, cfg config.ProviderConfig, logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		id:     id,
		cfg:    cfg,
		logger: logger.With("provider", id),
		health: models.ProviderHealth{
			Provider:  id,
			Status:    models.HealthUnknown,
			LastCheck: time.Now(),
		},
		responders: make(map[uint64]chan provider.ApprovalOutcome),
		subs:       make(map[string]map[int]provider.UpdateHandler),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string { return a.id }

// Start spawns the subprocess and performs the initialize handshake.
// Idempotent. Unrecoverable conditions (missing binary, failed handshake)
// record degraded health and return nil.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return nil
	}
	a.started = true

	if a.cfg.ExecutablePath == "" {
		a.setHealthLocked(models.HealthDegraded, "no executable configured")
		return nil
	}
	path, err := exec.LookPath(a.cfg.ExecutablePath)
	if err != nil {
		a.logger.Warn("agent executable not found, adapter degraded",
			"executable", a.cfg.ExecutablePath, "error", err)
		a.setHealthLocked(models.HealthDegraded, fmt.Sprintf("executable not found: %s", a.cfg.ExecutablePath))
		return nil
	}

	cmd := exec.Command(path, a.cfg.Args...)
	cmd.Env = a.buildEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.setHealthLocked(models.HealthDegraded, "stdin pipe: "+err.Error())
		return nil
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.setHealthLocked(models.HealthDegraded, "stdout pipe: "+err.Error())
		return nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		a.setHealthLocked(models.HealthDegraded, "stderr pipe: "+err.Error())
		return nil
	}

	if err := cmd.Start(); err != nil {
		a.logger.Warn("failed to spawn agent subprocess", "error", err)
		a.setHealthLocked(models.HealthDegraded, "spawn: "+err.Error())
		return nil
	}
	a.cmd = cmd
	go a.drainStderr(stderr)

	client := jsonrpc.New(stdin, stdout)
	a.client = client
	a.registerHandlersLocked(client)
	go client.Run(context.Background())
	go a.watch(cmd, client)

	// The handshake runs outside the lock so updates arriving mid-handshake
	// are not blocked.
	a.mu.Unlock()
	_, err = client.Request(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "orbit", "version": "1"},
	}, jsonrpc.StartupTimeout)
	a.mu.Lock()

	if err != nil {
		a.logger.Warn("agent initialize handshake failed, adapter degraded", "error", err)
		a.setHealthLocked(models.HealthDegraded, "initialize: "+err.Error())
		return nil
	}

	a.setHealthLocked(models.HealthHealthy, "")
	a.logger.Info("agent subprocess started", "pid", cmd.Process.Pid)
	return nil
}

func (a *Adapter) buildEnv() []string {
	env := os.Environ()
	if a.cfg.APIKey != "" {
		key := strings.ToUpper(strings.ReplaceAll(a.id, "-", "_")) + "_API_KEY"
		env = append(env, key+"="+a.cfg.APIKey)
	}
	if a.cfg.Model != "" {
		env = append(env, "ORBIT_MODEL="+a.cfg.Model)
	}
	return env
}

func (a *Adapter) registerHandlersLocked(client *jsonrpc.Client) {
	client.OnNotification("session/update", a.handleUpdate)
	client.OnRequestWithID("session/request_permission", a.handlePermission)
}

// drainStderr forwards subprocess stderr lines into the log.
func (a *Adapter) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		a.logger.Debug("agent stderr", "line", scanner.Text())
	}
}

// watch observes subprocess exit: health flips to unhealthy, the RPC channel
// closes, and every pending approval responder is cancelled.
func (a *Adapter) watch(cmd *exec.Cmd, client *jsonrpc.Client) {
	err := cmd.Wait()
	client.Close()

	a.mu.Lock()
	if a.cmd == cmd {
		msg := "process exited"
		if err != nil {
			msg = "process exited: " + err.Error()
		}
		a.setHealthLocked(models.HealthUnhealthy, msg)
		a.cmd = nil
		a.client = nil
	}
	responders := a.responders
	a.responders = make(map[uint64]chan provider.ApprovalOutcome)
	a.mu.Unlock()

	for _, ch := range responders {
		close(ch)
	}
	a.logger.Warn("agent subprocess exited", "error", err)
}

// Stop terminates the subprocess, escalating from SIGTERM to SIGKILL at the
// context deadline. Idempotent.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cmd := a.cmd
	client := a.client
	a.started = false
	a.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	exited := make(chan struct{})
	go func() {
		for {
			a.mu.Lock()
			gone := a.cmd == nil
			a.mu.Unlock()
			if gone {
				close(exited)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case <-exited:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
	}
	return nil
}

func (a *Adapter) setHealthLocked(status models.HealthStatus, msg string) {
	a.health = models.ProviderHealth{
		Provider:  a.id,
		Status:    status,
		Message:   msg,
		LastCheck: time.Now(),
	}
}

func (a *Adapter) Health() models.ProviderHealth {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

// Capabilities reflects runtime config: auto-approve answers permission
// prompts internally, so the approvals surface is reported off.
func (a *Adapter) Capabilities() models.Capabilities {
	return models.Capabilities{
		ListSessions: true,
		OpenSession:  true,
		SendPrompt:   true,
		Streaming:    true,
		Attachments:  true,
		Approvals:    !a.cfg.AutoApprove,
		MultiTurn:    true,
	}
}

func (a *Adapter) rpcClient() (*jsonrpc.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, provider.ErrUnavailable
	}
	return a.client, nil
}

// ListSessions asks the agent for its sessions and normalizes them.
func (a *Adapter) ListSessions(ctx context.Context) ([]models.NormalizedSession, error) {
	client, err := a.rpcClient()
	if err != nil {
		return nil, err
	}

	raw, err := client.Request(ctx, "session/list", map[string]any{}, a.cfg.Timeout(0))
	if err != nil {
		return nil, fmt.Errorf("session/list: %w", err)
	}

	var result struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse session/list result: %w", err)
	}

	sessions := make([]models.NormalizedSession, 0, len(result.Sessions))
	for _, rawSession := range result.Sessions {
		sessions = append(sessions, normalizeSession(a.id, rawSession))
	}
	return sessions, nil
}

// SendPrompt starts a turn. The acknowledgment carries the turn id; content
// arrives via session/update notifications.
func (a *Adapter) SendPrompt(ctx context.Context, sessionID string, input models.PromptInput) (models.TurnAck, error) {
	client, err := a.rpcClient()
	if err != nil {
		return models.TurnAck{}, err
	}

	params := map[string]any{
		"sessionId": sessionID,
		"prompt":    map[string]any{"text": input.Text},
	}
	if len(input.Attachments) > 0 {
		params["attachments"] = input.Attachments
	}

	raw, err := client.Request(ctx, "session/prompt", params, a.cfg.Timeout(0))
	if err != nil {
		return models.TurnAck{}, fmt.Errorf("session/prompt: %w", err)
	}

	var ack models.TurnAck
	var wire struct {
		TurnID string `json:"turnId"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return models.TurnAck{}, fmt.Errorf("parse session/prompt result: %w", err)
	}
	ack.TurnID = wire.TurnID
	ack.Status = wire.Status
	if ack.Status == "" {
		ack.Status = "accepted"
	}
	return ack, nil
}

// handleUpdate fans a session/update notification out to the sink and the
// session's subscribers.
func (a *Adapter) handleUpdate(params json.RawMessage) {
	var probe struct {
		SessionID      string `json:"sessionId"`
		SessionIDSnake string `json:"session_id"`
		TurnID         string `json:"turnId"`
		TurnIDSnake    string `json:"turn_id"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		a.logger.Warn("unparseable session/update dropped", "error", err)
		return
	}
	sessionID := probe.SessionID
	if sessionID == "" {
		sessionID = probe.SessionIDSnake
	}
	turnID := probe.TurnID
	if turnID == "" {
		turnID = probe.TurnIDSnake
	}

	a.mu.Lock()
	sink := a.sink
	var handlers []provider.UpdateHandler
	for _, h := range a.subs[sessionID] {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()

	if sink != nil {
		sink(sessionID, turnID, params)
	}
	for _, h := range handlers {
		h(sessionID, turnID, params)
	}
}

// Subscribe registers a per-session update handler.
func (a *Adapter) Subscribe(sessionID string, h provider.UpdateHandler) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.subSeq++
	id := a.subSeq
	if a.subs[sessionID] == nil {
		a.subs[sessionID] = make(map[int]provider.UpdateHandler)
	}
	a.subs[sessionID][id] = h

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subs[sessionID], id)
		if len(a.subs[sessionID]) == 0 {
			delete(a.subs, sessionID)
		}
	}
}

func (a *Adapter) OnApprovalRequest(h provider.ApprovalHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approvalHs = append(a.approvalHs, h)
}

// handlePermission serves a session/request_permission request from the
// subprocess. The handler blocks until ResolveApproval delivers an outcome
// or the channel dies; the JSON-RPC layer frames the returned value as the
// response with the matching id.
func (a *Adapter) handlePermission(ctx context.Context, rpcID uint64, params json.RawMessage) (any, error) {
	req := parseApprovalRequest(a.id, rpcID, params)

	if a.cfg.AutoApprove {
		optionID := pickAllowOption(req.Options)
		a.logger.Info("auto-approving permission request",
			"session_id", req.SessionID, "tool_call_id", req.ToolCallID, "option_id", optionID)
		return outcomeResult(provider.ApprovalOutcome{OptionID: optionID}), nil
	}

	ch := make(chan provider.ApprovalOutcome, 1)
	a.mu.Lock()
	a.responders[rpcID] = ch
	handlers := append([]provider.ApprovalHandler(nil), a.approvalHs...)
	a.mu.Unlock()

	for _, h := range handlers {
		h(req)
	}

	select {
	case outcome, ok := <-ch:
		if !ok {
			return outcomeResult(provider.ApprovalOutcome{Cancelled: true}), nil
		}
		return outcomeResult(outcome), nil
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.responders, rpcID)
		a.mu.Unlock()
		return outcomeResult(provider.ApprovalOutcome{Cancelled: true}), nil
	}
}

// ResolveApproval delivers a decision to the blocked permission handler.
func (a *Adapter) ResolveApproval(rpcID uint64, outcome provider.ApprovalOutcome) error {
	a.mu.Lock()
	ch, ok := a.responders[rpcID]
	if ok {
		delete(a.responders, rpcID)
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no pending approval for rpc id %d", provider.ErrUnavailable, rpcID)
	}
	ch <- outcome
	return nil
}

func outcomeResult(o provider.ApprovalOutcome) map[string]any {
	if o.Cancelled || o.OptionID == "" {
		return map[string]any{"outcome": "cancelled"}
	}
	return map[string]any{"outcome": "selected", "optionId": o.OptionID}
}

// pickAllowOption prefers an explicit allow option, falling back to the
// first one offered.
func pickAllowOption(options []provider.ApprovalOption) string {
	for _, o := range options {
		if strings.HasPrefix(o.OptionID, "allow") || o.Kind == "allow_once" || o.Kind == "allow_always" {
			return o.OptionID
		}
	}
	if len(options) > 0 {
		return options[0].OptionID
	}
	return ""
}
