// Package httpagent implements the provider adapter for agents exposed as a
// remote HTTP API with an SSE event stream, rather than a local subprocess.
package httpagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/orbitd/orbit/pkg/config"
	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/provider"
)

const defaultTimeout = 30 * time.Second

// Adapter bridges one remote HTTP agent.
type Adapter struct {
	id      string
	cfg     config.ProviderConfig
	logger  *slog.Logger
	httpc   *http.Client
	sink    provider.UpdateHandler
	baseURL string

	mu      sync.Mutex
	started bool
	health  models.ProviderHealth
	streams map[string]*sseStream
	cancel  context.CancelFunc
	ctx     context.Context
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithUpdateSink registers a catch-all handler for streamed updates.
func WithUpdateSink(h provider.UpdateHandler) Option {
	return func(a *Adapter) { a.sink = h }
}

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpc = c }
}

// New constructs the adapter. The API key, when set, rides on every request
// as a bearer token via a wrapping round-tripper.
func New(id string, cfg config.ProviderConfig, logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		cfg:     cfg,
		logger:  logger.With("provider", id),
		baseURL: cfg.URL,
		health: models.ProviderHealth{
			Provider:  id,
			Status:    models.HealthUnknown,
			LastCheck: time.Now(),
		},
		streams: make(map[string]*sseStream),
	}
	for _, o := range opts {
		o(a)
	}
	if a.httpc == nil {
		a.httpc = buildHTTPClient(cfg)
	}
	return a
}

// buildHTTPClient assembles the client with bearer auth and a request
// timeout. The SSE reader uses per-request contexts instead of the client
// timeout, so streaming requests clone the transport without it.
func buildHTTPClient(cfg config.ProviderConfig) *http.Client {
	client := &http.Client{
		Transport: http.DefaultTransport,
		Timeout:   cfg.Timeout(defaultTimeout),
	}
	if cfg.APIKey != "" {
		client.Transport = &bearerTokenTransport{
			base:  client.Transport,
			token: cfg.APIKey,
		}
	}
	return client
}

// bearerTokenTransport wraps an http.RoundTripper to add Authorization
// headers.
type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

func (a *Adapter) ID() string { return a.id }

// Start probes the agent's health endpoint with bounded retries. An
// unreachable backend degrades health and returns nil.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.mu.Unlock()

	if a.baseURL == "" {
		a.setHealth(models.HealthDegraded, "no url configured")
		return nil
	}

	probe := func() error { return a.probeHealth(ctx) }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(probe, policy); err != nil {
		a.logger.Warn("agent health probe failed, adapter degraded", "url", a.baseURL, "error", err)
		a.setHealth(models.HealthDegraded, "health probe: "+err.Error())
		return nil
	}

	a.setHealth(models.HealthHealthy, "")
	a.logger.Info("http agent reachable", "url", a.baseURL)
	return nil
}

func (a *Adapter) probeHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Stop tears down every SSE stream. Idempotent.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.started = false
	a.streams = make(map[string]*sseStream)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *Adapter) setHealth(status models.HealthStatus, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
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

func (a *Adapter) Capabilities() models.Capabilities {
	return models.Capabilities{
		ListSessions: true,
		OpenSession:  true,
		SendPrompt:   true,
		Streaming:    true,
		MultiTurn:    true,
		Pagination:   true,
	}
}

// ListSessions fetches the agent's session index.
func (a *Adapter) ListSessions(ctx context.Context) ([]models.NormalizedSession, error) {
	if a.baseURL == "" {
		return nil, provider.ErrUnavailable
	}

	var result struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := a.getJSON(ctx, "/sessions", &result); err != nil {
		a.setHealth(models.HealthDegraded, err.Error())
		return nil, err
	}
	a.setHealth(models.HealthHealthy, "")

	sessions := make([]models.NormalizedSession, 0, len(result.Sessions))
	for _, raw := range result.Sessions {
		sessions = append(sessions, normalizeSession(a.id, raw))
	}
	return sessions, nil
}

// SendPrompt posts one message to a session.
func (a *Adapter) SendPrompt(ctx context.Context, sessionID string, input models.PromptInput) (models.TurnAck, error) {
	if a.baseURL == "" {
		return models.TurnAck{}, provider.ErrUnavailable
	}

	body := map[string]any{"text": input.Text}
	if a.cfg.Model != "" {
		body["model"] = a.cfg.Model
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return models.TurnAck{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/sessions/"+sessionID+"/messages", bytes.NewReader(payload))
	if err != nil {
		return models.TurnAck{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		a.setHealth(models.HealthDegraded, err.Error())
		return models.TurnAck{}, fmt.Errorf("send prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.TurnAck{}, fmt.Errorf("send prompt: agent returned %d: %s", resp.StatusCode, data)
	}

	var ack struct {
		TurnID string `json:"turnId"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return models.TurnAck{}, fmt.Errorf("parse prompt ack: %w", err)
	}
	a.setHealth(models.HealthHealthy, "")
	if ack.Status == "" {
		ack.Status = "accepted"
	}
	return models.TurnAck{TurnID: ack.TurnID, Status: ack.Status}, nil
}

// Subscribe opens (or joins) the session's SSE stream.
func (a *Adapter) Subscribe(sessionID string, h provider.UpdateHandler) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	stream, ok := a.streams[sessionID]
	if !ok {
		stream = newSSEStream(a, sessionID)
		a.streams[sessionID] = stream
		if a.started && a.baseURL != "" {
			stream.run(a.ctx)
		}
	}
	return stream.addHandler(h)
}

func (a *Adapter) OnApprovalRequest(provider.ApprovalHandler) {
	// The HTTP agent surface has no interactive permission prompts.
}

func (a *Adapter) ResolveApproval(rpcID uint64, _ provider.ApprovalOutcome) error {
	return fmt.Errorf("%w: no approvals on http agents", provider.ErrCapability)
}

func (a *Adapter) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: agent returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
