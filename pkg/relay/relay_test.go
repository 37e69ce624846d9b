package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitd/orbit/pkg/approval"
	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/normalize"
	"github.com/orbitd/orbit/pkg/provider"
	"github.com/orbitd/orbit/pkg/store"
	"github.com/orbitd/orbit/pkg/titles"
)

// fakeSocket is an in-memory Socket backed by channels.
type fakeSocket struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	closeCode   websocket.StatusCode
	closeReason string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(ctx context.Context, data []byte) error {
	select {
	case s.out <- data:
		return nil
	case <-s.closed:
		return errors.New("socket closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSocket) Close(code websocket.StatusCode, reason string) error {
	s.mu.Lock()
	s.closeCode = code
	s.closeReason = reason
	s.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

// inject queues one inbound frame.
func (s *fakeSocket) inject(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	s.in <- data
}

// next waits for one outbound frame.
func (s *fakeSocket) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-s.out:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

// expectNone asserts no frame arrives within the window.
func (s *fakeSocket) expectNone(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case data := <-s.out:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(window):
	}
}

// capAdapter is a registry adapter with scriptable capabilities.
type capAdapter struct {
	id       string
	caps     models.Capabilities
	sessions []models.NormalizedSession
	listErr  error

	mu       sync.Mutex
	prompts  []string
	resolved map[uint64]provider.ApprovalOutcome
}

func newCapAdapter(id string, caps models.Capabilities) *capAdapter {
	return &capAdapter{id: id, caps: caps, resolved: make(map[uint64]provider.ApprovalOutcome)}
}

func (f *capAdapter) ID() string                  { return f.id }
func (f *capAdapter) Start(context.Context) error { return nil }
func (f *capAdapter) Stop(context.Context) error  { return nil }
func (f *capAdapter) Health() models.ProviderHealth {
	return models.ProviderHealth{Provider: f.id, Status: models.HealthHealthy}
}
func (f *capAdapter) Capabilities() models.Capabilities { return f.caps }

func (f *capAdapter) ListSessions(context.Context) ([]models.NormalizedSession, error) {
	return f.sessions, f.listErr
}

func (f *capAdapter) SendPrompt(_ context.Context, sessionID string, input models.PromptInput) (models.TurnAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, sessionID+":"+input.Text)
	return models.TurnAck{TurnID: "t-1", Status: "accepted"}, nil
}

func (f *capAdapter) Subscribe(string, provider.UpdateHandler) func() { return func() {} }
func (f *capAdapter) OnApprovalRequest(provider.ApprovalHandler)      {}

func (f *capAdapter) ResolveApproval(rpcID uint64, outcome provider.ApprovalOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved[rpcID] = outcome
	return nil
}

func (f *capAdapter) outcome(rpcID uint64) (provider.ApprovalOutcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.resolved[rpcID]
	return o, ok
}

// streamAdapter extends capAdapter with an on-demand event stream, delivering
// updates the way the HTTP/SSE adapter does: to a catch-all sink plus any
// handlers registered through Subscribe.
type streamAdapter struct {
	*capAdapter
	sink provider.UpdateHandler

	smu        sync.Mutex
	handlers   map[int]provider.UpdateHandler
	nextHandle int
	subscribes int
	cancels    int
}

func newStreamAdapter(id string, caps models.Capabilities) *streamAdapter {
	return &streamAdapter{
		capAdapter: newCapAdapter(id, caps),
		handlers:   make(map[int]provider.UpdateHandler),
	}
}

func (f *streamAdapter) Subscribe(_ string, h provider.UpdateHandler) func() {
	f.smu.Lock()
	defer f.smu.Unlock()
	f.subscribes++
	handle := f.nextHandle
	f.nextHandle++
	f.handlers[handle] = h
	return func() {
		f.smu.Lock()
		defer f.smu.Unlock()
		if _, ok := f.handlers[handle]; ok {
			delete(f.handlers, handle)
			f.cancels++
		}
	}
}

func (f *streamAdapter) subscribeCount() int {
	f.smu.Lock()
	defer f.smu.Unlock()
	return f.subscribes
}

func (f *streamAdapter) cancelCount() int {
	f.smu.Lock()
	defer f.smu.Unlock()
	return f.cancels
}

// emit pushes one raw update through the adapter's delivery paths.
func (f *streamAdapter) emit(sessionID, turnID, raw string) {
	f.smu.Lock()
	sink := f.sink
	handlers := make([]provider.UpdateHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.smu.Unlock()

	if sink != nil {
		sink(sessionID, turnID, []byte(raw))
	}
	for _, h := range handlers {
		h(sessionID, turnID, []byte(raw))
	}
}

type relayFixture struct {
	relay    *Relay
	store    *store.Store
	titles   *titles.Store
	registry *provider.Registry
}

func newTestRelay(t *testing.T, adapters ...provider.Adapter) *relayFixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "orbit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ts := titles.NewStore(filepath.Join(dir, "titles.json"))
	reg := provider.NewRegistry(slog.Default())
	for _, a := range adapters {
		a := a
		reg.Register(a.ID(), func(string) (provider.Adapter, error) { return a, nil })
	}
	reg.StartAll(context.Background())

	approvals := approval.New(slog.Default())
	t.Cleanup(approvals.Stop)

	return &relayFixture{
		relay:    New(slog.Default(), st, ts, reg, approvals, "codex"),
		store:    st,
		titles:   ts,
		registry: reg,
	}
}

// connectClient attaches a fake client socket and waits until registered.
func (fx *relayFixture) connectClient(t *testing.T, scope models.Scope) *fakeSocket {
	t.Helper()
	sock := newFakeSocket()
	before := fx.relay.ClientCount()
	go fx.relay.HandleClient(context.Background(), sock, scope)
	require.Eventually(t, func() bool {
		return fx.relay.ClientCount() > before
	}, time.Second, 5*time.Millisecond)
	t.Cleanup(func() { sock.Close(websocket.StatusNormalClosure, "test done") })
	return sock
}

func (fx *relayFixture) connectAnchor(t *testing.T, stableID string) *fakeSocket {
	t.Helper()
	sock := newFakeSocket()
	go fx.relay.HandleAnchor(context.Background(), sock)
	require.Eventually(t, fx.relay.AnchorConnected, time.Second, 5*time.Millisecond)
	if stableID != "" {
		sock.inject(t, map[string]any{"type": "anchor.hello", "stableId": stableID, "hostname": "mba", "platform": "darwin"})
		require.Eventually(t, func() bool {
			for _, a := range fx.relay.Anchors() {
				if a.StableID == stableID {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
	}
	t.Cleanup(func() { sock.Close(websocket.StatusNormalClosure, "test done") })
	return sock
}

// subscribe issues orbit.subscribe and consumes the confirmation.
func subscribe(t *testing.T, sock *fakeSocket, threadID string) {
	t.Helper()
	sock.inject(t, map[string]any{"type": "orbit.subscribe", "threadId": threadID})
	frame := sock.next(t)
	require.Equal(t, "orbit.subscribed", frame["type"])
}

func TestPingPong(t *testing.T) {
	fx := newTestRelay(t)
	sock := fx.connectClient(t, models.ScopeFull)

	sock.inject(t, map[string]any{"type": "ping"})
	assert.Equal(t, "pong", sock.next(t)["type"])
}

func TestReadOnlyDenial(t *testing.T) {
	fx := newTestRelay(t)
	anchor := fx.connectAnchor(t, "mba-1")
	sock := fx.connectClient(t, models.ScopeReadOnly)

	sock.inject(t, map[string]any{
		"jsonrpc": "2.0", "id": 9, "method": "turn/start",
		"params": map[string]any{"threadId": "abc"},
	})

	frame := sock.next(t)
	assert.Equal(t, float64(9), frame["id"])
	errObj := frame["error"].(map[string]any)
	assert.Equal(t, float64(-32003), errObj["code"])
	assert.Equal(t, "Read-only token session cannot call turn/start", errObj["message"])

	// The anchor never receives the frame.
	anchor.expectNone(t, 100*time.Millisecond)
}

func TestReadOnlyAllowsSafeMethods(t *testing.T) {
	fx := newTestRelay(t)
	anchor := fx.connectAnchor(t, "mba-1")
	sock := fx.connectClient(t, models.ScopeReadOnly)

	sock.inject(t, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "thread/list", "params": map[string]any{}})

	forwarded := anchor.next(t)
	assert.Equal(t, "thread/list", forwarded["method"])
}

func TestCapabilityGateRejects(t *testing.T) {
	copilot := newCapAdapter("copilot-acp", models.Capabilities{ListSessions: true})
	fx := newTestRelay(t, copilot)
	sock := fx.connectClient(t, models.ScopeFull)

	sock.inject(t, map[string]any{
		"jsonrpc": "2.0", "id": 4, "method": "turn/start",
		"params": map[string]any{"threadId": "copilot-acp:xyz", "text": "go"},
	})

	frame := sock.next(t)
	errObj := frame["error"].(map[string]any)
	assert.Equal(t, float64(-32000), errObj["code"])
	assert.Equal(t, "Copilot ACP write operation is not supported", errObj["message"])
	data := errObj["data"].(map[string]any)
	assert.Equal(t, "copilot-acp", data["provider"])
	assert.Equal(t, "sendPrompt", data["capability"])
}

func TestCapabilityGateRoutesDirectly(t *testing.T) {
	copilot := newCapAdapter("copilot-acp", models.Capabilities{SendPrompt: true})
	fx := newTestRelay(t, copilot)
	anchor := fx.connectAnchor(t, "mba-1")
	sock := fx.connectClient(t, models.ScopeFull)

	sock.inject(t, map[string]any{
		"jsonrpc": "2.0", "id": 4, "method": "turn/start",
		"params": map[string]any{"threadId": "copilot-acp:xyz", "text": "go"},
	})

	frame := sock.next(t)
	result := frame["result"].(map[string]any)
	assert.Equal(t, "t-1", result["turnId"])
	assert.Equal(t, "accepted", result["status"])

	copilot.mu.Lock()
	assert.Equal(t, []string{"xyz:go"}, copilot.prompts)
	copilot.mu.Unlock()

	// Adapter-routed calls never reach the anchor.
	anchor.expectNone(t, 100*time.Millisecond)
}

func TestDuplicateSuppression(t *testing.T) {
	fx := newTestRelay(t)
	anchor := fx.connectAnchor(t, "mba-1")
	sock := fx.connectClient(t, models.ScopeFull)

	msg := map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "turn/start",
		"params": map[string]any{"threadId": "abc", "clientRequestId": "req-1"},
	}
	sock.inject(t, msg)
	anchor.next(t)

	sock.inject(t, msg)
	anchor.expectNone(t, 100*time.Millisecond)
}

func TestClientFramePersisted(t *testing.T) {
	fx := newTestRelay(t)
	fx.connectAnchor(t, "mba-1")
	sock := fx.connectClient(t, models.ScopeFull)

	sock.inject(t, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "turn/start",
		"params": map[string]any{"threadId": "abc", "text": "hello"},
	})

	require.Eventually(t, func() bool {
		events, err := fx.store.ReadEvents(context.Background(), "abc", 0, store.OrderAsc)
		return err == nil && len(events) == 1
	}, time.Second, 10*time.Millisecond)

	events, err := fx.store.ReadEvents(context.Background(), "abc", 0, store.OrderAsc)
	require.NoError(t, err)
	assert.Equal(t, "turn/start", events[0].Method)
	assert.Equal(t, models.RoleClient, events[0].Role)
}

func TestNoAnchorConnectedError(t *testing.T) {
	fx := newTestRelay(t)
	sock := fx.connectClient(t, models.ScopeFull)

	sock.inject(t, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "turn/start",
		"params": map[string]any{"threadId": "abc"},
	})

	frame := sock.next(t)
	errObj := frame["error"].(map[string]any)
	assert.Equal(t, float64(-32001), errObj["code"])
}

func TestApprovalAuthorization(t *testing.T) {
	copilot := newCapAdapter("copilot-acp", models.Capabilities{Approvals: true})
	fx := newTestRelay(t, copilot)

	subscriber := fx.connectClient(t, models.ScopeFull)
	outsider := fx.connectClient(t, models.ScopeFull)
	subscribe(t, subscriber, "copilot-acp:abc")

	fx.relay.HandleApprovalRequest(copilot, provider.ApprovalRequest{
		Provider:  "copilot-acp",
		RPCID:     7,
		SessionID: "abc",
		Options:   []provider.ApprovalOption{{OptionID: "allow_once"}},
	})

	// Only the subscriber receives the prompt.
	prompt := subscriber.next(t)
	assert.Equal(t, "acp:approval_request", prompt["type"])
	assert.Equal(t, "copilot-acp:abc", prompt["threadId"])
	assert.Equal(t, float64(7), prompt["rpcId"])
	outsider.expectNone(t, 100*time.Millisecond)

	// A non-subscribed client's decision is rejected and not forwarded.
	outsider.inject(t, map[string]any{"type": "acp:approval_decision", "rpcId": 7, "optionId": "allow_once"})
	rejected := outsider.next(t)
	assert.Equal(t, "error", rejected["type"])
	_, resolved := copilot.outcome(7)
	assert.False(t, resolved)

	// The subscriber's decision resolves the approval.
	subscriber.inject(t, map[string]any{"type": "acp:approval_decision", "rpcId": 7, "optionId": "allow_once"})
	ack := subscriber.next(t)
	assert.Equal(t, "acp:approval_resolved", ack["type"])

	outcome, resolved := copilot.outcome(7)
	require.True(t, resolved)
	assert.Equal(t, "allow_once", outcome.OptionID)
	assert.False(t, outcome.Cancelled)

	// The pending entry is cleared.
	subscriber.inject(t, map[string]any{"type": "acp:approval_decision", "rpcId": 7, "optionId": "allow_once"})
	stale := subscriber.next(t)
	assert.Equal(t, "error", stale["type"])
	assert.Equal(t, "Unknown or expired approval", stale["message"])
}

func TestApprovalBroadcastWithoutSubscribers(t *testing.T) {
	copilot := newCapAdapter("copilot-acp", models.Capabilities{Approvals: true})
	fx := newTestRelay(t, copilot)
	a := fx.connectClient(t, models.ScopeFull)
	b := fx.connectClient(t, models.ScopeFull)

	fx.relay.HandleApprovalRequest(copilot, provider.ApprovalRequest{
		Provider: "copilot-acp", RPCID: 1, SessionID: "abc",
	})

	assert.Equal(t, "acp:approval_request", a.next(t)["type"])
	assert.Equal(t, "acp:approval_request", b.next(t)["type"])
}

func TestPublishEventPersistsBeforeBroadcast(t *testing.T) {
	fx := newTestRelay(t)
	sock := fx.connectClient(t, models.ScopeFull)
	subscribe(t, sock, "abc")

	fx.relay.PublishEvent(context.Background(), "abc", models.NormalizedEvent{
		Provider:  "codex",
		SessionID: "abc",
		EventID:   "01J0000000000000000000000",
		Category:  models.CategoryAgentMessage,
		Timestamp: time.Now(),
		Text:      "Hello world!",
	})

	frame := sock.next(t)
	assert.Equal(t, "orbit.event", frame["type"])
	assert.Equal(t, "abc", frame["threadId"])

	// The append happened before the live frame was delivered.
	events, err := fx.store.ReadEvents(context.Background(), "abc", 0, store.OrderAsc)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "event/agent_message", events[0].Method)
}

func TestAnchorResponseEnrichment(t *testing.T) {
	codex := newCapAdapter("codex", models.Capabilities{SendPrompt: true, Streaming: true})
	copilot := newCapAdapter("copilot-acp", models.Capabilities{ListSessions: true, SendPrompt: true})
	copilot.sessions = []models.NormalizedSession{
		{Provider: "copilot-acp", SessionID: "xyz", Title: "Port the parser", Status: models.SessionIdle},
	}
	fx := newTestRelay(t, codex, copilot)
	require.NoError(t, fx.titles.Set("abc", "My renamed thread"))

	anchor := fx.connectAnchor(t, "mba-1")
	sock := fx.connectClient(t, models.ScopeFull)

	// Client asks for the thread list; the anchor answers with one thread.
	sock.inject(t, map[string]any{"jsonrpc": "2.0", "id": 11, "method": "thread/list", "params": map[string]any{}})
	anchor.next(t)
	anchor.inject(t, map[string]any{
		"jsonrpc": "2.0", "id": 11,
		"result": map[string]any{"threads": []any{
			map[string]any{"id": "abc", "title": ""},
		}},
	})

	frame := sock.next(t)
	result := frame["result"].(map[string]any)
	threads := result["threads"].([]any)
	require.Len(t, threads, 2)

	first := threads[0].(map[string]any)
	assert.Equal(t, "My renamed thread", first["title"])
	caps, ok := first["capabilities"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, caps, "send_prompt")

	second := threads[1].(map[string]any)
	assert.Equal(t, "copilot-acp:xyz", second["id"])
	assert.Equal(t, "copilot-acp", second["provider"])
	assert.Equal(t, "Port the parser", second["title"])
}

func TestAnchorReplacedOnReconnect(t *testing.T) {
	fx := newTestRelay(t)
	first := fx.connectAnchor(t, "mba-1")

	second := newFakeSocket()
	go fx.relay.HandleAnchor(context.Background(), second)
	second.inject(t, map[string]any{"type": "anchor.hello", "stableId": "mba-1"})

	assert.Eventually(t, func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.closeReason == "replaced" && first.closeCode == websocket.StatusNormalClosure
	}, time.Second, 5*time.Millisecond)
}

func TestCloseAllOnRotation(t *testing.T) {
	fx := newTestRelay(t)
	client := fx.connectClient(t, models.ScopeFull)
	anchor := fx.connectAnchor(t, "mba-1")

	fx.relay.CloseAll("token rotated")

	for _, s := range []*fakeSocket{client, anchor} {
		s.mu.Lock()
		assert.Equal(t, "token rotated", s.closeReason)
		s.mu.Unlock()
	}
	assert.Equal(t, 0, fx.relay.ClientCount())
	assert.False(t, fx.relay.AnchorConnected())
}

func TestListAnchors(t *testing.T) {
	fx := newTestRelay(t)
	fx.connectAnchor(t, "mba-1")
	sock := fx.connectClient(t, models.ScopeFull)

	sock.inject(t, map[string]any{"type": "orbit.list-anchors"})
	frame := sock.next(t)
	assert.Equal(t, "orbit.anchors", frame["type"])
	anchors := frame["anchors"].([]any)
	require.Len(t, anchors, 1)
	assert.Equal(t, "mba-1", anchors[0].(map[string]any)["stableId"])
}

func TestListAnchorsIncludesAuthState(t *testing.T) {
	fx := newTestRelay(t)
	anchor := fx.connectAnchor(t, "mba-1")
	sock := fx.connectClient(t, models.ScopeFull)

	anchor.inject(t, map[string]any{
		"type": "orbit.anchor-auth", "authenticated": true, "account": "dev@example.com",
	})
	assert.Eventually(t, func() bool {
		anchors := fx.relay.Anchors()
		return len(anchors) == 1 && anchors[0].AuthState != nil
	}, time.Second, 5*time.Millisecond)

	sock.inject(t, map[string]any{"type": "orbit.list-anchors"})
	frame := sock.next(t)
	anchors := frame["anchors"].([]any)
	require.Len(t, anchors, 1)
	authState := anchors[0].(map[string]any)["authState"].(map[string]any)
	assert.Equal(t, true, authState["authenticated"])
	assert.Equal(t, "dev@example.com", authState["account"])
}

func TestSubscribeOpensAdapterStream(t *testing.T) {
	claude := newStreamAdapter("claude", models.Capabilities{SendPrompt: true, Streaming: true})
	fx := newTestRelay(t, claude)

	first := fx.connectClient(t, models.ScopeFull)
	subscribe(t, first, "claude:s1")
	assert.Equal(t, 1, claude.subscribeCount())

	// A second subscriber joins the already-open stream.
	second := fx.connectClient(t, models.ScopeFull)
	subscribe(t, second, "claude:s1")
	assert.Equal(t, 1, claude.subscribeCount())

	// The stream stays up until the last subscriber leaves.
	first.inject(t, map[string]any{"type": "orbit.unsubscribe", "threadId": "claude:s1"})
	assert.Never(t, func() bool { return claude.cancelCount() > 0 },
		100*time.Millisecond, 10*time.Millisecond)
	second.inject(t, map[string]any{"type": "orbit.unsubscribe", "threadId": "claude:s1"})
	assert.Eventually(t, func() bool { return claude.cancelCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestClientDisconnectClosesAdapterStream(t *testing.T) {
	claude := newStreamAdapter("claude", models.Capabilities{SendPrompt: true, Streaming: true})
	fx := newTestRelay(t, claude)

	sock := fx.connectClient(t, models.ScopeFull)
	subscribe(t, sock, "claude:s1")
	require.Equal(t, 1, claude.subscribeCount())

	sock.Close(websocket.StatusNormalClosure, "going away")
	assert.Eventually(t, func() bool { return claude.cancelCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestRoutedPromptOpensAdapterStream(t *testing.T) {
	claude := newStreamAdapter("claude", models.Capabilities{SendPrompt: true, Streaming: true})
	fx := newTestRelay(t, claude)
	sock := fx.connectClient(t, models.ScopeFull)

	sock.inject(t, map[string]any{
		"jsonrpc": "2.0", "id": 4, "method": "turn/start",
		"params": map[string]any{"threadId": "claude:s1", "text": "go"},
	})

	frame := sock.next(t)
	result := frame["result"].(map[string]any)
	assert.Equal(t, "accepted", result["status"])
	assert.Equal(t, 1, claude.subscribeCount())
}

// TestAdapterStreamReachesSubscribedClient walks the full path for a
// non-default provider: subscribe opens the stream, streamed updates feed the
// normalizer through the adapter's sink, and the flushed event is persisted
// and delivered to the subscribed client.
func TestAdapterStreamReachesSubscribedClient(t *testing.T) {
	claude := newStreamAdapter("claude", models.Capabilities{SendPrompt: true, Streaming: true})
	fx := newTestRelay(t, claude)

	normalizer := normalize.New(slog.Default(), func(ev models.NormalizedEvent) {
		threadID := models.ThreadID(ev.Provider, "codex", ev.SessionID)
		fx.relay.PublishEvent(context.Background(), threadID, ev)
	})
	t.Cleanup(normalizer.Stop)
	claude.sink = func(sessionID, turnID string, raw []byte) {
		u, err := normalize.ParseUpdate(raw)
		require.NoError(t, err)
		normalizer.Process("claude", sessionID, turnID, u)
	}

	sock := fx.connectClient(t, models.ScopeFull)
	subscribe(t, sock, "claude:s1")
	require.Equal(t, 1, claude.subscribeCount())

	claude.emit("s1", "t1", `{"type":"content","delta":"Hello "}`)
	claude.emit("s1", "t1", `{"type":"content","delta":"world!","done":true}`)

	frame := sock.next(t)
	assert.Equal(t, "orbit.event", frame["type"])
	assert.Equal(t, "claude:s1", frame["threadId"])
	event := frame["event"].(map[string]any)
	assert.Equal(t, "agent_message", event["category"])
	assert.Equal(t, "Hello world!", event["text"])

	// The event is also in the replay log.
	events, err := fx.store.ReadEvents(context.Background(), "claude:s1", 0, store.OrderAsc)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "event/agent_message", events[0].Method)
}

func TestPendingMethodsSweptWhenAnchorNeverResponds(t *testing.T) {
	fx := newTestRelay(t)
	fx.connectAnchor(t, "mba-1")
	sock := fx.connectClient(t, models.ScopeFull)

	// Backfill expired entries past the sweep threshold, as left behind by
	// requests whose responses never arrived.
	stale := time.Now().Add(-2 * pendingMethodTTL)
	fx.relay.mu.Lock()
	for i := 0; i < pendingMethodsSweepAt; i++ {
		fx.relay.pendingMethods[fmt.Sprintf("stale-%d", i)] = pendingMethod{method: "thread/get", at: stale}
	}
	fx.relay.mu.Unlock()

	sock.inject(t, map[string]any{"jsonrpc": "2.0", "id": 9, "method": "thread/list"})

	require.Eventually(t, func() bool {
		fx.relay.mu.RLock()
		defer fx.relay.mu.RUnlock()
		return len(fx.relay.pendingMethods) == 1
	}, time.Second, 5*time.Millisecond)

	fx.relay.mu.RLock()
	p, ok := fx.relay.pendingMethods["9"]
	fx.relay.mu.RUnlock()
	require.True(t, ok)
	assert.Equal(t, "thread/list", p.method)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Copilot ACP", displayName("copilot-acp"))
	assert.Equal(t, "Codex", displayName("codex"))
}
