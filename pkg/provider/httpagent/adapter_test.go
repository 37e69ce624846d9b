package httpagent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitd/orbit/pkg/config"
	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/provider"
)

func newTestAgent(t *testing.T, handler http.Handler) (*httptest.Server, config.ProviderConfig) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, config.ProviderConfig{URL: srv.URL, APIKey: "secret-key"}
}

func TestStartProbesHealth(t *testing.T) {
	var gotAuth string
	srv, cfg := newTestAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	_ = srv

	a := New("httpagent", cfg, slog.Default())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	assert.Equal(t, models.HealthHealthy, a.Health().Status)
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestStartUnreachableDegrades(t *testing.T) {
	a := New("httpagent", config.ProviderConfig{URL: "http://127.0.0.1:1"}, slog.Default())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	assert.Equal(t, models.HealthDegraded, a.Health().Status)
}

func TestStartWithoutURLDegrades(t *testing.T) {
	a := New("httpagent", config.ProviderConfig{}, slog.Default())
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, models.HealthDegraded, a.Health().Status)

	_, err := a.ListSessions(context.Background())
	assert.ErrorIs(t, err, provider.ErrUnavailable)
}

func TestListSessions(t *testing.T) {
	_, cfg := newTestAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/sessions":
			fmt.Fprint(w, `{"sessions":[
				{"id":"s1","title":"Refactor auth","status":"active"},
				{"id":"s2","title":"Fix CI","status":"completed"}
			]}`)
		default:
			http.NotFound(w, r)
		}
	}))

	a := New("httpagent", cfg, slog.Default())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	sessions, err := a.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.Equal(t, "httpagent", sessions[0].Provider)
	assert.Equal(t, models.SessionActive, sessions[0].Status)
	assert.Equal(t, models.SessionCompleted, sessions[1].Status)
	assert.NotEmpty(t, sessions[0].RawSession)
}

func TestSendPrompt(t *testing.T) {
	_, cfg := newTestAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/sessions/s1/messages":
			assert.Equal(t, http.MethodPost, r.Method)
			fmt.Fprint(w, `{"turnId":"t42","status":"in_progress"}`)
		default:
			http.NotFound(w, r)
		}
	}))

	a := New("httpagent", cfg, slog.Default())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	ack, err := a.SendPrompt(context.Background(), "s1", models.PromptInput{Text: "go"})
	require.NoError(t, err)
	assert.Equal(t, "t42", ack.TurnID)
	assert.Equal(t, "in_progress", ack.Status)
}

func TestSendPromptServerError(t *testing.T) {
	_, cfg := newTestAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "backend down", http.StatusBadGateway)
	}))

	a := New("httpagent", cfg, slog.Default())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	_, err := a.SendPrompt(context.Background(), "s1", models.PromptInput{Text: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSubscribeStreamsEvents(t *testing.T) {
	_, cfg := newTestAgent(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/sessions/s1/events":
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			fmt.Fprint(w, "data: {\"turnId\":\"t1\",\"type\":\"content\",\"delta\":\"Hel\"}\n\n")
			flusher.Flush()
			fmt.Fprint(w, "data: {\"turnId\":\"t1\",\"type\":\"content\",\"delta\":\"lo\",\"done\":true}\n\n")
			flusher.Flush()
			// Hold the connection open briefly, then drop it.
			time.Sleep(100 * time.Millisecond)
		default:
			http.NotFound(w, r)
		}
	}))

	var mu sync.Mutex
	var got []string
	a := New("httpagent", cfg, slog.Default(),
		WithUpdateSink(func(sessionID, turnID string, raw []byte) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, sessionID+"/"+turnID)
		}))
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	cancel := a.Subscribe("s1", func(string, string, []byte) {})
	defer cancel()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "s1/t1", got[0])
	mu.Unlock()
}

func TestApprovalsNotSupported(t *testing.T) {
	a := New("httpagent", config.ProviderConfig{}, slog.Default())
	assert.False(t, a.Capabilities().Approvals)
	err := a.ResolveApproval(1, provider.ApprovalOutcome{Cancelled: true})
	assert.ErrorIs(t, err, provider.ErrCapability)
}
