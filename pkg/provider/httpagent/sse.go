package httpagent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/provider"
)

// sseStream is one session's server-sent-events reader. It reconnects with
// exponential backoff until the adapter stops or the last handler leaves.
type sseStream struct {
	adapter   *Adapter
	sessionID string

	handlers map[int]provider.UpdateHandler
	seq      int
	running  bool
	cancel   context.CancelFunc
}

func newSSEStream(a *Adapter, sessionID string) *sseStream {
	return &sseStream{
		adapter:   a,
		sessionID: sessionID,
		handlers:  make(map[int]provider.UpdateHandler),
	}
}

// addHandler registers a handler and returns its cancel. Caller holds the
// adapter lock. When the last handler leaves the stream shuts down.
func (s *sseStream) addHandler(h provider.UpdateHandler) func() {
	s.seq++
	id := s.seq
	s.handlers[id] = h

	a := s.adapter
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(s.handlers, id)
		if len(s.handlers) == 0 {
			if s.cancel != nil {
				s.cancel()
			}
			delete(a.streams, s.sessionID)
		}
	}
}

// run starts the reader goroutine. Caller holds the adapter lock.
func (s *sseStream) run(parent context.Context) {
	if s.running {
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	go func() {
		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = 0 // retry until cancelled
		_ = backoff.Retry(func() error {
			err := s.consume(ctx)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if err == nil {
				// A clean server-side close still wants a reconnect.
				err = errStreamEnded
			}
			s.adapter.logger.Warn("sse stream interrupted, reconnecting",
				"session_id", s.sessionID, "error", err)
			return err
		}, backoff.WithContext(policy, ctx))
	}()
}

// consume reads one SSE connection until it drops.
func (s *sseStream) consume(ctx context.Context) error {
	url := s.adapter.baseURL + "/sessions/" + s.sessionID + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The streaming request must outlive the client's request timeout.
	client := &http.Client{Transport: s.adapter.httpc.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{status: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "" && len(data) > 0:
			s.deliver([]byte(strings.Join(data, "\n")))
			data = nil
		}
	}
	return scanner.Err()
}

// deliver hands one event to the adapter sink and the stream's handlers.
func (s *sseStream) deliver(raw []byte) {
	var probe struct {
		TurnID      string `json:"turnId"`
		TurnIDSnake string `json:"turn_id"`
	}
	_ = json.Unmarshal(raw, &probe)
	turnID := probe.TurnID
	if turnID == "" {
		turnID = probe.TurnIDSnake
	}

	a := s.adapter
	a.mu.Lock()
	sink := a.sink
	handlers := make([]provider.UpdateHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()

	if sink != nil {
		sink(s.sessionID, turnID, raw)
	}
	for _, h := range handlers {
		h(s.sessionID, turnID, raw)
	}
}

var errStreamEnded = errors.New("event stream ended")

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return "sse endpoint returned " + http.StatusText(e.status)
}

// normalizeSession maps one raw agent session onto the shared shape.
func normalizeSession(providerID string, raw json.RawMessage) models.NormalizedSession {
	var w struct {
		ID        string         `json:"id"`
		SessionID string         `json:"sessionId"`
		Title     string         `json:"title"`
		Project   string         `json:"project"`
		Repo      string         `json:"repo"`
		Status    string         `json:"status"`
		Preview   string         `json:"preview"`
		CreatedAt time.Time      `json:"createdAt"`
		UpdatedAt time.Time      `json:"updatedAt"`
		Metadata  map[string]any `json:"metadata"`
	}
	_ = json.Unmarshal(raw, &w)

	id := w.ID
	if id == "" {
		id = w.SessionID
	}
	status := models.SessionIdle
	switch w.Status {
	case "active", "running":
		status = models.SessionActive
	case "completed":
		status = models.SessionCompleted
	case "error", "failed":
		status = models.SessionError
	case "interrupted":
		status = models.SessionInterrupted
	}

	return models.NormalizedSession{
		Provider:   providerID,
		SessionID:  id,
		Title:      w.Title,
		Project:    w.Project,
		Repo:       w.Repo,
		Status:     status,
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
		Preview:    w.Preview,
		Metadata:   w.Metadata,
		RawSession: raw,
	}
}
