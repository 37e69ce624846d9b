// Package normalize aggregates streaming provider updates into coherent
// timeline events. Each (sessionId, turnId) pair owns one StreamingContext at
// a time; a context is flushed on done, on a category switch, or after an
// inactivity timeout.
package normalize

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/orbitd/orbit/pkg/metrics"
	"github.com/orbitd/orbit/pkg/models"
)

// DefaultInactivityTimeout flushes a context that stops receiving chunks.
const DefaultInactivityTimeout = 30 * time.Second

// payloadFields are the scalar update fields merged into the rolling payload,
// last write wins.
var payloadFields = []string{
	"command", "args", "output", "exitCode", "path", "diff", "language",
	"status", "error",
}

// Update is one streaming notification from a provider adapter.
type Update struct {
	Type      string
	Delta     string
	Done      bool
	Fields    map[string]any
	Raw       json.RawMessage
	Timestamp time.Time
}

// ParseUpdate decodes a raw provider notification into an Update. Unknown
// fields outside the scalar merge set are ignored.
func ParseUpdate(raw json.RawMessage) (Update, error) {
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return Update{}, err
	}
	u := Update{Raw: raw, Timestamp: time.Now(), Fields: map[string]any{}}
	if t, ok := all["type"].(string); ok {
		u.Type = t
	}
	if d, ok := all["delta"].(string); ok {
		u.Delta = d
	}
	if done, ok := all["done"].(bool); ok {
		u.Done = done
	}
	for _, f := range payloadFields {
		if v, ok := all[f]; ok && v != nil {
			u.Fields[f] = v
		}
	}
	return u, nil
}

// streamContext is the per-(session, turn) aggregation state. Its timer
// belongs to it so teardown stays local.
type streamContext struct {
	provider  string
	sessionID string
	turnID    string
	category  models.EventCategory
	chunks    []string
	payload   map[string]any
	lastRaw   json.RawMessage
	lastTS    time.Time
	timer     *time.Timer
	gen       uint64
}

// Normalizer turns chunked update streams into normalized events. Emitted
// events are both returned from Process and delivered to the sink, in
// arrival order per (sessionId, turnId).
type Normalizer struct {
	mu       sync.Mutex
	contexts map[string]*streamContext
	sink     func(models.NormalizedEvent)
	timeout  time.Duration
	logger   *slog.Logger
	gen      uint64
	stopped  bool
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithInactivityTimeout overrides the 30s chunk-inactivity flush.
func WithInactivityTimeout(d time.Duration) Option {
	return func(n *Normalizer) { n.timeout = d }
}

// New creates a Normalizer. sink receives every emitted event, including
// timeout flushes that have no caller to return to; it may be nil.
func New(logger *slog.Logger, sink func(models.NormalizedEvent), opts ...Option) *Normalizer {
	n := &Normalizer{
		contexts: make(map[string]*streamContext),
		sink:     sink,
		timeout:  DefaultInactivityTimeout,
		logger:   logger,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// MapCategory maps a provider update type onto a timeline category.
func MapCategory(updateType string) models.EventCategory {
	switch updateType {
	case "content":
		return models.CategoryAgentMessage
	case "reasoning":
		return models.CategoryReasoning
	case "tool":
		return models.CategoryToolCommand
	case "status", "error":
		return models.CategoryLifecycleStatus
	default:
		return models.CategoryMetadata
	}
}

func contextKey(sessionID, turnID string) string {
	return sessionID + ":" + turnID
}

// Process feeds one update into the context for (sessionID, turnID) and
// returns any events it caused to be emitted, in emission order. A type
// switch can emit the previous context's event and terminal updates emit the
// current one; most chunks emit nothing.
func (n *Normalizer) Process(provider, sessionID, turnID string, u Update) []models.NormalizedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return nil
	}

	var emitted []models.NormalizedEvent
	key := contextKey(sessionID, turnID)
	category := MapCategory(u.Type)

	ctx, ok := n.contexts[key]
	if ok && ctx.category != category && len(ctx.chunks) > 0 {
		emitted = append(emitted, n.flushLocked(key, ctx))
		ctx = nil
		ok = false
	}
	if !ok {
		ctx = &streamContext{
			provider:  provider,
			sessionID: sessionID,
			turnID:    turnID,
			category:  category,
			payload:   map[string]any{},
		}
		n.contexts[key] = ctx
	} else if ctx.category != category {
		// Empty context switches category in place.
		ctx.category = category
	}

	if u.Delta != "" {
		ctx.chunks = append(ctx.chunks, u.Delta)
	}
	for k, v := range u.Fields {
		ctx.payload[k] = v
	}
	ctx.lastRaw = u.Raw
	ctx.lastTS = u.Timestamp
	if ctx.lastTS.IsZero() {
		ctx.lastTS = time.Now()
	}

	if u.Done || u.Type == "error" {
		emitted = append(emitted, n.flushLocked(key, ctx))
		return emitted
	}

	n.resetTimerLocked(key, ctx)
	return emitted
}

// flushLocked emits the context's aggregate, cancels its timer, and removes
// it. Caller holds mu.
func (n *Normalizer) flushLocked(key string, ctx *streamContext) models.NormalizedEvent {
	if ctx.timer != nil {
		ctx.timer.Stop()
		ctx.timer = nil
	}
	delete(n.contexts, key)

	ev := models.NormalizedEvent{
		Provider:  ctx.provider,
		SessionID: ctx.sessionID,
		EventID:   ulid.Make().String(),
		Category:  ctx.category,
		Timestamp: ctx.lastTS,
		Text:      strings.Join(ctx.chunks, ""),
		RawEvent:  ctx.lastRaw,
	}
	if len(ctx.payload) > 0 {
		ev.Payload = ctx.payload
	}
	if n.sink != nil {
		n.sink(ev)
	}
	return ev
}

// resetTimerLocked arms or re-arms the inactivity flush for ctx. A generation
// counter keeps a stale fire from flushing a successor context under the same
// key. Caller holds mu.
func (n *Normalizer) resetTimerLocked(key string, ctx *streamContext) {
	if ctx.timer != nil {
		ctx.timer.Stop()
	}
	n.gen++
	ctx.gen = n.gen
	gen := n.gen
	ctx.timer = time.AfterFunc(n.timeout, func() {
		n.fireTimeout(key, gen)
	})
}

// fireTimeout flushes a context whose stream went silent. The partial
// aggregate is emitted followed by a lifecycle_status event marking the turn
// interrupted.
func (n *Normalizer) fireTimeout(key string, gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ctx, ok := n.contexts[key]
	if !ok || ctx.gen != gen {
		return
	}
	metrics.NormalizerTimeouts.Inc()
	n.logger.Warn("streaming context timed out, flushing partial aggregate",
		"session_id", ctx.sessionID, "turn_id", ctx.turnID, "category", ctx.category)

	provider, sessionID := ctx.provider, ctx.sessionID
	ts := ctx.lastTS
	n.flushLocked(key, ctx)

	interrupted := models.NormalizedEvent{
		Provider:  provider,
		SessionID: sessionID,
		EventID:   ulid.Make().String(),
		Category:  models.CategoryLifecycleStatus,
		Timestamp: ts,
		Payload:   map[string]any{"status": "interrupted"},
	}
	if n.sink != nil {
		n.sink(interrupted)
	}
}

// ActiveContexts reports how many streams are currently buffering.
func (n *Normalizer) ActiveContexts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.contexts)
}

// Stop flushes every buffered context and rejects further updates.
func (n *Normalizer) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return
	}
	n.stopped = true
	for key, ctx := range n.contexts {
		if len(ctx.chunks) > 0 || len(ctx.payload) > 0 {
			n.flushLocked(key, ctx)
		} else {
			if ctx.timer != nil {
				ctx.timer.Stop()
			}
			delete(n.contexts, key)
		}
	}
}
