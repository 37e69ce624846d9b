package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/provider"
)

// listSessionsTimeout bounds the per-adapter thread-list augmentation call.
const listSessionsTimeout = 5 * time.Second

func storedAnchorEvent(threadID, method string, payload []byte) models.StoredEvent {
	return models.StoredEvent{
		ThreadID:  threadID,
		Direction: models.DirectionServer,
		Role:      models.RoleAnchor,
		Method:    method,
		Payload:   append(json.RawMessage(nil), payload...),
	}
}

// enrich rewrites an anchor frame for client consumption: user titles merged
// in, capabilities injected per thread, and thread lists augmented with
// sessions from the non-default adapters. Returns the frame (possibly
// unchanged) and the thread id it concerns.
func (r *Relay) enrich(ctx context.Context, method string, isResponse bool, raw []byte) ([]byte, string) {
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return raw, ""
	}

	var threadID string
	changed := false

	if !isResponse {
		params, _ := frame["params"].(map[string]any)
		if method == "thread/started" {
			if obj := threadObject(params); obj != nil {
				threadID = r.enrichThreadObject(obj)
				changed = true
			}
		} else {
			threadID = threadIDFromMap(params)
		}
	} else {
		result, _ := frame["result"].(map[string]any)
		switch method {
		case "thread/list":
			if result != nil {
				if threads, ok := result["threads"].([]any); ok {
					for _, t := range threads {
						if obj, ok := t.(map[string]any); ok {
							r.enrichThreadObject(obj)
						}
					}
					result["threads"] = r.augmentThreadList(ctx, threads)
					changed = true
				}
			}
		case "thread/get", "thread/read":
			if obj := threadObject(result); obj != nil {
				threadID = r.enrichThreadObject(obj)
				changed = true
			}
		default:
			threadID = threadIDFromMap(result)
		}
	}

	if !changed {
		return raw, threadID
	}
	enriched, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("failed to re-marshal enriched frame", "method", method, "error", err)
		return raw, threadID
	}
	return enriched, threadID
}

// threadObject finds the thread record inside a params/result map: either a
// nested "thread" object or the map itself when it looks like a thread.
func threadObject(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	if obj, ok := m["thread"].(map[string]any); ok {
		return obj
	}
	if _, ok := m["id"]; ok {
		return m
	}
	if _, ok := m["threadId"]; ok {
		return m
	}
	return nil
}

func threadIDFromMap(m map[string]any) string {
	if m == nil {
		return ""
	}
	for _, key := range []string{"threadId", "thread_id"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	for _, key := range []string{"turn", "item", "thread"} {
		if nested, ok := m[key].(map[string]any); ok {
			for _, idKey := range []string{"threadId", "id"} {
				if s, ok := nested[idKey].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// enrichThreadObject merges the user title (never overwriting a non-empty
// one) and injects the owning provider's capability snapshot. Returns the
// thread id.
func (r *Relay) enrichThreadObject(obj map[string]any) string {
	id, _ := obj["id"].(string)
	if id == "" {
		id, _ = obj["threadId"].(string)
	}
	if id == "" {
		return ""
	}

	if r.titles != nil {
		existing, _ := obj["title"].(string)
		if existing == "" {
			if custom, ok := r.titles.Get(id); ok {
				obj["title"] = custom
			}
		}
	}

	providerID, _ := obj["provider"].(string)
	if providerID == "" {
		providerID, _ = models.SplitThreadID(id, r.defaultProvider)
	}
	if existing, ok := obj["capabilities"].(map[string]any); !ok || len(existing) == 0 {
		if adapter, err := r.registry.Get(providerID); err == nil {
			obj["capabilities"] = adapter.Capabilities().WireForm()
		}
	}
	return id
}

// augmentThreadList appends sessions from every enabled non-default adapter
// whose listSessions capability is on. Adapters are queried concurrently and
// failures are isolated per adapter.
func (r *Relay) augmentThreadList(ctx context.Context, threads []any) []any {
	type adapterResult struct {
		providerID string
		sessions   []models.NormalizedSession
		caps       map[string]any
	}

	var wg sync.WaitGroup
	results := make(chan adapterResult)
	for _, adapter := range r.registry.List() {
		if adapter.ID() == r.defaultProvider {
			continue
		}
		caps := adapter.Capabilities()
		if !caps.ListSessions {
			continue
		}

		wg.Add(1)
		go func(a provider.Adapter, capsWire map[string]any) {
			defer wg.Done()
			lctx, cancel := context.WithTimeout(ctx, listSessionsTimeout)
			defer cancel()
			sessions, err := a.ListSessions(lctx)
			if err != nil {
				r.logger.Warn("thread-list augmentation failed for adapter",
					"provider", a.ID(), "error", err)
				return
			}
			results <- adapterResult{providerID: a.ID(), sessions: sessions, caps: capsWire}
		}(adapter, caps.WireForm())
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		for _, s := range res.sessions {
			entry := map[string]any{
				"id":       res.providerID + ":" + s.SessionID,
				"provider": res.providerID,
				"status":   string(s.Status),
			}
			if s.Title != "" {
				entry["title"] = s.Title
			} else if r.titles != nil {
				if custom, ok := r.titles.Get(res.providerID + ":" + s.SessionID); ok {
					entry["title"] = custom
				}
			}
			if s.Preview != "" {
				entry["preview"] = s.Preview
			}
			if !s.UpdatedAt.IsZero() {
				entry["updatedAt"] = s.UpdatedAt.Format(time.RFC3339)
			}
			if !s.CreatedAt.IsZero() {
				entry["createdAt"] = s.CreatedAt.Format(time.RFC3339)
			}
			entry["capabilities"] = res.caps
			threads = append(threads, entry)
		}
	}
	return threads
}
