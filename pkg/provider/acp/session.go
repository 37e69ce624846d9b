package acp

import (
	"encoding/json"
	"time"

	"github.com/orbitd/orbit/pkg/models"
	"github.com/orbitd/orbit/pkg/provider"
)

// wireSession tolerates both camelCase and snake_case field names; agent
// CLIs are not consistent here.
type wireSession struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"sessionId"`
	SessionIDSnake string         `json:"session_id"`
	Title          string         `json:"title"`
	Project        string         `json:"project"`
	Repo           string         `json:"repo"`
	Status         string         `json:"status"`
	Preview        string         `json:"preview"`
	FirstMessage   string         `json:"firstMessage"`
	CreatedAt      string         `json:"createdAt"`
	UpdatedAt      string         `json:"updatedAt"`
	Metadata       map[string]any `json:"metadata"`
}

// normalizeSession maps one raw agent session onto the provider-agnostic
// shape, retaining the original payload.
func normalizeSession(providerID string, raw json.RawMessage) models.NormalizedSession {
	var w wireSession
	_ = json.Unmarshal(raw, &w)

	id := w.ID
	if id == "" {
		id = w.SessionID
	}
	if id == "" {
		id = w.SessionIDSnake
	}

	return models.NormalizedSession{
		Provider:   providerID,
		SessionID:  id,
		Title:      models.DeriveTitle(w.Title, w.FirstMessage),
		Project:    w.Project,
		Repo:       w.Repo,
		Status:     mapStatus(w.Status),
		CreatedAt:  parseWireTime(w.CreatedAt),
		UpdatedAt:  parseWireTime(w.UpdatedAt),
		Preview:    w.Preview,
		Metadata:   w.Metadata,
		RawSession: raw,
	}
}

func mapStatus(s string) models.SessionStatus {
	switch s {
	case "active", "running", "in_progress":
		return models.SessionActive
	case "completed", "done":
		return models.SessionCompleted
	case "error", "failed":
		return models.SessionError
	case "interrupted", "cancelled":
		return models.SessionInterrupted
	default:
		return models.SessionIdle
	}
}

func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// parseApprovalRequest decodes a session/request_permission payload into the
// normalized approval shape.
func parseApprovalRequest(providerID string, rpcID uint64, params json.RawMessage) provider.ApprovalRequest {
	var wire struct {
		SessionID      string `json:"sessionId"`
		SessionIDSnake string `json:"session_id"`
		ToolCall       struct {
			ToolCallID string         `json:"toolCallId"`
			Title      string         `json:"title"`
			Kind       string         `json:"kind"`
			RawInput   map[string]any `json:"rawInput"`
		} `json:"toolCall"`
		Options []struct {
			OptionID string `json:"optionId"`
			Name     string `json:"name"`
			Kind     string `json:"kind"`
		} `json:"options"`
	}
	_ = json.Unmarshal(params, &wire)

	sessionID := wire.SessionID
	if sessionID == "" {
		sessionID = wire.SessionIDSnake
	}

	req := provider.ApprovalRequest{
		Provider:   providerID,
		RPCID:      rpcID,
		SessionID:  sessionID,
		ToolCallID: wire.ToolCall.ToolCallID,
		ToolTitle:  wire.ToolCall.Title,
		ToolKind:   wire.ToolCall.Kind,
	}
	for _, o := range wire.Options {
		req.Options = append(req.Options, provider.ApprovalOption{
			OptionID: o.OptionID,
			Name:     o.Name,
			Kind:     o.Kind,
		})
	}
	if wire.ToolCall.ToolCallID != "" || wire.ToolCall.Title != "" {
		req.ToolCall = map[string]any{
			"toolCallId": wire.ToolCall.ToolCallID,
			"title":      wire.ToolCall.Title,
			"kind":       wire.ToolCall.Kind,
		}
		if wire.ToolCall.RawInput != nil {
			req.ToolCall["rawInput"] = wire.ToolCall.RawInput
		}
	}
	return req
}
