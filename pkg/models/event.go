// Package models defines the provider-agnostic data types shared by the
// relay, the adapters, and the event store.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventCategory classifies a normalized event on the unified timeline.
type EventCategory string

const (
	CategoryUserMessage      EventCategory = "user_message"
	CategoryAgentMessage     EventCategory = "agent_message"
	CategoryReasoning        EventCategory = "reasoning"
	CategoryPlan             EventCategory = "plan"
	CategoryToolCommand      EventCategory = "tool_command"
	CategoryFileDiff         EventCategory = "file_diff"
	CategoryApprovalRequest  EventCategory = "approval_request"
	CategoryUserInputRequest EventCategory = "user_input_request"
	CategoryLifecycleStatus  EventCategory = "lifecycle_status"
	CategoryMetadata         EventCategory = "metadata"
)

// CategoryValidator returns an error if the category is not a known value.
func CategoryValidator(c EventCategory) error {
	switch c {
	case CategoryUserMessage, CategoryAgentMessage, CategoryReasoning,
		CategoryPlan, CategoryToolCommand, CategoryFileDiff,
		CategoryApprovalRequest, CategoryUserInputRequest,
		CategoryLifecycleStatus, CategoryMetadata:
		return nil
	}
	return fmt.Errorf("invalid event category: %q", c)
}

// TokenUsage carries provider-reported token counts for a turn, when known.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}

// NormalizedEvent is one coherent timeline unit produced by the normalizer
// from a run of streaming updates. EventID is globally unique per process;
// replay ordering is by the store's insertion id, never by Timestamp.
type NormalizedEvent struct {
	Provider      string          `json:"provider"`
	SessionID     string          `json:"session_id"`
	EventID       string          `json:"event_id"`
	Category      EventCategory   `json:"category"`
	Timestamp     time.Time       `json:"timestamp"`
	Text          string          `json:"text,omitempty"`
	Payload       map[string]any  `json:"payload,omitempty"`
	ParentEventID string          `json:"parent_event_id,omitempty"`
	TokenUsage    *TokenUsage     `json:"token_usage,omitempty"`
	RawEvent      json.RawMessage `json:"raw_event,omitempty"`
}

// Direction indicates which side of the relay produced a stored event.
type Direction string

const (
	DirectionClient Direction = "client"
	DirectionServer Direction = "server"
)

// Role indicates the peer type that produced a stored event.
type Role string

const (
	RoleClient Role = "client"
	RoleAnchor Role = "anchor"
)

// StoredEvent is one append-only row in the event log. ID is assigned by the
// store on append and is the canonical ordering tiebreaker.
type StoredEvent struct {
	ID        int64           `json:"id"`
	ThreadID  string          `json:"thread_id"`
	TurnID    string          `json:"turn_id,omitempty"`
	Direction Direction       `json:"direction"`
	Role      Role            `json:"role"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"` // unix seconds
}
