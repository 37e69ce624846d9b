// Package provider defines the adapter contract the relay programs against
// and the registry that owns adapter lifecycles. Concrete adapters live in
// the acp and httpagent subpackages.
package provider

import (
	"context"
	"errors"

	"github.com/orbitd/orbit/pkg/models"
)

// ErrNotRegistered is returned when no adapter exists for a provider id.
var ErrNotRegistered = errors.New("provider: not registered")

// ErrCapability is returned when an operation needs a capability the adapter
// does not advertise.
var ErrCapability = errors.New("provider: capability not supported")

// ErrUnavailable is returned for operations against an adapter whose backend
// is not running (degraded or unhealthy).
var ErrUnavailable = errors.New("provider: adapter unavailable")

// ApprovalOption is one choice a tool-permission prompt offers.
type ApprovalOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// ApprovalRequest is a normalized tool-permission prompt surfaced by an
// adapter's subprocess. RPCID identifies the pending JSON-RPC request that
// must eventually be answered.
type ApprovalRequest struct {
	Provider   string           `json:"provider"`
	RPCID      uint64           `json:"rpcId"`
	SessionID  string           `json:"sessionId"`
	ToolCallID string           `json:"toolCallId"`
	ToolTitle  string           `json:"toolTitle,omitempty"`
	ToolKind   string           `json:"toolKind,omitempty"`
	Options    []ApprovalOption `json:"options"`
	ToolCall   map[string]any   `json:"toolCall,omitempty"`
}

// ApprovalOutcome resolves a pending approval. Cancelled and OptionID are
// mutually exclusive.
type ApprovalOutcome struct {
	Cancelled bool
	OptionID  string
}

// UpdateHandler receives streaming session updates from an adapter.
type UpdateHandler func(sessionID, turnID string, raw []byte)

// ApprovalHandler receives tool-permission prompts from an adapter.
type ApprovalHandler func(req ApprovalRequest)

// Adapter is the only provider surface the relay knows about.
//
// Start is idempotent and must not fail for recoverable conditions such as a
// missing binary: the adapter records degraded health and returns nil.
// Stop is idempotent and bounded. A failure inside one adapter never
// propagates to another.
type Adapter interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() models.ProviderHealth
	Capabilities() models.Capabilities
	ListSessions(ctx context.Context) ([]models.NormalizedSession, error)
	SendPrompt(ctx context.Context, sessionID string, input models.PromptInput) (models.TurnAck, error)
	// Subscribe registers a streaming handler for one session and returns its
	// cancel function.
	Subscribe(sessionID string, h UpdateHandler) (cancel func())
	OnApprovalRequest(h ApprovalHandler)
	ResolveApproval(rpcID uint64, outcome ApprovalOutcome) error
}

// Factory constructs an adapter for one provider id. Construction must be
// cheap; resource acquisition belongs in Start.
type Factory func(id string) (Adapter, error)
