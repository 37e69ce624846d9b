package models

// Capabilities is a fixed record of what an adapter supports. The live
// values may depend on runtime configuration (e.g. auto-approve turning
// Approvals off), so the relay always asks the adapter for a fresh snapshot.
type Capabilities struct {
	ListSessions bool `json:"list_sessions"`
	OpenSession  bool `json:"open_session"`
	SendPrompt   bool `json:"send_prompt"`
	Streaming    bool `json:"streaming"`
	Attachments  bool `json:"attachments"`
	Approvals    bool `json:"approvals"`
	MultiTurn    bool `json:"multi_turn"`
	Filtering    bool `json:"filtering"`
	Pagination   bool `json:"pagination"`
}

// Named UI-hint flags rendered alongside the boolean record.
const (
	FlagCanAttachFiles    = "CAN_ATTACH_FILES"
	FlagCanFilterHistory  = "CAN_FILTER_HISTORY"
	FlagSupportsApprovals = "SUPPORTS_APPROVALS"
	FlagSupportsStreaming = "SUPPORTS_STREAMING"
)

// Flags renders the named-flag map used by UI clients.
func (c Capabilities) Flags() map[string]bool {
	return map[string]bool{
		FlagCanAttachFiles:    c.Attachments,
		FlagCanFilterHistory:  c.Filtering,
		FlagSupportsApprovals: c.Approvals,
		FlagSupportsStreaming: c.Streaming,
	}
}

// WireForm is the shape injected into thread payloads sent to clients.
func (c Capabilities) WireForm() map[string]any {
	return map[string]any{
		"list_sessions": c.ListSessions,
		"open_session":  c.OpenSession,
		"send_prompt":   c.SendPrompt,
		"streaming":     c.Streaming,
		"attachments":   c.Attachments,
		"approvals":     c.Approvals,
		"multi_turn":    c.MultiTurn,
		"filtering":     c.Filtering,
		"pagination":    c.Pagination,
		"flags":         c.Flags(),
	}
}
