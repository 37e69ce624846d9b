package models

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// SessionStatus is the lifecycle state of a provider session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionIdle        SessionStatus = "idle"
	SessionCompleted   SessionStatus = "completed"
	SessionError       SessionStatus = "error"
	SessionInterrupted SessionStatus = "interrupted"
)

// NormalizedSession is the provider-agnostic view of one conversational
// thread. RawSession always retains the provider's original payload for
// debugging.
type NormalizedSession struct {
	Provider   string          `json:"provider"`
	SessionID  string          `json:"session_id"`
	Title      string          `json:"title,omitempty"`
	Project    string          `json:"project,omitempty"`
	Repo       string          `json:"repo,omitempty"`
	Status     SessionStatus   `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Preview    string          `json:"preview,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	RawSession json.RawMessage `json:"raw_session,omitempty"`
}

// titleMaxLen caps fallback titles derived from the first user utterance.
const titleMaxLen = 50

// DeriveTitle returns the session title, falling back to the first user
// utterance truncated to 50 characters when the provider supplied none.
func DeriveTitle(title, firstUtterance string) string {
	if title != "" {
		return title
	}
	t := strings.TrimSpace(firstUtterance)
	if t == "" {
		return ""
	}
	// Truncate on runes; a byte cut can split a multibyte sequence.
	if utf8.RuneCountInString(t) > titleMaxLen {
		t = string([]rune(t)[:titleMaxLen])
	}
	return t
}

// ThreadID builds the canonical wire-level thread id for a session.
// Non-default providers use the "<providerId>:<sessionId>" form; the default
// provider uses the bare session id. Provider ids must not contain colons.
func ThreadID(provider, defaultProvider, sessionID string) string {
	if provider == "" || provider == defaultProvider {
		return sessionID
	}
	return provider + ":" + sessionID
}

// SplitThreadID resolves a wire-level thread id into its owning provider and
// the provider-internal session id. A blank prefix means the default
// provider.
func SplitThreadID(threadID, defaultProvider string) (provider, sessionID string) {
	if i := strings.IndexByte(threadID, ':'); i > 0 {
		return threadID[:i], threadID[i+1:]
	}
	return defaultProvider, threadID
}

// PromptAttachment is one file or image attached to a prompt.
type PromptAttachment struct {
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
	// Path is a local filesystem path; URL is a capability URL. At most one
	// of the two is set.
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
}

// PromptInput is the user-side content of one turn.
type PromptInput struct {
	Text        string             `json:"text"`
	Attachments []PromptAttachment `json:"attachments,omitempty"`
}

// TurnAck acknowledges a prompt send. The actual content arrives through the
// event stream.
type TurnAck struct {
	TurnID string `json:"turn_id"`
	Status string `json:"status"`
}
