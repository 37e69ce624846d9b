package models

import "time"

// HealthStatus is the coarse health of one provider adapter.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// ProviderHealth is one adapter's health report.
type ProviderHealth struct {
	Provider  string         `json:"provider"`
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	LastCheck time.Time      `json:"last_check"`
}

// Scope is a per-session-token authorization level.
type Scope string

const (
	ScopeFull     Scope = "full"
	ScopeReadOnly Scope = "read_only"
)

// TokenSession is one per-device session token. The raw secret is shown
// exactly once at mint; only its sha-256 hash is stored.
type TokenSession struct {
	ID         string     `json:"id"`
	TokenHash  string     `json:"-"`
	Label      string     `json:"label"`
	Mode       Scope      `json:"mode"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// UploadToken authorizes one upload slot and subsequent capability-URL reads
// until expiry.
type UploadToken struct {
	Token     string    `json:"token"`
	LocalPath string    `json:"local_path"`
	Mime      string    `json:"mime"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ThreadMetadata carries relay-side per-thread state that providers do not
// own (currently the archive flag).
type ThreadMetadata struct {
	ThreadID   string     `json:"thread_id"`
	Archived   bool       `json:"archived"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
