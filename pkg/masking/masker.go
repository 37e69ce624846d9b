// Package masking keeps secrets out of log output. Every log line passes
// through a redacting slog.Handler that masks the configured bearer tokens
// and anything that looks like a raw token (64 hex characters).
package masking

import (
	"regexp"
	"strings"
	"sync"
)

const maskReplacement = "[REDACTED]"

// hexTokenPattern matches 64-hex-char strings — the shape of raw session
// token secrets and sha-256 digests. Masked unconditionally.
var hexTokenPattern = regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`)

// Masker redacts known secrets from strings. Safe for concurrent use;
// secrets can be added at runtime (e.g. after a token rotation).
type Masker struct {
	mu      sync.RWMutex
	secrets []string
}

// NewMasker creates a Masker seeded with the given literal secrets. Empty
// strings are ignored.
func NewMasker(secrets ...string) *Masker {
	m := &Masker{}
	m.AddSecret(secrets...)
	return m
}

// AddSecret registers additional literal secrets to mask.
func (m *Masker) AddSecret(secrets ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range secrets {
		if s != "" {
			m.secrets = append(m.secrets, s)
		}
	}
}

// Mask returns s with all registered secrets and 64-hex strings replaced.
// Defensive: always returns a usable string, never an error.
func (m *Masker) Mask(s string) string {
	m.mu.RLock()
	for _, secret := range m.secrets {
		s = strings.ReplaceAll(s, secret, maskReplacement)
	}
	m.mu.RUnlock()
	return hexTokenPattern.ReplaceAllString(s, maskReplacement)
}
