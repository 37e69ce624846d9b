package config

import (
	"fmt"

	"dario.cat/mergo"
)

// maskedValue replaces secrets in the rendered provider config.
const maskedValue = "********"

// ProvidersView renders the provider map with secrets masked, for
// GET /api/config/providers.
func (s *Store) ProvidersView() map[string]ProviderConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ProviderConfig, len(s.cfg.Providers))
	for id, p := range s.cfg.Providers {
		if p.APIKey != "" {
			p.APIKey = maskedValue
		}
		out[id] = p
	}
	return out
}

// MergeProviders merge-writes a partial provider map into the config and
// persists it. Masked API keys in the patch are ignored so a round-tripped
// view does not clobber the stored secret. The merged result is validated
// before anything is written.
func (s *Store) MergeProviders(patch map[string]ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := cloneProviders(s.cfg.Providers)
	if merged == nil {
		merged = make(map[string]ProviderConfig)
	}
	for id, p := range patch {
		if p.APIKey == maskedValue {
			p.APIKey = merged[id].APIKey
		}
		existing := merged[id]
		if err := mergo.Merge(&existing, p, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge provider %q: %w", id, err)
		}
		merged[id] = existing
	}

	candidate := s.cfg
	candidate.Providers = merged
	if err := candidate.validate(); err != nil {
		return err
	}

	s.cfg = candidate
	return s.persistLocked()
}
