// Package config loads, validates, and persists the Orbit configuration
// file. The file is JSON at a well-known per-user path; environment
// variables mirror every top-level key, with the file taking precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Default values applied when neither file nor environment provides a key.
const (
	DefaultHost                     = "127.0.0.1"
	DefaultPort                     = 7000
	DefaultRetentionDays            = 30
	DefaultUploadRetentionDays      = 7
	DefaultUploadPruneIntervalHours = 6
)

// ProviderConfig configures one provider adapter. The default provider is
// enabled unless Enabled is explicitly false; opt-in providers require
// Enabled to be explicitly true.
type ProviderConfig struct {
	Enabled        *bool    `json:"enabled,omitempty"`
	ExecutablePath string   `json:"executablePath,omitempty"`
	Args           []string `json:"args,omitempty"`
	URL            string   `json:"url,omitempty"`
	APIKey         string   `json:"apiKey,omitempty"`
	Model          string   `json:"model,omitempty"`
	TimeoutSeconds int      `json:"timeout,omitempty"`
	AutoApprove    bool     `json:"autoApprove,omitempty"`
}

// Timeout returns the configured per-request timeout, or the fallback.
func (p ProviderConfig) Timeout(fallback time.Duration) time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Config is the full on-disk configuration.
type Config struct {
	Token                    string                    `json:"token"`
	Host                     string                    `json:"host,omitempty"`
	Port                     int                       `json:"port,omitempty"`
	DB                       string                    `json:"db,omitempty"`
	UploadDir                string                    `json:"uploadDir,omitempty"`
	UploadRetentionDays      int                       `json:"uploadRetentionDays,omitempty"`
	UploadPruneIntervalHours int                       `json:"uploadPruneIntervalHours,omitempty"`
	RetentionDays            int                       `json:"retentionDays,omitempty"`
	DefaultProvider          string                    `json:"defaultProvider,omitempty"`
	Providers                map[string]ProviderConfig `json:"providers,omitempty"`
}

// Store owns the configuration file: loading, mutation, and persistence.
// All access goes through the Store so a token rotation and a concurrent
// read never observe a half-written file.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  Config
}

// DefaultPath returns the well-known config file location under the per-user
// config directory.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "orbit", "config.json"), nil
}

// Initialize loads the configuration from path, applies the environment
// mirror and defaults, and validates the result. A missing file is not an
// error — env and defaults still apply — but a missing token is fatal.
func Initialize(path string) (*Store, error) {
	s := &Store{path: path}

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &s.cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	s.applyEnv()
	s.applyDefaults()

	if err := s.cfg.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// applyEnv fills keys the file left empty from ORBIT_* environment
// variables. The file always wins over the environment.
func (s *Store) applyEnv() {
	if s.cfg.Token == "" {
		s.cfg.Token = os.Getenv("ORBIT_TOKEN")
	}
	if s.cfg.Host == "" {
		s.cfg.Host = os.Getenv("ORBIT_HOST")
	}
	if s.cfg.Port == 0 {
		if v, err := strconv.Atoi(os.Getenv("ORBIT_PORT")); err == nil {
			s.cfg.Port = v
		}
	}
	if s.cfg.DB == "" {
		s.cfg.DB = os.Getenv("ORBIT_DB")
	}
	if s.cfg.UploadDir == "" {
		s.cfg.UploadDir = os.Getenv("ORBIT_UPLOAD_DIR")
	}
}

func (s *Store) applyDefaults() {
	if s.cfg.Host == "" {
		s.cfg.Host = DefaultHost
	}
	if s.cfg.Port == 0 {
		s.cfg.Port = DefaultPort
	}
	if s.cfg.RetentionDays == 0 {
		s.cfg.RetentionDays = DefaultRetentionDays
	}
	if s.cfg.UploadRetentionDays == 0 {
		s.cfg.UploadRetentionDays = DefaultUploadRetentionDays
	}
	if s.cfg.UploadPruneIntervalHours == 0 {
		s.cfg.UploadPruneIntervalHours = DefaultUploadPruneIntervalHours
	}
	if s.cfg.DefaultProvider == "" {
		s.cfg.DefaultProvider = "codex"
	}
	if s.cfg.DB == "" {
		if base, err := os.UserConfigDir(); err == nil {
			s.cfg.DB = filepath.Join(base, "orbit", "orbit.db")
		} else {
			s.cfg.DB = "orbit.db"
		}
	}
	if s.cfg.UploadDir == "" {
		s.cfg.UploadDir = filepath.Join(filepath.Dir(s.cfg.DB), "uploads")
	}
}

// Snapshot returns a copy of the current configuration.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.cfg
	cfg.Providers = cloneProviders(s.cfg.Providers)
	return cfg
}

// Token returns the current legacy token.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Token
}

// SetToken replaces the legacy token in memory and persists the file.
// Used by token rotation.
func (s *Store) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg.Token
	s.cfg.Token = token
	if err := s.persistLocked(); err != nil {
		s.cfg.Token = old
		return err
	}
	return nil
}

// ProviderEnabled reports whether a provider adapter should be constructed.
// The default provider is enabled unless explicitly disabled; every other
// provider is opt-in.
func (s *Store) ProviderEnabled(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.cfg.Providers[id]
	if id == s.cfg.DefaultProvider {
		return !ok || p.Enabled == nil || *p.Enabled
	}
	return ok && p.Enabled != nil && *p.Enabled
}

// Provider returns the config block for one provider id.
func (s *Store) Provider(id string) (ProviderConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.cfg.Providers[id]
	return p, ok
}

// persistLocked writes the config file atomically. Caller holds mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func (c Config) validate() error {
	if c.Token == "" {
		return &ConfigError{Field: "token", Reason: "required (set in config file or ORBIT_TOKEN)"}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &ConfigError{Field: "port", Reason: fmt.Sprintf("invalid port %d", c.Port)}
	}
	for id := range c.Providers {
		for _, r := range id {
			if r == ':' {
				return &ConfigError{Field: "providers", Reason: fmt.Sprintf("provider id %q must not contain ':'", id)}
			}
		}
	}
	return nil
}

func cloneProviders(in map[string]ProviderConfig) map[string]ProviderConfig {
	if in == nil {
		return nil
	}
	out := make(map[string]ProviderConfig, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
