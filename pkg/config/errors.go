package config

import "fmt"

// ConfigError is a fatal startup configuration problem. The process prints
// it to stderr and exits 1.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}
