package monitoring

import (
	"fmt"
	"strings"

	"github.com/spicemcp/spice/pkg/config"
)

// Config holds configuration for monitoring service
type Config struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path"    yaml:"path"`
}

// DefaultConfig returns default monitoring configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		Path:    "/metrics",
	}
}

// ConfigFrom derives the monitoring settings from the application config.
func ConfigFrom(cfg *config.Config) *Config {
	out := DefaultConfig()
	if cfg != nil {
		out.Enabled = cfg.Runtime.MetricsEnabled
	}
	return out
}

// Validate validates the monitoring configuration
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("monitoring path cannot be empty")
	}
	if c.Path[0] != '/' {
		return fmt.Errorf("monitoring path must start with '/': got %s", c.Path)
	}
	if c.Path == "/mcp" || strings.HasPrefix(c.Path, "/mcp/") || c.Path == "/sse" || c.Path == "/message" {
		return fmt.Errorf("monitoring path cannot shadow MCP routes")
	}
	if strings.ContainsRune(c.Path, '?') {
		return fmt.Errorf("monitoring path cannot contain query parameters")
	}
	return nil
}
