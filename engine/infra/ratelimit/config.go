package ratelimit

import (
	"fmt"
	"time"

	"github.com/spicemcp/spice/pkg/config"
	"github.com/ulule/limiter/v3"
)

const DefaultPrefix = "spice:ratelimit:"

// Config is the per-client request budget of the HTTP transport.
type Config struct {
	Limit         int64
	Period        time.Duration
	Prefix        string
	ExcludedPaths []string
}

// ConfigFrom reads the server limits. Excluded paths are never counted.
func ConfigFrom(cfg *config.ServerConfig, excluded ...string) *Config {
	return &Config{
		Limit:         cfg.RateLimit.Limit,
		Period:        cfg.RateLimit.Period,
		Prefix:        DefaultPrefix,
		ExcludedPaths: excluded,
	}
}

// Enabled reports whether requests are limited at all.
func (c *Config) Enabled() bool {
	return c != nil && c.Limit > 0
}

// ToLimiterRate converts Config to limiter.Rate
func (c *Config) ToLimiterRate() limiter.Rate {
	return limiter.Rate{
		Period: c.Period,
		Limit:  c.Limit,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.Period <= 0 {
		return fmt.Errorf("rate limit period must be positive")
	}
	return nil
}
