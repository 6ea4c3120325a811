package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// cliFlagPaths maps CLI flag names to configuration paths.
var cliFlagPaths = map[string]string{
	"api-key":          "dune.api_key",
	"api-url":          "dune.base_url",
	"raw-sql-engine":   "dune.raw_sql_engine",
	"raw-sql-query-id": "dune.raw_sql_query_id",
	"http-timeout":     "http.timeout",
	"poll-interval":    "query.poll_interval",
	"timeout":          "query.default_timeout",
	"performance":      "query.performance",
	"cache-mode":       "cache.mode",
	"cache-dir":        "cache.dir",
	"cache-ttl":        "cache.ttl",
	"redis-url":        "cache.redis_url",
	"history":          "history.enabled",
	"history-path":     "history.path",
	"artifact-root":    "history.artifact_root",
	"read-only-sql":    "safety.read_only_sql",
	"transport":        "server.transport",
	"host":             "server.host",
	"port":             "server.port",
	"base-url":         "server.base_url",
	"rate-limit":       "server.rate_limit.limit",
	"log-level":        "runtime.log_level",
	"log-json":         "runtime.log_json",
	"metrics":          "runtime.metrics_enabled",
}

// CLIFlagPath returns the configuration path bound to a CLI flag.
func CLIFlagPath(flag string) (string, bool) {
	path, ok := cliFlagPaths[flag]
	return path, ok
}

// cliProvider implements Source interface for CLI flags.
type cliProvider struct {
	flags map[string]any
}

// NewCLIProvider creates a new CLI flags configuration source.
func NewCLIProvider(flags map[string]any) Source {
	return &cliProvider{flags: flags}
}

// Load returns the CLI flags as configuration data.
func (c *cliProvider) Load() (map[string]any, error) {
	config := make(map[string]any)
	for key, value := range c.flags {
		path, ok := cliFlagPaths[key]
		if !ok {
			continue
		}
		if err := setNested(config, path, value); err != nil {
			return nil, fmt.Errorf("failed to set CLI flag %s: %w", key, err)
		}
	}
	return config, nil
}

func (c *cliProvider) Type() SourceType {
	return SourceCLI
}

func (c *cliProvider) Close() error {
	return nil
}

// setNested sets a value in a nested map structure using dot notation.
// It returns an error if a path conflict is encountered.
func setNested(m map[string]any, path string, value any) error {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	current := m
	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		if _, exists := current[part]; !exists {
			current[part] = make(map[string]any)
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			return fmt.Errorf("configuration conflict: key %q is not a map", strings.Join(parts[:i+1], "."))
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
	return nil
}

// yamlProvider implements Source interface for YAML files.
type yamlProvider struct {
	path string
}

// NewYAMLProvider creates a new YAML file configuration source.
// A missing file yields an empty configuration.
func NewYAMLProvider(path string) Source {
	return &yamlProvider{path: path}
}

func (y *yamlProvider) Load() (map[string]any, error) {
	data, err := os.ReadFile(y.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]any), nil
		}
		return nil, fmt.Errorf("failed to read YAML file: %w", err)
	}
	var config map[string]any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML file: %w", err)
	}
	return filterNilValues(config), nil
}

// filterNilValues recursively removes nil values from a map
// This prevents koanf from overriding existing values with nil
func filterNilValues(m map[string]any) map[string]any {
	result := make(map[string]any)
	for k, v := range m {
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			if filtered := filterNilValues(nested); len(filtered) > 0 {
				result[k] = filtered
			}
			continue
		}
		result[k] = v
	}
	return result
}

func (y *yamlProvider) Type() SourceType {
	return SourceYAML
}

func (y *yamlProvider) Close() error {
	return nil
}
