package config

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// Config represents the complete configuration for the spice server.
// It provides type-safe access to all configuration values with validation.
type Config struct {
	Dune    DuneConfig    `koanf:"dune"    validate:"required"`
	HTTP    HTTPConfig    `koanf:"http"`
	Query   QueryConfig   `koanf:"query"`
	Cache   CacheConfig   `koanf:"cache"`
	History HistoryConfig `koanf:"history"`
	Safety  SafetyConfig  `koanf:"safety"`
	Server  ServerConfig  `koanf:"server"`
	Runtime RuntimeConfig `koanf:"runtime"`
}

// DuneConfig contains Dune Analytics API access settings.
type DuneConfig struct {
	APIKey        SensitiveString `koanf:"api_key"          env:"DUNE_API_KEY"              sensitive:"true"`
	BaseURL       string          `koanf:"base_url"         env:"DUNE_API_URL"              validate:"required,url"`
	RawSQLEngine  string          `koanf:"raw_sql_engine"   env:"SPICE_DUNE_RAW_SQL_ENGINE" validate:"oneof=execution_sql template"`
	RawSQLQueryID int64           `koanf:"raw_sql_query_id" env:"SPICE_RAW_SQL_QUERY_ID"    validate:"min=0"`
	UserAgent     string          `koanf:"user_agent"       env:"SPICE_USER_AGENT"`
}

// HTTPConfig controls the REST transport towards Dune.
type HTTPConfig struct {
	Timeout        time.Duration `koanf:"timeout"          env:"SPICE_HTTP_TIMEOUT"      validate:"min=0"`
	GetTimeout     time.Duration `koanf:"get_timeout"      env:"SPICE_DUNE_GET_TIMEOUT"  validate:"min=0"`
	PostTimeout    time.Duration `koanf:"post_timeout"     env:"SPICE_DUNE_POST_TIMEOUT" validate:"min=0"`
	RetryAttempts  int           `koanf:"retry_attempts"   env:"SPICE_HTTP_RETRIES"      validate:"min=0,max=10"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay"`
}

// QueryConfig contains execution and result shaping defaults.
type QueryConfig struct {
	PollInterval   time.Duration `koanf:"poll_interval"   env:"SPICE_POLL_INTERVAL" validate:"min=0"`
	DefaultTimeout time.Duration `koanf:"default_timeout" env:"SPICE_QUERY_TIMEOUT" validate:"min=0"`
	Performance    string        `koanf:"performance"     env:"SPICE_PERFORMANCE"   validate:"oneof=medium large"`
	PreviewLimit   int           `koanf:"preview_limit"                             validate:"min=1"`
	RawLimit       int           `koanf:"raw_limit"                                 validate:"min=1"`
	MaxLimit       int           `koanf:"max_limit"       env:"SPICE_MAX_LIMIT"     validate:"min=1"`
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	Mode       string          `koanf:"mode"        env:"SPICE_CACHE_MODE" validate:"oneof=off memory file redis"`
	Dir        string          `koanf:"dir"         env:"SPICE_CACHE_DIR"`
	TTL        time.Duration   `koanf:"ttl"         env:"SPICE_CACHE_TTL"  validate:"min=0"`
	MaxEntries int             `koanf:"max_entries"                        validate:"min=1"`
	RedisURL   SensitiveString `koanf:"redis_url"   env:"SPICE_REDIS_URL"  sensitive:"true"`
	KeyPrefix  string          `koanf:"key_prefix"`
}

// HistoryConfig locates the audit log and SQL artifacts.
type HistoryConfig struct {
	Enabled      bool   `koanf:"enabled"       env:"SPICE_HISTORY_ENABLED"`
	Path         string `koanf:"path"          env:"SPICE_QUERY_HISTORY"`
	ArtifactRoot string `koanf:"artifact_root" env:"SPICE_ARTIFACT_ROOT"`
}

// SafetyConfig guards what agents may submit.
type SafetyConfig struct {
	ReadOnlySQL   bool `koanf:"read_only_sql"  env:"SPICE_READ_ONLY_SQL"`
	MaxParameters int  `koanf:"max_parameters"                          validate:"min=0"`
	MaxSQLBytes   int  `koanf:"max_sql_bytes"                           validate:"min=0"`
}

// ServerConfig contains MCP transport configuration.
type ServerConfig struct {
	Transport       string          `koanf:"transport"        env:"SPICE_MCP_TRANSPORT" validate:"oneof=stdio http"`
	Host            string          `koanf:"host"             env:"SPICE_MCP_HOST"      validate:"required"`
	Port            int             `koanf:"port"             env:"SPICE_MCP_PORT"      validate:"min=1,max=65535"`
	BaseURL         string          `koanf:"base_url"         env:"SPICE_MCP_BASE_URL"`
	ShutdownTimeout time.Duration   `koanf:"shutdown_timeout"                           validate:"min=0"`
	RateLimit       RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig bounds requests per client IP on the HTTP transport. A zero limit disables it.
type RateLimitConfig struct {
	Limit  int64         `koanf:"limit"  env:"SPICE_MCP_RATE_LIMIT" validate:"min=0"`
	Period time.Duration `koanf:"period"                            validate:"min=0"`
}

// RuntimeConfig contains process-level settings.
type RuntimeConfig struct {
	LogLevel       string `koanf:"log_level"       env:"SPICE_LOG_LEVEL"       validate:"oneof=debug info warn error disabled"`
	LogJSON        bool   `koanf:"log_json"        env:"SPICE_LOG_JSON"`
	MetricsEnabled bool   `koanf:"metrics_enabled" env:"SPICE_METRICS_ENABLED"`
	SkipDotenv     bool   `koanf:"skip_dotenv"     env:"SPICE_MCP_SKIP_DOTENV"`
}

// Service defines the configuration management service interface.
type Service interface {
	// Load loads configuration from the specified sources with precedence order.
	Load(ctx context.Context, sources ...Source) (*Config, error)
	// Validate checks if the configuration meets all validation requirements.
	Validate(config *Config) error
	// GetSource returns the source type that provided a configuration key.
	GetSource(key string) SourceType
}

// Source defines the interface for configuration sources.
type Source interface {
	Load() (map[string]any, error)
	Type() SourceType
	Close() error
}

// SourceType identifies the type of configuration source.
type SourceType string

const (
	SourceCLI     SourceType = "cli"
	SourceYAML    SourceType = "yaml"
	SourceEnv     SourceType = "env"
	SourceDefault SourceType = "default"
)

const (
	RawSQLEngineExecutionSQL = "execution_sql"
	RawSQLEngineTemplate     = "template"

	CacheModeOff    = "off"
	CacheModeMemory = "memory"
	CacheModeFile   = "file"
	CacheModeRedis  = "redis"

	TransportStdio = "stdio"
	TransportHTTP  = "http"

	DefaultTemplateQueryID int64 = 4060379
)

// Metadata contains metadata about configuration sources.
type Metadata struct {
	Sources  map[string]SourceType `json:"sources"`
	LoadedAt time.Time             `json:"loaded_at"`
}

// Load loads configuration from defaults and the environment.
func Load(ctx context.Context, sources ...Source) (*Config, error) {
	return NewService().Load(ctx, sources...)
}

// Default returns a Config with default values.
func Default() *Config {
	home := spiceHome()
	return &Config{
		Dune: DuneConfig{
			BaseURL:       "https://api.dune.com/api/v1",
			RawSQLEngine:  RawSQLEngineExecutionSQL,
			RawSQLQueryID: DefaultTemplateQueryID,
		},
		HTTP: HTTPConfig{
			Timeout:        30 * time.Second,
			RetryAttempts:  3,
			RetryBaseDelay: 500 * time.Millisecond,
			RetryMaxDelay:  8 * time.Second,
		},
		Query: QueryConfig{
			PollInterval:   time.Second,
			DefaultTimeout: 30 * time.Second,
			Performance:    "medium",
			PreviewLimit:   10,
			RawLimit:       100,
			MaxLimit:       10000,
		},
		Cache: CacheConfig{
			Mode:       CacheModeMemory,
			Dir:        filepath.Join(home, "cache"),
			TTL:        time.Hour,
			MaxEntries: 256,
			KeyPrefix:  "spice:result:",
		},
		History: HistoryConfig{
			Enabled:      true,
			Path:         filepath.Join(home, "logs", "queries.jsonl"),
			ArtifactRoot: filepath.Join(home, "artifacts"),
		},
		Safety: SafetyConfig{
			ReadOnlySQL:   false,
			MaxParameters: 64,
			MaxSQLBytes:   256 * 1024,
		},
		Server: ServerConfig{
			Transport:       TransportStdio,
			Host:            "127.0.0.1",
			Port:            8765,
			ShutdownTimeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				Limit:  300,
				Period: time.Minute,
			},
		},
		Runtime: RuntimeConfig{
			LogLevel: "info",
		},
	}
}

// EffectiveGetTimeout resolves the GET timeout, falling back to the shared HTTP timeout.
func (c *HTTPConfig) EffectiveGetTimeout() time.Duration {
	if c.GetTimeout > 0 {
		return c.GetTimeout
	}
	return c.Timeout
}

// EffectivePostTimeout resolves the POST timeout, falling back to the shared HTTP timeout.
func (c *HTTPConfig) EffectivePostTimeout() time.Duration {
	if c.PostTimeout > 0 {
		return c.PostTimeout
	}
	return c.Timeout
}

func spiceHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".spice_mcp"
	}
	return filepath.Join(home, ".spice_mcp")
}
