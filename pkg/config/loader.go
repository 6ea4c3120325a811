package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// loader implements the Service interface for configuration management.
type loader struct {
	koanf      *koanf.Koanf
	validator  *validator.Validate
	metadata   Metadata
	metadataMu sync.RWMutex
	// lookupEnv is swapped in tests
	lookupEnv func(string) (string, bool)
}

// sensitiveStringDecodeHook is a mapstructure decode hook that converts strings to SensitiveString
func sensitiveStringDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(SensitiveString("")) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return SensitiveString(v), nil
	case []byte:
		return SensitiveString(v), nil
	default:
		return data, nil
	}
}

// NewService creates a new configuration service with validation support.
func NewService() Service {
	v := validator.New()
	return &loader{
		koanf:     koanf.New("."),
		validator: v,
		metadata: Metadata{
			Sources: make(map[string]SourceType),
		},
		lookupEnv: os.LookupEnv,
	}
}

// Load loads configuration with precedence defaults < files < environment < CLI flags.
// Sources of the same type are applied in order.
func (l *loader) Load(_ context.Context, sources ...Source) (*Config, error) {
	l.reset()
	if err := l.loadDefaults(); err != nil {
		return nil, err
	}
	var fileSources, cliSources []Source
	for _, source := range sources {
		if source == nil {
			continue
		}
		if source.Type() == SourceCLI {
			cliSources = append(cliSources, source)
			continue
		}
		fileSources = append(fileSources, source)
	}
	if err := l.loadSources(fileSources); err != nil {
		return nil, err
	}
	loadDotenv(l.lookupEnv)
	if err := l.loadEnvironment(); err != nil {
		return nil, err
	}
	if err := l.loadSources(cliSources); err != nil {
		return nil, err
	}
	return l.unmarshalAndValidate()
}

func (l *loader) reset() {
	l.koanf = koanf.New(".")
	l.metadataMu.Lock()
	l.metadata.Sources = make(map[string]SourceType)
	l.metadata.LoadedAt = time.Now()
	l.metadataMu.Unlock()
}

func (l *loader) loadDefaults() error {
	if err := l.koanf.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}
	for _, key := range l.koanf.Keys() {
		l.trackSource(key, SourceDefault)
	}
	return nil
}

// loadDotenv reads .env from the working directory, then the home directory,
// when DUNE_API_KEY is absent. Existing variables are never overridden.
func loadDotenv(lookup func(string) (string, bool)) {
	if v, ok := lookup("SPICE_MCP_SKIP_DOTENV"); ok && v != "" {
		return
	}
	if v, ok := lookup("DUNE_API_KEY"); ok && v != "" {
		return
	}
	candidates := []string{".env"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".env"))
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		// best effort: a malformed file must not prevent startup
		_ = godotenv.Load(candidate)
	}
}

// loadEnvironment applies only variables declared through `env` struct tags.
func (l *loader) loadEnvironment() error {
	envToPath := GenerateEnvToConfigMap()
	provider := env.Provider(".", env.Opt{
		Prefix: "",
		TransformFunc: func(key string, value string) (string, any) {
			path, ok := envToPath[key]
			if !ok || value == "" {
				return "", nil
			}
			return path, value
		},
	})
	if err := l.koanf.Load(provider, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	for envVar, path := range envToPath {
		if v, ok := l.lookupEnv(envVar); ok && v != "" {
			l.trackSource(path, SourceEnv)
		}
	}
	return nil
}

func (l *loader) loadSources(sources []Source) error {
	for _, source := range sources {
		data, err := source.Load()
		if err != nil {
			return fmt.Errorf("failed to load from source %s: %w", source.Type(), err)
		}
		if len(data) == 0 {
			continue
		}
		for key, value := range flattenMap("", data) {
			if err := l.koanf.Set(key, value); err != nil {
				return fmt.Errorf("failed to set key %s from source %s: %w", key, source.Type(), err)
			}
			l.trackSource(key, source.Type())
		}
	}
	return nil
}

// flattenMap flattens a nested map into dot-notation keys
func flattenMap(prefix string, m map[string]any) map[string]any {
	result := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for fk, fv := range flattenMap(key, nested) {
				result[fk] = fv
			}
			continue
		}
		result[key] = v
	}
	return result
}

func (l *loader) unmarshalAndValidate() (*Config, error) {
	var config Config
	if err := l.koanf.UnmarshalWithConf("", &config, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &config,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				secondsDurationHook,
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				sensitiveStringDecodeHook,
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// Validate checks if the configuration meets all validation requirements.
func (l *loader) Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := l.validator.Struct(config); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := validateCustom(config); err != nil {
		return fmt.Errorf("custom validation failed: %w", err)
	}
	return nil
}

// GetSource returns the source type for a specific configuration key.
func (l *loader) GetSource(key string) SourceType {
	l.metadataMu.RLock()
	defer l.metadataMu.RUnlock()
	if source, ok := l.metadata.Sources[key]; ok {
		return source
	}
	return SourceDefault
}

func (l *loader) trackSource(key string, source SourceType) {
	l.metadataMu.Lock()
	defer l.metadataMu.Unlock()
	l.metadata.Sources[key] = source
}

func validateCustom(config *Config) error {
	if config.Dune.RawSQLEngine == RawSQLEngineTemplate && config.Dune.RawSQLQueryID <= 0 {
		return fmt.Errorf("raw_sql_query_id is required when raw_sql_engine is %q", RawSQLEngineTemplate)
	}
	if config.Query.PreviewLimit > config.Query.MaxLimit || config.Query.RawLimit > config.Query.MaxLimit {
		return fmt.Errorf("preview_limit and raw_limit must not exceed max_limit (%d)", config.Query.MaxLimit)
	}
	switch config.Cache.Mode {
	case CacheModeFile:
		if config.Cache.Dir == "" {
			return fmt.Errorf("cache dir is required for file cache mode")
		}
	case CacheModeRedis:
		if config.Cache.RedisURL == "" {
			return fmt.Errorf("redis_url is required for redis cache mode")
		}
		if _, err := url.Parse(config.Cache.RedisURL.Value()); err != nil {
			return fmt.Errorf("invalid redis_url: %w", err)
		}
	}
	if config.Server.RateLimit.Limit > 0 && config.Server.RateLimit.Period <= 0 {
		return fmt.Errorf("rate_limit period is required when a rate limit is set")
	}
	if config.History.Enabled && config.History.Path == "" {
		return fmt.Errorf("history path is required when history is enabled")
	}
	return nil
}
