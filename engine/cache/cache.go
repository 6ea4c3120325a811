package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spicemcp/spice/engine/query"
	"github.com/spicemcp/spice/pkg/config"
)

// Store is a result cache backend.
type Store interface {
	query.ResultCache
	Mode() string
	Close() error
}

// entry is the serialized form shared by the file and redis backends.
type entry struct {
	StoredAt  time.Time        `json:"stored_at"`
	Execution *query.Execution `json:"execution"`
}

func encode(exec *query.Execution, now time.Time) ([]byte, error) {
	data, err := json.Marshal(&entry{StoredAt: now.UTC(), Execution: exec})
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*entry, error) {
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if e.Execution == nil {
		return nil, fmt.Errorf("decode cache entry: missing execution")
	}
	return &e, nil
}

// New builds the backend selected by cfg.Mode.
func New(ctx context.Context, cfg *config.CacheConfig) (Store, error) {
	switch cfg.Mode {
	case config.CacheModeOff, "":
		return Disabled{}, nil
	case config.CacheModeMemory:
		return NewMemory(cfg.MaxEntries, cfg.TTL), nil
	case config.CacheModeFile:
		return NewFile(cfg.Dir, cfg.TTL)
	case config.CacheModeRedis:
		return NewRedisFromURL(ctx, cfg.RedisURL.Value(), cfg.KeyPrefix, cfg.TTL)
	default:
		return nil, fmt.Errorf("unsupported cache mode %q", cfg.Mode)
	}
}

// Disabled never stores anything.
type Disabled struct{}

func (Disabled) Lookup(context.Context, string) (*query.Execution, bool, error) { return nil, false, nil }
func (Disabled) Store(context.Context, string, *query.Execution) error         { return nil }
func (Disabled) Mode() string                                                  { return config.CacheModeOff }
func (Disabled) Close() error                                                  { return nil }
