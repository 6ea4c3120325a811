package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/spicemcp/spice/engine/query"
	"github.com/spicemcp/spice/pkg/config"
)

// Memory is a process-local LRU with per-entry expiry.
type Memory struct {
	lru *expirable.LRU[string, *query.Execution]
}

// NewMemory creates an LRU of at most size entries; ttl <= 0 disables expiry.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = 256
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Memory{lru: expirable.NewLRU[string, *query.Execution](size, nil, ttl)}
}

func (m *Memory) Lookup(_ context.Context, key string) (*query.Execution, bool, error) {
	exec, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	return exec.Clone(), true, nil
}

func (m *Memory) Store(_ context.Context, key string, exec *query.Execution) error {
	m.lru.Add(key, exec.Clone())
	return nil
}

// Len reports the number of live entries.
func (m *Memory) Len() int {
	return m.lru.Len()
}

func (m *Memory) Mode() string {
	return config.CacheModeMemory
}

func (m *Memory) Close() error {
	m.lru.Purge()
	return nil
}
