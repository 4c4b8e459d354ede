package service

import (
	"sync/atomic"

	"github.com/dotX12/nginx-sentinel/internal/domain"
)

// ConfigStore holds the currently active Config behind a lock-free
// atomic pointer swap (spec §4.1, §9: "ConfigStore uses an atomic
// pointer-swap discipline to make reads lock-free"). Publishes are
// inherently serialised by atomic.Pointer.Store; the last publish wins.
type ConfigStore struct {
	current atomic.Pointer[domain.Config]
}

// NewConfigStore creates a ConfigStore seeded with the initial config.
func NewConfigStore(initial *domain.Config) *ConfigStore {
	s := &ConfigStore{}
	s.current.Store(initial)
	return s
}

// Snapshot returns the latest published Config. Never blocks.
func (s *ConfigStore) Snapshot() *domain.Config {
	return s.current.Load()
}

// Publish atomically replaces the active Config. Readers never observe
// a partially updated value: the whole pointer is swapped at once.
func (s *ConfigStore) Publish(cfg *domain.Config) {
	s.current.Store(cfg)
}
