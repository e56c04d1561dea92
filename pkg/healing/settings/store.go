/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package settings holds per-model healing overrides shared across a serving
// fleet: operators can cap or disable healing for individual models without
// redeploying the pipeline.
package settings

import (
	"context"
	"fmt"
	"sync"
)

// ModelSettings carries the per-model overrides applied on top of the
// pipeline's base healing configuration.
type ModelSettings struct {
	// MaxBackupTokens, when set, overrides the configured backup bound.
	MaxBackupTokens *int `json:"maxBackupTokens,omitempty"`
	// Disabled turns healing off entirely for the model.
	Disabled bool `json:"disabled,omitempty"`
}

// Store is the backend interface for per-model settings.
// It may configure several backends; implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the settings for a model, or nil if none are stored.
	Get(ctx context.Context, modelName string) (*ModelSettings, error)
	// Set stores the settings for a model.
	Set(ctx context.Context, modelName string, settings ModelSettings) error
	// Delete removes the settings for a model.
	Delete(ctx context.Context, modelName string) error
}

// Config holds the configuration for the settings store.
// If multiple backends are configured, only the first one will be used.
type Config struct {
	// InMemoryConfig selects the process-local store.
	InMemoryConfig *InMemoryConfig `json:"inMemoryConfig"`
	// RedisConfig selects the fleet-shared Redis store.
	RedisConfig *RedisConfig `json:"redisConfig"`
}

// InMemoryConfig holds the configuration for the in-memory store.
type InMemoryConfig struct{}

// DefaultConfig returns a default configuration for the settings store.
func DefaultConfig() *Config {
	return &Config{
		InMemoryConfig: &InMemoryConfig{},
	}
}

// NewStore creates a Store instance from the configuration.
func NewStore(cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch {
	case cfg.InMemoryConfig != nil:
		return NewInMemoryStore(), nil
	case cfg.RedisConfig != nil:
		store, err := NewRedisStore(cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis settings store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("no settings store backend configured")
	}
}

// InMemoryStore is a process-local Store implementation.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]ModelSettings
}

var _ Store = &InMemoryStore{}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]ModelSettings),
	}
}

// Get returns the settings for a model, or nil if none are stored.
func (s *InMemoryStore) Get(_ context.Context, modelName string) (*ModelSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, ok := s.data[modelName]
	if !ok {
		return nil, nil //nolint:nilnil // absence is not an error
	}
	return &settings, nil
}

// Set stores the settings for a model.
func (s *InMemoryStore) Set(_ context.Context, modelName string, settings ModelSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[modelName] = settings
	return nil
}

// Delete removes the settings for a model.
func (s *InMemoryStore) Delete(_ context.Context, modelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, modelName)
	return nil
}
