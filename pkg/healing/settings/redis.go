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

package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces settings keys in a shared Redis deployment.
const keyPrefix = "tokenhealing:settings:"

// RedisConfig holds the configuration for the RedisStore.
type RedisConfig struct {
	Address string `json:"address,omitempty"` // Redis server address
}

// DefaultRedisConfig returns a default configuration for the RedisStore.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// NewRedisStore creates a RedisStore instance.
func NewRedisStore(config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	if !strings.HasPrefix(config.Address, "redis://") &&
		!strings.HasPrefix(config.Address, "rediss://") &&
		!strings.HasPrefix(config.Address, "unix://") {
		config.Address = "redis://" + config.Address
	}

	redisOpt, err := redis.ParseURL(config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		RedisClient: redisClient,
	}, nil
}

// RedisStore implements the Store interface using Redis as the backend, so
// one settings change reaches every pipeline replica.
type RedisStore struct {
	RedisClient *redis.Client
}

var _ Store = &RedisStore{}

// Get returns the settings for a model, or nil if none are stored.
func (r *RedisStore) Get(ctx context.Context, modelName string) (*ModelSettings, error) {
	val, err := r.RedisClient.Get(ctx, keyPrefix+modelName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil //nolint:nilnil // absence is not an error
		}
		return nil, fmt.Errorf("failed to get settings for model %q: %w", modelName, err)
	}

	var settings ModelSettings
	if err := json.Unmarshal([]byte(val), &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings for model %q: %w", modelName, err)
	}

	return &settings, nil
}

// Set stores the settings for a model.
func (r *RedisStore) Set(ctx context.Context, modelName string, settings ModelSettings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings for model %q: %w", modelName, err)
	}

	if err := r.RedisClient.Set(ctx, keyPrefix+modelName, payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to set settings for model %q: %w", modelName, err)
	}

	return nil
}

// Delete removes the settings for a model.
func (r *RedisStore) Delete(ctx context.Context, modelName string) error {
	if err := r.RedisClient.Del(ctx, keyPrefix+modelName).Err(); err != nil {
		return fmt.Errorf("failed to delete settings for model %q: %w", modelName, err)
	}

	return nil
}
