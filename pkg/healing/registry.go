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

package healing

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-token-healing/pkg/healing/settings"
	"github.com/llm-d/llm-d-token-healing/pkg/utils/logging"
	"github.com/llm-d/llm-d-token-healing/pkg/vocabulary"
)

const (
	// defaultRegistryCacheSize bounds loaded healers.
	// 1 healer per base-model (NOT LoRAs).
	defaultRegistryCacheSize = 20
	defaultRegistryWorkers   = 2
)

// VocabularySource provides the vocabulary of a model, typically backed by
// the model's tokenizer.
type VocabularySource interface {
	// Vocabulary returns the immutable vocabulary for the given model.
	Vocabulary(ctx context.Context, modelName string) (*vocabulary.Vocabulary, error)
}

// RegistryConfig holds the configuration for the healer Registry.
type RegistryConfig struct {
	// CacheSize is the maximum number of per-model healers kept loaded.
	CacheSize int `json:"cacheSize"`
	// WorkersCount is the number of background warm-up workers.
	WorkersCount int `json:"workersCount"`
	// HealerConfig is the base configuration for constructed healers.
	HealerConfig *Config `json:"healerConfig"`
	// SettingsConfig configures the per-model settings store.
	SettingsConfig *settings.Config `json:"settingsConfig"`
	// EnableMetrics wraps constructed healers with Prometheus instrumentation.
	EnableMetrics bool `json:"enableMetrics"`
}

// DefaultRegistryConfig returns a default configuration for the Registry.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		CacheSize:      defaultRegistryCacheSize,
		WorkersCount:   defaultRegistryWorkers,
		HealerConfig:   DefaultConfig(),
		SettingsConfig: settings.DefaultConfig(),
	}
}

// Registry hands out one Healer per model: vocabularies are fetched from the
// source once, indexed once, and the resulting healers shared across every
// request for that model. Index builds for cold models can be pushed to
// background workers via Warm so request paths never pay the build cost.
type Registry struct {
	config *RegistryConfig

	source   VocabularySource
	settings settings.Store

	healers *lru.Cache[string, Healer]
	group   singleflight.Group

	queue workqueue.TypedRateLimitingInterface[string]
	wg    sync.WaitGroup
}

// NewRegistry creates a Registry over the given vocabulary source.
func NewRegistry(config *RegistryConfig, source VocabularySource) (*Registry, error) {
	if config == nil {
		config = DefaultRegistryConfig()
	}

	healers, err := lru.New[string, Healer](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create healer cache: %w", err)
	}

	store, err := settings.NewStore(config.SettingsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create settings store: %w", err)
	}

	return &Registry{
		config:   config,
		source:   source,
		settings: store,
		healers:  healers,
		queue:    workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[string]()),
	}, nil
}

// Settings returns the registry's settings store.
func (r *Registry) Settings() settings.Store {
	return r.settings
}

// HealerFor returns the Healer for the given model, building it on first
// use. Concurrent callers for the same cold model share a single build.
func (r *Registry) HealerFor(ctx context.Context, modelName string) (Healer, error) {
	if healer, ok := r.healers.Get(modelName); ok {
		return healer, nil
	}

	result, err, shared := r.group.Do(modelName, func() (any, error) {
		return r.buildHealer(ctx, modelName)
	})
	if err != nil {
		return nil, err
	}

	healer, ok := result.(Healer)
	if !ok {
		return nil, fmt.Errorf("unexpected healer type from singleflight result")
	}

	if !shared {
		// Only add to cache if this goroutine actually built the healer
		r.healers.Add(modelName, healer)
	}

	return healer, nil
}

// buildHealer fetches the vocabulary, applies per-model settings overrides
// and constructs the healer.
func (r *Registry) buildHealer(ctx context.Context, modelName string) (Healer, error) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("healing.Registry")

	modelSettings, err := r.settings.Get(ctx, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to get settings for model %q: %w", modelName, err)
	}

	if modelSettings != nil && modelSettings.Disabled {
		debugLogger.Info("healing disabled by settings", "model", modelName)
		return noopHealer{}, nil
	}

	vocab, err := r.source.Vocabulary(ctx, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to get vocabulary for model %q: %w", modelName, err)
	}

	cfg := *r.config.HealerConfig
	if modelSettings != nil && modelSettings.MaxBackupTokens != nil {
		cfg.MaxBackupTokens = *modelSettings.MaxBackupTokens
	}

	index := vocabulary.BuildIndex(vocab)
	healer, err := NewTokenHealer(index, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create healer for model %q: %w", modelName, err)
	}

	debugLogger.Info("built healer", "model", modelName,
		"vocab-size", vocab.Size(), "max-backup-tokens", cfg.MaxBackupTokens)

	if r.config.EnableMetrics {
		return NewInstrumentedHealer(healer), nil
	}
	return healer, nil
}

// Warm enqueues a background healer build for the model.
// This method only enqueues the task and does not start processing it.
func (r *Registry) Warm(modelName string) {
	r.queue.Add(modelName)
}

// Evict drops the model's healer, forcing a rebuild on next use.
func (r *Registry) Evict(modelName string) {
	r.healers.Remove(modelName)
}

// Run launches worker goroutines that process warm-up tasks until the
// context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	for i := 0; i < r.config.WorkersCount; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx)
	}

	<-ctx.Done()

	r.queue.ShutDown()
	r.wg.Wait()
}

// workerLoop is the main processing loop for each warm-up worker.
func (r *Registry) workerLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		modelName, shutdown := r.queue.Get()
		if shutdown {
			return
		}

		if _, err := r.HealerFor(ctx, modelName); err == nil {
			r.queue.Forget(modelName)
		} else {
			klog.FromContext(ctx).Error(err, "failed to warm healer", "model", modelName)
			r.queue.AddRateLimited(modelName)
		}
		r.queue.Done(modelName)
	}
}
