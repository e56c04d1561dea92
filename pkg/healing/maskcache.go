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
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
)

const (
	defaultMaskCacheSize = "64MiB"
	maskCacheNumCounters = 1e6
	maskCacheBufferItems = 64 // default buffer size for ristretto

	// approximate per-entry overhead beyond the id payload
	maskEntryOverhead = 48
)

// MaskCacheConfig holds the configuration for the allowed-token mask cache.
type MaskCacheConfig struct {
	// Size is the maximum memory the cache may use.
	// Supports human-readable formats like "64MiB", "1GiB", etc.
	Size string `json:"size,omitempty"`
	// Disabled turns mask memoization off entirely.
	Disabled bool `json:"disabled,omitempty"`
}

// DefaultMaskCacheConfig returns a default configuration for the mask cache.
func DefaultMaskCacheConfig() *MaskCacheConfig {
	return &MaskCacheConfig{
		Size: defaultMaskCacheSize,
	}
}

// maskCache memoizes the allowed-token id set per remaining-constraint
// suffix. Constraints repeat heavily across requests that end at the same
// token boundary, so the O(subtree) trie walk is paid once per distinct
// suffix. Keys fold in the vocabulary fingerprint so caches are never
// polluted across models. A nil maskCache is valid and disables caching.
type maskCache struct {
	data *ristretto.Cache[uint64, []uint32]
	seed uint64
}

// newMaskCache creates a mask cache for the vocabulary identified by the
// given fingerprint. Returns nil (no caching) when disabled.
func newMaskCache(cfg *MaskCacheConfig, fingerprint uint64) (*maskCache, error) {
	if cfg == nil {
		cfg = DefaultMaskCacheConfig()
	}
	if cfg.Disabled {
		return nil, nil //nolint:nilnil // nil cache means caching disabled
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mask cache size: %w", err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []uint32]{
		NumCounters: maskCacheNumCounters,
		MaxCost:     int64(sizeBytes), //nolint:gosec // bounded by config
		BufferItems: maskCacheBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mask cache: %w", err)
	}

	return &maskCache{
		data: cache,
		seed: fingerprint,
	}, nil
}

func (c *maskCache) key(remaining []byte) uint64 {
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], c.seed)

	digest := xxhash.New()
	_, _ = digest.Write(seed[:])
	_, _ = digest.Write(remaining)
	return digest.Sum64()
}

// Get returns the cached allowed ids for the remaining constraint, if any.
func (c *maskCache) Get(remaining []byte) ([]uint32, bool) {
	if c == nil {
		return nil, false
	}
	return c.data.Get(c.key(remaining))
}

// Set stores the allowed ids for the remaining constraint, costed by size.
func (c *maskCache) Set(remaining []byte, ids []uint32) {
	if c == nil {
		return
	}

	cost := int64(len(ids)*4 + maskEntryOverhead)
	c.data.Set(c.key(remaining), ids, cost)
}
