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

package kvblock

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/metrics"
)

// IndexConfig holds the configuration for the KV-block index.
// It may configure several backends such as listed within the struct.
// If multiple backends are configured, only the first one will be used.
type IndexConfig struct {
	// PrefixTreeConfig holds the configuration for the prefix-tree index.
	PrefixTreeConfig *PrefixTreeIndexConfig `json:"prefixTreeConfig"`
	// InMemoryConfig holds the configuration for the in-memory index.
	InMemoryConfig *InMemoryIndexConfig `json:"inMemoryConfig"`
	// RedisConfig holds the configuration for the Redis index.
	RedisConfig *RedisIndexConfig `json:"redisConfig"`
	// CostAwareMemoryConfig holds the configuration for the cost-aware memory index.
	CostAwareMemoryConfig *CostAwareMemoryIndexConfig `json:"costAwareMemoryConfig"`

	// EnableMetrics toggles whether admissions/evictions/hits/misses are
	// recorded.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval defines the interval at which metrics are logged.
	// If zero, metrics logging is disabled.
	// Requires `EnableMetrics` to be true.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// DefaultIndexConfig returns a default configuration for the KV-block index.
// The prefix-tree backend is the default since it is the only backend that
// prunes dead prefixes structurally.
func DefaultIndexConfig() *IndexConfig {
	return &IndexConfig{
		PrefixTreeConfig: DefaultPrefixTreeIndexConfig(),
		EnableMetrics:    false,
	}
}

// NewIndex creates a new Index instance.
func NewIndex(ctx context.Context, cfg *IndexConfig) (Index, error) {
	if cfg == nil {
		cfg = DefaultIndexConfig()
	}

	var idx Index
	var err error

	switch {
	case cfg.PrefixTreeConfig != nil:
		idx = NewPrefixTreeIndex(cfg.PrefixTreeConfig)
	case cfg.InMemoryConfig != nil:
		idx, err = NewInMemoryIndex(cfg.InMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
	case cfg.CostAwareMemoryConfig != nil:
		idx, err = NewCostAwareMemoryIndex(cfg.CostAwareMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create cost-aware memory index: %w", err)
		}
	case cfg.RedisConfig != nil:
		//nolint:contextcheck // NewRedisIndex does not accept context parameter
		idx, err = NewRedisIndex(cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis index: %w", err)
		}
	default:
		return nil, fmt.Errorf("no valid index configuration provided")
	}

	// wrap in metrics only if enabled
	if cfg.EnableMetrics {
		idx = NewInstrumentedIndex(idx)
		metrics.Register()
		if cfg.MetricsLoggingInterval > 0 {
			// this is non-blocking
			metrics.StartMetricsLogging(ctx, cfg.MetricsLoggingInterval)
		}
	}

	return idx, nil
}

// Index defines the interface for a backend that manages KV-block
// indexing.
//
// An index backend aggregates the global view of cached KV-blocks across
// all serving workers, and is used to retrieve worker-localities for a
// given set of consecutive keys that constitute a prefix-cache hit. The
// hit may not necessarily be on all keys, but of the longest prefix match.
//
// The index allows efficient tracking of which workers hold which
// KV-blocks and on what device tier.
//
// Index operations are thread-safe and can be performed concurrently.
type Index interface {
	// Lookup receives an ordered list of block keys and a set of worker
	// identifiers, and retrieves the filtered workers associated with those
	// keys. The filtering is done based on the worker identifiers provided.
	// If workerSet is empty, all workers are returned.
	//
	// The walk stops at the first key with no holders since the prefix
	// chain breaks there.
	//
	// It returns:
	// 1. A map where the keys are a prefix of those given and the values
	//    are worker identifiers.
	// 2. An error if any occurred during the operation.
	Lookup(ctx context.Context, keys []Key, workerSet sets.Set[string]) (map[Key][]string, error)
	// Add adds a consecutive chain of keys and their associated worker
	// entries to the index backend. Re-adding a held key is a no-op for
	// that holder.
	Add(ctx context.Context, keys []Key, entries []WorkerEntry) error
	// Evict removes a key's association with the given worker entries from
	// the index backend.
	Evict(ctx context.Context, key Key, entries []WorkerEntry) error
}

// WorkerRemover is implemented by index backends that can drop every holder
// entry of a single worker in one pass. The registry's deregistration hook
// uses it to purge dead workers so stale holders never influence routing.
// Capacity-bounded backends without it age entries out instead.
type WorkerRemover interface {
	RemoveWorker(ctx context.Context, workerID string) error
}

// Key struct represents a unique identifier for a KV-cache block.
// The chunk hash is a pure function of the block's token contents and its
// position context (the parent chain), so identical keys across workers
// denote reusable cache content.
type Key struct {
	ModelName string
	ChunkHash uint64
}

// String returns a string representation of the Key.
func (c *Key) String() string {
	return fmt.Sprintf("%s@%d", c.ModelName, c.ChunkHash)
}

// WorkerEntry struct represents a worker entry in the KV-block index.
type WorkerEntry struct {
	// WorkerID is the unique identifier of the worker instance.
	WorkerID string
	// DeviceTier is the tier of the device where the KV-block is stored.
	DeviceTier string
}

// String returns a string representation of the WorkerEntry.
func (e *WorkerEntry) String() string {
	return fmt.Sprintf("%s@%s", e.WorkerID, e.DeviceTier)
}
