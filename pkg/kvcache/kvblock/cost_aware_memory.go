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
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

const (
	defaultNumCounters = 1e8                    // 100M keys
	defaultBufferItems = 64                     // default buffer size for ristretto
)

// CostAwareMemoryIndexConfig holds the configuration for the CostAwareMemoryIndex.
type CostAwareMemoryIndexConfig struct {
	// Size is the maximum memory size that can be used by the index.
	// Supports human-readable formats like "2GiB", "500MiB", "1GB", etc.
	Size string `json:"size,omitempty"`
}

// DefaultCostAwareMemoryIndexConfig returns a default configuration for the
// CostAwareMemoryIndex.
func DefaultCostAwareMemoryIndexConfig() *CostAwareMemoryIndexConfig {
	return &CostAwareMemoryIndexConfig{
		Size: "2GiB",
	}
}

// NewCostAwareMemoryIndex creates a new CostAwareMemoryIndex instance.
func NewCostAwareMemoryIndex(cfg *CostAwareMemoryIndexConfig) (*CostAwareMemoryIndex, error) {
	if cfg == nil {
		cfg = DefaultCostAwareMemoryIndexConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware index: %w", err)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *CostWorkerCache]{
		NumCounters: defaultNumCounters, // number of keys to track.
		MaxCost:     int64(sizeBytes),   // #nosec G115 , maximum cost of cache
		BufferItems: defaultBufferItems, // number of keys per Get buffer.
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware index: %w", err)
	}

	return &CostAwareMemoryIndex{
		data: cache,
	}, nil
}

// CostAwareMemoryIndex implements the Index interface using a Ristretto
// cache for byte-cost-bounded memory management.
type CostAwareMemoryIndex struct {
	// data holds the mapping of keys to sets of worker identifiers.
	data *ristretto.Cache[string, *CostWorkerCache]
	// mu protects concurrent access to the index operations
	mu sync.RWMutex
}

// MaxCost returns the configured maximum cost of the underlying cache.
func (m *CostAwareMemoryIndex) MaxCost() int64 {
	return m.data.MaxCost()
}

// CostWorkerCache wraps a sync.Map of WorkerEntry and provides cost
// calculation for memory usage estimation.
type CostWorkerCache struct {
	cache sync.Map // map[WorkerEntry]struct{}
}

// Add adds a WorkerEntry to the cache.
func (c *CostWorkerCache) Add(entry WorkerEntry) {
	c.cache.Store(entry, struct{}{})
}

// Len returns the number of entries in the cache.
func (c *CostWorkerCache) Len() int {
	count := 0
	c.cache.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// CalculateByteSize estimates memory usage for ristretto cost calculation.
// This is an approximation used for cache eviction decisions.
func (c *CostWorkerCache) CalculateByteSize(keyStr string) int64 {
	var totalBytes int64
	var entryCount int64

	// Key string memory usage
	totalBytes += int64(len(keyStr))

	// CostWorkerCache struct overhead (sync.Map overhead)
	totalBytes += 64 // approximate sync.Map overhead

	// Count entries and calculate their size
	c.cache.Range(func(key, value interface{}) bool {
		entry, ok := key.(WorkerEntry)
		if !ok {
			return true
		}

		entryCount++
		totalBytes += int64(len(entry.WorkerID))   // WorkerID string content
		totalBytes += int64(len(entry.DeviceTier)) // DeviceTier string content
		totalBytes += 32                           // string headers (16 bytes each for 2 strings)
		totalBytes += 8                            // struct padding/alignment
		return true
	})

	// sync.Map overhead estimation
	if entryCount > 0 {
		// Map overhead: assuming 24 bytes per entry (key+value+metadata in sync.Map)
		totalBytes += entryCount * 24
	}

	return totalBytes
}

var _ Index = &CostAwareMemoryIndex{}

// Add adds a set of keys and their associated worker entries to the index backend.
func (m *CostAwareMemoryIndex) Add(ctx context.Context, keys []Key, entries []WorkerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(keys) == 0 || len(entries) == 0 {
		return fmt.Errorf("no keys or entries provided for adding to index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.CostAwareMemoryIndex.Add")

	for _, key := range keys {
		keyStr := key.String()
		workerCache, found := m.data.Get(keyStr)
		if !found {
			workerCache = &CostWorkerCache{}
		}

		for _, entry := range entries {
			workerCache.cache.Store(entry, struct{}{})
		}

		// Calculate the actual cost for this cache entry
		cost := workerCache.CalculateByteSize(keyStr)
		m.data.Set(keyStr, workerCache, cost)
		traceLogger.Info("added workers to key", "key", key, "workers", entries, "cost-bytes", cost)
	}
	m.data.Wait()
	return nil
}

// Lookup receives an ordered list of block keys and a set of worker
// identifiers, and retrieves the filtered workers associated with those
// keys. If workerSet is empty, all workers are returned.
func (m *CostAwareMemoryIndex) Lookup(ctx context.Context, keys []Key,
	workerSet sets.Set[string],
) (map[Key][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys provided for lookup")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.CostAwareMemoryIndex.Lookup")

	workersPerKey := make(map[Key][]string)

	for _, key := range keys {
		keyStr := key.String()
		workers, found := m.data.Get(keyStr)
		if !found {
			traceLogger.Info("key not found in index, cutting search", "key", key)
			break
		}

		if workers == nil || workers.Len() == 0 {
			traceLogger.Info("no workers found for key, cutting search", "key", key)
			break // early stop since prefix-chain breaks here
		}

		workers.cache.Range(func(k, value interface{}) bool {
			if w, ok := k.(WorkerEntry); ok {
				if workerSet.Len() == 0 || workerSet.Has(w.WorkerID) {
					workersPerKey[key] = append(workersPerKey[key], w.WorkerID)
				}
			}
			return true
		})

		if len(workersPerKey[key]) == 0 {
			delete(workersPerKey, key)
			break
		}
	}

	traceLogger.Info("lookup completed",
		"workers-per-key", workersPerKeyPrintHelper(workersPerKey))

	return workersPerKey, nil
}

// Evict removes a key and its associated worker entries from the index backend.
func (m *CostAwareMemoryIndex) Evict(ctx context.Context, key Key, entries []WorkerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(entries) == 0 {
		return fmt.Errorf("no entries provided for eviction from index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.CostAwareMemoryIndex.Evict")
	keyStr := key.String()
	workerCache, found := m.data.Get(keyStr)
	if !found || workerCache == nil {
		traceLogger.Info("key not found in index, nothing to evict", "key", key)
		return nil
	}

	workerCacheLenBefore := workerCache.Len()

	for _, entry := range entries {
		workerCache.cache.Delete(entry)
	}

	if workerCache.Len() == 0 {
		m.data.Del(keyStr)
		traceLogger.Info("evicted key from index as no workers remain", "key", key)
	} else if workerCacheLenBefore != workerCache.Len() {
		m.data.Set(keyStr, workerCache, workerCache.CalculateByteSize(keyStr))
		traceLogger.Info("evicted workers from key", "key", key, "workers", entries)
	}
	m.data.Wait()
	return nil
}
