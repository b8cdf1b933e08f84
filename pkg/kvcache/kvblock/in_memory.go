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

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/utils"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

const (
	defaultInMemoryIndexSize = 1e8
	defaultWorkersPerKey     = 10 // number of worker entries per key
)

// InMemoryIndexConfig holds the configuration for the InMemoryIndex.
type InMemoryIndexConfig struct {
	// Size is the maximum number of keys that can be stored in the index.
	Size int `json:"size"`
	// WorkerCacheSize is the maximum number of worker entries per key.
	WorkerCacheSize int `json:"workerCacheSize"`
}

// DefaultInMemoryIndexConfig returns a default configuration for the InMemoryIndex.
func DefaultInMemoryIndexConfig() *InMemoryIndexConfig {
	return &InMemoryIndexConfig{
		Size:            defaultInMemoryIndexSize,
		WorkerCacheSize: defaultWorkersPerKey,
	}
}

// NewInMemoryIndex creates a new InMemoryIndex instance.
func NewInMemoryIndex(cfg *InMemoryIndexConfig) (*InMemoryIndex, error) {
	if cfg == nil {
		cfg = DefaultInMemoryIndexConfig()
	}

	cache, err := lru.New[Key, *WorkerCache](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory index: %w", err)
	}

	return &InMemoryIndex{
		data:            cache,
		workerCacheSize: cfg.WorkerCacheSize,
	}, nil
}

// InMemoryIndex is a flat LRU implementation of the Index interface.
// It trades the structural pruning of the prefix tree for bounded-entry
// eviction.
type InMemoryIndex struct {
	// data holds the mapping of keys to sets of worker identifiers.
	data *lru.Cache[Key, *WorkerCache]
	// workerCacheSize is the maximum number of worker entries per key.
	workerCacheSize int
}

var _ Index = &InMemoryIndex{}

// WorkerCache represents a per-key cache of worker entries.
type WorkerCache struct {
	// cache is an LRU cache of WorkerEntry holders. thread-safe.
	cache *lru.Cache[WorkerEntry, struct{}]
	// mu protects the cache from concurrent access during check-and-set operations.
	mu sync.Mutex
}

// Lookup receives an ordered list of block keys and a set of worker
// identifiers, and retrieves the filtered workers associated with those
// keys. If workerSet is empty, all workers are returned.
func (m *InMemoryIndex) Lookup(ctx context.Context, keys []Key,
	workerSet sets.Set[string],
) (map[Key][]string, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys provided for lookup")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.Lookup")

	workersPerKey := make(map[Key][]string)

	for _, key := range keys {
		workers, found := m.data.Get(key)
		if !found {
			traceLogger.Info("key not found in index, cutting search", "key", key)
			break
		}

		if workers == nil || workers.cache.Len() == 0 {
			traceLogger.Info("no workers found for key, cutting search", "key", key)
			break // early stop since prefix-chain breaks here
		}

		if workerSet.Len() == 0 {
			// If no worker identifiers are provided, return all workers
			workersPerKey[key] = append(workersPerKey[key],
				utils.SliceMap(workers.cache.Keys(), func(w WorkerEntry) string {
					return w.WorkerID
				})...)
		} else {
			// Filter workers based on the provided worker identifiers
			for _, w := range workers.cache.Keys() {
				if workerSet.Has(w.WorkerID) {
					workersPerKey[key] = append(workersPerKey[key], w.WorkerID)
				}
			}
		}

		if len(workersPerKey[key]) == 0 {
			delete(workersPerKey, key)
			break
		}
	}

	traceLogger.Info("lookup completed",
		"workers-per-key", workersPerKeyPrintHelper(workersPerKey))

	return workersPerKey, nil
}

// Add adds a set of keys and their associated worker entries to the index backend.
func (m *InMemoryIndex) Add(ctx context.Context, keys []Key, entries []WorkerEntry) error {
	if len(keys) == 0 || len(entries) == 0 {
		return fmt.Errorf("no keys or entries provided for adding to index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.Add")

	for _, key := range keys {
		var workerCache *WorkerCache
		var found bool

		// Try to get existing cache first
		workerCache, found = m.data.Get(key)
		//nolint:nestif // double-checked locking pattern
		if !found {
			cache, err := lru.New[WorkerEntry, struct{}](m.workerCacheSize)
			if err != nil {
				return fmt.Errorf("failed to create worker cache for key %s: %w", key.String(), err)
			}

			newWorkerCache := &WorkerCache{
				cache: cache,
			}

			// Try to add, but use existing if another thread added it first.
			// This is a bounded retry (1) - not perfectly safe but sufficient
			// for practical workloads.
			contains, _ := m.data.ContainsOrAdd(key, newWorkerCache)
			if contains {
				workerCache, found = m.data.Get(key)
				if !found { // Extremely irregular workload pattern - key evicted
					m.data.Add(key, newWorkerCache)
					workerCache = newWorkerCache
				}
			} else {
				// We successfully added our cache
				workerCache = newWorkerCache
			}
		}

		workerCache.mu.Lock()
		for _, entry := range entries {
			workerCache.cache.Add(entry, struct{}{})
		}
		workerCache.mu.Unlock()

		traceLogger.Info("added workers to key", "key", key, "workers", entries)
	}

	return nil
}

// Evict removes a key and its associated worker entries from the index backend.
func (m *InMemoryIndex) Evict(ctx context.Context, key Key, entries []WorkerEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no entries provided for eviction from index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.Evict")

	workerCache, found := m.data.Get(key)
	if !found || workerCache == nil {
		traceLogger.Info("key not found in index, nothing to evict", "key", key)
		return nil
	}

	workerCache.mu.Lock()
	for _, entry := range entries {
		workerCache.cache.Remove(entry)
	}

	isEmpty := workerCache.cache.Len() == 0
	workerCache.mu.Unlock()

	traceLogger.Info("evicted workers from key", "key", key, "workers", entries)

	// Remove key from main cache if empty
	if isEmpty {
		// Double-check after getting the cache again to MINIMIZE race window.
		// Worst case, we leave an empty cache behind which would be cleaned up by LRU if needed
		if currentCache, stillExists := m.data.Get(key); stillExists && currentCache != nil {
			currentCache.mu.Lock()
			stillEmpty := currentCache.cache.Len() == 0
			currentCache.mu.Unlock()

			if stillEmpty {
				m.data.Remove(key)
				traceLogger.Info("evicted key from index as no workers remain", "key", key)
			}
		}
	}

	return nil
}

// RemoveWorker drops every holder entry of the worker across all keys, and
// removes keys that end up with no holders.
func (m *InMemoryIndex) RemoveWorker(ctx context.Context, workerID string) error {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.InMemoryIndex.RemoveWorker")

	removed := 0
	for _, key := range m.data.Keys() {
		workerCache, found := m.data.Get(key)
		if !found || workerCache == nil {
			continue
		}

		workerCache.mu.Lock()
		for _, entry := range workerCache.cache.Keys() {
			if entry.WorkerID == workerID {
				workerCache.cache.Remove(entry)
				removed++
			}
		}
		isEmpty := workerCache.cache.Len() == 0
		workerCache.mu.Unlock()

		if isEmpty {
			m.data.Remove(key)
		}
	}

	traceLogger.Info("removed worker from index", "workerID", workerID, "holders", removed)
	return nil
}

// workersPerKeyPrintHelper formats a map of keys to worker names for printing.
func workersPerKeyPrintHelper(ks map[Key][]string) string {
	flattened := ""
	for k, v := range ks {
		flattened += fmt.Sprintf("%s: %v\n", k.String(), v)
	}

	return flattened
}
