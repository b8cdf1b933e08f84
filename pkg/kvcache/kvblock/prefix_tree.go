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

	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

const (
	// rootNode is the arena id of the tree root. The root carries no key
	// and no holders; it only anchors first-block children.
	rootNode = int32(0)
	// noNode marks an absent arena reference.
	noNode = int32(-1)

	defaultInitialArenaCapacity = 1024
)

// PrefixTreeIndexConfig holds the configuration for the PrefixTreeIndex.
type PrefixTreeIndexConfig struct {
	// InitialArenaCapacity is the initial node capacity of the arena.
	InitialArenaCapacity int `json:"initialArenaCapacity"`
}

// DefaultPrefixTreeIndexConfig returns a default configuration for the
// PrefixTreeIndex.
func DefaultPrefixTreeIndexConfig() *PrefixTreeIndexConfig {
	return &PrefixTreeIndexConfig{
		InitialArenaCapacity: defaultInitialArenaCapacity,
	}
}

// treeNode is a single prefix-tree node. Nodes are addressed by stable
// arena ids rather than pointers so pruning and insertion never leave
// dangling references.
type treeNode struct {
	key      Key
	parent   int32
	children map[Key]int32
	// holders maps a worker id to the device tier it holds the block on.
	holders map[string]string
	inUse   bool
}

// PrefixTreeIndex is an Index implementation backed by a global prefix
// tree. A path from the root to a node represents a unique token prefix;
// shared prefixes across requests collapse to the same path.
//
// The arena plus a key->node map give O(1) access for event application
// while preserving the parent/child structure needed for leaf garbage
// collection. A single RWMutex serializes mutations (the index is the
// single-writer merge point of the per-worker event streams) while
// lookups proceed concurrently under the read lock.
type PrefixTreeIndex struct {
	mu sync.RWMutex

	arena    []treeNode
	freeList []int32
	// nodeByKey resolves a block key to its arena id. Keys are
	// position-contextual hashes, so a key identifies exactly one path.
	nodeByKey map[Key]int32
}

var _ Index = &PrefixTreeIndex{}

// NewPrefixTreeIndex creates a new PrefixTreeIndex instance.
func NewPrefixTreeIndex(cfg *PrefixTreeIndexConfig) *PrefixTreeIndex {
	if cfg == nil {
		cfg = DefaultPrefixTreeIndexConfig()
	}

	capacity := cfg.InitialArenaCapacity
	if capacity < 1 {
		capacity = defaultInitialArenaCapacity
	}

	idx := &PrefixTreeIndex{
		arena:     make([]treeNode, 1, capacity),
		nodeByKey: make(map[Key]int32),
	}
	idx.arena[rootNode] = treeNode{
		parent:   noNode,
		children: make(map[Key]int32),
		inUse:    true,
	}

	return idx
}

// Lookup walks the tree from the root, matching the request's block keys
// fingerprint-by-fingerprint. The walk stops at the first key with no
// (filtered) holders; partial matches beyond the first miss are not
// reported.
func (t *PrefixTreeIndex) Lookup(ctx context.Context, keys []Key,
	workerSet sets.Set[string],
) (map[Key][]string, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys provided for lookup")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.PrefixTreeIndex.Lookup")

	t.mu.RLock()
	defer t.mu.RUnlock()

	workersPerKey := make(map[Key][]string)
	filterWorkers := workerSet.Len() > 0

	current := rootNode
	for _, key := range keys {
		childID, found := t.arena[current].children[key]
		if !found {
			traceLogger.Info("key not found in tree, cutting search", "key", key)
			break
		}

		node := &t.arena[childID]
		var workers []string
		for workerID := range node.holders {
			if !filterWorkers || workerSet.Has(workerID) {
				workers = append(workers, workerID)
			}
		}

		if len(workers) == 0 {
			traceLogger.Info("no workers hold key, cutting search", "key", key)
			break
		}

		workersPerKey[key] = workers
		current = childID
	}

	traceLogger.Info("lookup completed", "matched-keys", len(workersPerKey))
	return workersPerKey, nil
}

// Add inserts the consecutive chain of keys under the root, extending the
// shared path and adding the given workers as holders of every key.
// Re-adding a held key is idempotent: no duplicate children are created
// and holder sets are unchanged.
func (t *PrefixTreeIndex) Add(ctx context.Context, keys []Key, entries []WorkerEntry) error {
	if len(keys) == 0 || len(entries) == 0 {
		return fmt.Errorf("no keys or entries provided for adding to index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.PrefixTreeIndex.Add")

	t.mu.Lock()
	defer t.mu.Unlock()

	// The chain is anchored on the parent of its first key when that key
	// is already indexed; otherwise it starts a new path from the root.
	// Event batches always carry contiguous chains, so this preserves the
	// path-per-prefix invariant.
	current := rootNode
	if nodeID, found := t.nodeByKey[keys[0]]; found {
		current = t.arena[nodeID].parent
	}

	for _, key := range keys {
		childID, found := t.arena[current].children[key]
		if !found {
			childID = t.allocNode(key, current)
			t.arena[current].children[key] = childID
			t.nodeByKey[key] = childID
		}

		node := &t.arena[childID]
		for _, entry := range entries {
			node.holders[entry.WorkerID] = entry.DeviceTier
		}

		current = childID
	}

	traceLogger.Info("added workers to chain", "keys", len(keys), "workers", entries)
	return nil
}

// Evict removes the given workers from the holder set of the node for key.
// A node whose holder set becomes empty is pruned only if it is a leaf;
// emptied ancestors that become leaves through pruning are collected as
// well. Non-leaf nodes with empty holder sets are retained as structural
// ancestors.
func (t *PrefixTreeIndex) Evict(ctx context.Context, key Key, entries []WorkerEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no entries provided for eviction from index")
	}

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.PrefixTreeIndex.Evict")

	t.mu.Lock()
	defer t.mu.Unlock()

	nodeID, found := t.nodeByKey[key]
	if !found {
		traceLogger.Info("key not found in tree, nothing to evict", "key", key)
		return nil
	}

	node := &t.arena[nodeID]
	for _, entry := range entries {
		delete(node.holders, entry.WorkerID)
	}

	traceLogger.Info("evicted workers from key", "key", key, "workers", entries)
	t.pruneFrom(nodeID)

	return nil
}

// RemoveWorker drops the worker from every holder set in the tree and
// garbage-collects the paths only it held. Removing an unknown worker is a
// no-op.
func (t *PrefixTreeIndex) RemoveWorker(ctx context.Context, workerID string) error {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.PrefixTreeIndex.RemoveWorker")

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	var emptied []int32
	for _, nodeID := range t.nodeByKey {
		node := &t.arena[nodeID]
		if _, held := node.holders[workerID]; !held {
			continue
		}

		delete(node.holders, workerID)
		removed++
		if len(node.holders) == 0 {
			emptied = append(emptied, nodeID)
		}
	}

	// Pruning runs after the scan so nodeByKey is stable while ranged.
	for _, nodeID := range emptied {
		t.pruneFrom(nodeID)
	}

	traceLogger.Info("removed worker from tree", "workerID", workerID, "holders", removed)
	return nil
}

// Size returns the number of live (non-root) nodes in the tree.
func (t *PrefixTreeIndex) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodeByKey)
}

// allocNode reserves an arena slot, reusing freed ids when available.
// Callers must hold the write lock.
func (t *PrefixTreeIndex) allocNode(key Key, parent int32) int32 {
	node := treeNode{
		key:      key,
		parent:   parent,
		children: make(map[Key]int32),
		holders:  make(map[string]string),
		inUse:    true,
	}

	if n := len(t.freeList); n > 0 {
		id := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.arena[id] = node
		return id
	}

	t.arena = append(t.arena, node)
	//nolint:gosec // arena size is bounded far below int32 range in practice
	return int32(len(t.arena) - 1)
}

// pruneFrom garbage-collects the node if it is an empty leaf, cascading up
// through emptied ancestors. Already-freed nodes are skipped so callers may
// pass candidates whose subtree a prior cascade collected. Callers must hold
// the write lock.
func (t *PrefixTreeIndex) pruneFrom(nodeID int32) {
	for nodeID != rootNode {
		node := &t.arena[nodeID]
		if !node.inUse || len(node.holders) != 0 || len(node.children) != 0 {
			return
		}

		parentID := node.parent
		prunedKey := node.key
		delete(t.arena[parentID].children, prunedKey)
		delete(t.nodeByKey, prunedKey)
		t.freeNode(nodeID)

		nodeID = parentID
	}
}

// freeNode releases an arena slot back to the free list.
// Callers must hold the write lock.
func (t *PrefixTreeIndex) freeNode(id int32) {
	t.arena[id] = treeNode{parent: noNode}
	t.freeList = append(t.freeList, id)
}
