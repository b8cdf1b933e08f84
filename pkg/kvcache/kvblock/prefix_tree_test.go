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

package kvblock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/kvblock"
)

func TestPrefixTreeIndex(t *testing.T) {
	testCommonIndexBehavior(t, func(t *testing.T) kvblock.Index {
		t.Helper()
		return kvblock.NewPrefixTreeIndex(kvblock.DefaultPrefixTreeIndexConfig())
	})
}

func TestPrefixTreeIndex_NilConfig(t *testing.T) {
	index := kvblock.NewPrefixTreeIndex(nil)
	require.NotNil(t, index)
	assert.Equal(t, 0, index.Size())
}

// TestPrefixTreeIndex_LeafPruning verifies that removing the last holder of
// a leaf prunes the node and cascades up through emptied ancestors.
func TestPrefixTreeIndex_LeafPruning(t *testing.T) {
	ctx := context.Background()
	index := kvblock.NewPrefixTreeIndex(nil)

	keys := chainKeys("m", 1, 2, 3)
	entries := []kvblock.WorkerEntry{{WorkerID: "worker1", DeviceTier: "gpu"}}
	require.NoError(t, index.Add(ctx, keys, entries))
	require.Equal(t, 3, index.Size())

	// evicting the leaf prunes just the leaf
	require.NoError(t, index.Evict(ctx, keys[2], entries))
	assert.Equal(t, 2, index.Size())

	// evicting the new leaf prunes it as well
	require.NoError(t, index.Evict(ctx, keys[1], entries))
	assert.Equal(t, 1, index.Size())

	require.NoError(t, index.Evict(ctx, keys[0], entries))
	assert.Equal(t, 0, index.Size())
}

// TestPrefixTreeIndex_StructuralAncestorRetention verifies that a node with
// no holders but live descendants is kept, and is collected later once its
// subtree empties.
func TestPrefixTreeIndex_StructuralAncestorRetention(t *testing.T) {
	ctx := context.Background()
	index := kvblock.NewPrefixTreeIndex(nil)

	keys := chainKeys("m", 10, 11)
	entries := []kvblock.WorkerEntry{{WorkerID: "worker1", DeviceTier: "gpu"}}
	require.NoError(t, index.Add(ctx, keys, entries))

	// empty the ancestor's holder set; it must survive as a structural node
	require.NoError(t, index.Evict(ctx, keys[0], entries))
	assert.Equal(t, 2, index.Size())

	// the descendant is still reachable through a direct chain rooted at it
	workersPerKey, err := index.Lookup(ctx, keys, sets.Set[string]{})
	require.NoError(t, err)
	assert.Empty(t, workersPerKey, "chain breaks at the unheld ancestor")

	// emptying the leaf collects it and cascades into the empty ancestor
	require.NoError(t, index.Evict(ctx, keys[1], entries))
	assert.Equal(t, 0, index.Size())
}

// TestPrefixTreeIndex_SharedPrefixFanout verifies that two chains sharing a
// prefix collapse onto one path, and pruning one branch leaves the other
// intact.
func TestPrefixTreeIndex_SharedPrefixFanout(t *testing.T) {
	ctx := context.Background()
	index := kvblock.NewPrefixTreeIndex(nil)

	shared := chainKeys("m", 100, 101)
	branchA := append(append([]kvblock.Key{}, shared...), chainKeys("m", 102)...)
	branchB := append(append([]kvblock.Key{}, shared...), chainKeys("m", 103)...)

	workerA := []kvblock.WorkerEntry{{WorkerID: "workerA", DeviceTier: "gpu"}}
	workerB := []kvblock.WorkerEntry{{WorkerID: "workerB", DeviceTier: "gpu"}}

	require.NoError(t, index.Add(ctx, branchA, workerA))
	require.NoError(t, index.Add(ctx, branchB, workerB))

	// 2 shared nodes + 2 branch leaves
	assert.Equal(t, 4, index.Size())

	workersPerKey, err := index.Lookup(ctx, shared, sets.Set[string]{})
	require.NoError(t, err)
	assert.ElementsMatch(t, workersPerKey[shared[0]], []string{"workerA", "workerB"})

	// drop branch A entirely
	require.NoError(t, index.Evict(ctx, branchA[2], workerA))
	require.NoError(t, index.Evict(ctx, shared[1], workerA))
	require.NoError(t, index.Evict(ctx, shared[0], workerA))

	// shared nodes survive because worker B still holds them
	assert.Equal(t, 3, index.Size())
	workersPerKey, err = index.Lookup(ctx, branchB, sets.Set[string]{})
	require.NoError(t, err)
	assert.Equal(t, []string{"workerB"}, workersPerKey[branchB[2]])
}

// TestPrefixTreeIndex_ArenaReuse verifies that pruned node slots are reused
// instead of growing the arena forever.
func TestPrefixTreeIndex_ArenaReuse(t *testing.T) {
	ctx := context.Background()
	index := kvblock.NewPrefixTreeIndex(&kvblock.PrefixTreeIndexConfig{InitialArenaCapacity: 4})
	entries := []kvblock.WorkerEntry{{WorkerID: "worker1", DeviceTier: "gpu"}}

	for round := 0; round < 100; round++ {
		keys := chainKeys("m", uint64(round), uint64(round)+1000)
		require.NoError(t, index.Add(ctx, keys, entries))
		require.NoError(t, index.Evict(ctx, keys[1], entries))
		require.NoError(t, index.Evict(ctx, keys[0], entries))
		require.Equal(t, 0, index.Size())
	}
}

// TestPrefixTreeIndex_RemoveWorker verifies a deregistered worker's holder
// entries disappear in one pass, and the paths only it held are collected
// while shared prefixes survive.
func TestPrefixTreeIndex_RemoveWorker(t *testing.T) {
	ctx := context.Background()
	index := kvblock.NewPrefixTreeIndex(nil)

	full := chainKeys("m", 1, 2, 3, 4)
	shared := full[:2]
	workerA := []kvblock.WorkerEntry{{WorkerID: "workerA", DeviceTier: "gpu"}}
	workerB := []kvblock.WorkerEntry{{WorkerID: "workerB", DeviceTier: "gpu"}}

	require.NoError(t, index.Add(ctx, full, workerA))
	require.NoError(t, index.Add(ctx, shared, workerB))
	require.Equal(t, 4, index.Size())

	// unknown workers are a no-op
	require.NoError(t, index.RemoveWorker(ctx, "ghost"))
	require.Equal(t, 4, index.Size())

	require.NoError(t, index.RemoveWorker(ctx, "workerA"))

	// the tail only workerA held is collected; the shared prefix survives
	assert.Equal(t, 2, index.Size())
	workersPerKey, err := index.Lookup(ctx, full, sets.Set[string]{})
	require.NoError(t, err)
	require.Len(t, workersPerKey, 2)
	assert.Equal(t, []string{"workerB"}, workersPerKey[shared[1]])

	// removing the last worker empties the tree
	require.NoError(t, index.RemoveWorker(ctx, "workerB"))
	assert.Equal(t, 0, index.Size())
}

// TestPrefixTreeIndex_AddAnchorsExistingChain verifies that an event batch
// carrying a continuation of an indexed chain extends the existing path
// rather than starting a parallel one from the root.
func TestPrefixTreeIndex_AddAnchorsExistingChain(t *testing.T) {
	ctx := context.Background()
	index := kvblock.NewPrefixTreeIndex(nil)

	full := chainKeys("m", 1, 2, 3, 4)
	entries := []kvblock.WorkerEntry{{WorkerID: "worker1", DeviceTier: "gpu"}}

	require.NoError(t, index.Add(ctx, full[:2], entries))
	// continuation batch re-states the last known key plus new ones
	require.NoError(t, index.Add(ctx, full[1:], entries))

	assert.Equal(t, 4, index.Size())

	workersPerKey, err := index.Lookup(ctx, full, sets.Set[string]{})
	require.NoError(t, err)
	assert.Len(t, workersPerKey, 4)
}
