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
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/kvblock"
)

// testCommonIndexBehavior runs a shared test suite for any Index implementation.
// indexFactory should return a fresh index instance per test for isolation.
func testCommonIndexBehavior(t *testing.T, indexFactory func(t *testing.T) kvblock.Index) {
	t.Helper()
	ctx := context.Background()

	t.Run("BasicAddAndLookup", func(t *testing.T) {
		testBasicAddAndLookup(t, ctx, indexFactory(t))
	})

	t.Run("IdempotentAdd", func(t *testing.T) {
		testIdempotentAdd(t, ctx, indexFactory(t))
	})

	t.Run("FilteredLookup", func(t *testing.T) {
		testFilteredLookup(t, ctx, indexFactory(t))
	})

	t.Run("EvictBasic", func(t *testing.T) {
		testEvictBasic(t, ctx, indexFactory(t))
	})

	t.Run("LookupStopsAtChainBreak", func(t *testing.T) {
		testLookupStopsAtChainBreak(t, ctx, indexFactory(t))
	})

	t.Run("ConcurrentOperations", func(t *testing.T) {
		testConcurrentOperations(t, ctx, indexFactory(t))
	})
}

// chainKeys builds a consecutive key chain for one model.
func chainKeys(model string, hashes ...uint64) []kvblock.Key {
	keys := make([]kvblock.Key, 0, len(hashes))
	for _, h := range hashes {
		keys = append(keys, kvblock.Key{ModelName: model, ChunkHash: h})
	}
	return keys
}

func testBasicAddAndLookup(t *testing.T, ctx context.Context, index kvblock.Index) {
	t.Helper()
	key := kvblock.Key{ModelName: "test-model", ChunkHash: 12345}
	entries := []kvblock.WorkerEntry{
		{WorkerID: "worker1", DeviceTier: "gpu"},
		{WorkerID: "worker2", DeviceTier: "gpu"},
	}

	err := index.Add(ctx, []kvblock.Key{key}, entries)
	require.NoError(t, err)

	workersPerKey, err := index.Lookup(ctx, []kvblock.Key{key}, sets.Set[string]{})
	require.NoError(t, err)
	assert.Len(t, workersPerKey, 1)
	assert.Contains(t, workersPerKey, key)
	assert.ElementsMatch(t, workersPerKey[key], []string{"worker1", "worker2"})
}

// testIdempotentAdd verifies that re-adding a held key changes nothing.
func testIdempotentAdd(t *testing.T, ctx context.Context, index kvblock.Index) {
	t.Helper()
	keys := chainKeys("test-model", 1, 2, 3)
	entries := []kvblock.WorkerEntry{{WorkerID: "worker1", DeviceTier: "gpu"}}

	require.NoError(t, index.Add(ctx, keys, entries))
	before, err := index.Lookup(ctx, keys, sets.Set[string]{})
	require.NoError(t, err)

	// repeat the exact same add
	require.NoError(t, index.Add(ctx, keys, entries))
	after, err := index.Lookup(ctx, keys, sets.Set[string]{})
	require.NoError(t, err)

	assert.Equal(t, before, after)
	for _, key := range keys {
		assert.Equal(t, []string{"worker1"}, after[key])
	}
}

func testFilteredLookup(t *testing.T, ctx context.Context, index kvblock.Index) {
	t.Helper()
	key := kvblock.Key{ModelName: "test-model", ChunkHash: 98765}
	entries := []kvblock.WorkerEntry{
		{WorkerID: "worker1", DeviceTier: "gpu"},
		{WorkerID: "worker2", DeviceTier: "gpu"},
		{WorkerID: "worker3", DeviceTier: "gpu"},
	}

	require.NoError(t, index.Add(ctx, []kvblock.Key{key}, entries))

	workersPerKey, err := index.Lookup(ctx, []kvblock.Key{key}, sets.New("worker1"))
	require.NoError(t, err)
	assert.Len(t, workersPerKey, 1)
	assert.Equal(t, []string{"worker1"}, workersPerKey[key])

	workersPerKey, err = index.Lookup(ctx, []kvblock.Key{key}, sets.New("worker1", "worker3"))
	require.NoError(t, err)
	assert.ElementsMatch(t, workersPerKey[key], []string{"worker1", "worker3"})

	// filter matching nothing breaks the chain at the first key
	workersPerKey, err = index.Lookup(ctx, []kvblock.Key{key}, sets.New("worker999"))
	require.NoError(t, err)
	assert.Empty(t, workersPerKey)
}

func testEvictBasic(t *testing.T, ctx context.Context, index kvblock.Index) {
	t.Helper()
	key := kvblock.Key{ModelName: "test-model", ChunkHash: 11111}
	entries := []kvblock.WorkerEntry{
		{WorkerID: "worker1", DeviceTier: "gpu"},
		{WorkerID: "worker2", DeviceTier: "gpu"},
	}

	require.NoError(t, index.Add(ctx, []kvblock.Key{key}, entries))

	err := index.Evict(ctx, key, []kvblock.WorkerEntry{{WorkerID: "worker1", DeviceTier: "gpu"}})
	require.NoError(t, err)

	workersPerKey, err := index.Lookup(ctx, []kvblock.Key{key}, sets.Set[string]{})
	require.NoError(t, err)
	assert.Len(t, workersPerKey, 1)
	assert.ElementsMatch(t, []string{"worker2"}, workersPerKey[key])
}

// testLookupStopsAtChainBreak verifies the longest-prefix early stop: once a
// key in the chain has no holders, later keys are not reported even when
// they are still held.
func testLookupStopsAtChainBreak(t *testing.T, ctx context.Context, index kvblock.Index) {
	t.Helper()
	keys := chainKeys("test-model", 21, 22, 23)
	entries := []kvblock.WorkerEntry{{WorkerID: "worker1", DeviceTier: "gpu"}}

	require.NoError(t, index.Add(ctx, keys, entries))

	// break the chain in the middle
	require.NoError(t, index.Evict(ctx, keys[1], entries))

	workersPerKey, err := index.Lookup(ctx, keys, sets.Set[string]{})
	require.NoError(t, err)
	assert.Contains(t, workersPerKey, keys[0])
	assert.NotContains(t, workersPerKey, keys[1])
	assert.NotContains(t, workersPerKey, keys[2])
}

func testConcurrentOperations(t *testing.T, ctx context.Context, index kvblock.Index) {
	t.Helper()
	key := kvblock.Key{ModelName: "test-model", ChunkHash: 1000}

	var wg sync.WaitGroup
	errChan := make(chan error, 1000)

	for goroutineID := 0; goroutineID < 50; goroutineID++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for op := 0; op < 10; op++ {
				entry := kvblock.WorkerEntry{
					WorkerID:   fmt.Sprintf("worker-%d-%d", id, op),
					DeviceTier: "gpu",
				}

				if err := index.Add(ctx, []kvblock.Key{key}, []kvblock.WorkerEntry{entry}); err != nil {
					errChan <- err
				}
				if _, err := index.Lookup(ctx, []kvblock.Key{key}, sets.Set[string]{}); err != nil {
					errChan <- err
				}
				if err := index.Evict(ctx, key, []kvblock.WorkerEntry{entry}); err != nil {
					errChan <- err
				}
			}
		}(goroutineID)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		require.NoError(t, err)
	}

	// index must still be functional
	entries := []kvblock.WorkerEntry{{WorkerID: "final", DeviceTier: "gpu"}}
	require.NoError(t, index.Add(ctx, []kvblock.Key{key}, entries))
	workersPerKey, err := index.Lookup(ctx, []kvblock.Key{key}, sets.Set[string]{})
	require.NoError(t, err)
	assert.Contains(t, workersPerKey[key], "final")
}
