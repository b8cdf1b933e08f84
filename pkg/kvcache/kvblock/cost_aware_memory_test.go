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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/kvblock"
)

func TestCostAwareMemoryIndex(t *testing.T) {
	testCommonIndexBehavior(t, func(t *testing.T) kvblock.Index {
		t.Helper()
		index, err := kvblock.NewCostAwareMemoryIndex(kvblock.DefaultCostAwareMemoryIndexConfig())
		require.NoError(t, err)
		return index
	})
}

func TestCostAwareMemoryIndex_SizeParsing(t *testing.T) {
	index, err := kvblock.NewCostAwareMemoryIndex(&kvblock.CostAwareMemoryIndexConfig{Size: "1MiB"})
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), index.MaxCost())

	_, err = kvblock.NewCostAwareMemoryIndex(&kvblock.CostAwareMemoryIndexConfig{Size: "not-a-size"})
	require.Error(t, err)
}

func TestCostWorkerCache_ByteSizeGrowsWithEntries(t *testing.T) {
	cache := &kvblock.CostWorkerCache{}
	empty := cache.CalculateByteSize("key")

	cache.Add(kvblock.WorkerEntry{WorkerID: "worker1", DeviceTier: "gpu"})
	one := cache.CalculateByteSize("key")
	assert.Greater(t, one, empty)

	cache.Add(kvblock.WorkerEntry{WorkerID: "worker2", DeviceTier: "cpu"})
	two := cache.CalculateByteSize("key")
	assert.Greater(t, two, one)
}
