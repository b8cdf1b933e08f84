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

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/kvblock"
)

func newTestRedisIndex(t *testing.T) kvblock.Index {
	t.Helper()

	server := miniredis.RunT(t)
	index, err := kvblock.NewRedisIndex(&kvblock.RedisIndexConfig{
		Address: "redis://" + server.Addr(),
	})
	require.NoError(t, err)
	return index
}

func TestRedisIndex(t *testing.T) {
	testCommonIndexBehavior(t, func(t *testing.T) kvblock.Index {
		t.Helper()
		return newTestRedisIndex(t)
	})
}

// TestRedisIndex_RemoveWorker verifies a deregistered worker's holder fields
// are dropped from every hash while other workers' fields survive.
func TestRedisIndex_RemoveWorker(t *testing.T) {
	ctx := context.Background()
	index := newTestRedisIndex(t)

	remover, ok := index.(kvblock.WorkerRemover)
	require.True(t, ok, "the Redis backend supports per-worker removal")

	keys := chainKeys("m", 1, 2)
	workerA := []kvblock.WorkerEntry{{WorkerID: "workerA", DeviceTier: "gpu"}}
	workerB := []kvblock.WorkerEntry{{WorkerID: "workerB", DeviceTier: "gpu"}}

	require.NoError(t, index.Add(ctx, keys, workerA))
	require.NoError(t, index.Add(ctx, keys, workerB))

	require.NoError(t, remover.RemoveWorker(ctx, "workerA"))

	workersPerKey, err := index.Lookup(ctx, keys, sets.Set[string]{})
	require.NoError(t, err)
	require.Len(t, workersPerKey, 2)
	assert.Equal(t, []string{"workerB"}, workersPerKey[keys[0]])
	assert.Equal(t, []string{"workerB"}, workersPerKey[keys[1]])
}

func TestRedisIndex_AddressNormalization(t *testing.T) {
	server := miniredis.RunT(t)

	// bare host:port is accepted and prefixed
	index, err := kvblock.NewRedisIndex(&kvblock.RedisIndexConfig{Address: server.Addr()})
	require.NoError(t, err)
	require.NotNil(t, index)
}
