// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kvevents

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/kvblock"
)

// recordingIndex records Add and Evict calls for assertions.
type recordingIndex struct {
	mu      sync.Mutex
	added   []kvblock.Key
	evicted []kvblock.Key
	entries []kvblock.WorkerEntry
}

func (r *recordingIndex) Lookup(_ context.Context, _ []kvblock.Key,
	_ sets.Set[string],
) (map[kvblock.Key][]string, error) {
	return nil, nil
}

func (r *recordingIndex) Add(_ context.Context, keys []kvblock.Key, entries []kvblock.WorkerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, keys...)
	r.entries = append(r.entries, entries...)
	return nil
}

func (r *recordingIndex) Evict(_ context.Context, key kvblock.Key, _ []kvblock.WorkerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, key)
	return nil
}

// recordingObserver records liveness notifications.
type recordingObserver struct {
	mu      sync.Mutex
	workers []string
}

func (o *recordingObserver) ObserveWorker(workerID, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workers = append(o.workers, workerID)
}

// encodeBatch marshals events into the wire format the publisher emits.
func encodeBatch(t *testing.T, events ...event) []byte {
	t.Helper()

	rawEvents := make([]msgpack.RawMessage, 0, len(events))
	for _, ev := range events {
		raw, err := msgpack.Marshal(ev.ToTaggedUnion())
		require.NoError(t, err)
		rawEvents = append(rawEvents, raw)
	}

	payload, err := msgpack.Marshal(&EventBatch{TS: 1.0, Events: rawEvents})
	require.NoError(t, err)
	return payload
}

func TestPool_ProcessEvent_BlockStored(t *testing.T) {
	index := &recordingIndex{}
	pool := NewPool(DefaultConfig(), index)

	parent := uint64(99)
	payload := encodeBatch(t, BlockStored{
		BlockHashes:     []uint64{1, 2, 3},
		ParentBlockHash: &parent,
		TokenIds:        []uint32{10, 11, 12},
		BlockSize:       16,
	})

	pool.processEvent(context.Background(), &Message{
		Topic:     "kv@worker-1@model-x",
		Payload:   payload,
		WorkerID:  "worker-1",
		ModelName: "model-x",
	})

	// the restated parent leads the chain, followed by the new hashes
	require.Len(t, index.added, 4)
	assert.Equal(t, kvblock.Key{ModelName: "model-x", ChunkHash: 99}, index.added[0])
	assert.Equal(t, kvblock.Key{ModelName: "model-x", ChunkHash: 1}, index.added[1])
	assert.Equal(t, kvblock.Key{ModelName: "model-x", ChunkHash: 3}, index.added[3])
	require.NotEmpty(t, index.entries)
	assert.Equal(t, "worker-1", index.entries[0].WorkerID)
	assert.Equal(t, "gpu", index.entries[0].DeviceTier)
}

// TestPool_ProcessEvent_ContinuationExtendsChain verifies the incremental
// store pattern end to end: a second event carrying only new hashes plus the
// parent hash extends the worker's indexed path instead of splitting it.
func TestPool_ProcessEvent_ContinuationExtendsChain(t *testing.T) {
	index := kvblock.NewPrefixTreeIndex(nil)
	pool := NewPool(DefaultConfig(), index)

	parent := uint64(2)
	batches := [][]byte{
		encodeBatch(t, BlockStored{
			BlockHashes: []uint64{1, 2}, TokenIds: []uint32{1}, BlockSize: 16,
		}),
		encodeBatch(t, BlockStored{
			BlockHashes: []uint64{3, 4}, ParentBlockHash: &parent,
			TokenIds: []uint32{2}, BlockSize: 16,
		}),
	}
	for _, payload := range batches {
		pool.processEvent(context.Background(), &Message{
			Topic:     "kv@worker-1@model-x",
			Payload:   payload,
			WorkerID:  "worker-1",
			ModelName: "model-x",
		})
	}

	keys := make([]kvblock.Key, 0, 4)
	for hash := uint64(1); hash <= 4; hash++ {
		keys = append(keys, kvblock.Key{ModelName: "model-x", ChunkHash: hash})
	}

	workersPerKey, err := index.Lookup(context.Background(), keys, sets.Set[string]{})
	require.NoError(t, err)
	require.Len(t, workersPerKey, 4, "the chain must stay contiguous across events")
	assert.Equal(t, []string{"worker-1"}, workersPerKey[keys[3]])
}

func TestPool_ProcessEvent_BlockRemoved(t *testing.T) {
	index := &recordingIndex{}
	pool := NewPool(DefaultConfig(), index)

	payload := encodeBatch(t, BlockRemoved{BlockHashes: []uint64{7, 8}})

	pool.processEvent(context.Background(), &Message{
		Topic:     "kv@worker-2@model-x",
		Payload:   payload,
		WorkerID:  "worker-2",
		ModelName: "model-x",
	})

	require.Len(t, index.evicted, 2)
	assert.Equal(t, kvblock.Key{ModelName: "model-x", ChunkHash: 7}, index.evicted[0])
	assert.Equal(t, kvblock.Key{ModelName: "model-x", ChunkHash: 8}, index.evicted[1])
}

// TestPool_ProcessEvent_MixedBatch verifies a batch applies in emission
// order: stored blocks land before their removal in the same batch.
func TestPool_ProcessEvent_MixedBatch(t *testing.T) {
	index := &recordingIndex{}
	pool := NewPool(DefaultConfig(), index)

	payload := encodeBatch(t,
		BlockStored{BlockHashes: []uint64{1, 2}, TokenIds: []uint32{1}, BlockSize: 16},
		BlockRemoved{BlockHashes: []uint64{1}},
		AllBlocksCleared{},
	)

	pool.processEvent(context.Background(), &Message{
		Topic:     "kv@worker-1@model-x",
		Payload:   payload,
		WorkerID:  "worker-1",
		ModelName: "model-x",
	})

	assert.Len(t, index.added, 2)
	assert.Len(t, index.evicted, 1)
}

// TestPool_ProcessEvent_Malformed verifies malformed payloads are dropped
// without panicking and without touching the index.
func TestPool_ProcessEvent_Malformed(t *testing.T) {
	index := &recordingIndex{}
	pool := NewPool(DefaultConfig(), index)

	for name, payload := range map[string][]byte{
		"garbage":     []byte("not msgpack at all"),
		"empty":       {},
		"truncated":   encodeBatch(t, BlockRemoved{BlockHashes: []uint64{1}})[:3],
		"unknown tag": mustMarshalBatch(t, []any{"NotARealEvent", 1, 2}),
		"tagless":     mustMarshalBatch(t, []any{}),
	} {
		assert.NotPanics(t, func() {
			pool.processEvent(context.Background(), &Message{
				Topic:     "kv@worker-1@model-x",
				Payload:   payload,
				WorkerID:  "worker-1",
				ModelName: "model-x",
			})
		}, "case %s", name)
	}

	assert.Empty(t, index.added)
	assert.Empty(t, index.evicted)
}

// TestPool_ProcessEvent_NotifiesObserver verifies event traffic reaches the
// liveness observer even when the batch itself is malformed.
func TestPool_ProcessEvent_NotifiesObserver(t *testing.T) {
	index := &recordingIndex{}
	observer := &recordingObserver{}
	pool := NewPool(DefaultConfig(), index)
	pool.SetLivenessObserver(observer)

	pool.processEvent(context.Background(), &Message{
		Topic:     "kv@worker-9@model-x",
		Payload:   []byte("garbage"),
		WorkerID:  "worker-9",
		ModelName: "model-x",
	})

	assert.Equal(t, []string{"worker-9"}, observer.workers)
}

// TestPool_AddTask_ShardStability verifies messages from one worker always
// land on the same queue shard.
func TestPool_AddTask_ShardStability(t *testing.T) {
	pool := NewPool(&Config{Concurrency: 4}, &recordingIndex{})

	for i := 0; i < 10; i++ {
		pool.AddTask(&Message{WorkerID: "worker-A"})
		pool.AddTask(&Message{WorkerID: "worker-B"})
	}

	nonEmpty := 0
	total := 0
	for _, q := range pool.queues {
		if q.Len() > 0 {
			nonEmpty++
		}
		total += q.Len()
	}

	// 2 workers use at most 2 shards; all 20 messages are queued
	assert.LessOrEqual(t, nonEmpty, 2)
	assert.Equal(t, 20, total)
}

func mustMarshalBatch(t *testing.T, taggedUnion []any) []byte {
	t.Helper()

	raw, err := msgpack.Marshal(taggedUnion)
	require.NoError(t, err)
	payload, err := msgpack.Marshal(&EventBatch{TS: 1.0, Events: []msgpack.RawMessage{raw}})
	require.NoError(t, err)
	return payload
}
