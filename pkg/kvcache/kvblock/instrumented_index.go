package kvblock

import (
	"context"

	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/util/sets"
)

type instrumentedIndex struct {
	next Index
}

// NewInstrumentedIndex wraps an Index and emits metrics for Add, Evict, and
// Lookup.
func NewInstrumentedIndex(next Index) Index {
	return &instrumentedIndex{next: next}
}

func (m *instrumentedIndex) Add(ctx context.Context, keys []Key, entries []WorkerEntry) error {
	err := m.next.Add(ctx, keys, entries)
	metrics.Admissions.Add(float64(len(keys)))
	return err
}

func (m *instrumentedIndex) Evict(ctx context.Context, key Key, entries []WorkerEntry) error {
	err := m.next.Evict(ctx, key, entries)
	metrics.Evictions.Add(float64(len(entries)))
	return err
}

// RemoveWorker delegates to the wrapped backend when it supports per-worker
// removal. Backends without it age entries out through their own eviction.
func (m *instrumentedIndex) RemoveWorker(ctx context.Context, workerID string) error {
	remover, ok := m.next.(WorkerRemover)
	if !ok {
		return nil
	}
	return remover.RemoveWorker(ctx, workerID)
}

func (m *instrumentedIndex) Lookup(
	ctx context.Context,
	keys []Key,
	workerSet sets.Set[string],
) (map[Key][]string, error) {
	timer := prometheus.NewTimer(metrics.LookupLatency)
	defer timer.ObserveDuration()

	metrics.LookupRequests.Inc()

	workers, err := m.next.Lookup(ctx, keys, workerSet)
	if err == nil {
		metrics.LookupHits.Add(float64(len(workers)))
	}

	return workers, err
}
