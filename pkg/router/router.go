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

// Package router ranks workers for a request by combining the KV-cache
// overlap each worker holds with its current load. Ranking is deterministic:
// the same index state, registry state, and request always produce the same
// order.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-router/pkg/utils"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
	"github.com/llm-d/llm-d-kv-router/pkg/workers"
)

// ErrNoEligibleWorker is returned when no registered worker supports the
// requested role. Callers may retry once workers register.
var ErrNoEligibleWorker = errors.New("no eligible worker")

// OverlapSource answers cache-overlap queries for a token sequence.
// *kvcache.Indexer satisfies it.
type OverlapSource interface {
	GetWorkerScores(ctx context.Context, tokens []uint32, modelName string,
		workerIdentifiers []string) (map[string]int, error)
}

// RegistrySource provides point-in-time worker snapshots.
// *workers.Registry satisfies it.
type RegistrySource interface {
	Snapshot(role workers.Role) []workers.Snapshot
}

// ScoreWeights holds the operator-tunable weights of the scoring function.
type ScoreWeights struct {
	// CacheOverlapWeight scales the matched-prefix block count.
	CacheOverlapWeight float64 `json:"cacheOverlapWeight"`
	// LoadWeight scales the load penalty (queue depth plus in-flight).
	LoadWeight float64 `json:"loadWeight"`
}

// Config holds the configuration for the Router.
type Config struct {
	ScoreWeights ScoreWeights `json:"scoreWeights"`
	// QueryTimeout bounds the cache-overlap query. On expiry the router
	// falls back to load-only scoring instead of failing the request.
	QueryTimeout time.Duration `json:"queryTimeout"`
	// MetricsFreshnessWindow is how old a worker's load report may be
	// before it is logged as stale. Stale reports are still used; staleness
	// never fails a routing decision.
	MetricsFreshnessWindow time.Duration `json:"metricsFreshnessWindow"`
}

// DefaultConfig returns a default configuration for the Router.
func DefaultConfig() *Config {
	return &Config{
		ScoreWeights: ScoreWeights{
			CacheOverlapWeight: 1.0,
			LoadWeight:         0.5,
		},
		QueryTimeout:           50 * time.Millisecond,
		MetricsFreshnessWindow: 3 * time.Second,
	}
}

// Request is the routing view of an inference request.
type Request struct {
	// ID identifies the request in logs and scheduling errors.
	ID string
	// ModelName scopes block fingerprints.
	ModelName string
	// Tokens is the tokenized prompt. Tokenization happens upstream.
	Tokens []uint32
}

// Candidate is one ranked worker.
type Candidate struct {
	WorkerID      string
	Score         float64
	OverlapBlocks int
	QueueDepth    int
	InFlight      int
}

// Router scores and ranks workers for requests.
type Router struct {
	config   *Config
	overlap  OverlapSource
	registry RegistrySource
}

// NewRouter creates a Router given a Config, an overlap source, and a
// worker registry.
func NewRouter(config *Config, overlap OverlapSource, registry RegistrySource) (*Router, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if overlap == nil {
		return nil, errors.New("router requires an overlap source")
	}
	if registry == nil {
		return nil, errors.New("router requires a worker registry")
	}

	return &Router{
		config:   config,
		overlap:  overlap,
		registry: registry,
	}, nil
}

// SelectWorkers ranks the workers eligible for the given role, best first.
// The returned order is deterministic: candidates sort by descending score,
// ties break toward the lexically lowest worker ID.
//
// If the overlap query fails or times out, the router degrades to load-only
// scoring rather than failing the request. An empty eligible set returns
// ErrNoEligibleWorker.
func (r *Router) SelectWorkers(ctx context.Context, req Request, role workers.Role) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("router")

	snapshots := r.registry.Snapshot(role)
	if len(snapshots) == 0 {
		return nil, fmt.Errorf("role %q: %w", role, ErrNoEligibleWorker)
	}

	overlaps := r.queryOverlap(ctx, req, snapshots)

	now := time.Now()
	candidates := make([]Candidate, 0, len(snapshots))
	for _, snap := range snapshots {
		if snap.Stale(now, r.config.MetricsFreshnessWindow) {
			// Stale load data is absorbed here: the last known report is
			// still the best signal available.
			debugLogger.Info("using stale load report", "workerID", snap.Instance.ID,
				"age", now.Sub(snap.Metrics.UpdatedAt))
		}

		overlapBlocks := overlaps[snap.Instance.ID]
		load := snap.Metrics.QueueDepth + snap.Metrics.InFlightRequests
		score := r.config.ScoreWeights.CacheOverlapWeight*float64(overlapBlocks) -
			r.config.ScoreWeights.LoadWeight*float64(load)

		candidates = append(candidates, Candidate{
			WorkerID:      snap.Instance.ID,
			Score:         score,
			OverlapBlocks: overlapBlocks,
			QueueDepth:    snap.Metrics.QueueDepth,
			InFlight:      snap.Metrics.InFlightRequests,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].WorkerID < candidates[j].WorkerID
	})

	debugLogger.Info("ranked workers", "requestID", req.ID, "role", role,
		"candidates", len(candidates), "best", candidates[0].WorkerID,
		"bestScore", candidates[0].Score)
	return candidates, nil
}

// queryOverlap runs the cache-overlap query under the configured timeout.
// Any failure degrades to an empty overlap map (load-only scoring).
func (r *Router) queryOverlap(ctx context.Context, req Request, snapshots []workers.Snapshot) map[string]int {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("router")

	if len(req.Tokens) == 0 {
		return nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.config.QueryTimeout)
	defer cancel()

	workerIDs := utils.SliceMap(snapshots, func(s workers.Snapshot) string {
		return s.Instance.ID
	})

	overlaps, err := r.overlap.GetWorkerScores(queryCtx, req.Tokens, req.ModelName, workerIDs)
	if err != nil {
		metrics.FallbackScoring.Inc()
		debugLogger.Error(err, "overlap query failed, falling back to load-only scoring",
			"requestID", req.ID)
		return nil
	}

	return overlaps
}
