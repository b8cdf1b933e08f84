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

// Package workers tracks the fleet of inference workers visible to the
// router: their identity, capabilities, and a best-effort snapshot of their
// load metrics. The registry is the single source of worker liveness; every
// other component consumes point-in-time snapshots from it.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

// ErrWorkerNotFound is returned when an operation references a worker the
// registry does not know.
var ErrWorkerNotFound = errors.New("worker not found")

// Role identifies the scheduling role a worker can serve.
type Role string

const (
	// RolePrefill marks workers that accept remote prefill work.
	RolePrefill Role = "prefill"
	// RoleDecode marks workers that accept decode assignments.
	RoleDecode Role = "decode"
)

// Capabilities describes the roles a worker instance can serve.
type Capabilities struct {
	Prefill bool `json:"prefill"`
	Decode  bool `json:"decode"`
}

// Supports reports whether the capabilities cover the given role.
func (c Capabilities) Supports(role Role) bool {
	switch role {
	case RolePrefill:
		return c.Prefill
	case RoleDecode:
		return c.Decode
	default:
		return false
	}
}

// Instance is the immutable identity of a worker.
type Instance struct {
	// ID is the unique worker identifier, matching the identifier carried
	// in event topics ("kv@<worker-id>@<model>").
	ID string `json:"id"`
	// Namespace groups workers of one deployment.
	Namespace string `json:"namespace"`
	// Component names the serving component (e.g., "vllm").
	Component string `json:"component"`
	// Endpoints are the addresses the worker serves requests on.
	Endpoints []string `json:"endpoints"`
	// Capabilities lists the roles the worker can serve.
	Capabilities Capabilities `json:"capabilities"`
}

// Metrics is a point-in-time load report from a worker.
type Metrics struct {
	// QueueDepth is the number of requests waiting on the worker.
	QueueDepth int `json:"queueDepth"`
	// InFlightRequests is the number of requests currently executing.
	InFlightRequests int `json:"inFlightRequests"`
	// CacheUsedFraction is the fraction of KV-cache capacity in use, [0, 1].
	CacheUsedFraction float64 `json:"cacheUsedFraction"`
	// UpdatedAt is when the worker produced this report.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot is a point-in-time copy of a worker record. Mutating a snapshot
// never affects the registry.
type Snapshot struct {
	Instance      Instance
	Metrics       Metrics
	LastHeartbeat time.Time
}

// Stale reports whether the snapshot's metrics are older than the given
// freshness window.
func (s Snapshot) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(s.Metrics.UpdatedAt) > window
}

// DeregistrationListener is notified when a worker leaves the registry,
// whether explicitly or by heartbeat expiry.
type DeregistrationListener interface {
	OnWorkerDeregistered(workerID string)
}

// DeregistrationFunc adapts a plain function to the DeregistrationListener
// interface.
type DeregistrationFunc func(workerID string)

func (f DeregistrationFunc) OnWorkerDeregistered(workerID string) {
	f(workerID)
}

// Config holds the configuration for the worker registry.
type Config struct {
	// MetricsRefreshInterval is the freshness window for load metrics.
	// Metrics older than this are treated as stale by consumers.
	MetricsRefreshInterval time.Duration `json:"metricsRefreshInterval"`
	// HeartbeatTimeout is how long a worker may stay silent before the
	// sweeper removes it.
	HeartbeatTimeout time.Duration `json:"heartbeatTimeout"`
	// SweepInterval is how often the sweeper scans for expired workers.
	SweepInterval time.Duration `json:"sweepInterval"`
}

// DefaultConfig returns a default configuration for the registry.
func DefaultConfig() *Config {
	return &Config{
		MetricsRefreshInterval: 3 * time.Second,
		HeartbeatTimeout:       30 * time.Second,
		SweepInterval:          5 * time.Second,
	}
}

// record is a single worker's registry entry. Each record carries its own
// mutex so per-worker metric streams never contend with each other; the
// registry-level lock only guards the map itself.
type record struct {
	mu            sync.Mutex
	instance      Instance
	metrics       Metrics
	lastHeartbeat time.Time
}

// Registry is the worker metrics registry. All read paths return copies.
type Registry struct {
	config *Config

	mu      sync.RWMutex
	records map[string]*record

	listenersMu sync.RWMutex
	listeners   []DeregistrationListener

	// clock is swappable for tests.
	clock func() time.Time
}

// NewRegistry creates a Registry given a Config.
func NewRegistry(config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}

	return &Registry{
		config:  config,
		records: make(map[string]*record),
		clock:   time.Now,
	}
}

// AddDeregistrationListener registers a listener for worker removals.
func (r *Registry) AddDeregistrationListener(l DeregistrationListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register adds or replaces a worker instance. The heartbeat is refreshed;
// existing metrics are kept when the instance was already known.
func (r *Registry) Register(instance Instance) error {
	if instance.ID == "" {
		return fmt.Errorf("cannot register worker: %w", errors.New("empty worker ID"))
	}

	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[instance.ID]; ok {
		rec.mu.Lock()
		rec.instance = instance
		rec.lastHeartbeat = now
		rec.mu.Unlock()
		return nil
	}

	r.records[instance.ID] = &record{
		instance:      instance,
		lastHeartbeat: now,
	}
	return nil
}

// Deregister removes a worker and notifies listeners. Removing an unknown
// worker is a no-op.
func (r *Registry) Deregister(workerID string) {
	r.mu.Lock()
	_, ok := r.records[workerID]
	delete(r.records, workerID)
	r.mu.Unlock()

	if ok {
		r.notifyDeregistered(workerID)
	}
}

// UpdateMetrics stores a new load report for a worker. Each worker's metrics
// arrive on a single stream, so the per-record lock is enough to keep the
// record consistent.
func (r *Registry) UpdateMetrics(workerID string, metrics Metrics) error {
	r.mu.RLock()
	rec, ok := r.records[workerID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("update metrics for %q: %w", workerID, ErrWorkerNotFound)
	}

	if metrics.UpdatedAt.IsZero() {
		metrics.UpdatedAt = r.clock()
	}

	rec.mu.Lock()
	rec.metrics = metrics
	rec.lastHeartbeat = r.clock()
	rec.mu.Unlock()
	return nil
}

// Heartbeat refreshes a worker's liveness without a metrics report.
func (r *Registry) Heartbeat(workerID string) error {
	r.mu.RLock()
	rec, ok := r.records[workerID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("heartbeat for %q: %w", workerID, ErrWorkerNotFound)
	}

	rec.mu.Lock()
	rec.lastHeartbeat = r.clock()
	rec.mu.Unlock()
	return nil
}

// ObserveWorker treats event traffic as a liveness signal. Unknown workers
// are implicitly registered with both capabilities; an explicit Register can
// narrow them later. Implements kvevents.LivenessObserver.
func (r *Registry) ObserveWorker(workerID, modelName string) {
	if workerID == "" {
		return
	}

	if err := r.Heartbeat(workerID); err == nil {
		return
	}

	//nolint:errcheck // the only failure mode is an empty ID, checked above
	_ = r.Register(Instance{
		ID:        workerID,
		Component: modelName,
		Capabilities: Capabilities{
			Prefill: true,
			Decode:  true,
		},
	})
}

// Get returns a point-in-time copy of one worker record.
func (r *Registry) Get(workerID string) (Snapshot, bool) {
	r.mu.RLock()
	rec, ok := r.records[workerID]
	r.mu.RUnlock()

	if !ok {
		return Snapshot{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Snapshot{
		Instance:      rec.instance,
		Metrics:       rec.metrics,
		LastHeartbeat: rec.lastHeartbeat,
	}, true
}

// Snapshot returns point-in-time copies of all workers supporting the given
// role, sorted by worker ID for deterministic iteration. An empty role
// returns all workers.
func (r *Registry) Snapshot(role Role) []Snapshot {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		snap := Snapshot{
			Instance:      rec.instance,
			Metrics:       rec.metrics,
			LastHeartbeat: rec.lastHeartbeat,
		}
		rec.mu.Unlock()

		if role != "" && !snap.Instance.Capabilities.Supports(role) {
			continue
		}
		snapshots = append(snapshots, snap)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Instance.ID < snapshots[j].Instance.ID
	})
	return snapshots
}

// MetricsFresh reports whether the worker's metrics are within the
// configured refresh interval.
func (r *Registry) MetricsFresh(workerID string) bool {
	snap, ok := r.Get(workerID)
	if !ok {
		return false
	}
	return !snap.Stale(r.clock(), r.config.MetricsRefreshInterval)
}

// Run starts the heartbeat sweeper. It blocks until the context is canceled.
func (r *Registry) Run(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("workers.Registry")
	logger.Info("starting heartbeat sweeper", "interval", r.config.SweepInterval,
		"timeout", r.config.HeartbeatTimeout)

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping heartbeat sweeper")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep removes workers whose heartbeat exceeded the timeout.
func (r *Registry) sweep(ctx context.Context) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("workers.Registry")
	now := r.clock()

	var expired []string
	r.mu.Lock()
	for id, rec := range r.records {
		rec.mu.Lock()
		silent := now.Sub(rec.lastHeartbeat)
		rec.mu.Unlock()

		if silent > r.config.HeartbeatTimeout {
			expired = append(expired, id)
			delete(r.records, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		debugLogger.Info("removed expired worker", "workerID", id)
		r.notifyDeregistered(id)
	}
}

func (r *Registry) notifyDeregistered(workerID string) {
	r.listenersMu.RLock()
	listeners := make([]DeregistrationListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnWorkerDeregistered(workerID)
	}
}
