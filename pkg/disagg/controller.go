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

// Package disagg decides, per request, whether prefill runs locally on the
// admitting worker or on a dedicated remote prefill worker, then assigns a
// decode worker and prepares the KV handoff between the two.
package disagg

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-router/pkg/router"
	"github.com/llm-d/llm-d-kv-router/pkg/transfer"
	"github.com/llm-d/llm-d-kv-router/pkg/utils"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
	"github.com/llm-d/llm-d-kv-router/pkg/workers"
)

// Selector ranks workers for a role. *router.Router satisfies it.
type Selector interface {
	SelectWorkers(ctx context.Context, req router.Request, role workers.Role) ([]router.Candidate, error)
}

// InstanceSource resolves worker liveness. *workers.Registry satisfies it.
type InstanceSource interface {
	Get(workerID string) (workers.Snapshot, bool)
}

// BlockKeySource derives the block-key chain of a token sequence.
// *kvcache.Indexer satisfies it.
type BlockKeySource interface {
	TokensToKVBlockKeys(tokens []uint32, modelName string) []kvblock.Key
}

// TransferExecutor runs a transfer plan. *transfer.Coordinator satisfies it.
type TransferExecutor interface {
	Execute(ctx context.Context, plan transfer.Plan) []transfer.Result
}

// Config holds the configuration for the disaggregation controller.
type Config struct {
	// PrefillLengthThreshold is the prompt length (in tokens) at or above
	// which prefill is offloaded to a remote prefill worker.
	PrefillLengthThreshold int `json:"prefillLengthThreshold"`
	// QueueSaturationThreshold is the admitting worker's queue depth at or
	// above which prefill is offloaded even for short prompts.
	QueueSaturationThreshold int `json:"queueSaturationThreshold"`
	// MaxReplanAttempts bounds replanning after worker loss or transfer
	// failure.
	MaxReplanAttempts int `json:"maxReplanAttempts"`
}

// DefaultConfig returns a default configuration for the Controller.
func DefaultConfig() *Config {
	return &Config{
		PrefillLengthThreshold:   2048,
		QueueSaturationThreshold: 8,
		MaxReplanAttempts:        3,
	}
}

// Request is the scheduling view of an inference request.
type Request struct {
	// ID identifies the request; a fresh one is assigned when empty.
	ID string
	// ModelName scopes block fingerprints.
	ModelName string
	// Tokens is the tokenized prompt.
	Tokens []uint32
	// AdmittingWorkerID is the worker the request arrived at. Local prefill
	// runs there; empty means no local option exists.
	AdmittingWorkerID string
}

// Controller runs the scheduling state machine.
type Controller struct {
	config    *Config
	selector  Selector
	instances InstanceSource
	blockKeys BlockKeySource
	// executor is optional; when nil the decision carries the transfer plan
	// for the serving stack to execute.
	executor TransferExecutor

	// rrCounter drives round-robin decode assignment when no cache signal
	// differentiates candidates.
	rrCounter atomic.Uint64
}

// NewController creates a Controller given a Config and its collaborators.
func NewController(config *Config, selector Selector, instances InstanceSource,
	blockKeys BlockKeySource, executor TransferExecutor,
) (*Controller, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if selector == nil {
		return nil, fmt.Errorf("controller requires a worker selector")
	}
	if instances == nil {
		return nil, fmt.Errorf("controller requires an instance source")
	}
	if blockKeys == nil {
		return nil, fmt.Errorf("controller requires a block-key source")
	}

	return &Controller{
		config:    config,
		selector:  selector,
		instances: instances,
		blockKeys: blockKeys,
		executor:  executor,
	}, nil
}

// Plan runs the state machine for one request until handoff is ready or the
// replan attempts are exhausted. On exhaustion it returns a *SchedulingError
// naming the request, the last worker involved, and the failure kind.
func (c *Controller) Plan(ctx context.Context, req Request) (*RoutingDecision, error) {
	logger := klog.FromContext(ctx).WithName("disagg.Controller")

	requestID := req.ID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	forceLocal := false
	var lastErr error
	var lastWorker string
	var lastKind ErrorKind

	for attempt := 0; attempt <= c.config.MaxReplanAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			metrics.Replans.Inc()
			logger.Info("replanning request", "requestID", requestID,
				"attempt", attempt, "lastKind", lastKind, "lastWorker", lastWorker)
		}

		decision, failedWorker, kind, err := c.planOnce(ctx, requestID, req, forceLocal)
		if err == nil {
			return decision, nil
		}

		lastErr, lastWorker, lastKind = err, failedWorker, kind
		if kind == KindTransferFailure {
			// collapse prefill onto the decode worker so the next attempt
			// needs no transfer
			forceLocal = true
		}
	}

	return nil, &SchedulingError{
		RequestID:  requestID,
		LastWorker: lastWorker,
		Kind:       lastKind,
		cause:      lastErr,
	}
}

// planOnce runs a single pass of the state machine. On failure it reports
// the worker involved and the failure kind so Plan can decide how to replan.
//
//nolint:gocritic // named results document the failure channel
func (c *Controller) planOnce(ctx context.Context, requestID string, req Request,
	forceLocal bool,
) (*RoutingDecision, string, ErrorKind, error) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("disagg.Controller")
	debugLogger.Info("state transition", "requestID", requestID, "state", StateAdmitted)

	routerReq := router.Request{ID: requestID, ModelName: req.ModelName, Tokens: req.Tokens}

	// prefill locality decision
	var prefill PrefillTarget
	var state State
	switch {
	case forceLocal:
		// resolved to the decode worker below
		state = StateLocalPrefillChosen
	case c.localPrefillEligible(req):
		prefill = PrefillTarget{WorkerID: req.AdmittingWorkerID, Local: true}
		state = StateLocalPrefillChosen
	default:
		candidates, err := c.selector.SelectWorkers(ctx, routerReq, workers.RolePrefill)
		if err != nil {
			return nil, "", KindNoEligibleWorker,
				fmt.Errorf("prefill selection failed: %w", err)
		}
		prefill = PrefillTarget{WorkerID: candidates[0].WorkerID}
		state = StateRemotePrefillChosen
	}
	debugLogger.Info("state transition", "requestID", requestID, "state", state)

	// decode assignment
	decodeCandidates, err := c.selector.SelectWorkers(ctx, routerReq, workers.RoleDecode)
	if err != nil {
		return nil, "", KindNoEligibleWorker,
			fmt.Errorf("decode selection failed: %w", err)
	}
	decode := c.pickDecode(decodeCandidates)
	debugLogger.Info("state transition", "requestID", requestID,
		"state", StateDecodeAssigned, "decode", decode.WorkerID)

	if forceLocal {
		prefill = PrefillTarget{WorkerID: decode.WorkerID, Local: true}
	}

	// both targets must still be alive before handoff
	if _, ok := c.instances.Get(prefill.WorkerID); !ok {
		return nil, prefill.WorkerID, KindWorkerUnavailable,
			fmt.Errorf("prefill worker %q vanished before handoff: %w",
				prefill.WorkerID, workers.ErrWorkerNotFound)
	}
	if _, ok := c.instances.Get(decode.WorkerID); !ok {
		return nil, decode.WorkerID, KindWorkerUnavailable,
			fmt.Errorf("decode worker %q vanished before handoff: %w",
				decode.WorkerID, workers.ErrWorkerNotFound)
	}

	decision := &RoutingDecision{
		RequestID:      requestID,
		State:          StateHandoffReady,
		Prefill:        prefill,
		DecodeWorkerID: decode.WorkerID,
		CacheHitBlocks: decode.OverlapBlocks,
	}

	if prefill.WorkerID != decode.WorkerID {
		plan := c.buildTransferPlan(requestID, req, prefill.WorkerID, decode.WorkerID)
		decision.TransferPlan = plan

		if c.executor != nil && len(plan.Transfers) > 0 {
			results := c.executor.Execute(ctx, *plan)
			if err := transfer.FirstError(results); err != nil {
				return nil, prefill.WorkerID, KindTransferFailure,
					fmt.Errorf("handoff transfer failed: %w", err)
			}
		}
	}

	locality := "remote"
	if prefill.Local {
		locality = "local"
	}
	metrics.RoutingDecisions.WithLabelValues(locality).Inc()
	debugLogger.Info("state transition", "requestID", requestID,
		"state", StateHandoffReady, "prefill", prefill.WorkerID,
		"decode", decode.WorkerID, "cacheHitBlocks", decision.CacheHitBlocks)
	return decision, "", "", nil
}

// localPrefillEligible applies the disaggregation boundary: prefill stays
// local only when the prompt is short and the admitting worker's queue has
// headroom. Either condition failing offloads the prefill.
func (c *Controller) localPrefillEligible(req Request) bool {
	if req.AdmittingWorkerID == "" {
		return false
	}
	if len(req.Tokens) >= c.config.PrefillLengthThreshold {
		return false
	}

	snap, ok := c.instances.Get(req.AdmittingWorkerID)
	if !ok {
		return false
	}
	return snap.Metrics.QueueDepth < c.config.QueueSaturationThreshold
}

// pickDecode selects the decode worker from ranked candidates. When the best
// candidates carry no cache signal (zero overlap), assignment rotates
// round-robin across the tied group instead of always landing on the same
// worker.
func (c *Controller) pickDecode(candidates []router.Candidate) router.Candidate {
	best := candidates[0]
	if best.OverlapBlocks > 0 {
		return best
	}

	ties := 1
	for ties < len(candidates) && candidates[ties].Score == best.Score {
		ties++
	}
	if ties == 1 {
		return best
	}

	//nolint:gosec // tie count is tiny, the modulo is safe
	idx := c.rrCounter.Add(1) % uint64(ties)
	return candidates[idx]
}

// buildTransferPlan moves the request's block-key chain from the prefill
// worker to the decode worker.
func (c *Controller) buildTransferPlan(requestID string, req Request,
	source, destination string,
) *transfer.Plan {
	keys := c.blockKeys.TokensToKVBlockKeys(req.Tokens, req.ModelName)
	return &transfer.Plan{
		RequestID: requestID,
		Transfers: utils.SliceMap(keys, func(key kvblock.Key) transfer.BlockTransfer {
			return transfer.BlockTransfer{
				Key:         key,
				Source:      source,
				Destination: destination,
			}
		}),
	}
}
