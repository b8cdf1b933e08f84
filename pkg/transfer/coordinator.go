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

// Package transfer coordinates KV-block movement between workers. The
// coordinator owns scheduling and deduplication only; the actual byte
// movement is behind the Transferer contract and out of scope here.
package transfer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

// BlockTransfer describes one block moving from a source worker to a
// destination worker.
type BlockTransfer struct {
	Key         kvblock.Key
	Source      string
	Destination string
}

// flightKey identifies a transfer for deduplication. Two requests needing
// the same block at the same destination share one in-flight transfer,
// regardless of source.
func (t BlockTransfer) flightKey() string {
	return t.Key.String() + "->" + t.Destination
}

// Plan is the set of block transfers a routing decision requires.
type Plan struct {
	RequestID string
	Transfers []BlockTransfer
}

// Result reports the outcome of one block transfer.
type Result struct {
	Transfer BlockTransfer
	Err      error
}

// Transferer is the capability contract for the transfer mechanism.
// Implementations move the block's KV data; the coordinator never touches
// payload bytes.
type Transferer interface {
	Transfer(ctx context.Context, transfer BlockTransfer) error
}

// Config holds the configuration for the transfer coordinator.
type Config struct {
	// Parallelism bounds concurrent transfers per Execute call.
	// Zero means unbounded.
	Parallelism int `json:"parallelism"`
}

// DefaultConfig returns a default configuration for the Coordinator.
func DefaultConfig() *Config {
	return &Config{
		Parallelism: 8,
	}
}

// Coordinator executes transfer plans. Transfers within a plan run in
// parallel; concurrent requests for the same (block, destination) pair
// coalesce onto a single in-flight transfer.
type Coordinator struct {
	config     *Config
	transferer Transferer
	flights    singleflight.Group
}

// NewCoordinator creates a Coordinator given a Config and a Transferer.
func NewCoordinator(config *Config, transferer Transferer) (*Coordinator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if transferer == nil {
		return nil, fmt.Errorf("coordinator requires a transferer")
	}

	return &Coordinator{
		config:     config,
		transferer: transferer,
	}, nil
}

// Execute runs all transfers of a plan and reports a Result per block,
// in plan order. A failed block never aborts the others; the caller decides
// whether the plan as a whole failed. There is no local-recompute fallback
// here.
func (c *Coordinator) Execute(ctx context.Context, plan Plan) []Result {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("transfer.Coordinator")
	debugLogger.Info("executing transfer plan", "requestID", plan.RequestID,
		"blocks", len(plan.Transfers))

	results := make([]Result, len(plan.Transfers))

	g, gCtx := errgroup.WithContext(ctx)
	if c.config.Parallelism > 0 {
		g.SetLimit(c.config.Parallelism)
	}

	for i, t := range plan.Transfers {
		i, t := i, t
		g.Go(func() error {
			_, err, shared := c.flights.Do(t.flightKey(), func() (any, error) {
				return nil, c.transferer.Transfer(gCtx, t)
			})
			if shared {
				metrics.TransfersCoalesced.Inc()
				debugLogger.Info("coalesced duplicate transfer", "key", t.Key.String(),
					"destination", t.Destination)
			}

			if err != nil {
				err = fmt.Errorf("transfer of %s to %s failed: %w",
					t.Key.String(), t.Destination, err)
			}
			results[i] = Result{Transfer: t, Err: err}

			// failures surface per block, never abort siblings
			return nil
		})
	}

	//nolint:errcheck // workers always return nil; failures live in results
	_ = g.Wait()
	return results
}

// FirstError returns the first failed result of a plan execution, or nil.
func FirstError(results []Result) error {
	for _, res := range results {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}
