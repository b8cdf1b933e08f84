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

package disagg

import (
	"fmt"

	"github.com/llm-d/llm-d-kv-router/pkg/transfer"
)

// State is a phase of the scheduling state machine. Every request moves
// through these states in order; replanning re-enters StateAdmitted.
type State string

const (
	// StateAdmitted is the entry state: the request is accepted and the
	// prefill locality decision is pending.
	StateAdmitted State = "Admitted"
	// StateLocalPrefillChosen means prefill runs on the admitting worker.
	StateLocalPrefillChosen State = "LocalPrefillChosen"
	// StateRemotePrefillChosen means prefill was routed to a dedicated
	// prefill worker.
	StateRemotePrefillChosen State = "RemotePrefillChosen"
	// StateDecodeAssigned means a decode worker has been selected.
	StateDecodeAssigned State = "DecodeAssigned"
	// StateHandoffReady is terminal: all targets are fixed and any required
	// transfers have completed.
	StateHandoffReady State = "HandoffReady"
)

// PrefillTarget names where prefill runs.
type PrefillTarget struct {
	WorkerID string
	// Local is true when prefill runs on the admitting worker.
	Local bool
}

// RoutingDecision is the terminal output of planning a request.
type RoutingDecision struct {
	RequestID string
	State     State
	Prefill   PrefillTarget
	// DecodeWorkerID is the worker that will serve decode.
	DecodeWorkerID string
	// CacheHitBlocks is the decode worker's matched-prefix block count at
	// decision time.
	CacheHitBlocks int
	// TransferPlan moves the request's KV blocks from the prefill worker to
	// the decode worker. Nil when both phases share a worker.
	TransferPlan *transfer.Plan
}

// ErrorKind classifies a scheduling failure.
type ErrorKind string

const (
	// KindNoEligibleWorker means no registered worker could serve a
	// required role.
	KindNoEligibleWorker ErrorKind = "no_eligible_worker"
	// KindWorkerUnavailable means a chosen worker disappeared before
	// handoff.
	KindWorkerUnavailable ErrorKind = "worker_unavailable"
	// KindTransferFailure means the prefill-to-decode block transfer failed.
	KindTransferFailure ErrorKind = "transfer_failure"
)

// SchedulingError is returned when planning exhausts its replan attempts.
// It names the request and the last worker involved so operators can
// diagnose the failure.
type SchedulingError struct {
	RequestID  string
	LastWorker string
	Kind       ErrorKind
	cause      error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("scheduling request %q failed (%s, last worker %q): %v",
		e.RequestID, e.Kind, e.LastWorker, e.cause)
}

func (e *SchedulingError) Unwrap() error {
	return e.cause
}
