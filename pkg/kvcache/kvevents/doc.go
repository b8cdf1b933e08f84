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

// Package kvevents carries the KV-block event stream between workers and
// the indexer. Each worker runs a Publisher that emits block-stored and
// block-removed events over ZMQ; the router side runs a subscriber feeding
// a sharded worker pool that applies events to the KV-block index in strict
// per-worker order.
package kvevents
