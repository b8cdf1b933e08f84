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
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/utils"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

// PublisherConfig holds the configuration for a worker-side event publisher.
type PublisherConfig struct {
	// Endpoint is the ZMQ address the subscriber listens on
	// (e.g., "tcp://indexer:5557").
	Endpoint string `json:"endpoint"`
	// WorkerID is the unique identifier of the publishing worker instance.
	WorkerID string `json:"workerID"`
	// ModelName is the model served by the worker.
	ModelName string `json:"modelName"`
	// TopicPrefix is the leading topic segment (e.g., "kv").
	TopicPrefix string `json:"topicPrefix"`
}

// DefaultPublisherConfig returns a default configuration for the Publisher.
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		Endpoint:    "tcp://localhost:5557",
		TopicPrefix: "kv",
	}
}

// Publisher emits a worker's block-stored/block-removed events over ZMQ.
// Each worker owns exactly one publisher; the sequence frame establishes
// the per-worker emission order the indexer relies on.
type Publisher struct {
	socket *zmq.Socket
	topic  string
	seqNum uint64
}

// NewPublisher creates a Publisher connected to the given endpoint.
func NewPublisher(cfg *PublisherConfig) (*Publisher, error) {
	if cfg == nil {
		cfg = DefaultPublisherConfig()
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("publisher requires a worker identifier")
	}

	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ PUB socket: %w", err)
	}

	if err := socket.Connect(cfg.Endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Endpoint, err)
	}

	return &Publisher{
		socket: socket,
		topic:  fmt.Sprintf("%s@%s@%s", cfg.TopicPrefix, cfg.WorkerID, cfg.ModelName),
	}, nil
}

// PublishStored publishes a BlockStored event batch for the given block
// hashes.
func (p *Publisher) PublishStored(ctx context.Context, blockHashes []uint64,
	parentBlockHash *uint64, tokenIds []uint32, blockSize int,
) error {
	return p.publish(ctx, BlockStored{
		BlockHashes:     blockHashes,
		ParentBlockHash: parentBlockHash,
		TokenIds:        tokenIds,
		BlockSize:       blockSize,
	})
}

// PublishRemoved publishes a BlockRemoved event batch for the given block
// hashes.
func (p *Publisher) PublishRemoved(ctx context.Context, blockHashes []uint64) error {
	return p.publish(ctx, BlockRemoved{BlockHashes: blockHashes})
}

// PublishCleared publishes an AllBlocksCleared event.
func (p *Publisher) PublishCleared(ctx context.Context) error {
	return p.publish(ctx, AllBlocksCleared{})
}

// publish wraps the events in an EventBatch and sends
// (topic, seq, payload) as a three-frame ZMQ message.
func (p *Publisher) publish(ctx context.Context, events ...event) error {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvevents.Publisher")

	rawEvents := make([]msgpack.RawMessage, 0, len(events))
	for _, ev := range events {
		raw, err := msgpack.Marshal(ev.ToTaggedUnion())
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		rawEvents = append(rawEvents, raw)
	}

	batch := EventBatch{
		TS:     float64(time.Now().UnixNano()) / 1e9,
		Events: rawEvents,
	}

	payload, err := msgpack.Marshal(&batch)
	if err != nil {
		return fmt.Errorf("failed to marshal event batch: %w", err)
	}

	// sequence number for per-worker ordering
	seq := atomic.AddUint64(&p.seqNum, 1)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)

	if _, err := p.socket.SendMessage(p.topic, seqBytes, payload); err != nil {
		return fmt.Errorf("failed to send message to topic %s: %w", p.topic, err)
	}

	debugLogger.Info("published event batch", "topic", p.topic, "seq", seq,
		"events", utils.SliceMap(events, func(ev event) []any { return ev.ToTaggedUnion()[:1] }))
	return nil
}

// Close closes the publisher and cleans up resources.
func (p *Publisher) Close() error {
	if p.socket != nil {
		return p.socket.Close()
	}
	return nil
}
