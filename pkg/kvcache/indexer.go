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

package kvcache

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

// Config holds the configuration for the Indexer module.
// The configuration covers the different components found in the Indexer
// module.
type Config struct {
	TokenProcessorConfig *kvblock.TokenProcessorConfig `json:"tokenProcessorConfig"`
	KVBlockIndexConfig   *kvblock.IndexConfig          `json:"kvBlockIndexConfig"`
	KVBlockScorerConfig  *KVBlockScorerConfig          // not exported
}

// NewDefaultConfig returns a default configuration for the Indexer module.
func NewDefaultConfig() *Config {
	return &Config{
		TokenProcessorConfig: kvblock.DefaultTokenProcessorConfig(),
		KVBlockIndexConfig:   kvblock.DefaultIndexConfig(),
		KVBlockScorerConfig:  DefaultKVBlockScorerConfig(),
	}
}

// Indexer aggregates the global KV-block view and answers cache-overlap
// queries. Tokenization happens upstream; the indexer consumes token ids.
type Indexer struct {
	config *Config

	tokensProcessor kvblock.TokenProcessor // turns tokens to kv block keys
	kvBlockIndex    kvblock.Index          // looks up workers for block keys
	kvBlockScorer   KVBlockScorer          // scores workers based on block hits
}

// NewIndexer creates an Indexer given a Config.
func NewIndexer(ctx context.Context, config *Config) (*Indexer, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	tokensProcessor := kvblock.NewChunkedTokenDatabase(config.TokenProcessorConfig)

	kvBlockIndex, err := kvblock.NewIndex(ctx, config.KVBlockIndexConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kvblock.Index: %w", err)
	}

	scorer, err := NewKVBlockScorer(config.KVBlockScorerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create KVBlockScorer: %w", err)
	}

	return &Indexer{
		config:          config,
		tokensProcessor: tokensProcessor,
		kvBlockIndex:    kvBlockIndex,
		kvBlockScorer:   scorer,
	}, nil
}

// KVBlockIndex returns the kvblock.Index used by the Indexer.
func (k *Indexer) KVBlockIndex() kvblock.Index {
	return k.kvBlockIndex
}

// TokensToKVBlockKeys exposes the indexer's token processor so callers can
// derive the block-key chain of a request once and reuse it.
func (k *Indexer) TokensToKVBlockKeys(tokens []uint32, modelName string) []kvblock.Key {
	return k.tokensProcessor.TokensToKVBlockKeys(tokens, modelName)
}

// GetWorkerScores retrieves the cache-overlap scores for a given token
// sequence and model name. The function receives the mentioned information
// and a list of relevant worker identifiers. If the set of worker
// identifiers is empty, the function assumes all workers are relevant.
//
// The returned map holds, per worker, the count of contiguous leading
// blocks of the sequence that the worker holds (longest-prefix match).
func (k *Indexer) GetWorkerScores(ctx context.Context, tokens []uint32, modelName string,
	workerIdentifiers []string,
) (map[string]int, error) {
	if len(tokens) == 0 {
		//nolint:nilnil // no overlap information is not an error
		return nil, nil
	}

	blockKeys := k.tokensProcessor.TokensToKVBlockKeys(tokens, modelName)
	return k.GetWorkerScoresForKeys(ctx, blockKeys, workerIdentifiers)
}

// GetWorkerScoresForKeys is the block-key-level variant of GetWorkerScores,
// for callers that already derived the request's block-key chain.
func (k *Indexer) GetWorkerScoresForKeys(ctx context.Context, blockKeys []kvblock.Key,
	workerIdentifiers []string,
) (map[string]int, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvcache.GetWorkerScores")

	if len(blockKeys) == 0 {
		//nolint:nilnil // no overlap information is not an error
		return nil, nil
	}

	// 1. query kvblock index for workers
	keyToWorkers, err := k.kvBlockIndex.Lookup(ctx, blockKeys, sets.New(workerIdentifiers...))
	if err != nil {
		return nil, fmt.Errorf("failed to query kvblock index: %w", err)
	}
	traceLogger.Info("found block keys", "block-keys", blockKeys,
		"workers", workersPerKeyPrintHelper(keyToWorkers))

	// 2. score workers
	workerScores, err := k.kvBlockScorer.Score(blockKeys, keyToWorkers)
	if err != nil {
		return nil, fmt.Errorf("failed to query kvblock scorer: %w", err)
	}
	traceLogger.Info("found worker scores", "worker-scores", workerScores)

	return workerScores, nil
}

// workersPerKeyPrintHelper formats a map of keys to worker names for printing.
func workersPerKeyPrintHelper(ks map[kvblock.Key][]string) string {
	flattened := ""
	for k, v := range ks {
		flattened += fmt.Sprintf("%s: %v\n", k.String(), v)
	}

	return flattened
}
