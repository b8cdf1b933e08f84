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

package kvblock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/utils"
)

// defaultBlockSize is the default number of tokens per block.
// 16 is the default value used by vLLM.
const defaultBlockSize = 16

// HashAlgo selects the chained block-fingerprint function.
type HashAlgo string

const (
	// HashAlgoSHA256CBOR hashes canonical CBOR of [parent, tokens, extra]
	// with SHA-256 and keeps the lower 64 bits. Aligned with vLLM.
	HashAlgoSHA256CBOR HashAlgo = "sha256-cbor"
	// HashAlgoXXHash64 chains seeded xxhash64 over parent and token bytes.
	// Aligned with engines that publish xxhash-chained block hashes.
	HashAlgoXXHash64 HashAlgo = "xxhash64"
)

// TokenProcessorConfig holds the configuration for the token processor.
type TokenProcessorConfig struct {
	BlockSize int `json:"blockSize"`
	// HashSeed is used to prefix initial hash chunks, similarly to vLLM's NONE_HASH.
	// This should be aligned with the engines' `PYTHONHASHSEED` environment
	// variable. The system's deployer is responsible for aligning the engine
	// deployments with the same seed value.
	HashSeed string `json:"hashSeed"`
	// HashAlgo selects the fingerprint function. Defaults to sha256-cbor.
	HashAlgo HashAlgo `json:"hashAlgo"`
	initHash *uint64  // cache once
}

// DefaultTokenProcessorConfig returns the default configuration for the token processor.
func DefaultTokenProcessorConfig() *TokenProcessorConfig {
	return &TokenProcessorConfig{
		BlockSize: defaultBlockSize,
		HashSeed:  "",
		HashAlgo:  HashAlgoSHA256CBOR,
	}
}

// TokenProcessor defines the interface for converting tokens to
// KVBlockKeys.
type TokenProcessor interface {
	// TokensToKVBlockKeys converts tokens into kvblock.Keys.
	TokensToKVBlockKeys(tokens []uint32, modelName string) []Key
}

// ChunkedTokenDatabase is a concrete implementation of TokenProcessor.
// It chunks token sequences into fixed-size blocks and derives a chained
// fingerprint per block, so a block's key is a pure function of its token
// contents and position context.
type ChunkedTokenDatabase struct {
	TokenProcessorConfig
}

var _ TokenProcessor = &ChunkedTokenDatabase{}

// NewChunkedTokenDatabase creates a new instance with the given config.
func NewChunkedTokenDatabase(config *TokenProcessorConfig) TokenProcessor {
	if config == nil {
		config = DefaultTokenProcessorConfig()
	}
	if config.HashAlgo == "" {
		config.HashAlgo = HashAlgoSHA256CBOR
	}

	return &ChunkedTokenDatabase{
		TokenProcessorConfig: *config,
	}
}

// getInitHash returns the root parent hash.
func (db *ChunkedTokenDatabase) getInitHash() *uint64 {
	if db.initHash != nil {
		return db.initHash
	}

	var hashVal uint64
	switch db.HashAlgo {
	case HashAlgoXXHash64:
		hashVal = xxhash.Sum64String(db.HashSeed)
	default:
		encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
		if err != nil {
			klog.FromContext(context.Background()).Error(err, "failed to create CBOR encoder")
			return nil
		}

		b, err := encMode.Marshal(db.HashSeed)
		if err != nil {
			klog.FromContext(context.Background()).Error(err, "failed to marshal payload to CBOR")
			return nil
		}

		sum := sha256.Sum256(b)
		hashVal = binary.BigEndian.Uint64(sum[24:])
	}

	db.initHash = &hashVal
	return db.initHash
}

// hash computes the chained uint64 fingerprint of one block.
func (db *ChunkedTokenDatabase) hash(parent uint64, tokens []uint32, extra interface{}) uint64 {
	if db.HashAlgo == HashAlgoXXHash64 {
		return db.xxHash(parent, tokens)
	}

	payload := []interface{}{parent, tokens, extra}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		klog.FromContext(context.Background()).Error(err, "failed to create CBOR encoder")
		return 0
	}

	b, err := encMode.Marshal(payload)
	if err != nil {
		klog.FromContext(context.Background()).Error(err, "failed to marshal payload to CBOR")
		return 0
	}

	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[24:])
}

// xxHash chains a seeded xxhash64 digest over the parent hash and the
// block's token ids.
func (db *ChunkedTokenDatabase) xxHash(parent uint64, tokens []uint32) uint64 {
	digest := xxhash.New()

	var parentBytes [8]byte
	binary.LittleEndian.PutUint64(parentBytes[:], parent)
	_, _ = digest.Write(parentBytes[:])

	var tokenBytes [4]byte
	for _, token := range tokens {
		binary.LittleEndian.PutUint32(tokenBytes[:], token)
		_, _ = digest.Write(tokenBytes[:])
	}

	return digest.Sum64()
}

// prefixHashes returns a slice of uint64 hashes, one per chunk, each
// chained on its predecessor.
func (db *ChunkedTokenDatabase) prefixHashes(parentHash uint64, tokenChunks [][]uint32) []uint64 {
	prefix := parentHash
	hashes := make([]uint64, len(tokenChunks))
	for i, chunk := range tokenChunks {
		prefix = db.hash(prefix, chunk, nil)
		hashes[i] = prefix
	}
	return hashes
}

// chunkTokens splits the input slice of tokens into chunks of size BlockSize.
func (db *ChunkedTokenDatabase) chunkTokens(tokens []uint32) [][]uint32 {
	var chunks [][]uint32
	for i := 0; i < len(tokens); i += db.BlockSize {
		end := i + db.BlockSize
		if end > len(tokens) {
			break // no partial blocks
		}

		chunks = append(chunks, tokens[i:end])
	}

	return chunks
}

// TokensToKVBlockKeys converts tokens into kvblock.Keys.
func (db *ChunkedTokenDatabase) TokensToKVBlockKeys(tokens []uint32, modelName string) []Key {
	parentPtr := db.getInitHash()
	if parentPtr == nil {
		return nil
	}

	chunks := db.chunkTokens(tokens)
	ph := db.prefixHashes(*parentPtr, chunks)
	return utils.SliceMap(ph, func(hashVal uint64) Key {
		return Key{
			ModelName: modelName,
			ChunkHash: hashVal,
		}
	})
}
