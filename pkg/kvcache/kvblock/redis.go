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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

// RedisIndexConfig holds the configuration for the RedisIndex.
type RedisIndexConfig struct {
	Address string `json:"address,omitempty"` // Redis server address
}

// DefaultRedisIndexConfig returns a default configuration for the RedisIndex.
func DefaultRedisIndexConfig() *RedisIndexConfig {
	return &RedisIndexConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// NewRedisIndex creates a new RedisIndex instance.
func NewRedisIndex(config *RedisIndexConfig) (Index, error) {
	if config == nil {
		config = DefaultRedisIndexConfig()
	}

	if !strings.HasPrefix(config.Address, "redis://") &&
		!strings.HasPrefix(config.Address, "rediss://") &&
		!strings.HasPrefix(config.Address, "unix://") {
		config.Address = "redis://" + config.Address
	}

	redisOpt, err := redis.ParseURL(config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redisURL: %w", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisIndex{
		RedisClient: redisClient,
	}, nil
}

// RedisIndex implements the Index interface using Redis as a shared
// external backend for KV block indexing. Multiple routers can consume
// the same Redis-backed view.
type RedisIndex struct {
	RedisClient *redis.Client
}

var _ Index = &RedisIndex{}

// Lookup receives an ordered list of block keys and a set of worker
// identifiers, and retrieves the filtered workers associated with those
// keys. If workerSet is empty, all workers are returned.
func (r *RedisIndex) Lookup(ctx context.Context, keys []Key,
	workerSet sets.Set[string],
) (map[Key][]string, error) {
	if len(keys) == 0 {
		return make(map[Key][]string), nil
	}

	logger := klog.FromContext(ctx).WithName("kvblock.RedisIndex.Lookup")
	workersPerKey := make(map[Key][]string)

	// pipeline for single RTT
	pipe := r.RedisClient.Pipeline()
	results := make([]*redis.StringSliceCmd, len(keys))

	// queue an HKeys command for each key in the pipeline
	for i, key := range keys {
		// HKeys gets all field names
		results[i] = pipe.HKeys(ctx, key.String())
	}

	_, execErr := pipe.Exec(ctx)
	if execErr != nil {
		return nil, fmt.Errorf("redis pipeline execution failed: %w", execErr)
	}

	filterWorkers := len(workerSet) > 0 // predicate for filtering

	for idx, cmd := range results {
		key := keys[idx]

		// cmd.Result() returns the slice of strings (worker IDs) which is the first layer in the mapping
		workers, cmdErr := cmd.Result()
		if cmdErr != nil {
			if !errors.Is(cmdErr, redis.Nil) {
				logger.Error(cmdErr, "failed to get workers for key", "key", key)
			}

			return workersPerKey, nil // early stop since prefix-chain breaks here
		}

		var filteredWorkers []string
		for _, w := range workers {
			id := strings.SplitN(w, "@", 2)[0]
			if !filterWorkers || workerSet.Has(id) {
				filteredWorkers = append(filteredWorkers, id)
			}
		}

		if len(filteredWorkers) == 0 {
			logger.Info("no workers found for key, cutting search", "key", key)
			return workersPerKey, nil // early stop since prefix-chain breaks here
		}

		workersPerKey[key] = filteredWorkers
	}

	return workersPerKey, nil
}

// Add adds a set of keys and their associated worker entries to the index backend.
func (r *RedisIndex) Add(ctx context.Context, keys []Key, entries []WorkerEntry) error {
	if len(keys) == 0 || len(entries) == 0 {
		return nil
	}

	pipe := r.RedisClient.Pipeline()
	for _, key := range keys {
		redisKey := key.String()
		for _, entry := range entries {
			// Use HSet to add the worker identifier as a field in the hash
			pipe.HSet(ctx, redisKey, entry.String(), time.Now().Format(time.RFC3339))
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add entries to Redis: %w", err)
	}

	return nil
}

// RemoveWorker drops every holder field of the worker across all hashes.
// Holder fields are stored as "<worker-id>@<tier>", so matching is by field
// prefix.
func (r *RedisIndex) RemoveWorker(ctx context.Context, workerID string) error {
	logger := klog.FromContext(ctx).WithName("kvblock.RedisIndex.RemoveWorker")

	fieldPrefix := workerID + "@"
	iter := r.RedisClient.Scan(ctx, 0, "*", 0).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()

		fields, err := r.RedisClient.HKeys(ctx, redisKey).Result()
		if err != nil {
			logger.Error(err, "failed to list holder fields", "key", redisKey)
			continue
		}

		var stale []string
		for _, field := range fields {
			if strings.HasPrefix(field, fieldPrefix) {
				stale = append(stale, field)
			}
		}
		if len(stale) == 0 {
			continue
		}

		if err := r.RedisClient.HDel(ctx, redisKey, stale...).Err(); err != nil {
			return fmt.Errorf("failed to remove worker %q from Redis: %w", workerID, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan Redis keys: %w", err)
	}

	return nil
}

// Evict removes a key and its associated worker entries from the index backend.
func (r *RedisIndex) Evict(ctx context.Context, key Key, entries []WorkerEntry) error {
	redisKey := key.String()
	pipe := r.RedisClient.Pipeline()

	for _, entry := range entries {
		// Use HDel to remove the worker identifier field from the hash
		pipe.HDel(ctx, redisKey, entry.String())
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to evict entries from Redis: %w", err)
	}

	return nil
}
