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

// The kv-router binary wires the KV-cache indexer, the worker registry, the
// event pipeline, and the disaggregation controller into a single routing
// service with a small HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/disagg"
	"github.com/llm-d/llm-d-kv-router/pkg/kvcache"
	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-router/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-router/pkg/router"
	"github.com/llm-d/llm-d-kv-router/pkg/workers"
)

const (
	envZMQEndpoint     = "ZMQ_ENDPOINT"
	envZMQTopic        = "ZMQ_TOPIC"
	envPoolConcurrency = "POOL_CONCURRENCY"

	envHashSeed  = "PYTHONHASHSEED"
	envBlockSize = "BLOCK_SIZE"
	envHashAlgo  = "HASH_ALGO"

	envPrefillLengthThreshold   = "PREFILL_LENGTH_THRESHOLD"
	envQueueSaturationThreshold = "QUEUE_SATURATION_THRESHOLD"
	envMaxReplanAttempts        = "MAX_REPLAN_ATTEMPTS"
	envCacheOverlapWeight       = "CACHE_OVERLAP_WEIGHT"
	envLoadWeight               = "LOAD_WEIGHT"

	envEtcdEndpoints = "ETCD_ENDPOINTS"

	envHTTPPort     = "HTTP_PORT"
	defaultHTTPPort = "8080"

	metricsLoggingInterval = 30 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := klog.FromContext(ctx)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx); err != nil {
		logger.Error(err, "Failed to run kv-router service")
		return
	}
}

func run(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	// metrics logging is started by the index when EnableMetrics is set
	metrics.Register()

	// KV-cache indexer
	indexer, err := kvcache.NewIndexer(ctx, getIndexerConfig())
	if err != nil {
		return fmt.Errorf("failed to create indexer: %w", err)
	}
	logger.Info("Created Indexer")

	// Worker registry + heartbeat sweeper
	registry := workers.NewRegistry(workers.DefaultConfig())
	go registry.Run(ctx)
	logger.Info("Started worker registry")

	// Dead workers are purged from the index so their stale holder entries
	// never influence routing.
	if remover, ok := indexer.KVBlockIndex().(kvblock.WorkerRemover); ok {
		registry.AddDeregistrationListener(workers.DeregistrationFunc(func(workerID string) {
			if err := remover.RemoveWorker(ctx, workerID); err != nil {
				logger.Error(err, "Failed to purge worker from index", "workerID", workerID)
			}
		}))
	}

	// Events pool feeding the index, with registry liveness updates
	eventsPool := kvevents.NewPool(getEventsPoolConfig(), indexer.KVBlockIndex())
	eventsPool.SetLivenessObserver(registry)
	eventsPool.Start(ctx)
	logger.Info("Events pool started and listening for ZMQ messages")

	// Optional etcd-backed discovery
	if endpoints := os.Getenv(envEtcdEndpoints); endpoints != "" {
		discoveryConfig := workers.DefaultDiscoveryConfig()
		discoveryConfig.Endpoints = strings.Split(endpoints, ",")

		discovery, err := workers.NewEtcdDiscovery(discoveryConfig, registry)
		if err != nil {
			return fmt.Errorf("failed to start worker discovery: %w", err)
		}
		defer discovery.Close()

		go func() {
			if err := discovery.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Error(err, "worker discovery stopped")
			}
		}()
		logger.Info("Started etcd worker discovery", "endpoints", endpoints)
	}

	// Router and disaggregation controller
	kvRouter, err := router.NewRouter(getRouterConfig(), indexer, registry)
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	// No transfer executor is wired here: the serving stack executes the
	// returned transfer plan through its own transport.
	controller, err := disagg.NewController(getControllerConfig(), kvRouter, registry, indexer, nil)
	if err != nil {
		return fmt.Errorf("failed to create disaggregation controller: %w", err)
	}

	httpServer := setupHTTPEndpoints(ctx, indexer, registry, controller)
	logger.Info("=== kv-router started ===")
	logger.Info("Available endpoints:")
	logger.Info("  - POST /plan - plan prefill/decode placement for a request")
	logger.Info("  - POST /score - cache-overlap scores for a token sequence")
	logger.Info("  - POST /workers - register a worker instance")
	logger.Info("  - GET  /workers - snapshot registered workers")

	<-ctx.Done()
	logger.Info("Shutting down kv-router...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "HTTP server shutdown error")
	}
	eventsPool.Shutdown(shutdownCtx)

	return nil
}

func getIndexerConfig() *kvcache.Config {
	config := kvcache.NewDefaultConfig()

	if hashSeed := os.Getenv(envHashSeed); hashSeed != "" {
		config.TokenProcessorConfig.HashSeed = hashSeed
	}
	if blockSize, err := strconv.Atoi(os.Getenv(envBlockSize)); err == nil && blockSize > 0 {
		config.TokenProcessorConfig.BlockSize = blockSize
	}
	if algo := os.Getenv(envHashAlgo); algo != "" {
		config.TokenProcessorConfig.HashAlgo = kvblock.HashAlgo(algo)
	}

	config.KVBlockIndexConfig.EnableMetrics = true
	config.KVBlockIndexConfig.MetricsLoggingInterval = metricsLoggingInterval

	return config
}

func getEventsPoolConfig() *kvevents.Config {
	config := kvevents.DefaultConfig()

	if endpoint := os.Getenv(envZMQEndpoint); endpoint != "" {
		config.ZMQEndpoint = endpoint
	}
	if topic := os.Getenv(envZMQTopic); topic != "" {
		config.TopicFilter = topic
	}
	if c, err := strconv.Atoi(os.Getenv(envPoolConcurrency)); err == nil && c > 0 {
		config.Concurrency = c
	}

	return config
}

func getRouterConfig() *router.Config {
	config := router.DefaultConfig()

	if w, err := strconv.ParseFloat(os.Getenv(envCacheOverlapWeight), 64); err == nil {
		config.ScoreWeights.CacheOverlapWeight = w
	}
	if w, err := strconv.ParseFloat(os.Getenv(envLoadWeight), 64); err == nil {
		config.ScoreWeights.LoadWeight = w
	}

	return config
}

func getControllerConfig() *disagg.Config {
	config := disagg.DefaultConfig()

	if v, err := strconv.Atoi(os.Getenv(envPrefillLengthThreshold)); err == nil && v > 0 {
		config.PrefillLengthThreshold = v
	}
	if v, err := strconv.Atoi(os.Getenv(envQueueSaturationThreshold)); err == nil && v > 0 {
		config.QueueSaturationThreshold = v
	}
	if v, err := strconv.Atoi(os.Getenv(envMaxReplanAttempts)); err == nil && v >= 0 {
		config.MaxReplanAttempts = v
	}

	return config
}

//nolint:gocognit // linear handler wiring
func setupHTTPEndpoints(ctx context.Context, indexer *kvcache.Indexer,
	registry *workers.Registry, controller *disagg.Controller,
) *http.Server {
	logger := klog.FromContext(ctx)

	mux := http.NewServeMux()

	mux.HandleFunc("/plan", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			RequestID       string   `json:"requestID"`
			Model           string   `json:"model"`
			Tokens          []uint32 `json:"tokens"`
			AdmittingWorker string   `json:"admittingWorker"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		decision, err := controller.Plan(r.Context(), disagg.Request{
			ID:                req.RequestID,
			ModelName:         req.Model,
			Tokens:            req.Tokens,
			AdmittingWorkerID: req.AdmittingWorker,
		})
		if err != nil {
			var schedErr *disagg.SchedulingError
			if errors.As(err, &schedErr) {
				http.Error(w, schedErr.Error(), http.StatusServiceUnavailable)
				return
			}
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(decision); err != nil {
			logger.Error(err, "failed to encode plan response")
		}
	})

	mux.HandleFunc("/score", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Model   string   `json:"model"`
			Tokens  []uint32 `json:"tokens"`
			Workers []string `json:"workers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		scores, err := indexer.GetWorkerScores(r.Context(), req.Tokens, req.Model, req.Workers)
		if err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(scores); err != nil {
			logger.Error(err, "failed to encode score response")
		}
	})

	mux.HandleFunc("/workers", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var instance workers.Instance
			if err := json.NewDecoder(r.Body).Decode(&instance); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
			if err := registry.Register(instance); err != nil {
				http.Error(w, fmt.Sprintf("error: %v", err), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(registry.Snapshot("")); err != nil {
				logger.Error(err, "failed to encode workers response")
			}
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	httpPort := os.Getenv(envHTTPPort)
	if httpPort == "" {
		httpPort = defaultHTTPPort
	}

	server := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           mux,
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       1 * time.Minute,
		WriteTimeout:      1 * time.Minute,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "HTTP server error")
		}
	}()

	return server
}
