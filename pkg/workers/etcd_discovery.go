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

package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-router/pkg/utils/logging"
)

// DiscoveryConfig holds the configuration for etcd-backed worker discovery.
type DiscoveryConfig struct {
	// Endpoints are the etcd cluster endpoints.
	Endpoints []string `json:"endpoints"`
	// Prefix is the key prefix worker instances are announced under.
	Prefix string `json:"prefix"`
	// LeaseTTLSeconds is the announcement lease TTL. A worker that stops
	// renewing its lease disappears from the prefix within this window.
	LeaseTTLSeconds int64 `json:"leaseTTLSeconds"`
	// DialTimeout bounds the initial connection to etcd.
	DialTimeout time.Duration `json:"dialTimeout"`
}

// DefaultDiscoveryConfig returns a default configuration for discovery.
func DefaultDiscoveryConfig() *DiscoveryConfig {
	return &DiscoveryConfig{
		Endpoints:       []string{"localhost:2379"},
		Prefix:          "/llm-d/workers/",
		LeaseTTLSeconds: 10,
		DialTimeout:     5 * time.Second,
	}
}

// EtcdDiscovery mirrors worker instances announced in etcd into a Registry.
// Workers announce themselves under a shared prefix with a keepalive lease;
// the router side watches the prefix and keeps the registry in sync.
type EtcdDiscovery struct {
	config   *DiscoveryConfig
	client   *clientv3.Client
	registry *Registry
}

// NewEtcdDiscovery connects to etcd and returns a discovery instance bound
// to the given registry.
func NewEtcdDiscovery(config *DiscoveryConfig, registry *Registry) (*EtcdDiscovery, error) {
	if config == nil {
		config = DefaultDiscoveryConfig()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &EtcdDiscovery{
		config:   config,
		client:   client,
		registry: registry,
	}, nil
}

// Announce publishes a worker instance under the discovery prefix, bound to
// a lease renewed for as long as the context lives. When the context is
// canceled the lease expires and the key disappears.
func (d *EtcdDiscovery) Announce(ctx context.Context, instance Instance) error {
	logger := klog.FromContext(ctx).WithName("workers.EtcdDiscovery")

	value, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal worker instance: %w", err)
	}

	lease, err := d.client.Grant(ctx, d.config.LeaseTTLSeconds)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	key := path.Join(d.config.Prefix, instance.ID)
	if _, err := d.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to announce worker %q: %w", instance.ID, err)
	}

	keepAlive, err := d.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}

	go func() {
		for range keepAlive {
			// drain renewal acks until the channel closes
		}
		logger.V(logging.DEBUG).Info("lease keepalive ended", "workerID", instance.ID)
	}()

	logger.Info("announced worker", "workerID", instance.ID, "key", key)
	return nil
}

// Watch loads the current worker set and then follows updates, mirroring
// them into the registry. It blocks until the context is canceled.
func (d *EtcdDiscovery) Watch(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("workers.EtcdDiscovery")
	debugLogger := logger.V(logging.DEBUG)

	resp, err := d.client.Get(ctx, d.config.Prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to list workers under %q: %w", d.config.Prefix, err)
	}

	for _, kv := range resp.Kvs {
		d.applyPut(ctx, kv.Key, kv.Value)
	}
	logger.Info("loaded announced workers", "count", len(resp.Kvs))

	watchCh := d.client.Watch(ctx, d.config.Prefix,
		clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))

	for watchResp := range watchCh {
		if err := watchResp.Err(); err != nil {
			return fmt.Errorf("worker discovery watch failed: %w", err)
		}

		for _, ev := range watchResp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				d.applyPut(ctx, ev.Kv.Key, ev.Kv.Value)
			case clientv3.EventTypeDelete:
				workerID := path.Base(string(ev.Kv.Key))
				debugLogger.Info("worker announcement expired", "workerID", workerID)
				d.registry.Deregister(workerID)
			}
		}
	}

	return nil
}

func (d *EtcdDiscovery) applyPut(ctx context.Context, key, value []byte) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("workers.EtcdDiscovery")

	var instance Instance
	if err := json.Unmarshal(value, &instance); err != nil {
		debugLogger.Error(err, "failed to unmarshal worker announcement", "key", string(key))
		return
	}
	if instance.ID == "" {
		instance.ID = path.Base(string(key))
	}

	if err := d.registry.Register(instance); err != nil {
		debugLogger.Error(err, "failed to register announced worker", "key", string(key))
	}
}

// Close releases the etcd client.
func (d *EtcdDiscovery) Close() error {
	return d.client.Close()
}
