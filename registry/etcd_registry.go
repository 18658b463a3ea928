// Package registry keeps track of where calls go.
//
// SessionRegistry is the in-process map from call index to open queue channel.
// EtcdRegistry is the shared directory of compute backends:
//
//	Key:   /mini-call/{service}/{escaped base URL}
//	Value: JSON-encoded Instance
//
// Backends register with a TTL lease, so a crashed backend disappears from discovery once the
// lease expires.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/mini-call/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
}

// NewEtcdRegistry connects to the given endpoints. dialTimeout of zero leaves the etcd default.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{client: c}, nil
}

func serviceKey(service string) string {
	return keyPrefix + service + "/"
}

func instanceKey(service, baseURL string) string {
	return serviceKey(service) + url.PathEscape(baseURL)
}

// Register stores instance under a fresh lease and keeps the lease alive until ctx ends.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, instanceKey(service, instance.BaseURL), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("registry: put instance: %w", err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}

	// Drain keepalive responses, the channel closes with ctx
	go func() {
		for range ch {
		}
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, service string, baseURL string) error {
	_, err := r.client.Delete(ctx, instanceKey(service, baseURL))
	if err != nil {
		return fmt.Errorf("registry: delete instance: %w", err)
	}
	return nil
}

// Watch emits the full instance list every time something under the service prefix changes.
// The returned channel is closed when ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, serviceKey(service), clientv3.WithPrefix())
		for range watchChan {
			// Re-read the whole list rather than applying individual events
			instances, err := r.Discover(ctx, service)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, serviceKey(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", service, err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
