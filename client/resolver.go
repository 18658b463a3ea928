package client

import (
	"context"
	"fmt"
	"sync"

	"mini-call/config"
	"mini-call/loadbalance"
	"mini-call/registry"
)

// Resolver tells the dispatcher which backend a call goes to. key is the session id.
type Resolver interface {
	Resolve(ctx context.Context, key string) (string, error)
}

// StaticResolver always answers with the same base URL.
type StaticResolver string

func (r StaticResolver) Resolve(context.Context, string) (string, error) {
	if r == "" {
		return "", fmt.Errorf("client: no base URL configured")
	}
	return config.NormalizeBaseURL(string(r)), nil
}

// DiscoveryResolver picks a backend from a registry. The instance list is cached and refreshed
// from registry watch events; the first Resolve fills it when no event arrived yet.
type DiscoveryResolver struct {
	reg       registry.Registry
	balancer  loadbalance.Balancer
	service   string
	mu        sync.RWMutex
	instances []registry.Instance
}

// NewDiscoveryResolver starts watching service until ctx ends.
func NewDiscoveryResolver(ctx context.Context, reg registry.Registry, service string, balancer loadbalance.Balancer) *DiscoveryResolver {
	r := &DiscoveryResolver{
		reg:      reg,
		balancer: balancer,
		service:  service,
	}
	go func() {
		for instances := range reg.Watch(ctx, service) {
			r.mu.Lock()
			r.instances = instances
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *DiscoveryResolver) Resolve(ctx context.Context, key string) (string, error) {
	r.mu.RLock()
	instances := r.instances
	r.mu.RUnlock()

	if len(instances) == 0 {
		var err error
		instances, err = r.reg.Discover(ctx, r.service)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.instances = instances
		r.mu.Unlock()
	}

	inst, err := r.balancer.Pick(instances, key)
	if err != nil {
		return "", fmt.Errorf("client: pick %s backend with %s: %w", r.service, r.balancer.Name(), err)
	}
	return config.NormalizeBaseURL(inst.BaseURL), nil
}
