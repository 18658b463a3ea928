package registry

import "context"

// Instance is one compute backend reachable at BaseURL (e.g. "http://10.0.0.7:7860/").
type Instance struct {
	BaseURL string
	Weight  int // Weight for load balancing
	Version string
}

// Registry publishes and discovers backend instances by service name.
type Registry interface {
	Register(ctx context.Context, service string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, service string, baseURL string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	Watch(ctx context.Context, service string) <-chan []Instance
}
