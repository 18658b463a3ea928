// Package loadbalance picks which compute backend receives a call.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity backends, no affinity
//   - WeightedRandom:  heterogeneous backends (different GPU sizes)
//   - ConsistentHash:  session affinity, every call of one session lands on the same backend
package loadbalance

import (
	"fmt"

	"mini-call/registry"
)

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance from the available list. key identifies the caller (the session
	// id); strategies without affinity ignore it. Must be goroutine-safe.
	Pick(instances []registry.Instance, key string) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}
