package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"mini-call/registry"
)

// ConsistentHashBalancer maps session ids to backends using a hash ring.
// The same session always maps to the same backend until the backend set changes, which keeps
// a session's queued calls and its uploaded files on one machine.
//
// Each backend gets 100 virtual nodes so a handful of backends still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │ session ◆──►  │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu        sync.Mutex
	replicas  int
	ring      []uint32                      // Sorted hash values on the ring
	nodes     map[uint32]*registry.Instance // Hash value → instance
	signature string                        // Backend set the ring was built from
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Instance),
	}
}

// Add places an instance onto the ring with its virtual nodes.
func (b *ConsistentHashBalancer) Add(instance *registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
}

func (b *ConsistentHashBalancer) add(instance *registry.Instance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.BaseURL, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// rebuild resets the ring when the discovered backend set differs from the last one.
func (b *ConsistentHashBalancer) rebuild(instances []registry.Instance) {
	urls := make([]string, len(instances))
	for i, inst := range instances {
		urls[i] = inst.BaseURL
	}
	sort.Strings(urls)
	sig := strings.Join(urls, ",")
	if sig == b.signature {
		return
	}

	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.Instance)
	for i := range instances {
		inst := instances[i]
		b.add(&inst)
	}
	b.signature = sig
}

// Pick hashes key and walks clockwise to the first virtual node.
// A nil instances slice picks from the instances added with Add.
func (b *ConsistentHashBalancer) Pick(instances []registry.Instance, key string) (*registry.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instances != nil {
		b.rebuild(instances)
	}
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})

	// Wrap around the ring
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
