package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"mini-call/loadbalance"
	"mini-call/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRegistry keeps instances in memory and pushes every change to its watchers.
type memRegistry struct {
	mu        sync.Mutex
	instances map[string][]registry.Instance
	watchers  []chan []registry.Instance
	discovers int
}

func newMemRegistry() *memRegistry {
	return &memRegistry{instances: make(map[string][]registry.Instance)}
}

func (m *memRegistry) Register(_ context.Context, service string, inst registry.Instance, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[service] = append(m.instances[service], inst)
	m.notify(service)
	return nil
}

func (m *memRegistry) Deregister(_ context.Context, service string, baseURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.instances[service][:0]
	for _, inst := range m.instances[service] {
		if inst.BaseURL != baseURL {
			kept = append(kept, inst)
		}
	}
	m.instances[service] = kept
	m.notify(service)
	return nil
}

func (m *memRegistry) Discover(_ context.Context, service string) ([]registry.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discovers++
	return append([]registry.Instance(nil), m.instances[service]...), nil
}

func (m *memRegistry) Watch(ctx context.Context, _ string) <-chan []registry.Instance {
	ch := make(chan []registry.Instance, 8)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		close(ch)
		m.watchers = nil
	}()
	return ch
}

func (m *memRegistry) notify(service string) {
	for _, ch := range m.watchers {
		ch <- append([]registry.Instance(nil), m.instances[service]...)
	}
}

func TestStaticResolver(t *testing.T) {
	url, err := StaticResolver("http://127.0.0.1:7860").Resolve(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:7860/", url)

	_, err = StaticResolver("").Resolve(context.Background(), "s")
	assert.Error(t, err)
}

func TestDiscoveryResolverSessionAffinity(t *testing.T) {
	reg := newMemRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, u := range []string{"http://a:7860", "http://b:7860", "http://c:7860"} {
		require.NoError(t, reg.Register(ctx, "compute", registry.Instance{BaseURL: u, Weight: 1}, 10))
	}

	r := NewDiscoveryResolver(ctx, reg, "compute", loadbalance.NewConsistentHashBalancer())
	first, err := r.Resolve(ctx, "session-42")
	require.NoError(t, err)
	assert.Contains(t, []string{"http://a:7860/", "http://b:7860/", "http://c:7860/"}, first)

	for i := 0; i < 10; i++ {
		again, err := r.Resolve(ctx, "session-42")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDiscoveryResolverFollowsWatch(t *testing.T) {
	reg := newMemRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewDiscoveryResolver(ctx, reg, "compute", &loadbalance.RoundRobinBalancer{})
	_, err := r.Resolve(ctx, "s")
	assert.Error(t, err, "no backend registered yet")

	require.NoError(t, reg.Register(ctx, "compute", registry.Instance{BaseURL: "http://a:7860/"}, 10))
	require.Eventually(t, func() bool {
		url, err := r.Resolve(ctx, "s")
		return err == nil && url == "http://a:7860/"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Register(ctx, "compute", registry.Instance{BaseURL: "http://b:7860/"}, 10))
	require.NoError(t, reg.Deregister(ctx, "compute", "http://a:7860/"))
	require.Eventually(t, func() bool {
		url, err := r.Resolve(ctx, "s")
		return err == nil && url == "http://b:7860/"
	}, 2*time.Second, 10*time.Millisecond)
}
