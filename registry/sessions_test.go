package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeChannel struct {
	cancelled atomic.Int32
}

func (f *fakeChannel) Cancel() {
	f.cancelled.Add(1)
}

func TestSessionRegistryCancel(t *testing.T) {
	r := NewSessionRegistry()
	ch := &fakeChannel{}
	r.Register(7, ch)

	got, ok := r.Lookup(7)
	assert.True(t, ok)
	assert.Same(t, ch, got)

	assert.True(t, r.Cancel(7))
	assert.Equal(t, int32(1), ch.cancelled.Load())
	assert.Equal(t, 0, r.Len())

	// Nothing registered any more
	assert.False(t, r.Cancel(7))
	assert.Equal(t, int32(1), ch.cancelled.Load())
}

func TestSessionRegistryRemoveKeepsReplacement(t *testing.T) {
	r := NewSessionRegistry()
	old, replacement := &fakeChannel{}, &fakeChannel{}

	r.Register(1, old)
	r.Register(1, replacement)
	r.Remove(1, old)

	got, ok := r.Lookup(1)
	assert.True(t, ok)
	assert.Same(t, replacement, got)

	r.Remove(1, replacement)
	_, ok = r.Lookup(1)
	assert.False(t, ok)
}

func TestSessionRegistryCloseAll(t *testing.T) {
	r := NewSessionRegistry()
	chans := []*fakeChannel{{}, {}, {}}
	for i, ch := range chans {
		r.Register(i, ch)
	}

	r.CloseAll()

	assert.Equal(t, 0, r.Len())
	for _, ch := range chans {
		assert.Equal(t, int32(1), ch.cancelled.Load())
	}
}

func TestSessionRegistryConcurrent(t *testing.T) {
	r := NewSessionRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ch := &fakeChannel{}
			r.Register(n, ch)
			r.Lookup(n)
			r.Remove(n, ch)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
