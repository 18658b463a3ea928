// Package status is where call lifecycle updates go.
//
// The dispatcher writes through a Sink. A Sink that also implements PhaseReader lets queue
// estimations keep whatever phase the store currently shows for the call.
package status

import (
	"sync"

	"mini-call/message"

	evbus "github.com/asaskevich/EventBus"
)

// Sink receives status updates. Implementations must be safe for concurrent use: queued calls
// report from their own goroutines.
type Sink interface {
	Update(u message.StatusUpdate)
}

// PhaseReader exposes the phase a store currently holds for a call.
type PhaseReader interface {
	Phase(callIndex int) (message.Phase, bool)
}

// FuncSink adapts the positional update contract to a Sink.
type FuncSink message.UpdateFunc

func (f FuncSink) Update(u message.StatusUpdate) {
	u.Apply(message.UpdateFunc(f))
}

type discard struct{}

func (discard) Update(message.StatusUpdate) {}

// Discard drops every update.
var Discard Sink = discard{}

// CurrentPhase returns the phase sink holds for callIndex, or pending when it does not know.
func CurrentPhase(sink Sink, callIndex int) message.Phase {
	if r, ok := sink.(PhaseReader); ok {
		if phase, ok := r.Phase(callIndex); ok && phase != "" {
			return phase
		}
	}
	return message.PhasePending
}

// TopicUpdate is the event bus topic every tracked update is published on.
const TopicUpdate = "status:update"

// Tracker is an in-memory status store: the latest update per call, plus fan-out to subscribers.
type Tracker struct {
	writing sync.Mutex // Serializes Update so subscribers see updates in store order
	mu      sync.RWMutex
	latest  map[int]message.StatusUpdate
	bus     evbus.Bus
}

func NewTracker() *Tracker {
	return &Tracker{
		latest: make(map[int]message.StatusUpdate),
		bus:    evbus.New(),
	}
}

// Update stores u and publishes it. Synchronous subscribers run inside Update and must not call
// it themselves.
func (t *Tracker) Update(u message.StatusUpdate) {
	t.writing.Lock()
	defer t.writing.Unlock()

	t.mu.Lock()
	t.latest[u.CallIndex] = u
	t.mu.Unlock()

	t.bus.Publish(TopicUpdate, u)
}

func (t *Tracker) Phase(callIndex int) (message.Phase, bool) {
	u, ok := t.Get(callIndex)
	return u.Phase, ok
}

func (t *Tracker) Get(callIndex int) (message.StatusUpdate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.latest[callIndex]
	return u, ok
}

// Subscribe registers fn for every future update. Handlers run synchronously on the goroutine
// that wrote the update, in write order. The returned function unsubscribes.
func (t *Tracker) Subscribe(fn func(message.StatusUpdate)) (func(), error) {
	if err := t.bus.Subscribe(TopicUpdate, fn); err != nil {
		return nil, err
	}
	return func() {
		_ = t.bus.Unsubscribe(TopicUpdate, fn)
	}, nil
}

// SubscribeAsync is Subscribe with handlers run on their own goroutine, one update at a time.
// Use WaitAsync to wait for delivery.
func (t *Tracker) SubscribeAsync(fn func(message.StatusUpdate)) (func(), error) {
	if err := t.bus.SubscribeAsync(TopicUpdate, fn, true); err != nil {
		return nil, err
	}
	return func() {
		_ = t.bus.Unsubscribe(TopicUpdate, fn)
	}, nil
}

func (t *Tracker) WaitAsync() {
	t.bus.WaitAsync()
}
