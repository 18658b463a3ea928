package registry

import (
	"sync"
)

// Channel is an open queue channel as seen by the registry.
// Cancel requests a cooperative close: the channel must not report it as a failure.
type Channel interface {
	Cancel()
}

// SessionRegistry maps a call index to its open queue channel so sibling calls can cancel it.
//
// A registry is owned by one dispatcher. Entries are added when a session opens and removed on
// every terminal transition of that session; a newer session for the same call index simply
// overwrites the entry.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[int]Channel
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[int]Channel)}
}

// Register stores ch under callIndex, replacing any previous channel.
func (r *SessionRegistry) Register(callIndex int, ch Channel) {
	r.mu.Lock()
	r.sessions[callIndex] = ch
	r.mu.Unlock()
}

func (r *SessionRegistry) Lookup(callIndex int) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.sessions[callIndex]
	return ch, ok
}

// Remove deletes the entry for callIndex only if it still points at ch.
// An older session closing late must not evict its replacement.
func (r *SessionRegistry) Remove(callIndex int, ch Channel) {
	r.mu.Lock()
	if cur, ok := r.sessions[callIndex]; ok && cur == ch {
		delete(r.sessions, callIndex)
	}
	r.mu.Unlock()
}

// Cancel cooperatively closes the channel registered under callIndex.
// It reports whether there was one.
func (r *SessionRegistry) Cancel(callIndex int) bool {
	r.mu.Lock()
	ch, ok := r.sessions[callIndex]
	delete(r.sessions, callIndex)
	r.mu.Unlock()

	// Outside the lock: Cancel may call back into Remove
	if ok {
		ch.Cancel()
	}
	return ok
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll cancels every registered channel.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	chans := make([]Channel, 0, len(r.sessions))
	for idx, ch := range r.sessions {
		chans = append(chans, ch)
		delete(r.sessions, idx)
	}
	r.mu.Unlock()

	for _, ch := range chans {
		ch.Cancel()
	}
}
