package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"mini-call/message"
	"mini-call/protocol"

	"github.com/gorilla/websocket"
)

// recorder is a status sink that keeps every update in arrival order.
type recorder struct {
	mu      sync.Mutex
	updates []message.StatusUpdate
	phases  map[int]message.Phase
}

func newRecorder() *recorder {
	return &recorder{phases: make(map[int]message.Phase)}
}

func (r *recorder) Update(u message.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	r.phases[u.CallIndex] = u.Phase
}

func (r *recorder) Phase(callIndex int) (message.Phase, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.phases[callIndex]
	return p, ok
}

func (r *recorder) all() []message.StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.StatusUpdate(nil), r.updates...)
}

func (r *recorder) withPhase(phase message.Phase) []message.StatusUpdate {
	var out []message.StatusUpdate
	for _, u := range r.all() {
		if u.Phase == phase {
			out = append(out, u)
		}
	}
	return out
}

// peer is the backend side of one websocket in a test.
type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (p *peer) send(m protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		p.t.Errorf("encode %s: %v", m.Type(), err)
		return
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		p.t.Errorf("write %s: %v", m.Type(), err)
	}
}

func (p *peer) read() (int, []byte) {
	mt, data, err := p.conn.ReadMessage()
	if err != nil {
		p.t.Errorf("read: %v", err)
	}
	return mt, data
}

// awaitClose blocks until the client closes its side.
func (p *peer) awaitClose() {
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// scriptedQueue starts a websocket server that runs script for every connection and
// returns its ws:// URL.
func scriptedQueue(t *testing.T, script func(p *peer)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(&peer{t: t, conn: conn})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}
