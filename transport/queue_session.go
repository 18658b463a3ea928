// Package transport implements the two ways a call reaches the backend.
//
// HTTPClient is the direct path: one request, one response.
// QueueSession is the streamed path: a websocket the backend drives with protocol messages,
// while a background goroutine (recvLoop) turns each message into a status update:
//
//	Dispatcher ──OpenQueueSession(call 1)──► ws conn 1 ──► backend queue
//	Dispatcher ──OpenQueueSession(call 2)──► ws conn 2 ──► backend queue
//
//	recvLoop 1: ◄── estimation ──► Sink.Update(pending, rank …)
//	recvLoop 1: ◄── process_completed ──► Sink.Update(complete) + OnResult → close
//
// Every session registers itself under its call index so a sibling call can cancel it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"mini-call/codec"
	"mini-call/message"
	"mini-call/protocol"
	"mini-call/registry"
	"mini-call/status"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// QueueFullMessage is reported when the backend refuses the call for capacity.
const QueueFullMessage = "This application is too busy. Keep trying!"

var (
	queueMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "minicall",
			Subsystem: "queue",
			Name:      "messages_total",
			Help:      "Queue protocol messages received, by tag.",
		},
		[]string{"msg"},
	)
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "minicall",
			Subsystem: "queue",
			Name:      "sessions_active",
			Help:      "Queue sessions currently open.",
		},
	)
)

type State int32

const (
	StateOpening State = iota
	StateActive
	StateClosedSuccess
	StateClosedError
	StateClosedCancelled
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosedSuccess:
		return "closed_success"
	case StateClosedError:
		return "closed_error"
	case StateClosedCancelled:
		return "closed_cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no more transitions can happen.
func (s State) Terminal() bool {
	return s >= StateClosedSuccess
}

// ResultFunc receives outputs of a streamed call: once per successful process_generating and
// once for a successful process_completed.
type ResultFunc func(out *message.CallResponse)

// QueueConfig is everything one streamed call needs.
type QueueConfig struct {
	URL      string           // ws(s)://…/queue/join
	Payload  *message.Payload // SessionID must already be set
	Sink     status.Sink
	OnResult ResultFunc
	Registry *registry.SessionRegistry
	Dialer   *websocket.Dialer // nil uses a dialer without handshake timeout
	Logger   *zap.Logger
}

// QueueSession is the state machine of one streamed call.
type QueueSession struct {
	cfg       QueueConfig
	callIndex int
	conn      *websocket.Conn
	codec     codec.Codec
	sending   sync.Mutex // One writer at a time on the websocket
	emitting  sync.Mutex // Orders progress reports against the terminal transition
	state     atomic.Int32
	closing   atomic.Bool // Set before any close this side initiates
	done      chan struct{}
	handlers  map[protocol.MsgType]func(protocol.Message)
	logger    *zap.Logger
}

// handle adapts a typed handler to the table's signature.
func handle[T protocol.Message](fn func(T)) func(protocol.Message) {
	return func(m protocol.Message) {
		fn(m.(T))
	}
}

// OpenQueueSession dials the queue, registers the session and starts its receive loop.
// ctx bounds the dial only; once open, the session lives until the backend ends it or
// Cancel is called.
func OpenQueueSession(ctx context.Context, cfg QueueConfig) (*QueueSession, error) {
	if cfg.Payload == nil {
		return nil, errors.New("transport: queue session without payload")
	}
	if cfg.Sink == nil {
		cfg.Sink = status.Discard
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.NewSessionRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial queue %s: %v", ErrConnection, cfg.URL, err)
	}

	s := &QueueSession{
		cfg:       cfg,
		callIndex: cfg.Payload.CallIndex,
		conn:      conn,
		codec:     codec.GetCodec(codec.CodecTypeJSON),
		done:      make(chan struct{}),
		logger:    cfg.Logger.With(zap.Int("call_index", cfg.Payload.CallIndex)),
	}
	s.handlers = map[protocol.MsgType]func(protocol.Message){
		protocol.MsgSendHash:          handle(s.onSendHash),
		protocol.MsgSendData:          handle(s.onSendData),
		protocol.MsgQueueFull:         handle(s.onQueueFull),
		protocol.MsgEstimation:        handle(s.onEstimation),
		protocol.MsgProgress:          handle(s.onProgress),
		protocol.MsgProcessStarts:     handle(s.onProcessStarts),
		protocol.MsgProcessGenerating: handle(s.onProcessGenerating),
		protocol.MsgProcessCompleted:  handle(s.onProcessCompleted),
	}

	cfg.Registry.Register(s.callIndex, s)
	activeSessions.Inc()
	s.logger.Debug("queue session opened", zap.String("url", cfg.URL))

	go s.recvLoop()
	return s, nil
}

func (s *QueueSession) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reached a terminal state and released its connection.
func (s *QueueSession) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is done, and returns the final state.
func (s *QueueSession) Wait(ctx context.Context) (State, error) {
	select {
	case <-s.done:
		return s.State(), nil
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// Cancel closes the session cooperatively: no error status is reported for it, and once Cancel
// returns the session reports nothing more. Cancelling a finished session does nothing.
func (s *QueueSession) Cancel() {
	if !s.transition(StateClosedCancelled) {
		return
	}
	s.logger.Debug("queue session cancelled")
	s.close()
}

// recvLoop runs in its own goroutine and is the only reader of the connection.
func (s *QueueSession) recvLoop() {
	defer s.finish()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.onChannelClosed(err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Unknown or malformed messages are skipped, newer backends may send more tags
			s.logger.Warn("skip queue message", zap.Error(err))
			continue
		}
		queueMessages.WithLabelValues(string(msg.Type())).Inc()

		s.handlers[msg.Type()](msg)
		if s.State().Terminal() {
			return
		}
	}
}

// transition moves to a terminal state. Only the first terminal transition wins; later
// attempts report false. The closing flag is raised here, before any close, so the read error
// caused by our own close is never mistaken for a broken channel. Holding emitting makes a
// progress report either finish before the transition or see the flag.
func (s *QueueSession) transition(to State) bool {
	s.emitting.Lock()
	defer s.emitting.Unlock()
	for {
		cur := s.state.Load()
		if State(cur).Terminal() {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			s.closing.Store(true)
			return true
		}
	}
}

func (s *QueueSession) activate() {
	s.state.CompareAndSwap(int32(StateOpening), int32(StateActive))
}

func (s *QueueSession) onChannelClosed(err error) {
	if s.closing.Load() {
		return
	}
	if !s.transition(StateClosedError) {
		return
	}
	s.logger.Warn("queue channel closed unexpectedly", zap.Error(err))
	s.report(message.StatusUpdate{Phase: message.PhaseError, ErrorMessage: message.Ptr(ConnectionErrorMessage)})
}

// close sends a normal close frame and drops the connection. WriteControl may run concurrently
// with a data write, Close unblocks the reader.
func (s *QueueSession) close() {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Time{})
	_ = s.conn.Close()
}

func (s *QueueSession) finish() {
	_ = s.conn.Close()
	s.cfg.Registry.Remove(s.callIndex, s)
	activeSessions.Dec()
	s.logger.Debug("queue session finished", zap.Stringer("state", s.State()))
	close(s.done)
}

// update reports progress of a running session. Once the session is closing nothing more is
// reported, so a cancelled call keeps the status its canceller wrote.
func (s *QueueSession) update(u message.StatusUpdate) {
	s.emitting.Lock()
	defer s.emitting.Unlock()
	if s.closing.Load() {
		return
	}
	s.report(u)
}

// report writes u unconditionally; only the winner of the terminal transition calls it.
func (s *QueueSession) report(u message.StatusUpdate) {
	u.CallIndex = s.callIndex
	u.Queued = true
	s.cfg.Sink.Update(u)
}

// partial hands a streamed output to OnResult unless the session is closing.
func (s *QueueSession) partial(out message.CallResponse) {
	s.emitting.Lock()
	defer s.emitting.Unlock()
	if s.closing.Load() {
		return
	}
	s.result(out)
}

func (s *QueueSession) result(out message.CallResponse) {
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(&out)
	}
}

// fail ends the session with msg as its error status.
func (s *QueueSession) fail(msg string) {
	if !s.transition(StateClosedError) {
		return
	}
	s.report(message.StatusUpdate{Phase: message.PhaseError, ErrorMessage: message.Ptr(msg)})
	s.close()
}

func (s *QueueSession) write(messageType int, data []byte) error {
	s.sending.Lock()
	defer s.sending.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

func (s *QueueSession) onSendHash(protocol.SendHash) {
	s.activate()
	data, err := s.codec.Encode(protocol.Hash{SessionID: s.cfg.Payload.SessionID, CallIndex: s.callIndex})
	if err == nil {
		err = s.write(websocket.TextMessage, data)
	}
	if err != nil {
		s.logger.Warn("send hash", zap.Error(err))
	}
}

// onSendData sends the JSON body first, then one binary frame per attachment in flattening order.
func (s *QueueSession) onSendData(protocol.SendData) {
	s.activate()
	enc, err := codec.Encode(s.cfg.Payload)
	var body []byte
	if err == nil {
		body, err = enc.BodyWithFileIDs()
	}
	if err != nil {
		s.logger.Error("encode payload", zap.Error(err))
		s.fail(err.Error())
		return
	}

	s.sending.Lock()
	defer s.sending.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		s.logger.Warn("send data", zap.Error(err))
		return
	}
	for i, att := range enc.Attachments {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, att.File.Data); err != nil {
			s.logger.Warn("send attachment", zap.Int("attachment", i), zap.String("file", att.File.Name), zap.Error(err))
			return
		}
	}
}

func (s *QueueSession) onQueueFull(protocol.QueueFull) {
	s.fail(QueueFullMessage)
}

func (s *QueueSession) onEstimation(m protocol.Estimation) {
	s.activate()
	s.update(message.StatusUpdate{
		Phase:     status.CurrentPhase(s.cfg.Sink, s.callIndex),
		QueueSize: m.QueueSize,
		Rank:      m.Rank,
		ETA:       m.RankETA,
	})
}

func (s *QueueSession) onProgress(m protocol.Progress) {
	s.activate()
	s.update(message.StatusUpdate{Phase: message.PhasePending, ProgressData: m.ProgressData})
}

// onProcessStarts reports the rank in the queue-size slot and a rank of 0: the call left the
// queue and is now running.
func (s *QueueSession) onProcessStarts(m protocol.ProcessStarts) {
	s.activate()
	s.update(message.StatusUpdate{Phase: message.PhasePending, QueueSize: m.Rank, Rank: message.Ptr(0)})
}

func (s *QueueSession) onProcessGenerating(m protocol.ProcessGenerating) {
	s.activate()
	if !m.Success {
		s.update(message.StatusUpdate{Phase: message.PhaseError, ErrorMessage: message.Ptr(m.Output.Error)})
		return
	}
	s.update(message.StatusUpdate{Phase: message.PhaseGenerating, ETA: m.Output.AverageDuration})
	s.partial(m.Output)
}

func (s *QueueSession) onProcessCompleted(m protocol.ProcessCompleted) {
	if m.Success {
		if !s.transition(StateClosedSuccess) {
			return
		}
		s.report(message.StatusUpdate{Phase: message.PhaseComplete, ETA: m.Output.AverageDuration})
		s.result(m.Output)
		s.close()
		return
	}
	s.fail(m.Output.Error)
}
