// Package server is a small compute backend that speaks both call protocols. It exists for tests
// and local experiments (minicall serve), not for production.
//
// Routing:
//
//	POST /:route/        JSON payload          → handler(call_index) → 200 {data, average_duration}
//	POST /binary/:route  multipart payload     → handler(call_index) → 200 | 500 {error}
//	GET  /queue/join     websocket, the server drives the exchange:
//	  send_hash → hash ← · estimation · send_data → body + binary frames ←
//	  → process_starts → process_generating* (Emit) → process_completed
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"mini-call/message"
	"mini-call/protocol"
	"mini-call/registry"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandlerFunc computes the output of one call. files is the flat attachment list in upload
// order; p.BinaryData holds the same files regrouped per Data slot.
type HandlerFunc func(ctx context.Context, p *message.Payload, files []message.File) (*message.CallResponse, error)

// Echo answers with the call's own data.
func Echo(_ context.Context, p *message.Payload, _ []message.File) (*message.CallResponse, error) {
	return &message.CallResponse{Data: p.Data}, nil
}

type emitterKey struct{}

// Emit sends a partial output while a queued call is running. It reports false when the call
// did not arrive over the queue or the channel is gone.
func Emit(ctx context.Context, out *message.CallResponse) bool {
	emit, ok := ctx.Value(emitterKey{}).(func(*message.CallResponse) error)
	if !ok {
		return false
	}
	return emit(out) == nil
}

// queuedBody is the send_data body: a payload plus the owning index of every binary frame.
type queuedBody struct {
	message.Payload
	InputIDPerFile []int `json:"input_id_per_file"`
}

// Server is the fake backend.
type Server struct {
	engine   *gin.Engine
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu       sync.RWMutex
	handlers map[int]HandlerFunc // By call index
	fallback HandlerFunc         // Used when no handler matches, nil answers 404
	avg      map[int]*average

	queueLimit int          // 0 means unlimited
	queued     atomic.Int32 // Sessions currently holding a queue slot

	httpServer   *http.Server
	wg           sync.WaitGroup // In-flight calls for graceful shutdown
	shutdown     atomic.Bool
	registry     registry.Registry
	service      string
	advertiseURL string
}

// average is the running mean duration of one call index, in seconds.
type average struct {
	count int
	mean  float64
}

func (a *average) add(d time.Duration) float64 {
	a.count++
	a.mean += (d.Seconds() - a.mean) / float64(a.count)
	return a.mean
}

func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:   gin.New(),
		logger:   logger,
		handlers: make(map[int]HandlerFunc),
		avg:      make(map[int]*average),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/queue/join", s.handleQueue)
	s.engine.POST("/binary/:route", s.handleBinary)
	s.engine.POST("/:route/", s.handleJSON)
	return s
}

// Handle registers fn for callIndex, replacing any previous handler.
func (s *Server) Handle(callIndex int, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[callIndex] = fn
}

// HandleDefault registers fn for every call index without its own handler.
func (s *Server) HandleDefault(fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
}

// SetQueueLimit makes the queue answer queue_full once n sessions are waiting or running.
func (s *Server) SetQueueLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueLimit = n
}

// Handler exposes the routes, e.g. for httptest.NewServer.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on addr and blocks until Shutdown. With reg set, the server registers
// advertiseURL under service for the lifetime of the listener.
func (s *Server) Serve(addr, advertiseURL, service string, reg registry.Registry) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	if reg != nil {
		s.registry, s.service, s.advertiseURL = reg, service, advertiseURL
		if err := reg.Register(context.Background(), service, registry.Instance{BaseURL: advertiseURL, Weight: 1}, 10); err != nil {
			listener.Close()
			return fmt.Errorf("server: register %s: %w", advertiseURL, err)
		}
	}

	s.mu.Lock()
	s.httpServer = &http.Server{Handler: s.engine}
	s.mu.Unlock()

	s.logger.Info("backend listening", zap.String("addr", listener.Addr().String()))
	err = s.httpServer.Serve(listener)
	if s.shutdown.Load() && errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown deregisters the server, stops accepting calls and waits up to timeout for calls in
// flight, queue sessions included.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.Deregister(ctx, s.service, s.advertiseURL); err != nil {
			s.logger.Warn("deregister", zap.Error(err))
		}
		cancel()
	}

	s.shutdown.Store(true)
	s.mu.RLock()
	httpServer := s.httpServer
	s.mu.RUnlock()
	if httpServer != nil {
		// Hijacked websocket connections are not tracked by http.Server, the wait group covers them
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing calls to finish")
	}
}

func (s *Server) lookup(callIndex int) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if fn, ok := s.handlers[callIndex]; ok {
		return fn
	}
	return s.fallback
}

// run invokes the handler for p and fills in the average duration.
func (s *Server) run(ctx context.Context, p *message.Payload, files []message.File) (*message.CallResponse, int) {
	s.wg.Add(1)
	defer s.wg.Done()

	fn := s.lookup(p.CallIndex)
	if fn == nil {
		return &message.CallResponse{Error: fmt.Sprintf("no function for call_index %d", p.CallIndex)}, http.StatusNotFound
	}

	start := time.Now()
	out, err := fn(ctx, p, files)
	if err != nil {
		s.logger.Debug("call failed", zap.Int("call_index", p.CallIndex), zap.Error(err))
		return &message.CallResponse{Error: err.Error()}, http.StatusInternalServerError
	}
	if out == nil {
		out = &message.CallResponse{}
	}

	s.mu.Lock()
	a, ok := s.avg[p.CallIndex]
	if !ok {
		a = &average{}
		s.avg[p.CallIndex] = a
	}
	mean := a.add(time.Since(start))
	s.mu.Unlock()

	if out.AverageDuration == nil {
		out.AverageDuration = &mean
	}
	return out, http.StatusOK
}

func (s *Server) handleJSON(c *gin.Context) {
	var p message.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, message.CallResponse{Error: err.Error()})
		return
	}
	out, status := s.run(c.Request.Context(), &p, nil)
	c.JSON(status, out)
}

func (s *Server) handleBinary(c *gin.Context) {
	var p message.Payload
	if err := json.Unmarshal([]byte(c.PostForm("payload")), &p); err != nil {
		c.JSON(http.StatusBadRequest, message.CallResponse{Error: "invalid payload: " + err.Error()})
		return
	}
	var ids []int
	if err := json.Unmarshal([]byte(c.PostForm("input_id_per_file")), &ids); err != nil {
		c.JSON(http.StatusBadRequest, message.CallResponse{Error: "invalid input_id_per_file: " + err.Error()})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, message.CallResponse{Error: err.Error()})
		return
	}
	files := make([]message.File, 0, len(form.File["binary_files"]))
	for _, fh := range form.File["binary_files"] {
		data, err := readPart(fh)
		if err != nil {
			c.JSON(http.StatusBadRequest, message.CallResponse{Error: err.Error()})
			return
		}
		files = append(files, message.File{Name: fh.Filename, Data: data})
	}
	if len(ids) != len(files) {
		c.JSON(http.StatusBadRequest, message.CallResponse{Error: fmt.Sprintf("%d files but %d input ids", len(files), len(ids))})
		return
	}

	p.BinaryData = Regroup(files, ids)
	out, status := s.run(c.Request.Context(), &p, files)
	c.JSON(status, out)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Regroup is the inverse of codec.Flatten: files tagged with the same index land in the same
// entry, indices without files stay empty.
func Regroup(files []message.File, ids []int) []message.BinaryEntry {
	var entries []message.BinaryEntry
	for i, f := range files {
		id := ids[i]
		if id < 0 {
			continue
		}
		for len(entries) <= id {
			entries = append(entries, nil)
		}
		entries[id] = append(entries[id], f)
	}
	return entries
}

// handleQueue drives one queued call. Any failure simply drops the connection; the client
// reports a dropped channel as an error.
func (s *Server) handleQueue(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade queue connection", zap.Error(err))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer conn.Close()

	q := &queueConn{conn: conn}

	s.mu.RLock()
	limit := s.queueLimit
	s.mu.RUnlock()
	position := int(s.queued.Add(1))
	defer s.queued.Add(-1)
	if limit > 0 && position > limit {
		_ = q.send(protocol.QueueFull{})
		q.drain()
		return
	}

	if err := q.send(protocol.SendHash{}); err != nil {
		return
	}
	var hash protocol.Hash
	if err := conn.ReadJSON(&hash); err != nil {
		s.logger.Debug("read hash", zap.Error(err))
		return
	}
	log := s.logger.With(zap.String("session_id", hash.SessionID), zap.Int("call_index", hash.CallIndex))

	eta := s.estimate(hash.CallIndex) * float64(position)
	if err := q.send(protocol.Estimation{QueueSize: message.Ptr(position), Rank: message.Ptr(position - 1), RankETA: &eta}); err != nil {
		return
	}

	if err := q.send(protocol.SendData{}); err != nil {
		return
	}
	var body queuedBody
	if err := conn.ReadJSON(&body); err != nil {
		log.Debug("read data", zap.Error(err))
		return
	}
	files := make([]message.File, 0, len(body.InputIDPerFile))
	for i := range body.InputIDPerFile {
		mt, data, err := conn.ReadMessage()
		if err != nil || mt != websocket.BinaryMessage {
			log.Debug("read attachment", zap.Int("attachment", i), zap.Error(err))
			return
		}
		files = append(files, message.File{Name: fmt.Sprintf("file%d", i), Data: data})
	}
	p := body.Payload
	p.BinaryData = Regroup(files, body.InputIDPerFile)

	if err := q.send(protocol.ProcessStarts{Rank: message.Ptr(0)}); err != nil {
		return
	}

	ctx := context.WithValue(c.Request.Context(), emitterKey{}, func(out *message.CallResponse) error {
		return q.send(protocol.ProcessGenerating{Success: true, Output: *out})
	})
	out, status := s.run(ctx, &p, files)
	if err := q.send(protocol.ProcessCompleted{Success: status == http.StatusOK, Output: *out}); err != nil {
		return
	}
	log.Debug("queued call completed", zap.Int("status", status))
	q.drain()
}

// estimate is the expected duration of one call, the running average or 1s before any run.
func (s *Server) estimate(callIndex int) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.avg[callIndex]; ok {
		return a.mean
	}
	return 1
}

// queueConn serializes writes to a queue connection; Emit may run on the handler's goroutines.
type queueConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (q *queueConn) send(m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.conn.WriteMessage(websocket.TextMessage, frame)
}

// drain waits for the client to close, bounded so a silent client cannot pin the server.
func (q *queueConn) drain() {
	_ = q.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := q.conn.ReadMessage(); err != nil {
			return
		}
	}
}
