// Package client is the entry point for submitting calls.
//
// Client.Call picks one of three modes for every call and runs it:
//
//	Call ─► local function (optional) ─┬─ !BackendFn ──────────────► ModeLocal:  payload back, no network
//	                                   ├─ Queue && queueable action ► ModeQueued: open a QueueSession, return at once
//	                                   └─ otherwise ────────────────► ModeDirect: one HTTP exchange, then cancel siblings
//
// Progress of every mode is reported through the call's status.Sink.
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"mini-call/config"
	"mini-call/loadbalance"
	"mini-call/message"
	"mini-call/middleware"
	"mini-call/registry"
	"mini-call/status"
	"mini-call/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var calls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "minicall",
		Name:      "calls_total",
		Help:      "Calls dispatched, by mode.",
	},
	[]string{"mode"},
)

// CallMode is how a call is executed.
type CallMode int

const (
	ModeLocal  CallMode = iota // Local function only, no backend
	ModeQueued                 // Streamed over the queue channel
	ModeDirect                 // One request/response exchange
)

func (m CallMode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeQueued:
		return "queued"
	case ModeDirect:
		return "direct"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// LocalFunc transforms call data on the client before (or instead of) the backend.
type LocalFunc func(ctx context.Context, data []any) ([]any, error)

// Call describes one invocation.
type Call struct {
	Action     string           // Route on the backend, e.g. "predict"
	Payload    *message.Payload // Data, files and call index; SessionID is filled in by Call
	Queue      bool             // Caller wants the queue when the action allows it
	BackendFn  bool             // False: the call is answered by FrontendFn alone
	FrontendFn LocalFunc        // Optional, applied to Data ++ OutputData
	OutputData []any
	OnResult   transport.ResultFunc // Queued calls only: partial and final outputs
	Sink       status.Sink
	CancelList []int // Sibling call indices completed and cancelled when this call succeeds
}

// Mode selects the execution mode given the set of queueable actions.
func (c *Call) Mode(queueable map[string]bool) CallMode {
	switch {
	case !c.BackendFn:
		return ModeLocal
	case c.Queue && queueable[c.Action]:
		return ModeQueued
	default:
		return ModeDirect
	}
}

// Result is what Call returns; which field is set depends on Mode.
type Result struct {
	Mode     CallMode
	Payload  *message.Payload        // ModeLocal: the transformed payload
	Session  *transport.QueueSession // ModeQueued: nil when the queue could not be reached
	Response *message.CallResponse   // ModeDirect: the backend body
}

// Options configures a Client. Only Resolver is required.
type Options struct {
	Resolver         Resolver
	QueueURL         string // Derived from the resolved base URL when empty
	SessionID        string // Random when empty
	QueueableActions []string
	HTTPClient       *http.Client
	Dialer           *websocket.Dialer
	Middlewares      []middleware.Middleware // Wrap the direct exchange, outermost first
	Registry         *registry.SessionRegistry
	Logger           *zap.Logger
}

// Client dispatches calls for one client session. All methods are safe for concurrent use.
type Client struct {
	resolver  Resolver
	queueURL  string
	sessionID string
	queueable map[string]bool
	dialer    *websocket.Dialer
	direct    middleware.HandlerFunc
	registry  *registry.SessionRegistry
	logger    *zap.Logger
	closers   []func() error
}

func NewClient(opts Options) (*Client, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("client: resolver is required")
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.QueueableActions == nil {
		opts.QueueableActions = config.Default().QueueableActions
	}
	if opts.Registry == nil {
		opts.Registry = registry.NewSessionRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	queueable := make(map[string]bool, len(opts.QueueableActions))
	for _, a := range opts.QueueableActions {
		queueable[a] = true
	}

	httpClient := transport.NewHTTPClient(opts.HTTPClient, opts.Logger)
	return &Client{
		resolver:  opts.Resolver,
		queueURL:  opts.QueueURL,
		sessionID: opts.SessionID,
		queueable: queueable,
		dialer:    opts.Dialer,
		direct:    middleware.Chain(opts.Middlewares...)(httpClient.Handle),
		registry:  opts.Registry,
		logger:    opts.Logger.With(zap.String("session_id", opts.SessionID)),
	}, nil
}

// NewFromConfig builds a Client with the middleware stack and backend resolution cfg asks for.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger), middleware.MetricsMiddleware()}
	if cfg.RateLimit.RPS > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}

	var (
		resolver Resolver = StaticResolver(cfg.BaseURL)
		closers  []func() error
	)
	if len(cfg.Discovery.EtcdEndpoints) > 0 {
		balancer, err := loadbalance.New(cfg.Discovery.Balancer)
		if err != nil {
			return nil, err
		}
		reg, err := registry.NewEtcdRegistry(cfg.Discovery.EtcdEndpoints, 5*time.Second)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		resolver = NewDiscoveryResolver(ctx, reg, cfg.Discovery.Service, balancer)
		closers = append(closers, func() error { cancel(); return nil }, reg.Close)
	}

	c, err := NewClient(Options{
		Resolver:         resolver,
		QueueURL:         cfg.QueueURL,
		SessionID:        cfg.SessionID,
		QueueableActions: cfg.QueueableActions,
		Middlewares:      mws,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	c.closers = closers
	return c, nil
}

func (c *Client) SessionID() string {
	return c.sessionID
}

// Registry returns the registry of this client's open queue sessions.
func (c *Client) Registry() *registry.SessionRegistry {
	return c.registry
}

// Call runs one call. Only the direct mode reports backend failures as an error (*ApiError);
// queued calls report everything through the sink and OnResult.
func (c *Client) Call(ctx context.Context, call *Call) (*Result, error) {
	if call == nil || call.Payload == nil {
		return nil, fmt.Errorf("client: call without payload")
	}
	if call.Sink == nil {
		call.Sink = status.Discard
	}

	p := call.Payload
	p.SessionID = c.sessionID

	if call.FrontendFn != nil {
		in := make([]any, 0, len(p.Data)+len(call.OutputData))
		in = append(append(in, p.Data...), call.OutputData...)
		out, err := call.FrontendFn(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("client: local function for call %d: %w", p.CallIndex, err)
		}
		p.Data = out
	}

	mode := call.Mode(c.queueable)
	calls.WithLabelValues(mode.String()).Inc()

	switch mode {
	case ModeLocal:
		return &Result{Mode: mode, Payload: p}, nil
	case ModeQueued:
		return c.callQueued(ctx, call), nil
	default:
		return c.callDirect(ctx, call)
	}
}

func (c *Client) callQueued(ctx context.Context, call *Call) *Result {
	idx := call.Payload.CallIndex
	call.Sink.Update(message.StatusUpdate{CallIndex: idx, Phase: message.PhasePending, Queued: true})

	baseURL, err := c.resolver.Resolve(ctx, c.sessionID)
	if err != nil {
		c.queueFailed(call, err)
		return &Result{Mode: ModeQueued}
	}

	queueURL := c.queueURL
	if queueURL == "" {
		queueURL = config.QueueURLFor(baseURL)
	}

	session, err := transport.OpenQueueSession(ctx, transport.QueueConfig{
		URL:      queueURL,
		Payload:  call.Payload,
		Sink:     call.Sink,
		OnResult: call.OnResult,
		Registry: c.registry,
		Dialer:   c.dialer,
		Logger:   c.logger,
	})
	if err != nil {
		c.queueFailed(call, err)
		return &Result{Mode: ModeQueued}
	}
	return &Result{Mode: ModeQueued, Session: session}
}

// queueFailed reports a queue that could not be reached. Like any broken channel this is a
// status update, not an error for the caller.
func (c *Client) queueFailed(call *Call, err error) {
	c.logger.Warn("queue unreachable", zap.Int("call_index", call.Payload.CallIndex), zap.Error(err))
	call.Sink.Update(message.StatusUpdate{
		CallIndex:    call.Payload.CallIndex,
		Phase:        message.PhaseError,
		Queued:       true,
		ErrorMessage: message.Ptr(transport.ConnectionErrorMessage),
	})
}

func (c *Client) callDirect(ctx context.Context, call *Call) (*Result, error) {
	idx := call.Payload.CallIndex
	call.Sink.Update(message.StatusUpdate{CallIndex: idx, Phase: message.PhasePending, Queued: call.Queue})

	var resp *message.Response
	baseURL, err := c.resolver.Resolve(ctx, c.sessionID)
	if err != nil {
		c.logger.Warn("resolve backend", zap.Int("call_index", idx), zap.Error(err))
		resp = &message.Response{
			Body:   &message.CallResponse{Error: transport.ConnectionErrorMessage},
			Status: http.StatusInternalServerError,
		}
	} else {
		resp = c.direct(ctx, &message.Request{BaseURL: baseURL, Route: call.Action, Payload: call.Payload})
	}

	if !resp.OK() {
		msg := resp.ErrorMessage()
		if msg == "" {
			msg = apiErrorFallback
		}
		call.Sink.Update(message.StatusUpdate{
			CallIndex:    idx,
			Phase:        message.PhaseError,
			Queued:       call.Queue,
			ErrorMessage: message.Ptr(msg),
		})
		return nil, &ApiError{Status: resp.Status, Message: msg}
	}

	body := resp.Body
	if body == nil {
		body = &message.CallResponse{}
	}
	call.Sink.Update(message.StatusUpdate{
		CallIndex: idx,
		Phase:     message.PhaseComplete,
		Queued:    call.Queue,
		ETA:       body.AverageDuration,
	})

	// Siblings sharing this trigger are done as well. Cancel first so a silenced session cannot
	// overwrite the complete status.
	for _, sibling := range call.CancelList {
		if c.registry.Cancel(sibling) {
			c.logger.Debug("cancelled sibling session", zap.Int("call_index", sibling), zap.Int("trigger", idx))
		}
		call.Sink.Update(message.StatusUpdate{CallIndex: sibling, Phase: message.PhaseComplete, Queued: call.Queue})
	}

	return &Result{Mode: ModeDirect, Response: body}, nil
}

// Close cancels every open queue session and releases discovery resources.
func (c *Client) Close() error {
	c.registry.CloseAll()
	var firstErr error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
