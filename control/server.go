package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/oxtoacart/bpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinicflow/flowbridge/log"
	"github.com/clinicflow/flowbridge/metrics"
	"github.com/clinicflow/flowbridge/runner"
	"github.com/clinicflow/flowbridge/strategy"
)

const (
	clientBuffer   = 64
	writeTimeout   = 10 * time.Second
	bufferPoolSize = 32
)

// Debugger drives a tab directly. *common.SessionManager implements it.
type Debugger interface {
	Attach(ctx context.Context, tabID target.ID) error
	ClickAt(ctx context.Context, tabID target.ID, x, y float64) error
	InsertText(ctx context.Context, tabID target.ID, text string) error
}

// StrategyRunner executes a strategy. *runner.Runner implements it.
type StrategyRunner interface {
	Execute(ctx context.Context, s strategy.Strategy, input strategy.Vars, tabID target.ID) (strategy.Vars, error)
}

// BridgeRunner runs the bridge flow. *runner.Bridge implements it.
type BridgeRunner interface {
	Run(ctx context.Context, activeTab target.ID) (strategy.Vars, error)
}

// Options are what a Server needs.
type Options struct {
	Debugger Debugger
	Runner   StrategyRunner
	Bridge   BridgeRunner
	Catalog  *strategy.Catalog
	// Env resolves placeholder URLs of executed strategies.
	Env strategy.Environment
	// Events is the feed broadcast to clients.
	Events *runner.Emitter
	// ActiveTab picks the tab to bridge from when a request names none.
	ActiveTab func(ctx context.Context) (target.ID, error)
	Metrics   *metrics.CustomMetrics
	// Gatherer is served on /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
}

type handler struct {
	fn func(ctx context.Context, payload json.RawMessage) (any, error)
	// runs is set when failures of fn are already reported as events.
	runs bool
}

// Server accepts control clients over WebSocket.
type Server struct {
	opts     Options
	logger   *log.Logger
	handlers map[CommandType]handler
	upgrader websocket.Upgrader
	bufs     *bpool.BufferPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewServer returns a Server and starts broadcasting opts.Events. Close
// stops it.
func NewServer(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		logger:  opts.Logger,
		bufs:    bpool.NewBufferPool(bufferPoolSize),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			// clients are local tools and browser extensions
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.handlers = map[CommandType]handler{
		CmdAttachDebugger:  {fn: s.attachDebugger},
		CmdDebuggerCommand: {fn: s.debuggerCommand},
		CmdExecuteStrategy: {fn: s.executeStrategy, runs: true},
		CmdExecuteBridge:   {fn: s.executeBridge, runs: true},
		CmdListStrategies:  {fn: s.listStrategies},
	}

	if opts.Events != nil {
		events := opts.Events.Subscribe(ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.broadcast(events)
		}()
	}

	return s
}

// Handler serves the WebSocket endpoint on /ws, metrics on /metrics and a
// liveness probe on /healthz.
func (s *Server) Handler() http.Handler {
	gatherer := s.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// ListenAndServe serves Handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Infof("control:ListenAndServe", "listening on %s", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("serving control on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutting down control server: %w", err)
	}

	return nil
}

// Close disconnects every client and stops broadcasting. Commands still
// running are canceled.
func (s *Server) Close() {
	s.mu.Lock()
	s.cancel()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}

	s.wg.Wait()
}

// Dispatch runs req and answers it. Failures become unsuccessful
// responses; commands that don't run strategies also report them as an
// ERROR event.
func (s *Server) Dispatch(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID, Type: TypeResponse}

	h, ok := s.handlers[req.Type]
	if !ok {
		err := fmt.Errorf("unknown message type %q", req.Type)
		s.reportError(req.Type, err)
		resp.Error = err.Error()
		return resp
	}

	result, err := h.fn(ctx, req.Payload)
	s.opts.Metrics.ObserveCommand(string(req.Type), err)
	if err != nil {
		s.logger.Warnf("control:Dispatch", "type:%s id:%q err:%v", req.Type, req.ID, err)
		if !h.runs || errors.Is(err, strategy.ErrNotFound) || isPayloadError(err) {
			s.reportError(req.Type, err)
		}
		resp.Error = err.Error()
		return resp
	}

	resp.Success = true
	resp.Result = result

	return resp
}

func (s *Server) reportError(typ CommandType, err error) {
	s.opts.Events.Emit(runner.Event{
		Kind:      runner.KindError,
		Message:   fmt.Sprintf("%s failed: %v", typ, err),
		Status:    runner.StatusError,
		Timestamp: time.Now(),
	})
}

type payloadError struct{ err error }

func (e payloadError) Error() string { return "invalid payload: " + e.err.Error() }
func (e payloadError) Unwrap() error { return e.err }

func isPayloadError(err error) bool {
	var pe payloadError
	return errors.As(err, &pe)
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return payloadError{err}
	}
	return nil
}

func (s *Server) attachDebugger(ctx context.Context, payload json.RawMessage) (any, error) {
	var p attachPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.TabID == "" {
		return nil, payloadError{errors.New("tabId is required")}
	}
	return nil, s.opts.Debugger.Attach(ctx, target.ID(p.TabID)) //nolint:wrapcheck
}

func (s *Server) debuggerCommand(ctx context.Context, payload json.RawMessage) (any, error) {
	var p debuggerPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.TabID == "" {
		return nil, payloadError{errors.New("tabId is required")}
	}
	tabID := target.ID(p.TabID)

	switch p.Command {
	case "CLICK":
		var args clickArgs
		if err := decode(p.Args, &args); err != nil {
			return nil, err
		}
		if args.X == nil || args.Y == nil {
			return nil, payloadError{errors.New("CLICK needs args.x and args.y")}
		}
		return nil, s.opts.Debugger.ClickAt(ctx, tabID, *args.X, *args.Y) //nolint:wrapcheck
	case "TYPE":
		var args typeArgs
		if err := decode(p.Args, &args); err != nil {
			return nil, err
		}
		if args.Text == nil {
			return nil, payloadError{errors.New("TYPE needs args.text")}
		}
		return nil, s.opts.Debugger.InsertText(ctx, tabID, *args.Text) //nolint:wrapcheck
	default:
		return nil, payloadError{fmt.Errorf("unknown debugger command %q", p.Command)}
	}
}

func (s *Server) executeStrategy(ctx context.Context, payload json.RawMessage) (any, error) {
	var p executePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	st, err := s.opts.Catalog.Get(p.ID)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	out, err := s.opts.Runner.Execute(ctx, strategy.Resolve(st, s.opts.Env), p.InputData, "")
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	return map[string]string(out), nil
}

func (s *Server) executeBridge(ctx context.Context, payload json.RawMessage) (any, error) {
	var p bridgePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	tabID := target.ID(p.TabID)
	if tabID == "" && s.opts.ActiveTab != nil {
		var err error
		if tabID, err = s.opts.ActiveTab(ctx); err != nil {
			err = fmt.Errorf("finding the active tab: %w", err)
			s.reportError(CmdExecuteBridge, err)
			return nil, err
		}
	}
	out, err := s.opts.Bridge.Run(ctx, tabID)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	return bridgeResult{Extracted: out}, nil
}

func (s *Server) listStrategies(context.Context, json.RawMessage) (any, error) {
	list := s.opts.Catalog.List()
	sums := make([]strategySummary, 0, len(list))
	for _, st := range list {
		sums = append(sums, strategySummary{
			ID:          st.ID,
			Name:        st.Name,
			Description: st.Description,
			Steps:       len(st.Steps),
		})
	}
	return sums, nil
}
