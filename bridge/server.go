// Package bridge exposes a codex app-server to a GUI caller over a simple
// line-delimited request/response/event protocol.
//
// Caller requests look like
//
//	{"type":"request","id":1,"method":"turn.run","params":{...}}
//
// and are answered with {"type":"response","id":1,"ok":true,"result":{...}}
// or {"type":"response","id":1,"ok":false,"error":"..."}. Asynchronous codex
// activity arrives as {"type":"event","event":{...}}.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/zhubert/codex-bridge/codex"
	"github.com/zhubert/codex-bridge/config"
	"github.com/zhubert/codex-bridge/exec"
	"github.com/zhubert/codex-bridge/jsonl"
	"github.com/zhubert/codex-bridge/logger"
	"github.com/zhubert/codex-bridge/metrics"
)

// Default timeouts for caller operations.
const (
	ThreadOpenTimeout = 30 * time.Second
	TurnTimeout       = 30 * time.Minute
	ShutdownGrace     = 5 * time.Second
	mcpPageSize       = 50
	maxMCPPages       = 100
	unsupportedLabel  = "unsupported"
)

// Options configures a Server. Zero values select production defaults.
type Options struct {
	Settings config.Settings
	Spawner  exec.Spawner
	Getenv   func(string) string
	Metrics  *metrics.Metrics
	Log      *slog.Logger
	Version  string

	ThreadOpenTimeout time.Duration
	TurnTimeout       time.Duration
	CallTimeout       time.Duration
	InitTimeout       time.Duration
}

type request struct {
	ID     int64
	Method string
	Params json.RawMessage
}

type response struct {
	Type   string `json:"type"`
	ID     *int64 `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type eventEnvelope struct {
	Type  string `json:"type"`
	Event any    `json:"event"`
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server is the caller-facing half of the bridge. It owns the bridge state
// and the codex supervisor.
type Server struct {
	state     *State
	sup       *codex.Supervisor
	out       *jsonl.Writer
	metrics   *metrics.Metrics
	log       *slog.Logger
	sessionID string
	version   string
	startedAt time.Time

	threadOpenTimeout time.Duration
	turnTimeout       time.Duration
	callTimeout       time.Duration

	handlers map[string]handlerFunc
	opening  singleflight.Group

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a Server that writes responses and events to out.
func New(out io.Writer, opts Options) *Server {
	sessionID := uuid.New().String()
	log := opts.Log
	if log == nil {
		log = logger.WithSession(sessionID)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	s := &Server{
		state:             NewState(opts.Settings),
		out:               jsonl.NewWriter(out),
		metrics:           opts.Metrics,
		log:               log.With("component", "bridge"),
		sessionID:         sessionID,
		version:           opts.Version,
		startedAt:         time.Now(),
		threadOpenTimeout: orDefault(opts.ThreadOpenTimeout, ThreadOpenTimeout),
		turnTimeout:       orDefault(opts.TurnTimeout, TurnTimeout),
		callTimeout:       orDefault(opts.CallTimeout, codex.DefaultCallTimeout),
		stopped:           make(chan struct{}),
	}
	s.sup = codex.NewSupervisor(codex.SupervisorOptions{
		Spawner:       opts.Spawner,
		Getenv:        opts.Getenv,
		Emit:          s.emit,
		Lookup:        s.state.LookupCodexThread,
		Metrics:       opts.Metrics,
		Log:           log,
		InitTimeout:   opts.InitTimeout,
		ClientVersion: opts.Version,
	})
	s.handlers = map[string]handlerFunc{
		"health":       s.handleHealth,
		"thread.open":  s.handleThreadOpen,
		"thread.close": s.handleThreadClose,
		"turn.run":     s.handleTurnRun,
		"mcp.list":     s.handleMCPList,
		"mcp.warmup":   s.handleMCPWarmup,
		"config.get":   s.handleConfigGet,
		"config.set":   s.handleConfigSet,
		"shutdown":     s.handleShutdown,
	}
	return s
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// State exposes the bridge state.
func (s *Server) State() *State {
	return s.state
}

// SessionID identifies this bridge process in logs and health reports.
func (s *Server) SessionID() string {
	return s.sessionID
}

// Serve reads requests from in until EOF, a shutdown request, or ctx ends.
// Each request is handled on its own goroutine; responses may therefore
// arrive out of order. The codex runtime is torn down before Serve returns.
func (s *Server) Serve(ctx context.Context, in io.Reader) error {
	s.log.Info("bridge serving", "version", s.version)

	lines := make(chan json.RawMessage)
	readErr := make(chan error, 1)
	go func() {
		r := jsonl.NewReader(in)
		for {
			raw, err := r.Next()
			if err != nil {
				var perr *jsonl.ParseError
				if errors.As(err, &perr) {
					s.malformedLine(perr)
					continue
				}
				readErr <- err
				return
			}
			select {
			case lines <- raw:
			case <-s.stopped:
				return
			}
		}
	}()

	var result error
loop:
	for {
		select {
		case raw := <-lines:
			s.dispatch(ctx, raw)
		case err := <-readErr:
			if !errors.Is(err, io.EOF) {
				result = fmt.Errorf("failed to read requests: %w", err)
			}
			s.log.Info("caller input closed")
			break loop
		case <-s.stopped:
			break loop
		case <-ctx.Done():
			result = ctx.Err()
			break loop
		}
	}

	s.stop()
	teardown, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownGrace)
	defer cancel()
	s.sup.Shutdown(teardown)
	s.wg.Wait()
	s.log.Info("bridge stopped")
	return result
}

func (s *Server) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// malformedLine answers a line that is not JSON at all.
func (s *Server) malformedLine(perr *jsonl.ParseError) {
	s.log.Warn("malformed request line", "error", perr.Err)
	msg := "invalid JSON: " + perr.Err.Error()
	s.emit(codex.Event{Type: codex.EventError, Message: msg})
	s.respond(nil, nil, errors.New(msg))
	s.metrics.CallerRequest("invalid", metrics.OutcomeError)
}

// dispatch validates the envelope and runs the handler on its own goroutine.
func (s *Server) dispatch(ctx context.Context, raw json.RawMessage) {
	req, id, err := parseRequest(raw)
	if err != nil {
		s.log.Warn("rejected request", "error", err)
		s.respond(id, nil, err)
		s.metrics.CallerRequest("invalid", metrics.OutcomeError)
		return
	}

	h, ok := s.handlers[req.Method]
	if !ok {
		s.respond(&req.ID, nil, fmt.Errorf("unsupported method: %s", req.Method))
		s.metrics.CallerRequest(unsupportedLabel, metrics.OutcomeError)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.run(ctx, req, h)
		s.respond(&req.ID, result, err)

		outcome := metrics.OutcomeOK
		if err != nil {
			outcome = metrics.OutcomeError
		}
		s.metrics.CallerRequest(req.Method, outcome)

		if req.Method == "shutdown" && err == nil {
			s.stop()
		}
	}()
}

// run invokes h, converting a panic into an error.
func (s *Server) run(ctx context.Context, req request, h handlerFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panicked", "method", req.Method, "id", req.ID, "panic", r)
			result, err = nil, fmt.Errorf("internal error handling %s: %v", req.Method, r)
		}
	}()

	start := time.Now()
	result, err = h(ctx, req.Params)
	if err != nil {
		s.log.Warn("request failed", "method", req.Method, "id", req.ID, "error", err, "elapsed", time.Since(start))
	} else {
		s.log.Debug("request done", "method", req.Method, "id", req.ID, "elapsed", time.Since(start))
	}
	return result, err
}

// parseRequest checks the envelope shape. The returned id is non-nil
// whenever one could be read, so the error response can echo it.
func parseRequest(raw json.RawMessage) (request, *int64, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return request{}, nil, errors.New("request must be a JSON object")
	}

	var id int64
	idRaw, ok := fields["id"]
	if !ok || isNull(idRaw) || json.Unmarshal(idRaw, &id) != nil {
		return request{}, nil, errors.New("request id must be an integer")
	}

	var typ string
	if err := json.Unmarshal(fields["type"], &typ); err != nil || typ == "" {
		return request{}, &id, errors.New(`message type must be "request"`)
	}
	if typ != "request" {
		return request{}, &id, fmt.Errorf("unsupported message type: %s", typ)
	}

	var method string
	if err := json.Unmarshal(fields["method"], &method); err != nil || method == "" {
		return request{}, &id, errors.New("request method must be a non-empty string")
	}

	params := fields["params"]
	if isNull(params) {
		params = json.RawMessage(`{}`)
	} else if bytes.TrimSpace(params)[0] != '{' {
		return request{}, &id, errors.New("request params must be an object")
	}

	return request{ID: id, Method: method, Params: params}, &id, nil
}

func (s *Server) respond(id *int64, result any, err error) {
	resp := response{Type: "response", ID: id, OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	} else {
		if result == nil {
			result = map[string]any{}
		}
		resp.Result = result
	}
	if werr := s.out.Write(resp); werr != nil {
		s.log.Error("failed to write response", "error", werr)
	}
}

// emit forwards an event to the caller.
func (s *Server) emit(ev codex.Event) {
	s.metrics.Event(ev.Type)
	if err := s.out.Write(eventEnvelope{Type: "event", Event: ev}); err != nil {
		s.log.Error("failed to write event", "type", ev.Type, "error", err)
	}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decodeParams unmarshals params into v, reporting failures as validation
// errors.
func decodeParams(params json.RawMessage, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return invalidf("invalid params: %v", err)
	}
	return nil
}
