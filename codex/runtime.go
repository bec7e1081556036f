package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/codex-bridge/exec"
	"github.com/zhubert/codex-bridge/jsonl"
	"github.com/zhubert/codex-bridge/metrics"
)

// Timeouts for calls the runtime makes on its own behalf.
const (
	DefaultCallTimeout = 60 * time.Second
	InitializeTimeout  = 15 * time.Second
	ShutdownTimeout    = 2 * time.Second
)

// ClientName identifies the bridge in the initialize handshake.
const ClientName = "codex_desktop_bridge"

// State is the lifecycle state of a Runtime.
type State int

const (
	StateStarting State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	default:
		return "closed"
	}
}

// ExitError is the reason a runtime closed. It matches ErrRuntimeClosed.
type ExitError struct {
	Reason string
}

func (e *ExitError) Error() string {
	return "codex app-server exited: " + e.Reason
}

func (e *ExitError) Is(target error) bool {
	return target == ErrRuntimeClosed
}

type clientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Version string `json:"version"`
}

type initializeParams struct {
	ClientInfo clientInfo `json:"clientInfo"`
}

// runtimeConfig carries what a Runtime needs from its Supervisor.
type runtimeConfig struct {
	binary          string
	generation      int64
	emit            EventSink
	lookup          ThreadLookup
	metrics         *metrics.Metrics
	log             *slog.Logger
	initTimeout     time.Duration
	shutdownTimeout time.Duration
	clientVersion   string
	onClose         func(rt *Runtime, err error)
}

// Runtime is one live codex app-server process and its channels. It owns the
// pending call table, the turn tracker and the agent text buffers; all three
// are drained exactly once when the process goes away.
type Runtime struct {
	cfg       runtimeConfig
	proc      exec.Process
	writer    *jsonl.Writer
	pending   *pendingTable
	turns     *TurnTracker
	tr        *translator
	log       *slog.Logger
	stderrLog *slog.Logger

	mu        sync.Mutex
	state     State
	wasReady  bool
	closeErr  error
	startedAt time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// startRuntime spawns the app-server and completes the initialize handshake.
// On handshake failure the process is killed and the error returned.
func startRuntime(ctx context.Context, spawner exec.Spawner, cmd exec.Command, cfg runtimeConfig) (*Runtime, error) {
	proc, err := spawner.Spawn(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start codex app-server (%s): %w", cfg.binary, err)
	}
	cfg.metrics.RuntimeSpawned()

	rt := newRuntime(proc, cfg)
	rt.log.Info("codex app-server started", "command", cmd.Name+" "+strings.Join(cmd.Args, " "))

	go rt.readOutput()
	go rt.drainStderr()
	go rt.monitorExit()

	if err := rt.handshake(ctx); err != nil {
		rt.log.Error("codex initialize failed", "error", err)
		_ = rt.proc.Kill()
		rt.close(&ExitError{Reason: "initialize failed: " + err.Error()})
		return nil, fmt.Errorf("codex initialize failed: %w", err)
	}
	return rt, nil
}

func newRuntime(proc exec.Process, cfg runtimeConfig) *Runtime {
	base := cfg.log
	if base == nil {
		base = slog.New(slog.DiscardHandler)
	}
	rt := &Runtime{
		cfg:       cfg,
		proc:      proc,
		writer:    jsonl.NewWriter(proc.Stdin()),
		pending:   newPendingTable(),
		turns:     NewTurnTracker(),
		log:       base.With("component", "codex", "pid", proc.Pid(), "generation", cfg.generation),
		stderrLog: base.With("component", "codex-stderr", "pid", proc.Pid()),
		state:     StateStarting,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	rt.pending.onChange = cfg.metrics.PendingAdd
	rt.tr = newTranslator(rt.turns, cfg.emit, cfg.lookup, rt.log)
	return rt
}

func (rt *Runtime) handshake(ctx context.Context) error {
	timeout := rt.cfg.initTimeout
	if timeout <= 0 {
		timeout = InitializeTimeout
	}
	params := initializeParams{ClientInfo: clientInfo{
		Name:    ClientName,
		Title:   "Codex Desktop Bridge",
		Version: rt.cfg.clientVersion,
	}}
	if _, err := rt.Call(ctx, MethodInitialize, params, timeout); err != nil {
		return err
	}
	if err := rt.Notify(MethodInitialized, nil); err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.state == StateClosed {
		return rt.closeErr
	}
	rt.state = StateReady
	rt.wasReady = true
	rt.log.Info("codex app-server ready", "elapsed", time.Since(rt.startedAt))
	return nil
}

// Call sends method to the app-server and waits for its answer, the timeout,
// ctx, or the runtime closing, whichever comes first. A zero timeout means
// DefaultCallTimeout.
func (rt *Runtime) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if params == nil {
		params = struct{}{}
	}

	start := time.Now()
	id, ch, err := rt.pending.register(method, timeout)
	if err != nil {
		return nil, err
	}

	if err := rt.writer.Write(Request{ID: id, Method: method, Params: params}); err != nil {
		rt.pending.settle(id, callResult{err: fmt.Errorf("%w: %s: %v", ErrRuntimeClosed, method, err)})
	}

	var res callResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		rt.pending.settle(id, callResult{err: ctx.Err()})
		res = <-ch
	}

	outcome := metrics.OutcomeOK
	switch {
	case errors.Is(res.err, ErrRequestTimeout):
		outcome = metrics.OutcomeTimeout
	case res.err != nil:
		outcome = metrics.OutcomeError
	}
	rt.cfg.metrics.CodexCall(method, outcome, time.Since(start))

	if res.err != nil {
		rt.log.Debug("codex call failed", "method", method, "id", id, "error", res.err)
		return nil, res.err
	}
	return res.result, nil
}

// Notify sends a fire-and-forget message.
func (rt *Runtime) Notify(method string, params any) error {
	if err := rt.writer.Write(outboundNotification{Method: method, Params: params}); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRuntimeClosed, method, err)
	}
	return nil
}

// AwaitTurn waits for turnID to complete on this runtime.
func (rt *Runtime) AwaitTurn(ctx context.Context, turnID string, timeout time.Duration) (TurnSnapshot, error) {
	return rt.turns.Await(ctx, turnID, timeout)
}

// Turns exposes the runtime's turn tracker.
func (rt *Runtime) Turns() *TurnTracker {
	return rt.turns
}

// readOutput routes every stdout line until the stream ends.
func (rt *Runtime) readOutput() {
	r := jsonl.NewReader(rt.proc.Stdout())
	for {
		raw, err := r.Next()
		if err != nil {
			var perr *jsonl.ParseError
			if errors.As(err, &perr) {
				rt.log.Warn("discarding malformed line from codex", "error", perr.Err, "line", truncate(perr.Line, 200))
				continue
			}
			if errors.Is(err, io.EOF) {
				rt.close(&ExitError{Reason: "stdout closed"})
			} else {
				rt.close(&ExitError{Reason: "stdout read failed: " + err.Error()})
			}
			return
		}
		rt.route(raw)
	}
}

func (rt *Runtime) route(raw json.RawMessage) {
	kind, fields := classify(raw)
	switch kind {
	case kindResponse:
		id, ok := responseID(fields["id"])
		if !ok {
			rt.log.Warn("response with unexpected id", "id", string(fields["id"]))
			return
		}
		var res callResult
		if errRaw, has := fields["error"]; has && !isNull(errRaw) {
			res.err = decodeRPCError(errRaw, rt.pending.method(id))
		} else {
			res.result = fields["result"]
		}
		if !rt.pending.settle(id, res) {
			rt.log.Debug("ignoring response for unknown request", "id", id)
		}

	case kindServerRequest:
		var req ServerRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			rt.log.Warn("malformed server request", "error", err)
			return
		}
		resp := respond(req)
		if resp.Error != nil {
			rt.log.Info("rejected server request", "method", req.Method, "error", resp.Error.Message)
		} else {
			rt.log.Debug("answered server request", "method", req.Method)
		}
		if err := rt.writer.Write(resp); err != nil {
			rt.log.Warn("failed to answer server request", "method", req.Method, "error", err)
		}

	case kindNotification:
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			rt.log.Warn("malformed notification", "error", err)
			return
		}
		rt.tr.handle(n)

	default:
		rt.log.Warn("unrecognized message from codex", "line", truncate(string(raw), 200))
	}
}

// drainStderr forwards codex diagnostics to the bridge log. They never reach
// the caller.
func (rt *Runtime) drainStderr() {
	r := bufio.NewReader(rt.proc.Stderr())
	for {
		line, err := r.ReadString('\n')
		if text := strings.TrimSpace(line); text != "" {
			rt.stderrLog.Info(text)
		}
		if err != nil {
			return
		}
	}
}

// monitorExit is the only caller of Wait.
func (rt *Runtime) monitorExit() {
	err := rt.proc.Wait()
	reason := "exit status 0"
	if err != nil {
		reason = err.Error()
	}
	rt.close(&ExitError{Reason: reason})
}

// close runs once per runtime: it fails every pending call and turn waiter
// with err and then reports to the supervisor.
func (rt *Runtime) close(err error) {
	rt.closeOnce.Do(func() {
		rt.mu.Lock()
		rt.state = StateClosed
		rt.closeErr = err
		rt.mu.Unlock()

		_ = rt.writer.Close()
		_ = rt.proc.Kill()
		failed := rt.pending.drain(err)
		released := rt.turns.FailAll(err.Error())
		rt.tr.reset()

		rt.log.Info("codex runtime closed", "reason", err, "failedRequests", failed, "releasedWaiters", released)

		if rt.cfg.onClose != nil {
			rt.cfg.onClose(rt, err)
		}
		close(rt.done)
	})
}

// Shutdown asks a ready app-server to shut down, ignoring the outcome, then
// kills it. It returns once the runtime is fully drained.
func (rt *Runtime) Shutdown(ctx context.Context) {
	if rt.State() == StateReady {
		timeout := rt.cfg.shutdownTimeout
		if timeout <= 0 {
			timeout = ShutdownTimeout
		}
		if _, err := rt.Call(ctx, MethodShutdown, nil, timeout); err != nil {
			rt.log.Debug("shutdown request failed", "error", err)
		}
	}
	_ = rt.proc.Kill()
	rt.close(&ExitError{Reason: "shut down"})
}

// Done is closed once the runtime has been drained and the supervisor told.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.done
}

// Err returns why the runtime closed, or nil while it is live.
func (rt *Runtime) Err() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closeErr
}

func (rt *Runtime) State() State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *Runtime) Pid() int          { return rt.proc.Pid() }
func (rt *Runtime) Binary() string    { return rt.cfg.binary }
func (rt *Runtime) Generation() int64 { return rt.cfg.generation }

// Info describes the runtime for health reports.
func (rt *Runtime) Info() map[string]any {
	return map[string]any{
		"pid":             rt.Pid(),
		"binary":          rt.Binary(),
		"generation":      rt.Generation(),
		"state":           rt.State().String(),
		"pendingRequests": rt.pending.len(),
		"uptimeMs":        time.Since(rt.startedAt).Milliseconds(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
