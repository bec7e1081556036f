// Package codextest provides a scriptable in-memory codex app-server for
// tests. Plug Server.Child into an exec.PipeSpawner and every spawned process
// speaks the app-server wire protocol.
package codextest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zhubert/codex-bridge/exec"
	"github.com/zhubert/codex-bridge/jsonl"
)

// ErrNoReply makes a handler leave the request unanswered.
var ErrNoReply = errors.New("codextest: no reply")

// Error is returned by a handler to produce a JSON-RPC error response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Handler answers one request. Returning ErrNoReply leaves it pending.
type Handler func(params json.RawMessage) (any, error)

// Message is one line the bridge sent to the fake.
type Message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// IsRequest reports whether m is a call with an id.
func (m Message) IsRequest() bool { return len(m.ID) > 0 && m.Method != "" }

// IsResponse reports whether m answers a server-initiated request.
func (m Message) IsResponse() bool { return len(m.ID) > 0 && m.Method == "" }

type child struct {
	proc *exec.PipeProcess
	out  *jsonl.Writer
}

// Server is the fake app-server. Handlers and recorded traffic are shared by
// every process it serves.
type Server struct {
	mu       sync.Mutex
	handlers map[string]Handler
	received []Message
	children []*child
	changed  chan struct{}
}

// NewServer returns a Server that answers initialize and shutdown with empty
// results. Unregistered methods get a method-not-found error.
func NewServer() *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		changed:  make(chan struct{}),
	}
	empty := func(json.RawMessage) (any, error) { return map[string]any{}, nil }
	s.handlers["initialize"] = func(json.RawMessage) (any, error) {
		return map[string]any{"userAgent": "codextest/0.0.0"}, nil
	}
	s.handlers["shutdown"] = empty
	return s
}

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Result registers a handler that always returns v.
func (s *Server) Result(method string, v any) {
	s.Handle(method, func(json.RawMessage) (any, error) { return v, nil })
}

// Hang registers a handler that never answers.
func (s *Server) Hang(method string) {
	s.Handle(method, func(json.RawMessage) (any, error) { return nil, ErrNoReply })
}

// Spawner returns a PipeSpawner whose children are served by s.
func (s *Server) Spawner() *exec.PipeSpawner {
	return &exec.PipeSpawner{Child: s.Child}
}

// Child serves one process until its stdin closes.
func (s *Server) Child(p *exec.PipeProcess) {
	c := &child{proc: p, out: jsonl.NewWriter(p.ChildStdout())}
	s.mu.Lock()
	s.children = append(s.children, c)
	s.mu.Unlock()

	r := jsonl.NewReader(p.ChildStdin())
	for {
		raw, err := r.Next()
		if err != nil {
			var perr *jsonl.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return
		}
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		s.record(m)
		if m.IsRequest() {
			go s.answer(c, m)
		}
	}
}

func (s *Server) answer(c *child, m Message) {
	s.mu.Lock()
	h, ok := s.handlers[m.Method]
	s.mu.Unlock()

	if !ok {
		_ = c.out.Write(map[string]any{"id": m.ID, "error": Error{Code: -32601, Message: "method not found: " + m.Method}})
		return
	}
	result, err := h(m.Params)
	switch {
	case errors.Is(err, ErrNoReply):
		return
	case err != nil:
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: -32000, Message: err.Error()}
		}
		_ = c.out.Write(map[string]any{"id": m.ID, "error": rpcErr})
	default:
		_ = c.out.Write(map[string]any{"id": m.ID, "result": result})
	}
}

func (s *Server) record(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, m)
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) latest() (*child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.children) == 0 {
		return nil, errors.New("codextest: no process spawned")
	}
	return s.children[len(s.children)-1], nil
}

// Notify writes a notification to the most recent process's stdout.
func (s *Server) Notify(method string, params any) error {
	c, err := s.latest()
	if err != nil {
		return err
	}
	return c.out.Write(map[string]any{"method": method, "params": params})
}

// Request writes a server-initiated request to the most recent process.
func (s *Server) Request(id any, method string, params any) error {
	c, err := s.latest()
	if err != nil {
		return err
	}
	return c.out.Write(map[string]any{"id": id, "method": method, "params": params})
}

// WriteRaw writes a literal line to the most recent process's stdout.
func (s *Server) WriteRaw(line string) error {
	c, err := s.latest()
	if err != nil {
		return err
	}
	_, err = c.proc.ChildStdout().Write([]byte(line + "\n"))
	return err
}

// Process returns the i-th spawned process.
func (s *Server) Process(i int) *exec.PipeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.children) {
		return nil
	}
	return s.children[i].proc
}

// Processes returns how many processes the server has served.
func (s *Server) Processes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// Received returns every message recorded so far, in arrival order.
func (s *Server) Received() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.received))
	copy(out, s.received)
	return out
}

// Calls returns the recorded requests and notifications for method.
func (s *Server) Calls(method string) []Message {
	var out []Message
	for _, m := range s.Received() {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// Responses returns the bridge's answers to server-initiated requests.
func (s *Server) Responses() []Message {
	var out []Message
	for _, m := range s.Received() {
		if m.IsResponse() {
			out = append(out, m)
		}
	}
	return out
}

// WaitFor blocks until match holds for the recorded traffic or timeout
// elapses.
func (s *Server) WaitFor(timeout time.Duration, match func([]Message) bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		msgs := make([]Message, len(s.received))
		copy(msgs, s.received)
		changed := s.changed
		s.mu.Unlock()

		if match(msgs) {
			return nil
		}
		select {
		case <-changed:
		case <-deadline.C:
			return fmt.Errorf("codextest: condition not met after %s (%d messages)", timeout, len(msgs))
		}
	}
}

// WaitForCalls blocks until at least n requests for method were recorded.
func (s *Server) WaitForCalls(method string, n int, timeout time.Duration) error {
	return s.WaitFor(timeout, func(msgs []Message) bool {
		count := 0
		for _, m := range msgs {
			if m.Method == method {
				count++
			}
		}
		return count >= n
	})
}
