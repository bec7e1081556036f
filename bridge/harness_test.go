package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/codex-bridge/codex/codextest"
	"github.com/zhubert/codex-bridge/config"
	"github.com/zhubert/codex-bridge/jsonl"
)

const waitTimeout = 2 * time.Second

// wireMsg is one line the bridge wrote to the caller.
type wireMsg struct {
	Type   string          `json:"type"`
	ID     *int64          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
	Event  json.RawMessage `json:"event"`
}

type wireEvent struct {
	Type           string          `json:"type"`
	ThreadID       string          `json:"thread_id"`
	BridgeThreadID string          `json:"bridge_thread_id"`
	TurnID         string          `json:"turn_id"`
	Item           json.RawMessage `json:"item"`
	Usage          json.RawMessage `json:"usage"`
	Error          *struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

// harness drives a Server over in-memory caller pipes against a fake
// app-server.
type harness struct {
	t      *testing.T
	srv    *codextest.Server
	bridge *Server
	in     *io.PipeWriter
	done   chan error

	mu      sync.Mutex
	msgs    []wireMsg
	changed chan struct{}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		srv:     codextest.NewServer(),
		done:    make(chan error, 1),
		changed: make(chan struct{}),
	}
	if opts.Spawner == nil {
		opts.Spawner = h.srv.Spawner()
	}
	if opts.Getenv == nil {
		opts.Getenv = func(string) string { return "" }
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Settings == (config.Settings{}) {
		opts.Settings = config.Defaults()
	}
	if opts.Version == "" {
		opts.Version = "test"
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h.in = inW
	h.bridge = New(outW, opts)

	go h.collect(outR)
	go func() { h.done <- h.bridge.Serve(context.Background(), inR) }()

	t.Cleanup(func() {
		_ = inW.Close()
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
			t.Error("Serve did not return after input closed")
		}
		_ = outW.Close()
	})
	return h
}

func (h *harness) collect(r io.Reader) {
	jr := jsonl.NewReader(r)
	for {
		raw, err := jr.Next()
		if err != nil {
			if _, ok := err.(*jsonl.ParseError); ok {
				continue
			}
			return
		}
		var m wireMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		h.mu.Lock()
		h.msgs = append(h.msgs, m)
		close(h.changed)
		h.changed = make(chan struct{})
		h.mu.Unlock()
	}
}

// sendRaw writes one caller line.
func (h *harness) sendRaw(line string) {
	h.t.Helper()
	if _, err := io.WriteString(h.in, line+"\n"); err != nil {
		h.t.Fatalf("write request: %v", err)
	}
}

func (h *harness) send(id int64, method string, params any) {
	h.t.Helper()
	data, err := json.Marshal(map[string]any{"type": "request", "id": id, "method": method, "params": params})
	if err != nil {
		h.t.Fatal(err)
	}
	h.sendRaw(string(data))
}

// waitFor blocks until match returns a message.
func (h *harness) waitFor(what string, match func(wireMsg) bool) wireMsg {
	h.t.Helper()
	deadline := time.NewTimer(waitTimeout)
	defer deadline.Stop()
	seen := 0
	for {
		h.mu.Lock()
		msgs := h.msgs
		changed := h.changed
		h.mu.Unlock()

		for _, m := range msgs[seen:] {
			if match(m) {
				return m
			}
		}
		seen = len(msgs)
		select {
		case <-changed:
		case <-deadline.C:
			h.t.Fatalf("timed out waiting for %s", what)
			return wireMsg{}
		}
	}
}

func (h *harness) response(id int64) wireMsg {
	h.t.Helper()
	return h.waitFor(fmt.Sprintf("response %d", id), func(m wireMsg) bool {
		return m.Type == "response" && m.ID != nil && *m.ID == id
	})
}

// call sends a request and returns its response.
func (h *harness) call(id int64, method string, params any) wireMsg {
	h.t.Helper()
	h.send(id, method, params)
	return h.response(id)
}

// mustCall sends a request, requires ok:true and decodes the result into v.
func (h *harness) mustCall(id int64, method string, params any, v any) {
	h.t.Helper()
	resp := h.call(id, method, params)
	if !resp.OK {
		h.t.Fatalf("%s failed: %s", method, resp.Error)
	}
	if v != nil {
		if err := json.Unmarshal(resp.Result, v); err != nil {
			h.t.Fatalf("decode %s result: %v", method, err)
		}
	}
}

// event waits for the first event of type typ matching match.
func (h *harness) event(typ string, match func(wireEvent) bool) wireEvent {
	h.t.Helper()
	var ev wireEvent
	h.waitFor("event "+typ, func(m wireMsg) bool {
		if m.Type != "event" {
			return false
		}
		var e wireEvent
		if err := json.Unmarshal(m.Event, &e); err != nil || e.Type != typ {
			return false
		}
		if match != nil && !match(e) {
			return false
		}
		ev = e
		return true
	})
	return ev
}

func (h *harness) events(typ string) []wireEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []wireEvent
	for _, m := range h.msgs {
		if m.Type != "event" {
			continue
		}
		var e wireEvent
		if json.Unmarshal(m.Event, &e) == nil && e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// stopped waits for Serve to return.
func (h *harness) stopped() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(waitTimeout):
		h.t.Fatal("Serve did not return")
		return nil
	}
}

// threadStarts answers thread/start with sequential codex thread ids.
func (h *harness) threadStarts() {
	var mu sync.Mutex
	n := 0
	h.srv.Handle("thread/start", func(json.RawMessage) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return map[string]any{"thread": map[string]any{"id": fmt.Sprintf("cx-%d", n)}}, nil
	})
	h.srv.Handle("thread/resume", func(params json.RawMessage) (any, error) {
		var p struct {
			ThreadID string `json:"threadId"`
		}
		_ = json.Unmarshal(params, &p)
		return map[string]any{"thread": map[string]any{"id": p.ThreadID}}, nil
	})
}

// turnScript answers turn/start by streaming an agent message and completing
// the turn with status. Notifications precede the response on the wire.
func (h *harness) turnScript(text, status string) {
	var mu sync.Mutex
	n := 0
	h.srv.Handle("turn/start", func(params json.RawMessage) (any, error) {
		var p struct {
			ThreadID string `json:"threadId"`
		}
		_ = json.Unmarshal(params, &p)
		mu.Lock()
		n++
		turnID := fmt.Sprintf("turn-%d", n)
		mu.Unlock()

		notify := func(method string, params map[string]any) {
			if err := h.srv.Notify(method, params); err != nil {
				h.t.Errorf("notify %s: %v", method, err)
			}
		}
		notify("turn/started", map[string]any{"threadId": p.ThreadID, "turn": map[string]any{"id": turnID, "status": "inProgress"}})
		half := len(text) / 2
		for _, delta := range []string{text[:half], text[half:]} {
			notify("item/agentMessage/delta", map[string]any{"threadId": p.ThreadID, "turnId": turnID, "itemId": "m1", "delta": delta})
		}
		notify("item/completed", map[string]any{
			"threadId": p.ThreadID, "turnId": turnID,
			"item": map[string]any{"type": "agentMessage", "id": "m1", "text": text},
		})
		notify("thread/tokenUsage/updated", map[string]any{
			"threadId": p.ThreadID, "turnId": turnID,
			"tokenUsage": map[string]any{"total": map[string]any{"totalTokens": 42}},
		})
		turn := map[string]any{"id": turnID, "status": status}
		if status == "failed" {
			turn["error"] = map[string]any{"message": "model overloaded"}
		}
		notify("turn/completed", map[string]any{"threadId": p.ThreadID, "turn": turn})

		return map[string]any{"turn": map[string]any{"id": turnID, "status": "inProgress"}}, nil
	})
}

// callParams decodes the params of the i-th recorded call to method.
func callParams(t *testing.T, srv *codextest.Server, method string, i int) map[string]any {
	t.Helper()
	if err := srv.WaitForCalls(method, i+1, waitTimeout); err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(srv.Calls(method)[i].Params, &out); err != nil {
		t.Fatal(err)
	}
	return out
}
