package codex

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func newTestTranslator(lookup ThreadLookup) (*translator, *TurnTracker, *eventLog) {
	turns := NewTurnTracker()
	events := &eventLog{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newTranslator(turns, events.sink, lookup, log), turns, events
}

func notification(t *testing.T, method string, params any) Notification {
	t.Helper()
	data, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	return Notification{Method: method, Params: data}
}

func TestTranslator_DeltaIsCumulative(t *testing.T) {
	tr, _, events := newTestTranslator(nil)
	for _, d := range []string{"Hel", "lo"} {
		tr.handle(notification(t, NotifyAgentMessageDelta, map[string]any{
			"threadId": "th", "turnId": "t1", "itemId": "m1", "delta": d,
		}))
	}

	got := events.all()
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	for i, want := range []string{"Hel", "Hello"} {
		if got[i].Type != EventItemUpdated {
			t.Errorf("event %d type = %s", i, got[i].Type)
		}
		if got[i].Item["text"] != want || got[i].Item["id"] != "m1" || got[i].Item["type"] != "agent_message" {
			t.Errorf("event %d item = %v, want text %q", i, got[i].Item, want)
		}
	}
}

func TestTranslator_AgentMessageMirrorsIntoTracker(t *testing.T) {
	tr, turns, events := newTestTranslator(nil)
	tr.handle(notification(t, NotifyTurnStarted, map[string]any{"threadId": "th", "turn": map[string]any{"id": "t1"}}))
	tr.handle(notification(t, NotifyAgentMessageDelta, map[string]any{"turnId": "t1", "itemId": "m1", "delta": "buffered"}))
	// Completed item without text falls back to the buffer.
	tr.handle(notification(t, NotifyItemCompleted, map[string]any{
		"threadId": "th", "turnId": "t1", "item": map[string]any{"type": "agentMessage", "id": "m1", "text": ""},
	}))

	snap, ok := turns.Snapshot("t1")
	if !ok || snap.FinalResponse != "buffered" {
		t.Errorf("snapshot = %+v", snap)
	}
	if tr.bufferText("m1") != "" {
		t.Error("buffer should be dropped on completion")
	}

	last := events.all()[len(events.all())-1]
	if last.Type != EventItemCompleted || last.Item["text"] != "buffered" {
		t.Errorf("last event = %+v", last)
	}
}

func TestTranslator_TurnCompleted(t *testing.T) {
	tr, turns, events := newTestTranslator(nil)
	tr.handle(notification(t, NotifyTokenUsage, map[string]any{"threadId": "th", "turnId": "t1", "tokenUsage": map[string]any{"total": map[string]any{"totalTokens": 9}}}))
	tr.handle(notification(t, NotifyTurnCompleted, map[string]any{"threadId": "th", "turn": map[string]any{"id": "t1", "status": "completed"}}))

	snap, _ := turns.Snapshot("t1")
	if !snap.Completed || snap.Status != TurnCompleted {
		t.Errorf("snapshot = %+v", snap)
	}
	got := events.all()
	if len(got) != 1 || got[0].Type != EventTurnCompleted {
		t.Fatalf("events = %+v", got)
	}
	if string(got[0].Usage) != `{"total":{"totalTokens":9}}` {
		t.Errorf("usage = %s", got[0].Usage)
	}
}

func TestTranslator_TurnFailedStatuses(t *testing.T) {
	for _, status := range []string{"failed", "interrupted"} {
		t.Run(status, func(t *testing.T) {
			tr, turns, events := newTestTranslator(nil)
			params := map[string]any{"threadId": "th", "turn": map[string]any{"id": "t1", "status": status}}
			if status == "failed" {
				params["turn"].(map[string]any)["error"] = map[string]any{"message": "quota exceeded"}
			}
			tr.handle(notification(t, NotifyTurnCompleted, params))

			snap, _ := turns.Snapshot("t1")
			if snap.Status != TurnFailed || !snap.Completed {
				t.Errorf("snapshot = %+v", snap)
			}
			got := events.all()
			if len(got) != 1 || got[0].Type != EventTurnFailed || got[0].Error == nil {
				t.Fatalf("events = %+v", got)
			}
			if status == "failed" && got[0].Error.Message != "quota exceeded" {
				t.Errorf("message = %q", got[0].Error.Message)
			}
			if status == "interrupted" && got[0].Error.Message != "turn interrupted" {
				t.Errorf("message = %q", got[0].Error.Message)
			}
		})
	}
}

func TestTranslator_ErrorNotification(t *testing.T) {
	tr, turns, events := newTestTranslator(nil)

	tr.handle(notification(t, NotifyError, map[string]any{"turnId": "retry", "willRetry": true, "error": map[string]any{"message": "stream dropped"}}))
	tr.handle(notification(t, NotifyError, map[string]any{"turnId": "fatal", "willRetry": false, "error": map[string]any{"message": "bad request"}}))
	tr.handle(notification(t, NotifyError, map[string]any{"error": map[string]any{"message": "no turn"}}))

	if len(events.all()) != 3 {
		t.Fatalf("events = %d, want 3", len(events.all()))
	}
	for _, ev := range events.all() {
		if ev.Type != EventTurnFailed {
			t.Errorf("type = %s", ev.Type)
		}
	}
	if snap, ok := turns.Snapshot("retry"); ok && snap.Completed {
		t.Error("retryable error must not complete the turn")
	}
	snap, _ := turns.Snapshot("fatal")
	if !snap.Completed || snap.Status != TurnFailed || snap.Error != "bad request" {
		t.Errorf("fatal snapshot = %+v", snap)
	}
}

func TestTranslator_ErrorNotificationShapes(t *testing.T) {
	tests := []struct {
		name    string
		err     any
		wantMsg string
	}{
		{name: "object", err: map[string]any{"message": "quota exceeded"}, wantMsg: "quota exceeded"},
		{name: "bare string", err: "quota exceeded", wantMsg: "quota exceeded"},
		{name: "missing", err: nil, wantMsg: "codex reported an error"},
		{name: "unrecognized", err: 42, wantMsg: "codex reported an error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, turns, events := newTestTranslator(nil)
			tr.handle(notification(t, NotifyError, map[string]any{"turnId": "t1", "error": tt.err}))

			got := events.all()
			if len(got) != 1 || got[0].Type != EventTurnFailed {
				t.Fatalf("events = %+v, want one turn.failed", got)
			}
			if got[0].Error == nil || got[0].Error.Message != tt.wantMsg {
				t.Errorf("error = %+v, want %q", got[0].Error, tt.wantMsg)
			}
			snap, _ := turns.Snapshot("t1")
			if !snap.Completed || snap.Error != tt.wantMsg {
				t.Errorf("snapshot = %+v", snap)
			}
		})
	}
}

func TestTranslator_ItemStartedLegacyShape(t *testing.T) {
	tr, _, events := newTestTranslator(nil)
	tr.handle(notification(t, NotifyItemStarted, map[string]any{
		"threadId": "th", "turnId": "t1",
		"item": map[string]any{"type": "commandExecution", "id": "c1", "command": "go test", "status": "inProgress"},
	}))
	got := events.all()
	if len(got) != 1 || got[0].Type != EventItemStarted {
		t.Fatalf("events = %+v", got)
	}
	if got[0].Item["type"] != "command_execution" || got[0].Item["status"] != "in_progress" {
		t.Errorf("item = %v", got[0].Item)
	}
}

func TestTranslator_UnknownMethodIgnored(t *testing.T) {
	tr, _, events := newTestTranslator(nil)
	tr.handle(notification(t, "account/rateLimits/updated", map[string]any{"x": 1}))
	tr.handle(Notification{Method: NotifyTurnStarted, Params: json.RawMessage(`"not an object"`)})
	if n := len(events.all()); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestTranslator_BridgeThreadLookup(t *testing.T) {
	lookup := func(id string) string {
		if id == "codex-th" {
			return "thread-1"
		}
		return ""
	}
	tr, _, events := newTestTranslator(lookup)
	tr.handle(notification(t, NotifyThreadStarted, map[string]any{"thread": map[string]any{"id": "codex-th"}}))
	tr.handle(notification(t, NotifyThreadStarted, map[string]any{"thread": map[string]any{"id": "other"}}))

	got := events.all()
	if got[0].ThreadID != "codex-th" || got[0].BridgeThreadID != "thread-1" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].BridgeThreadID != "" {
		t.Errorf("second = %+v", got[1])
	}
}
