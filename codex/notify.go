package codex

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// ThreadLookup maps an app-server thread id to the caller's thread id, or ""
// when the thread is unknown.
type ThreadLookup func(codexThreadID string) string

// translator turns app-server notifications into caller events and keeps the
// turn tracker current. It owns the per-item agent text buffers.
type translator struct {
	turns  *TurnTracker
	emit   EventSink
	lookup ThreadLookup
	log    *slog.Logger

	mu      sync.Mutex
	buffers map[string]*strings.Builder
}

func newTranslator(turns *TurnTracker, emit EventSink, lookup ThreadLookup, log *slog.Logger) *translator {
	if emit == nil {
		emit = func(Event) {}
	}
	return &translator{
		turns:   turns,
		emit:    emit,
		lookup:  lookup,
		log:     log,
		buffers: make(map[string]*strings.Builder),
	}
}

type turnRef struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type turnParams struct {
	ThreadID string  `json:"threadId"`
	Turn     turnRef `json:"turn"`
}

type itemParams struct {
	ThreadID string          `json:"threadId"`
	TurnID   string          `json:"turnId"`
	Item     json.RawMessage `json:"item"`
}

type deltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

type errorParams struct {
	ThreadID  string          `json:"threadId"`
	TurnID    string          `json:"turnId"`
	WillRetry bool            `json:"willRetry"`
	Error     json.RawMessage `json:"error"`
}

// message reads the error member as either {"message":...} or a bare string.
func (p errorParams) message() string {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(p.Error, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}

type tokenUsageParams struct {
	ThreadID   string          `json:"threadId"`
	TurnID     string          `json:"turnId"`
	TokenUsage json.RawMessage `json:"tokenUsage"`
}

// handle processes one notification. Unknown methods are ignored.
func (t *translator) handle(n Notification) {
	switch n.Method {
	case NotifyThreadStarted:
		var p struct {
			Thread struct {
				ID string `json:"id"`
			} `json:"thread"`
		}
		if !t.decode(n, &p) {
			return
		}
		t.send(Event{Type: EventThreadStarted, ThreadID: p.Thread.ID})

	case NotifyTurnStarted:
		var p turnParams
		if !t.decode(n, &p) {
			return
		}
		if _, err := t.turns.Ensure(p.Turn.ID); err != nil {
			t.log.Warn("turn started without id", "threadId", p.ThreadID)
		}
		t.send(Event{Type: EventTurnStarted, ThreadID: p.ThreadID, TurnID: p.Turn.ID})

	case NotifyTurnCompleted:
		var p turnParams
		if !t.decode(n, &p) {
			return
		}
		t.turnCompleted(p)

	case NotifyItemStarted, NotifyItemCompleted:
		var p itemParams
		if !t.decode(n, &p) {
			return
		}
		t.itemLifecycle(n.Method, p)

	case NotifyAgentMessageDelta:
		var p deltaParams
		if !t.decode(n, &p) {
			return
		}
		text := t.appendDelta(p.ItemID, p.Delta)
		t.send(Event{
			Type:     EventItemUpdated,
			ThreadID: p.ThreadID,
			TurnID:   p.TurnID,
			Item:     AgentMessageItem{ID: p.ItemID, Text: text}.Legacy(),
		})

	case NotifyError:
		var p errorParams
		if !t.decode(n, &p) {
			return
		}
		msg := p.message()
		if msg == "" {
			msg = "codex reported an error"
		}
		t.send(Event{Type: EventTurnFailed, ThreadID: p.ThreadID, TurnID: p.TurnID, Error: &EventErrorDetail{Message: msg}})
		if p.TurnID != "" && !p.WillRetry {
			_ = t.turns.Complete(p.TurnID, TurnPatch{Status: ptr(TurnFailed), Error: ptr(msg)})
		}

	case NotifyTokenUsage:
		var p tokenUsageParams
		if !t.decode(n, &p) {
			return
		}
		if p.TurnID != "" && len(p.TokenUsage) > 0 {
			_ = t.turns.Update(p.TurnID, TurnPatch{Usage: p.TokenUsage})
		}

	default:
		t.log.Debug("ignoring notification", "method", n.Method)
	}
}

func (t *translator) turnCompleted(p turnParams) {
	switch p.Turn.Status {
	case "failed", "interrupted":
		msg := "turn " + p.Turn.Status
		if p.Turn.Error != nil && p.Turn.Error.Message != "" {
			msg = p.Turn.Error.Message
		}
		t.send(Event{Type: EventTurnFailed, ThreadID: p.ThreadID, TurnID: p.Turn.ID, Error: &EventErrorDetail{Message: msg}})
		if err := t.turns.Complete(p.Turn.ID, TurnPatch{Status: ptr(TurnFailed), Error: ptr(msg)}); err != nil {
			t.log.Warn("turn completed without id", "threadId", p.ThreadID)
		}
	default:
		if err := t.turns.Complete(p.Turn.ID, TurnPatch{Status: ptr(TurnCompleted)}); err != nil {
			t.log.Warn("turn completed without id", "threadId", p.ThreadID)
		}
		ev := Event{Type: EventTurnCompleted, ThreadID: p.ThreadID, TurnID: p.Turn.ID}
		if snap, ok := t.turns.Snapshot(p.Turn.ID); ok {
			ev.Usage = snap.Usage
		}
		t.send(ev)
	}
}

func (t *translator) itemLifecycle(method string, p itemParams) {
	item, err := decodeItem(p.Item)
	if err != nil {
		t.log.Warn("dropping undecodable item", "method", method, "error", err)
		return
	}

	if msg, ok := item.(AgentMessageItem); ok {
		text := msg.Text
		if text == "" {
			text = t.bufferText(msg.ID)
		}
		if method == NotifyItemCompleted {
			t.dropBuffer(msg.ID)
		}
		msg.Text = text
		item = msg
		if p.TurnID != "" && text != "" {
			_ = t.turns.Update(p.TurnID, TurnPatch{FinalResponse: &text})
		}
	}

	typ := EventItemStarted
	if method == NotifyItemCompleted {
		typ = EventItemCompleted
	}
	t.send(Event{Type: typ, ThreadID: p.ThreadID, TurnID: p.TurnID, Item: item.Legacy()})
}

func (t *translator) appendDelta(itemID, delta string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buffers[itemID]
	if !ok {
		b = &strings.Builder{}
		t.buffers[itemID] = b
	}
	b.WriteString(delta)
	return b.String()
}

func (t *translator) bufferText(itemID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buffers[itemID]; ok {
		return b.String()
	}
	return ""
}

func (t *translator) dropBuffer(itemID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buffers, itemID)
}

// reset discards all buffered agent text.
func (t *translator) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffers = make(map[string]*strings.Builder)
}

func (t *translator) decode(n Notification, v any) bool {
	if len(n.Params) == 0 {
		return true
	}
	if err := json.Unmarshal(n.Params, v); err != nil {
		t.log.Warn("malformed notification params", "method", n.Method, "error", err)
		return false
	}
	return true
}

func (t *translator) send(ev Event) {
	if ev.ThreadID != "" && t.lookup != nil {
		ev.BridgeThreadID = t.lookup(ev.ThreadID)
	}
	t.emit(ev)
}
