package codex

import "encoding/json"

// Caller-facing event types.
const (
	EventThreadStarted = "thread.started"
	EventTurnStarted   = "turn.started"
	EventTurnCompleted = "turn.completed"
	EventTurnFailed    = "turn.failed"
	EventItemStarted   = "item.started"
	EventItemUpdated   = "item.updated"
	EventItemCompleted = "item.completed"
	EventError         = "error"
	EventRuntimeExited = "runtime.exited"
)

// Event is an asynchronous notice for the caller.
type Event struct {
	Type           string            `json:"type"`
	ThreadID       string            `json:"thread_id,omitempty"`
	BridgeThreadID string            `json:"bridge_thread_id,omitempty"`
	TurnID         string            `json:"turn_id,omitempty"`
	Item           map[string]any    `json:"item,omitempty"`
	Usage          json.RawMessage   `json:"usage,omitempty"`
	Error          *EventErrorDetail `json:"error,omitempty"`
	Message        string            `json:"message,omitempty"`
}

// EventErrorDetail describes a failure inside an event.
type EventErrorDetail struct {
	Message string `json:"message"`
}

// EventSink receives events. It must not block for long: it runs on the
// goroutine that reads the app-server's stdout.
type EventSink func(Event)
