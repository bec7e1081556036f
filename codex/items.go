package codex

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Item is one unit of turn output as reported by the app-server. Legacy
// renders it in the flat shape the caller consumes.
type Item interface {
	ItemID() string
	Legacy() map[string]any
}

// AgentMessageItem is assistant text.
type AgentMessageItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// CommandExecutionItem is a shell command run by the agent.
type CommandExecutionItem struct {
	ID               string `json:"id"`
	Command          string `json:"command"`
	Cwd              string `json:"cwd"`
	Status           string `json:"status"`
	AggregatedOutput string `json:"aggregatedOutput"`
	ExitCode         *int   `json:"exitCode"`
	DurationMs       *int64 `json:"durationMs"`
}

// MCPToolCallItem is a call into an MCP server tool.
type MCPToolCallItem struct {
	ID        string          `json:"id"`
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Status    string          `json:"status"`
	Arguments json.RawMessage `json:"arguments"`
	Result    json.RawMessage `json:"result"`
	Error     json.RawMessage `json:"error"`
}

// FileChange is one path touched by a FileChangeItem.
type FileChange struct {
	Path string          `json:"path"`
	Kind json.RawMessage `json:"kind"`
	Diff string          `json:"diff"`
}

// FileChangeItem is a patch applied by the agent.
type FileChangeItem struct {
	ID      string       `json:"id"`
	Status  string       `json:"status"`
	Changes []FileChange `json:"changes"`
}

// ReasoningItem carries reasoning summaries.
type ReasoningItem struct {
	ID      string   `json:"id"`
	Summary []string `json:"summary"`
	Content []string `json:"content"`
}

// PlanItem is the agent's plan, one step per line.
type PlanItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// WebSearchItem is a web search query.
type WebSearchItem struct {
	ID    string `json:"id"`
	Query string `json:"query"`
}

// UnknownItem preserves an item type the bridge does not model.
type UnknownItem struct {
	ID   string
	Type string
	Raw  map[string]any
}

func (i AgentMessageItem) ItemID() string     { return i.ID }
func (i CommandExecutionItem) ItemID() string { return i.ID }
func (i MCPToolCallItem) ItemID() string      { return i.ID }
func (i FileChangeItem) ItemID() string       { return i.ID }
func (i ReasoningItem) ItemID() string        { return i.ID }
func (i PlanItem) ItemID() string             { return i.ID }
func (i WebSearchItem) ItemID() string        { return i.ID }
func (i UnknownItem) ItemID() string          { return i.ID }

// decodeItem parses an app-server item by its "type" discriminator.
func decodeItem(raw json.RawMessage) (Item, error) {
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}

	var (
		item Item
		err  error
	)
	switch head.Type {
	case "agentMessage":
		var v AgentMessageItem
		err = json.Unmarshal(raw, &v)
		item = v
	case "commandExecution":
		var v CommandExecutionItem
		err = json.Unmarshal(raw, &v)
		item = v
	case "mcpToolCall":
		var v MCPToolCallItem
		err = json.Unmarshal(raw, &v)
		item = v
	case "fileChange":
		var v FileChangeItem
		err = json.Unmarshal(raw, &v)
		item = v
	case "reasoning":
		var v ReasoningItem
		err = json.Unmarshal(raw, &v)
		item = v
	case "plan":
		var v PlanItem
		err = json.Unmarshal(raw, &v)
		item = v
	case "webSearch":
		var v WebSearchItem
		err = json.Unmarshal(raw, &v)
		item = v
	default:
		var fields map[string]any
		err = json.Unmarshal(raw, &fields)
		item = UnknownItem{ID: head.ID, Type: head.Type, Raw: fields}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s item: %w", head.Type, err)
	}
	return item, nil
}

func (i AgentMessageItem) Legacy() map[string]any {
	return map[string]any{"id": i.ID, "type": "agent_message", "text": i.Text}
}

func (i CommandExecutionItem) Legacy() map[string]any {
	out := map[string]any{
		"id":                i.ID,
		"type":              "command_execution",
		"command":           i.Command,
		"aggregated_output": i.AggregatedOutput,
		"status":            snakeCase(i.Status),
	}
	if i.ExitCode != nil {
		out["exit_code"] = *i.ExitCode
	}
	if i.Cwd != "" {
		out["cwd"] = i.Cwd
	}
	if i.DurationMs != nil {
		out["duration_ms"] = *i.DurationMs
	}
	return out
}

func (i MCPToolCallItem) Legacy() map[string]any {
	out := map[string]any{
		"id":     i.ID,
		"type":   "mcp_tool_call",
		"server": i.Server,
		"tool":   i.Tool,
		"status": snakeCase(i.Status),
	}
	for key, raw := range map[string]json.RawMessage{"arguments": i.Arguments, "result": i.Result, "error": i.Error} {
		if !isNull(raw) {
			out[key] = raw
		}
	}
	return out
}

func (i FileChangeItem) Legacy() map[string]any {
	changes := make([]map[string]any, 0, len(i.Changes))
	for _, c := range i.Changes {
		changes = append(changes, map[string]any{"path": c.Path, "kind": changeKind(c.Kind)})
	}
	return map[string]any{
		"id":      i.ID,
		"type":    "file_change",
		"changes": changes,
		"status":  snakeCase(i.Status),
	}
}

// changeKind accepts either "add" or {"type":"add", ...}.
func changeKind(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Type
	}
	return ""
}

func (i ReasoningItem) Legacy() map[string]any {
	parts := i.Summary
	if len(parts) == 0 {
		parts = i.Content
	}
	return map[string]any{"id": i.ID, "type": "reasoning", "text": strings.Join(parts, "\n")}
}

func (i PlanItem) Legacy() map[string]any {
	return map[string]any{"id": i.ID, "type": "todo_list", "items": planSteps(i.Text)}
}

// planSteps turns markdown-ish plan text into todo entries. A "[x]" marker
// means the step is done.
func planSteps(text string) []map[string]any {
	steps := []map[string]any{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		done := false
		switch {
		case strings.HasPrefix(line, "[x]"), strings.HasPrefix(line, "[X]"):
			done = true
			line = strings.TrimSpace(line[3:])
		case strings.HasPrefix(line, "[ ]"):
			line = strings.TrimSpace(line[3:])
		}
		if line == "" {
			continue
		}
		steps = append(steps, map[string]any{"text": line, "completed": done})
	}
	return steps
}

func (i WebSearchItem) Legacy() map[string]any {
	return map[string]any{"id": i.ID, "type": "web_search", "query": i.Query}
}

func (i UnknownItem) Legacy() map[string]any {
	out := make(map[string]any, len(i.Raw))
	for k, v := range i.Raw {
		out[k] = v
	}
	return out
}

// snakeCase converts "inProgress" to "in_progress".
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
