package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zhubert/codex-bridge/codex"
	"github.com/zhubert/codex-bridge/config"
)

type turnRunParams struct {
	ThreadID     string            `json:"threadId"`
	Workspace    string            `json:"workspace"`
	Cwd          string            `json:"cwd"`
	Prompt       string            `json:"prompt"`
	Input        json.RawMessage   `json:"input"`
	InputItems   []json.RawMessage `json:"inputItems"`
	OutputSchema json.RawMessage   `json:"outputSchema"`
	TimeoutMs    int64             `json:"timeoutMs"`
}

// inputItem is the union of caller content item shapes.
type inputItem struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Path     string `json:"path"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	ImageURL string `json:"imageUrl"`
}

func (s *Server) handleTurnRun(ctx context.Context, params json.RawMessage) (any, error) {
	var p turnRunParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	schema, err := validateOutputSchema(p.OutputSchema)
	if err != nil {
		return nil, err
	}
	input, err := normalizeInput(p)
	if err != nil {
		return nil, err
	}

	threadID := strings.TrimSpace(p.ThreadID)
	if _, known := s.state.Thread(threadID); !known {
		if threadID == "" {
			threadID = s.state.NewThreadID()
		}
		workspace, err := resolveWorkspace(firstNonEmpty(p.Workspace, p.Cwd))
		if err != nil {
			return nil, err
		}
		if err := s.state.PutThread(ThreadState{ID: threadID, Workspace: workspace}); err != nil {
			return nil, invalidf("%v", err)
		}
	}

	t, rt, err := s.ensureCodexThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	settings := s.state.Settings()

	raw, err := rt.Call(ctx, codex.MethodTurnStart, turnStartParams(settings, t, input, schema), s.callTimeout)
	if err != nil {
		return nil, err
	}
	turnID, err := turnIDFrom(raw)
	if err != nil {
		return nil, err
	}

	timeout := s.turnTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	snap, err := rt.AwaitTurn(ctx, turnID, timeout)
	rt.Turns().Forget(turnID)
	if err != nil {
		return nil, fmt.Errorf("turn %s: %w", turnID, err)
	}
	if snap.Status == codex.TurnFailed || snap.Status == codex.TurnDeclined {
		msg := snap.Error
		if msg == "" {
			msg = "turn " + snap.Status
		}
		return nil, errors.New(msg)
	}

	result := map[string]any{
		"threadId":      t.ID,
		"codexThreadId": t.CodexThreadID,
		"turnId":        turnID,
		"status":        snap.Status,
		"finalResponse": snap.FinalResponse,
	}
	if len(snap.Usage) > 0 {
		result["usage"] = snap.Usage
	}
	return result, nil
}

// validateOutputSchema requires a JSON object that compiles as a schema.
// Absent or null means no schema.
func validateOutputSchema(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, invalidf("outputSchema must be a JSON object")
	}
	if _, err := jsonschema.CompileString("outputSchema.json", string(trimmed)); err != nil {
		return nil, invalidf("invalid outputSchema: %v", err)
	}
	return json.RawMessage(trimmed), nil
}

// normalizeInput converts caller content into codex user input. Items codex
// has no native form for become text markers. An empty result becomes one
// empty text item.
func normalizeInput(p turnRunParams) ([]map[string]any, error) {
	var raws []json.RawMessage
	if prompt := p.Prompt; prompt != "" {
		raws = append(raws, mustJSON(map[string]any{"type": "text", "text": prompt}))
	}

	trimmed := bytes.TrimSpace(p.Input)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
	case trimmed[0] == '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil, invalidf("invalid input: %v", err)
		}
		raws = append(raws, mustJSON(map[string]any{"type": "text", "text": text}))
	case trimmed[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, invalidf("invalid input: %v", err)
		}
		raws = append(raws, items...)
	default:
		return nil, invalidf("input must be a string or an array of items")
	}
	raws = append(raws, p.InputItems...)

	out := make([]map[string]any, 0, len(raws))
	for _, raw := range raws {
		var it inputItem
		if err := json.Unmarshal(raw, &it); err != nil {
			continue
		}
		if converted, ok := convertItem(it); ok {
			out = append(out, converted)
		}
	}
	if len(out) == 0 {
		out = append(out, textItem(""))
	}
	return out, nil
}

func convertItem(it inputItem) (map[string]any, bool) {
	switch strings.ToLower(it.Type) {
	case "text", "input_text", "inputtext":
		return textItem(it.Text), true
	case "localimage", "local_image":
		if it.Path == "" {
			return nil, false
		}
		return map[string]any{"type": "localImage", "path": it.Path}, true
	case "mention", "file":
		if it.Path == "" {
			return nil, false
		}
		return textItem("@" + it.Path), true
	case "skill":
		if it.Name == "" {
			return nil, false
		}
		return textItem("$" + it.Name), true
	case "image", "remoteimage", "remote_image":
		url := firstNonEmpty(it.URL, it.ImageURL)
		if url == "" {
			return nil, false
		}
		return textItem("Image URL: " + url), true
	default:
		return nil, false
	}
}

func textItem(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

// turnStartParams builds the turn/start call for thread t.
func turnStartParams(settings config.Settings, t ThreadState, input []map[string]any, schema json.RawMessage) map[string]any {
	params := map[string]any{
		"threadId":       t.CodexThreadID,
		"input":          input,
		"cwd":            t.Workspace,
		"approvalPolicy": settings.ApprovalPolicy,
		"sandboxPolicy":  sandboxPolicy(settings.SandboxMode, t.Workspace),
	}
	if !config.IsDefault(settings.Model) {
		params["model"] = settings.Model
	}
	if !config.IsDefault(settings.ReasoningEffort) {
		params["effort"] = settings.ReasoningEffort
	}
	if len(schema) > 0 {
		params["outputSchema"] = schema
	}
	return params
}

// sandboxPolicy expresses a sandbox mode as the tagged policy turn/start
// expects.
func sandboxPolicy(mode, workspace string) map[string]any {
	switch mode {
	case "read-only":
		return map[string]any{"type": "readOnly"}
	case "danger-full-access":
		return map[string]any{"type": "dangerFullAccess"}
	default:
		return map[string]any{
			"type":          "workspaceWrite",
			"writableRoots": []string{workspace},
			"networkAccess": false,
		}
	}
}

func turnIDFrom(raw json.RawMessage) (string, error) {
	var res struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
		TurnID string `json:"turnId"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("turn/start: unexpected response: %w", err)
	}
	id := firstNonEmpty(res.Turn.ID, res.TurnID)
	if id == "" {
		return "", errors.New("turn/start: codex did not return a turn id")
	}
	return id, nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
