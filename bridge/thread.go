package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zhubert/codex-bridge/codex"
	"github.com/zhubert/codex-bridge/config"
)

type threadOpenParams struct {
	ThreadID      string `json:"threadId"`
	Workspace     string `json:"workspace"`
	Cwd           string `json:"cwd"`
	CodexThreadID string `json:"codexThreadId"`
}

type threadResult struct {
	ThreadID      string `json:"threadId"`
	CodexThreadID string `json:"codexThreadId"`
	Workspace     string `json:"workspace"`
}

func (s *Server) handleThreadOpen(ctx context.Context, params json.RawMessage) (any, error) {
	var p threadOpenParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(p.ThreadID)
	if id != "" {
		if t, ok := s.state.Thread(id); ok && t.CodexThreadID != "" {
			return resultOf(t), nil
		}
	} else {
		id = s.state.NewThreadID()
	}

	workspace, err := resolveWorkspace(firstNonEmpty(p.Workspace, p.Cwd))
	if err != nil {
		return nil, err
	}
	if existing, ok := s.state.Thread(id); ok && p.Workspace == "" && p.Cwd == "" {
		workspace = existing.Workspace
	}
	if err := s.state.PutThread(ThreadState{ID: id, CodexThreadID: strings.TrimSpace(p.CodexThreadID), Workspace: workspace}); err != nil {
		return nil, invalidf("%v", err)
	}

	t, _, err := s.ensureCodexThread(ctx, id)
	if err != nil {
		return nil, err
	}
	return resultOf(t), nil
}

type threadCloseParams struct {
	ThreadID string `json:"threadId"`
}

func (s *Server) handleThreadClose(_ context.Context, params json.RawMessage) (any, error) {
	var p threadCloseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ThreadID) == "" {
		return nil, invalidf("threadId is required")
	}
	closed := s.state.DeleteThread(p.ThreadID)
	return map[string]any{"threadId": p.ThreadID, "closed": closed}, nil
}

// ensureCodexThread makes sure the thread has a codex thread that is live on
// the current runtime: a fresh thread/start when it has none, thread/resume
// when it was opened on an earlier runtime. Concurrent callers for the same
// thread share one call. The runtime the thread is live on is returned with
// it.
func (s *Server) ensureCodexThread(ctx context.Context, threadID string) (ThreadState, *codex.Runtime, error) {
	type opened struct {
		thread ThreadState
		rt     *codex.Runtime
	}
	v, err, _ := s.opening.Do(threadID, func() (any, error) {
		t, ok := s.state.Thread(threadID)
		if !ok {
			return nil, fmt.Errorf("unknown thread: %s", threadID)
		}

		settings := s.state.Settings()
		rt, err := s.sup.Ensure(ctx, settings.CodexBin)
		if err != nil {
			return nil, err
		}
		if t.CodexThreadID != "" && t.Generation == rt.Generation() {
			return opened{t, rt}, nil
		}

		method := codex.MethodThreadStart
		callParams := threadStartParams(settings, t.Workspace)
		if t.CodexThreadID != "" {
			method = codex.MethodThreadResume
			callParams["threadId"] = t.CodexThreadID
		}

		raw, err := rt.Call(ctx, method, callParams, s.threadOpenTimeout)
		if err != nil {
			return nil, err
		}
		codexID, err := threadIDFrom(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}

		t.CodexThreadID = codexID
		t.Generation = rt.Generation()
		if _, still := s.state.Thread(threadID); !still {
			return nil, fmt.Errorf("thread %s was closed while opening", threadID)
		}
		if err := s.state.PutThread(t); err != nil {
			return nil, err
		}
		s.log.Info("codex thread ready", "threadId", threadID, "codexThreadId", codexID, "method", method)
		return opened{t, rt}, nil
	})
	if err != nil {
		return ThreadState{}, nil, err
	}
	o := v.(opened)
	return o.thread, o.rt, nil
}

// threadStartParams derives thread/start and thread/resume parameters from
// the settings. Runtime-default values are omitted.
func threadStartParams(settings config.Settings, workspace string) map[string]any {
	params := map[string]any{
		"cwd":            workspace,
		"approvalPolicy": settings.ApprovalPolicy,
		"sandbox":        settings.SandboxMode,
	}
	if !config.IsDefault(settings.Model) {
		params["model"] = settings.Model
	}
	overrides := map[string]any{}
	if !config.IsDefault(settings.ReasoningEffort) {
		overrides["model_reasoning_effort"] = settings.ReasoningEffort
	}
	if !config.IsDefault(settings.WebSearch) {
		overrides["web_search"] = settings.WebSearch
	}
	if settings.Profile != "" {
		overrides["profile"] = settings.Profile
	}
	if len(overrides) > 0 {
		params["config"] = overrides
	}
	return params
}

func threadIDFrom(raw json.RawMessage) (string, error) {
	var res struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("unexpected response: %w", err)
	}
	id := firstNonEmpty(res.Thread.ID, res.ThreadID)
	if id == "" {
		return "", errors.New("codex did not return a thread id")
	}
	return id, nil
}

// resolveWorkspace defaults to the bridge's working directory.
func resolveWorkspace(workspace string) (string, error) {
	if w := strings.TrimSpace(workspace); w != "" {
		return w, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to determine workspace: %w", err)
	}
	return wd, nil
}

func resultOf(t ThreadState) threadResult {
	return threadResult{ThreadID: t.ID, CodexThreadID: t.CodexThreadID, Workspace: t.Workspace}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
