package bridge

import (
	"context"
	"encoding/json"
	"time"
)

// handleHealth brings the runtime up if needed and reports on it.
func (s *Server) handleHealth(ctx context.Context, _ json.RawMessage) (any, error) {
	settings := s.state.Settings()
	rt, err := s.sup.Ensure(ctx, settings.CodexBin)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":        true,
		"sessionId": s.sessionID,
		"version":   s.version,
		"uptimeMs":  time.Since(s.startedAt).Milliseconds(),
		"runtime":   rt.Info(),
		"threads":   s.state.Threads(),
		"config":    settings.ToMap(),
		"metrics":   s.metrics.Snapshot(),
	}, nil
}

func (s *Server) handleConfigGet(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"config": s.state.Settings().ToMap()}, nil
}

// handleConfigSet merges either {"config":{...}} or the flat params object
// into the current settings. A binary change takes effect on the next call
// that needs the runtime.
func (s *Server) handleConfigSet(_ context.Context, params json.RawMessage) (any, error) {
	var patch map[string]any
	if err := decodeParams(params, &patch); err != nil {
		return nil, err
	}
	if nested, ok := patch["config"].(map[string]any); ok {
		patch = nested
	}
	next := s.state.MergeSettings(patch)
	s.log.Info("config updated", "config", next.ToMap())
	return map[string]any{"config": next.ToMap()}, nil
}

// handleShutdown tears the runtime down. Serve returns once the response
// has been written.
func (s *Server) handleShutdown(ctx context.Context, _ json.RawMessage) (any, error) {
	teardown, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownGrace)
	defer cancel()
	s.sup.Shutdown(teardown)
	return map[string]any{"ok": true}, nil
}
