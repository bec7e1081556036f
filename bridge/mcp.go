package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/zhubert/codex-bridge/codex"
)

// MCPServer is one MCP server as reported to the caller.
type MCPServer struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Connected  bool     `json:"connected"`
	AuthStatus string   `json:"authStatus,omitempty"`
	Tools      []string `json:"tools"`
}

type mcpStatusPage struct {
	Data []struct {
		Name       string          `json:"name"`
		AuthStatus string          `json:"authStatus"`
		Tools      json.RawMessage `json:"tools"`
	} `json:"data"`
	NextCursor *string `json:"nextCursor"`
}

func (s *Server) handleMCPList(ctx context.Context, _ json.RawMessage) (any, error) {
	servers, elapsed, err := s.listMCPServers(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"servers": servers, "elapsedMs": elapsed.Milliseconds()}, nil
}

// handleMCPWarmup forces codex to start its MCP servers by listing them.
func (s *Server) handleMCPWarmup(ctx context.Context, _ json.RawMessage) (any, error) {
	servers, elapsed, err := s.listMCPServers(ctx)
	if err != nil {
		return nil, err
	}
	connected := 0
	for _, srv := range servers {
		if srv.Connected {
			connected++
		}
	}
	return map[string]any{
		"ok":        true,
		"servers":   servers,
		"total":     len(servers),
		"connected": connected,
		"elapsedMs": elapsed.Milliseconds(),
	}, nil
}

// listMCPServers pages through mcpServerStatus/list until codex stops
// returning a cursor.
func (s *Server) listMCPServers(ctx context.Context) ([]MCPServer, time.Duration, error) {
	start := time.Now()
	rt, err := s.sup.Ensure(ctx, s.state.Settings().CodexBin)
	if err != nil {
		return nil, 0, err
	}

	var (
		servers []MCPServer
		cursor  string
		seen    = map[string]bool{}
		ids     = map[string]bool{}
	)
	for page := 0; page < maxMCPPages; page++ {
		params := map[string]any{"limit": mcpPageSize}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := rt.Call(ctx, codex.MethodMCPStatusList, params, s.callTimeout)
		if err != nil {
			return nil, 0, err
		}
		var res mcpStatusPage
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, 0, fmt.Errorf("%s: unexpected response: %w", codex.MethodMCPStatusList, err)
		}

		for _, entry := range res.Data {
			servers = append(servers, MCPServer{
				ID:         uniqueID(ids, slug(entry.Name)),
				Name:       entry.Name,
				Connected:  entry.AuthStatus != "notLoggedIn",
				AuthStatus: entry.AuthStatus,
				Tools:      toolNames(entry.Tools),
			})
		}

		if res.NextCursor == nil || *res.NextCursor == "" || seen[*res.NextCursor] {
			break
		}
		seen[*res.NextCursor] = true
		cursor = *res.NextCursor
	}
	if servers == nil {
		servers = []MCPServer{}
	}
	return servers, time.Since(start), nil
}

// toolNames accepts tools as a name-keyed object or an array of {name}.
func toolNames(raw json.RawMessage) []string {
	names := []string{}
	var byName map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byName); err == nil {
		for name := range byName {
			names = append(names, name)
		}
	} else {
		var list []struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &list); err == nil {
			for _, t := range list {
				if t.Name != "" {
					names = append(names, t.Name)
				}
			}
		}
	}
	sort.Strings(names)
	return names
}

// slug lowercases name and collapses everything but letters and digits to
// single dashes.
func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "server"
	}
	return out
}

// uniqueID returns base, or base-2, base-3, ... when base is taken.
func uniqueID(used map[string]bool, base string) string {
	id := base
	for n := 2; used[id]; n++ {
		id = base + "-" + strconv.Itoa(n)
	}
	used[id] = true
	return id
}
