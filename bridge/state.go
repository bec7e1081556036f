package bridge

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zhubert/codex-bridge/config"
)

// ThreadState binds a caller thread id to a codex thread and a workspace.
type ThreadState struct {
	ID            string `json:"threadId"`
	CodexThreadID string `json:"codexThreadId"`
	Workspace     string `json:"workspace"`

	// Generation is the runtime generation CodexThreadID was opened or
	// resumed in. A different generation means the thread must be resumed
	// before use.
	Generation int64 `json:"-"`
}

// State is the bridge's process-wide state: settings, the thread table and
// the thread id counter. It is safe for concurrent use.
type State struct {
	mu         sync.Mutex
	settings   config.Settings
	nextThread int64
	threads    map[string]*ThreadState
}

// NewState returns a State holding settings and no threads.
func NewState(settings config.Settings) *State {
	return &State{
		settings: config.Normalize(settings),
		threads:  make(map[string]*ThreadState),
	}
}

// Settings returns the current settings.
func (s *State) Settings() config.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// MergeSettings applies patch and returns the result.
func (s *State) MergeSettings(patch map[string]any) config.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = config.Merge(s.settings, patch)
	return s.settings
}

// NewThreadID allocates the next "thread-N" id not already in use.
func (s *State) NewThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		s.nextThread++
		id := "thread-" + strconv.FormatInt(s.nextThread, 10)
		if _, taken := s.threads[id]; !taken {
			return id
		}
	}
}

// Thread returns a copy of the thread with the given caller id.
func (s *State) Thread(id string) (ThreadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return ThreadState{}, false
	}
	return *t, true
}

// PutThread stores t, replacing any thread with the same id.
func (s *State) PutThread(t ThreadState) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("thread id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.threads[t.ID] = &cp
	return nil
}

// DeleteThread removes a thread and reports whether it existed.
func (s *State) DeleteThread(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.threads[id]
	delete(s.threads, id)
	return ok
}

// LookupCodexThread maps a codex thread id back to the caller's thread id.
func (s *State) LookupCodexThread(codexThreadID string) string {
	if codexThreadID == "" {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.threads {
		if t.CodexThreadID == codexThreadID {
			return id
		}
	}
	return ""
}

// Threads returns every thread ordered by id.
func (s *State) Threads() []ThreadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ThreadState, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
