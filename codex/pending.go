package codex

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method string
	ch     chan callResult
	timer  *time.Timer
}

// pendingTable correlates outbound call ids with their eventual outcome.
// Each entry is settled exactly once: by a response, by its timer, or by
// drain. Whoever removes the entry from the map settles it.
type pendingTable struct {
	mu        sync.Mutex
	nextID    int64
	calls     map[int64]*pendingCall
	closedErr error
	onChange  func(delta int)
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[int64]*pendingCall)}
}

// register allocates the next id and arms its timeout. It fails immediately
// once the table has been drained.
func (t *pendingTable) register(method string, timeout time.Duration) (int64, <-chan callResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closedErr != nil {
		return 0, nil, t.closedErr
	}

	t.nextID++
	id := t.nextID
	c := &pendingCall{method: method, ch: make(chan callResult, 1)}
	c.timer = time.AfterFunc(timeout, func() {
		t.settle(id, callResult{err: fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout)})
	})
	t.calls[id] = c
	if t.onChange != nil {
		t.onChange(1)
	}
	return id, c.ch, nil
}

// settle delivers res to the entry for id. It reports false when the entry
// was already settled, which makes late responses inert.
func (t *pendingTable) settle(id int64, res callResult) bool {
	t.mu.Lock()
	c, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
		if t.onChange != nil {
			t.onChange(-1)
		}
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	c.timer.Stop()
	c.ch <- res
	return true
}

// method returns the method of a pending call, for error messages.
func (t *pendingTable) method(id int64) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.calls[id]; ok {
		return c.method
	}
	return ""
}

// drain fails every outstanding entry with err and rejects future registers.
// It returns how many entries were failed.
func (t *pendingTable) drain(err error) int {
	t.mu.Lock()
	if t.closedErr == nil {
		t.closedErr = err
	}
	calls := t.calls
	t.calls = make(map[int64]*pendingCall)
	if t.onChange != nil && len(calls) > 0 {
		t.onChange(-len(calls))
	}
	t.mu.Unlock()

	for _, c := range calls {
		c.timer.Stop()
		c.ch <- callResult{err: err}
	}
	return len(calls)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
