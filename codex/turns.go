package codex

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Turn statuses.
const (
	TurnInProgress = "in_progress"
	TurnCompleted  = "completed"
	TurnFailed     = "failed"
	TurnDeclined   = "declined"
)

// TurnSnapshot is the accumulated state of one turn.
type TurnSnapshot struct {
	TurnID        string          `json:"turnId"`
	FinalResponse string          `json:"finalResponse"`
	Usage         json.RawMessage `json:"usage,omitempty"`
	Status        string          `json:"status"`
	Error         string          `json:"error,omitempty"`
	Completed     bool            `json:"completed"`
}

// TurnPatch holds the fields to merge into a turn. Nil fields are left alone.
type TurnPatch struct {
	FinalResponse *string
	Usage         json.RawMessage
	Status        *string
	Error         *string
}

// DefaultTurnRetention is how long a completed turn nobody waits on is kept
// for a late Await.
const DefaultTurnRetention = 10 * time.Minute

type turnEntry struct {
	snap        TurnSnapshot
	waiters     map[int]chan TurnSnapshot
	completedAt time.Time
}

// TurnTracker accumulates turn state across notifications and lets callers
// wait for a turn to finish. Once failed with FailAll it stays closed: turns
// first seen afterwards are born failed.
type TurnTracker struct {
	mu         sync.Mutex
	turns      map[string]*turnEntry
	nextWaiter int
	closedMsg  string
	closed     bool

	retention time.Duration
	now       func() time.Time
}

// NewTurnTracker returns an empty tracker.
func NewTurnTracker() *TurnTracker {
	return &TurnTracker{
		turns:     make(map[string]*turnEntry),
		retention: DefaultTurnRetention,
		now:       time.Now,
	}
}

func (t *TurnTracker) ensureLocked(turnID string) *turnEntry {
	e, ok := t.turns[turnID]
	if !ok {
		e = &turnEntry{
			snap:    TurnSnapshot{TurnID: turnID, Status: TurnInProgress},
			waiters: make(map[int]chan TurnSnapshot),
		}
		if t.closed {
			e.snap.Status = TurnFailed
			e.snap.Error = t.closedMsg
			e.snap.Completed = true
			e.completedAt = t.now()
		}
		t.turns[turnID] = e
	}
	return e
}

// pruneLocked drops completed turns older than the retention that have no
// waiters left.
func (t *TurnTracker) pruneLocked() {
	cutoff := t.now().Add(-t.retention)
	for id, e := range t.turns {
		if e.snap.Completed && len(e.waiters) == 0 && e.completedAt.Before(cutoff) {
			delete(t.turns, id)
		}
	}
}

// Ensure creates the entry for turnID if needed and returns its snapshot.
func (t *TurnTracker) Ensure(turnID string) (TurnSnapshot, error) {
	if turnID == "" {
		return TurnSnapshot{}, ErrMissingTurnID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureLocked(turnID).snap, nil
}

// Update merges p into an in-progress turn without completing it. Updates to
// a completed turn are ignored.
func (t *TurnTracker) Update(turnID string, p TurnPatch) error {
	if turnID == "" {
		return ErrMissingTurnID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.ensureLocked(turnID)
	if e.snap.Completed {
		return nil
	}
	p.apply(&e.snap)
	return nil
}

// Complete merges p, marks the turn completed and hands the snapshot to every
// waiter. Only the first completion of a turn counts.
func (t *TurnTracker) Complete(turnID string, p TurnPatch) error {
	if turnID == "" {
		return ErrMissingTurnID
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.ensureLocked(turnID)
	if e.snap.Completed {
		return nil
	}
	p.apply(&e.snap)
	if e.snap.Status == TurnInProgress {
		e.snap.Status = TurnCompleted
	}
	e.snap.Completed = true
	e.completedAt = t.now()

	for id, ch := range e.waiters {
		ch <- e.snap
		delete(e.waiters, id)
	}
	t.pruneLocked()
	return nil
}

// Await blocks until turnID completes, ctx ends, or timeout elapses. A timeout
// leaves the turn untouched so other waiters can still be completed.
func (t *TurnTracker) Await(ctx context.Context, turnID string, timeout time.Duration) (TurnSnapshot, error) {
	if turnID == "" {
		return TurnSnapshot{}, ErrMissingTurnID
	}

	t.mu.Lock()
	e := t.ensureLocked(turnID)
	if e.snap.Completed {
		snap := e.snap
		t.mu.Unlock()
		return snap, nil
	}
	t.nextWaiter++
	wid := t.nextWaiter
	ch := make(chan TurnSnapshot, 1)
	e.waiters[wid] = ch
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case snap := <-ch:
		return snap, nil
	case <-timer.C:
		if snap, ok := t.abandon(e, wid, ch); ok {
			return snap, nil
		}
		return TurnSnapshot{}, ErrTurnTimeout
	case <-ctx.Done():
		if snap, ok := t.abandon(e, wid, ch); ok {
			return snap, nil
		}
		return TurnSnapshot{}, ctx.Err()
	}
}

// abandon removes a waiter. If the turn completed concurrently the delivered
// snapshot is returned instead.
func (t *TurnTracker) abandon(e *turnEntry, wid int, ch chan TurnSnapshot) (TurnSnapshot, bool) {
	t.mu.Lock()
	delete(e.waiters, wid)
	t.mu.Unlock()

	select {
	case snap := <-ch:
		return snap, true
	default:
		return TurnSnapshot{}, false
	}
}

// Snapshot returns the current state of turnID.
func (t *TurnTracker) Snapshot(turnID string) (TurnSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.turns[turnID]
	if !ok {
		return TurnSnapshot{}, false
	}
	return e.snap, true
}

// Forget drops a turn nobody is waiting on. A later notification for it
// starts a fresh entry, which ages out after the retention period.
func (t *TurnTracker) Forget(turnID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.turns[turnID]; ok && len(e.waiters) == 0 {
		delete(t.turns, turnID)
	}
}

// FailAll completes every unfinished turn as failed with msg, closes the
// tracker, and returns how many waiters were released.
func (t *TurnTracker) FailAll(msg string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.closedMsg = msg
	now := t.now()
	released := 0
	for _, e := range t.turns {
		if e.snap.Completed {
			continue
		}
		e.snap.Status = TurnFailed
		e.snap.Error = msg
		e.snap.Completed = true
		e.completedAt = now
		for id, ch := range e.waiters {
			ch <- e.snap
			delete(e.waiters, id)
			released++
		}
	}
	return released
}

func (p TurnPatch) apply(s *TurnSnapshot) {
	if p.FinalResponse != nil {
		s.FinalResponse = *p.FinalResponse
	}
	if len(p.Usage) > 0 {
		s.Usage = append(json.RawMessage(nil), p.Usage...)
	}
	if p.Status != nil && *p.Status != "" {
		s.Status = *p.Status
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
}

func ptr[T any](v T) *T {
	return &v
}
