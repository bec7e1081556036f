package codex

import "errors"

var (
	// ErrRuntimeClosed is returned for calls on a runtime whose process is gone.
	ErrRuntimeClosed = errors.New("codex runtime is closed")

	// ErrRequestTimeout is returned when the app-server does not answer a call
	// in time.
	ErrRequestTimeout = errors.New("codex request timed out")

	// ErrTurnTimeout is returned by TurnTracker.Await when the turn does not
	// complete in time.
	ErrTurnTimeout = errors.New("timed out waiting for turn to complete")

	// ErrMissingTurnID is returned for tracker operations without a turn id.
	ErrMissingTurnID = errors.New("missing turn id")
)
