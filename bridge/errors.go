package bridge

import "fmt"

// ValidationError reports malformed caller input. It is raised before any
// call reaches codex.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
