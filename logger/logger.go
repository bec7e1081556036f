// Package logger holds the bridge's diagnostic logger.
//
// Diagnostics go to standard error by default, or to a file when Init is given
// a path. Nothing logged here ever reaches the caller-facing protocol stream,
// which owns standard output.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zhubert/codex-bridge/paths"
)

var (
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
	logFile  *os.File
	mu       sync.Mutex
	logPath  string
	initDone bool
	jsonOut  bool
)

// DefaultLogPath returns the log file used when --log-file is given without a value.
func DefaultLogPath() (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "bridge.log"), nil
}

// SetDebug enables or disables debug level logging
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// SetJSON selects JSON output for loggers installed afterwards. Text is the
// default.
func SetJSON(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	jsonOut = enabled
}

// Init directs the logger at a file. The first successful Init or InitWriter wins.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if initDone {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	logFile = f
	logPath = path
	installLocked(f)

	root.Info("logger initialized", "path", path)
	return nil
}

// InitWriter directs the logger at an arbitrary writer (stderr in production).
func InitWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if initDone {
		return
	}
	installLocked(w)
}

// installLocked builds the root handler. Caller must hold mu.
func installLocked(w io.Writer) {
	opts := &slog.HandlerOptions{Level: levelVar}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if jsonOut {
		handler = slog.NewJSONHandler(w, opts)
	}
	root = slog.New(handler)
	initDone = true
}

// ensureInit falls back to stderr. Caller must hold mu.
func ensureInit() {
	if initDone {
		return
	}
	installLocked(os.Stderr)
}

// Path returns the log file path, or "" when logging to a writer.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return logPath
}

// Get returns the root logger instance.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()
	return root
}

// WithSession returns a logger carrying the bridge session id.
//
// Example:
//
//	log := logger.WithSession(sessionID)
//	log.Info("bridge started")
//	// Output: level=INFO msg="bridge started" sessionID=0b6f...
func WithSession(sessionID string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()
	return root.With("sessionID", sessionID)
}

// WithComponent returns a logger with the component name attached.
func WithComponent(component string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()
	return root.With("component", component)
}

// Close closes the log file, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	root = nil
	initDone = false
}

// Reset resets the logger state, allowing reinitialization.
// This is primarily for testing purposes.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	initDone = false
	jsonOut = false
	logPath = ""
	root = nil
	levelVar = new(slog.LevelVar)
}
