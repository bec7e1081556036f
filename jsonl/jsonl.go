// Package jsonl frames newline-delimited JSON over a byte stream. Both the
// caller-facing channel and the codex-facing channel use it.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned by Writer.Write after Close.
var ErrClosed = errors.New("jsonl: writer closed")

// ParseError reports a line that was not a single JSON value. The reader that
// produced it remains usable.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid JSON line: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Reader yields one JSON document per input line.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r. Lines may be arbitrarily long.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next non-blank line as raw JSON. It returns a *ParseError
// for a malformed line and io.EOF once the stream is exhausted. A final line
// without a trailing newline is still delivered.
func (r *Reader) Next() (json.RawMessage, error) {
	for {
		line, err := r.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}

		if !json.Valid(trimmed) {
			perr := &ParseError{Line: string(trimmed), Err: decodeError(trimmed)}
			return nil, perr
		}

		out := make(json.RawMessage, len(trimmed))
		copy(out, trimmed)
		return out, nil
	}
}

// decodeError produces a descriptive error for an invalid document.
func decodeError(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return errors.New("trailing data after JSON value")
}

// Writer emits one JSON document per line. Concurrent calls to Write never
// interleave.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes v followed by a single newline in one underlying write.
func (w *Writer) Write(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close marks the writer closed and closes the underlying writer if it is an
// io.Closer. Subsequent writes fail immediately.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
