package exec

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrKilled is the Wait error of a PipeProcess terminated with Kill.
var ErrKilled = errors.New("signal: killed")

var nextFakePid atomic.Int64

// PipeProcess is an in-memory child process. The bridge side sees the
// Process interface; the test side drives the child through ChildStdin,
// ChildStdout, ChildStderr and Exit.
type PipeProcess struct {
	Command Command

	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
	killed   atomic.Bool
}

// NewPipeProcess returns an unstarted in-memory child for cmd.
func NewPipeProcess(cmd Command) *PipeProcess {
	p := &PipeProcess{
		Command: cmd,
		pid:     int(nextFakePid.Add(1)) + 100000,
		exited:  make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *PipeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *PipeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *PipeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *PipeProcess) Pid() int              { return p.pid }

// Wait blocks until Exit or Kill.
func (p *PipeProcess) Wait() error {
	<-p.exited
	return p.exitErr
}

// Kill exits the child with ErrKilled.
func (p *PipeProcess) Kill() error {
	p.killed.Store(true)
	p.Exit(ErrKilled)
	return nil
}

// Killed reports whether Kill was called.
func (p *PipeProcess) Killed() bool {
	return p.killed.Load()
}

// ChildStdin is what the child reads: everything the parent writes to Stdin.
func (p *PipeProcess) ChildStdin() io.Reader { return p.stdinR }

// ChildStdout is where the child writes its standard output.
func (p *PipeProcess) ChildStdout() io.Writer { return p.stdoutW }

// ChildStderr is where the child writes its standard error.
func (p *PipeProcess) ChildStderr() io.Writer { return p.stderrW }

// CloseStdout closes the child's stdout without exiting the process.
func (p *PipeProcess) CloseStdout() {
	p.stdoutW.Close()
}

// Exit terminates the child with err (nil for a clean exit). Stdout and stderr
// reach EOF and the parent's Stdin starts failing. Only the first call counts.
func (p *PipeProcess) Exit(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		p.stdoutW.Close()
		p.stderrW.Close()
		p.stdinR.CloseWithError(io.ErrClosedPipe)
		close(p.exited)
	})
}

// Exited is closed once the child has exited.
func (p *PipeProcess) Exited() <-chan struct{} {
	return p.exited
}

// PipeSpawner spawns PipeProcesses. Each spawned child is handed to Child in
// its own goroutine; leave Child nil to drive children from Spawned instead.
type PipeSpawner struct {
	// Child scripts the behavior of each spawned process.
	Child func(p *PipeProcess)
	// Err, when set, makes every Spawn fail.
	Err error

	mu    sync.Mutex
	procs []*PipeProcess
}

// Spawn implements Spawner.
func (s *PipeSpawner) Spawn(cmd Command) (Process, error) {
	s.mu.Lock()
	err := s.Err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p := NewPipeProcess(cmd)
	s.mu.Lock()
	s.procs = append(s.procs, p)
	child := s.Child
	s.mu.Unlock()

	if child != nil {
		go child(p)
	}
	return p, nil
}

// SetErr changes the spawn error.
func (s *PipeSpawner) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// Spawned returns every process spawned so far, oldest first.
func (s *PipeSpawner) Spawned() []*PipeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PipeProcess, len(s.procs))
	copy(out, s.procs)
	return out
}

var _ Spawner = (*PipeSpawner)(nil)
var _ Process = (*PipeProcess)(nil)
