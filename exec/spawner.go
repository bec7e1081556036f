// Package exec abstracts launching a long-lived child process with all three
// standard streams piped. Production code uses RealSpawner; tests use
// PipeSpawner, which hands the test an in-memory child to script.
package exec

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Command describes a process to launch.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the parent environment
}

// Process is a running child with piped standard streams.
type Process interface {
	// Stdin is the child's standard input. Closing it signals EOF to the child.
	Stdin() io.WriteCloser
	// Stdout is the child's standard output. It reaches EOF when the child
	// (and any grandchildren holding the descriptor) exit.
	Stdout() io.Reader
	// Stderr is the child's standard error.
	Stderr() io.Reader
	Pid() int
	// Wait blocks until the child exits. It must be called exactly once.
	Wait() error
	// Kill terminates the child. Killing an exited child is not an error.
	Kill() error
}

// Spawner starts processes.
type Spawner interface {
	Spawn(cmd Command) (Process, error)
}

// RealSpawner starts processes with os/exec.
type RealSpawner struct{}

// NewRealSpawner returns a new RealSpawner.
func NewRealSpawner() *RealSpawner {
	return &RealSpawner{}
}

// Spawn starts cmd with three OS pipes. The parent keeps its own pipe ends, so
// reads from Stdout and Stderr are unaffected by Wait and deliver everything
// the child wrote before exiting.
func (s *RealSpawner) Spawn(c Command) (Process, error) {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	opened = append(opened, stdinR, stdinW)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	opened = append(opened, stdoutR, stdoutW)

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	opened = append(opened, stderrR, stderrW)

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	// The child owns its ends now.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	return &realProcess{cmd: cmd, stdin: stdinW, stdout: stdoutR, stderr: stderrR}, nil
}

type realProcess struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File
}

func (p *realProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *realProcess) Stdout() io.Reader     { return p.stdout }
func (p *realProcess) Stderr() io.Reader     { return p.stderr }
func (p *realProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *realProcess) Wait() error {
	err := p.cmd.Wait()
	p.stdin.Close()
	return err
}

func (p *realProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

var _ Spawner = (*RealSpawner)(nil)
var _ Process = (*realProcess)(nil)
