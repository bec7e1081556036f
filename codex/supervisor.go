package codex

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/zhubert/codex-bridge/exec"
	"github.com/zhubert/codex-bridge/metrics"
)

// SupervisorOptions configures a Supervisor. Zero values select production
// defaults.
type SupervisorOptions struct {
	Spawner exec.Spawner
	Getenv  func(string) string
	GOOS    string

	// Emit receives caller events from every runtime, including
	// runtime.exited when a ready runtime goes away.
	Emit   EventSink
	Lookup ThreadLookup

	Metrics *metrics.Metrics
	Log     *slog.Logger

	InitTimeout     time.Duration
	ShutdownTimeout time.Duration
	ClientVersion   string
}

// startup is an in-flight spawn that later callers join instead of starting
// a second process.
type startup struct {
	binary string
	done   chan struct{}
	rt     *Runtime
	err    error
}

// Supervisor owns the single current codex runtime. It starts one on demand,
// reuses it while it is ready, and starts a fresh one after the previous one
// exited.
type Supervisor struct {
	opts SupervisorOptions
	log  *slog.Logger

	mu         sync.Mutex
	current    *Runtime
	startup    *startup
	generation int64
	closed     bool
}

// NewSupervisor creates a Supervisor. No process is started until Ensure.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Spawner == nil {
		opts.Spawner = exec.NewRealSpawner()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		opts: opts,
		log:  opts.Log.With("component", "codex"),
	}
}

// Ensure returns a ready runtime for the binary selected by override, the
// environment, or the default. A runtime for a different binary is shut down
// first. Concurrent callers share one startup, including its failure. After
// Shutdown it returns ErrRuntimeClosed.
func (s *Supervisor) Ensure(ctx context.Context, override string) (*Runtime, error) {
	binary := ResolveBinary(override, s.opts.Getenv(BinaryEnvVar))

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrRuntimeClosed
		}
		if rt := s.current; rt != nil {
			if rt.Binary() != binary {
				s.current = nil
				s.mu.Unlock()
				s.log.Info("switching codex binary", "from", rt.Binary(), "to", binary)
				rt.Shutdown(ctx)
				continue
			}
			if rt.State() == StateReady {
				s.mu.Unlock()
				return rt, nil
			}
			s.current = nil
		}

		if st := s.startup; st != nil {
			s.mu.Unlock()
			select {
			case <-st.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if st.err != nil {
				return nil, st.err
			}
			continue
		}

		st := &startup{binary: binary, done: make(chan struct{})}
		s.startup = st
		s.generation++
		gen := s.generation
		s.mu.Unlock()

		rt, err := s.spawn(context.WithoutCancel(ctx), binary, gen)

		s.mu.Lock()
		s.startup = nil
		var orphan *Runtime
		if err == nil {
			switch {
			case s.closed:
				orphan, rt, err = rt, nil, ErrRuntimeClosed
			case rt.State() == StateReady:
				s.current = rt
			default:
				err = rt.Err()
				rt = nil
			}
		}
		st.rt, st.err = rt, err
		close(st.done)
		s.mu.Unlock()

		if orphan != nil {
			s.log.Info("shutting down codex app-server started during shutdown", "pid", orphan.Pid())
			orphan.Shutdown(context.WithoutCancel(ctx))
		}
		if err != nil {
			return nil, err
		}
		return rt, nil
	}
}

func (s *Supervisor) spawn(ctx context.Context, binary string, gen int64) (*Runtime, error) {
	cmd := BuildLaunch(binary, s.opts.GOOS)
	s.log.Info("starting codex app-server", "binary", binary, "generation", gen)

	return startRuntime(ctx, s.opts.Spawner, cmd, runtimeConfig{
		binary:          binary,
		generation:      gen,
		emit:            s.opts.Emit,
		lookup:          s.opts.Lookup,
		metrics:         s.opts.Metrics,
		log:             s.opts.Log,
		initTimeout:     s.opts.InitTimeout,
		shutdownTimeout: s.opts.ShutdownTimeout,
		clientVersion:   s.opts.ClientVersion,
		onClose:         s.runtimeClosed,
	})
}

// runtimeClosed clears the current pointer if it still refers to rt.
func (s *Supervisor) runtimeClosed(rt *Runtime, err error) {
	s.mu.Lock()
	if s.current == rt {
		s.current = nil
	}
	s.mu.Unlock()

	s.opts.Metrics.RuntimeExited()

	rt.mu.Lock()
	wasReady := rt.wasReady
	rt.mu.Unlock()
	if wasReady && s.opts.Emit != nil {
		s.opts.Emit(Event{Type: EventRuntimeExited, Message: err.Error()})
	}
}

// Current returns the live runtime, or nil.
func (s *Supervisor) Current() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Shutdown tears down the current runtime, waiting for an in-flight startup
// first so it cannot outlive the call. The supervisor starts nothing
// afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	st := s.startup
	s.mu.Unlock()
	if st != nil {
		select {
		case <-st.done:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	rt := s.current
	s.current = nil
	s.mu.Unlock()

	if rt != nil {
		s.log.Info("shutting down codex app-server", "pid", rt.Pid())
		rt.Shutdown(ctx)
	}
}
