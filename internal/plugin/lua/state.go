// Package lua provides the Lua runtime that hosts plugin scripts.
package lua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Default limits for a Lua state.
const (
	DefaultCallTimeout  = 2 * time.Second
	DefaultFetchTimeout = 15 * time.Second

	// watchdogGrace is how much longer a waiting caller holds on after the
	// in-VM watchdog should have fired.
	watchdogGrace = 500 * time.Millisecond
)

// State is one plugin's private Lua VM together with the goroutine that
// owns it. Every access to L happens through Do or Post.
type State struct {
	L *lua.LState

	name        string
	logger      *slog.Logger
	clock       func() time.Time
	client      *http.Client
	maxBody     int64
	callTimeout time.Duration
	queueSize   int
	caps        []Capability

	sandbox *Sandbox
	exec    *Executor
	timers  *Scheduler

	ioCtx    context.Context
	ioCancel context.CancelFunc

	quiesced  atomic.Bool
	closeOnce sync.Once
}

// StateOption configures a State.
type StateOption func(*State)

// WithName sets the chunk name used in error messages.
func WithName(name string) StateOption {
	return func(s *State) {
		s.name = name
	}
}

// WithLogger sets the logger that receives print output and engine diagnostics.
func WithLogger(logger *slog.Logger) StateOption {
	return func(s *State) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCallTimeout sets the wall-clock budget of a single callback.
func WithCallTimeout(d time.Duration) StateOption {
	return func(s *State) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithClock replaces the time source behind now().
func WithClock(clock func() time.Time) StateOption {
	return func(s *State) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithHTTPClient sets the client used by fetch.
func WithHTTPClient(c *http.Client) StateOption {
	return func(s *State) {
		if c != nil {
			s.client = c
		}
	}
}

// WithMaxBodySize bounds fetch response bodies.
func WithMaxBodySize(n int64) StateOption {
	return func(s *State) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithQueueSize sets the executor job buffer.
func WithQueueSize(n int) StateOption {
	return func(s *State) {
		s.queueSize = n
	}
}

// WithCapabilities grants capabilities at creation.
func WithCapabilities(caps ...Capability) StateOption {
	return func(s *State) {
		s.caps = append(s.caps, caps...)
	}
}

// NewState creates a sandboxed Lua state and starts its executor.
func NewState(opts ...StateOption) (*State, error) {
	s := &State{
		name:        "plugin",
		logger:      slog.Default(),
		clock:       time.Now,
		client:      &http.Client{Timeout: DefaultFetchTimeout},
		maxBody:     DefaultMaxBodySize,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	s.L = L
	openSafeLibraries(L)

	s.sandbox = NewSandbox(L, s.logger)
	s.sandbox.Install()
	for _, c := range s.caps {
		if err := s.sandbox.Grant(c); err != nil {
			L.Close()
			return nil, err
		}
	}

	s.ioCtx, s.ioCancel = context.WithCancel(context.Background())
	s.exec = NewExecutor(L, s.queueSize)
	s.timers = NewScheduler(s.Post, s.logger)

	registerDeferred(L)
	registerJSON(L)
	s.timers.install(L)
	L.SetGlobal("fetch", L.NewFunction(s.luaFetch))
	L.SetGlobal("now", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(s.clock().UnixMilli()))
		return 1
	}))

	go func() {
		s.exec.Run(context.Background())
		L.Close()
	}()
	return s, nil
}

// openSafeLibraries opens only safe Lua standard libraries. io, os, debug,
// package and coroutine stay closed.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// Name returns the chunk name.
func (s *State) Name() string { return s.name }

// Sandbox returns the sandbox for capability management.
func (s *State) Sandbox() *Sandbox { return s.sandbox }

// Timers returns the plugin's timer scheduler.
func (s *State) Timers() *Scheduler { return s.timers }

// CallTimeout returns the per-callback budget.
func (s *State) CallTimeout() time.Duration { return s.callTimeout }

// guard wraps fn with the in-VM watchdog. A script that runs past the budget
// is aborted by gopher-lua at its next instruction.
func (s *State) guard(fn Job) Job {
	return func(L *lua.LState) error {
		wctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
		defer cancel()
		L.SetContext(wctx)
		defer L.RemoveContext()

		err := fn(L)
		if err != nil && errors.Is(wctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrExecutionTimeout, s.callTimeout)
		}
		return err
	}
}

// Do runs fn on the executor and waits for it. A callback blocked inside Go
// code is abandoned once the budget plus a grace period elapses.
func (s *State) Do(ctx context.Context, fn Job) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout+watchdogGrace)
	defer cancel()
	err := s.exec.Execute(ctx, s.guard(fn))
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrExecutionTimeout, s.callTimeout)
	}
	return err
}

// Post queues fn without waiting. Jobs are silently skipped once the state is
// quiesced, including jobs queued before that point.
func (s *State) Post(fn Job) error {
	if s.quiesced.Load() {
		return ErrQuiesced
	}
	guarded := s.guard(fn)
	return s.exec.ExecuteAsync(func(L *lua.LState) error {
		if s.quiesced.Load() {
			return nil
		}
		if err := guarded(L); err != nil {
			s.logger.Warn("async callback failed", slog.String("error", ErrorMessage(err)))
			return err
		}
		return nil
	})
}

// Load compiles and runs a chunk.
func (s *State) Load(ctx context.Context, code string) error {
	return s.Do(ctx, func(L *lua.LState) error {
		fn, err := L.Load(strings.NewReader(code), s.name)
		if err != nil {
			return err
		}
		L.Push(fn)
		return L.PCall(0, 0, nil)
	})
}

// Quiesce stops asynchronous activity: timers are cancelled, in-flight
// fetches are aborted and later completions are dropped. Synchronous Do
// calls keep working.
func (s *State) Quiesce() {
	s.quiesced.Store(true)
	s.timers.Stop()
	s.ioCancel()
}

// Quiesced reports whether Quiesce has been called.
func (s *State) Quiesced() bool {
	return s.quiesced.Load()
}

// Close quiesces the state and stops its executor. The VM itself is closed
// on the executor goroutine once the running job, if any, returns.
func (s *State) Close() error {
	s.closeOnce.Do(func() {
		s.Quiesce()
		s.exec.Close()
	})
	return nil
}

// Done is closed after the executor has stopped.
func (s *State) Done() <-chan struct{} {
	return s.exec.Stopped()
}
