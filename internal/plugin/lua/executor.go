package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultQueueSize is the job buffer used when NewExecutor is given zero.
const DefaultQueueSize = 256

// Job is a unit of work run on the executor goroutine.
type Job func(L *lua.LState) error

type call struct {
	fn     Job
	result chan error
}

// Executor serializes all Lua operations through a single goroutine.
//
// gopher-lua's LState is not goroutine-safe. Callbacks, timer firings,
// deferred continuations and network completions for one plugin all funnel
// through its executor so script code never runs concurrently with itself.
//
//	exec := NewExecutor(L, 0)
//	go exec.Run(ctx)
//	defer exec.Close()
//
//	err := exec.Execute(ctx, func(L *lua.LState) error {
//	    return L.DoString(`x = 1`)
//	})
type Executor struct {
	L     *lua.LState
	queue chan *call

	closed    atomic.Bool
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewExecutor creates a new Executor for the given Lua state.
func NewExecutor(L *lua.LState, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Executor{
		L:       L,
		queue:   make(chan *call, queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run processes jobs until the context is cancelled or Close is called.
// Jobs still queued at that point fail with the stop reason and never run.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			e.drain(ctx.Err())
			return
		case <-e.done:
			e.drain(ErrExecutorClosed)
			return
		case c := <-e.queue:
			// Close may race with a ready job; done wins.
			if e.closed.Load() {
				c.result <- ErrExecutorClosed
				e.drain(ErrExecutorClosed)
				return
			}
			c.result <- e.run(c.fn)
		}
	}
}

// run executes one job, converting panics into errors.
func (e *Executor) run(fn Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			case string:
				err = errors.New(v)
			default:
				err = fmt.Errorf("lua panic: %v", v)
			}
		}
	}()
	return fn(e.L)
}

func (e *Executor) drain(err error) {
	for {
		select {
		case c := <-e.queue:
			c.result <- err
		default:
			return
		}
	}
}

// Execute queues fn and blocks until it completes or ctx is done. When ctx
// expires first the job may still run later; its result is discarded.
func (e *Executor) Execute(ctx context.Context, fn Job) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	c := &call{fn: fn, result: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- c:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-c.result:
		return err
	}
}

// ExecuteAsync queues fn without waiting. It never blocks: a saturated queue
// rejects the job with ErrQueueFull.
func (e *Executor) ExecuteAsync(fn Job) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	c := &call{fn: fn, result: make(chan error, 1)}
	select {
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the executor. The job currently running, if any, completes;
// queued jobs are discarded.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
}

// Stopped is closed once Run has returned.
func (e *Executor) Stopped() <-chan struct{} {
	return e.stopped
}

// IsClosed returns true if the executor has been closed.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
