package lua

import (
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	lua "github.com/yuin/gopher-lua"
)

type timer struct {
	id       int64
	fn       *lua.LFunction
	interval time.Duration
	repeat   bool
	t        *time.Timer
}

// Scheduler owns the timers one plugin created through setTimeout and
// setInterval. Firings are posted to the plugin's executor; Stop cancels
// every pending timer and refuses new ones.
type Scheduler struct {
	post    func(Job) error
	logger  *slog.Logger
	timers  cmap.ConcurrentMap[string, *timer]
	nextID  atomic.Int64
	stopped atomic.Bool
}

// NewScheduler creates a scheduler that runs callbacks through post.
func NewScheduler(post func(Job) error, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		post:   post,
		logger: logger,
		timers: cmap.New[*timer](),
	}
}

// Schedule arms fn after delay and returns its id. Zero is returned once
// the scheduler has been stopped.
func (s *Scheduler) Schedule(fn *lua.LFunction, delay time.Duration, repeat bool) int64 {
	if s.stopped.Load() {
		return 0
	}
	if delay < 0 {
		delay = 0
	}
	if repeat && delay < time.Millisecond {
		delay = time.Millisecond
	}
	id := s.nextID.Add(1)
	key := strconv.FormatInt(id, 10)
	tm := &timer{id: id, fn: fn, interval: delay, repeat: repeat}
	// The firing job is queued behind the current one, so Set always lands
	// before the timer is looked up.
	tm.t = time.AfterFunc(delay, func() { s.fire(key) })
	s.timers.Set(key, tm)
	return id
}

func (s *Scheduler) fire(key string) {
	err := s.post(func(L *lua.LState) error {
		tm, ok := s.timers.Get(key)
		if !ok || s.stopped.Load() {
			return nil
		}
		if tm.repeat {
			tm.t.Reset(tm.interval)
		} else {
			s.timers.Remove(key)
		}
		_, err := CallMethod(L, nil, tm.fn)
		return err
	})
	if err != nil {
		s.logger.Debug("timer firing dropped", slog.String("timer", key), slog.Any("error", err))
	}
}

// Cancel stops a single timer. Unknown ids are ignored.
func (s *Scheduler) Cancel(id int64) {
	if tm, ok := s.timers.Pop(strconv.FormatInt(id, 10)); ok {
		tm.t.Stop()
	}
}

// Stop cancels all timers. It is idempotent.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	for item := range s.timers.IterBuffered() {
		item.Val.t.Stop()
	}
	s.timers.Clear()
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	return s.timers.Count()
}

func (s *Scheduler) install(L *lua.LState) {
	arm := func(repeat bool) lua.LGFunction {
		return func(L *lua.LState) int {
			fn := L.CheckFunction(1)
			ms := L.OptNumber(2, 0)
			id := s.Schedule(fn, time.Duration(float64(ms)*float64(time.Millisecond)), repeat)
			L.Push(lua.LNumber(id))
			return 1
		}
	}
	cancel := func(L *lua.LState) int {
		if n, ok := L.Get(1).(lua.LNumber); ok {
			s.Cancel(int64(n))
		}
		return 0
	}
	L.SetGlobal("setTimeout", L.NewFunction(arm(false)))
	L.SetGlobal("setInterval", L.NewFunction(arm(true)))
	L.SetGlobal("clearTimeout", L.NewFunction(cancel))
	L.SetGlobal("clearInterval", L.NewFunction(cancel))
}
