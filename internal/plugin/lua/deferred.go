package lua

import (
	lua "github.com/yuin/gopher-lua"
)

const deferredTypeName = "reaplugin.deferred"

type settleState int

const (
	pending settleState = iota
	fulfilled
	rejected
)

// Observer receives a deferred's outcome on the executor goroutine.
type Observer func(L *lua.LState, ok bool, value lua.LValue)

// Deferred is a single-assignment result that script code chains callbacks
// onto. It is the host's replacement for promises: handlers may return one
// and the host waits for it to settle.
//
// A Deferred is only touched from its owning executor goroutine.
type Deferred struct {
	ud        *lua.LUserData
	status    settleState
	value     lua.LValue
	observers []Observer
}

// NewDeferred creates a pending deferred bound to L.
func NewDeferred(L *lua.LState) *Deferred {
	d := &Deferred{value: lua.LNil}
	ud := L.NewUserData()
	ud.Value = d
	L.SetMetatable(ud, L.GetTypeMetatable(deferredTypeName))
	d.ud = ud
	return d
}

// AsDeferred reports whether v is a deferred userdata.
func AsDeferred(v lua.LValue) (*Deferred, bool) {
	ud, ok := v.(*lua.LUserData)
	if !ok {
		return nil, false
	}
	d, ok := ud.Value.(*Deferred)
	return d, ok
}

// LValue returns the script-visible handle.
func (d *Deferred) LValue() lua.LValue {
	return d.ud
}

// Pending reports whether the deferred has not settled yet.
func (d *Deferred) Pending() bool {
	return d.status == pending
}

// Observe registers fn for the outcome. An already settled deferred calls fn
// immediately.
func (d *Deferred) Observe(L *lua.LState, fn Observer) {
	if d.status != pending {
		fn(L, d.status == fulfilled, d.value)
		return
	}
	d.observers = append(d.observers, fn)
}

// Resolve fulfils the deferred. Resolving with another deferred adopts its
// eventual outcome.
func (d *Deferred) Resolve(L *lua.LState, v lua.LValue) {
	if d.status != pending {
		return
	}
	if inner, ok := AsDeferred(v); ok {
		if inner == d {
			d.settle(L, rejected, lua.LString("deferred resolved with itself"))
			return
		}
		inner.Observe(L, func(L *lua.LState, ok bool, value lua.LValue) {
			if ok {
				d.settle(L, fulfilled, value)
			} else {
				d.settle(L, rejected, value)
			}
		})
		return
	}
	d.settle(L, fulfilled, v)
}

// Reject fails the deferred with reason.
func (d *Deferred) Reject(L *lua.LState, reason lua.LValue) {
	d.settle(L, rejected, reason)
}

func (d *Deferred) settle(L *lua.LState, status settleState, v lua.LValue) {
	if d.status != pending {
		return
	}
	if v == nil {
		v = lua.LNil
	}
	d.status = status
	d.value = v
	observers := d.observers
	d.observers = nil
	for _, fn := range observers {
		fn(L, status == fulfilled, v)
	}
}

// registerDeferred installs the deferred metatable and the global table:
//
//	local d = deferred()            -- or deferred.new()
//	d:resolve(v) / d:reject(err)
//	d:next(onOk, onErr)             -- returns a new deferred
//	d:catch(onErr)
//	deferred.all({d1, d2, 3})       -- resolves with a list of results
//	deferred.resolved(v) / deferred.rejected(err)
func registerDeferred(L *lua.LState) {
	mt := L.NewTypeMetatable(deferredTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"resolve": deferredResolve,
		"reject":  deferredReject,
		"next":    deferredNext,
		"catch":   deferredCatch,
		"pending": deferredPending,
	}))
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString("deferred"))
		return 1
	}))

	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"new":      deferredNew,
		"all":      deferredAll,
		"resolved": deferredResolved,
		"rejected": deferredRejected,
	})
	call := L.NewTable()
	L.SetField(call, "__call", L.NewFunction(func(L *lua.LState) int {
		L.Push(NewDeferred(L).LValue())
		return 1
	}))
	L.SetMetatable(mod, call)
	L.SetGlobal("deferred", mod)
}

func checkDeferred(L *lua.LState, n int) *Deferred {
	d, ok := AsDeferred(L.Get(n))
	if !ok {
		L.ArgError(n, "deferred expected")
		return nil
	}
	return d
}

func deferredNew(L *lua.LState) int {
	L.Push(NewDeferred(L).LValue())
	return 1
}

func deferredResolve(L *lua.LState) int {
	checkDeferred(L, 1).Resolve(L, L.Get(2))
	return 0
}

func deferredReject(L *lua.LState) int {
	checkDeferred(L, 1).Reject(L, L.Get(2))
	return 0
}

func deferredPending(L *lua.LState) int {
	L.Push(lua.LBool(checkDeferred(L, 1).Pending()))
	return 1
}

func deferredResolved(L *lua.LState) int {
	d := NewDeferred(L)
	d.Resolve(L, L.Get(1))
	L.Push(d.LValue())
	return 1
}

func deferredRejected(L *lua.LState) int {
	d := NewDeferred(L)
	d.Reject(L, L.Get(1))
	L.Push(d.LValue())
	return 1
}

// chain derives a deferred from src by running onOk or onErr on settlement.
// A missing handler passes the outcome through unchanged.
func chain(L *lua.LState, src *Deferred, onOk, onErr *lua.LFunction) *Deferred {
	out := NewDeferred(L)
	src.Observe(L, func(L *lua.LState, ok bool, v lua.LValue) {
		handler := onErr
		if ok {
			handler = onOk
		}
		if handler == nil {
			if ok {
				out.Resolve(L, v)
			} else {
				out.Reject(L, v)
			}
			return
		}
		ret, err := CallMethod(L, nil, handler, v)
		if err != nil {
			out.Reject(L, errorValue(err))
			return
		}
		out.Resolve(L, ret)
	})
	return out
}

func deferredNext(L *lua.LState) int {
	d := checkDeferred(L, 1)
	onOk := L.OptFunction(2, nil)
	onErr := L.OptFunction(3, nil)
	L.Push(chain(L, d, onOk, onErr).LValue())
	return 1
}

func deferredCatch(L *lua.LState) int {
	d := checkDeferred(L, 1)
	onErr := L.CheckFunction(2)
	L.Push(chain(L, d, nil, onErr).LValue())
	return 1
}

// deferredAll resolves once every element settles, preserving order. Plain
// values count as already fulfilled. The first rejection wins.
func deferredAll(L *lua.LState) int {
	list := L.CheckTable(1)
	out := NewDeferred(L)
	n := list.Len()
	results := L.CreateTable(n, 0)
	if n == 0 {
		out.Resolve(L, results)
		L.Push(out.LValue())
		return 1
	}

	remaining := n
	for i := 1; i <= n; i++ {
		idx := i
		item := list.RawGetInt(i)
		d, ok := AsDeferred(item)
		if !ok {
			results.RawSetInt(idx, item)
			remaining--
			continue
		}
		d.Observe(L, func(L *lua.LState, ok bool, v lua.LValue) {
			if !ok {
				out.Reject(L, v)
				return
			}
			results.RawSetInt(idx, v)
			remaining--
			if remaining == 0 {
				out.Resolve(L, results)
			}
		})
	}
	if remaining == 0 {
		out.Resolve(L, results)
	}
	L.Push(out.LValue())
	return 1
}
