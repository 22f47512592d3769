// Package lua provides the Lua runtime that hosts plugin scripts.
//
// Each plugin gets its own gopher-lua VM wrapped in a State. A State owns a
// single executor goroutine; callbacks, timer firings, deferred continuations
// and fetch completions are all serialized through it, so script code is
// cooperative and never runs concurrently with itself.
//
// # State
//
//	state, err := lua.NewState(
//	    lua.WithName("time-to-ready.reaplugin"),
//	    lua.WithCallTimeout(2*time.Second),
//	    lua.WithCapabilities(lua.CapabilityNetwork),
//	)
//	if err != nil {
//	    return err
//	}
//	defer state.Close()
//
//	err = state.Load(ctx, source)
//
// Do runs a job synchronously under the per-callback watchdog; Post queues an
// asynchronous job that is dropped once the state has been quiesced.
//
// # Globals
//
// Besides base, table, string and math the VM exposes:
//   - deferred(), deferred.all, deferred.resolved, deferred.rejected
//   - setTimeout, setInterval, clearTimeout, clearInterval
//   - fetch(url, opts), gated by CapabilityNetwork
//   - json.encode(value[, pretty]), json.decode(text)
//   - now(), milliseconds since the epoch
//
// print is redirected to the plugin logger. dofile, loadfile, load and
// loadstring are removed and require only yields string, table and math.
package lua
