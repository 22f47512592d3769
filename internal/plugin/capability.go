package plugin

import (
	"errors"
	"log/slog"
	"sync/atomic"

	plua "github.com/tadel/reaplugin/internal/plugin/lua"
	lua "github.com/yuin/gopher-lua"
)

// Emitter accepts events for asynchronous fan-out.
type Emitter interface {
	Publish(ev Event)
}

// StorageRequester accepts asynchronous storage requests. Completion is
// reported to the plugin as a targeted storageRead or storageWrite event.
type StorageRequester interface {
	Request(pluginID string, op StorageOp) error
}

// CapabilityBridge is the only surface a plugin has into the host. Each
// plugin gets its own; after Release every call is a no-op.
type CapabilityBridge struct {
	pluginID string
	logger   *slog.Logger
	emitter  Emitter
	storage  StorageRequester
	released atomic.Bool
}

func newCapabilityBridge(pluginID string, logger *slog.Logger, emitter Emitter, storage StorageRequester) *CapabilityBridge {
	return &CapabilityBridge{
		pluginID: pluginID,
		logger:   logger,
		emitter:  emitter,
		storage:  storage,
	}
}

// PluginID returns the owning plugin.
func (b *CapabilityBridge) PluginID() string { return b.pluginID }

// Log writes an informational line attributed to the plugin.
func (b *CapabilityBridge) Log(message string) {
	if b.released.Load() {
		return
	}
	b.logger.Info(message, slog.String("source", "host.log"))
}

// Emit publishes an event on behalf of the plugin.
func (b *CapabilityBridge) Emit(name string, payload any) error {
	if b.released.Load() || b.emitter == nil {
		return nil
	}
	if IsHostOnly(name) {
		return ErrReservedEvent
	}
	b.emitter.Publish(Event{Name: name, Payload: payload, Source: b.pluginID})
	return nil
}

// Storage submits a storage request for the plugin.
func (b *CapabilityBridge) Storage(op StorageOp) error {
	if b.released.Load() || b.storage == nil {
		return nil
	}
	return b.storage.Request(b.pluginID, op)
}

// Release disconnects the bridge from the host.
func (b *CapabilityBridge) Release() {
	b.released.Store(true)
}

// Released reports whether Release has been called.
func (b *CapabilityBridge) Released() bool {
	return b.released.Load()
}

// table exposes the bridge to scripts as host.log, host.emit and
// host.storage. The functions are plain fields, so both host.log(msg) and
// host:log(msg) are accepted.
func (b *CapabilityBridge) table(L *lua.LState) *lua.LTable {
	// arg returns the first argument, skipping a leading host table from a
	// colon call.
	var self *lua.LTable
	arg := func(L *lua.LState, n int) lua.LValue {
		if t, ok := L.Get(1).(*lua.LTable); ok && t == self {
			return L.Get(n + 1)
		}
		return L.Get(n)
	}

	self = L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"log": func(L *lua.LState) int {
			b.Log(L.ToStringMeta(arg(L, 1)).String())
			return 0
		},
		"emit": func(L *lua.LState) int {
			name, ok := arg(L, 1).(lua.LString)
			if !ok || name == "" {
				L.RaiseError("host.emit: event name must be a non-empty string")
				return 0
			}
			if err := b.Emit(string(name), plua.ToGo(arg(L, 2))); err != nil {
				L.RaiseError("host.emit(%q): %s", string(name), err.Error())
			}
			return 0
		},
		"storage": func(L *lua.LState) int {
			req, ok := arg(L, 1).(*lua.LTable)
			if !ok {
				L.RaiseError("host.storage: request table expected")
				return 0
			}
			if err := b.Storage(storageOpFromLua(req)); err != nil {
				if errors.Is(err, ErrInvalidStorageOp) {
					L.RaiseError("host.storage: %s", err.Error())
					return 0
				}
				b.logger.Warn("storage request rejected", slog.Any("error", err))
			}
			return 0
		},
	})
	return self
}
