package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tadel/reaplugin/internal/metrics"
	plua "github.com/tadel/reaplugin/internal/plugin/lua"
	lua "github.com/yuin/gopher-lua"
)

// Convention is the export shape a module used.
type Convention int

// Module conventions.
const (
	// GlobalExport - the module assigns a global Plugin table.
	GlobalExport Convention = iota + 1

	// FactoryExport - the module defines createPlugin(host) returning the table.
	FactoryExport
)

// String returns a string representation of the convention.
func (c Convention) String() string {
	switch c {
	case GlobalExport:
		return "GlobalExport"
	case FactoryExport:
		return "FactoryExport"
	default:
		return "unknown"
	}
}

// MarshalText renders the convention name in JSON listings.
func (c Convention) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// handlers is the convention-agnostic view of a plugin object. It is only
// touched on the plugin's executor goroutine.
type handlers struct {
	self     *lua.LTable
	onLoad   *lua.LFunction
	onUnload *lua.LFunction
	onEvent  *lua.LFunction
	http     *lua.LFunction
}

// Plugin is one loaded module and its lifecycle state.
type Plugin struct {
	mu sync.RWMutex

	// Identity
	id         string
	version    string
	convention Convention
	manifest   *Manifest
	settings   map[string]any

	// Runtime
	vm       *plua.State
	bridge   *CapabilityBridge
	handlers handlers
	hasHTTP  bool

	logger  *slog.Logger
	metrics *metrics.Metrics

	// State
	state    State
	err      error
	loadedAt time.Time
}

// ID returns the plugin id.
func (p *Plugin) ID() string { return p.id }

// Version returns the version the plugin declared.
func (p *Plugin) Version() string { return p.version }

// Convention returns the module convention detected at load.
func (p *Plugin) Convention() Convention { return p.convention }

// Manifest returns the plugin manifest.
func (p *Plugin) Manifest() *Manifest { return p.manifest }

// HasHTTPHandler reports whether the plugin serves HTTP requests.
func (p *Plugin) HasHTTPHandler() bool { return p.hasHTTP }

// Bridge returns the plugin's capability bridge.
func (p *Plugin) Bridge() *CapabilityBridge { return p.bridge }

// Settings returns a copy of the settings the plugin was loaded with.
func (p *Plugin) Settings() map[string]any {
	out := make(map[string]any, len(p.settings))
	for k, v := range p.settings {
		out[k] = v
	}
	return out
}

// State returns the current lifecycle state.
func (p *Plugin) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Err returns the error that moved the plugin to Failed, if any.
func (p *Plugin) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// LoadedAt returns when the plugin reached Loaded.
func (p *Plugin) LoadedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loadedAt
}

// transition moves the plugin to next if the lifecycle allows it.
func (p *Plugin) transition(next State) error {
	p.mu.Lock()
	prev := p.state
	if !prev.CanTransition(next) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	p.state = next
	if next == StateLoaded {
		p.loadedAt = time.Now()
	}
	p.mu.Unlock()

	p.metrics.StateChanged(prev.String(), next.String())
	p.logger.Debug("plugin state changed", slog.String("from", prev.String()), slog.String("to", next.String()))
	return nil
}

// fail moves the plugin to Failed and stops its timers and in-flight async
// work. It reports false when the plugin was already out of Loading/Loaded.
func (p *Plugin) fail(phase string, err error) bool {
	p.mu.Lock()
	prev := p.state
	if !prev.CanTransition(StateFailed) {
		p.mu.Unlock()
		return false
	}
	p.state = StateFailed
	p.err = err
	p.mu.Unlock()

	p.vm.Quiesce()
	p.metrics.StateChanged(prev.String(), StateFailed.String())
	p.metrics.PluginFailed(p.id, phase)
	p.logger.Error("plugin failed",
		slog.String("phase", phase),
		slog.String("error", plua.ErrorMessage(err)),
	)
	return true
}

// deliver calls onEvent on the plugin's executor. The Loaded check happens
// there too, so a plugin that failed or began unloading while the call was
// queued is skipped.
func (p *Plugin) deliver(ctx context.Context, ev Event) (bool, error) {
	delivered := false
	err := p.vm.Do(ctx, func(L *lua.LState) error {
		if p.State() != StateLoaded {
			return nil
		}
		delivered = true
		_, err := plua.CallMethod(L, p.handlers.self, p.handlers.onEvent, ev.toLua(L))
		return err
	})
	if errors.Is(err, plua.ErrExecutorClosed) {
		return false, nil
	}
	return delivered, err
}

// unload runs the unload sequence. onUnload errors are logged; a Failed
// plugin is released without calling back into it.
func (p *Plugin) unload(ctx context.Context) error {
	switch p.State() {
	case StateLoaded:
	case StateFailed:
		p.release()
		return nil
	case StateUnloading, StateUnloaded:
		return nil
	default:
		return fmt.Errorf("%w: cannot unload while %s", ErrInvalidTransition, p.State())
	}

	if err := p.transition(StateUnloading); err != nil {
		// Lost a race with fail.
		p.release()
		return nil
	}
	p.vm.Quiesce()

	err := p.vm.Do(ctx, func(L *lua.LState) error {
		_, err := plua.CallMethod(L, p.handlers.self, p.handlers.onUnload)
		return err
	})
	if err != nil {
		p.logger.Warn("onUnload failed", slog.String("error", plua.ErrorMessage(err)))
	}

	if err := p.transition(StateUnloaded); err != nil {
		return err
	}
	p.release()
	p.logger.Info("plugin unloaded")
	return nil
}

func (p *Plugin) release() {
	p.bridge.Release()
	_ = p.vm.Close()
}
