package plugin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tadel/reaplugin/internal/metrics"
	plua "github.com/tadel/reaplugin/internal/plugin/lua"
	lua "github.com/yuin/gopher-lua"
)

// APIVersion is passed to every onLoad as ctx.apiVersion.
const APIVersion = 1

// Lua globals that carry the module conventions.
const (
	globalHost    = "host"
	globalPlugin  = "Plugin"
	globalFactory = "createPlugin"

	httpHandlerField = "__httpRequestHandler"
)

// Loader turns plugin sources into registered plugins.
type Loader struct {
	registry *Registry
	emitter  Emitter
	storage  StorageRequester
	logger   *slog.Logger
	metrics  *metrics.Metrics

	stateOpts  []plua.StateOption
	apiVersion int
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the parent logger; each plugin logs under plugin=<id>.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLoaderMetrics sets the metrics sink.
func WithLoaderMetrics(m *metrics.Metrics) LoaderOption {
	return func(l *Loader) {
		l.metrics = m
	}
}

// WithEmitter sets where host.emit publishes.
func WithEmitter(e Emitter) LoaderOption {
	return func(l *Loader) {
		l.emitter = e
	}
}

// WithStorage sets where host.storage requests go.
func WithStorage(s StorageRequester) LoaderOption {
	return func(l *Loader) {
		l.storage = s
	}
}

// WithStateOptions adds options applied to every plugin's Lua state.
func WithStateOptions(opts ...plua.StateOption) LoaderOption {
	return func(l *Loader) {
		l.stateOpts = append(l.stateOpts, opts...)
	}
}

// WithAPIVersion overrides the API version handed to onLoad.
func WithAPIVersion(v int) LoaderOption {
	return func(l *Loader) {
		l.apiVersion = v
	}
}

// NewLoader creates a loader that registers plugins with registry.
func NewLoader(registry *Registry, opts ...LoaderOption) *Loader {
	l := &Loader{
		registry:   registry,
		logger:     slog.Default(),
		apiVersion: APIVersion,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load executes src, detects its convention, registers the plugin and calls
// onLoad with the effective settings. When onLoad fails the plugin stays
// registered in Failed and is returned together with a *LoadError.
func (l *Loader) Load(ctx context.Context, src Source, settings map[string]any) (*Plugin, error) {
	manifest := src.Manifest
	if manifest == nil {
		manifest = NewManifestMinimal(src.ID)
	}
	id := src.ID
	if id == "" {
		id = manifest.ID
	}
	if id == "" {
		return nil, &LoadError{Err: ErrMissingID}
	}
	name := src.Name
	if name == "" {
		name = id
	}

	logger := l.logger.With(slog.String("plugin", id))
	opts := append([]plua.StateOption{}, l.stateOpts...)
	opts = append(opts,
		plua.WithName(name),
		plua.WithLogger(logger),
		plua.WithCapabilities(manifest.CapabilityList()...),
	)
	vm, err := plua.NewState(opts...)
	if err != nil {
		return nil, &LoadError{PluginID: id, Err: err}
	}

	bridge := newCapabilityBridge(id, logger, l.emitter, l.storage)

	var (
		conv Convention
		h    handlers
	)
	err = vm.Do(ctx, func(L *lua.LState) error {
		L.SetGlobal(globalHost, bridge.table(L))
		return nil
	})
	if err == nil {
		err = vm.Load(ctx, src.Code)
	}
	if err == nil {
		err = vm.Do(ctx, func(L *lua.LState) error {
			var derr error
			conv, h, derr = detectConvention(L)
			return derr
		})
	}
	if err != nil {
		bridge.Release()
		_ = vm.Close()
		return nil, &LoadError{PluginID: id, Err: err}
	}

	version := manifest.Version
	var declaredID string
	_ = vm.Do(ctx, func(L *lua.LState) error {
		if v, ok := L.GetField(h.self, "id").(lua.LString); ok {
			declaredID = string(v)
		}
		if v, ok := L.GetField(h.self, "version").(lua.LString); ok && v != "" {
			version = string(v)
		}
		return nil
	})
	if declaredID != "" && declaredID != id {
		bridge.Release()
		_ = vm.Close()
		return nil, &LoadError{PluginID: id, Err: fmt.Errorf("%w: script declares %q", ErrIDMismatch, declaredID)}
	}

	effective := manifest.DefaultSettings()
	for k, v := range settings {
		effective[k] = v
	}

	p := &Plugin{
		id:         id,
		version:    version,
		convention: conv,
		manifest:   manifest,
		settings:   effective,
		vm:         vm,
		bridge:     bridge,
		handlers:   h,
		hasHTTP:    h.http != nil,
		logger:     logger,
		metrics:    l.metrics,
		state:      StateLoading,
	}
	if err := l.registry.register(p); err != nil {
		bridge.Release()
		_ = vm.Close()
		return nil, &LoadError{PluginID: id, Err: err}
	}

	err = vm.Do(ctx, func(L *lua.LState) error {
		arg, _ := plua.ToLua(L, effective).(*lua.LTable)
		if arg == nil {
			arg = L.NewTable()
		}
		arg.RawSetString("apiVersion", lua.LNumber(l.apiVersion))
		_, err := plua.CallMethod(L, h.self, h.onLoad, arg)
		return err
	})
	if err != nil {
		p.fail("load", err)
		return p, &LoadError{PluginID: id, Err: err}
	}
	if err := p.transition(StateLoaded); err != nil {
		return p, &LoadError{PluginID: id, Err: err}
	}

	logger.Info("plugin loaded",
		slog.String("version", version),
		slog.String("convention", conv.String()),
		slog.Bool("http", p.hasHTTP),
	)
	return p, nil
}

// detectConvention inspects the globals left by the module. Exactly one of
// Plugin (table) or createPlugin (function) must be present.
func detectConvention(L *lua.LState) (Convention, handlers, error) {
	global, isGlobal := L.GetGlobal(globalPlugin).(*lua.LTable)
	factory, isFactory := L.GetGlobal(globalFactory).(*lua.LFunction)

	var (
		conv Convention
		self *lua.LTable
	)
	switch {
	case isGlobal && isFactory:
		return 0, handlers{}, ErrAmbiguousConvention
	case isGlobal:
		conv, self = GlobalExport, global
	case isFactory:
		host := L.GetGlobal(globalHost)
		L.SetGlobal(globalHost, lua.LNil)
		ret, err := plua.CallMethod(L, nil, factory, host)
		if err != nil {
			return 0, handlers{}, fmt.Errorf("createPlugin: %w", err)
		}
		t, ok := ret.(*lua.LTable)
		if !ok {
			return 0, handlers{}, fmt.Errorf("createPlugin returned %s, want table", ret.Type())
		}
		conv, self = FactoryExport, t
	default:
		return 0, handlers{}, ErrNoConvention
	}

	h, err := bindHandlers(L, self)
	return conv, h, err
}

// bindHandlers resolves methods through metatables so class-style plugin
// objects work.
func bindHandlers(L *lua.LState, self *lua.LTable) (handlers, error) {
	h := handlers{self: self}
	required := []struct {
		name string
		dst  **lua.LFunction
	}{
		{"onLoad", &h.onLoad},
		{"onUnload", &h.onUnload},
		{"onEvent", &h.onEvent},
	}
	for _, r := range required {
		fn, ok := L.GetField(self, r.name).(*lua.LFunction)
		if !ok {
			return handlers{}, fmt.Errorf("%w: %s", ErrMissingHandler, r.name)
		}
		*r.dst = fn
	}
	h.http, _ = L.GetField(self, httpHandlerField).(*lua.LFunction)
	return h, nil
}
