package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	plua "github.com/tadel/reaplugin/internal/plugin/lua"
)

// recorder is an Emitter that keeps everything published to it.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) Names() []string {
	var names []string
	for _, ev := range r.Events() {
		names = append(names, ev.Name)
	}
	return names
}

// callLog collects record(...) calls from several plugins in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
}

func (c *callLog) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *callLog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fixture struct {
	registry *Registry
	loader   *Loader
	emitted  *recorder
}

func newFixture(t *testing.T, opts ...LoaderOption) *fixture {
	t.Helper()
	f := &fixture{
		registry: NewRegistry(nil, nil),
		emitted:  &recorder{},
	}
	opts = append([]LoaderOption{WithEmitter(f.emitted)}, opts...)
	f.loader = NewLoader(f.registry, opts...)
	t.Cleanup(func() {
		_ = f.registry.UnloadAll(context.Background())
	})
	return f
}

func (f *fixture) load(t *testing.T, id, code string, settings map[string]any) (*Plugin, error) {
	t.Helper()
	return f.loader.Load(context.Background(), Source{ID: id, Name: id + ".lua", Code: code}, settings)
}

func (f *fixture) mustLoad(t *testing.T, id, code string) *Plugin {
	t.Helper()
	p, err := f.load(t, id, code, nil)
	require.NoError(t, err)
	return p
}

// attach installs record(s) in the plugin's VM, logging "<id>:<s>".
func attach(t *testing.T, p *Plugin, log *callLog) {
	t.Helper()
	err := p.vm.Do(context.Background(), func(L *lua.LState) error {
		L.SetGlobal("record", L.NewFunction(func(L *lua.LState) int {
			log.add(p.id + ":" + L.CheckString(1))
			return 0
		}))
		return nil
	})
	require.NoError(t, err)
}

func global(t *testing.T, p *Plugin, name string) lua.LValue {
	t.Helper()
	var v lua.LValue
	err := p.vm.Do(context.Background(), func(L *lua.LState) error {
		v = L.GetGlobal(name)
		return nil
	})
	require.NoError(t, err)
	return v
}

const globalPluginSrc = `
Plugin = {
	id = "alpha",
	version = "1.2.3",
	onLoad = function(self, ctx)
		loadedWith = ctx
		host.log("loaded")
	end,
	onUnload = function(self) end,
	onEvent = function(self, event) end,
}
`

const factoryPluginSrc = `
function createPlugin(h)
	factoryArg = h
	hostGlobal = host
	return {
		onLoad = function(self, ctx) apiVersion = ctx.apiVersion end,
		onUnload = function(self) end,
		onEvent = function(self, event) end,
		__httpRequestHandler = function(self, req) return { body = "ok" } end,
	}
end
`

func TestLoadGlobalExport(t *testing.T) {
	f := newFixture(t)

	p, err := f.load(t, "alpha", globalPluginSrc, map[string]any{"RefreshInterval": 10})
	require.NoError(t, err)

	assert.Equal(t, StateLoaded, p.State())
	assert.Equal(t, GlobalExport, p.Convention())
	assert.Equal(t, "1.2.3", p.Version())
	assert.False(t, p.HasHTTPHandler())
	assert.False(t, p.LoadedAt().IsZero())

	ctx, ok := global(t, p, "loadedWith").(*lua.LTable)
	require.True(t, ok)
	assert.Equal(t, lua.LNumber(APIVersion), ctx.RawGetString("apiVersion"))
	assert.Equal(t, lua.LNumber(10), ctx.RawGetString("RefreshInterval"))

	got, ok := f.registry.Get("alpha")
	require.True(t, ok)
	assert.Same(t, p, got)
}

func TestLoadFactoryExport(t *testing.T) {
	f := newFixture(t)

	p, err := f.load(t, "beta", factoryPluginSrc, nil)
	require.NoError(t, err)

	assert.Equal(t, FactoryExport, p.Convention())
	assert.True(t, p.HasHTTPHandler())
	assert.Equal(t, lua.LNumber(APIVersion), global(t, p, "apiVersion"))
	assert.IsType(t, &lua.LTable{}, global(t, p, "factoryArg"))
	assert.Equal(t, lua.LNil, global(t, p, "hostGlobal"), "host global must be gone for factory modules")
	assert.Equal(t, lua.LNil, global(t, p, "host"))
}

func TestLoadConventionErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
		want error
	}{
		{"neither", `x = 1`, ErrNoConvention},
		{"both", globalPluginSrc + factoryPluginSrc, ErrAmbiguousConvention},
		{"missing onEvent", `Plugin = { onLoad = function() end, onUnload = function() end }`, ErrMissingHandler},
		{"plugin not a table", `Plugin = 42`, ErrNoConvention},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			p, err := f.load(t, "alpha", tt.code, nil)
			require.Error(t, err)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, tt.want)

			var lerr *LoadError
			require.ErrorAs(t, err, &lerr)
			assert.Equal(t, "alpha", lerr.PluginID)
			assert.Equal(t, 0, f.registry.Len())
		})
	}
}

func TestLoadSyntaxError(t *testing.T) {
	f := newFixture(t)
	_, err := f.load(t, "broken", `Plugin = {`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.lua")
	assert.Equal(t, 0, f.registry.Len())
}

func TestLoadFactoryReturnsNonTable(t *testing.T) {
	f := newFixture(t)
	_, err := f.load(t, "odd", `function createPlugin(host) return 7 end`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want table")
}

func TestLoadOnLoadFailureKeepsPluginFailed(t *testing.T) {
	f := newFixture(t)

	p, err := f.load(t, "bad", `
Plugin = {
	onLoad = function(self, ctx) error("no settings") end,
	onUnload = function(self) end,
	onEvent = function(self, event) end,
}`, nil)
	require.Error(t, err)
	require.NotNil(t, p)

	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, StateFailed, p.State())
	assert.Contains(t, plua.ErrorMessage(p.Err()), "no settings")

	listed, ok := f.registry.Get("bad")
	require.True(t, ok, "failed plugins stay listed")
	assert.Equal(t, StateFailed, listed.State())
}

func TestLoadDuplicateID(t *testing.T) {
	f := newFixture(t)
	f.mustLoad(t, "alpha", globalPluginSrc)

	_, err := f.load(t, "alpha", globalPluginSrc, nil)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, f.registry.Len())
}

func TestLoadIDMismatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.load(t, "other", globalPluginSrc, nil)
	assert.ErrorIs(t, err, ErrIDMismatch)
}

func TestLoadManifestDefaults(t *testing.T) {
	f := newFixture(t)
	m := NewManifestMinimal("alpha")
	m.Settings = map[string]SettingProperty{
		"RefreshInterval": {Type: "number", Default: float64(5)},
		"Mode":            {Type: "string", Default: "auto"},
	}

	p, err := f.loader.Load(context.Background(), Source{ID: "alpha", Code: globalPluginSrc, Manifest: m},
		map[string]any{"Mode": "manual", "Extra": true})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"RefreshInterval": float64(5),
		"Mode":            "manual",
		"Extra":           true,
	}, p.Settings())
}

func TestLoadClassStylePlugin(t *testing.T) {
	f := newFixture(t)
	p, err := f.load(t, "klass", `
local Klass = {}
Klass.__index = Klass
function Klass:onLoad(ctx) self.ready = true end
function Klass:onUnload() end
function Klass:onEvent(event) end
function createPlugin(host) return setmetatable({}, Klass) end
`, nil)
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, p.State())
}

func TestLoadHostEmitDuringOnLoad(t *testing.T) {
	f := newFixture(t)
	f.mustLoad(t, "alpha", `
Plugin = {
	onLoad = function(self, ctx) host.emit("plugin.loaded", { plugin = "alpha" }) end,
	onUnload = function(self) end,
	onEvent = function(self, event) end,
}`)

	events := f.emitted.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "plugin.loaded", events[0].Name)
	assert.Equal(t, "alpha", events[0].Source)
	assert.Equal(t, map[string]any{"plugin": "alpha"}, events[0].Payload)
}

func TestLoadHostEmitReservedName(t *testing.T) {
	f := newFixture(t)
	p, err := f.load(t, "sneaky", `
Plugin = {
	onLoad = function(self, ctx) host.emit("storageRead", { key = "x" }) end,
	onUnload = function(self) end,
	onEvent = function(self, event) end,
}`, nil)
	require.Error(t, err)
	assert.Equal(t, StateFailed, p.State())
	assert.Empty(t, f.emitted.Events())
}

func TestLoadRunawayModuleIsAborted(t *testing.T) {
	f := newFixture(t, WithStateOptions(plua.WithCallTimeout(50*time.Millisecond)))

	start := time.Now()
	_, err := f.load(t, "spin", `while true do end`, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, plua.ErrExecutionTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
