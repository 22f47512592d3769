package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func setGlobal(t *testing.T, p *Plugin, name string, v lua.LValue) {
	t.Helper()
	require.NoError(t, p.vm.Do(context.Background(), func(L *lua.LState) error {
		L.SetGlobal(name, v)
		return nil
	}))
}

func TestDispatcherDeliversInLoadOrderAndIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.registry)
	log := &callLog{}

	var plugins []*Plugin
	for _, id := range []string{"a", "b", "c"} {
		p := f.mustLoad(t, id, recordingPluginSrc)
		attach(t, p, log)
		plugins = append(plugins, p)
	}
	setGlobal(t, plugins[1], "failOnBoom", lua.LTrue)

	n := d.Deliver(context.Background(), Event{Name: "boom"})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a:boom", "b:boom", "c:boom"}, log.Calls())
	assert.Equal(t, StateFailed, plugins[1].State())

	var derr *DispatchError
	require.ErrorAs(t, plugins[1].Err(), &derr)
	assert.Equal(t, "boom", derr.Event)

	d.Deliver(context.Background(), Event{Name: "next"})
	assert.Equal(t, []string{"a:boom", "b:boom", "c:boom", "a:next", "c:next"}, log.Calls())
}

func TestDispatcherSkipsPluginsNotLoaded(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.registry)
	log := &callLog{}

	a := f.mustLoad(t, "a", recordingPluginSrc)
	b := f.mustLoad(t, "b", recordingPluginSrc)
	attach(t, a, log)
	attach(t, b, log)
	require.NoError(t, f.registry.Unload(context.Background(), "b"))
	log = &callLog{}
	attach(t, a, log)

	d.Deliver(context.Background(), Event{Name: EventStateUpdate})
	assert.Equal(t, []string{"a:stateUpdate"}, log.Calls())
}

func TestDispatcherTargetedEvent(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.registry)
	log := &callLog{}
	for _, id := range []string{"a", "b"} {
		attach(t, f.mustLoad(t, id, recordingPluginSrc), log)
	}

	n := d.Deliver(context.Background(), Event{Name: EventStorageRead, Target: "b"})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b:storageRead"}, log.Calls())

	assert.Zero(t, d.Deliver(context.Background(), Event{Name: EventStorageRead, Target: "gone"}))
}

func TestDispatcherSelfDelivery(t *testing.T) {
	tests := []struct {
		name string
		self bool
		want []string
	}{
		{"disabled", false, []string{"b:custom"}},
		{"enabled", true, []string{"a:custom", "b:custom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := NewDispatcher(f.registry, WithSelfDelivery(tt.self))
			log := &callLog{}
			for _, id := range []string{"a", "b"} {
				attach(t, f.mustLoad(t, id, recordingPluginSrc), log)
			}

			d.Deliver(context.Background(), Event{Name: "custom", Source: "a"})
			assert.Equal(t, tt.want, log.Calls())
		})
	}
}

func TestDispatcherEventTable(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.registry)
	p := f.mustLoad(t, "a", `
Plugin = {
	onLoad = function(self, ctx) end,
	onUnload = function(self) end,
	onEvent = function(self, event) last = event end,
}`)

	ts := time.UnixMilli(1700000000123)
	d.Deliver(context.Background(), Event{
		Name:      EventStateUpdate,
		Payload:   map[string]any{"groupTemperature": 91.5},
		Timestamp: ts,
	})

	last, ok := global(t, p, "last").(*lua.LTable)
	require.True(t, ok)
	assert.Equal(t, lua.LString(EventStateUpdate), last.RawGetString("name"))
	assert.Equal(t, lua.LNumber(1700000000123), last.RawGetString("timestamp"))
	payload, ok := last.RawGetString("payload").(*lua.LTable)
	require.True(t, ok)
	assert.Equal(t, lua.LNumber(91.5), payload.RawGetString("groupTemperature"))
}

func TestDispatcherPublishRunsFIFO(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.registry)
	log := &callLog{}
	attach(t, f.mustLoad(t, "a", recordingPluginSrc), log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	for _, name := range []string{"one", "two", "three"} {
		d.Publish(Event{Name: name})
	}
	require.Eventually(t, func() bool { return log.Len() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a:one", "a:two", "a:three"}, log.Calls())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDispatcherPluginEmitReachesOthers(t *testing.T) {
	registry := NewRegistry(nil, nil)
	d := NewDispatcher(registry)
	loader := NewLoader(registry, WithEmitter(d))
	t.Cleanup(func() { _ = registry.UnloadAll(context.Background()) })

	load := func(id, code string) *Plugin {
		p, err := loader.Load(context.Background(), Source{ID: id, Code: code}, nil)
		require.NoError(t, err)
		return p
	}
	emitter := load("emitter", `
Plugin = {
	onLoad = function(self, ctx) end,
	onUnload = function(self) end,
	onEvent = function(self, event)
		if record then record(event.name) end
		if event.name == "ping" then host.emit("pong", { n = 1 }) end
	end,
}`)
	listener := load("listener", recordingPluginSrc)
	log := &callLog{}
	attach(t, emitter, log)
	attach(t, listener, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Publish(Event{Name: "ping", Target: "emitter"})
	require.Eventually(t, func() bool { return log.Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"emitter:ping", "listener:pong"}, log.Calls())
}

func TestDispatcherPublishAfterCloseIsDropped(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.registry)
	d.Close()
	d.Publish(Event{Name: "late"})
	assert.Zero(t, d.Pending())
}

func TestDispatcherShutdown(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.registry)
	log := &callLog{}
	for _, id := range []string{"a", "b"} {
		attach(t, f.mustLoad(t, id, recordingPluginSrc), log)
	}

	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, []string{"a:shutdown", "b:shutdown", "b:unload", "a:unload"}, log.Calls())
	for _, p := range f.registry.List() {
		assert.Equal(t, StateUnloaded, p.State())
	}
}

func TestNoCallbackAfterUnload(t *testing.T) {
	f := newFixture(t)
	log := &callLog{}
	p := f.mustLoad(t, "ticker", `
Plugin = {
	onLoad = function(self, ctx)
		setInterval(function() if record then record("tick") end end, 5)
	end,
	onUnload = function(self) end,
	onEvent = function(self, event) end,
}`)
	attach(t, p, log)
	require.Eventually(t, func() bool { return log.Len() >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, f.registry.Unload(context.Background(), "ticker"))
	after := log.Len()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, log.Len())
	assert.Zero(t, p.vm.Timers().Pending())
}

func TestFailedPluginTimersStop(t *testing.T) {
	f := newFixture(t)
	d := NewDispatcher(f.registry)
	log := &callLog{}
	p := f.mustLoad(t, "ticker", `
Plugin = {
	onLoad = function(self, ctx)
		setInterval(function() if record then record("tick") end end, 5)
	end,
	onUnload = function(self) end,
	onEvent = function(self, event) error("bad event") end,
}`)
	attach(t, p, log)
	require.Eventually(t, func() bool { return log.Len() >= 1 }, time.Second, time.Millisecond)

	d.Deliver(context.Background(), Event{Name: "anything"})
	require.Equal(t, StateFailed, p.State())
	after := log.Len()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, log.Len())
}
