package app

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tadel/reaplugin/internal/config"
	"github.com/tadel/reaplugin/internal/plugin"
	"github.com/tadel/reaplugin/internal/storage"
)

const greeterManifest = `{
	"id": "greeter",
	"version": "0.2.0",
	"settings": { "Greeting": { "type": "string", "default": "hello" } }
}`

const greeterSrc = `
local greeting = "?"
Plugin = {
	onLoad = function(self, ctx) greeting = ctx.Greeting end,
	onUnload = function(self) end,
	onEvent = function(self, event) end,
	__httpRequestHandler = function(self, req)
		return { body = { greeting = greeting } }
	end,
}`

func boolPtr(b bool) *bool { return &b }

// lockedBuffer is written by runtime goroutines while tests read it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writePlugin(t *testing.T, root, id, manifest, code string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if manifest != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile), []byte(manifest), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.DefaultMain), []byte(code), 0o644))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	writePlugin(t, dir, "greeter", greeterManifest, greeterSrc)
	writePlugin(t, dir, "broken", "", "Plugin = {")

	cfg := config.Default()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Storage = storage.Config{Driver: storage.DriverMemory}
	cfg.Plugins.Dirs = []string{dir, filepath.Join(dir, "missing")}
	cfg.Plugins.Entries = map[string]config.PluginEntry{
		"greeter":              {Settings: map[string]any{"Greeting": "bonjour"}},
		"visualizer.reaplugin": {Enabled: boolPtr(false)},
	}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*Application, *lockedBuffer) {
	t.Helper()
	logs := &lockedBuffer{}
	app, err := New(context.Background(), Options{Config: cfg, LogOutput: logs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app, logs
}

func TestNewLoadsPlugins(t *testing.T) {
	app, logs := newTestApp(t, testConfig(t))

	ids := make(map[string]plugin.State)
	for _, info := range app.Plugins().Plugins() {
		ids[info.ID] = info.State
	}
	assert.Equal(t, map[string]plugin.State{
		"example.plugin":          plugin.StateLoaded,
		"greeter":                 plugin.StateLoaded,
		"settings.reaplugin":      plugin.StateLoaded,
		"time-to-ready.reaplugin": plugin.StateLoaded,
	}, ids)
	assert.Contains(t, logs.String(), "some plugins failed to load")
	assert.Contains(t, logs.String(), `"plugin":"visualizer.reaplugin"`)
}

func TestNewCapabilityOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plugins.Builtin = false
	cfg.Plugins.Entries["greeter"] = config.PluginEntry{Capabilities: []string{"network"}}

	app, _ := newTestApp(t, cfg)
	p, ok := app.Plugins().Registry().Get("greeter")
	require.True(t, ok)
	assert.Equal(t, []string{"network"}, p.Manifest().Capabilities)
	assert.Equal(t, 1, app.Plugins().Registry().Len())
}

func TestNewLogLevelOverride(t *testing.T) {
	cfg := testConfig(t)
	logs := &lockedBuffer{}
	app, err := New(context.Background(), Options{Config: cfg, LogLevel: "error", LogOutput: logs})
	require.NoError(t, err)
	require.NoError(t, app.Shutdown(context.Background()))
	assert.NotContains(t, logs.String(), "plugins loaded")
	assert.Equal(t, "error", app.Config().Log.Level)
}

func TestNewFailsOnBadStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "mongo"
	_, err := New(context.Background(), Options{Config: cfg, LogOutput: io.Discard})
	var ierr *InitError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "storage", ierr.Component)
}

func TestNewFailsOnMissingConfigFile(t *testing.T) {
	_, err := New(context.Background(), Options{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.ErrorIs(t, err, config.ErrFileNotFound)
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServeAndShutdown(t *testing.T) {
	app, _ := newTestApp(t, testConfig(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx, ln) }()

	status, body := get(t, base+"/api/v1/plugins/greeter/hello")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"greeting":"bonjour"}`, body)

	status, _ = get(t, base+"/ready")
	assert.Equal(t, http.StatusOK, status)

	resp, err := http.Post(base+"/api/v1/events", "application/json",
		strings.NewReader(`{"name":"stateUpdate","timestamp":1000,"payload":{"groupTemperature":84,"targetGroupTemperature":94}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		status, body := get(t, base+"/api/v1/plugins/time-to-ready.reaplugin/estimate")
		return status == http.StatusOK && strings.Contains(body, `"ticksSeen":1`)
	}, 2*time.Second, 10*time.Millisecond)

	status, body = get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "reaplugin_events_delivered_total")

	greeter, ok := app.Plugins().Registry().Get("greeter")
	require.True(t, ok)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, plugin.StateUnloaded, greeter.State())
	require.NoError(t, app.Shutdown(context.Background()), "second shutdown is a no-op")
}
