package plugin

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plua "github.com/tadel/reaplugin/internal/plugin/lua"
)

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`{
		"id": "visualizer.reaplugin",
		"version": "1.0.0",
		"displayName": "Visualizer",
		"capabilities": ["network"],
		"settings": {
			"Username": {"type": "string", "description": "account name"},
			"Password": {"type": "string", "secret": true},
			"Interval": {"type": "number", "default": 10}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "visualizer.reaplugin", m.ID)
	assert.Equal(t, DefaultMain, m.Main)
	assert.Equal(t, []plua.Capability{plua.CapabilityNetwork}, m.CapabilityList())
	assert.Equal(t, map[string]any{"Interval": float64(10)}, m.DefaultSettings())
	assert.True(t, m.IsSecret("Password"))
	assert.False(t, m.IsSecret("Username"))
	assert.Equal(t, "Visualizer v1.0.0", m.String())
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name string
		json string
		want error
	}{
		{"missing id", `{"version": "1.0.0"}`, ErrMissingID},
		{"uppercase id", `{"id": "Bad"}`, ErrInvalidID},
		{"trailing dot", `{"id": "bad."}`, ErrInvalidID},
		{"bad version", `{"id": "ok", "version": "one"}`, ErrInvalidVersion},
		{"bad main", `{"id": "ok", "main": "plugin.js"}`, ErrInvalidMain},
		{"bad capability", `{"id": "ok", "capabilities": ["filesystem"]}`, ErrInvalidCapability},
		{"bad setting", `{"id": "ok", "settings": {"x": {"type": "date"}}}`, ErrInvalidSetting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.json))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := ParseManifest([]byte(`{`))
	assert.Error(t, err)
}

func TestNewManifestMinimal(t *testing.T) {
	m := NewManifestMinimal("time-to-ready.reaplugin")
	require.NoError(t, m.Validate())
	assert.Equal(t, "0.0.0", m.Version)
	assert.Equal(t, DefaultMain, m.Main)
	assert.Empty(t, m.DefaultSettings())
}

func TestDiscover(t *testing.T) {
	user := fstest.MapFS{
		"custom.plugin/plugin.lua":  {Data: []byte(`-- custom`)},
		"custom.plugin/plugin.json": {Data: []byte(`{"id": "custom.plugin", "version": "2.0.0"}`)},
		"single.lua":                {Data: []byte(`-- single`)},
		"shared.plugin/plugin.lua":  {Data: []byte(`-- user copy`)},
		"notes/readme.txt":          {Data: []byte(`not a plugin`)},
	}
	builtin := fstest.MapFS{
		"shared.plugin/plugin.lua": {Data: []byte(`-- builtin copy`)},
		"aaa.plugin/entry.lua":     {Data: []byte(`-- entry`)},
		"aaa.plugin/plugin.json":   {Data: []byte(`{"id": "aaa.plugin", "main": "entry.lua"}`)},
	}

	sources, err := Discover(nil, Root{Name: "user", FS: user}, Root{Name: "builtin", FS: builtin})
	require.NoError(t, err)

	var ids []string
	for _, src := range sources {
		ids = append(ids, src.ID)
	}
	assert.Equal(t, []string{"aaa.plugin", "custom.plugin", "shared.plugin", "single"}, ids)

	byID := make(map[string]Source)
	for _, src := range sources {
		byID[src.ID] = src
	}
	assert.Equal(t, "-- user copy", byID["shared.plugin"].Code, "earlier root wins")
	assert.Equal(t, "2.0.0", byID["custom.plugin"].Manifest.Version)
	assert.Equal(t, "builtin/aaa.plugin/entry.lua", byID["aaa.plugin"].Name)
	assert.Equal(t, "user/single.lua", byID["single"].Name)
	assert.NotNil(t, byID["single"].Manifest)
}

func TestDiscoverReportsBrokenPlugins(t *testing.T) {
	root := fstest.MapFS{
		"good/plugin.lua":     {Data: []byte(`-- ok`)},
		"badjson/plugin.json": {Data: []byte(`{"id":`)},
		"nomain/plugin.json":  {Data: []byte(`{"id": "nomain"}`)},
		"Upper/plugin.lua":    {Data: []byte(`-- bad id`)},
	}

	sources, err := Discover(nil, Root{Name: "dir", FS: root})
	require.Error(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "good", sources[0].ID)

	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.ErrorIs(t, err, ErrNoEntryPoint)
	assert.ErrorIs(t, err, ErrInvalidID)
}
