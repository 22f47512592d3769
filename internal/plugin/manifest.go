package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"

	plua "github.com/tadel/reaplugin/internal/plugin/lua"
)

// ManifestFile is the optional metadata file in a plugin directory.
const ManifestFile = "plugin.json"

// DefaultMain is the script entry point when the manifest names none.
const DefaultMain = "plugin.lua"

// Manifest describes a plugin's metadata and settings schema.
type Manifest struct {
	ID          string `json:"id"`          // e.g. "time-to-ready.reaplugin"
	Version     string `json:"version"`     // semver
	DisplayName string `json:"displayName"` // human-readable name
	Description string `json:"description"`
	Author      string `json:"author"`

	// Main is the script path relative to the plugin directory.
	Main string `json:"main"`

	// Capabilities requested, e.g. "network".
	Capabilities []string `json:"capabilities"`

	// Settings declares the keys passed to onLoad and their defaults.
	Settings map[string]SettingProperty `json:"settings"`
}

// SettingProperty describes one plugin setting.
type SettingProperty struct {
	Type        string `json:"type"` // string, number, boolean, array, object
	Default     any    `json:"default"`
	Description string `json:"description"`
	Secret      bool   `json:"secret"`
}

// Validation errors.
var (
	ErrMissingID         = errors.New("manifest: id is required")
	ErrInvalidID         = errors.New("manifest: id must be lowercase alphanumeric with dots or hyphens")
	ErrInvalidVersion    = errors.New("manifest: version must be valid semver")
	ErrInvalidMain       = errors.New("manifest: main must be a .lua file")
	ErrInvalidCapability = errors.New("manifest: invalid capability")
	ErrInvalidSetting    = errors.New("manifest: invalid setting type")
)

var idPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9.-]*[a-z0-9])?$`)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

var validSettingTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// ParseManifest decodes and validates manifest JSON.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadManifest loads dir/plugin.json from fsys.
func ReadManifest(fsys fs.FS, dir string) (*Manifest, error) {
	data, err := fs.ReadFile(fsys, path.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// NewManifestMinimal creates the manifest assumed for a plugin without one.
func NewManifestMinimal(id string) *Manifest {
	m := &Manifest{ID: id}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Main == "" {
		m.Main = DefaultMain
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
}

// Validate checks that the manifest is valid.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: %s", ErrInvalidID, m.ID)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Version)
	}
	if path.Ext(m.Main) != ".lua" {
		return fmt.Errorf("%w: %s", ErrInvalidMain, m.Main)
	}
	for _, c := range m.Capabilities {
		if _, err := plua.ParseCapability(c); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidCapability, c)
		}
	}
	for name, prop := range m.Settings {
		if prop.Type != "" && !validSettingTypes[prop.Type] {
			return fmt.Errorf("%w: %s.%s has type %q", ErrInvalidSetting, m.ID, name, prop.Type)
		}
	}
	return nil
}

// CapabilityList converts requested capabilities. Validate has already
// rejected unknown names.
func (m *Manifest) CapabilityList() []plua.Capability {
	caps := make([]plua.Capability, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		if parsed, err := plua.ParseCapability(c); err == nil {
			caps = append(caps, parsed)
		}
	}
	return caps
}

// DefaultSettings returns every declared default.
func (m *Manifest) DefaultSettings() map[string]any {
	defaults := make(map[string]any, len(m.Settings))
	for key, prop := range m.Settings {
		if prop.Default != nil {
			defaults[key] = prop.Default
		}
	}
	return defaults
}

// IsSecret reports whether a setting should be redacted in listings.
func (m *Manifest) IsSecret(key string) bool {
	return m.Settings[key].Secret
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	display := m.DisplayName
	if display == "" {
		display = m.ID
	}
	return fmt.Sprintf("%s v%s", display, m.Version)
}
