// Package config loads the daemon configuration.
//
// Values are layered: built-in defaults, then the YAML file, then
// REAPLUGIN_* environment variables. The file may reference environment
// variables as ${NAME}, which keeps plugin secrets out of it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tadel/reaplugin/internal/storage"
)

// Config is the complete daemon configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Log     LogConfig      `yaml:"log"`
	Runtime RuntimeConfig  `yaml:"runtime"`
	Storage storage.Config `yaml:"storage"`
	Plugins PluginsConfig  `yaml:"plugins"`
}

// ServerConfig controls the host HTTP surface.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	ReadTimeout     time.Duration `yaml:"readTimeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
	MaxBodySize     int64         `yaml:"maxBodySize" validate:"gt=0"`
	MetricsPath     string        `yaml:"metricsPath" validate:"omitempty,startswith=/"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`

	// File enables rotated file output next to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" validate:"gte=0"`
	MaxBackups int    `yaml:"maxBackups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"maxAgeDays" validate:"gte=0"`
	Compress   bool   `yaml:"compress"`
}

// RuntimeConfig tunes the plugin runtime.
type RuntimeConfig struct {
	CallTimeout    time.Duration `yaml:"callTimeout" validate:"gt=0"`
	HTTPTimeout    time.Duration `yaml:"httpTimeout" validate:"gt=0"`
	FetchTimeout   time.Duration `yaml:"fetchTimeout" validate:"gt=0"`
	FetchMaxBody   int64         `yaml:"fetchMaxBody" validate:"gt=0"`
	QueueSize      int           `yaml:"queueSize" validate:"gte=0"`
	SelfDelivery   bool          `yaml:"selfDelivery"`
	StorageWorkers int           `yaml:"storageWorkers" validate:"gt=0"`
	StorageTimeout time.Duration `yaml:"storageTimeout" validate:"gt=0"`
	StorageRetries uint64        `yaml:"storageRetries"`
}

// PluginsConfig selects and configures plugins.
type PluginsConfig struct {
	// Dirs are searched in order; an earlier directory shadows a later one
	// and all of them shadow the built-in set.
	Dirs    []string               `yaml:"dirs" validate:"dive,required"`
	Builtin bool                   `yaml:"builtin"`
	Entries map[string]PluginEntry `yaml:"entries" validate:"dive"`
}

// PluginEntry configures one plugin by id.
type PluginEntry struct {
	Enabled  *bool          `yaml:"enabled"`
	Settings map[string]any `yaml:"settings"`

	// Capabilities, when set, replaces the manifest's request.
	Capabilities []string `yaml:"capabilities" validate:"omitempty,dive,oneof=network"`
}

// IsEnabled reports whether the plugin should be loaded. Plugins are
// enabled unless switched off.
func (e PluginEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8081",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodySize:     1 << 20,
			MetricsPath:     "/metrics",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
		Runtime: RuntimeConfig{
			CallTimeout:    2 * time.Second,
			HTTPTimeout:    10 * time.Second,
			FetchTimeout:   15 * time.Second,
			FetchMaxBody:   4 << 20,
			QueueSize:      256,
			StorageWorkers: 8,
			StorageTimeout: 5 * time.Second,
			StorageRetries: 3,
		},
		Storage: storage.Config{
			Driver: storage.DriverSQLite,
			Path:   "data/reaplugin.db",
			Redis: storage.RedisConfig{
				Address: "localhost:6379",
				Prefix:  "reaplugin",
				Connect: 5 * time.Second,
			},
		},
		Plugins: PluginsConfig{
			Dirs:    []string{"plugins"},
			Builtin: true,
		},
	}
}

// Load reads path (optional) and the environment on top of the defaults
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	raw := make(map[string]any)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.Expand(string(data), os.Getenv)
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, parseError(path, err)
		}
		if raw == nil {
			raw = make(map[string]any)
		}
	}
	mergeMaps(raw, NewEnvLoader(EnvPrefix).Load())

	cfg, err := decode(raw)
	if err != nil {
		return nil, parseError(path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults without reading the
// environment.
func Parse(data []byte) (*Config, error) {
	raw := make(map[string]any)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, parseError("<input>", err)
	}
	cfg, err := decode(raw)
	if err != nil {
		return nil, parseError("<input>", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode round-trips the merged map through YAML so field types and
// durations are handled by the decoder.
func decode(raw map[string]any) (*Config, error) {
	cfg := Default()
	if len(raw) == 0 {
		return cfg, nil
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

func parseError(path string, err error) error {
	pe := &ParseError{Path: path, Message: strings.TrimPrefix(err.Error(), "yaml: "), Err: err}
	if m := yamlLine.FindStringSubmatch(err.Error()); m != nil {
		pe.Line, _ = strconv.Atoi(m[1])
	}
	return pe
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints. Every violation is reported as a
// *ValidationError.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		errs = append(errs, &ValidationError{Path: path, Rule: fe.Tag(), Value: fe.Value()})
	}
	return errors.Join(errs...)
}

// PluginSettings returns the configured settings keyed by plugin id.
func (c *Config) PluginSettings() map[string]map[string]any {
	out := make(map[string]map[string]any, len(c.Plugins.Entries))
	for id, entry := range c.Plugins.Entries {
		if len(entry.Settings) > 0 {
			out[id] = entry.Settings
		}
	}
	return out
}

// PluginEnabled reports whether the plugin with id should be loaded.
func (c *Config) PluginEnabled(id string) bool {
	entry, ok := c.Plugins.Entries[id]
	return !ok || entry.IsEnabled()
}
