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
)

// Registry is the authoritative table of known plugins.
type Registry struct {
	mu sync.RWMutex

	// Plugins by id
	plugins map[string]*Plugin

	// Registration order; dispatch iterates this
	order []*Plugin

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		plugins: make(map[string]*Plugin),
		logger:  logger,
		metrics: m,
	}
}

// register adds p in state Loading. An id may be reused only once its
// previous holder is Unloaded.
func (r *Registry) register(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.plugins[p.id]; ok {
		if prev.State() != StateUnloaded {
			return fmt.Errorf("%w: %s", ErrDuplicateID, p.id)
		}
		for i, q := range r.order {
			if q == prev {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
		r.metrics.PluginRemoved(StateUnloaded.String())
	}

	r.plugins[p.id] = p
	r.order = append(r.order, p)
	r.metrics.StateChanged("", p.state.String())
	return nil
}

// Get returns the plugin with the given id.
func (r *Registry) Get(id string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// Lookup is Get returning ErrPluginNotFound.
func (r *Registry) Lookup(id string) (*Plugin, error) {
	p, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return p, nil
}

// List returns every known plugin in load order, including failed and
// unloaded ones.
func (r *Registry) List() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, len(r.order))
	copy(out, r.order)
	return out
}

// Loaded returns the plugins currently in state Loaded, in load order.
func (r *Registry) Loaded() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, 0, len(r.order))
	for _, p := range r.order {
		if p.State() == StateLoaded {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of known plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Unload runs the unload sequence for one plugin.
func (r *Registry) Unload(ctx context.Context, id string) error {
	p, err := r.Lookup(id)
	if err != nil {
		return err
	}
	return p.unload(ctx)
}

// UnloadAll unloads every plugin in reverse load order.
func (r *Registry) UnloadAll(ctx context.Context) error {
	plugins := r.List()
	var errs []error
	for i := len(plugins) - 1; i >= 0; i-- {
		if err := plugins[i].unload(ctx); err != nil {
			r.logger.Warn("unload failed", slog.String("plugin", plugins[i].id), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Info is a diagnostic snapshot of one plugin.
type Info struct {
	ID          string         `json:"id"`
	Version     string         `json:"version"`
	DisplayName string         `json:"displayName,omitempty"`
	Convention  Convention     `json:"convention"`
	State       State          `json:"state"`
	Error       string         `json:"error,omitempty"`
	HTTP        bool           `json:"http"`
	LoadedAt    *time.Time     `json:"loadedAt,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// Info snapshots p with secret settings redacted.
func (p *Plugin) Info() Info {
	info := Info{
		ID:          p.id,
		Version:     p.version,
		DisplayName: p.manifest.DisplayName,
		Convention:  p.convention,
		State:       p.State(),
		HTTP:        p.hasHTTP,
		Settings:    p.Settings(),
	}
	if err := p.Err(); err != nil {
		info.Error = plua.ErrorMessage(err)
	}
	if at := p.LoadedAt(); !at.IsZero() {
		info.LoadedAt = &at
	}
	for k := range info.Settings {
		if p.manifest.IsSecret(k) {
			info.Settings[k] = "********"
		}
	}
	return info
}

// Snapshot returns Info for every plugin in load order.
func (r *Registry) Snapshot() []Info {
	plugins := r.List()
	out := make([]Info, len(plugins))
	for i, p := range plugins {
		out[i] = p.Info()
	}
	return out
}
