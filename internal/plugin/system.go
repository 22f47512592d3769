package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tadel/reaplugin/internal/metrics"
	plua "github.com/tadel/reaplugin/internal/plugin/lua"
	"github.com/tadel/reaplugin/internal/storage"
)

// ErrSystemClosed is returned by operations after Shutdown.
var ErrSystemClosed = errors.New("plugin system is shut down")

// System wires the registry, loader, dispatcher and both bridges into the
// runtime the host talks to.
//
// System is the entry point for the host. It handles:
//   - loading plugin sources in a fixed order
//   - fanning telemetry and plugin events out to Loaded plugins
//   - routing HTTP requests into a single plugin
//   - shutting everything down in order
type System struct {
	mu sync.Mutex

	registry   *Registry
	loader     *Loader
	dispatcher *Dispatcher
	http       *HTTPBridge
	storage    *StorageBridge
	logger     *slog.Logger

	runCancel context.CancelFunc
	runDone   chan struct{}
	closed    bool
}

// SystemConfig configures the plugin system.
type SystemConfig struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider

	// Per-callback watchdog budget
	CallTimeout time.Duration

	// How long a routed HTTP request waits for the plugin
	HTTPTimeout time.Duration

	// Client used by fetch; nil uses a client with plua.DefaultFetchTimeout
	HTTPClient *http.Client

	MaxBodySize int64
	QueueSize   int

	// SelfDelivery lets plugins receive their own emitted events
	SelfDelivery bool

	StorageWorkers int
	StorageTimeout time.Duration
	StorageRetries uint64
}

// DefaultSystemConfig returns sensible default system configuration.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		Logger:         slog.Default(),
		CallTimeout:    plua.DefaultCallTimeout,
		HTTPTimeout:    DefaultHTTPTimeout,
		MaxBodySize:    plua.DefaultMaxBodySize,
		QueueSize:      plua.DefaultQueueSize,
		StorageWorkers: DefaultStorageWorkers,
		StorageTimeout: DefaultStorageTimeout,
		StorageRetries: DefaultStorageRetries,
	}
}

// NewSystem creates a plugin system persisting to store.
func NewSystem(store storage.Store, cfg SystemConfig) (*System, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry(logger.With(slog.String("component", "registry")), cfg.Metrics)
	dispatcher := NewDispatcher(registry,
		WithDispatcherLogger(logger.With(slog.String("component", "dispatcher"))),
		WithDispatcherMetrics(cfg.Metrics),
		WithSelfDelivery(cfg.SelfDelivery),
	)
	sb, err := NewStorageBridge(store, dispatcher,
		WithStorageLogger(logger.With(slog.String("component", "storage"))),
		WithStorageMetrics(cfg.Metrics),
		WithStorageWorkers(cfg.StorageWorkers),
		WithStorageTimeout(cfg.StorageTimeout),
		WithStorageRetries(cfg.StorageRetries),
	)
	if err != nil {
		return nil, err
	}

	stateOpts := []plua.StateOption{
		plua.WithCallTimeout(cfg.CallTimeout),
		plua.WithMaxBodySize(cfg.MaxBodySize),
		plua.WithQueueSize(cfg.QueueSize),
	}
	if cfg.HTTPClient != nil {
		stateOpts = append(stateOpts, plua.WithHTTPClient(cfg.HTTPClient))
	}

	loader := NewLoader(registry,
		WithLoaderLogger(logger),
		WithLoaderMetrics(cfg.Metrics),
		WithEmitter(dispatcher),
		WithStorage(sb),
		WithStateOptions(stateOpts...),
	)
	bridge := NewHTTPBridge(registry,
		WithHTTPLogger(logger.With(slog.String("component", "http"))),
		WithHTTPMetrics(cfg.Metrics),
		WithHTTPTimeout(cfg.HTTPTimeout),
		WithTracerProvider(cfg.TracerProvider),
	)

	return &System{
		registry:   registry,
		loader:     loader,
		dispatcher: dispatcher,
		http:       bridge,
		storage:    sb,
		logger:     logger,
	}, nil
}

// Registry returns the plugin registry.
func (s *System) Registry() *Registry { return s.registry }

// Dispatcher returns the event dispatcher.
func (s *System) Dispatcher() *Dispatcher { return s.dispatcher }

// Start runs the dispatcher worker until Shutdown.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSystemClosed
	}
	if s.runCancel != nil {
		return nil
	}
	ctx, s.runCancel = context.WithCancel(ctx)
	s.runDone = make(chan struct{})
	go func() {
		defer close(s.runDone)
		s.dispatcher.Run(ctx)
	}()
	return nil
}

// Load loads one plugin.
func (s *System) Load(ctx context.Context, src Source, settings map[string]any) (*Plugin, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSystemClosed
	}
	return s.loader.Load(ctx, src, settings)
}

// LoadAll loads sources in order. A plugin that fails to load is logged
// and skipped; the joined errors are returned.
func (s *System) LoadAll(ctx context.Context, sources []Source, settings map[string]map[string]any) error {
	var errs []error
	for _, src := range sources {
		if _, err := s.Load(ctx, src, settings[src.ID]); err != nil {
			s.logger.Error("plugin load failed", slog.String("plugin", src.ID), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publish queues an event for every Loaded plugin.
func (s *System) Publish(ev Event) {
	s.dispatcher.Publish(ev)
}

// Route forwards an HTTP request to one plugin.
func (s *System) Route(ctx context.Context, pluginID string, req HTTPRequest) HTTPResponse {
	return s.http.Route(ctx, pluginID, req)
}

// Plugins returns a diagnostic snapshot in load order.
func (s *System) Plugins() []Info {
	return s.registry.Snapshot()
}

// Unload unloads a single plugin.
func (s *System) Unload(ctx context.Context, id string) error {
	return s.registry.Unload(ctx, id)
}

// Shutdown delivers shutdown, unloads every plugin, then stops the
// dispatcher and the storage pool.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.runCancel, s.runDone
	s.mu.Unlock()

	var errs []error
	if err := s.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unload plugins: %w", err))
	}
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if err := s.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage bridge: %w", err))
	}
	return errors.Join(errs...)
}
