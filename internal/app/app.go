// Package app wires configuration, storage, the plugin runtime and the
// HTTP server into the reaplugin daemon and manages its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tadel/reaplugin/internal/config"
	"github.com/tadel/reaplugin/internal/logging"
	"github.com/tadel/reaplugin/internal/metrics"
	"github.com/tadel/reaplugin/internal/plugin"
	"github.com/tadel/reaplugin/internal/plugin/builtin"
	"github.com/tadel/reaplugin/internal/server"
	"github.com/tadel/reaplugin/internal/storage"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "reaplugin"

// Application is the running daemon.
type Application struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    storage.Store
	registry *prometheus.Registry
	system   *plugin.System
	handler  *server.Server
	http     *http.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// Options configures the application.
type Options struct {
	// ConfigPath is the YAML file to load; empty uses defaults and the
	// environment only.
	ConfigPath string

	// Config bypasses ConfigPath when set.
	Config *config.Config

	// LogLevel overrides the configured level when non-empty.
	LogLevel string

	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// New builds the application and loads every enabled plugin. Plugins
// that fail to load are logged and skipped.
func New(ctx context.Context, opts Options) (*Application, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return nil, &InitError{Component: "config", Err: err}
		}
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	logger, err := logging.New(cfg.Log, opts.LogOutput)
	if err != nil {
		return nil, &InitError{Component: "logging", Err: err}
	}

	app := &Application{cfg: cfg, logger: logger}
	if err := app.bootstrap(ctx); err != nil {
		_ = app.close()
		return nil, err
	}
	return app, nil
}

// bootstrap initializes components in dependency order.
func (app *Application) bootstrap(ctx context.Context) error {
	cfg := app.cfg
	log := app.logger.Named("app")

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return &InitError{Component: "storage", Err: err}
	}
	app.store = store

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	system, err := plugin.NewSystem(store, app.systemConfig())
	if err != nil {
		return &InitError{Component: "plugins", Err: err}
	}
	app.system = system
	if err := system.Start(ctx); err != nil {
		return &InitError{Component: "plugins", Err: err}
	}

	sources, err := app.discover()
	if err != nil {
		log.Warn("plugin discovery incomplete", slog.Any("error", err))
	}
	if err := system.LoadAll(ctx, sources, cfg.PluginSettings()); err != nil {
		log.Warn("some plugins failed to load", slog.Any("error", err))
	}
	log.Info("plugins loaded", slog.Int("discovered", len(sources)), slog.Int("registered", system.Registry().Len()))

	app.handler = server.New(system,
		server.WithLogger(app.logger.Named("http")),
		server.WithMaxBodySize(cfg.Server.MaxBodySize),
		server.WithMetrics(cfg.Server.MetricsPath, app.registry, app.registry),
		server.WithReadiness("store", store),
	)
	app.http = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      app.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(app.logger.Named("http").Handler(), slog.LevelError),
	}
	return nil
}

func (app *Application) systemConfig() plugin.SystemConfig {
	rt := app.cfg.Runtime
	sc := plugin.DefaultSystemConfig()
	sc.Logger = app.logger.Logger
	sc.Metrics = metrics.New(app.registry, MetricsNamespace)
	sc.CallTimeout = rt.CallTimeout
	sc.HTTPTimeout = rt.HTTPTimeout
	sc.HTTPClient = &http.Client{Timeout: rt.FetchTimeout}
	sc.MaxBodySize = rt.FetchMaxBody
	sc.QueueSize = rt.QueueSize
	sc.SelfDelivery = rt.SelfDelivery
	sc.StorageWorkers = rt.StorageWorkers
	sc.StorageTimeout = rt.StorageTimeout
	sc.StorageRetries = rt.StorageRetries
	return sc
}

// discover collects sources from the configured directories, then the
// built-in set, and applies per-plugin enablement and capability
// overrides.
func (app *Application) discover() ([]plugin.Source, error) {
	roots := make([]plugin.Root, 0, len(app.cfg.Plugins.Dirs)+1)
	for _, dir := range app.cfg.Plugins.Dirs {
		roots = append(roots, plugin.Root{Name: dir, FS: os.DirFS(dir)})
	}
	if app.cfg.Plugins.Builtin {
		roots = append(roots, builtin.Root())
	}

	found, err := plugin.Discover(app.logger.Named("discovery"), roots...)
	sources := found[:0]
	for _, src := range found {
		if !app.cfg.PluginEnabled(src.ID) {
			app.logger.Info("plugin disabled", slog.String("plugin", src.ID))
			continue
		}
		if entry, ok := app.cfg.Plugins.Entries[src.ID]; ok && entry.Capabilities != nil {
			src.Manifest.Capabilities = append([]string(nil), entry.Capabilities...)
		}
		sources = append(sources, src)
	}
	return sources, err
}

// Config returns the effective configuration.
func (app *Application) Config() *config.Config { return app.cfg }

// Logger returns the root logger.
func (app *Application) Logger() *slog.Logger { return app.logger.Logger }

// Plugins returns the plugin system.
func (app *Application) Plugins() *plugin.System { return app.system }

// Handler returns the HTTP handler.
func (app *Application) Handler() http.Handler { return app.handler }

// Run serves HTTP until ctx is cancelled or the listener fails, then
// shuts down.
func (app *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.http.Addr)
	if err != nil {
		return errors.Join(fmt.Errorf("listen %s: %w", app.http.Addr, err), app.Shutdown(context.Background()))
	}
	return app.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	log := app.logger.Named("app")
	log.Info("listening", slog.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := app.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case serveErr = <-errCh:
		log.Error("server failed", slog.Any("error", serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, app.Shutdown(shutdownCtx))
}

// Shutdown stops accepting requests, delivers shutdown to the plugins,
// unloads them and closes resources. It is safe to call more than once.
func (app *Application) Shutdown(ctx context.Context) error {
	app.shutdownOnce.Do(func() {
		var errs []error
		if app.http != nil {
			if err := app.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
		if app.system != nil {
			if err := app.system.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		app.logger.Named("app").Info("stopped")
		errs = append(errs, app.close())
		app.shutdownErr = errors.Join(errs...)
	})
	return app.shutdownErr
}

// close releases the store and log outputs.
func (app *Application) close() error {
	var errs []error
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		app.store = nil
	}
	if app.logger != nil {
		errs = append(errs, app.logger.Close())
	}
	return errors.Join(errs...)
}
