package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/tadel/reaplugin/internal/metrics"
)

// defaultQueueHint sizes the dispatcher's initial queue buffer.
const defaultQueueHint = 64

// Dispatcher fans events out to Loaded plugins. Published events are
// drained in FIFO order by a single worker; each event visits plugins in
// load order, one at a time.
type Dispatcher struct {
	registry *Registry
	queue    *queue.Queue
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time

	selfDelivery bool
	closed       atomic.Bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherMetrics sets the metrics sink.
func WithDispatcherMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithDispatcherClock sets the clock used to stamp events.
func WithDispatcherClock(clock func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithSelfDelivery lets a plugin receive the events it emits.
func WithSelfDelivery(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.selfDelivery = enabled
	}
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		queue:    queue.New(defaultQueueHint),
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish queues ev for asynchronous delivery. It never blocks; events
// published after Close are counted and dropped.
func (d *Dispatcher) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.clock()
	}
	if err := d.queue.Put(ev); err != nil {
		d.metrics.EventDropped()
		d.logger.Debug("event dropped", slog.String("event", ev.Name), slog.Any("error", err))
	}
}

// Run drains the queue until ctx is done or Close is called.
func (d *Dispatcher) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { d.queue.Dispose() })
	defer stop()

	deliverCtx := context.WithoutCancel(ctx)
	for {
		items, err := d.queue.Get(1)
		if err != nil {
			if !errors.Is(err, queue.ErrDisposed) {
				d.logger.Error("event queue failed", slog.Any("error", err))
			}
			return
		}
		for _, item := range items {
			if ev, ok := item.(Event); ok {
				d.Deliver(deliverCtx, ev)
			}
		}
	}
}

// Deliver hands ev to its recipients synchronously and returns how many
// plugins handled it. A failing plugin is moved to Failed and delivery
// continues with the next one.
func (d *Dispatcher) Deliver(ctx context.Context, ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.clock()
	}

	var recipients []*Plugin
	if ev.Target != "" {
		if p, ok := d.registry.Get(ev.Target); ok {
			recipients = []*Plugin{p}
		}
	} else {
		recipients = d.registry.List()
	}

	delivered := 0
	for _, p := range recipients {
		if p.State() != StateLoaded {
			continue
		}
		if ev.Target == "" && ev.Source == p.id && !d.selfDelivery {
			continue
		}

		ok, err := p.deliver(ctx, ev)
		if err != nil {
			p.fail("event", &DispatchError{PluginID: p.id, Event: ev.Name, Err: err})
			continue
		}
		if ok {
			delivered++
			d.metrics.EventDelivered(ev.Name)
		}
	}
	return delivered
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int64 {
	return d.queue.Len()
}

// Close stops the worker and drops queued events.
func (d *Dispatcher) Close() {
	if d.closed.CompareAndSwap(false, true) {
		d.queue.Dispose()
	}
}

// Shutdown delivers the shutdown event synchronously, stops the queue and
// unloads every plugin in reverse load order.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	n := d.Deliver(ctx, Event{Name: EventShutdown})
	d.logger.Info("shutdown delivered", slog.Int("plugins", n))
	d.Close()
	return d.registry.UnloadAll(ctx)
}
