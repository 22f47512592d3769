package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/panjf2000/ants/v2"

	"github.com/tadel/reaplugin/internal/metrics"
	"github.com/tadel/reaplugin/internal/storage"
)

// Storage bridge defaults.
const (
	DefaultStorageWorkers = 8
	DefaultStorageTimeout = 5 * time.Second
	DefaultStorageRetries = 3

	retryInterval = 50 * time.Millisecond
)

// ErrStorageClosed is returned by Request after Close.
var ErrStorageClosed = errors.New("storage bridge closed")

// StorageBridge serves host.storage requests on a worker pool and answers
// each with exactly one targeted storageRead or storageWrite event.
//
// Requests are put on an unbounded queue and handed to the pool by a
// single feeder goroutine, so Request never waits for a free worker.
type StorageBridge struct {
	store    storage.Store
	emitter  Emitter
	pending  *queue.Queue
	pool     *ants.Pool
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time

	workers int
	timeout time.Duration
	retries uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	fed      chan struct{}
}

// storageTask is one queued request.
type storageTask struct {
	pluginID string
	op       StorageOp
}

// StorageBridgeOption configures a StorageBridge.
type StorageBridgeOption func(*StorageBridge)

// WithStorageLogger sets the logger.
func WithStorageLogger(logger *slog.Logger) StorageBridgeOption {
	return func(b *StorageBridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStorageMetrics sets the metrics sink.
func WithStorageMetrics(m *metrics.Metrics) StorageBridgeOption {
	return func(b *StorageBridge) {
		b.metrics = m
	}
}

// WithStorageWorkers sets the pool size.
func WithStorageWorkers(n int) StorageBridgeOption {
	return func(b *StorageBridge) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithStorageTimeout bounds a single backend call.
func WithStorageTimeout(d time.Duration) StorageBridgeOption {
	return func(b *StorageBridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithStorageRetries sets how often a failed write is retried.
func WithStorageRetries(n uint64) StorageBridgeOption {
	return func(b *StorageBridge) {
		b.retries = n
	}
}

// NewStorageBridge creates a bridge that persists to store and reports
// completions through emitter.
func NewStorageBridge(store storage.Store, emitter Emitter, opts ...StorageBridgeOption) (*StorageBridge, error) {
	b := &StorageBridge{
		store:    store,
		emitter:  emitter,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   slog.Default(),
		clock:    time.Now,
		workers:  DefaultStorageWorkers,
		timeout:  DefaultStorageTimeout,
		retries:  DefaultStorageRetries,
	}
	for _, opt := range opts {
		opt(b)
	}

	pool, err := ants.NewPool(b.workers, ants.WithPanicHandler(func(p any) {
		b.logger.Error("storage worker panic", slog.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("storage pool: %w", err)
	}
	b.pool = pool
	b.pending = queue.New(int64(b.workers))
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.fed = make(chan struct{})
	go b.feed()
	return b, nil
}

// feed moves queued requests into the pool until the queue is disposed.
func (b *StorageBridge) feed() {
	defer close(b.fed)
	for {
		items, err := b.pending.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			task := item.(storageTask)
			if err := b.pool.Submit(func() {
				defer b.inflight.Done()
				b.serve(task.pluginID, task.op)
			}); err != nil {
				b.inflight.Done()
				b.logger.Error("storage request dropped",
					slog.String("plugin", task.pluginID),
					slog.String("key", task.op.Key),
					slog.Any("error", err),
				)
			}
		}
	}
}

// Request validates op and schedules it. It never returns a value; the
// outcome arrives as an event targeted at pluginID.
func (b *StorageBridge) Request(pluginID string, op StorageOp) error {
	if err := b.validate.Struct(op); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStorageOp, err)
	}
	if op.Namespace == "" {
		op.Namespace = pluginID
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	b.inflight.Add(1)
	if err := b.pending.Put(storageTask{pluginID: pluginID, op: op}); err != nil {
		b.inflight.Done()
		return ErrStorageClosed
	}
	return nil
}

func (b *StorageBridge) serve(pluginID string, op StorageOp) {
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()

	payload := map[string]any{"key": op.Key}
	if op.RequestID != "" {
		payload["requestId"] = op.RequestID
	}

	var name string
	switch op.Type {
	case StorageRead:
		name = EventStorageRead
		payload["value"] = b.read(ctx, pluginID, op)
	case StorageWrite:
		name = EventStorageWrite
		payload["value"] = op.Data
		if err := b.write(ctx, pluginID, op); err != nil {
			payload["error"] = err.Error()
		}
	}

	b.emitter.Publish(Event{
		Name:      name,
		Payload:   payload,
		Timestamp: b.clock(),
		Target:    pluginID,
	})
}

// read returns the stored value, or nil when absent, foreign or failing.
func (b *StorageBridge) read(ctx context.Context, pluginID string, op StorageOp) any {
	if op.Namespace != pluginID {
		b.metrics.StorageOp(string(StorageRead), ErrForeignNamespace)
		b.logger.Warn("storage read refused",
			slog.String("plugin", pluginID),
			slog.String("namespace", op.Namespace),
			slog.String("key", op.Key),
		)
		return nil
	}

	rec, err := b.store.Get(ctx, op.Namespace, op.Key)
	if errors.Is(err, storage.ErrNotFound) {
		b.metrics.StorageOp(string(StorageRead), nil)
		return nil
	}
	b.metrics.StorageOp(string(StorageRead), err)
	if err != nil {
		serr := &StorageError{PluginID: pluginID, Op: StorageRead, Key: op.Key, Err: err}
		b.logger.Error("storage read failed", slog.String("plugin", pluginID), slog.Any("error", serr))
		return nil
	}
	return rec.Value
}

func (b *StorageBridge) write(ctx context.Context, pluginID string, op StorageOp) error {
	if op.Namespace != pluginID {
		b.metrics.StorageOp(string(StorageWrite), ErrForeignNamespace)
		return ErrForeignNamespace
	}

	rec := storage.Record{
		Namespace: op.Namespace,
		Key:       op.Key,
		Value:     op.Data,
		UpdatedAt: b.clock(),
	}
	put := func() error {
		err := b.store.Put(ctx, rec)
		if errors.Is(err, storage.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = retryInterval
	exp.MaxElapsedTime = b.timeout
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, b.retries), ctx)

	err := backoff.Retry(put, policy)
	b.metrics.StorageOp(string(StorageWrite), err)
	if err != nil {
		serr := &StorageError{PluginID: pluginID, Op: StorageWrite, Key: op.Key, Err: err}
		b.logger.Error("storage write failed", slog.String("plugin", pluginID), slog.Any("error", serr))
		return serr
	}
	return nil
}

// Running returns the number of busy workers.
func (b *StorageBridge) Running() int {
	return b.pool.Running()
}

// Pending returns the number of requests not yet handed to a worker.
func (b *StorageBridge) Pending() int64 {
	return b.pending.Len()
}

// Close stops accepting requests and lets accepted ones finish, waiting
// at most twice the per-call timeout. Backend calls still running after
// that are cancelled.
func (b *StorageBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-time.After(2 * b.timeout):
		err = fmt.Errorf("storage bridge: %d requests still pending at close", b.pending.Len())
	}

	b.cancel()
	for range b.pending.Dispose() {
		b.inflight.Done()
	}
	<-b.fed
	return errors.Join(err, b.pool.ReleaseTimeout(b.timeout))
}
