// Package sync wires the offline queue, the background processor, and the
// state broadcaster into a single engine owned by the process.
package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/events"
	"github.com/kimhsiao/feesync/internal/logging"
	"github.com/kimhsiao/feesync/internal/models"
	"github.com/kimhsiao/feesync/internal/storage"
	"github.com/kimhsiao/feesync/internal/sync/connectivity"
	"github.com/kimhsiao/feesync/internal/sync/processor"
	"github.com/kimhsiao/feesync/internal/sync/queue"
	"github.com/kimhsiao/feesync/internal/sync/remote"
	"github.com/kimhsiao/feesync/internal/sync/scheduler"
	"github.com/kimhsiao/feesync/internal/sync/schema"
	"github.com/kimhsiao/feesync/internal/sync/state"
	"github.com/kimhsiao/feesync/internal/telemetry"
)

// Config tunes the engine. Zero values fall back to the processor defaults;
// empty schedules disable the corresponding background job.
type Config struct {
	BatchSize     int
	Debounce      time.Duration
	MaxRetries    int
	Periodic      string
	ProbeSchedule string
}

// Job names registered with the scheduler.
const (
	JobPeriodicDrain = "periodic-drain"
	JobProbe         = "connectivity-probe"
)

// Stats is the engine's diagnostic view.
type Stats struct {
	Counts    models.QueueCounts `json:"counts"`
	Telemetry telemetry.Snapshot `json:"telemetry"`
	Running   bool               `json:"running"`
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	cfg       Config
	monitor   *connectivity.Monitor
	bus       *events.Bus
	validator *schema.Validator
	counters  *telemetry.SyncCounters
	clock     func() time.Time
}

func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithMonitor uses m for the online flag. Without it the engine is always online.
func WithMonitor(m *connectivity.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithBus enables payment-sync-completed notifications on bus.
func WithBus(bus *events.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithValidator checks create/update payloads before they are queued.
func WithValidator(v *schema.Validator) Option {
	return func(o *options) { o.validator = v }
}

func WithCounters(c *telemetry.SyncCounters) Option {
	return func(o *options) { o.counters = c }
}

// WithClock overrides the queue timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Engine is the service object feature code talks to. Construct one per
// process and share it.
type Engine struct {
	cfg       Config
	kv        storage.KV
	queue     *queue.Queue
	states    *state.Broadcaster
	processor *processor.Processor
	monitor   *connectivity.Monitor
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	validator *schema.Validator
	counters  *telemetry.SyncCounters

	mu          stdsync.Mutex
	started     bool
	stopped     bool
	unsubOnline func()
	stopWatch   context.CancelFunc
}

// NewEngine builds an engine over the given queue store and remote client.
// kv holds the state snapshot; when it also implements storage.Watcher,
// queue writes from other processes are picked up after Start.
func NewEngine(store queue.Store, kv storage.KV, client remote.Client, opts ...Option) *Engine {
	o := options{counters: &telemetry.SyncCounters{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.monitor == nil {
		o.monitor = connectivity.New(nil, 0)
	}

	qopts := []queue.Option{queue.WithMaxRetries(o.cfg.MaxRetries)}
	if o.clock != nil {
		qopts = append(qopts, queue.WithClock(o.clock))
	}

	e := &Engine{
		cfg:       o.cfg,
		kv:        kv,
		queue:     queue.New(store, qopts...),
		monitor:   o.monitor,
		scheduler: scheduler.New(),
		bus:       o.bus,
		validator: o.validator,
		counters:  o.counters,
	}
	e.states = state.New(e.queue, kv, e.monitor.IsOnline)

	popts := []processor.Option{
		processor.WithConfig(processor.Config{BatchSize: o.cfg.BatchSize, Debounce: o.cfg.Debounce}),
		processor.WithOnline(e.monitor.IsOnline),
		processor.WithCounters(o.counters),
		processor.OnCycle(e.afterCycle),
	}
	if pinger, ok := client.(remote.Pinger); ok {
		popts = append(popts, processor.WithPinger(pinger))
	}
	e.processor = processor.New(e.queue, client, e.states, popts...)
	return e
}

// Start restores persisted state, returns operations orphaned by a crash to
// pending, and starts the background jobs. A drain is triggered so work left
// from the previous run is picked up. A stopped engine cannot be restarted.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return apperrors.New(apperrors.ErrInvalid, "sync engine already stopped")
	}
	if e.started {
		return nil
	}

	e.states.Restore(ctx)
	if n, err := e.queue.RecoverProcessing(ctx); err != nil {
		logging.ErrorWithCode("Failed to recover interrupted operations", string(apperrors.ErrStorage), err)
	} else if n > 0 {
		logging.Info("Recovered interrupted sync operations", map[string]interface{}{"count": n})
	}

	e.unsubOnline = e.monitor.OnChange(func(online bool) {
		e.states.Update(context.Background(), state.Partial{})
		if online {
			e.processor.Trigger()
		}
	})

	if e.cfg.Periodic != "" {
		if err := e.scheduler.Add(JobPeriodicDrain, e.cfg.Periodic, func(context.Context) {
			e.processor.Trigger()
		}); err != nil {
			e.unsubOnline()
			return apperrors.Wrap(apperrors.ErrInvalid, "schedule periodic drain", err)
		}
	}
	if e.cfg.ProbeSchedule != "" {
		if err := e.scheduler.Add(JobProbe, e.cfg.ProbeSchedule, e.monitor.Probe); err != nil {
			e.unsubOnline()
			return apperrors.Wrap(apperrors.ErrInvalid, "schedule connectivity probe", err)
		}
	}
	e.scheduler.Start()

	if w, ok := e.kv.(storage.Watcher); ok {
		watchCtx, cancel := context.WithCancel(context.Background())
		if err := w.Watch(watchCtx, e.onExternalWrite); err != nil {
			cancel()
			logging.Warn("Store change notifications unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			e.stopWatch = cancel
		}
	}

	e.started = true
	e.states.Update(ctx, state.Partial{})
	e.processor.Trigger()
	logging.Info("Sync engine started", map[string]interface{}{
		"online":    e.monitor.IsOnline(),
		"scheduled": e.scheduler.Jobs(),
	})
	return nil
}

func (e *Engine) onExternalWrite(key string) {
	if key != storage.KeySyncQueue {
		return
	}
	logging.Debug("Sync queue changed by another process", nil)
	e.states.Update(context.Background(), state.Partial{})
	e.processor.Trigger()
}

// Stop halts background jobs and waits for an active drain to finish. An
// engine that was never started only drops its pending debounced drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.stopped = true
		e.mu.Unlock()
		e.processor.Stop()
		return
	}
	e.started = false
	e.stopped = true
	if e.stopWatch != nil {
		e.stopWatch()
		e.stopWatch = nil
	}
	e.unsubOnline()
	e.mu.Unlock()

	e.scheduler.Stop()
	e.processor.Stop()
	logging.Info("Sync engine stopped", nil)
}

// Validate checks a request the way Enqueue would, without queueing it.
func (e *Engine) Validate(req queue.EnqueueRequest) error {
	if !req.EntityType.Valid() {
		return apperrors.New(apperrors.ErrInvalid, "unknown entity type "+string(req.EntityType))
	}
	if !req.OperationType.Valid() {
		return apperrors.New(apperrors.ErrInvalid, "unknown operation type "+string(req.OperationType))
	}
	if req.EntityID == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	if e.validator == nil || req.OperationType == models.OperationDelete {
		return nil
	}
	return e.validator.Validate(req.EntityType, req.EntityID, req.Data)
}

// Enqueue queues a write and schedules a drain. It never waits on the network.
// Invalid requests are rejected. A storage failure is logged and the operation
// id is still returned, matching a queue that continues best-effort.
func (e *Engine) Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error) {
	if err := e.Validate(req); err != nil {
		return "", err
	}
	op, err := e.queue.Enqueue(ctx, req)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrStorage) {
			return "", err
		}
		logging.ErrorWithCode("Failed to persist sync operation", string(apperrors.ErrStorage), err, map[string]interface{}{
			"operation_id": op.ID,
			"entity_type":  req.EntityType,
			"entity_id":    req.EntityID,
		})
	}
	e.states.Update(ctx, state.Partial{})
	e.processor.Trigger()
	return op.ID, nil
}

// EnqueueRecord marshals record as the operation payload.
func (e *Engine) EnqueueRecord(ctx context.Context, entity models.EntityType, op models.OperationType, id string, record any, priority models.Priority, schoolID string) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "encode record", err)
	}
	return e.Enqueue(ctx, queue.EnqueueRequest{
		EntityType:    entity,
		OperationType: op,
		EntityID:      id,
		Data:          data,
		Priority:      priority,
		SchoolID:      schoolID,
	})
}

// SubscribeSyncState delivers the current state now and every change after.
func (e *Engine) SubscribeSyncState(fn func(models.SyncQueueState)) func() {
	return e.states.Subscribe(fn)
}

// State returns the last broadcast state with the live online flag.
func (e *Engine) State() models.SyncQueueState {
	return e.states.Current()
}

// Operations returns the queue in dispatch order.
func (e *Engine) Operations(ctx context.Context) ([]models.SyncOperation, error) {
	return e.queue.List(ctx)
}

// Operation returns one queued operation.
func (e *Engine) Operation(ctx context.Context, id string) (models.SyncOperation, error) {
	return e.queue.Get(ctx, id)
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Counts:    counts,
		Telemetry: e.counters.Snapshot(),
		Running:   e.processor.Running(),
	}, nil
}

// RetryFailedOperations returns failed operations to pending with a fresh
// retry budget and schedules a drain.
func (e *Engine) RetryFailedOperations(ctx context.Context) (int, error) {
	n, err := e.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	e.states.Update(ctx, state.Partial{})
	if n > 0 {
		logging.Info("Retrying failed sync operations", map[string]interface{}{"count": n})
		e.processor.Trigger()
	}
	return n, nil
}

// ForceSync drains immediately, skipping the debounce window. When a cycle is
// already active it is asked to run once more instead of starting a second one.
func (e *Engine) ForceSync(ctx context.Context) processor.DrainResult {
	return e.processor.ForceDrain(ctx)
}

// ClearFailedOperations drops failed operations without retrying them.
func (e *Engine) ClearFailedOperations(ctx context.Context) (int, error) {
	n, err := e.queue.ClearFailed(ctx)
	if err != nil {
		return 0, err
	}
	e.states.Update(ctx, state.Partial{})
	if n > 0 {
		logging.Info("Cleared failed sync operations", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Monitor exposes the connectivity monitor for platform-level transitions.
func (e *Engine) Monitor() *connectivity.Monitor { return e.monitor }

// Bus returns the payment bus, or nil when none was configured.
func (e *Engine) Bus() *events.Bus { return e.bus }

func (e *Engine) afterCycle(result processor.DrainResult) {
	if e.bus == nil {
		return
	}
	bySchool := map[string]int{}
	for _, op := range result.Completed {
		if op.EntityType != models.EntityFees && op.EntityType != models.EntityInstallments {
			continue
		}
		school := ""
		if op.SchoolID != nil {
			school = *op.SchoolID
		}
		bySchool[school]++
	}
	for school, n := range bySchool {
		e.bus.EmitSyncCompleted(context.Background(), school, n)
	}
}
