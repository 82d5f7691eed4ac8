// Package processor drains the sync queue against the remote in bounded batches.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/logging"
	"github.com/kimhsiao/feesync/internal/models"
	"github.com/kimhsiao/feesync/internal/sync/remote"
	"github.com/kimhsiao/feesync/internal/sync/state"
	"github.com/kimhsiao/feesync/internal/telemetry"
)

const (
	DefaultBatchSize = 5
	DefaultDebounce  = 100 * time.Millisecond
)

// Queue is the part of queue.Queue the processor drives.
type Queue interface {
	Pending(ctx context.Context) ([]models.SyncOperation, error)
	Begin(ctx context.Context, id string) (models.SyncOperation, bool, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) (models.SyncOperation, error)
	Release(ctx context.Context, id string) error
	PurgeCompleted(ctx context.Context) (int, error)
}

// StateUpdater receives a recompute request after every observable change.
type StateUpdater interface {
	Update(ctx context.Context, p state.Partial) models.SyncQueueState
}

// SkipReason says why a drain cycle did not dispatch anything.
type SkipReason string

const (
	SkipRunning     SkipReason = "already_running"
	SkipOffline     SkipReason = "offline"
	SkipUnavailable SkipReason = "remote_unavailable"
	SkipStorage     SkipReason = "storage_error"
	SkipStopped     SkipReason = "stopped"
)

// DrainResult summarizes one or more consecutive drain cycles.
type DrainResult struct {
	Skipped    bool                   `json:"skipped"`
	Reason     SkipReason             `json:"reason,omitempty"`
	Cycles     int                    `json:"cycles"`
	Dispatched int                    `json:"dispatched"`
	Succeeded  int                    `json:"succeeded"`
	Retried    int                    `json:"retried"`
	Failed     int                    `json:"failed"`
	Superseded int                    `json:"superseded"`
	Purged     int                    `json:"purged"`
	Completed  []models.SyncOperation `json:"-"`
}

func (r *DrainResult) merge(next DrainResult) {
	if next.Skipped {
		if r.Cycles == 0 {
			r.Skipped, r.Reason = true, next.Reason
		}
		return
	}
	r.Skipped, r.Reason = false, ""
	r.Cycles += next.Cycles
	r.Dispatched += next.Dispatched
	r.Succeeded += next.Succeeded
	r.Retried += next.Retried
	r.Failed += next.Failed
	r.Superseded += next.Superseded
	r.Purged += next.Purged
	r.Completed = append(r.Completed, next.Completed...)
}

// Err returns the coded error behind a skipped cycle, or nil when the cycle
// ran or was skipped for a reason callers need not act on.
func (r DrainResult) Err() error {
	if !r.Skipped {
		return nil
	}
	switch r.Reason {
	case SkipOffline:
		return apperrors.New(apperrors.ErrSyncOffline, "device is offline")
	case SkipUnavailable:
		return apperrors.New(apperrors.ErrRemoteUnavailable, "remote unavailable")
	case SkipStorage:
		return apperrors.New(apperrors.ErrStorage, "sync queue unreadable")
	}
	return nil
}

// Config tunes batching and debouncing.
type Config struct {
	BatchSize int
	Debounce  time.Duration
}

// Option configures a Processor.
type Option func(*Processor)

func WithConfig(cfg Config) Option {
	return func(p *Processor) {
		if cfg.BatchSize > 0 {
			p.cfg.BatchSize = cfg.BatchSize
		}
		if cfg.Debounce > 0 {
			p.cfg.Debounce = cfg.Debounce
		}
	}
}

// WithPinger checks remote reachability before each cycle.
func WithPinger(pinger remote.Pinger) Option {
	return func(p *Processor) { p.pinger = pinger }
}

// WithOnline installs the connectivity check consulted before each cycle and
// between batches.
func WithOnline(online func() bool) Option {
	return func(p *Processor) { p.online = online }
}

func WithCounters(c *telemetry.SyncCounters) Option {
	return func(p *Processor) { p.counters = c }
}

// OnCycle registers a hook called after every completed (non-skipped) cycle.
func OnCycle(fn func(DrainResult)) Option {
	return func(p *Processor) { p.onCycle = fn }
}

// Processor runs at most one drain cycle at a time. Requests that arrive
// while a cycle is active schedule exactly one follow-up cycle.
type Processor struct {
	queue    Queue
	client   remote.Client
	states   StateUpdater
	pinger   remote.Pinger
	online   func() bool
	counters *telemetry.SyncCounters
	onCycle  func(DrainResult)
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	rerun   bool
	stopped bool
	wg      sync.WaitGroup
}

func New(q Queue, client remote.Client, states StateUpdater, opts ...Option) *Processor {
	p := &Processor{
		queue:    q,
		client:   client,
		states:   states,
		online:   func() bool { return true },
		counters: &telemetry.SyncCounters{},
		cfg:      Config{BatchSize: DefaultBatchSize, Debounce: DefaultDebounce},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Trigger schedules a drain after the debounce window. A Trigger during the
// window restarts it, so bursts coalesce into one cycle.
func (p *Processor) Trigger() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.cancelTimerLocked()
	p.wg.Add(1)
	p.timer = time.AfterFunc(p.cfg.Debounce, func() {
		defer p.wg.Done()
		p.Drain(context.Background())
	})
}

// cancelTimerLocked must be called with mu held.
func (p *Processor) cancelTimerLocked() {
	if p.timer != nil && p.timer.Stop() {
		p.wg.Done()
	}
	p.timer = nil
}

// ForceDrain drops any pending debounce and drains now.
func (p *Processor) ForceDrain(ctx context.Context) DrainResult {
	p.mu.Lock()
	p.cancelTimerLocked()
	p.mu.Unlock()
	return p.Drain(ctx)
}

// Drain runs a cycle now, plus any follow-up cycles requested meanwhile.
func (p *Processor) Drain(ctx context.Context) DrainResult {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return DrainResult{Skipped: true, Reason: SkipStopped}
	}
	if p.running {
		p.rerun = true
		p.mu.Unlock()
		p.states.Update(ctx, state.Partial{})
		return DrainResult{Skipped: true, Reason: SkipRunning}
	}
	p.running = true
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	var total DrainResult
	for {
		total.merge(p.cycle(ctx))

		p.mu.Lock()
		if !p.rerun || p.stopped {
			p.running = false
			p.rerun = false
			p.mu.Unlock()
			return total
		}
		p.rerun = false
		p.mu.Unlock()
	}
}

// Running reports whether a drain cycle is active.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop cancels any pending trigger and waits for an active cycle to finish.
// In-flight remote calls are not interrupted.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.cancelTimerLocked()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Processor) skip(ctx context.Context, reason SkipReason, fields map[string]interface{}) DrainResult {
	p.counters.CycleSkipped()
	p.states.Update(ctx, state.Partial{})
	result := DrainResult{Skipped: true, Reason: reason}
	extra := map[string]interface{}{"reason": reason}
	if err := result.Err(); err != nil {
		extra["code"] = apperrors.CodeOf(err)
	}
	logging.Debug("Sync cycle skipped", mergeFields(fields, extra))
	return result
}

func (p *Processor) cycle(ctx context.Context) DrainResult {
	if !p.online() {
		return p.skip(ctx, SkipOffline, nil)
	}
	if p.pinger != nil {
		if err := p.pinger.Ping(ctx); err != nil {
			return p.skip(ctx, SkipUnavailable, map[string]interface{}{"error": err.Error()})
		}
	}

	pending, err := p.queue.Pending(ctx)
	if err != nil {
		logging.ErrorWithCode("Failed to read sync queue", string(apperrors.ErrStorage), err)
		return p.skip(ctx, SkipStorage, nil)
	}

	start := p.now()
	p.counters.CycleStarted()
	result := DrainResult{Cycles: 1}

	if len(pending) > 0 {
		p.states.Update(ctx, state.Syncing(true))
		logging.Info("Sync cycle started", map[string]interface{}{
			"pending":    len(pending),
			"batch_size": p.cfg.BatchSize,
		})
	}

	for offset := 0; offset < len(pending); offset += p.cfg.BatchSize {
		end := offset + p.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}

		outcomes := p.runBatch(ctx, pending[offset:end])
		unavailable := p.settleUnreachable(ctx, outcomes)
		for _, o := range outcomes {
			result.add(o)
		}
		p.states.Update(ctx, state.Partial{})

		if unavailable {
			logging.Warn("Remote became unavailable, ending sync cycle early", map[string]interface{}{
				"remaining": len(pending) - end,
			})
			break
		}
		if end < len(pending) && !p.online() {
			logging.Info("Went offline, ending sync cycle after current batch", map[string]interface{}{
				"remaining": len(pending) - end,
			})
			break
		}
	}

	purged, err := p.queue.PurgeCompleted(ctx)
	if err != nil {
		logging.ErrorWithCode("Failed to purge completed operations", string(apperrors.ErrStorage), err)
	}
	result.Purged = purged

	finished := p.now()
	p.states.Update(ctx, state.Finished(finished))
	p.counters.CycleFinished(finished.Sub(start))

	if result.Dispatched > 0 || result.Superseded > 0 {
		logging.Info("Sync cycle finished", map[string]interface{}{
			"dispatched":  result.Dispatched,
			"succeeded":   result.Succeeded,
			"retried":     result.Retried,
			"failed":      result.Failed,
			"superseded":  result.Superseded,
			"purged":      result.Purged,
			"duration_ms": finished.Sub(start).Milliseconds(),
		})
	}

	if p.onCycle != nil {
		p.onCycle(result)
	}
	return result
}

type outcomeKind int

const (
	outcomeSucceeded outcomeKind = iota
	outcomeRetried
	outcomeFailed
	outcomeSuperseded
	outcomeUnavailable
	outcomeStorage
)

type outcome struct {
	kind outcomeKind
	op   models.SyncOperation
	err  error
}

func (r *DrainResult) add(o outcome) {
	switch o.kind {
	case outcomeSucceeded:
		r.Dispatched++
		r.Succeeded++
		r.Completed = append(r.Completed, o.op)
	case outcomeRetried:
		r.Dispatched++
		r.Retried++
	case outcomeFailed:
		r.Dispatched++
		r.Failed++
	case outcomeUnavailable:
		r.Dispatched++
	case outcomeSuperseded:
		r.Superseded++
	}
}

// runBatch dispatches ops concurrently and waits for all of them.
func (p *Processor) runBatch(ctx context.Context, ops []models.SyncOperation) []outcome {
	outcomes := make([]outcome, len(ops))
	var g errgroup.Group
	for i, op := range ops {
		g.Go(func() error {
			outcomes[i] = p.process(ctx, op)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func opFields(op models.SyncOperation) map[string]interface{} {
	return map[string]interface{}{
		"operation_id":   op.ID,
		"entity_type":    op.EntityType,
		"entity_id":      op.EntityID,
		"operation_type": op.OperationType,
	}
}

func (p *Processor) process(ctx context.Context, selected models.SyncOperation) outcome {
	fields := opFields(selected)

	op, ok, err := p.queue.Begin(ctx, selected.ID)
	if err != nil {
		logging.ErrorWithCode("Failed to mark operation processing", string(apperrors.ErrStorage), err, fields)
		return outcome{kind: outcomeStorage, op: selected}
	}
	if !ok {
		p.counters.Superseded()
		logging.Debug("Operation no longer pending, skipping", fields)
		return outcome{kind: outcomeSuperseded, op: selected}
	}

	p.counters.Dispatched()
	err = p.dispatch(ctx, op)

	switch {
	case err == nil:
		if err := p.queue.Complete(ctx, op.ID); err != nil {
			logging.ErrorWithCode("Failed to mark operation completed", string(apperrors.ErrStorage), err, fields)
		}
		p.counters.Succeeded()
		logging.Debug("Operation synced", fields)
		return outcome{kind: outcomeSucceeded, op: op}

	case errors.Is(err, remote.ErrUnavailable):
		// settled by settleUnreachable once the whole batch is back
		return outcome{kind: outcomeUnavailable, op: op, err: err}
	}
	return p.fail(ctx, op, err)
}

// fail charges op one retry for err.
func (p *Processor) fail(ctx context.Context, op models.SyncOperation, err error) outcome {
	fields := opFields(op)
	after, ferr := p.queue.Fail(ctx, op.ID, err)
	if ferr != nil {
		logging.ErrorWithCode("Failed to record operation failure", string(apperrors.ErrStorage), ferr, mergeFields(fields, map[string]interface{}{
			"cause": err.Error(),
		}))
		return outcome{kind: outcomeStorage, op: op, err: err}
	}
	fields["retry_count"] = after.RetryCount
	fields["max_retries"] = after.MaxRetries
	if after.Status == models.StatusFailed {
		p.counters.Failed()
		code := apperrors.ErrSyncFailed
		if apperrors.Is(err, apperrors.ErrRemoteRejected) {
			code = apperrors.ErrRemoteRejected
		}
		logging.ErrorWithCode("Operation failed permanently", string(code), err, fields)
		return outcome{kind: outcomeFailed, op: after, err: err}
	}
	p.counters.Retried()
	logging.Warn("Operation failed, will retry", mergeFields(fields, map[string]interface{}{"error": err.Error()}))
	return outcome{kind: outcomeRetried, op: after, err: err}
}

// settleUnreachable resolves the operations of a batch whose dispatch
// reported the remote unreachable, and reports whether the cycle should end.
// A fresh Ping decides: when it fails too, the operations return to pending
// without using a retry. When it succeeds the error belonged to the
// operation, which is charged a retry like any other failure. Without a
// pinger the client's word is taken.
func (p *Processor) settleUnreachable(ctx context.Context, outcomes []outcome) bool {
	var first error
	for _, o := range outcomes {
		if o.kind == outcomeUnavailable {
			first = o.err
			break
		}
	}
	if first == nil {
		return false
	}

	down := true
	if p.pinger != nil {
		if err := p.pinger.Ping(ctx); err == nil {
			down = false
			logging.Debug("Remote answers ping, charging unreachable operations a retry", map[string]interface{}{
				"error": first.Error(),
			})
		}
	}

	for i, o := range outcomes {
		if o.kind != outcomeUnavailable {
			continue
		}
		if !down {
			outcomes[i] = p.fail(ctx, o.op, o.err)
			continue
		}
		if err := p.queue.Release(ctx, o.op.ID); err != nil {
			logging.ErrorWithCode("Failed to release operation", string(apperrors.ErrStorage), err, opFields(o.op))
		}
	}
	return down
}

// dispatch converts a panicking client into an ordinary failure.
func (p *Processor) dispatch(ctx context.Context, op models.SyncOperation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remote client panic: %v", r)
		}
	}()
	return remote.Dispatch(ctx, p.client, op)
}

func mergeFields(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
