// Package queue provides the durable, deduplicated, priority-ordered sync queue.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/logging"
	"github.com/kimhsiao/feesync/internal/models"
	"github.com/kimhsiao/feesync/internal/uuid"
)

// EnqueueRequest describes a new deferred write.
type EnqueueRequest struct {
	EntityType    models.EntityType
	OperationType models.OperationType
	EntityID      string
	Data          json.RawMessage
	Priority      models.Priority // zero means PriorityNormal
	SchoolID      string
}

// Queue owns the persisted operation sequence. Every load-modify-save runs
// under mu, so concurrent callers never lose each other's writes.
type Queue struct {
	mu         sync.Mutex
	store      Store
	maxRetries int
	now        func() time.Time
	lastTS     int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries sets the retry ceiling stamped on new operations.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithClock overrides the time source used for operation timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue backed by store.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		maxRetries: models.DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (r *EnqueueRequest) normalize() error {
	if !r.EntityType.Valid() {
		return apperrors.New(apperrors.ErrInvalid, "unknown entity type "+string(r.EntityType))
	}
	if !r.OperationType.Valid() {
		return apperrors.New(apperrors.ErrInvalid, "unknown operation type "+string(r.OperationType))
	}
	if r.EntityID == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	if r.Priority == 0 {
		r.Priority = models.PriorityNormal
	}
	if !r.Priority.Valid() {
		return apperrors.New(apperrors.ErrInvalid, "priority must be between 1 and 4")
	}
	if len(r.Data) == 0 {
		if r.OperationType != models.OperationDelete {
			return apperrors.New(apperrors.ErrInvalid, "payload is required for "+string(r.OperationType))
		}
		r.Data, _ = json.Marshal(map[string]string{"id": r.EntityID})
	}
	if !json.Valid(r.Data) {
		return apperrors.New(apperrors.ErrInvalid, "payload is not valid JSON")
	}
	return nil
}

// supersedes reports whether a new operation of kind next makes the pending
// operation prev redundant. Creates are never collapsed.
func supersedes(next models.OperationType, prev models.SyncOperation) bool {
	if prev.Status != models.StatusPending {
		return false
	}
	switch next {
	case models.OperationDelete:
		return true
	case models.OperationUpdate:
		return prev.OperationType == models.OperationUpdate
	}
	return false
}

// sortOperations orders by priority, then timestamp. Stable, so equal keys keep FIFO order.
func sortOperations(ops []models.SyncOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority < ops[j].Priority
		}
		return ops[i].Timestamp < ops[j].Timestamp
	})
}

// nextTimestamp returns a millisecond timestamp strictly greater than any
// already in the queue.
func (q *Queue) nextTimestamp(ops []models.SyncOperation) int64 {
	for _, op := range ops {
		if op.Timestamp > q.lastTS {
			q.lastTS = op.Timestamp
		}
	}
	ts := q.now().UnixMilli()
	if ts <= q.lastTS {
		ts = q.lastTS + 1
	}
	q.lastTS = ts
	return ts
}

// mutate runs fn over the freshly loaded queue and saves the result when fn
// reports a change.
func (q *Queue) mutate(ctx context.Context, fn func([]models.SyncOperation) ([]models.SyncOperation, bool)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.store.Load(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "load queue", err)
	}
	next, changed := fn(ops)
	if !changed {
		return nil
	}
	if err := q.store.Save(ctx, next); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "save queue", err)
	}
	return nil
}

// Enqueue removes pending operations the new one supersedes, appends it,
// re-sorts, and persists. It returns the stored operation. On a storage error
// the returned operation still carries its id, but nothing was persisted.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (models.SyncOperation, error) {
	if err := req.normalize(); err != nil {
		return models.SyncOperation{}, err
	}

	op := models.SyncOperation{
		ID:            uuid.NewOperationID(),
		EntityType:    req.EntityType,
		OperationType: req.OperationType,
		EntityID:      req.EntityID,
		Data:          req.Data,
		Priority:      req.Priority,
		MaxRetries:    q.maxRetries,
		Status:        models.StatusPending,
		SchoolID:      models.StringPtr(req.SchoolID),
	}
	var superseded []string
	err := q.mutate(ctx, func(ops []models.SyncOperation) ([]models.SyncOperation, bool) {
		op.Timestamp = q.nextTimestamp(ops)

		kept := ops[:0]
		for _, existing := range ops {
			if existing.SameEntity(req.EntityType, req.EntityID) && supersedes(req.OperationType, existing) {
				superseded = append(superseded, existing.ID)
				continue
			}
			kept = append(kept, existing)
		}
		kept = append(kept, op)
		sortOperations(kept)
		return kept, true
	})
	if err != nil {
		return op, err
	}

	ctxFields := map[string]interface{}{
		"operation_id":   op.ID,
		"entity_type":    op.EntityType,
		"entity_id":      op.EntityID,
		"operation_type": op.OperationType,
		"priority":       op.Priority,
	}
	if len(superseded) > 0 {
		ctxFields["superseded"] = superseded
	}
	logging.Debug("Enqueued sync operation", ctxFields)

	return op, nil
}

// List returns a copy of the whole queue in dispatch order.
func (q *Queue) List(ctx context.Context) ([]models.SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.store.Load(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "load queue", err)
	}
	return ops, nil
}

// Pending returns the pending operations in dispatch order.
func (q *Queue) Pending(ctx context.Context) ([]models.SyncOperation, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]models.SyncOperation, 0, len(ops))
	for _, op := range ops {
		if op.Status == models.StatusPending {
			pending = append(pending, op)
		}
	}
	return pending, nil
}

// Counts folds the queue into per-status counts.
func (q *Queue) Counts(ctx context.Context) (models.QueueCounts, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return models.QueueCounts{}, err
	}
	return models.CountOperations(ops), nil
}

// Get returns the operation with the given id.
func (q *Queue) Get(ctx context.Context, id string) (models.SyncOperation, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return models.SyncOperation{}, err
	}
	for _, op := range ops {
		if op.ID == id {
			return op, nil
		}
	}
	return models.SyncOperation{}, apperrors.New(apperrors.ErrNotFound, "operation "+id+" not found")
}

func indexOf(ops []models.SyncOperation, id string) int {
	for i := range ops {
		if ops[i].ID == id {
			return i
		}
	}
	return -1
}

// Begin moves a pending operation to processing. It returns false when the
// operation is gone or no longer pending, e.g. superseded or cleared since
// the batch was selected.
func (q *Queue) Begin(ctx context.Context, id string) (models.SyncOperation, bool, error) {
	var (
		op models.SyncOperation
		ok bool
	)
	err := q.mutate(ctx, func(ops []models.SyncOperation) ([]models.SyncOperation, bool) {
		i := indexOf(ops, id)
		if i < 0 || ops[i].Status != models.StatusPending {
			return ops, false
		}
		ops[i].Status = models.StatusProcessing
		op, ok = ops[i], true
		return ops, true
	})
	return op, ok, err
}

// Complete marks a processing operation completed.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.mutate(ctx, func(ops []models.SyncOperation) ([]models.SyncOperation, bool) {
		i := indexOf(ops, id)
		if i < 0 {
			return ops, false
		}
		ops[i].Status = models.StatusCompleted
		ops[i].Error = nil
		return ops, true
	})
}

// Release returns a processing operation to pending without charging a
// retry. Used when the remote was unreachable rather than refusing the write.
func (q *Queue) Release(ctx context.Context, id string) error {
	return q.mutate(ctx, func(ops []models.SyncOperation) ([]models.SyncOperation, bool) {
		i := indexOf(ops, id)
		if i < 0 || ops[i].Status != models.StatusProcessing {
			return ops, false
		}
		ops[i].Status = models.StatusPending
		return ops, true
	})
}

// Fail records a dispatch failure. The operation returns to pending while
// under its retry ceiling and becomes failed once the ceiling is reached.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (models.SyncOperation, error) {
	var op models.SyncOperation
	err := q.mutate(ctx, func(ops []models.SyncOperation) ([]models.SyncOperation, bool) {
		i := indexOf(ops, id)
		if i < 0 {
			return ops, false
		}
		ops[i].RetryCount++
		ops[i].Error = models.StringPtr(cause.Error())
		if ops[i].Exhausted() {
			ops[i].Status = models.StatusFailed
		} else {
			ops[i].Status = models.StatusPending
		}
		op = ops[i]
		return ops, true
	})
	return op, err
}

// filter drops operations matching drop and reports how many went.
func (q *Queue) filter(ctx context.Context, drop func(models.SyncOperation) bool) (int, error) {
	removed := 0
	err := q.mutate(ctx, func(ops []models.SyncOperation) ([]models.SyncOperation, bool) {
		kept := ops[:0]
		for _, op := range ops {
			if drop(op) {
				removed++
				continue
			}
			kept = append(kept, op)
		}
		return kept, removed > 0
	})
	return removed, err
}

// PurgeCompleted removes acknowledged operations.
func (q *Queue) PurgeCompleted(ctx context.Context) (int, error) {
	return q.filter(ctx, func(op models.SyncOperation) bool {
		return op.Status == models.StatusCompleted
	})
}

// ClearFailed drops failed operations without retrying them.
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	return q.filter(ctx, func(op models.SyncOperation) bool {
		return op.Status == models.StatusFailed
	})
}

// reset moves every operation in status from back to pending.
func (q *Queue) reset(ctx context.Context, from models.OperationStatus, clearRetries bool) (int, error) {
	count := 0
	err := q.mutate(ctx, func(ops []models.SyncOperation) ([]models.SyncOperation, bool) {
		for i := range ops {
			if ops[i].Status != from {
				continue
			}
			ops[i].Status = models.StatusPending
			if clearRetries {
				ops[i].RetryCount = 0
				ops[i].Error = nil
			}
			count++
		}
		return ops, count > 0
	})
	return count, err
}

// RetryFailed resets all failed operations to pending with a fresh retry budget.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	return q.reset(ctx, models.StatusFailed, true)
}

// RecoverProcessing returns operations left in processing by an interrupted
// drain to pending. Their retry counts are untouched.
func (q *Queue) RecoverProcessing(ctx context.Context) (int, error) {
	return q.reset(ctx, models.StatusProcessing, false)
}
