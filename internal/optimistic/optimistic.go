// Package optimistic applies writes to local state first and queues the remote
// half for the background processor. Callers never wait on the network.
package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/logging"
	"github.com/kimhsiao/feesync/internal/models"
	"github.com/kimhsiao/feesync/internal/sync/queue"
	"github.com/kimhsiao/feesync/internal/uuid"
)

// Record is a locally held entity with a stable id.
type Record interface {
	RecordID() string
}

// Enqueuer accepts deferred writes. The sync engine implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// Validator is implemented by enqueuers that can reject a request up front.
// When available it runs before the local mutation, so a request the queue
// would refuse never touches local state.
type Validator interface {
	Validate(req queue.EnqueueRequest) error
}

// Facade is the entry point feature code uses for local-then-queue writes.
type Facade struct {
	q Enqueuer
}

func New(q Enqueuer) *Facade {
	return &Facade{q: q}
}

type settings struct {
	priority models.Priority
	schoolID string
}

// Option adjusts a single call.
type Option func(*settings)

// WithPriority overrides the default normal priority.
func WithPriority(p models.Priority) Option {
	return func(s *settings) { s.priority = p }
}

// WithSchool tags the queued operations with a tenant.
func WithSchool(id string) Option {
	return func(s *settings) { s.schoolID = id }
}

func collect(opts []Option) settings {
	s := settings{priority: models.PriorityNormal}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (f *Facade) request(entity models.EntityType, op models.OperationType, id string, payload any, s settings) (queue.EnqueueRequest, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return queue.EnqueueRequest{}, apperrors.Wrap(apperrors.ErrInvalid, "encode record "+id, err)
	}
	req := queue.EnqueueRequest{
		EntityType:    entity,
		OperationType: op,
		EntityID:      id,
		Data:          data,
		Priority:      s.priority,
		SchoolID:      s.schoolID,
	}
	if v, ok := f.q.(Validator); ok {
		if err := v.Validate(req); err != nil {
			return queue.EnqueueRequest{}, err
		}
	}
	return req, nil
}

func applyLocal[T any](apply func(T) error, v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Wrap(apperrors.ErrLocalApply, "local apply panicked", fmt.Errorf("%v", r))
		}
	}()
	if err := apply(v); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalApply, "local apply failed", err)
	}
	return nil
}

func (f *Facade) enqueueAll(ctx context.Context, reqs []queue.EnqueueRequest) error {
	var errs []error
	for _, req := range reqs {
		if _, err := f.q.Enqueue(ctx, req); err != nil {
			logging.ErrorWithCode("Failed to queue optimistic write", string(apperrors.CodeOf(err)), err, map[string]interface{}{
				"entity_type":    req.EntityType,
				"entity_id":      req.EntityID,
				"operation_type": req.OperationType,
			})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func upsert[T Record](ctx context.Context, f *Facade, entity models.EntityType, op models.OperationType, record T, apply func(T) error, opts []Option) (T, error) {
	var zero T
	req, err := f.request(entity, op, record.RecordID(), record, collect(opts))
	if err != nil {
		return zero, err
	}
	if err := applyLocal(apply, record); err != nil {
		return zero, err
	}
	if err := f.enqueueAll(ctx, []queue.EnqueueRequest{req}); err != nil {
		return record, err
	}
	return record, nil
}

// Create runs apply(record) and queues a remote create. On a local apply
// error nothing is queued.
func Create[T Record](ctx context.Context, f *Facade, entity models.EntityType, record T, apply func(T) error, opts ...Option) (T, error) {
	return upsert(ctx, f, entity, models.OperationCreate, record, apply, opts)
}

// Update is Create with an update operation.
func Update[T Record](ctx context.Context, f *Facade, entity models.EntityType, record T, apply func(T) error, opts ...Option) (T, error) {
	return upsert(ctx, f, entity, models.OperationUpdate, record, apply, opts)
}

// Delete runs apply(id) and queues a remote delete carrying {"id": id}.
func Delete(ctx context.Context, f *Facade, entity models.EntityType, id string, apply func(string) error, opts ...Option) error {
	req, err := f.request(entity, models.OperationDelete, id, map[string]string{"id": id}, collect(opts))
	if err != nil {
		return err
	}
	if err := applyLocal(apply, id); err != nil {
		return err
	}
	return f.enqueueAll(ctx, []queue.EnqueueRequest{req})
}

// BulkDelete applies the local delete once for all ids, then queues one
// delete per id.
func BulkDelete(ctx context.Context, f *Facade, entity models.EntityType, ids []string, apply func([]string) error, opts ...Option) error {
	s := collect(opts)
	reqs := make([]queue.EnqueueRequest, 0, len(ids))
	for _, id := range ids {
		req, err := f.request(entity, models.OperationDelete, id, map[string]string{"id": id}, s)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}
	if err := applyLocal(apply, ids); err != nil {
		return err
	}
	return f.enqueueAll(ctx, reqs)
}

// BulkUpdate applies the local update once for all items, then queues one
// update per item.
func BulkUpdate[T Record](ctx context.Context, f *Facade, entity models.EntityType, items []T, apply func([]T) error, opts ...Option) error {
	s := collect(opts)
	reqs := make([]queue.EnqueueRequest, 0, len(items))
	for _, item := range items {
		req, err := f.request(entity, models.OperationUpdate, item.RecordID(), item, s)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}
	if err := applyLocal(apply, items); err != nil {
		return err
	}
	return f.enqueueAll(ctx, reqs)
}

// NewTempID returns an id for a record created before the remote has seen it.
func NewTempID() string { return uuid.NewTempID() }

// IsTempID reports whether id came from NewTempID.
func IsTempID(id string) bool { return uuid.IsTempID(id) }
