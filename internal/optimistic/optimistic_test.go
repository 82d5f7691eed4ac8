package optimistic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/models"
	"github.com/kimhsiao/feesync/internal/storage"
	feesync "github.com/kimhsiao/feesync/internal/sync"
	"github.com/kimhsiao/feesync/internal/sync/queue"
	"github.com/kimhsiao/feesync/internal/sync/remote"
	"github.com/kimhsiao/feesync/internal/sync/schema"
)

type fee struct {
	ID     string `json:"id"`
	Amount int    `json:"amount"`
}

func (f fee) RecordID() string { return f.ID }

// recorder is an Enqueuer without validation.
type recorder struct {
	reqs []queue.EnqueueRequest
	err  error
}

func (r *recorder) Enqueue(_ context.Context, req queue.EnqueueRequest) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.reqs = append(r.reqs, req)
	return "sync_x", nil
}

func newEngine(t *testing.T) (*feesync.Engine, *remote.MemoryClient) {
	t.Helper()
	v, err := schema.NewValidator("")
	require.NoError(t, err)
	kv := storage.NewMemoryKV()
	client := remote.NewMemoryClient()
	e := feesync.NewEngine(queue.NewKVStore(kv), kv, client,
		feesync.WithConfig(feesync.Config{Debounce: time.Hour}),
		feesync.WithValidator(v))
	t.Cleanup(e.Stop)
	return e, client
}

func TestCreate_appliesThenQueues(t *testing.T) {
	e, client := newEngine(t)
	f := New(e)
	ctx := context.Background()

	local := map[string]fee{}
	got, err := Create(ctx, f, models.EntityFees, fee{ID: "f1", Amount: 100}, func(v fee) error {
		local[v.ID] = v
		return nil
	}, WithPriority(models.PriorityHigh), WithSchool("sc1"))
	require.NoError(t, err)
	assert.Equal(t, "f1", got.ID)
	assert.Contains(t, local, "f1", "local state is updated before returning")

	ops, err := e.Operations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OperationCreate, ops[0].OperationType)
	assert.Equal(t, models.PriorityHigh, ops[0].Priority)
	assert.Equal(t, "sc1", *ops[0].SchoolID)
	assert.Empty(t, client.Calls(), "the remote is never awaited")

	e.ForceSync(ctx)
	stored, ok := client.Record("fees", "f1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"f1","amount":100}`, string(stored))
}

func TestCreate_localFailureQueuesNothing(t *testing.T) {
	e, _ := newEngine(t)
	f := New(e)
	ctx := context.Background()

	_, err := Create(ctx, f, models.EntityFees, fee{ID: "f1"}, func(fee) error {
		return errors.New("constraint violated")
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrLocalApply))

	_, err = Update(ctx, f, models.EntityFees, fee{ID: "f1"}, func(fee) error { panic("boom") })
	assert.True(t, apperrors.Is(err, apperrors.ErrLocalApply))

	ops, err := e.Operations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestCreate_invalidRecordSkipsLocalApply(t *testing.T) {
	e, _ := newEngine(t)
	f := New(e)

	applied := false
	_, err := Create(context.Background(), f, models.EntityFees, fee{ID: "f1", Amount: -10}, func(fee) error {
		applied = true
		return nil
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.False(t, applied)
}

func TestUpdate_collapsesInQueue(t *testing.T) {
	e, client := newEngine(t)
	f := New(e)
	ctx := context.Background()
	noop := func(fee) error { return nil }

	_, err := Update(ctx, f, models.EntityFees, fee{ID: "f1", Amount: 1}, noop)
	require.NoError(t, err)
	_, err = Update(ctx, f, models.EntityFees, fee{ID: "f1", Amount: 2}, noop)
	require.NoError(t, err)

	e.ForceSync(ctx)
	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"id":"f1","amount":2}`, string(calls[0].Data))
}

func TestDelete(t *testing.T) {
	rec := &recorder{}
	f := New(rec)

	var deleted string
	err := Delete(context.Background(), f, models.EntityStudents, "s1", func(id string) error {
		deleted = id
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", deleted)
	require.Len(t, rec.reqs, 1)
	assert.Equal(t, models.OperationDelete, rec.reqs[0].OperationType)
	assert.JSONEq(t, `{"id":"s1"}`, string(rec.reqs[0].Data))
	assert.Equal(t, models.PriorityNormal, rec.reqs[0].Priority)
}

func TestBulkDelete_oneLocalCallManyOperations(t *testing.T) {
	rec := &recorder{}
	f := New(rec)

	var calls int
	err := BulkDelete(context.Background(), f, models.EntityMessages, []string{"m1", "m2", "m3"}, func(ids []string) error {
		calls++
		assert.Len(t, ids, 3)
		return nil
	}, WithPriority(models.PriorityLow))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.Len(t, rec.reqs, 3)
	for i, id := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, id, rec.reqs[i].EntityID)
		assert.Equal(t, models.PriorityLow, rec.reqs[i].Priority)
	}
}

func TestBulkUpdate(t *testing.T) {
	e, client := newEngine(t)
	f := New(e)
	ctx := context.Background()

	items := []fee{{ID: "f1", Amount: 1}, {ID: "f2", Amount: 2}}
	var applied []fee
	err := BulkUpdate(ctx, f, models.EntityFees, items, func(v []fee) error {
		applied = v
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, items, applied)

	res := e.ForceSync(ctx)
	assert.Equal(t, 2, res.Succeeded)
	assert.Len(t, client.Calls(), 2)
}

func TestBulkUpdate_oneInvalidItemRejectsAll(t *testing.T) {
	e, _ := newEngine(t)
	f := New(e)

	applied := false
	err := BulkUpdate(context.Background(), f, models.EntityFees, []fee{{ID: "f1"}, {ID: ""}}, func([]fee) error {
		applied = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, applied)
}

func TestEnqueueErrorAfterLocalApply(t *testing.T) {
	rec := &recorder{err: apperrors.New(apperrors.ErrInvalid, "nope")}
	f := New(rec)

	got, err := Create(context.Background(), f, models.EntityFees, fee{ID: "f1"}, func(fee) error { return nil })
	assert.Error(t, err)
	assert.Equal(t, "f1", got.ID, "the locally applied record is still returned")
}

func TestTempID(t *testing.T) {
	id := NewTempID()
	assert.True(t, IsTempID(id))
	assert.NotEqual(t, id, NewTempID())
	assert.False(t, IsTempID("f1"))
}
