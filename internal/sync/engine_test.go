// Package sync tests for the sync engine.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/feesync/internal/db"
	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/events"
	"github.com/kimhsiao/feesync/internal/logging"
	"github.com/kimhsiao/feesync/internal/models"
	"github.com/kimhsiao/feesync/internal/storage"
	"github.com/kimhsiao/feesync/internal/sync/connectivity"
	"github.com/kimhsiao/feesync/internal/sync/queue"
	"github.com/kimhsiao/feesync/internal/sync/remote"
	"github.com/kimhsiao/feesync/internal/sync/schema"
)

// testConfig keeps debounced drains out of the way of explicit ForceSync calls.
var (
	testConfig = Config{BatchSize: 5, Debounce: time.Hour, MaxRetries: 3}
	fastConfig = Config{BatchSize: 5, Debounce: 10 * time.Millisecond, MaxRetries: 3}
)

func newTestEngine(t *testing.T, client remote.Client, opts ...Option) (*Engine, storage.KV) {
	t.Helper()
	kv := storage.NewMemoryKV()
	if client == nil {
		client = remote.NewMemoryClient()
	}
	e := NewEngine(queue.NewKVStore(kv), kv, client, append([]Option{WithConfig(testConfig)}, opts...)...)
	t.Cleanup(e.Stop)
	return e, kv
}

func feeRequest(id string, amount int) queue.EnqueueRequest {
	data, _ := json.Marshal(map[string]interface{}{"id": id, "amount": amount})
	return queue.EnqueueRequest{
		EntityType:    models.EntityFees,
		OperationType: models.OperationCreate,
		EntityID:      id,
		Data:          data,
		Priority:      models.PriorityHigh,
		SchoolID:      "sc1",
	}
}

// =====================================================
// Enqueue
// =====================================================

func TestEngine_EnqueueAndForceSync(t *testing.T) {
	client := remote.NewMemoryClient()
	e, _ := newTestEngine(t, client)
	ctx := context.Background()

	var states []models.SyncQueueState
	unsub := e.SubscribeSyncState(func(s models.SyncQueueState) { states = append(states, s) })
	defer unsub()
	require.Len(t, states, 1, "subscribe delivers immediately")

	id, err := e.Enqueue(ctx, feeRequest("f1", 100))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, e.State().Pending)

	res := e.ForceSync(ctx)
	assert.Equal(t, 1, res.Succeeded)

	_, ok := client.Record("fees", "f1")
	assert.True(t, ok)

	ops, err := e.Operations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	last := e.State()
	assert.Zero(t, last.Pending)
	assert.NotNil(t, last.LastSyncTime)
	assert.Greater(t, len(states), 2)
}

func TestEngine_EnqueueRejectsInvalid(t *testing.T) {
	v, err := schema.NewValidator("")
	require.NoError(t, err)
	e, _ := newTestEngine(t, nil, WithValidator(v))
	ctx := context.Background()

	_, err = e.Enqueue(ctx, queue.EnqueueRequest{EntityType: "widgets", OperationType: models.OperationCreate, EntityID: "w1"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = e.Enqueue(ctx, queue.EnqueueRequest{
		EntityType:    models.EntityFees,
		OperationType: models.OperationCreate,
		EntityID:      "f1",
		Data:          json.RawMessage(`{"id":"f1","amount":-1}`),
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	// deletes carry no record to validate
	_, err = e.Enqueue(ctx, queue.EnqueueRequest{EntityType: models.EntityFees, OperationType: models.OperationDelete, EntityID: "f1"})
	assert.NoError(t, err)

	ops, err := e.Operations(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

type brokenStore struct{}

func (brokenStore) Load(context.Context) ([]models.SyncOperation, error) {
	return nil, errors.New("disk unavailable")
}

func (brokenStore) Save(context.Context, []models.SyncOperation) error {
	return errors.New("disk unavailable")
}

func TestEngine_EnqueueStorageFailureIsNotFatal(t *testing.T) {
	e := NewEngine(brokenStore{}, storage.NewMemoryKV(), remote.NewMemoryClient(), WithConfig(testConfig))
	t.Cleanup(e.Stop)

	id, err := e.Enqueue(context.Background(), feeRequest("f1", 100))
	assert.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestEngine_EnqueueRecord(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.EnqueueRecord(ctx, models.EntityStudents, models.OperationUpdate, "s1",
		map[string]string{"id": "s1", "name": "Ana"}, models.PriorityHigh, "")
	require.NoError(t, err)

	op, err := e.Operation(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"s1","name":"Ana"}`, string(op.Data))
	assert.Nil(t, op.SchoolID)
}

// =====================================================
// Failed operations
// =====================================================

func TestEngine_RetryAndClearFailed(t *testing.T) {
	client := remote.NewMemoryClient()
	var reject atomic.Bool
	reject.Store(true)
	client.FailWith(func(c remote.Call) error {
		if reject.Load() {
			return &remote.StatusError{Method: c.Method, Collection: c.Collection, ID: c.ID, StatusCode: 400, Body: "bad request"}
		}
		return nil
	})
	e, _ := newTestEngine(t, client, WithConfig(Config{BatchSize: 5, Debounce: time.Hour, MaxRetries: 1}))
	ctx := context.Background()

	_, err := e.Enqueue(ctx, feeRequest("f1", 100))
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, feeRequest("f2", 200))
	require.NoError(t, err)

	res := e.ForceSync(ctx)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, e.State().Failed)

	// nothing is retried automatically
	res = e.ForceSync(ctx)
	assert.Zero(t, res.Dispatched)

	reject.Store(false)
	n, err := e.RetryFailedOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, e.State().Pending)

	res = e.ForceSync(ctx)
	assert.Equal(t, 2, res.Succeeded)

	reject.Store(true)
	_, err = e.Enqueue(ctx, feeRequest("f3", 300))
	require.NoError(t, err)
	e.ForceSync(ctx)
	n, err = e.ClearFailedOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Counts.Total)
	assert.Equal(t, int64(3), stats.Telemetry.Failed)
	assert.Equal(t, int64(2), stats.Telemetry.Succeeded)
}

func TestEngine_BulkQueueChangesLogOnce(t *testing.T) {
	hook := new(test.Hook)
	logging.AddHook(hook)
	countEntries := func(message string) int {
		n := 0
		for _, entry := range hook.AllEntries() {
			if entry.Data["count"] != nil {
				assert.Equal(t, message, entry.Message)
				n++
			}
		}
		return n
	}

	client := remote.NewMemoryClient()
	client.FailWith(func(remote.Call) error { return errors.New("rejected") })
	e, _ := newTestEngine(t, client, WithConfig(Config{BatchSize: 5, Debounce: time.Hour, MaxRetries: 1}))
	ctx := context.Background()
	_, err := e.Enqueue(ctx, feeRequest("f1", 100))
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, feeRequest("f2", 200))
	require.NoError(t, err)
	e.ForceSync(ctx)

	hook.Reset()
	_, err = e.RetryFailedOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, countEntries("Retrying failed sync operations"))

	e.ForceSync(ctx)
	hook.Reset()
	_, err = e.ClearFailedOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, countEntries("Cleared failed sync operations"))
}

// =====================================================
// Lifecycle
// =====================================================

func TestEngine_StartRecoversInterruptedOperations(t *testing.T) {
	kv := storage.NewMemoryKV()
	store := queue.NewKVStore(kv)
	require.NoError(t, store.Save(context.Background(), []models.SyncOperation{{
		ID:            "sync_1",
		EntityType:    models.EntityFees,
		OperationType: models.OperationCreate,
		EntityID:      "f1",
		Data:          json.RawMessage(`{"id":"f1"}`),
		Timestamp:     1,
		Priority:      models.PriorityHigh,
		RetryCount:    1,
		MaxRetries:    3,
		Status:        models.StatusProcessing,
	}}))

	monitor := connectivity.New(nil, 0)
	monitor.SetOnline(false)
	e := NewEngine(store, kv, remote.NewMemoryClient(), WithConfig(testConfig), WithMonitor(monitor))
	t.Cleanup(e.Stop)
	require.NoError(t, e.Start(context.Background()))

	op, err := e.Operation(context.Background(), "sync_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Equal(t, 1, op.RetryCount, "recovery does not consume a retry")
	assert.False(t, e.State().IsOnline)
}

func TestEngine_ComesOnlineAndDrains(t *testing.T) {
	client := remote.NewMemoryClient()
	monitor := connectivity.New(nil, 0)
	monitor.SetOnline(false)
	e, _ := newTestEngine(t, client, WithMonitor(monitor), WithConfig(fastConfig))
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	_, err := e.Enqueue(ctx, feeRequest("f1", 100))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, client.Calls(), "offline engine does not dispatch")
	assert.Equal(t, 1, e.State().Pending)

	monitor.SetOnline(true)
	assert.Eventually(t, func() bool {
		_, ok := client.Record("fees", "f1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return e.State().Pending == 0 }, time.Second, 10*time.Millisecond)
	assert.True(t, e.State().IsOnline)
}

func TestEngine_StartStop(t *testing.T) {
	e, _ := newTestEngine(t, nil, WithConfig(Config{Periodic: "@every 1h", ProbeSchedule: "@every 1h"}))
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Start(ctx), "second start is a no-op")
	assert.ElementsMatch(t, []string{JobPeriodicDrain, JobProbe}, e.scheduler.Jobs())

	e.Stop()
	e.Stop()
	assert.Error(t, e.Start(ctx))
}

func TestEngine_StartRejectsBadSchedule(t *testing.T) {
	e, _ := newTestEngine(t, nil, WithConfig(Config{Periodic: "every now and then"}))
	assert.True(t, apperrors.Is(e.Start(context.Background()), apperrors.ErrInvalid))
}

// =====================================================
// Payment notifications
// =====================================================

func TestEngine_EmitsPaymentSyncCompleted(t *testing.T) {
	kv := storage.NewMemoryKV()
	bus := events.NewBus(kv)
	e := NewEngine(queue.NewKVStore(kv), kv, remote.NewMemoryClient(), WithConfig(testConfig), WithBus(bus))
	t.Cleanup(e.Stop)
	ctx := context.Background()

	var got []events.SyncCompleted
	bus.On(events.PaymentSyncCompleted, func(ev events.Event) {
		got = append(got, ev.(events.SyncCompleted))
	})

	_, err := e.Enqueue(ctx, feeRequest("f1", 100))
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, feeRequest("f2", 50))
	require.NoError(t, err)
	_, err = e.EnqueueRecord(ctx, models.EntityStudents, models.OperationCreate, "s1", map[string]string{"id": "s1"}, 0, "sc1")
	require.NoError(t, err)

	e.ForceSync(ctx)

	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].SyncedCount, "only fee and installment operations count")
	assert.Equal(t, "sc1", got[0].SchoolID)

	// a cycle with nothing to do stays quiet
	e.ForceSync(ctx)
	assert.Len(t, got, 1)
}

// =====================================================
// Cross-process changes
// =====================================================

func TestEngine_PicksUpQueueWrittenByAnotherProcess(t *testing.T) {
	dir := t.TempDir()
	mine, err := storage.NewFileKV(dir)
	require.NoError(t, err)
	theirs, err := storage.NewFileKV(dir)
	require.NoError(t, err)

	client := remote.NewMemoryClient()
	e := NewEngine(queue.NewKVStore(mine), mine, client, WithConfig(fastConfig))
	t.Cleanup(e.Stop)
	require.NoError(t, e.Start(context.Background()))

	other := queue.New(queue.NewKVStore(theirs))
	_, err = other.Enqueue(context.Background(), feeRequest("f9", 10))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := client.Record("fees", "f9")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestEngine_SQLiteStore(t *testing.T) {
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	client := remote.NewMemoryClient()
	e := NewEngine(queue.NewSQLiteStore(database.DB), storage.NewSQLiteKV(database.DB), client, WithConfig(testConfig))
	t.Cleanup(e.Stop)
	ctx := context.Background()

	_, err = e.Enqueue(ctx, feeRequest("f1", 100))
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, queue.EnqueueRequest{EntityType: models.EntityFees, OperationType: models.OperationDelete, EntityID: "f1"})
	require.NoError(t, err)

	res := e.ForceSync(ctx)
	assert.Equal(t, 1, res.Succeeded)
	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "delete", calls[0].Method)
}

func TestEngine_StopBeforeStartDropsDebouncedDrain(t *testing.T) {
	client := remote.NewMemoryClient()
	e, _ := newTestEngine(t, client, WithConfig(Config{Debounce: 20 * time.Millisecond}))
	ctx := context.Background()

	_, err := e.Enqueue(ctx, feeRequest("f1", 100))
	require.NoError(t, err)
	e.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, client.Calls())
	assert.Error(t, e.Start(ctx))
}
