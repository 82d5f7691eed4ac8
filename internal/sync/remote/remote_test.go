package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/models"
)

func TestCollection(t *testing.T) {
	for _, e := range models.EntityTypes {
		c, err := Collection(e)
		require.NoError(t, err)
		assert.Equal(t, string(e), c)
	}

	_, err := Collection("widgets")
	assert.Error(t, err)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()

	create := models.SyncOperation{
		EntityType: models.EntityFees, OperationType: models.OperationCreate, EntityID: "f1",
		Data: json.RawMessage(`{"id":"f1","amount":100}`),
	}
	require.NoError(t, Dispatch(ctx, m, create))
	// upsert of an existing id succeeds
	update := create
	update.OperationType = models.OperationUpdate
	update.Data = json.RawMessage(`{"id":"f1","amount":150}`)
	require.NoError(t, Dispatch(ctx, m, update))

	got, ok := m.Record("fees", "f1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"f1","amount":150}`, string(got))

	del := models.SyncOperation{EntityType: models.EntityFees, OperationType: models.OperationDelete, EntityID: "f1"}
	require.NoError(t, Dispatch(ctx, m, del))
	// deleting a missing id is a no-op
	require.NoError(t, Dispatch(ctx, m, del))

	_, ok = m.Record("fees", "f1")
	assert.False(t, ok)
	assert.Len(t, m.Calls(), 4)
}

func TestDispatch_rejectsUnknownKinds(t *testing.T) {
	m := NewMemoryClient()

	err := Dispatch(context.Background(), m, models.SyncOperation{EntityType: "widgets", OperationType: models.OperationCreate})
	assert.Error(t, err)

	err = Dispatch(context.Background(), m, models.SyncOperation{EntityType: models.EntityFees, OperationType: "merge"})
	assert.Error(t, err)
	assert.Empty(t, m.Calls())
}

func TestMemoryClient_failures(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	boom := errors.New("boom")
	m.FailWith(func(c Call) error {
		if c.ID == "bad" {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, m.Upsert(ctx, "fees", "bad", json.RawMessage(`{}`)), boom)
	assert.NoError(t, m.Upsert(ctx, "fees", "good", json.RawMessage(`{}`)))
	_, ok := m.Record("fees", "bad")
	assert.False(t, ok)

	assert.NoError(t, m.Ping(ctx))
	m.SetDown(true)
	assert.ErrorIs(t, m.Ping(ctx), ErrUnavailable)
}

func TestUnconfigured(t *testing.T) {
	ctx := context.Background()
	var u Unconfigured
	assert.ErrorIs(t, u.Ping(ctx), ErrUnavailable)
	assert.ErrorIs(t, u.Upsert(ctx, "fees", "f1", nil), ErrUnavailable)
	assert.ErrorIs(t, u.Delete(ctx, "fees", "f1"), ErrUnavailable)
}

func TestStatusError(t *testing.T) {
	err := &StatusError{Method: "POST", Collection: "fees", ID: "f1", StatusCode: 409, Body: "conflict"}
	assert.Equal(t, "POST fees/f1: status 409: conflict", err.Error())
	assert.ErrorIs(t, err, ErrRejected)
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteRejected))
}

func TestSentinelCodes(t *testing.T) {
	assert.Equal(t, apperrors.ErrRemoteUnavailable, apperrors.CodeOf(ErrUnavailable))
	assert.Equal(t, apperrors.ErrRemoteRejected, apperrors.CodeOf(ErrRejected))
	wrapped := fmt.Errorf("%w: dial tcp: connection refused", ErrUnavailable)
	assert.True(t, apperrors.Is(wrapped, apperrors.ErrRemoteUnavailable))
}
