// Package remote adapts the sync processor to a remote store keyed by entity id.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/models"
)

var (
	// ErrUnavailable means the remote could not be reached at all. When a
	// fresh Ping agrees, the processor ends the cycle instead of charging
	// retries.
	ErrUnavailable = apperrors.New(apperrors.ErrRemoteUnavailable, "remote unavailable")
	// ErrRejected means the remote answered and refused the write.
	ErrRejected = apperrors.New(apperrors.ErrRemoteRejected, "remote rejected the write")
)

// Client performs idempotent writes against named remote collections.
// Upsert must succeed when the id already exists; Delete must succeed when it does not.
type Client interface {
	Upsert(ctx context.Context, collection, id string, data json.RawMessage) error
	Delete(ctx context.Context, collection, id string) error
}

// Pinger reports whether the remote is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusError is a refusal from an HTTP remote.
type StatusError struct {
	Method     string
	Collection string
	ID         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s/%s: status %d", e.Method, e.Collection, e.ID, e.StatusCode)
	}
	return fmt.Sprintf("%s %s/%s: status %d: %s", e.Method, e.Collection, e.ID, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrRejected }

var collections = map[models.EntityType]string{
	models.EntityStudents:     "students",
	models.EntityFees:         "fees",
	models.EntityInstallments: "installments",
	models.EntitySettings:     "settings",
	models.EntityTemplates:    "templates",
	models.EntityMessages:     "messages",
}

// Collection returns the remote collection backing an entity type.
func Collection(e models.EntityType) (string, error) {
	c, ok := collections[e]
	if !ok {
		return "", fmt.Errorf("no remote collection for entity type %q", e)
	}
	return c, nil
}

// Dispatch sends one queued operation to the remote.
func Dispatch(ctx context.Context, c Client, op models.SyncOperation) error {
	collection, err := Collection(op.EntityType)
	if err != nil {
		return err
	}
	switch op.OperationType {
	case models.OperationCreate, models.OperationUpdate:
		return c.Upsert(ctx, collection, op.EntityID, op.Data)
	case models.OperationDelete:
		return c.Delete(ctx, collection, op.EntityID)
	default:
		return fmt.Errorf("unsupported operation type %q", op.OperationType)
	}
}

// Unconfigured is the client used when no remote is set up. Every call
// reports ErrUnavailable, so queued work waits until a remote is configured.
type Unconfigured struct{}

func (Unconfigured) Upsert(context.Context, string, string, json.RawMessage) error {
	return ErrUnavailable
}

func (Unconfigured) Delete(context.Context, string, string) error { return ErrUnavailable }

func (Unconfigured) Ping(context.Context) error { return ErrUnavailable }
