package sync

import (
	"context"

	"github.com/kimhsiao/feesync/internal/models"
	"github.com/kimhsiao/feesync/internal/sync/processor"
	"github.com/kimhsiao/feesync/internal/sync/queue"
)

// Service is the part of Engine exposed to transports such as the daemon's
// HTTP handlers. It allows for mocking in tests.
type Service interface {
	// Enqueue queues a write and returns its operation id without waiting
	// on the network.
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)

	// SubscribeSyncState delivers the current state immediately and every
	// change after it until the returned func is called.
	SubscribeSyncState(fn func(models.SyncQueueState)) func()

	State() models.SyncQueueState
	Operations(ctx context.Context) ([]models.SyncOperation, error)
	// Operation reports a NOT_FOUND error once the id has been collapsed,
	// cleared or purged.
	Operation(ctx context.Context, id string) (models.SyncOperation, error)
	Stats(ctx context.Context) (Stats, error)

	RetryFailedOperations(ctx context.Context) (int, error)
	ForceSync(ctx context.Context) processor.DrainResult
	ClearFailedOperations(ctx context.Context) (int, error)
}

var _ Service = (*Engine)(nil)
