package models

import "time"

// SyncQueueState is the aggregate sync status pushed to subscribers.
// Counts are always recomputed from the queue; they are never authored directly.
type SyncQueueState struct {
	Pending      int        `json:"pending"`
	Processing   int        `json:"processing"`
	Failed       int        `json:"failed"`
	LastSyncTime *time.Time `json:"last_sync_time"`
	IsOnline     bool       `json:"is_online"`
	IsSyncing    bool       `json:"is_syncing"`
}

// QueueCounts is a fold over the current queue.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Completed  int `json:"completed"`
	Total      int `json:"total"`
}

// CountOperations folds ops into per-status counts.
func CountOperations(ops []SyncOperation) QueueCounts {
	var c QueueCounts
	for _, op := range ops {
		c.Total++
		switch op.Status {
		case StatusPending:
			c.Pending++
		case StatusProcessing:
			c.Processing++
		case StatusFailed:
			c.Failed++
		case StatusCompleted:
			c.Completed++
		}
	}
	return c
}
