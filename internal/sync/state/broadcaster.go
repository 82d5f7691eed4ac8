// Package state derives the aggregate sync status and pushes it to subscribers.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/feesync/internal/logging"
	"github.com/kimhsiao/feesync/internal/models"
	"github.com/kimhsiao/feesync/internal/storage"
)

// Counter folds the live queue into counts.
type Counter interface {
	Counts(ctx context.Context) (models.QueueCounts, error)
}

// Partial carries the explicitly updated fields of an Update call. Nil fields
// keep their previous value.
type Partial struct {
	IsSyncing    *bool
	LastSyncTime *time.Time
}

// Syncing is a convenience for Partial{IsSyncing: &v}.
func Syncing(v bool) Partial {
	return Partial{IsSyncing: &v}
}

// Finished marks the end of a drain cycle at t.
func Finished(t time.Time) Partial {
	f := false
	return Partial{IsSyncing: &f, LastSyncTime: &t}
}

type subscriber struct {
	id uint64
	fn func(models.SyncQueueState)
}

// Broadcaster recomputes SyncQueueState from the queue on every Update. Counts
// are never carried over from a previous snapshot unless the queue cannot be read.
type Broadcaster struct {
	counter Counter
	kv      storage.KV
	online  func() bool

	// update serializes count + merge + persist + deliver, so every
	// subscriber sees snapshots in the order they were computed.
	update sync.Mutex

	mu      sync.Mutex
	current models.SyncQueueState
	subs    []subscriber
	nextID  uint64
}

// New creates a Broadcaster. kv may be nil to skip persisting snapshots.
func New(counter Counter, kv storage.KV, online func() bool) *Broadcaster {
	if online == nil {
		online = func() bool { return true }
	}
	return &Broadcaster{
		counter: counter,
		kv:      kv,
		online:  online,
		current: models.SyncQueueState{IsOnline: online()},
	}
}

// Restore seeds lastSyncTime from the persisted snapshot of a previous run.
func (b *Broadcaster) Restore(ctx context.Context) {
	if b.kv == nil {
		return
	}
	raw, err := b.kv.Get(ctx, storage.KeySyncState)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logging.Warn("Failed to read persisted sync state", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	var saved models.SyncQueueState
	if err := json.Unmarshal(raw, &saved); err != nil {
		logging.Warn("Ignoring corrupt sync state snapshot", map[string]interface{}{"error": err.Error()})
		return
	}
	b.mu.Lock()
	b.current.LastSyncTime = saved.LastSyncTime
	b.mu.Unlock()
}

// Update recomputes the snapshot, persists it, and delivers it to every
// subscriber. Subscribers may read Current but must not call Update or
// Subscribe.
func (b *Broadcaster) Update(ctx context.Context, p Partial) models.SyncQueueState {
	b.update.Lock()
	defer b.update.Unlock()

	counts, err := b.counter.Counts(ctx)

	b.mu.Lock()
	next := b.current
	if err != nil {
		logging.Warn("Failed to recount sync queue", map[string]interface{}{"error": err.Error()})
	} else {
		next.Pending = counts.Pending
		next.Processing = counts.Processing
		next.Failed = counts.Failed
	}
	next.IsOnline = b.online()
	if p.IsSyncing != nil {
		next.IsSyncing = *p.IsSyncing
	}
	if p.LastSyncTime != nil {
		t := *p.LastSyncTime
		next.LastSyncTime = &t
	}
	b.current = next
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	b.persist(ctx, next)
	for _, s := range subs {
		deliver(s, next)
	}
	return next
}

func (b *Broadcaster) persist(ctx context.Context, snapshot models.SyncQueueState) {
	if b.kv == nil {
		return
	}
	raw, err := json.Marshal(snapshot)
	if err == nil {
		err = b.kv.Set(ctx, storage.KeySyncState, raw)
	}
	if err != nil {
		logging.Warn("Failed to persist sync state", map[string]interface{}{"error": err.Error()})
	}
}

// Current returns the last computed snapshot with the live online flag.
func (b *Broadcaster) Current() models.SyncQueueState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.current
	s.IsOnline = b.online()
	return s
}

// Subscribe delivers the current snapshot to fn immediately, then every
// subsequent update until the returned function is called.
func (b *Broadcaster) Subscribe(fn func(models.SyncQueueState)) func() {
	b.update.Lock()
	b.mu.Lock()
	b.nextID++
	s := subscriber{id: b.nextID, fn: fn}
	snapshot := b.current
	snapshot.IsOnline = b.online()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	deliver(s, snapshot)
	b.update.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.subs {
				if sub.id == s.id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func deliver(s subscriber, snapshot models.SyncQueueState) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Sync state subscriber panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"subscriber": s.id,
			})
		}
	}()
	s.fn(snapshot)
}
