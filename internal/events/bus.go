package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/logging"
	"github.com/kimhsiao/feesync/internal/storage"
)

// Handler receives emitted events. It runs on the emitting goroutine.
type Handler func(Event)

type handler struct {
	id uint64
	fn Handler
}

// Bus dispatches payment events to in-process handlers.
type Bus struct {
	kv    storage.KV
	flags *RefreshFlags
	now   func() time.Time

	mu       sync.Mutex
	handlers map[Type][]handler
	nextID   uint64
	lastTS   int64
}

// NewBus creates a bus persisting its side effects into kv.
func NewBus(kv storage.KV) *Bus {
	return &Bus{
		kv:       kv,
		flags:    NewRefreshFlags(kv),
		now:      time.Now,
		handlers: make(map[Type][]handler),
	}
}

// Flags returns the durable refresh flags the bus marks.
func (b *Bus) Flags() *RefreshFlags { return b.flags }

// On registers fn for t, or for every variant when t is All.
func (b *Bus) On(t Type, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	h := handler{id: b.nextID, fn: fn}
	b.handlers[t] = append(b.handlers[t], h)
	count := len(b.handlers[t])
	b.mu.Unlock()

	logging.Debug("Payment event handler registered", map[string]interface{}{
		"event_type": t,
		"handlers":   count,
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.handlers[t]
			for i, existing := range list {
				if existing.id == h.id {
					b.handlers[t] = append(list[:i:i], list[i+1:]...)
					return
				}
			}
		})
	}
}

// HandlerCount returns how many handlers are registered for t.
func (b *Bus) HandlerCount(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[t])
}

// stamp fills a zero timestamp. Bus-assigned timestamps strictly increase so
// listeners that drop non-newer events never lose a burst.
func (b *Bus) stamp(e Event) Event {
	meta := e.Meta()
	b.mu.Lock()
	if meta.Timestamp == 0 {
		ts := b.now().UnixMilli()
		if ts <= b.lastTS {
			ts = b.lastTS + 1
		}
		meta.Timestamp = ts
	}
	if meta.Timestamp > b.lastTS {
		b.lastTS = meta.Timestamp
	}
	b.mu.Unlock()
	return e.withMeta(meta)
}

// Emit records e as the last event, flags the categories it makes stale, then
// calls handlers for e's type followed by All handlers. Storage failures are
// logged and do not stop delivery. The stamped event is returned.
func (b *Bus) Emit(ctx context.Context, e Event) Event {
	e = b.stamp(e)
	t := e.EventType()

	if raw, err := Marshal(e); err != nil {
		logging.Warn("Failed to encode last payment event", map[string]interface{}{"error": err.Error()})
	} else if err := b.kv.Set(ctx, storage.KeyPaymentLastEvent, raw); err != nil {
		logging.Warn("Failed to persist last payment event", map[string]interface{}{"error": err.Error()})
	}

	if stale := staleCategories(t); len(stale) > 0 {
		if err := b.flags.Mark(ctx, stale...); err != nil {
			logging.ErrorWithCode("Failed to mark refresh needed", string(apperrors.ErrStorage), err, map[string]interface{}{
				"event_type": t,
			})
		}
	}

	b.mu.Lock()
	specific := append([]handler(nil), b.handlers[t]...)
	all := append([]handler(nil), b.handlers[All]...)
	b.mu.Unlock()

	logging.Info("Payment event emitted", map[string]interface{}{
		"event_type": t,
		"school_id":  e.Meta().SchoolID,
		"handlers":   len(specific) + len(all),
	})

	for _, h := range specific {
		b.call(h, e)
	}
	for _, h := range all {
		b.call(h, e)
	}
	return e
}

func (b *Bus) call(h handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Payment event handler panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"event_type": e.EventType(),
				"handler":    h.id,
			})
		}
	}()
	h.fn(e)
}

// LastEvent returns the most recently emitted event, persisted for debugging.
func (b *Bus) LastEvent(ctx context.Context) (Event, error) {
	raw, err := b.kv.Get(ctx, storage.KeyPaymentLastEvent)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.New(apperrors.ErrNotFound, "no payment event recorded")
		}
		return nil, apperrors.Wrap(apperrors.ErrStorage, "read last payment event", err)
	}
	return Decode(raw)
}

// The typed helpers always stamp the event with the bus clock.

func (b *Bus) EmitFullPayment(ctx context.Context, e FullPayment) Event {
	e.Timestamp = 0
	return b.Emit(ctx, e)
}

func (b *Bus) EmitPartialPayment(ctx context.Context, e PartialPayment) Event {
	e.Timestamp = 0
	return b.Emit(ctx, e)
}

func (b *Bus) EmitInstallmentPayment(ctx context.Context, e InstallmentPayment) Event {
	e.Timestamp = 0
	return b.Emit(ctx, e)
}

func (b *Bus) EmitBatchPayment(ctx context.Context, e BatchPayment) Event {
	e.Timestamp = 0
	return b.Emit(ctx, e)
}

func (b *Bus) EmitPaymentFailed(ctx context.Context, e PaymentFailure) Event {
	e.Timestamp = 0
	return b.Emit(ctx, e)
}

// Publish emits an event decoded from outside the process. Any timestamp it
// carries is replaced by the bus clock.
func (b *Bus) Publish(ctx context.Context, e Event) Event {
	meta := e.Meta()
	meta.Timestamp = 0
	return b.Emit(ctx, e.withMeta(meta))
}

// EmitSyncCompleted reports that count fee/installment operations reached the remote.
func (b *Bus) EmitSyncCompleted(ctx context.Context, schoolID string, count int) Event {
	return b.Emit(ctx, SyncCompleted{Base: Base{SchoolID: schoolID}, SyncedCount: count})
}
