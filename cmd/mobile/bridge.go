// Package main is the mobile bridge: it builds as a C shared library
// (libfeesync.so on Android, feesync.xcframework on iOS) that the Flutter app
// loads through dart:ffi. The exported C symbols live in ffi.go; everything
// here is plain Go so it can be tested without cgo.
//
// Every call that returns data returns JSON. Failures return an empty string
// or -1 and leave a message for GetLastError.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kimhsiao/feesync/internal/app"
	"github.com/kimhsiao/feesync/internal/config"
	"github.com/kimhsiao/feesync/internal/events"
	"github.com/kimhsiao/feesync/internal/logging"
	"github.com/kimhsiao/feesync/internal/models"
	"github.com/kimhsiao/feesync/internal/receipts"
	"github.com/kimhsiao/feesync/internal/sync/queue"
)

// bridge owns the single App behind the exported functions.
type bridge struct {
	mu      sync.Mutex
	core    *app.App
	cancel  context.CancelFunc
	lastErr string
}

var core = &bridge{}

var errNotInitialized = fmt.Errorf("feesync core not initialized")

func (b *bridge) setLastError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.lastErr = ""
		return
	}
	b.lastErr = err.Error()
}

func (b *bridge) lastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// init loads the config at configPath (empty means defaults plus FEESYNC_*
// env vars) and starts the engine. A second init without cleanup is a no-op.
func (b *bridge) init(configPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.core != nil {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	app.InitLogging(cfg.Log)
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		cancel()
		a.Close()
		return err
	}
	b.core, b.cancel = a, cancel
	logging.Info("Mobile bridge initialized", map[string]interface{}{
		"store":  cfg.Store.Driver,
		"remote": cfg.Remote.Driver,
	})
	return nil
}

func (b *bridge) cleanup() {
	b.mu.Lock()
	a, cancel := b.core, b.cancel
	b.core, b.cancel = nil, nil
	b.mu.Unlock()

	if a == nil {
		return
	}
	cancel()
	if err := a.Close(); err != nil {
		logging.Warn("Mobile bridge cleanup failed", map[string]interface{}{"error": err.Error()})
	}
}

func (b *bridge) app() (*app.App, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.core == nil {
		return nil, errNotInitialized
	}
	return b.core, nil
}

// call runs fn against the live app and marshals its result.
func (b *bridge) call(fn func(ctx context.Context, a *app.App) (any, error)) string {
	a, err := b.app()
	if err != nil {
		b.setLastError(err)
		return ""
	}
	v, err := fn(context.Background(), a)
	if err != nil {
		b.setLastError(err)
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.setLastError(fmt.Errorf("serialize result: %w", err))
		return ""
	}
	return string(data)
}

// count runs fn and returns its count, or -1 on failure.
func (b *bridge) count(fn func(ctx context.Context, a *app.App) (int, error)) int32 {
	a, err := b.app()
	if err != nil {
		b.setLastError(err)
		return -1
	}
	n, err := fn(context.Background(), a)
	if err != nil {
		b.setLastError(err)
		return -1
	}
	return int32(n)
}

type enqueueRequest struct {
	EntityType    models.EntityType    `json:"entity_type"`
	OperationType models.OperationType `json:"operation_type"`
	EntityID      string               `json:"entity_id"`
	Data          json.RawMessage      `json:"data"`
	Priority      string               `json:"priority"`
	SchoolID      string               `json:"school_id"`
}

func (b *bridge) enqueue(raw string) string {
	return b.call(func(ctx context.Context, a *app.App) (any, error) {
		var req enqueueRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		priority, err := models.ParsePriority(req.Priority)
		if err != nil {
			return nil, err
		}
		id, err := a.Engine.Enqueue(ctx, queue.EnqueueRequest{
			EntityType:    req.EntityType,
			OperationType: req.OperationType,
			EntityID:      req.EntityID,
			Data:          req.Data,
			Priority:      priority,
			SchoolID:      req.SchoolID,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil
	})
}

func (b *bridge) syncState() string {
	return b.call(func(ctx context.Context, a *app.App) (any, error) {
		return a.Engine.State(), nil
	})
}

func (b *bridge) operations() string {
	return b.call(func(ctx context.Context, a *app.App) (any, error) {
		ops, err := a.Engine.Operations(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"operations": ops, "total": len(ops)}, nil
	})
}

func (b *bridge) forceSync() string {
	return b.call(func(ctx context.Context, a *app.App) (any, error) {
		return a.Engine.ForceSync(ctx), nil
	})
}

func (b *bridge) retryFailed() int32 {
	return b.count(func(ctx context.Context, a *app.App) (int, error) {
		return a.Engine.RetryFailedOperations(ctx)
	})
}

func (b *bridge) clearFailed() int32 {
	return b.count(func(ctx context.Context, a *app.App) (int, error) {
		return a.Engine.ClearFailedOperations(ctx)
	})
}

// setOnline forwards a platform connectivity callback to the monitor.
func (b *bridge) setOnline(online bool) int32 {
	a, err := b.app()
	if err != nil {
		b.setLastError(err)
		return -1
	}
	a.Engine.Monitor().SetOnline(online)
	return 0
}

func (b *bridge) emitPaymentEvent(raw string) string {
	return b.call(func(ctx context.Context, a *app.App) (any, error) {
		e, err := events.Decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		data, err := events.Marshal(a.Bus.Publish(ctx, e))
		if err != nil {
			return nil, err
		}
		return json.RawMessage(data), nil
	})
}

// refreshNeeded returns 1 when category was marked stale, 0 when not, and -1
// for an unknown category.
func (b *bridge) refreshNeeded(category string) int32 {
	c := events.Category(category)
	if !c.Valid() {
		b.setLastError(fmt.Errorf("unknown refresh category %q", category))
		return -1
	}
	return b.count(func(ctx context.Context, a *app.App) (int, error) {
		if _, ok := a.Flags.IsRefreshNeeded(ctx, c); ok {
			return 1, nil
		}
		return 0, nil
	})
}

func (b *bridge) clearRefresh(category string) int32 {
	c := events.Category(category)
	if !c.Valid() {
		b.setLastError(fmt.Errorf("unknown refresh category %q", category))
		return -1
	}
	return b.count(func(ctx context.Context, a *app.App) (int, error) {
		return 0, a.Flags.Clear(ctx, c)
	})
}

func (b *bridge) reserveReceipts(school, kind string, count int) string {
	return b.call(func(ctx context.Context, a *app.App) (any, error) {
		k := receipts.Kind(kind)
		if !k.Valid() {
			return nil, fmt.Errorf("kind must be fee or installment")
		}
		numbers, err := a.Receipts.Reserve(ctx, school, k, count)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"numbers": numbers}, nil
	})
}

func (b *bridge) putReceiptSettings(school, raw string) int32 {
	return b.count(func(ctx context.Context, a *app.App) (int, error) {
		var s receipts.Settings
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return 0, fmt.Errorf("invalid settings: %w", err)
		}
		return 0, a.Settings.Put(ctx, school, s)
	})
}

func main() {}
