package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/feesync/internal/errors"
	"github.com/kimhsiao/feesync/internal/logging"
	"github.com/kimhsiao/feesync/internal/storage"
)

// Category is a data set a view can be asked to reload.
type Category string

const (
	CategoryFees         Category = "fees"
	CategoryInstallments Category = "installments"
)

// Valid reports whether c is fees or installments.
func (c Category) Valid() bool {
	return c == CategoryFees || c == CategoryInstallments
}

// RefreshFlags is the durable category -> requested-at map stored under
// storage.KeyPaymentRefresh. Values are unix milliseconds; the extra
// "timestamp" entry records the most recent Mark.
type RefreshFlags struct {
	mu  sync.Mutex
	kv  storage.KV
	now func() time.Time
}

func NewRefreshFlags(kv storage.KV) *RefreshFlags {
	return &RefreshFlags{kv: kv, now: time.Now}
}

func (f *RefreshFlags) load(ctx context.Context) map[string]int64 {
	flags := map[string]int64{}
	raw, err := f.kv.Get(ctx, storage.KeyPaymentRefresh)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logging.Warn("Refresh flags unreadable, treating as empty", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return flags
	}
	if err := json.Unmarshal(raw, &flags); err != nil {
		logging.Warn("Refresh flags corrupt, treating as empty", map[string]interface{}{
			"error": err.Error(),
		})
		return map[string]int64{}
	}
	return flags
}

func (f *RefreshFlags) save(ctx context.Context, flags map[string]int64) error {
	raw, err := json.Marshal(flags)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode refresh flags", err)
	}
	if err := f.kv.Set(ctx, storage.KeyPaymentRefresh, raw); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "save refresh flags", err)
	}
	return nil
}

// Mark flags each category as needing a refresh now.
func (f *RefreshFlags) Mark(ctx context.Context, categories ...Category) error {
	if len(categories) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	flags := f.load(ctx)
	ts := f.now().UnixMilli()
	flags["timestamp"] = ts
	for _, c := range categories {
		flags[string(c)] = ts
	}
	if err := f.save(ctx, flags); err != nil {
		return err
	}
	logging.Debug("Marked refresh needed", map[string]interface{}{"categories": categories})
	return nil
}

// IsRefreshNeeded returns when a refresh of c was requested, if it still is.
func (f *RefreshFlags) IsRefreshNeeded(ctx context.Context, c Category) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.load(ctx)[string(c)]
	if !ok || ts == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ts), true
}

// Clear drops the flag for c. Call it after the refresh succeeded.
func (f *RefreshFlags) Clear(ctx context.Context, c Category) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	flags := f.load(ctx)
	if _, ok := flags[string(c)]; !ok {
		return nil
	}
	delete(flags, string(c))
	return f.save(ctx, flags)
}

// All returns every category currently flagged.
func (f *RefreshFlags) All(ctx context.Context) map[Category]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := map[Category]time.Time{}
	for k, ts := range f.load(ctx) {
		c := Category(k)
		if c.Valid() && ts != 0 {
			out[c] = time.UnixMilli(ts)
		}
	}
	return out
}
