package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/feesync/internal/logging"
)

// DefaultListenerDebounce coalesces bursts of payment events into one refresh.
const DefaultListenerDebounce = 150 * time.Millisecond

// ListenerConfig configures a Listener. Zero values are usable.
type ListenerConfig struct {
	Debounce time.Duration
	// SchoolID drops events for other schools. Events without a school pass.
	SchoolID  string
	OnEvent   func(Event)
	OnRefresh func(ctx context.Context) error
}

// Listener follows the bus on behalf of one view: it forwards new events to
// OnEvent and runs at most one OnRefresh at a time after payment activity.
type Listener struct {
	cfg   ListenerConfig
	flags *RefreshFlags
	unsub func()

	mu         sync.Mutex
	lastTS     int64
	timer      *time.Timer
	refreshing bool
	closed     bool
	wg         sync.WaitGroup
}

// NewListener subscribes to every event on bus.
func NewListener(bus *Bus, cfg ListenerConfig) *Listener {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultListenerDebounce
	}
	l := &Listener{cfg: cfg, flags: bus.Flags()}
	l.unsub = bus.On(All, l.handle)
	return l
}

func (l *Listener) handle(e Event) {
	meta := e.Meta()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if meta.Timestamp <= l.lastTS {
		l.mu.Unlock()
		logging.Debug("Skipping stale payment event", map[string]interface{}{
			"event_type": e.EventType(),
			"timestamp":  meta.Timestamp,
		})
		return
	}
	if l.cfg.SchoolID != "" && meta.SchoolID != "" && meta.SchoolID != l.cfg.SchoolID {
		l.mu.Unlock()
		return
	}
	l.lastTS = meta.Timestamp
	l.mu.Unlock()

	if l.cfg.OnEvent != nil {
		l.callOnEvent(e)
	}

	if triggersRefresh(e.EventType()) {
		l.schedule()
	}
}

func (l *Listener) callOnEvent(e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Payment listener OnEvent panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"event_type": e.EventType(),
			})
		}
	}()
	l.cfg.OnEvent(e)
}

func (l *Listener) schedule() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.timer != nil && l.timer.Stop() {
		l.wg.Done()
	}
	l.wg.Add(1)
	l.timer = time.AfterFunc(l.cfg.Debounce, func() {
		defer l.wg.Done()
		if _, err := l.TriggerRefresh(context.Background()); err != nil {
			logging.Error("Payment listener refresh failed", err)
		}
	})
}

// TriggerRefresh runs OnRefresh now unless one is already running. It reports
// whether a refresh ran.
func (l *Listener) TriggerRefresh(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.refreshing || l.cfg.OnRefresh == nil {
		l.mu.Unlock()
		return false, nil
	}
	l.refreshing = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.refreshing = false
		l.mu.Unlock()
	}()
	return true, l.refresh(ctx)
}

func (l *Listener) refresh(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh panicked: %v", r)
		}
	}()
	return l.cfg.OnRefresh(ctx)
}

// Refreshing reports whether OnRefresh is in progress.
func (l *Listener) Refreshing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshing
}

// RecoverMissed refreshes if c was flagged while nobody was listening, and
// clears the flag once the refresh succeeded.
func (l *Listener) RecoverMissed(ctx context.Context, c Category) (bool, error) {
	requested, ok := l.flags.IsRefreshNeeded(ctx, c)
	if !ok {
		return false, nil
	}
	logging.Info("Recovering missed payment refresh", map[string]interface{}{
		"category":     c,
		"requested_at": requested,
	})
	ran, err := l.TriggerRefresh(ctx)
	if err != nil || !ran {
		return ran, err
	}
	return true, l.flags.Clear(ctx, c)
}

// Close unsubscribes, cancels a pending refresh, and waits for a scheduled
// refresh that already started.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	if l.timer != nil && l.timer.Stop() {
		l.wg.Done()
	}
	l.timer = nil
	l.mu.Unlock()

	l.unsub()
	l.wg.Wait()
}
