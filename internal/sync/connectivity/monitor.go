// Package connectivity tracks whether the remote side of the sync layer is
// reachable and notifies listeners on transitions.
package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/feesync/internal/logging"
)

// Prober performs one reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber issues a HEAD request. Any response counts as online.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DialProber opens and closes a TCP connection to Address.
type DialProber struct {
	Address string
}

func (p DialProber) Probe(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

type listener struct {
	id uint64
	fn func(online bool)
}

// Monitor holds the live online flag. It starts online, matching a client
// that assumes connectivity until told otherwise.
type Monitor struct {
	prober  Prober
	timeout time.Duration

	mu        sync.Mutex
	online    bool
	listeners []listener
	nextID    uint64
}

// New creates a Monitor. prober may be nil when transitions are only reported
// through SetOnline.
func New(prober Prober, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Monitor{prober: prober, timeout: timeout, online: true}
}

// IsOnline reports the current flag.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn for future transitions and returns an unregister func.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// SetOnline records a platform-level transition. Listeners run only when the
// flag actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	ls := make([]listener, len(m.listeners))
	copy(ls, m.listeners)
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"is_online": online})
	for _, l := range ls {
		notify(l, online)
	}
}

// Probe runs the configured prober once and applies the result.
func (m *Monitor) Probe(ctx context.Context) {
	if m.prober == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Probe(ctx)
	if err != nil && ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
		// Shutting down, not a connectivity signal.
		return
	}
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
	}
	m.SetOnline(err == nil)
}

func notify(l listener, online bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Connectivity listener panicked", fmt.Errorf("%v", r))
		}
	}()
	l.fn(online)
}
