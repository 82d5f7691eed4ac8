package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/kimhsiao/feesync/cmd/feesyncd/handlers"
	"github.com/kimhsiao/feesync/internal/app"
	"github.com/kimhsiao/feesync/internal/events"
	"github.com/kimhsiao/feesync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// server is the HTTP and WebSocket surface of a running app.
type server struct {
	core     *app.App
	hub      *WSHub
	http     *http.Server
	listener *events.Listener
	unsub    []func()
}

// newServer wires app notifications into a hub that lives until ctx ends.
func newServer(ctx context.Context, a *app.App) *server {
	s := &server{core: a, hub: NewWSHub(ctx)}

	s.unsub = append(s.unsub,
		a.Engine.SubscribeSyncState(s.hub.BroadcastSyncState),
		a.Bus.On(events.All, s.hub.BroadcastPaymentEvent),
	)
	s.listener = events.NewListener(a.Bus, events.ListenerConfig{
		OnRefresh: func(ctx context.Context) error {
			s.hub.BroadcastRefresh(a.Flags.All(ctx))
			return nil
		},
	})

	s.http = &http.Server{
		Addr:              a.Config.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"feesyncd"}`))
	})
	handlers.NewSyncHandler(s.core.Engine).Register(mux)
	handlers.NewEventsHandler(s.core.Bus).Register(mux)
	handlers.NewReceiptsHandler(s.core.Receipts, s.core.Settings).Register(mux)
	mux.HandleFunc("GET /ws", HandleWebSocket(s.hub))
	return withRequestLog(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the upgrader needs the original writer to hijack the connection
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down.
func (s *server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("HTTP server listening", map[string]interface{}{"addr": ln.Addr().String()})
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	s.close()
	return err
}

func (s *server) close() {
	s.listener.Close()
	for _, fn := range s.unsub {
		fn()
	}
	s.unsub = nil
}
