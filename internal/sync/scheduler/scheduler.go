// Package scheduler runs recurring background jobs for the sync engine,
// such as the periodic drain and connectivity probes.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/kimhsiao/feesync/internal/logging"
)

// Scheduler wraps a cron instance. Jobs receive a context that is cancelled on Stop.
// A job still running when its next tick arrives is skipped for that tick.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	isRunning bool
	jobs      map[string]cron.EntryID
}

// cronLogger adapts the package logger to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug("scheduler: "+msg, kvContext(keysAndValues))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error("scheduler: "+msg, err, kvContext(keysAndValues))
}

func kvContext(kv []interface{}) map[string]interface{} {
	ctx := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		ctx[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return ctx
}

// New creates a stopped Scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Add registers job under name using a standard cron spec or a descriptor
// such as "@every 1m". Adding an existing name replaces the previous job.
func (s *Scheduler) Add(name, spec string, job func(context.Context)) error {
	id, err := s.cron.AddFunc(spec, func() { job(s.ctx) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.jobs[name]; ok {
		s.cron.Remove(prev)
	}
	s.jobs[name] = id
	logging.Info("Scheduled background job", map[string]interface{}{"job": name, "spec": spec})
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}
	s.isRunning = true
	s.cron.Start()
	logging.Info("Background scheduler started", map[string]interface{}{"jobs": len(s.jobs)})
}

// Stop cancels the job context and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	logging.Info("Background scheduler stopped", nil)
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
