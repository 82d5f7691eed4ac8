// Package scheduler tests for the background job scheduler.
package scheduler

import (
	"context"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAdd_invalidSpec verifies bad cron specs are rejected.
func TestAdd_invalidSpec(t *testing.T) {
	s := New()
	err := s.Add("bad", "every tuesday-ish", func(context.Context) {})
	assert.Error(t, err)
	assert.Empty(t, s.Jobs())
}

// TestAdd_replacesByName verifies a second Add with the same name replaces the first.
func TestAdd_replacesByName(t *testing.T) {
	s := New()
	require.NoError(t, s.Add("drain", "@every 1m", func(context.Context) {}))
	require.NoError(t, s.Add("drain", "@every 2m", func(context.Context) {}))
	require.NoError(t, s.Add("probe", "@every 15s", func(context.Context) {}))

	jobs := s.Jobs()
	sort.Strings(jobs)
	assert.Equal(t, []string{"drain", "probe"}, jobs)
	assert.Len(t, s.cron.Entries(), 2)
}

// TestStartStop verifies jobs run on schedule and stop with the scheduler.
func TestStartStop(t *testing.T) {
	s := New()
	var runs atomic.Int32
	var cancelled atomic.Bool

	require.NoError(t, s.Add("tick", "@every 1s", func(ctx context.Context) {
		runs.Add(1)
		<-ctx.Done()
		cancelled.Store(true)
	}))

	s.Start()
	s.Start() // idempotent
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	assert.True(t, cancelled.Load(), "Stop waits for running jobs after cancelling their context")

	s.Stop() // idempotent
}

// TestRecoverFromPanic verifies a panicking job does not kill the scheduler.
func TestRecoverFromPanic(t *testing.T) {
	s := New()
	var after atomic.Int32

	require.NoError(t, s.Add("panics", "@every 1s", func(context.Context) { panic("boom") }))
	require.NoError(t, s.Add("counts", "@every 1s", func(context.Context) { after.Add(1) }))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return after.Load() >= 2 }, 4*time.Second, 20*time.Millisecond)
}
