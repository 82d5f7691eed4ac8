// Package telemetry keeps in-process sync counters.
//
// Nothing here is transmitted anywhere. The daemon exposes a Snapshot on its
// status endpoint and that is the only consumer.
package telemetry

import (
	"sync/atomic"
	"time"
)

// =====================================================
// Sync Counters
// =====================================================

// SyncCounters accumulates drain statistics. The zero value is ready to use.
type SyncCounters struct {
	cycles     atomic.Int64
	skipped    atomic.Int64
	dispatched atomic.Int64
	succeeded  atomic.Int64
	retried    atomic.Int64
	failed     atomic.Int64
	superseded atomic.Int64
	lastCycle  atomic.Int64 // duration in nanoseconds
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Cycles        int64         `json:"cycles"`
	SkippedCycles int64         `json:"skipped_cycles"`
	Dispatched    int64         `json:"dispatched"`
	Succeeded     int64         `json:"succeeded"`
	Retried       int64         `json:"retried"`
	Failed        int64         `json:"failed"`
	Superseded    int64         `json:"superseded"`
	LastCycle     time.Duration `json:"last_cycle_ns"`
}

func (c *SyncCounters) CycleStarted() { c.cycles.Add(1) }
func (c *SyncCounters) CycleSkipped() { c.skipped.Add(1) }
func (c *SyncCounters) Dispatched()   { c.dispatched.Add(1) }
func (c *SyncCounters) Succeeded()    { c.succeeded.Add(1) }
func (c *SyncCounters) Retried()      { c.retried.Add(1) }
func (c *SyncCounters) Failed()       { c.failed.Add(1) }
func (c *SyncCounters) Superseded()   { c.superseded.Add(1) }

// CycleFinished records how long the last drain cycle took.
func (c *SyncCounters) CycleFinished(d time.Duration) {
	c.lastCycle.Store(int64(d))
}

// Snapshot returns the current counter values.
func (c *SyncCounters) Snapshot() Snapshot {
	return Snapshot{
		Cycles:        c.cycles.Load(),
		SkippedCycles: c.skipped.Load(),
		Dispatched:    c.dispatched.Load(),
		Succeeded:     c.succeeded.Load(),
		Retried:       c.retried.Load(),
		Failed:        c.failed.Load(),
		Superseded:    c.superseded.Load(),
		LastCycle:     time.Duration(c.lastCycle.Load()),
	}
}
