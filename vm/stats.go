package vm

import (
	"sync/atomic"
	"time"
)

// CollectionStats summarizes one completed collection run.
type CollectionStats struct {
	Sequence uint64
	Full     bool

	// Participants counts the goroutines that took part; Stolen counts
	// blocked threads whose work was done for them.
	Participants int
	Stolen       int

	Copied        int64
	Promoted      int64
	PromotedBytes int64
	Marked        int64
	FreedNursery  int64
	FreedGen2     int64
	STablesFreed  int64
	SCsDropped    int64

	ThreadsDestroyed int
	BatchesSent      int64

	Duration  time.Duration
	Timestamp time.Time
}

// runCounters aggregates participant counters for the current run.
type runCounters struct {
	participants atomic.Int64
	stolen       atomic.Int64

	copied        atomic.Int64
	promoted      atomic.Int64
	promotedBytes atomic.Int64
	marked        atomic.Int64
	freedNursery  atomic.Int64
	freedGen2     atomic.Int64
	batchesSent   atomic.Int64
}

func (r *runCounters) reset() {
	r.participants.Store(0)
	r.stolen.Store(0)
	r.copied.Store(0)
	r.promoted.Store(0)
	r.promotedBytes.Store(0)
	r.marked.Store(0)
	r.freedNursery.Store(0)
	r.freedGen2.Store(0)
	r.batchesSent.Store(0)
}

func (r *runCounters) merge(c passCounters) {
	r.participants.Add(1)
	r.copied.Add(c.copied)
	r.promoted.Add(c.promoted)
	r.promotedBytes.Add(c.promotedBytes)
	r.marked.Add(c.marked)
	r.freedNursery.Add(c.freedNursery)
	r.freedGen2.Add(c.freedGen2)
	r.batchesSent.Add(c.batchesSent)
}

func (r *runCounters) snapshot() passCounters {
	return passCounters{
		copied:        r.copied.Load(),
		promoted:      r.promoted.Load(),
		promotedBytes: r.promotedBytes.Load(),
		marked:        r.marked.Load(),
		freedNursery:  r.freedNursery.Load(),
		freedGen2:     r.freedGen2.Load(),
		batchesSent:   r.batchesSent.Load(),
	}
}

// LastStats returns the statistics of the most recent completed run, or
// nil before the first.
func (inst *Instance) LastStats() *CollectionStats { return inst.lastStats.Load() }

// CollectionCount returns the number of completed runs.
func (inst *Instance) CollectionCount() uint64 { return inst.completedSeq.Load() }
