package vm

import (
	"runtime"
	"time"
)

// ---------------------------------------------------------------------------
// Stop-the-world orchestration
// ---------------------------------------------------------------------------
//
// A run is started by whichever thread wins the election on gcStart. The
// coordinator interrupts every running thread and steals every blocked
// one, then all participants move through the same phases:
//
//	start     each participant swaps the nurseries it is responsible for
//	roots     permanent and instance roots (coordinator), then per thread
//	finish    in-trays are worked until no batch is in flight anywhere
//	sweep     fromspaces freed; in full runs, second generations swept
//	final     the last participant to acknowledge does the global cleanup
//
// Counters: gcStart holds the coordinator's election token plus one per
// interrupted thread that has not yet swapped; gcFinish counts
// participants still voting; gcAck counts participants that have not
// finished sweeping. gcInFlight counts handed-off batches not yet
// processed.

// collectFromAllocator is entered when a nursery allocation cannot be
// satisfied. It reports whether this thread took part in a run.
func (tc *ThreadContext) collectFromAllocator() bool {
	_, joined := tc.enterGC(false)
	return joined
}

// ForceCollect runs a collection now. If another thread is already
// starting one, this thread joins it and a requested full run is carried
// over to the next collection.
func (tc *ThreadContext) ForceCollect(full bool) {
	for {
		coordinator, joined := tc.enterGC(full)
		if coordinator {
			return
		}
		if joined {
			if full {
				tc.inst.pendingFull.Store(true)
			}
			return
		}
	}
}

// enterGC coordinates a run if this thread wins the election and
// otherwise joins the run in progress. A thread that was not signalled
// for that run (it was blocked when the run began) waits for it to end
// and reports joined=false.
func (tc *ThreadContext) enterGC(full bool) (coordinator, joined bool) {
	inst := tc.inst
	if inst.destroyed.Load() {
		Panic("collection requested after teardown")
	}
	if inst.gcStart.CompareAndSwap(0, 1) {
		tc.coordinate(full)
		return true, true
	}
	for {
		if tc.Status() == StatusInterrupted {
			tc.joinRun()
			return false, true
		}
		if inst.gcStart.Load() == 0 {
			return false, false
		}
		runtime.Gosched()
	}
}

func (tc *ThreadContext) coordinate(full bool) {
	inst := tc.inst
	seq := inst.gcSeq.Add(1)
	if inst.pendingFull.Swap(false) || seq%inst.opts.FullCollectEvery == 0 {
		full = true
	}

	inst.runStart = time.Now()
	inst.run.reset()
	inst.gcInFlight.Store(0)
	inst.gcFinish.Store(1)
	inst.gcAck.Store(1)
	inst.runFull.Store(full)
	inst.runSeq.Store(seq)

	tc.stolen = tc.stolen[:0]
	tc.interrupted = tc.interrupted[:0]
	inst.threadsMu.Lock()
	for _, other := range inst.threads {
		if other != tc {
			tc.signal(other)
		}
	}
	inst.threadsMu.Unlock()
	inst.run.stolen.Store(int64(len(tc.stolen)))

	log.Debugf("thread %d coordinating collection %d (full=%t, interrupted=%d, stolen=%d)",
		tc.id, seq, full, len(tc.interrupted), len(tc.stolen))
	tc.runCollection(seq, full, true)
}

// signal brings other into the run: a running thread is interrupted and
// will join at its next safe point, a blocked thread is stolen. Any other
// status means two runs overlap.
func (tc *ThreadContext) signal(other *ThreadContext) {
	inst := tc.inst
	for {
		switch s := other.Status(); s {
		case StatusRunning:
			inst.gcStart.Add(1)
			inst.gcFinish.Add(1)
			inst.gcAck.Add(1)
			if other.status.CompareAndSwap(int32(StatusRunning), int32(StatusInterrupted)) {
				tc.interrupted = append(tc.interrupted, other)
				return
			}
			inst.gcStart.Add(-1)
			inst.gcFinish.Add(-1)
			inst.gcAck.Add(-1)
		case StatusUnable:
			if other.status.CompareAndSwap(int32(StatusUnable), int32(StatusStolen)) {
				other.stealer = tc
				tc.stolen = append(tc.stolen, other)
				return
			}
		default:
			Panic("thread %d is already %s when signalled for a collection", other.id, s)
		}
	}
}

// joinRun takes part in the run this thread was interrupted for.
func (tc *ThreadContext) joinRun() {
	inst := tc.inst
	tc.stolen = tc.stolen[:0]
	tc.runCollection(inst.runSeq.Load(), inst.runFull.Load(), false)
}

func (tc *ThreadContext) runCollection(seq uint64, full, coordinator bool) {
	inst := tc.inst
	work := tc.workSet()

	for _, t := range work {
		t.nursery.swap()
		t.gcwl.reset(full)
	}
	tc.counters = passCounters{}

	// Start barrier: nobody copies into a tospace until every fromspace
	// has been established.
	if coordinator {
		for inst.gcStart.Load() != 1 {
			runtime.Gosched()
		}
		inst.gcGo.Store(seq)
	} else {
		inst.gcStart.Add(-1)
		for inst.gcGo.Load() != seq {
			runtime.Gosched()
		}
	}

	if coordinator {
		inst.addPermanentRootsTo(tc.gcwl)
		tc.drain(tc)
		inst.addInstanceRootsTo(tc.gcwl)
		tc.drain(tc)
	}
	for _, t := range work {
		tc.collectRoots(t)
	}

	tc.finishVote()

	for _, t := range work {
		tc.freeNursery(t)
		if full {
			tc.sweepGen2(t, seq)
		}
	}
	inst.run.merge(tc.counters)

	if inst.gcAck.Add(-1) == 0 {
		inst.finalizeRun(tc, seq, full)
		inst.completedSeq.Store(seq)
	}
	for inst.completedSeq.Load() < seq {
		runtime.Gosched()
	}

	if coordinator {
		tc.releaseRun()
		return
	}
	if !tc.status.CompareAndSwap(int32(StatusInterrupted), int32(StatusRunning)) {
		Panic("thread %d left collection %d while %s", tc.id, seq, tc.Status())
	}
}

// finishVote keeps working the in-trays until this participant has no
// batch outstanding, votes, and then keeps helping until every vote is in
// and nothing is in flight.
func (tc *ThreadContext) finishVote() {
	inst := tc.inst
	for {
		tc.processInTrays()
		if tc.gcSent.Load() == 0 {
			break
		}
		runtime.Gosched()
	}
	inst.gcFinish.Add(-1)
	for inst.gcFinish.Load() != 0 || inst.gcInFlight.Load() != 0 {
		if !tc.processInTrays() {
			runtime.Gosched()
		}
	}
}

// releaseRun is the coordinator's exit: stolen threads go back to
// blocked, and the election is reopened only once every interrupted
// thread is running again.
func (tc *ThreadContext) releaseRun() {
	inst := tc.inst
	for _, s := range tc.stolen {
		s.stealer = nil
		if s.Stage() != StageDestroyed {
			s.status.Store(int32(StatusUnable))
		}
	}
	for _, t := range tc.interrupted {
		for t.Status() == StatusInterrupted {
			runtime.Gosched()
		}
	}
	clear(tc.stolen)
	clear(tc.interrupted)
	tc.stolen = tc.stolen[:0]
	tc.interrupted = tc.interrupted[:0]
	inst.gcStart.Store(0)
}
