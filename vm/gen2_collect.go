package vm

import (
	"slices"
	"time"
)

// ---------------------------------------------------------------------------
// Second generation sweep
// ---------------------------------------------------------------------------

// sweepGen2 reclaims t's unmarked second generation collectables after a
// full run and clears the mark on survivors. Dead STables are not freed
// here: objects swept concurrently by other threads may still need them to
// run their finalizers, so they are queued for a later run.
func (tc *ThreadContext) sweepGen2(t *ThreadContext, seq uint64) {
	var dead []*STable
	sweep := func(r Ref, c Collectable) {
		h := c.GCHeader()
		if h.forward != Nil {
			h.forward = Nil
			return
		}
		if h.Has(flagFreePending) {
			return
		}
		switch v := c.(type) {
		case *STable:
			h.setFlags(flagFreePending)
			v.freeQueueID = seq
			dead = append(dead, v)
			return
		case *Object:
			if !v.IsTypeObject() {
				if st, ok := tc.inst.resolve(v.st).(*STable); ok {
					st.REPR.GCFree(t, v)
				}
			}
		}
		t.gen2.Free(r)
		tc.counters.freedGen2++
	}
	t.gen2.walk(sweep)
	tc.inst.queueSTables(dead)
}

func (inst *Instance) queueSTables(sts []*STable) {
	if len(sts) == 0 {
		return
	}
	inst.freeMu.Lock()
	inst.stablesToFree = append(inst.stablesToFree, sts...)
	inst.freeMu.Unlock()
}

// freeQueuedSTables releases STables queued by runs before seq. Runs in
// the single-threaded final phase.
func (inst *Instance) freeQueuedSTables(tc *ThreadContext, seq uint64) int {
	inst.freeMu.Lock()
	defer inst.freeMu.Unlock()

	freed := 0
	keep := inst.stablesToFree[:0]
	for _, st := range inst.stablesToFree {
		if st.freeQueueID >= seq {
			keep = append(keep, st)
			continue
		}
		st.REPR.GCFreeReprData(tc, st)
		owner := inst.thread(inst.ownerOf(st.self))
		if owner == nil {
			Panic("STable %s has no owning thread", st.self)
		}
		owner.gen2.Free(st.self)
		freed++
	}
	clear(inst.stablesToFree[len(keep):])
	inst.stablesToFree = keep
	return freed
}

// ---------------------------------------------------------------------------
// Final phase
// ---------------------------------------------------------------------------

// finalizeRun is executed by the last participant to acknowledge the end
// of run seq, while every other participant is waiting. It does the work
// that needs a quiescent heap: inter-generational root cleanup, the
// serialization context registry, deferred STable frees and destruction
// of exited threads.
func (inst *Instance) finalizeRun(tc *ThreadContext, seq uint64, full bool) {
	inst.threadsMu.Lock()
	defer inst.threadsMu.Unlock()

	threads := slices.Clone(inst.threads)
	for _, t := range threads {
		t.cleanupGen2Roots()
	}

	scsDropped := 0
	if full {
		scsDropped = inst.scs.sweep(inst)
	}
	stablesFreed := inst.freeQueuedSTables(tc, seq)

	destroyed := 0
	for _, t := range threads {
		if t.Stage() == StageExited && t.stealer != nil {
			inst.destroyThreadLocked(t)
			destroyed++
		}
	}

	c := inst.run.snapshot()
	stats := &CollectionStats{
		Sequence:         seq,
		Full:             full,
		Participants:     int(inst.run.participants.Load()),
		Stolen:           int(inst.run.stolen.Load()),
		Copied:           c.copied,
		Promoted:         c.promoted,
		PromotedBytes:    c.promotedBytes,
		Marked:           c.marked,
		FreedNursery:     c.freedNursery,
		FreedGen2:        c.freedGen2,
		STablesFreed:     int64(stablesFreed),
		SCsDropped:       int64(scsDropped),
		ThreadsDestroyed: destroyed,
		BatchesSent:      c.batchesSent,
		Duration:         time.Since(inst.runStart),
		Timestamp:        time.Now(),
	}
	inst.lastStats.Store(stats)
	log.Debugf("collection %d (full=%t) done: copied=%d promoted=%d freed=%d/%d in %s",
		seq, full, stats.Copied, stats.Promoted, stats.FreedNursery, stats.FreedGen2, stats.Duration)
	if hook := inst.onCollection; hook != nil {
		hook(stats)
	}
}

// destroyThreadLocked folds an exited thread into the thread that stole it
// and removes it from the instance. threadsMu must be held.
func (inst *Instance) destroyThreadLocked(t *ThreadContext) {
	dst := t.stealer
	t.gen2.mergeInto(dst.gen2)
	dst.gen2Slots = append(dst.gen2Slots, t.gen2Slots...)
	dst.gen2Aggregates = append(dst.gen2Aggregates, t.gen2Aggregates...)
	t.gen2Slots, t.gen2Aggregates = nil, nil
	t.nursery.release()
	t.stage.Store(int32(StageDestroyed))

	inst.threads = slices.DeleteFunc(inst.threads, func(o *ThreadContext) bool { return o == t })
	inst.publishThreadTableLocked()
	log.Infof("thread %d destroyed; second generation merged into thread %d", t.id, dst.id)
}

// ---------------------------------------------------------------------------
// Global teardown
// ---------------------------------------------------------------------------

// Teardown runs every outstanding finalizer and releases the heap. It must
// be called from the main thread once no other thread is running; no
// collection may be in progress. STables are finalized last so every
// object can still reach its representation.
func (inst *Instance) Teardown() {
	if !inst.destroyed.CompareAndSwap(false, true) {
		return
	}
	if inst.gcStart.Load() != 0 {
		Panic("teardown while a collection is in progress")
	}
	tc := inst.main

	inst.threadsMu.Lock()
	defer inst.threadsMu.Unlock()

	var stables []*STable
	objects := 0
	finalize := func(t *ThreadContext) func(Ref, Collectable) {
		return func(_ Ref, c Collectable) {
			switch v := c.(type) {
			case *Object:
				if v.IsTypeObject() {
					return
				}
				if st, ok := inst.resolve(v.st).(*STable); ok {
					st.REPR.GCFree(t, v)
					objects++
				}
			case *STable:
				stables = append(stables, v)
			}
		}
	}
	for _, t := range inst.threads {
		t.nursery.walkLive(finalize(t))
		t.gen2.walk(finalize(t))
	}
	for _, st := range stables {
		st.REPR.GCFreeReprData(tc, st)
	}
	for _, t := range inst.threads {
		t.nursery.release()
		t.stage.Store(int32(StageDestroyed))
	}
	inst.freeMu.Lock()
	inst.stablesToFree = nil
	inst.freeMu.Unlock()
	log.Infof("instance torn down: %d objects and %d STables finalized", objects, len(stables))
}
