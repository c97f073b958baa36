package vm

// ---------------------------------------------------------------------------
// Tracing and copying
// ---------------------------------------------------------------------------

// passCounters accumulates one participant's work during a run.
type passCounters struct {
	copied        int64
	promoted      int64
	promotedBytes int64
	marked        int64
	freedNursery  int64
	freedGen2     int64
	batchesSent   int64
}

// gcMarkCollectable queues every reference slot inside c.
func (tc *ThreadContext) gcMarkCollectable(c Collectable, wl *Worklist) {
	h := c.GCHeader()
	if h.scIdx != 0 {
		if slot := tc.inst.scs.slot(h.scIdx); slot != nil {
			wl.Add(slot)
		}
	}
	switch v := c.(type) {
	case *Object:
		wl.Add(&v.st)
		if v.IsTypeObject() || v.Body == nil {
			return
		}
		st, ok := tc.inst.resolve(v.st).(*STable)
		if !ok {
			Panic("object at %s has no STable", h.self)
		}
		st.REPR.GCMark(tc, st, v.Body, wl)
	case *STable:
		tc.gcMarkSTable(v, wl)
	case *SerializationContext:
		tc.gcMarkSC(v, wl)
	}
}

// drain processes t's worklist until it is empty, then sends whatever
// hand-offs accumulated.
func (tc *ThreadContext) drain(t *ThreadContext) {
	wl := t.gcwl
	seq := tc.inst.runSeq.Load()
	for {
		if slot := wl.Get(); slot != nil {
			tc.process(t, slot)
			continue
		}
		if f := wl.GetFrame(); f != nil {
			t.scanFrame(f, wl, seq)
			continue
		}
		break
	}
	tc.flushOutgoing()
}

// process handles one slot on behalf of thread t. Referents owned by
// another thread are handed off; everything else is forwarded, copied,
// promoted or (in a full run) marked in place.
func (tc *ThreadContext) process(t *ThreadContext, slot *Ref) {
	inst := tc.inst
	ref := *slot
	if ref == Nil {
		return
	}
	full := t.gcwl.includeGen2
	if ref.InGen2() && !full {
		return
	}
	if owner := inst.ownerOf(ref); owner != t.id {
		tc.handOff(owner, slot)
		return
	}
	if ref.InNursery() {
		// A slot reached twice already points at its tospace copy.
		if _, half, _ := ref.nurseryParts(); half == t.nursery.to {
			return
		}
	}

	c := inst.resolve(ref)
	if c == nil {
		Panic("dangling reference %s found by thread %d", ref, t.id)
	}
	h := c.GCHeader()
	if h.forward != Nil {
		*slot = h.forward
		return
	}

	if ref.InGen2() {
		h.forward = ref
		tc.counters.marked++
		t.gcMarkCollectable(c, t.gcwl)
		return
	}

	moved := cloneCollectable(c)
	nh := moved.GCHeader()
	var to Ref
	if h.Has(FlagNurserySeen) || t.Stage() >= StageExited {
		to = t.gen2.Allocate(h.size)
		nh.flags = (nh.flags | uint32(FlagSecondGen)) &^ uint32(FlagNurserySeen)
		if full {
			nh.forward = to
		}
		t.placeGen2(to, moved)
		t.recordGen2Aggregate(moved)
		tc.counters.promoted++
		tc.counters.promotedBytes += int64(h.size)
	} else {
		var err error
		to, err = t.nursery.Allocate(h.size)
		if err != nil {
			Panic("tospace of thread %d overflowed while copying %s: %v", t.id, ref, err)
		}
		nh.flags |= uint32(FlagNurserySeen)
		t.placeNursery(to, moved)
		tc.counters.copied++
	}
	h.forward = to
	*slot = to
	if hook := inst.onCopy; hook != nil {
		hook(ref, to)
	}
	t.gcMarkCollectable(moved, t.gcwl)
}

// collectRoots scans every root of t, draining after each group, then
// picks up anything other threads have already handed over.
func (tc *ThreadContext) collectRoots(t *ThreadContext) {
	wl := t.gcwl

	t.addThreadRootsTo(wl)
	tc.drain(t)

	t.addTempRootsTo(wl)
	tc.drain(t)

	if !wl.includeGen2 {
		t.addGen2RootsTo(wl)
		tc.drain(t)
	}

	wl.AddFrame(t.curFrame)
	tc.drain(t)

	tc.processInTrays()
}

// freeNursery finalizes every fromspace object of t that was not
// forwarded and clears the space.
func (tc *ThreadContext) freeNursery(t *ThreadContext) {
	inst := tc.inst
	t.nursery.freeFromspace(func(c Collectable) {
		if c.GCHeader().forward != Nil {
			return
		}
		if obj, ok := c.(*Object); ok && !obj.IsTypeObject() {
			if st, ok := inst.resolve(obj.st).(*STable); ok {
				st.REPR.GCFree(t, obj)
			}
		}
		tc.counters.freedNursery++
	})
}
