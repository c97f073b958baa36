package vm

import "sync"

// ---------------------------------------------------------------------------
// Permanent roots
// ---------------------------------------------------------------------------

type permanentRoot struct {
	slot        *Ref
	description string
}

// permanentRoots is the process-wide, append-only root list.
type permanentRoots struct {
	mu    sync.Mutex
	roots []permanentRoot
}

// AddPermanentRoot registers slot to be scanned by every collection for
// the life of the instance.
func (inst *Instance) AddPermanentRoot(slot *Ref, description string) {
	if slot == nil {
		Panic("nil permanent root (%s)", description)
	}
	inst.permanent.mu.Lock()
	defer inst.permanent.mu.Unlock()
	inst.permanent.roots = append(inst.permanent.roots, permanentRoot{slot: slot, description: description})
}

// PermanentRootCount returns the number of permanent roots.
func (inst *Instance) PermanentRootCount() int {
	inst.permanent.mu.Lock()
	defer inst.permanent.mu.Unlock()
	return len(inst.permanent.roots)
}

func (inst *Instance) addPermanentRootsTo(wl *Worklist) {
	inst.permanent.mu.Lock()
	defer inst.permanent.mu.Unlock()
	for _, r := range inst.permanent.roots {
		wl.Add(r.slot)
	}
}

// addInstanceRootsTo queues the instance-wide well-known references.
func (inst *Instance) addInstanceRootsTo(wl *Worklist) {
	b := &inst.Boot
	for _, slot := range []*Ref{
		&b.KnowHOW, &b.Array, &b.Hash, &b.Int, &b.Num, &b.Str,
		&b.Code, &b.Handle, &b.Uninstantiable,
	} {
		wl.Add(slot)
	}
}

// ---------------------------------------------------------------------------
// Temporary roots
// ---------------------------------------------------------------------------

// PushTempRoot protects the reference in slot across allocation points.
// Every push must be matched by a pop on every exit path.
func (tc *ThreadContext) PushTempRoot(slot *Ref) {
	if slot == nil {
		Panic("nil temporary root")
	}
	tc.tempRoots = append(tc.tempRoots, slot)
}

// PopTempRoot removes the most recent temporary root.
func (tc *ThreadContext) PopTempRoot() {
	tc.PopTempRoots(1)
}

// PopTempRoots removes the n most recent temporary roots. Popping more
// than were pushed is a usage error.
func (tc *ThreadContext) PopTempRoots(n int) {
	if n > len(tc.tempRoots) {
		Panic("popped %d temporary roots but only %d are pushed", n, len(tc.tempRoots))
	}
	clear(tc.tempRoots[len(tc.tempRoots)-n:])
	tc.tempRoots = tc.tempRoots[:len(tc.tempRoots)-n]
}

// TempRootCount returns the depth of the temporary root stack.
func (tc *ThreadContext) TempRootCount() int { return len(tc.tempRoots) }

// WithTempRoots runs fn with slots pushed as temporary roots and pops them
// on every exit path, including panics.
func (tc *ThreadContext) WithTempRoots(fn func(), slots ...*Ref) {
	for _, s := range slots {
		tc.PushTempRoot(s)
	}
	defer tc.PopTempRoots(len(slots))
	fn()
}

func (tc *ThreadContext) addTempRootsTo(wl *Worklist) {
	for _, slot := range tc.tempRoots {
		wl.Add(slot)
	}
}

func (tc *ThreadContext) addThreadRootsTo(wl *Worklist) {
	wl.Add(&tc.ThreadObject)
}

// ---------------------------------------------------------------------------
// Inter-generational roots
// ---------------------------------------------------------------------------

// gen2SlotRoot is one location inside a gen2 holder that was written with
// a nursery reference.
type gen2SlotRoot struct {
	holder Collectable
	ref    Ref
	slot   *Ref
}

// gen2Aggregate is a gen2 container mutated to hold nursery references
// since promotion; the whole holder is rescanned.
type gen2Aggregate struct {
	holder Collectable
	ref    Ref
}

// Gen2RootCount returns the sizes of the slot and aggregate lists.
func (tc *ThreadContext) Gen2RootCount() (slots, aggregates int) {
	return len(tc.gen2Slots), len(tc.gen2Aggregates)
}

func (tc *ThreadContext) addGen2RootsTo(wl *Worklist) {
	for _, s := range tc.gen2Slots {
		wl.Add(s.slot)
	}
	for _, a := range tc.gen2Aggregates {
		tc.gcMarkCollectable(a.holder, wl)
	}
}

// recordGen2Aggregate adds a gen2 holder to the aggregate list unless it
// is already in some thread's list.
func (tc *ThreadContext) recordGen2Aggregate(holder Collectable) {
	if holder.GCHeader().trySetFlag(FlagInGen2RootList) {
		tc.gen2Aggregates = append(tc.gen2Aggregates, gen2Aggregate{holder: holder, ref: holder.GCHeader().self})
	}
}

func (inst *Instance) gen2HolderAlive(holder Collectable, ref Ref) bool {
	return inst.resolve(ref) == holder && !holder.GCHeader().Has(flagFreePending)
}

// cleanupGen2Roots compacts the inter-generational lists after a
// collection: entries whose holder died, or that no longer point into a
// nursery, are dropped. Holders of frames stay listed while alive, since
// frame registers are written without a barrier.
func (tc *ThreadContext) cleanupGen2Roots() {
	inst := tc.inst

	slots := tc.gen2Slots[:0]
	for _, s := range tc.gen2Slots {
		if inst.gen2HolderAlive(s.holder, s.ref) && s.slot.InNursery() {
			slots = append(slots, s)
		}
	}
	clear(tc.gen2Slots[len(slots):])
	tc.gen2Slots = slots

	scratch := NewWorklist(false)
	aggs := tc.gen2Aggregates[:0]
	for _, a := range tc.gen2Aggregates {
		if !inst.gen2HolderAlive(a.holder, a.ref) {
			continue
		}
		scratch.reset(false)
		tc.gcMarkCollectable(a.holder, scratch)
		if scratch.Count() == 0 && scratch.FrameCount() == 0 && !holdsFrames(a.holder) {
			a.holder.GCHeader().clearFlags(FlagInGen2RootList)
			continue
		}
		aggs = append(aggs, a)
	}
	clear(tc.gen2Aggregates[len(aggs):])
	tc.gen2Aggregates = aggs
}
