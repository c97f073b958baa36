package vm

// ---------------------------------------------------------------------------
// Write barrier
// ---------------------------------------------------------------------------

// WriteBarrier must be called before a reference to referent is stored
// anywhere inside holder. When a second generation holder gains a nursery
// referent, the holder is recorded so nursery-only collections rescan it.
func (tc *ThreadContext) WriteBarrier(holder Collectable, referent Ref) {
	if referent.InNursery() && holder.GCHeader().Has(FlagSecondGen) {
		tc.recordGen2Aggregate(holder)
	}
}

// WriteBarrierSlot is the precise form of WriteBarrier for a single
// long-lived slot: only that slot is rescanned rather than the holder.
func (tc *ThreadContext) WriteBarrierSlot(holder Collectable, slot *Ref, referent Ref) {
	if !referent.InNursery() || !holder.GCHeader().Has(FlagSecondGen) {
		return
	}
	if holder.GCHeader().Has(FlagInGen2RootList) {
		return
	}
	tc.gen2Slots = append(tc.gen2Slots, gen2SlotRoot{holder: holder, ref: holder.GCHeader().self, slot: slot})
}

// BindRef stores value into slot inside holder, applying the barrier.
func (tc *ThreadContext) BindRef(holder Collectable, slot *Ref, value Ref) {
	tc.WriteBarrier(holder, value)
	*slot = value
}
