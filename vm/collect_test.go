package vm

import (
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Copying, promotion and forwarding
// ---------------------------------------------------------------------------

func TestPromotionOnSecondSurvival(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	obj := tc.BoxInt(inst.Boot.Int, 7)
	tc.PushTempRoot(&obj)
	defer tc.PopTempRoot()

	tc.ForceCollect(false)
	if !obj.InNursery() {
		t.Fatalf("first survival left %s outside the nursery", obj)
	}
	if !tc.Deref(obj).GCHeader().Has(FlagNurserySeen) {
		t.Errorf("first survival did not set FlagNurserySeen")
	}

	tc.ForceCollect(false)
	if !obj.InGen2() {
		t.Fatalf("second survival left %s in the nursery", obj)
	}
	h := tc.Deref(obj).GCHeader()
	if !h.IsSecondGen() || h.Has(FlagNurserySeen) {
		t.Errorf("promoted flags = %b", h.Flags())
	}
	if h.Self() != obj || h.Owner() != tc.ID() {
		t.Errorf("promoted header self=%s owner=%d", h.Self(), h.Owner())
	}
	if tc.UnboxInt(obj) != 7 {
		t.Errorf("value lost in promotion")
	}

	before := obj
	tc.ForceCollect(false)
	tc.ForceCollect(true)
	if obj != before {
		t.Errorf("second generation object moved: %s -> %s", before, obj)
	}
}

func TestForwardingIdempotent(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	obj := tc.BoxInt(inst.Boot.Int, 1)
	a, b := obj, obj
	tc.PushTempRoot(&a)
	tc.PushTempRoot(&b)
	defer tc.PopTempRoots(2)

	var mu sync.Mutex
	copies := map[Ref]int{}
	inst.OnCopy(func(from, to Ref) {
		mu.Lock()
		copies[from]++
		mu.Unlock()
	})

	tc.ForceCollect(false)
	if a != b {
		t.Fatalf("two slots for one object diverged: %s vs %s", a, b)
	}
	if a == obj {
		t.Errorf("object was not moved")
	}
	if copies[obj] != 1 {
		t.Errorf("object copied %d times, want 1", copies[obj])
	}
}

func TestCopyAtMostOncePerPass(t *testing.T) {
	inst, tc := newTestInstance(t, nil)

	// A small graph with sharing: every element of arr also appears in
	// shared, and arr holds itself.
	arr := newArray(tc)
	shared := newArray(tc)
	tc.PushTempRoot(&arr)
	tc.PushTempRoot(&shared)
	defer tc.PopTempRoots(2)
	for i := 0; i < 50; i++ {
		v := tc.BoxInt(inst.Boot.Int, int64(i))
		push(tc, arr, v)
		push(tc, shared, v)
	}
	push(tc, arr, arr)

	var mu sync.Mutex
	copies := map[Ref]int{}
	inst.OnCopy(func(from, to Ref) {
		mu.Lock()
		copies[from]++
		mu.Unlock()
	})

	for pass := 0; pass < 3; pass++ {
		clear(copies)
		tc.ForceCollect(false)
		for from, n := range copies {
			if n != 1 {
				t.Errorf("pass %d: %s copied %d times", pass, from, n)
			}
		}
	}
	for i := int64(0); i < 50; i++ {
		if atPos(tc, arr, i) != atPos(tc, shared, i) {
			t.Fatalf("element %d diverged between holders", i)
		}
		if tc.UnboxInt(atPos(tc, arr, i)) != i {
			t.Fatalf("element %d corrupted", i)
		}
	}
	if atPos(tc, arr, 50) != arr {
		t.Errorf("self reference not updated")
	}
}

func TestReachabilityAcrossMixedCollections(t *testing.T) {
	inst, tc := newTestInstance(t, func(o *Options) { o.NurserySize = 8 << 10 })

	// A linked list of [value, next] arrays, long enough to force
	// allocation-triggered collections while it is built.
	head := Nil
	tc.PushTempRoot(&head)
	defer tc.PopTempRoot()
	const n = 500
	for i := n - 1; i >= 0; i-- {
		cell := newArray(tc)
		tc.PushTempRoot(&cell)
		v := tc.BoxInt(inst.Boot.Int, int64(i))
		push(tc, cell, v)
		push(tc, cell, head)
		head = cell
		tc.PopTempRoot()
		if i%97 == 0 {
			tc.ForceCollect(i%2 == 0)
		}
	}
	if inst.CollectionCount() < 3 {
		t.Fatalf("only %d collections ran", inst.CollectionCount())
	}

	cur := head
	for i := 0; i < n; i++ {
		if cur == Nil {
			t.Fatalf("list truncated at %d", i)
		}
		if got := tc.UnboxInt(atPos(tc, cur, 0)); got != int64(i) {
			t.Fatalf("cell %d holds %d", i, got)
		}
		cur = atPos(tc, cur, 1)
	}
	if cur != Nil {
		t.Errorf("list longer than %d", n)
	}
}

// ---------------------------------------------------------------------------
// Finalization
// ---------------------------------------------------------------------------

func TestDeadObjectsFinalizedOnce(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	repr := newCountingREPR("Counted")
	inst.RegisterREPR(repr)
	typ := tc.NewType(repr, Nil, "Counted")
	inst.AddPermanentRoot(&typ, "test type")

	keep := tc.Allocate(typ)
	tc.PushTempRoot(&keep)
	defer tc.PopTempRoot()
	for i := 0; i < 10; i++ {
		tc.Allocate(typ)
	}
	tc.ForceCollect(false)
	if got := repr.freed.Load(); got != 10 {
		t.Fatalf("freed %d dead objects, want 10", got)
	}
	tc.ForceCollect(false)
	if got := repr.freed.Load(); got != 10 {
		t.Errorf("survivor finalized: freed=%d", got)
	}
	if stats := inst.LastStats(); stats == nil || stats.Promoted < 1 {
		t.Errorf("stats did not record the promotion: %+v", stats)
	}
}

// ---------------------------------------------------------------------------
// Second generation collection
// ---------------------------------------------------------------------------

func TestGen2RoundTrip(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	repr := newCountingREPR("Counted")
	inst.RegisterREPR(repr)
	typ := tc.NewType(repr, Nil, "Counted")
	inst.AddPermanentRoot(&typ, "test type")

	live := tc.Allocate(typ)
	dead := tc.Allocate(typ)
	tc.PushTempRoot(&live)
	tc.PushTempRoot(&dead)
	promote(t, tc, &live)
	if !dead.InGen2() {
		t.Fatalf("dead candidate not promoted")
	}
	deadRef := dead
	tc.PopTempRoot()
	defer tc.PopTempRoot()

	tc.ForceCollect(false)
	if tc.Deref(deadRef) == nil {
		t.Fatalf("nursery-only collection reclaimed a second generation object")
	}

	tc.ForceCollect(true)
	if tc.Deref(deadRef) != nil {
		t.Errorf("full collection kept an unreachable second generation object")
	}
	if tc.Deref(live) == nil {
		t.Fatalf("full collection reclaimed a reachable object")
	}
	if got := repr.freed.Load(); got != 1 {
		t.Errorf("freed = %d, want 1", got)
	}
	if h := tc.Deref(live).GCHeader(); h.Forward() != Nil {
		t.Errorf("mark not cleared after sweep")
	}
	stats := inst.LastStats()
	if !stats.Full || stats.FreedGen2 < 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDeadSTableFreedOneRunLater(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	repr := newCountingREPR("Ephemeral")
	inst.RegisterREPR(repr)

	typ := tc.NewType(repr, Nil, "Ephemeral")
	stRef := tc.STableOf(typ).Ref()
	tc.Allocate(typ)

	tc.ForceCollect(true)
	if repr.freed.Load() != 1 {
		t.Errorf("instance not finalized: %d", repr.freed.Load())
	}
	if repr.dataFreed.Load() != 0 {
		t.Fatalf("STable freed in the run that found it dead")
	}
	if tc.Deref(stRef) == nil {
		t.Fatalf("STable slot released before its deferred free")
	}

	tc.ForceCollect(false)
	if repr.dataFreed.Load() != 1 {
		t.Errorf("STable not freed by the following run")
	}
	if tc.Deref(stRef) != nil {
		t.Errorf("STable slot not released")
	}
	if inst.LastStats().STablesFreed != 1 {
		t.Errorf("STablesFreed = %d", inst.LastStats().STablesFreed)
	}
}

func TestFullCollectionCadence(t *testing.T) {
	inst, tc := newTestInstance(t, func(o *Options) { o.FullCollectEvery = 3 })
	var fulls []bool
	inst.OnCollection(func(s *CollectionStats) { fulls = append(fulls, s.Full) })
	for i := 0; i < 6; i++ {
		tc.ForceCollect(false)
	}
	want := []bool{false, false, true, false, false, true}
	for i := range want {
		if fulls[i] != want[i] {
			t.Fatalf("run kinds = %v, want %v", fulls, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Write barrier
// ---------------------------------------------------------------------------

func TestWriteBarrierKeepsNurseryReferentAlive(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	arr := newArray(tc)
	tc.PushTempRoot(&arr)
	defer tc.PopTempRoot()
	promote(t, tc, &arr)
	tc.ForceCollect(false)
	if _, aggs := tc.Gen2RootCount(); aggs != 0 {
		t.Fatalf("aggregate list not compacted: %d", aggs)
	}

	child := tc.BoxInt(inst.Boot.Int, 42)
	push(tc, arr, child)
	if !tc.Deref(arr).GCHeader().Has(FlagInGen2RootList) {
		t.Fatalf("barrier did not record the holder")
	}

	tc.ForceCollect(false)
	got := atPos(tc, arr, 0)
	if !got.InNursery() || tc.UnboxInt(got) != 42 {
		t.Fatalf("child lost: %s", got)
	}
	tc.ForceCollect(false)
	got = atPos(tc, arr, 0)
	if !got.InGen2() {
		t.Fatalf("child not promoted through the barrier root")
	}
	tc.ForceCollect(false)
	if _, aggs := tc.Gen2RootCount(); aggs != 0 {
		t.Errorf("holder still listed after its referents left the nursery")
	}
	if tc.Deref(arr).GCHeader().Has(FlagInGen2RootList) {
		t.Errorf("flag not cleared on compaction")
	}
}

func TestMissingBarrierLosesReferent(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	arr := newArray(tc)
	tc.PushTempRoot(&arr)
	defer tc.PopTempRoot()
	promote(t, tc, &arr)
	tc.ForceCollect(false)

	child := tc.BoxInt(inst.Boot.Int, 42)
	body := tc.Object(arr).Body.(*ArrayBody)
	body.Slots = append(body.Slots, child)

	tc.ForceCollect(false)
	if tc.Deref(child) != nil {
		t.Errorf("unbarriered referent survived; the barrier test proves nothing")
	}
}

func TestWriteBarrierSlot(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	sc := tc.NewSerializationContext("slots")
	ctx := tc.Deref(sc).(*SerializationContext)
	ctx.RootObjects = make([]Ref, 1)
	inst.AddPermanentRoot(&sc, "test context")

	child := tc.BoxInt(inst.Boot.Int, 5)
	tc.WriteBarrierSlot(ctx, &ctx.RootObjects[0], child)
	ctx.RootObjects[0] = child
	if slots, _ := tc.Gen2RootCount(); slots != 1 {
		t.Fatalf("slot root not recorded")
	}

	tc.ForceCollect(false)
	if tc.UnboxInt(ctx.RootObjects[0]) != 5 {
		t.Fatalf("slot referent lost")
	}
	tc.ForceCollect(false)
	if slots, _ := tc.Gen2RootCount(); slots != 0 {
		t.Errorf("slot root kept after its referent was promoted")
	}
}

// ---------------------------------------------------------------------------
// Serialization contexts
// ---------------------------------------------------------------------------

func TestSCRegistryIsWeak(t *testing.T) {
	inst, tc := newTestInstance(t, nil)

	gone := tc.NewSerializationContext("gone")
	goneHandle := tc.Deref(gone).(*SerializationContext).Handle
	kept := tc.NewSerializationContext("kept")
	keptHandle := tc.Deref(kept).(*SerializationContext).Handle
	if inst.FindSC(goneHandle) != gone || inst.FindSC(keptHandle) != kept {
		t.Fatalf("contexts not registered")
	}

	obj := tc.BoxInt(inst.Boot.Int, 1)
	tc.PushTempRoot(&obj)
	defer tc.PopTempRoot()
	tc.SetSC(obj, kept)

	tc.ForceCollect(true)
	if inst.FindSC(goneHandle) != Nil {
		t.Errorf("unreferenced context still registered")
	}
	if inst.FindSC(keptHandle) != kept {
		t.Errorf("context named by a live object was dropped")
	}
	if inst.LastStats().SCsDropped != 1 {
		t.Errorf("SCsDropped = %d", inst.LastStats().SCsDropped)
	}
}

func TestSCRootsKeepObjectsAlive(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	sc := tc.NewSerializationContext("roots")
	inst.AddPermanentRoot(&sc, "test context")

	obj := tc.BoxStr(inst.Boot.Str, "kept")
	tc.AddSCRootObject(sc, obj)
	tc.AddSCRootSTable(sc, tc.STableOf(inst.Boot.Str).Ref())

	for i := 0; i < 3; i++ {
		tc.ForceCollect(i == 2)
	}
	ctx := tc.Deref(sc).(*SerializationContext)
	if tc.UnboxStr(ctx.RootObjects[0]) != "kept" {
		t.Errorf("context root object lost")
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

func TestTeardownFinalizesEverything(t *testing.T) {
	opts := testOptions()
	inst := MustNewInstance(opts)
	tc := inst.MainThread()

	repr := newCountingREPR("Counted")
	inst.RegisterREPR(repr)
	typ := tc.NewType(repr, Nil, "Counted")
	inst.AddPermanentRoot(&typ, "test type")

	promoted := tc.Allocate(typ)
	tc.PushTempRoot(&promoted)
	promote(t, tc, &promoted)
	tc.Allocate(typ)
	tc.PopTempRoot()

	inst.Teardown()
	if got := repr.freed.Load(); got != 2 {
		t.Errorf("teardown finalized %d objects, want 2", got)
	}
	if got := repr.dataFreed.Load(); got != 1 {
		t.Errorf("teardown freed %d STables of the counted type, want 1", got)
	}
	inst.Teardown()
	msg := expectFatal(t, func() { tc.ForceCollect(false) })
	assertContains(t, msg, "after teardown")
}
