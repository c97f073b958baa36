package vm

import (
	"fmt"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Work stealing from blocked threads
// ---------------------------------------------------------------------------

func TestBlockedThreadIsStolen(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	t1 := inst.NewThread(tc)
	if t1.Status() != StatusUnable || t1.Stage() != StageStarting {
		t.Fatalf("new thread is %s/%s", t1.Status(), t1.Stage())
	}

	ready := make(chan Ref)
	release := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		t1.MarkUnblocked()
		a := t1.BoxInt(inst.Boot.Int, 99)
		t1.PushTempRoot(&a)
		ready <- a
		t1.MarkBlocked()
		<-release
		t1.MarkUnblocked()
		if got := t1.UnboxInt(a); got != 99 {
			return fmt.Errorf("thread root holds %d after the stolen run", got)
		}
		t1.PopTempRoot()
		t1.Exit()
		return nil
	})

	var a Ref
	tc.Blocking(func() { a = <-ready })
	tc.PushTempRoot(&a)
	defer tc.PopTempRoot()
	waitStatus(t1, StatusUnable)

	tc.ForceCollect(false)
	stats := inst.LastStats()
	if stats.Stolen != 1 || stats.Participants != 1 {
		t.Errorf("stolen=%d participants=%d, want 1 and 1", stats.Stolen, stats.Participants)
	}
	if stats.BatchesSent < 1 {
		t.Errorf("no batch handed to the stolen thread")
	}
	if id, _, _ := a.nurseryParts(); !a.InNursery() || id != t1.ID() {
		t.Errorf("survivor %s left the owner's nursery", a)
	}
	if tc.UnboxInt(a) != 99 {
		t.Errorf("value lost while stolen")
	}
	if t1.Status() != StatusUnable {
		t.Errorf("stolen thread released as %s", t1.Status())
	}

	close(release)
	var err error
	tc.Blocking(func() { err = g.Wait() })
	if err != nil {
		t.Fatal(err)
	}

	// The exited thread is stolen once more, its survivors promoted and
	// its second generation handed to the collector.
	tc.ForceCollect(false)
	if !a.InGen2() || inst.ownerOf(a) != tc.ID() {
		t.Errorf("survivor %s not merged into thread %d (owner %d)", a, tc.ID(), inst.ownerOf(a))
	}
	if tc.UnboxInt(a) != 99 {
		t.Errorf("value lost in merge")
	}
	if n := len(inst.Threads()); n != 1 {
		t.Errorf("%d threads registered after destruction", n)
	}
	if t1.Stage() != StageDestroyed || inst.LastStats().ThreadsDestroyed != 1 {
		t.Errorf("exited thread not destroyed: stage %s", t1.Stage())
	}
}

// ---------------------------------------------------------------------------
// Cross-thread hand-off between running threads
// ---------------------------------------------------------------------------

func TestCrossThreadHandOff(t *testing.T) {
	inst, tc := newTestInstance(t, func(o *Options) {
		o.InTrayBatchSize = 4
		o.InTrayDepth = 1
	})
	t1 := inst.NewThread(tc)
	const n = 20

	ready := make(chan Ref)
	var stop atomic.Bool
	var g errgroup.Group
	g.Go(func() error {
		t1.MarkUnblocked()
		own := t1.Allocate(inst.Boot.Array)
		t1.PushTempRoot(&own)
		for i := 0; i < n; i++ {
			v := t1.BoxInt(inst.Boot.Int, int64(i))
			push(t1, own, v)
		}
		ready <- own
		for !stop.Load() {
			t1.SafePoint()
		}
		if got := elems(t1, own); got != 2*n {
			return fmt.Errorf("own array has %d elements", got)
		}
		for i := int64(0); i < 2*n; i++ {
			if got := t1.UnboxInt(atPos(t1, own, i)); got != i {
				return fmt.Errorf("own[%d] = %d", i, got)
			}
		}
		t1.PopTempRoot()
		t1.Exit()
		return nil
	})

	var own Ref
	tc.Blocking(func() { own = <-ready })
	mine := newArray(tc)
	tc.PushTempRoot(&mine)
	defer tc.PopTempRoot()
	for i := int64(0); i < n; i++ {
		push(tc, mine, atPos(tc, own, i))
	}
	// Main-owned values referenced only from the other thread's array.
	for i := int64(n); i < 2*n; i++ {
		v := tc.BoxInt(inst.Boot.Int, i)
		push(tc, own, v)
	}

	tc.ForceCollect(false)
	stats := inst.LastStats()
	if stats.Participants != 2 || stats.Stolen != 0 {
		t.Errorf("participants=%d stolen=%d, want 2 and 0", stats.Participants, stats.Stolen)
	}
	if stats.BatchesSent < 2*n/4 {
		t.Errorf("BatchesSent = %d, want at least %d", stats.BatchesSent, 2*n/4)
	}
	for i := int64(0); i < n; i++ {
		r := atPos(tc, mine, i)
		if id, _, _ := r.nurseryParts(); id != t1.ID() {
			t.Fatalf("mine[%d] = %s moved out of its owner's nursery", i, r)
		}
		if tc.UnboxInt(r) != i {
			t.Fatalf("mine[%d] corrupted", i)
		}
	}

	stop.Store(true)
	var err error
	tc.Blocking(func() { err = g.Wait() })
	if err != nil {
		t.Fatal(err)
	}

	tc.ForceCollect(false)
	for i := int64(0); i < n; i++ {
		r := atPos(tc, mine, i)
		if !r.InGen2() || inst.ownerOf(r) != tc.ID() {
			t.Fatalf("mine[%d] = %s not merged after exit", i, r)
		}
		if tc.UnboxInt(r) != i {
			t.Fatalf("mine[%d] corrupted by the merge", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Temporary roots at volume
// ---------------------------------------------------------------------------

func TestShortLivedWrappersAroundPermanentRoot(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	x := newArray(tc)
	inst.AddPermanentRoot(&x, "shared array")

	var freed []int64
	inst.OnCollection(func(s *CollectionStats) { freed = append(freed, s.FreedNursery) })

	var settled Ref
	for i := 1; i <= 10000; i++ {
		w := newArray(tc)
		tc.PushTempRoot(&w)
		push(tc, w, x)
		tc.PopTempRoot()
		if i%100 != 0 {
			continue
		}
		tc.ForceCollect(false)
		switch run := i / 100; {
		case run == 2:
			settled = x
		case run > 2 && x != settled:
			t.Fatalf("permanent root moved in run %d: %s -> %s", run, settled, x)
		}
	}

	if len(freed) != 100 {
		t.Fatalf("%d collections ran, want 100", len(freed))
	}
	for run, n := range freed {
		if n != 100 {
			t.Errorf("run %d freed %d nursery objects, want 100", run+1, n)
		}
	}
	if !x.InGen2() {
		t.Errorf("permanent root never promoted")
	}
	if used := tc.Nursery().Used(); used != 0 {
		t.Errorf("nursery holds %d bytes after the final run", used)
	}
	if tc.TempRootCount() != 0 {
		t.Errorf("temporary root stack not balanced")
	}
}

// ---------------------------------------------------------------------------
// Many allocating threads
// ---------------------------------------------------------------------------

func TestConcurrentAllocationStress(t *testing.T) {
	inst, tc := newTestInstance(t, func(o *Options) { o.NurserySize = 16 << 10 })
	var destroyed atomic.Int64
	inst.OnCollection(func(s *CollectionStats) { destroyed.Add(int64(s.ThreadsDestroyed)) })

	const workers, cells = 4, 300
	threads := make([]*ThreadContext, workers)
	for i := range threads {
		threads[i] = inst.NewThread(tc)
	}

	var g errgroup.Group
	for w, wt := range threads {
		g.Go(func() error {
			wt.MarkUnblocked()
			defer wt.Exit()

			head := Nil
			wt.PushTempRoot(&head)
			defer wt.PopTempRoot()
			for i := cells - 1; i >= 0; i-- {
				cell := newArray(wt)
				wt.PushTempRoot(&cell)
				v := wt.BoxInt(inst.Boot.Int, int64(w*cells+i))
				push(wt, cell, v)
				push(wt, cell, head)
				head = cell
				wt.PopTempRoot()
				if i%50 == 0 {
					wt.ForceCollect(i%100 == 0)
				}
			}

			cur := head
			for i := 0; i < cells; i++ {
				if cur == Nil {
					return fmt.Errorf("worker %d: list truncated at %d", w, i)
				}
				if got := wt.UnboxInt(atPos(wt, cur, 0)); got != int64(w*cells+i) {
					return fmt.Errorf("worker %d: cell %d holds %d", w, i, got)
				}
				cur = atPos(wt, cur, 1)
			}
			return nil
		})
	}

	var err error
	tc.Blocking(func() { err = g.Wait() })
	if err != nil {
		t.Fatal(err)
	}

	tc.ForceCollect(false)
	if n := len(inst.Threads()); n != 1 {
		t.Errorf("%d threads remain after every worker exited", n)
	}
	if got := destroyed.Load(); got != workers {
		t.Errorf("%d threads destroyed, want %d", got, workers)
	}
	for _, wt := range threads {
		if wt.Stage() != StageDestroyed {
			t.Errorf("thread %d left in stage %s", wt.ID(), wt.Stage())
		}
	}
}

func TestSharedTypeAllocatedFromManyThreads(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	typ := tc.NewType(inst.REPRs.MustByName(ReprP6int), Nil, "Counter")
	st := tc.STableOf(typ)
	if st.InstanceSize() != ObjectHeaderSize+8 {
		t.Fatalf("InstanceSize = %d before any allocation, want %d", st.InstanceSize(), ObjectHeaderSize+8)
	}
	if st.sizeFrozen.Load() {
		t.Fatalf("size frozen before any allocation")
	}

	const workers, boxes = 4, 200
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		wt := inst.NewThread(tc)
		g.Go(func() error {
			wt.MarkUnblocked()
			defer wt.Exit()
			for i := 0; i < boxes; i++ {
				if got := wt.UnboxInt(wt.BoxInt(typ, int64(i))); got != int64(i) {
					return fmt.Errorf("thread %d: box %d holds %d", wt.ID(), i, got)
				}
			}
			return nil
		})
	}
	var err error
	tc.Blocking(func() { err = g.Wait() })
	if err != nil {
		t.Fatal(err)
	}

	if !st.sizeFrozen.Load() || st.InstanceSize() != ObjectHeaderSize+8 {
		t.Errorf("after allocation: frozen=%t size=%d", st.sizeFrozen.Load(), st.InstanceSize())
	}
	msg := expectFatal(t, func() { st.SetInstanceSize(ObjectHeaderSize + 16) })
	assertContains(t, msg, "cannot resize")
}

// ---------------------------------------------------------------------------
// Protocol misuse
// ---------------------------------------------------------------------------

func TestPopEmptyTempRootsIsFatal(t *testing.T) {
	_, tc := newTestInstance(t, nil)
	msg := expectFatal(t, func() { tc.PopTempRoot() })
	assertContains(t, msg, "only 0 are pushed")
}

func TestMarkUnblockedWhileRunningIsFatal(t *testing.T) {
	_, tc := newTestInstance(t, nil)
	msg := expectFatal(t, func() { tc.MarkUnblocked() })
	assertContains(t, msg, "marked unblocked while running")
}

func TestStatusStrings(t *testing.T) {
	for s, want := range map[ThreadStatus]string{
		StatusRunning:     "running",
		StatusInterrupted: "interrupted",
		StatusUnable:      "unable",
		StatusStolen:      "stolen",
		ThreadStatus(9):   "invalid",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
	if StageExited.String() != "exited" || ThreadStage(9).String() != "invalid" {
		t.Errorf("stage strings wrong")
	}
}
