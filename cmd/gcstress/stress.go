package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/chazu/gencollect/gclog"
	"github.com/chazu/gencollect/vm"
	"github.com/chazu/gencollect/vm/heapdump"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

type runConfig struct {
	Options  vm.Options
	Threads  int
	Wrappers int
	Every    int
	Keep     int
	Dump     string
	History  string
}

// run builds a fresh instance, drives it with rc.Threads mutators and
// writes a report to out.
func run(rc runConfig, out io.Writer) error {
	if rc.Threads < 1 || rc.Wrappers < 0 || rc.Every < 0 || rc.Keep < 0 {
		return fmt.Errorf("threads must be positive and counts non-negative")
	}
	inst, err := vm.NewInstance(rc.Options)
	if err != nil {
		return err
	}
	defer inst.Teardown()

	var store *gclog.Store
	if rc.History != "" {
		store, err = gclog.Open(rc.History)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer store.Close()
		inst.OnCollection(store.Hook())
	}

	tc := inst.MainThread()
	shared := tc.Allocate(inst.Boot.Hash)
	inst.AddPermanentRoot(&shared, "gcstress shared hash")

	workers := make([]*vm.ThreadContext, rc.Threads)
	for i := range workers {
		workers[i] = inst.NewThread(tc)
	}
	g, ctx := errgroup.WithContext(context.Background())
	for _, w := range workers {
		g.Go(func() error { return mutate(ctx, inst, w, &shared, rc) })
	}
	tc.Blocking(func() { err = g.Wait() })
	if err != nil {
		return err
	}

	tc.ForceCollect(true)
	last := inst.LastStats()
	fmt.Fprintf(out, "threads:      %d x %s wrappers\n", rc.Threads, humanize.Comma(int64(rc.Wrappers)))
	fmt.Fprintf(out, "nursery:      %s per thread\n", humanize.IBytes(uint64(rc.Options.NurserySize)))
	fmt.Fprintf(out, "collections:  %d (last: full=%t, %s)\n", inst.CollectionCount(), last.Full, last.Duration)
	fmt.Fprintf(out, "last run:     copied %d, promoted %d (%s), freed %d nursery / %d gen2, %d threads destroyed\n",
		last.Copied, last.Promoted, humanize.IBytes(uint64(last.PromotedBytes)),
		last.FreedNursery, last.FreedGen2, last.ThreadsDestroyed)

	if store != nil {
		if err := store.Flush(); err != nil {
			return err
		}
		tot, err := store.Totals(store.Session())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "history:      %d runs (%d full), %s copied, %s promoted in %s\n",
			tot.Runs, tot.FullRuns, humanize.Comma(tot.Copied), humanize.Comma(tot.Promoted), tot.Duration)
	}

	if rc.Dump != "" {
		snap := heapdump.Take(inst)
		if err := writeSnapshot(rc.Dump, snap); err != nil {
			return err
		}
		fmt.Fprintf(out, "snapshot:     %d records (%s nursery, %s gen2) -> %s\n",
			len(snap.Records),
			humanize.IBytes(snap.Totals["nursery"].Bytes),
			humanize.IBytes(snap.Totals["gen2"].Bytes+snap.Totals["overflow"].Bytes),
			rc.Dump)
	}
	return nil
}

// mutate allocates short-lived wrappers around the shared object, keeping
// the last rc.Keep of them reachable, and checks the survivors at the end.
func mutate(ctx context.Context, inst *vm.Instance, tc *vm.ThreadContext, shared *vm.Ref, rc runConfig) error {
	tc.MarkUnblocked()
	defer tc.Exit()

	kept := tc.Allocate(inst.Boot.Array)
	tc.PushTempRoot(&kept)
	defer tc.PopTempRoot()

	for i := 0; i < rc.Wrappers; i++ {
		if i%256 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		w := tc.Allocate(inst.Boot.Array)
		tc.PushTempRoot(&w)
		v := tc.BoxInt(inst.Boot.Int, int64(i))
		bindPos(tc, w, 0, *shared)
		bindPos(tc, w, 1, v)
		if rc.Keep > 0 {
			bindPos(tc, kept, int64(i%rc.Keep), w)
		}
		tc.PopTempRoot()
		if rc.Every > 0 && (i+1)%rc.Every == 0 {
			tc.ForceCollect(false)
		}
	}

	for j := 0; j < min(rc.Keep, rc.Wrappers); j++ {
		w := atPos(tc, kept, int64(j))
		if atPos(tc, w, 0) != *shared {
			return fmt.Errorf("thread %d: wrapper %d lost the shared object", tc.ID(), j)
		}
		if n := tc.UnboxInt(atPos(tc, w, 1)); int(n)%rc.Keep != j {
			return fmt.Errorf("thread %d: wrapper %d holds %d", tc.ID(), j, n)
		}
	}
	return nil
}

func bindPos(tc *vm.ThreadContext, arr vm.Ref, i int64, v vm.Ref) {
	o := tc.Object(arr)
	st := tc.STable(o.STableRef())
	st.REPR.BindPos(tc, st, o, i, v)
}

func atPos(tc *vm.ThreadContext, arr vm.Ref, i int64) vm.Ref {
	o := tc.Object(arr)
	st := tc.STable(o.STableRef())
	return st.REPR.AtPos(tc, st, o, i)
}

func writeSnapshot(path string, snap *heapdump.Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	if err := heapdump.Encode(f, snap); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
