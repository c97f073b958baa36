package vm

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Shared test helpers
// ---------------------------------------------------------------------------

// testOptions keeps nurseries small and full collections explicit.
func testOptions() Options {
	opts := DefaultOptions()
	opts.NurserySize = 64 << 10
	opts.FullCollectEvery = 1 << 20
	opts.Gen2PageItems = 64
	return opts
}

func newTestInstance(t *testing.T, tweak func(*Options)) (*Instance, *ThreadContext) {
	t.Helper()
	opts := testOptions()
	if tweak != nil {
		tweak(&opts)
	}
	inst, err := NewInstance(opts)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	t.Cleanup(inst.Teardown)
	return inst, inst.MainThread()
}

// expectFatal runs fn and returns the message of the *FatalError it
// raises, failing the test if it returns normally.
func expectFatal(t *testing.T, fn func()) (msg string) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected a fatal error, got none")
		}
		var fe *FatalError
		err, ok := r.(error)
		if !ok || !errors.As(err, &fe) {
			t.Fatalf("expected *FatalError, got %T: %v", r, r)
		}
		msg = fe.Msg
	}()
	fn()
	return ""
}

func assertContains(t *testing.T, s, sub string) {
	t.Helper()
	if !strings.Contains(s, sub) {
		t.Errorf("%q does not contain %q", s, sub)
	}
}

// waitStatus spins until tc reaches status s.
func waitStatus(tc *ThreadContext, s ThreadStatus) {
	for tc.Status() != s {
		runtime.Gosched()
	}
}

// newArray allocates an empty VMArray.
func newArray(tc *ThreadContext) Ref {
	return tc.Allocate(tc.Instance().Boot.Array)
}

func push(tc *ThreadContext, arr, value Ref) {
	o := tc.Object(arr)
	st := tc.STable(o.STableRef())
	st.REPR.Push(tc, st, o, value)
}

func atPos(tc *ThreadContext, arr Ref, i int64) Ref {
	o := tc.Object(arr)
	st := tc.STable(o.STableRef())
	return st.REPR.AtPos(tc, st, o, i)
}

func elems(tc *ThreadContext, arr Ref) int64 {
	o := tc.Object(arr)
	st := tc.STable(o.STableRef())
	return st.REPR.Elems(tc, st, o)
}

// promote runs nursery collections until the rooted reference in slot
// lives in the second generation.
func promote(t *testing.T, tc *ThreadContext, slot *Ref) {
	t.Helper()
	for i := 0; i < 2; i++ {
		tc.ForceCollect(false)
	}
	if !slot.InGen2() {
		t.Fatalf("%s not promoted after two collections", *slot)
	}
}
