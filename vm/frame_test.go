package vm

import (
	"sync/atomic"
	"testing"
)

// ---------------------------------------------------------------------------
// Frame roots
// ---------------------------------------------------------------------------

func TestFrameRegistersUpdatedByCollection(t *testing.T) {
	inst, tc := newTestInstance(t, nil)

	cu := &CompUnit{Name: "unit", Strings: make([]Ref, 1)}
	sf := &StaticFrame{
		Name:         "routine",
		CU:           cu,
		LocalTypes:   []RegKind{RegObj, RegInt, RegStr},
		LexicalTypes: []RegKind{RegObj},
	}
	cu.StaticFrames = []*StaticFrame{sf}
	callerSF := &StaticFrame{Name: "caller", LocalTypes: []RegKind{RegObj}}

	caller := NewFrame(callerSF, nil, nil)
	f := NewFrame(sf, caller, nil)
	f.ReturnKind = RegObj
	tc.SetCurrentFrame(f)
	defer tc.SetCurrentFrame(nil)

	cu.Strings[0] = tc.BoxStr(inst.Boot.Str, "constant")
	f.Work[0].O = tc.BoxInt(inst.Boot.Int, 5)
	f.Work[1].I = 42
	f.Work[2].O = tc.BoxStr(inst.Boot.Str, "register")
	f.Env[0].O = tc.BoxInt(inst.Boot.Int, 6)
	f.ReturnValue.O = tc.BoxInt(inst.Boot.Int, 7)
	caller.Work[0].O = tc.BoxInt(inst.Boot.Int, 8)

	before := []Ref{f.Work[0].O, f.Work[2].O, f.Env[0].O, f.ReturnValue.O, caller.Work[0].O, cu.Strings[0]}
	tc.ForceCollect(false)
	after := []Ref{f.Work[0].O, f.Work[2].O, f.Env[0].O, f.ReturnValue.O, caller.Work[0].O, cu.Strings[0]}
	for i := range before {
		if before[i] == after[i] {
			t.Errorf("root %d not updated: %s", i, after[i])
		}
	}

	if tc.UnboxInt(f.Work[0].O) != 5 || tc.UnboxInt(f.Env[0].O) != 6 ||
		tc.UnboxInt(f.ReturnValue.O) != 7 || tc.UnboxInt(caller.Work[0].O) != 8 {
		t.Errorf("integer registers corrupted")
	}
	if tc.UnboxStr(f.Work[2].O) != "register" || tc.UnboxStr(cu.Strings[0]) != "constant" {
		t.Errorf("string roots corrupted")
	}
	if f.Work[1].I != 42 {
		t.Errorf("native register touched: %d", f.Work[1].I)
	}
}

func TestFrameScannerHook(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	extra := tc.BoxInt(inst.Boot.Int, 11)
	var calls atomic.Int32
	inst.SetFrameScanner(func(f *Frame, wl *Worklist) {
		calls.Add(1)
		wl.Add(&extra)
	})
	tc.SetCurrentFrame(NewFrame(&StaticFrame{Name: "hooked"}, nil, nil))
	defer tc.SetCurrentFrame(nil)

	before := extra
	tc.ForceCollect(false)
	if calls.Load() != 1 {
		t.Errorf("scanner called %d times, want 1", calls.Load())
	}
	if extra == before || tc.UnboxInt(extra) != 11 {
		t.Errorf("slot added by the scanner was not processed")
	}
}

func TestCodeObjectKeepsStaticEnvironmentAlive(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	sf := &StaticFrame{
		Name:         "closure",
		LexicalTypes: []RegKind{RegObj, RegInt},
		StaticEnv:    make([]Register, 2),
	}
	code := tc.NewCode(sf, nil)
	tc.PushTempRoot(&code)
	defer tc.PopTempRoot()
	sf.StaticEnv[0].O = tc.BoxInt(inst.Boot.Int, 3)
	sf.StaticEnv[1].I = -1

	promote(t, tc, &code)
	if env := sf.StaticEnv[0].O; !env.InGen2() || tc.UnboxInt(env) != 3 {
		t.Errorf("static environment value %s not kept by its code object", env)
	}
	if name := tc.Object(code).Body.(*CodeBody).Name; name != "closure" {
		t.Errorf("code name = %q", name)
	}
}

func TestStaticEnvironmentWrittenAfterPromotion(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	sf := &StaticFrame{
		Name:         "closure",
		LexicalTypes: []RegKind{RegObj},
		StaticEnv:    make([]Register, 1),
	}
	code := tc.NewCode(sf, nil)
	tc.PushTempRoot(&code)
	defer tc.PopTempRoot()
	promote(t, tc, &code)
	tc.ForceCollect(false)

	sf.StaticEnv[0].O = tc.BoxInt(inst.Boot.Int, 5)
	for run := 1; run <= 3; run++ {
		tc.ForceCollect(false)
		env := sf.StaticEnv[0].O
		if tc.Deref(env) == nil {
			t.Fatalf("run %d: static environment value %s reclaimed while its code object is live", run, env)
		}
		if tc.UnboxInt(env) != 5 {
			t.Fatalf("run %d: static environment value corrupted", run)
		}
	}
	if !sf.StaticEnv[0].O.InGen2() {
		t.Errorf("static environment value never promoted")
	}
}

func TestCapturedLexicalWrittenAfterPromotion(t *testing.T) {
	inst, tc := newTestInstance(t, nil)
	outerSF := &StaticFrame{Name: "outer", LexicalTypes: []RegKind{RegObj}}
	outer := NewFrame(outerSF, nil, nil)
	code := tc.NewCode(&StaticFrame{Name: "inner"}, outer)
	tc.PushTempRoot(&code)
	defer tc.PopTempRoot()
	promote(t, tc, &code)
	tc.ForceCollect(false)
	if _, aggs := tc.Gen2RootCount(); aggs == 0 {
		t.Fatalf("promoted closure dropped from the inter-generational list")
	}

	// Run the closure: it stores into the captured frame and returns.
	inner := NewFrame(&StaticFrame{Name: "inner"}, nil, outer)
	tc.SetCurrentFrame(inner)
	outer.Env[0].O = tc.BoxInt(inst.Boot.Int, 77)
	tc.SetCurrentFrame(nil)

	for run := 1; run <= 3; run++ {
		tc.ForceCollect(false)
		lex := outer.Env[0].O
		if tc.Deref(lex) == nil {
			t.Fatalf("run %d: captured lexical %s reclaimed while its closure is live", run, lex)
		}
		if tc.UnboxInt(lex) != 77 {
			t.Fatalf("run %d: captured lexical corrupted", run)
		}
	}
}

func TestClaimOncePerPass(t *testing.T) {
	var stamp atomic.Uint64
	if !claim(&stamp, 1) {
		t.Fatalf("first claim in pass 1 lost")
	}
	if claim(&stamp, 1) {
		t.Errorf("second claim in pass 1 won")
	}
	if !claim(&stamp, 2) {
		t.Errorf("first claim in pass 2 lost")
	}
}

func TestRegKindIsRef(t *testing.T) {
	for k, want := range map[RegKind]bool{RegInt: false, RegNum: false, RegStr: true, RegObj: true} {
		if k.IsRef() != want {
			t.Errorf("RegKind(%d).IsRef() = %t", k, !want)
		}
	}
}
