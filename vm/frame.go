package vm

import "sync/atomic"

// ---------------------------------------------------------------------------
// Frames, static frames and compilation units
// ---------------------------------------------------------------------------

// RegKind is the static type of one register slot.
type RegKind uint8

const (
	RegInt RegKind = iota
	RegNum
	RegStr
	RegObj
)

// IsRef reports whether registers of this kind hold a reference.
func (k RegKind) IsRef() bool { return k == RegStr || k == RegObj }

// Register is one slot of a frame's register file. Which field is live is
// decided by the static type map, not by a per-slot tag.
type Register struct {
	O Ref
	I int64
	N float64
}

// CompUnit is a loaded compilation unit. Its tables are scanned at most
// once per root-scan pass, whichever thread reaches it first.
type CompUnit struct {
	Name         string
	Strings      []Ref
	Constants    []Ref
	SCs          []Ref
	StaticFrames []*StaticFrame

	gcSeq atomic.Uint64
}

// StaticFrame is the compile-time description of a routine.
type StaticFrame struct {
	Name         string
	CU           *CompUnit
	Outer        *StaticFrame
	LocalTypes   []RegKind
	LexicalTypes []RegKind
	StaticEnv    []Register
	CodeObject   Ref

	gcSeq atomic.Uint64
}

// Frame is a call activation record.
type Frame struct {
	StaticFrame *StaticFrame

	Caller          *Frame
	Outer           *Frame
	PriorInvocation *Frame

	Work []Register
	Env  []Register

	CodeRef     Ref
	ReturnValue Register
	ReturnKind  RegKind

	gcSeq atomic.Uint64
}

// NewFrame creates a frame for sf with zeroed register files.
func NewFrame(sf *StaticFrame, caller, outer *Frame) *Frame {
	return &Frame{
		StaticFrame: sf,
		Caller:      caller,
		Outer:       outer,
		Work:        make([]Register, len(sf.LocalTypes)),
		Env:         make([]Register, len(sf.LexicalTypes)),
		ReturnKind:  RegInt,
	}
}

// claim stamps a node with the current pass and reports whether this
// caller won the stamp. Compare-and-swap, so two threads racing over a
// shared static structure never both scan it.
func claim(stamp *atomic.Uint64, seq uint64) bool {
	for {
		old := stamp.Load()
		if old == seq {
			return false
		}
		if stamp.CompareAndSwap(old, seq) {
			return true
		}
	}
}

func addRegisters(wl *Worklist, regs []Register, types []RegKind) {
	n := min(len(regs), len(types))
	for i := 0; i < n; i++ {
		if types[i].IsRef() {
			wl.Add(&regs[i].O)
		}
	}
}

// scanFrame queues one frame's references and the frames it links to.
func (tc *ThreadContext) scanFrame(f *Frame, wl *Worklist, seq uint64) {
	if !claim(&f.gcSeq, seq) {
		return
	}
	wl.Add(&f.CodeRef)
	if f.ReturnKind.IsRef() {
		wl.Add(&f.ReturnValue.O)
	}
	if sf := f.StaticFrame; sf != nil {
		addRegisters(wl, f.Work, sf.LocalTypes)
		addRegisters(wl, f.Env, sf.LexicalTypes)
		tc.markStaticFrame(sf, wl, seq)
	}
	if hook := tc.inst.frameScanner; hook != nil {
		hook(f, wl)
	}
	wl.AddFrame(f.Caller)
	wl.AddFrame(f.Outer)
	wl.AddFrame(f.PriorInvocation)
}

func (tc *ThreadContext) markStaticFrame(sf *StaticFrame, wl *Worklist, seq uint64) {
	for ; sf != nil; sf = sf.Outer {
		if !claim(&sf.gcSeq, seq) {
			return
		}
		wl.Add(&sf.CodeObject)
		addRegisters(wl, sf.StaticEnv, sf.LexicalTypes)
		tc.markCompUnit(sf.CU, wl, seq)
	}
}

func (tc *ThreadContext) markCompUnit(cu *CompUnit, wl *Worklist, seq uint64) {
	if cu == nil || !claim(&cu.gcSeq, seq) {
		return
	}
	for i := range cu.Strings {
		wl.Add(&cu.Strings[i])
	}
	for i := range cu.Constants {
		wl.Add(&cu.Constants[i])
	}
	for i := range cu.SCs {
		wl.Add(&cu.SCs[i])
	}
	for _, sf := range cu.StaticFrames {
		tc.markStaticFrame(sf, wl, seq)
	}
}

// MarkStaticFrame lets representations that hold a static frame (code
// objects) keep its tables alive during the current pass.
func (tc *ThreadContext) MarkStaticFrame(sf *StaticFrame, wl *Worklist) {
	tc.markStaticFrame(sf, wl, tc.inst.runSeq.Load())
}

// CurrentFrame returns the executing frame.
func (tc *ThreadContext) CurrentFrame() *Frame { return tc.curFrame }

// SetCurrentFrame installs the executing frame; frame roots are walked
// from here.
func (tc *ThreadContext) SetCurrentFrame(f *Frame) { tc.curFrame = f }
