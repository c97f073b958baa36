package vm

import (
	"runtime"
	"sync/atomic"
)

// ThreadStatus is a thread's position in the stop-the-world protocol.
type ThreadStatus int32

const (
	// StatusRunning: executing mutator code; must be interrupted to
	// collect.
	StatusRunning ThreadStatus = iota
	// StatusInterrupted: asked to join a collection at its next safe point.
	StatusInterrupted
	// StatusUnable: blocked outside the runtime; another thread may collect
	// on its behalf.
	StatusUnable
	// StatusStolen: blocked, and its collection work has been taken over.
	StatusStolen
)

func (s ThreadStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusInterrupted:
		return "interrupted"
	case StatusUnable:
		return "unable"
	case StatusStolen:
		return "stolen"
	}
	return "invalid"
}

// ThreadStage is a thread's lifecycle position.
type ThreadStage int32

const (
	StageStarting ThreadStage = iota
	StageRunning
	StageExited
	StageDestroyed
)

func (s ThreadStage) String() string {
	switch s {
	case StageStarting:
		return "starting"
	case StageRunning:
		return "running"
	case StageExited:
		return "exited"
	case StageDestroyed:
		return "destroyed"
	}
	return "invalid"
}

// ThreadContext is the per-thread runtime state. A context is driven by
// exactly one goroutine at a time; during a collection another thread may
// act on its memory only after the context has been stolen.
type ThreadContext struct {
	inst *Instance
	id   uint32

	status atomic.Int32
	stage  atomic.Int32

	nursery *Nursery
	gen2    *Gen2Allocator

	tempRoots      []*Ref
	gen2Slots      []gen2SlotRoot
	gen2Aggregates []gen2Aggregate
	curFrame       *Frame

	// ThreadObject is the language-level object for this thread.
	ThreadObject Ref

	// Collection state. tray and gcSent are touched by other threads; the
	// rest belongs to whichever goroutine is collecting this context.
	tray        *inTray
	gcSent      atomic.Int64
	gcwl        *Worklist
	outgoing    map[uint32]*passedWork
	stolen      []*ThreadContext
	interrupted []*ThreadContext
	stealer     *ThreadContext
	counters    passCounters
}

func newThreadContext(inst *Instance, id uint32) *ThreadContext {
	tc := &ThreadContext{
		inst:     inst,
		id:       id,
		nursery:  newNursery(id, inst.opts.NurserySize),
		gen2:     newGen2Allocator(inst.gen2, id, inst.classes, inst.opts.Gen2PageItems),
		tray:     newInTray(inst.opts.InTrayDepth),
		gcwl:     NewWorklist(false),
		outgoing: make(map[uint32]*passedWork),
	}
	return tc
}

// ID returns the thread id, unique within the instance.
func (tc *ThreadContext) ID() uint32 { return tc.id }

// Instance returns the owning runtime instance.
func (tc *ThreadContext) Instance() *Instance { return tc.inst }

// Status returns the current protocol status.
func (tc *ThreadContext) Status() ThreadStatus { return ThreadStatus(tc.status.Load()) }

// Stage returns the lifecycle stage.
func (tc *ThreadContext) Stage() ThreadStage { return ThreadStage(tc.stage.Load()) }

// Nursery returns the thread's nursery.
func (tc *ThreadContext) Nursery() *Nursery { return tc.nursery }

// Gen2 returns the thread's second generation allocator.
func (tc *ThreadContext) Gen2() *Gen2Allocator { return tc.gen2 }

// workSet is the contexts this goroutine collects: itself plus any it
// stole for the current run.
func (tc *ThreadContext) workSet() []*ThreadContext {
	if len(tc.stolen) == 0 {
		return []*ThreadContext{tc}
	}
	ws := make([]*ThreadContext, 0, len(tc.stolen)+1)
	ws = append(ws, tc)
	return append(ws, tc.stolen...)
}

// ---------------------------------------------------------------------------
// Safe points and blocking
// ---------------------------------------------------------------------------

// SafePoint joins a pending collection if this thread has been
// interrupted. Mutator loops call it regularly.
func (tc *ThreadContext) SafePoint() {
	if tc.Status() == StatusInterrupted {
		tc.joinRun()
	}
}

// MarkBlocked declares that the thread is about to block outside the
// runtime, so collections may proceed without it. If a collection is
// already waiting for this thread it is joined first.
func (tc *ThreadContext) MarkBlocked() {
	for !tc.status.CompareAndSwap(int32(StatusRunning), int32(StatusUnable)) {
		switch s := tc.Status(); s {
		case StatusInterrupted:
			tc.joinRun()
		case StatusRunning:
		default:
			Panic("thread %d marked blocked while %s", tc.id, s)
		}
	}
}

// MarkUnblocked returns the thread to running. A thread whose work was
// stolen waits until that collection has finished.
func (tc *ThreadContext) MarkUnblocked() {
	for !tc.status.CompareAndSwap(int32(StatusUnable), int32(StatusRunning)) {
		switch s := tc.Status(); s {
		case StatusStolen, StatusUnable:
			runtime.Gosched()
		default:
			Panic("thread %d marked unblocked while %s", tc.id, s)
		}
	}
	tc.stage.CompareAndSwap(int32(StageStarting), int32(StageRunning))
}

// Blocking runs fn with the thread marked blocked.
func (tc *ThreadContext) Blocking(fn func()) {
	tc.MarkBlocked()
	defer tc.MarkUnblocked()
	fn()
}

// Exit ends the thread. Its roots are dropped and it stays blocked until
// the next collection promotes whatever survives of its nursery and hands
// its second generation to the collecting thread.
func (tc *ThreadContext) Exit() {
	if tc.Stage() >= StageExited {
		return
	}
	tc.tempRoots = nil
	tc.curFrame = nil
	tc.ThreadObject = Nil
	tc.stage.Store(int32(StageExited))
	tc.MarkBlocked()
	log.Debugf("thread %d exited", tc.id)
}
