package vm

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Options tunes the heap and the collector.
type Options struct {
	// NurserySize is the size of one nursery semi-space, in bytes.
	NurserySize uint32
	// FullCollectEvery makes every Nth run a full collection.
	FullCollectEvery uint64
	// Gen2PageItems is the number of slots per second generation page.
	Gen2PageItems int
	// Gen2MaxBinSize is the largest request served from size-class pages;
	// anything bigger goes to the overflow list.
	Gen2MaxBinSize uint32
	// InTrayBatchSize is the number of slots per cross-thread hand-off.
	InTrayBatchSize int
	// InTrayDepth is the buffered capacity of each thread's in-tray
	// channel before senders fall back to the overflow list.
	InTrayDepth int
	// PermanentRootHint pre-sizes the permanent root list.
	PermanentRootHint int
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		NurserySize:       4 << 20,
		FullCollectEvery:  10,
		Gen2PageItems:     256,
		Gen2MaxBinSize:    4096,
		InTrayBatchSize:   64,
		InTrayDepth:       16,
		PermanentRootHint: 64,
	}
}

// Validate reports the first unusable setting.
func (o Options) Validate() error {
	switch {
	case o.NurserySize < 4*STableSize:
		return fmt.Errorf("nursery size %d is too small (minimum %d)", o.NurserySize, 4*STableSize)
	case o.FullCollectEvery == 0:
		return fmt.Errorf("full collection cadence must be at least 1")
	case o.Gen2PageItems <= 0 || o.Gen2PageItems > gen2SlotMask+1:
		return fmt.Errorf("gen2 page items %d out of range 1..%d", o.Gen2PageItems, gen2SlotMask+1)
	case o.Gen2MaxBinSize < STableSize:
		return fmt.Errorf("gen2 max bin size %d is smaller than an STable (%d)", o.Gen2MaxBinSize, STableSize)
	case o.InTrayBatchSize <= 0:
		return fmt.Errorf("in-tray batch size must be positive")
	case o.InTrayDepth < 0:
		return fmt.Errorf("in-tray depth must not be negative")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Instance
// ---------------------------------------------------------------------------

// BootTypes holds the type objects created at startup. They are instance
// roots.
type BootTypes struct {
	KnowHOW        Ref
	Array          Ref
	Hash           Ref
	Int            Ref
	Num            Ref
	Str            Ref
	Code           Ref
	Handle         Ref
	Uninstantiable Ref
}

// FrameScanner lets the execution engine add per-frame slots the core
// does not know about.
type FrameScanner func(f *Frame, wl *Worklist)

// BoolMethodInvoker runs a boolification method on obj.
type BoolMethodInvoker func(tc *ThreadContext, method Ref, obj Ref) bool

// Instance is one runtime: the shared heap tables, the thread list and
// the collector's coordination state.
type Instance struct {
	opts    Options
	classes []uint32

	REPRs *ReprRegistry
	Boot  BootTypes

	gen2      *gen2Heap
	permanent permanentRoots
	scs       *scRegistry

	threadsMu    sync.Mutex
	threads      []*ThreadContext
	threadTable  atomic.Pointer[[]*ThreadContext]
	nextThreadID uint32
	main         *ThreadContext

	// Orchestration.
	gcStart      atomic.Int32
	gcFinish     atomic.Int32
	gcAck        atomic.Int32
	gcInFlight   atomic.Int64
	gcSeq        atomic.Uint64
	gcGo         atomic.Uint64
	runSeq       atomic.Uint64
	runFull      atomic.Bool
	pendingFull  atomic.Bool
	completedSeq atomic.Uint64
	runStart     time.Time
	run          runCounters

	freeMu        sync.Mutex
	stablesToFree []*STable

	lastStats    atomic.Pointer[CollectionStats]
	onCollection func(*CollectionStats)
	onCopy       func(from, to Ref)

	frameScanner   FrameScanner
	boolMethodHook BoolMethodInvoker

	destroyed atomic.Bool
}

// NewInstance creates a runtime with its main thread and boot types.
func NewInstance(opts Options) (*Instance, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	inst := &Instance{
		opts:    opts,
		classes: sizeClasses(opts.Gen2MaxBinSize),
		REPRs:   NewReprRegistry(),
		gen2:    newGen2Heap(),
		scs:     newSCRegistry(),
	}
	inst.permanent.roots = make([]permanentRoot, 0, opts.PermanentRootHint)
	empty := make([]*ThreadContext, 0)
	inst.threadTable.Store(&empty)

	inst.threadsMu.Lock()
	inst.main = inst.addThreadLocked()
	inst.threadsMu.Unlock()
	inst.main.status.Store(int32(StatusRunning))
	inst.main.stage.Store(int32(StageRunning))

	registerBuiltinREPRs(inst.REPRs)
	inst.bootstrap(inst.main)
	log.Infof("instance started: nursery %d bytes, full collection every %d runs, %d size classes",
		opts.NurserySize, opts.FullCollectEvery, len(inst.classes))
	return inst, nil
}

// MustNewInstance is NewInstance for callers with known-good options.
func MustNewInstance(opts Options) *Instance {
	inst, err := NewInstance(opts)
	if err != nil {
		Panic("%v", err)
	}
	return inst
}

// Options returns the options the instance was created with.
func (inst *Instance) Options() Options { return inst.opts }

// MainThread returns the context of the thread that created the instance.
func (inst *Instance) MainThread() *ThreadContext { return inst.main }

// RegisterREPR adds a representation to the instance registry.
func (inst *Instance) RegisterREPR(r REPR) REPR { return inst.REPRs.Register(r) }

func (inst *Instance) bootstrap(tc *ThreadContext) {
	r := inst.REPRs.MustByName
	b := &inst.Boot

	b.KnowHOW = tc.NewType(r(ReprKnowHOW), Nil, "KnowHOW")
	b.Array = tc.NewType(r(ReprVMArray), Nil, "BOOTArray")
	b.Hash = tc.NewType(r(ReprVMHash), Nil, "BOOTHash")
	b.Int = tc.NewType(r(ReprP6int), Nil, "BOOTInt")
	b.Num = tc.NewType(r(ReprP6num), Nil, "BOOTNum")
	b.Str = tc.NewType(r(ReprP6str), Nil, "BOOTStr")
	b.Code = tc.NewType(r(ReprMVMCode), Nil, "BOOTCode")
	b.Handle = tc.NewType(r(ReprOSHandle), Nil, "BOOTIO")
	b.Uninstantiable = tc.NewType(r(ReprUninstantiable), Nil, "Uninstantiable")

	// The meta-object needs the array and hash types to initialize, so
	// every boot type gets its HOW afterwards.
	how := tc.New(b.KnowHOW)
	tc.PushTempRoot(&how)
	defer tc.PopTempRoot()
	for _, typ := range []Ref{
		b.KnowHOW, b.Array, b.Hash, b.Int, b.Num, b.Str,
		b.Code, b.Handle, b.Uninstantiable,
	} {
		st := tc.STableOf(typ)
		tc.BindRef(st, &st.HOW, how)
	}

	tc.STableOf(b.Int).Boolification = &BoolificationSpec{Mode: BoolUnboxInt}
	tc.STableOf(b.Num).Boolification = &BoolificationSpec{Mode: BoolUnboxNum}
	tc.STableOf(b.Str).Boolification = &BoolificationSpec{Mode: BoolUnboxStrNotEmpty}
	tc.STableOf(b.Array).Boolification = &BoolificationSpec{Mode: BoolIter}
	tc.STableOf(b.Hash).Boolification = &BoolificationSpec{Mode: BoolIter}
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

// addThreadLocked creates and registers a context. threadsMu must be held.
func (inst *Instance) addThreadLocked() *ThreadContext {
	inst.nextThreadID++
	id := inst.nextThreadID
	if id > nurseryThreadMask {
		Panic("thread id space exhausted")
	}
	tc := newThreadContext(inst, id)
	tc.status.Store(int32(StatusUnable))
	inst.threads = append(inst.threads, tc)
	inst.publishThreadTableLocked()
	return tc
}

// publishThreadTableLocked rebuilds the id-indexed table read by the
// collector without locking.
func (inst *Instance) publishThreadTableLocked() {
	table := make([]*ThreadContext, inst.nextThreadID+1)
	for _, t := range inst.threads {
		table[t.id] = t
	}
	inst.threadTable.Store(&table)
}

// NewThread creates a thread context. It starts blocked: the goroutine
// that will drive it calls MarkUnblocked before touching the heap. parent
// is the creating thread; it keeps answering safe points while a
// collection in progress delays the creation.
func (inst *Instance) NewThread(parent *ThreadContext) *ThreadContext {
	for {
		inst.threadsMu.Lock()
		if inst.gcStart.Load() == 0 {
			break
		}
		inst.threadsMu.Unlock()
		if parent != nil {
			parent.SafePoint()
		}
		runtime.Gosched()
	}
	defer inst.threadsMu.Unlock()

	tc := inst.addThreadLocked()
	log.Infof("thread %d created", tc.id)
	return tc
}

// thread returns the live context with the given id, or nil.
func (inst *Instance) thread(id uint32) *ThreadContext {
	table := *inst.threadTable.Load()
	if int(id) >= len(table) {
		return nil
	}
	return table[id]
}

// Threads returns the registered contexts.
func (inst *Instance) Threads() []*ThreadContext {
	inst.threadsMu.Lock()
	defer inst.threadsMu.Unlock()
	return slices.Clone(inst.threads)
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

// resolve maps a reference to the collectable currently stored there.
func (inst *Instance) resolve(r Ref) Collectable {
	switch r.region() {
	case regionNursery:
		id, half, idx := r.nurseryParts()
		t := inst.thread(id)
		if t == nil {
			return nil
		}
		return t.nursery.at(half, idx)
	case regionGen2, regionOverflow:
		return inst.gen2.resolve(r)
	}
	return nil
}

// ownerOf returns the id of the thread responsible for r's memory.
func (inst *Instance) ownerOf(r Ref) uint32 {
	if r.InNursery() {
		id, _, _ := r.nurseryParts()
		return id
	}
	return inst.gen2.owner(r)
}

// Walk calls fn for every collectable in every thread's current tospace
// and second generation. The instance must be quiescent.
func (inst *Instance) Walk(fn func(r Ref, c Collectable)) {
	for _, t := range inst.Threads() {
		t.nursery.walkLive(fn)
		t.gen2.walk(fn)
	}
}

// References returns the references held directly by the collectable at
// r, in the order the collector would visit them.
func (tc *ThreadContext) References(r Ref) []Ref {
	c := tc.inst.resolve(r)
	if c == nil {
		return nil
	}
	wl := NewWorklist(true)
	tc.gcMarkCollectable(c, wl)
	refs := make([]Ref, 0, wl.Count())
	for _, slot := range wl.items {
		refs = append(refs, *slot)
	}
	return refs
}

// ---------------------------------------------------------------------------
// Hooks
// ---------------------------------------------------------------------------

// SetFrameScanner installs the engine's per-frame hook. Install hooks
// before starting other threads.
func (inst *Instance) SetFrameScanner(fn FrameScanner) { inst.frameScanner = fn }

// SetBoolMethodInvoker installs the method-call path used by
// BoolCallMethod boolification.
func (inst *Instance) SetBoolMethodInvoker(fn BoolMethodInvoker) { inst.boolMethodHook = fn }

// OnCopy installs a hook run for every object the collector copies or
// promotes. It is called concurrently from every participant.
func (inst *Instance) OnCopy(fn func(from, to Ref)) { inst.onCopy = fn }

// OnCollection installs a hook run at the end of every collection with
// that run's statistics.
func (inst *Instance) OnCollection(fn func(*CollectionStats)) { inst.onCollection = fn }
