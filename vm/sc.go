package vm

import (
	"sync"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// SerializationContext: in-memory hooks only
// ---------------------------------------------------------------------------

// SerializationContext groups objects and STables that belong to one
// compilation unit's serialized state. Only what the collector needs is
// modelled: the context keeps its roots alive, and every collectable that
// names it through its header index keeps the context alive.
type SerializationContext struct {
	Header

	Handle      string
	Description string
	RootObjects []Ref
	RootSTables []Ref

	idx uint32
}

// Index returns the registry index stored in member headers.
func (sc *SerializationContext) Index() uint32 { return sc.idx }

func (tc *ThreadContext) gcMarkSC(sc *SerializationContext, wl *Worklist) {
	for i := range sc.RootObjects {
		wl.Add(&sc.RootObjects[i])
	}
	for i := range sc.RootSTables {
		wl.Add(&sc.RootSTables[i])
	}
}

type scEntry struct {
	ref    Ref
	handle string
}

// scRegistry is the weak instance-wide table of serialization contexts.
// Entries are pointers so their slots can be queued on a worklist.
type scRegistry struct {
	mu       sync.RWMutex
	entries  []*scEntry
	byHandle map[string]uint32
}

func newSCRegistry() *scRegistry {
	return &scRegistry{
		// Index 0 means "no serialization context".
		entries:  []*scEntry{nil},
		byHandle: make(map[string]uint32),
	}
}

func (r *scRegistry) add(ref Ref, handle string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &scEntry{ref: ref, handle: handle})
	idx := uint32(len(r.entries) - 1)
	r.byHandle[handle] = idx
	return idx
}

func (r *scRegistry) slot(idx uint32) *Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(idx) >= len(r.entries) || r.entries[idx] == nil {
		return nil
	}
	return &r.entries[idx].ref
}

func (r *scRegistry) lookup(handle string) Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byHandle[handle]
	if !ok {
		return Nil
	}
	return r.entries[idx].ref
}

// sweep drops entries whose context was reclaimed by a full pass. It runs
// after the second generation sweep, so a dead context's slot is empty.
func (r *scRegistry) sweep(inst *Instance) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for idx, e := range r.entries {
		if e == nil || e.ref == Nil {
			continue
		}
		sc, ok := inst.resolve(e.ref).(*SerializationContext)
		if !ok || sc.idx != uint32(idx) {
			delete(r.byHandle, e.handle)
			r.entries[idx] = nil
			dropped++
		}
	}
	return dropped
}

// NewSerializationContext allocates a context in the second generation and
// registers it under a fresh handle.
func (tc *ThreadContext) NewSerializationContext(description string) Ref {
	handle := uuid.NewString()
	ref := tc.gen2.Allocate(SCSize)
	sc := &SerializationContext{Handle: handle, Description: description}
	sc.Header = Header{
		flags: uint32(FlagConcrete | FlagSecondGen | FlagSC),
		owner: tc.id,
		size:  SCSize,
	}
	tc.placeGen2(ref, sc)
	sc.idx = tc.inst.scs.add(ref, handle)
	return ref
}

// FindSC returns the live context registered under handle, or Nil.
func (inst *Instance) FindSC(handle string) Ref {
	return inst.scs.lookup(handle)
}

// SetSC records sc as the owning serialization context of c.
func (tc *ThreadContext) SetSC(c Ref, sc Ref) {
	ctx, ok := tc.Deref(sc).(*SerializationContext)
	if !ok {
		Panic("%s is not a serialization context", sc)
	}
	tc.Deref(c).GCHeader().scIdx = ctx.idx
}

// AddSCRootObject appends obj to the context's root objects.
func (tc *ThreadContext) AddSCRootObject(sc Ref, obj Ref) {
	ctx := tc.Deref(sc).(*SerializationContext)
	tc.WriteBarrier(ctx, obj)
	ctx.RootObjects = append(ctx.RootObjects, obj)
}

// AddSCRootSTable appends st to the context's root STables.
func (tc *ThreadContext) AddSCRootSTable(sc Ref, st Ref) {
	ctx := tc.Deref(sc).(*SerializationContext)
	ctx.RootSTables = append(ctx.RootSTables, st)
}
