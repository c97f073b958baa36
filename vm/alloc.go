package vm

import "errors"

// maxAllocAttempts bounds how many collections a single nursery request
// may trigger. Survivors are promoted on their second survival, so a third
// collection always empties the nursery of everything that was live at the
// first.
const maxAllocAttempts = 3

// placeNursery installs c at r and records the address in its header.
func (tc *ThreadContext) placeNursery(r Ref, c Collectable) {
	c.GCHeader().self = r
	tc.nursery.place(r, c)
}

// placeGen2 installs c at r in the thread's second generation.
func (tc *ThreadContext) placeGen2(r Ref, c Collectable) {
	c.GCHeader().self = r
	tc.gen2.place(r, c)
}

// allocateNursery reserves size bytes in the nursery, collecting as many
// times as needed. It is also a safe point. Any reference the caller holds
// across this call must be rooted.
func (tc *ThreadContext) allocateNursery(size uint32) Ref {
	tc.SafePoint()
	attempts := 0
	for {
		ref, err := tc.nursery.Allocate(size)
		if err == nil {
			return ref
		}
		if !errors.Is(err, ErrMustCollect) || attempts == maxAllocAttempts {
			Panic("nursery allocation of %d bytes failed: %v", size, err)
		}
		if tc.collectFromAllocator() {
			attempts++
		}
	}
}

// AllocateObject allocates a concrete instance of st in the nursery with
// the given representation body. The STable's instance size is frozen by
// the first allocation.
func (tc *ThreadContext) AllocateObject(st *STable, body Body) Ref {
	size := st.InstanceSize()
	if size == 0 {
		size = ObjectHeaderSize
	}
	st.freezeSize()

	stRef := st.Ref()
	tc.PushTempRoot(&stRef)
	ref := tc.allocateNursery(size)
	tc.PopTempRoot()

	obj := &Object{st: stRef, Body: body}
	obj.Header = Header{
		flags: uint32(FlagConcrete),
		owner: tc.id,
		size:  alignUp(size),
	}
	tc.placeNursery(ref, obj)
	return ref
}

// AllocateTypeObject creates the type object of st. Type objects live in
// the second generation from the start.
func (tc *ThreadContext) AllocateTypeObject(st *STable) Ref {
	ref := tc.gen2.Allocate(ObjectHeaderSize)
	obj := &Object{st: st.Ref()}
	obj.Header = Header{
		flags: uint32(FlagTypeObject | FlagSecondGen),
		owner: tc.id,
		size:  ObjectHeaderSize,
	}
	tc.placeGen2(ref, obj)
	return ref
}

// AllocateSTable creates a type descriptor for repr with the given
// meta-object. STables are allocated directly in the second generation.
func (tc *ThreadContext) AllocateSTable(repr REPR, how Ref) *STable {
	ref := tc.gen2.Allocate(STableSize)
	st := &STable{REPR: repr}
	st.Header = Header{
		flags: uint32(FlagConcrete | FlagSecondGen | FlagSTable),
		owner: tc.id,
		size:  STableSize,
	}
	tc.placeGen2(ref, st)
	if fs, ok := repr.(fixedSizeREPR); ok {
		st.SetInstanceSize(fs.fixedInstanceSize())
	}
	tc.BindRef(st, &st.HOW, how)
	return st
}

// NewType creates an STable and its type object for repr and returns the
// type object.
func (tc *ThreadContext) NewType(repr REPR, how Ref, name string) Ref {
	st := tc.AllocateSTable(repr, how)
	st.DebugName = name
	st.WHAT = tc.AllocateTypeObject(st)
	return st.WHAT
}

// Allocate asks the type's representation for a new, uninitialized
// instance.
func (tc *ThreadContext) Allocate(typ Ref) Ref {
	st := tc.STableOf(typ)
	return st.REPR.Allocate(tc, st)
}

// New allocates and initializes an instance of typ.
func (tc *ThreadContext) New(typ Ref) Ref {
	st := tc.STableOf(typ)
	obj := st.REPR.Allocate(tc, st)
	tc.PushTempRoot(&obj)
	st.REPR.Initialize(tc, st, obj)
	tc.PopTempRoot()
	return obj
}
