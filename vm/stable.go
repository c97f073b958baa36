package vm

import "sync/atomic"

// ---------------------------------------------------------------------------
// STable: the type descriptor
// ---------------------------------------------------------------------------

// BoolMode says how an instance of a type coerces to a boolean.
type BoolMode uint8

const (
	BoolCallMethod BoolMode = iota
	BoolUnboxInt
	BoolUnboxNum
	BoolUnboxStrNotEmpty
	BoolUnboxStrNotEmptyOrZero
	BoolNotTypeObject
	BoolIter
)

// BoolificationSpec is an STable's boolification mode. Method is only
// consulted for BoolCallMethod.
type BoolificationSpec struct {
	Mode   BoolMode
	Method Ref
}

// ContainerSpec gives a type transparent reference-cell semantics.
type ContainerSpec interface {
	Name() string
	Fetch(tc *ThreadContext, cont Ref) Ref
	Store(tc *ThreadContext, cont Ref, value Ref)
	GCMarkData(tc *ThreadContext, st *STable, wl *Worklist)
}

// STable pairs a representation with per-type metadata. It is allocated
// directly in the second generation, so its Ref never changes.
type STable struct {
	Header

	// REPR is fixed at creation.
	REPR     REPR
	ReprData any

	HOW  Ref
	WHAT Ref
	WHO  Ref

	MethodCache              Ref
	MethodCacheAuthoritative bool
	TypeCheckCache           []Ref

	ContainerSpec ContainerSpec
	Boolification *BoolificationSpec

	// DebugName is informational only.
	DebugName string

	size        atomic.Uint32
	sizeFrozen  atomic.Bool
	freeQueueID uint64
}

// Ref returns the STable's own (stable) reference.
func (st *STable) Ref() Ref { return st.self }

// InstanceSize returns the allocation size of instances, in bytes.
func (st *STable) InstanceSize() uint32 { return st.size.Load() }

// SetInstanceSize sets the instance size. Changing it once an instance
// has been allocated is a usage error. Sizes are set when the type is
// created or composed, before other threads allocate from it.
func (st *STable) SetInstanceSize(n uint32) {
	if st.sizeFrozen.Load() && n != st.size.Load() {
		Panic("cannot resize STable %s after allocation (%d -> %d)", st.DebugName, st.size.Load(), n)
	}
	st.size.Store(n)
}

// freezeSize marks the size as fixed. The flag is written once.
func (st *STable) freezeSize() {
	if !st.sizeFrozen.Load() {
		st.sizeFrozen.Store(true)
	}
}

// gcMarkSTable enqueues every reference the descriptor holds: the fixed
// field list followed by container and representation private data.
func (tc *ThreadContext) gcMarkSTable(st *STable, wl *Worklist) {
	wl.Add(&st.HOW)
	wl.Add(&st.WHAT)
	wl.Add(&st.WHO)
	wl.Add(&st.MethodCache)
	for i := range st.TypeCheckCache {
		wl.Add(&st.TypeCheckCache[i])
	}
	if st.Boolification != nil {
		wl.Add(&st.Boolification.Method)
	}
	if st.ContainerSpec != nil {
		st.ContainerSpec.GCMarkData(tc, st, wl)
	}
	st.REPR.GCMarkReprData(tc, st, wl)
}

// ---------------------------------------------------------------------------
// Type checks, method lookup, boolification, containers
// ---------------------------------------------------------------------------

// IsA answers a type check from the type-check cache alone; there is no
// fallback search. A missing cache answers false.
func (tc *ThreadContext) IsA(obj Ref, typ Ref) bool {
	if obj == Nil {
		return false
	}
	st := tc.STableOf(obj)
	for _, t := range st.TypeCheckCache {
		if t == typ {
			return true
		}
	}
	return false
}

// FindMethod looks name up in the method cache of obj's type. found is
// false on a miss; authoritative reports whether a miss is final.
func (tc *ThreadContext) FindMethod(obj Ref, name string) (method Ref, found, authoritative bool) {
	st := tc.STableOf(obj)
	if st.MethodCache == Nil {
		return Nil, false, false
	}
	cache := tc.Object(st.MethodCache)
	cst := tc.STable(cache.st)
	if !cst.REPR.ExistsKey(tc, cst, cache, name) {
		return Nil, false, st.MethodCacheAuthoritative
	}
	return cst.REPR.AtKey(tc, cst, cache, name), true, true
}

// Boolify coerces obj to a boolean using its type's boolification spec.
// Types without a spec are true unless they are type objects.
func (tc *ThreadContext) Boolify(obj Ref) bool {
	if obj == Nil {
		return false
	}
	o := tc.Object(obj)
	st := tc.STable(o.st)
	spec := st.Boolification
	if spec == nil {
		return !o.IsTypeObject()
	}

	switch spec.Mode {
	case BoolCallMethod:
		hook := tc.inst.boolMethodHook
		if hook == nil {
			Panic("boolification of %s needs a method call but no invoker is installed", st.DebugName)
		}
		return hook(tc, spec.Method, obj)
	case BoolUnboxInt:
		return !o.IsTypeObject() && st.REPR.GetInt(tc, st, o) != 0
	case BoolUnboxNum:
		return !o.IsTypeObject() && st.REPR.GetNum(tc, st, o) != 0
	case BoolUnboxStrNotEmpty:
		return !o.IsTypeObject() && st.REPR.GetStr(tc, st, o) != ""
	case BoolUnboxStrNotEmptyOrZero:
		if o.IsTypeObject() {
			return false
		}
		s := st.REPR.GetStr(tc, st, o)
		return s != "" && s != "0"
	case BoolNotTypeObject:
		return !o.IsTypeObject()
	case BoolIter:
		return !o.IsTypeObject() && st.REPR.Elems(tc, st, o) > 0
	default:
		Panic("invalid boolification mode %d", spec.Mode)
		return false
	}
}

// Decont fetches through a container, or returns v unchanged.
func (tc *ThreadContext) Decont(v Ref) Ref {
	if v == Nil {
		return Nil
	}
	o := tc.Object(v)
	st := tc.STable(o.st)
	if st.ContainerSpec == nil || o.IsTypeObject() {
		return v
	}
	return st.ContainerSpec.Fetch(tc, v)
}

// Assign stores value into the container cont.
func (tc *ThreadContext) Assign(cont Ref, value Ref) {
	st := tc.STableOf(cont)
	if st.ContainerSpec == nil {
		Panic("cannot assign to a non-container of type %s", st.DebugName)
	}
	st.ContainerSpec.Store(tc, cont, value)
}

// AttrContainerSpec is a container whose value lives in one attribute of
// the container object.
type AttrContainerSpec struct {
	Class     Ref
	Attribute string
}

func (cs *AttrContainerSpec) Name() string { return "attribute_container" }

func (cs *AttrContainerSpec) Fetch(tc *ThreadContext, cont Ref) Ref {
	o := tc.Object(cont)
	st := tc.STable(o.st)
	return st.REPR.GetAttribute(tc, st, o, cs.Class, cs.Attribute)
}

func (cs *AttrContainerSpec) Store(tc *ThreadContext, cont Ref, value Ref) {
	o := tc.Object(cont)
	st := tc.STable(o.st)
	st.REPR.BindAttribute(tc, st, o, cs.Class, cs.Attribute, value)
}

func (cs *AttrContainerSpec) GCMarkData(tc *ThreadContext, st *STable, wl *Worklist) {
	wl.Add(&cs.Class)
}
