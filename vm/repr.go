package vm

import (
	"sync"
)

// ---------------------------------------------------------------------------
// REPR: the per-representation capability table
// ---------------------------------------------------------------------------

// ReprID is the small integer identity assigned at registration.
type ReprID uint32

// BoxedPrimitive names the primitive a representation can box natively.
type BoxedPrimitive uint8

const (
	BoxNone BoxedPrimitive = iota
	BoxInt
	BoxNum
	BoxStr
)

// Capability bits for StorageSpec.CanBox.
const (
	CanBoxInt uint8 = 1 << iota
	CanBoxNum
	CanBoxStr
)

// StorageSpec tells the execution engine how values of a type are stored
// when they appear inside positional or associative storage. Autoboxing is
// driven entirely by this descriptor.
type StorageSpec struct {
	// Inlineable is false for reference-like types stored as a pointer.
	Inlineable     bool
	BoxedPrimitive BoxedPrimitive
	Bits           uint16
	CanBox         uint8
}

// ReferenceSpec is the storage spec of a plain reference type.
var ReferenceSpec = StorageSpec{}

// REPR is the operations table of one representation. Implementations
// embed BaseREPR, which supplies the defaults: every operation raises a
// fatal "unsupported" error, except the GC hooks, which do nothing.
type REPR interface {
	ID() ReprID
	Name() string
	bindID(id ReprID)

	// Lifecycle.
	TypeObject(tc *ThreadContext, how Ref) Ref
	Allocate(tc *ThreadContext, st *STable) Ref
	Initialize(tc *ThreadContext, st *STable, obj Ref)
	CopyTo(tc *ThreadContext, st *STable, src, dest *Object)
	Compose(tc *ThreadContext, st *STable, info any)
	StorageSpec(tc *ThreadContext, st *STable) StorageSpec

	// Collector hooks.
	GCMark(tc *ThreadContext, st *STable, body Body, wl *Worklist)
	GCFree(tc *ThreadContext, obj *Object)
	GCMarkReprData(tc *ThreadContext, st *STable, wl *Worklist)
	GCFreeReprData(tc *ThreadContext, st *STable)

	// Boxing.
	SetInt(tc *ThreadContext, st *STable, obj *Object, v int64)
	GetInt(tc *ThreadContext, st *STable, obj *Object) int64
	SetNum(tc *ThreadContext, st *STable, obj *Object, v float64)
	GetNum(tc *ThreadContext, st *STable, obj *Object) float64
	SetStr(tc *ThreadContext, st *STable, obj *Object, v string)
	GetStr(tc *ThreadContext, st *STable, obj *Object) string

	// Positional access.
	AtPos(tc *ThreadContext, st *STable, obj *Object, index int64) Ref
	BindPos(tc *ThreadContext, st *STable, obj *Object, index int64, value Ref)
	Elems(tc *ThreadContext, st *STable, obj *Object) int64
	SetElems(tc *ThreadContext, st *STable, obj *Object, n int64)
	Push(tc *ThreadContext, st *STable, obj *Object, value Ref)
	Pop(tc *ThreadContext, st *STable, obj *Object) Ref
	Unshift(tc *ThreadContext, st *STable, obj *Object, value Ref)
	Shift(tc *ThreadContext, st *STable, obj *Object) Ref

	// Associative access.
	AtKey(tc *ThreadContext, st *STable, obj *Object, key string) Ref
	BindKey(tc *ThreadContext, st *STable, obj *Object, key string, value Ref)
	ExistsKey(tc *ThreadContext, st *STable, obj *Object, key string) bool
	DeleteKey(tc *ThreadContext, st *STable, obj *Object, key string)

	// Attribute access.
	GetAttribute(tc *ThreadContext, st *STable, obj *Object, class Ref, name string) Ref
	BindAttribute(tc *ThreadContext, st *STable, obj *Object, class Ref, name string, value Ref)
}

// fixedSizeREPR is implemented by representations whose instances all
// have the same size. The size is set when the STable is created.
type fixedSizeREPR interface {
	fixedInstanceSize() uint32
}

// BaseREPR provides the default operations. Embed it and override what
// the representation supports.
type BaseREPR struct {
	id   ReprID
	name string
}

// NewBaseREPR returns a BaseREPR for the named representation.
func NewBaseREPR(name string) BaseREPR {
	return BaseREPR{name: name}
}

func (b *BaseREPR) ID() ReprID       { return b.id }
func (b *BaseREPR) Name() string     { return b.name }
func (b *BaseREPR) bindID(id ReprID) { b.id = id }

func (b *BaseREPR) unsupported(op string) {
	Panic("operation %s unsupported for representation %s", op, b.name)
}

func (b *BaseREPR) TypeObject(tc *ThreadContext, how Ref) Ref {
	b.unsupported("type_object_for")
	return Nil
}

func (b *BaseREPR) Allocate(tc *ThreadContext, st *STable) Ref {
	b.unsupported("allocate")
	return Nil
}

// Initialize does nothing by default; most representations are fully set
// up by a zeroed allocation.
func (b *BaseREPR) Initialize(tc *ThreadContext, st *STable, obj Ref) {}

func (b *BaseREPR) CopyTo(tc *ThreadContext, st *STable, src, dest *Object) {
	b.unsupported("copy_to")
}

func (b *BaseREPR) Compose(tc *ThreadContext, st *STable, info any) {
	b.unsupported("compose")
}

func (b *BaseREPR) StorageSpec(tc *ThreadContext, st *STable) StorageSpec {
	return ReferenceSpec
}

func (b *BaseREPR) GCMark(tc *ThreadContext, st *STable, body Body, wl *Worklist) {}
func (b *BaseREPR) GCFree(tc *ThreadContext, obj *Object)                           {}
func (b *BaseREPR) GCMarkReprData(tc *ThreadContext, st *STable, wl *Worklist)      {}
func (b *BaseREPR) GCFreeReprData(tc *ThreadContext, st *STable)                    {}

func (b *BaseREPR) SetInt(tc *ThreadContext, st *STable, obj *Object, v int64) {
	b.unsupported("set_int")
}

func (b *BaseREPR) GetInt(tc *ThreadContext, st *STable, obj *Object) int64 {
	b.unsupported("get_int")
	return 0
}

func (b *BaseREPR) SetNum(tc *ThreadContext, st *STable, obj *Object, v float64) {
	b.unsupported("set_num")
}

func (b *BaseREPR) GetNum(tc *ThreadContext, st *STable, obj *Object) float64 {
	b.unsupported("get_num")
	return 0
}

func (b *BaseREPR) SetStr(tc *ThreadContext, st *STable, obj *Object, v string) {
	b.unsupported("set_str")
}

func (b *BaseREPR) GetStr(tc *ThreadContext, st *STable, obj *Object) string {
	b.unsupported("get_str")
	return ""
}

func (b *BaseREPR) AtPos(tc *ThreadContext, st *STable, obj *Object, index int64) Ref {
	b.unsupported("at_pos")
	return Nil
}

func (b *BaseREPR) BindPos(tc *ThreadContext, st *STable, obj *Object, index int64, value Ref) {
	b.unsupported("bind_pos")
}

func (b *BaseREPR) Elems(tc *ThreadContext, st *STable, obj *Object) int64 {
	b.unsupported("elems")
	return 0
}

func (b *BaseREPR) SetElems(tc *ThreadContext, st *STable, obj *Object, n int64) {
	b.unsupported("set_elems")
}

func (b *BaseREPR) Push(tc *ThreadContext, st *STable, obj *Object, value Ref) {
	b.unsupported("push")
}

func (b *BaseREPR) Pop(tc *ThreadContext, st *STable, obj *Object) Ref {
	b.unsupported("pop")
	return Nil
}

func (b *BaseREPR) Unshift(tc *ThreadContext, st *STable, obj *Object, value Ref) {
	b.unsupported("unshift")
}

func (b *BaseREPR) Shift(tc *ThreadContext, st *STable, obj *Object) Ref {
	b.unsupported("shift")
	return Nil
}

func (b *BaseREPR) AtKey(tc *ThreadContext, st *STable, obj *Object, key string) Ref {
	b.unsupported("at_key")
	return Nil
}

func (b *BaseREPR) BindKey(tc *ThreadContext, st *STable, obj *Object, key string, value Ref) {
	b.unsupported("bind_key")
}

func (b *BaseREPR) ExistsKey(tc *ThreadContext, st *STable, obj *Object, key string) bool {
	b.unsupported("exists_key")
	return false
}

func (b *BaseREPR) DeleteKey(tc *ThreadContext, st *STable, obj *Object, key string) {
	b.unsupported("delete_key")
}

func (b *BaseREPR) GetAttribute(tc *ThreadContext, st *STable, obj *Object, class Ref, name string) Ref {
	b.unsupported("get_attribute")
	return Nil
}

func (b *BaseREPR) BindAttribute(tc *ThreadContext, st *STable, obj *Object, class Ref, name string, value Ref) {
	b.unsupported("bind_attribute")
}

// ---------------------------------------------------------------------------
// Representation registry
// ---------------------------------------------------------------------------

// ReprRegistry maps names and IDs to representations. Registration is
// guarded by a mutex; the first registration of a name wins.
type ReprRegistry struct {
	mu     sync.RWMutex
	byName map[string]REPR
	byID   []REPR
}

// NewReprRegistry creates an empty registry.
func NewReprRegistry() *ReprRegistry {
	return &ReprRegistry{byName: make(map[string]REPR)}
}

// Register assigns the next ID to r unless a representation with the same
// name (case-significant) is already present, in which case the existing
// one is returned.
func (rr *ReprRegistry) Register(r REPR) REPR {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if existing, ok := rr.byName[r.Name()]; ok {
		return existing
	}
	r.bindID(ReprID(len(rr.byID)))
	rr.byID = append(rr.byID, r)
	rr.byName[r.Name()] = r
	return r
}

// ByName looks up a representation by name.
func (rr *ReprRegistry) ByName(name string) (REPR, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	r, ok := rr.byName[name]
	return r, ok
}

// ByID looks up a representation by ID.
func (rr *ReprRegistry) ByID(id ReprID) (REPR, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	if int(id) >= len(rr.byID) {
		return nil, false
	}
	return rr.byID[id], true
}

// MustByName looks up a representation and treats a miss as a usage error.
func (rr *ReprRegistry) MustByName(name string) REPR {
	r, ok := rr.ByName(name)
	if !ok {
		Panic("no representation named %q", name)
	}
	return r
}

// Names returns registered names in ID order.
func (rr *ReprRegistry) Names() []string {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	names := make([]string, len(rr.byID))
	for i, r := range rr.byID {
		names[i] = r.Name()
	}
	return names
}
