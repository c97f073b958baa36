package vm

// Built-in representation names.
const (
	ReprVMArray        = "VMArray"
	ReprVMHash         = "VMHash"
	ReprP6int          = "P6int"
	ReprP6num          = "P6num"
	ReprP6str          = "P6str"
	ReprP6opaque       = "P6opaque"
	ReprKnowHOW        = "KnowHOWREPR"
	ReprUninstantiable = "Uninstantiable"
	ReprMVMCode        = "MVMCode"
	ReprOSHandle       = "OSHandle"
)

func registerBuiltinREPRs(rr *ReprRegistry) {
	rr.Register(&arrayREPR{BaseREPR: NewBaseREPR(ReprVMArray)})
	rr.Register(&hashREPR{BaseREPR: NewBaseREPR(ReprVMHash)})
	rr.Register(&intREPR{BaseREPR: NewBaseREPR(ReprP6int)})
	rr.Register(&numREPR{BaseREPR: NewBaseREPR(ReprP6num)})
	rr.Register(&strREPR{BaseREPR: NewBaseREPR(ReprP6str)})
	rr.Register(&opaqueREPR{BaseREPR: NewBaseREPR(ReprP6opaque)})
	rr.Register(&knowHOWREPR{BaseREPR: NewBaseREPR(ReprKnowHOW)})
	rr.Register(&uninstantiableREPR{BaseREPR: NewBaseREPR(ReprUninstantiable)})
	rr.Register(&codeREPR{BaseREPR: NewBaseREPR(ReprMVMCode)})
	rr.Register(&handleREPR{BaseREPR: NewBaseREPR(ReprOSHandle)})
}

// ---------------------------------------------------------------------------
// VMArray
// ---------------------------------------------------------------------------

// ArrayBody is the storage of a VMArray instance.
type ArrayBody struct {
	Slots []Ref
}

type arrayREPR struct {
	BaseREPR
}

func arrayBody(obj *Object) *ArrayBody {
	b, ok := obj.Body.(*ArrayBody)
	if !ok {
		Panic("VMArray operation on an object without array storage")
	}
	return b
}

func (r *arrayREPR) TypeObject(tc *ThreadContext, how Ref) Ref {
	return tc.NewType(r, how, r.Name())
}

func (r *arrayREPR) Allocate(tc *ThreadContext, st *STable) Ref {
	return tc.AllocateObject(st, &ArrayBody{})
}

func (r *arrayREPR) CopyTo(tc *ThreadContext, st *STable, src, dest *Object) {
	s := arrayBody(src)
	dest.Body = &ArrayBody{Slots: append([]Ref(nil), s.Slots...)}
	for _, v := range s.Slots {
		tc.WriteBarrier(dest, v)
	}
}

func (r *arrayREPR) GCMark(tc *ThreadContext, st *STable, body Body, wl *Worklist) {
	b := body.(*ArrayBody)
	for i := range b.Slots {
		wl.Add(&b.Slots[i])
	}
}

func (r *arrayREPR) GCFree(tc *ThreadContext, obj *Object) {
	if b, ok := obj.Body.(*ArrayBody); ok {
		b.Slots = nil
	}
}

// index normalizes a possibly negative index. ok is false when it is out
// of range on the low side.
func (r *arrayREPR) index(b *ArrayBody, index int64) (int, bool) {
	if index < 0 {
		index += int64(len(b.Slots))
		if index < 0 {
			return 0, false
		}
	}
	return int(index), true
}

func (r *arrayREPR) AtPos(tc *ThreadContext, st *STable, obj *Object, index int64) Ref {
	b := arrayBody(obj)
	i, ok := r.index(b, index)
	if !ok || i >= len(b.Slots) {
		return Nil
	}
	return b.Slots[i]
}

func (r *arrayREPR) BindPos(tc *ThreadContext, st *STable, obj *Object, index int64, value Ref) {
	b := arrayBody(obj)
	i, ok := r.index(b, index)
	if !ok {
		Panic("VMArray index %d out of range", index)
	}
	if i >= len(b.Slots) {
		b.Slots = append(b.Slots, make([]Ref, i+1-len(b.Slots))...)
	}
	tc.BindRef(obj, &b.Slots[i], value)
}

func (r *arrayREPR) Elems(tc *ThreadContext, st *STable, obj *Object) int64 {
	return int64(len(arrayBody(obj).Slots))
}

func (r *arrayREPR) SetElems(tc *ThreadContext, st *STable, obj *Object, n int64) {
	if n < 0 {
		Panic("cannot set VMArray size to %d", n)
	}
	b := arrayBody(obj)
	if int(n) <= len(b.Slots) {
		clear(b.Slots[n:])
		b.Slots = b.Slots[:n]
		return
	}
	b.Slots = append(b.Slots, make([]Ref, int(n)-len(b.Slots))...)
}

func (r *arrayREPR) Push(tc *ThreadContext, st *STable, obj *Object, value Ref) {
	b := arrayBody(obj)
	tc.WriteBarrier(obj, value)
	b.Slots = append(b.Slots, value)
}

func (r *arrayREPR) Pop(tc *ThreadContext, st *STable, obj *Object) Ref {
	b := arrayBody(obj)
	n := len(b.Slots)
	if n == 0 {
		Panic("cannot pop from an empty VMArray")
	}
	v := b.Slots[n-1]
	b.Slots[n-1] = Nil
	b.Slots = b.Slots[:n-1]
	return v
}

func (r *arrayREPR) Unshift(tc *ThreadContext, st *STable, obj *Object, value Ref) {
	b := arrayBody(obj)
	tc.WriteBarrier(obj, value)
	b.Slots = append(b.Slots, Nil)
	copy(b.Slots[1:], b.Slots)
	b.Slots[0] = value
}

func (r *arrayREPR) Shift(tc *ThreadContext, st *STable, obj *Object) Ref {
	b := arrayBody(obj)
	if len(b.Slots) == 0 {
		Panic("cannot shift from an empty VMArray")
	}
	v := b.Slots[0]
	b.Slots[0] = Nil
	b.Slots = b.Slots[1:]
	return v
}

// ---------------------------------------------------------------------------
// VMHash
// ---------------------------------------------------------------------------

// HashBody is the storage of a VMHash instance. Values are boxed so the
// collector can rewrite them in place.
type HashBody struct {
	Entries map[string]*Ref
}

type hashREPR struct {
	BaseREPR
}

func hashBody(obj *Object) *HashBody {
	b, ok := obj.Body.(*HashBody)
	if !ok {
		Panic("VMHash operation on an object without hash storage")
	}
	return b
}

func (r *hashREPR) TypeObject(tc *ThreadContext, how Ref) Ref {
	return tc.NewType(r, how, r.Name())
}

func (r *hashREPR) Allocate(tc *ThreadContext, st *STable) Ref {
	return tc.AllocateObject(st, &HashBody{Entries: make(map[string]*Ref)})
}

func (r *hashREPR) CopyTo(tc *ThreadContext, st *STable, src, dest *Object) {
	s := hashBody(src)
	d := &HashBody{Entries: make(map[string]*Ref, len(s.Entries))}
	for k, v := range s.Entries {
		val := *v
		tc.WriteBarrier(dest, val)
		d.Entries[k] = &val
	}
	dest.Body = d
}

func (r *hashREPR) GCMark(tc *ThreadContext, st *STable, body Body, wl *Worklist) {
	for _, slot := range body.(*HashBody).Entries {
		wl.Add(slot)
	}
}

func (r *hashREPR) GCFree(tc *ThreadContext, obj *Object) {
	if b, ok := obj.Body.(*HashBody); ok {
		b.Entries = nil
	}
}

func (r *hashREPR) AtKey(tc *ThreadContext, st *STable, obj *Object, key string) Ref {
	if slot, ok := hashBody(obj).Entries[key]; ok {
		return *slot
	}
	return Nil
}

func (r *hashREPR) BindKey(tc *ThreadContext, st *STable, obj *Object, key string, value Ref) {
	b := hashBody(obj)
	slot, ok := b.Entries[key]
	if !ok {
		slot = new(Ref)
		b.Entries[key] = slot
	}
	tc.BindRef(obj, slot, value)
}

func (r *hashREPR) ExistsKey(tc *ThreadContext, st *STable, obj *Object, key string) bool {
	_, ok := hashBody(obj).Entries[key]
	return ok
}

func (r *hashREPR) DeleteKey(tc *ThreadContext, st *STable, obj *Object, key string) {
	delete(hashBody(obj).Entries, key)
}

func (r *hashREPR) Elems(tc *ThreadContext, st *STable, obj *Object) int64 {
	return int64(len(hashBody(obj).Entries))
}
