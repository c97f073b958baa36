package vm

// ---------------------------------------------------------------------------
// P6opaque: attribute storage with a composed layout
// ---------------------------------------------------------------------------

// Attribute declares one attribute slot: the class that introduced it and
// its name.
type Attribute struct {
	Class Ref
	Name  string
}

// OpaqueLayout is the compose-time description passed to Compose.
type OpaqueLayout struct {
	Attributes []Attribute
}

type attrKey struct {
	class Ref
	name  string
}

// opaqueData is a composed P6opaque STable's private data.
type opaqueData struct {
	attrs []Attribute
	index map[attrKey]int
}

// OpaqueBody is the storage of a P6opaque instance.
type OpaqueBody struct {
	Slots []Ref
}

type opaqueREPR struct{ BaseREPR }

func (r *opaqueREPR) TypeObject(tc *ThreadContext, how Ref) Ref {
	return tc.NewType(r, how, r.Name())
}

func (r *opaqueREPR) layout(st *STable) *opaqueData {
	d, ok := st.ReprData.(*opaqueData)
	if !ok {
		Panic("P6opaque type %s used before composition", st.DebugName)
	}
	return d
}

// Compose fixes the attribute layout and the instance size. info must be
// an OpaqueLayout.
func (r *opaqueREPR) Compose(tc *ThreadContext, st *STable, info any) {
	l, ok := info.(OpaqueLayout)
	if !ok {
		Panic("P6opaque compose expects an OpaqueLayout, got %T", info)
	}
	d := &opaqueData{
		attrs: append([]Attribute(nil), l.Attributes...),
		index: make(map[attrKey]int, len(l.Attributes)),
	}
	for i, a := range d.attrs {
		if a.Class.InNursery() {
			Panic("attribute %s declared by a nursery object; classes must be type objects", a.Name)
		}
		d.index[attrKey{a.Class, a.Name}] = i
	}
	st.SetInstanceSize(ObjectHeaderSize + uint32(len(d.attrs))*8)
	st.ReprData = d
}

func (r *opaqueREPR) Allocate(tc *ThreadContext, st *STable) Ref {
	d := r.layout(st)
	return tc.AllocateObject(st, &OpaqueBody{Slots: make([]Ref, len(d.attrs))})
}

func (r *opaqueREPR) CopyTo(tc *ThreadContext, st *STable, src, dest *Object) {
	s := src.Body.(*OpaqueBody)
	dest.Body = &OpaqueBody{Slots: append([]Ref(nil), s.Slots...)}
	for _, v := range s.Slots {
		tc.WriteBarrier(dest, v)
	}
}

func (r *opaqueREPR) GCMark(tc *ThreadContext, st *STable, body Body, wl *Worklist) {
	b := body.(*OpaqueBody)
	for i := range b.Slots {
		wl.Add(&b.Slots[i])
	}
}

func (r *opaqueREPR) GCMarkReprData(tc *ThreadContext, st *STable, wl *Worklist) {
	d, ok := st.ReprData.(*opaqueData)
	if !ok {
		return
	}
	for i := range d.attrs {
		wl.Add(&d.attrs[i].Class)
	}
}

func (r *opaqueREPR) GCFreeReprData(tc *ThreadContext, st *STable) {
	st.ReprData = nil
}

func (r *opaqueREPR) slot(st *STable, class Ref, name string) int {
	i, ok := r.layout(st).index[attrKey{class, name}]
	if !ok {
		Panic("P6opaque type %s has no attribute %s", st.DebugName, name)
	}
	return i
}

func (r *opaqueREPR) GetAttribute(tc *ThreadContext, st *STable, obj *Object, class Ref, name string) Ref {
	if obj.IsTypeObject() {
		Panic("cannot read attribute %s of a type object", name)
	}
	return obj.Body.(*OpaqueBody).Slots[r.slot(st, class, name)]
}

func (r *opaqueREPR) BindAttribute(tc *ThreadContext, st *STable, obj *Object, class Ref, name string, value Ref) {
	if obj.IsTypeObject() {
		Panic("cannot bind attribute %s of a type object", name)
	}
	b := obj.Body.(*OpaqueBody)
	tc.BindRef(obj, &b.Slots[r.slot(st, class, name)], value)
}
