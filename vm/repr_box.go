package vm

// ---------------------------------------------------------------------------
// Native boxes: P6int, P6num, P6str
// ---------------------------------------------------------------------------

// IntBody, NumBody and StrBody hold a boxed native value.
type (
	IntBody struct{ Value int64 }
	NumBody struct{ Value float64 }
	StrBody struct{ Value string }
)

type intREPR struct{ BaseREPR }

func (r *intREPR) TypeObject(tc *ThreadContext, how Ref) Ref {
	return tc.NewType(r, how, r.Name())
}

func (r *intREPR) fixedInstanceSize() uint32 { return ObjectHeaderSize + 8 }

func (r *intREPR) Allocate(tc *ThreadContext, st *STable) Ref {
	return tc.AllocateObject(st, &IntBody{})
}

func (r *intREPR) CopyTo(tc *ThreadContext, st *STable, src, dest *Object) {
	dest.Body = &IntBody{Value: src.Body.(*IntBody).Value}
}

func (r *intREPR) StorageSpec(tc *ThreadContext, st *STable) StorageSpec {
	return StorageSpec{Inlineable: true, BoxedPrimitive: BoxInt, Bits: 64, CanBox: CanBoxInt}
}

func (r *intREPR) SetInt(tc *ThreadContext, st *STable, obj *Object, v int64) {
	obj.Body.(*IntBody).Value = v
}

func (r *intREPR) GetInt(tc *ThreadContext, st *STable, obj *Object) int64 {
	return obj.Body.(*IntBody).Value
}

type numREPR struct{ BaseREPR }

func (r *numREPR) TypeObject(tc *ThreadContext, how Ref) Ref {
	return tc.NewType(r, how, r.Name())
}

func (r *numREPR) fixedInstanceSize() uint32 { return ObjectHeaderSize + 8 }

func (r *numREPR) Allocate(tc *ThreadContext, st *STable) Ref {
	return tc.AllocateObject(st, &NumBody{})
}

func (r *numREPR) CopyTo(tc *ThreadContext, st *STable, src, dest *Object) {
	dest.Body = &NumBody{Value: src.Body.(*NumBody).Value}
}

func (r *numREPR) StorageSpec(tc *ThreadContext, st *STable) StorageSpec {
	return StorageSpec{Inlineable: true, BoxedPrimitive: BoxNum, Bits: 64, CanBox: CanBoxNum}
}

func (r *numREPR) SetNum(tc *ThreadContext, st *STable, obj *Object, v float64) {
	obj.Body.(*NumBody).Value = v
}

func (r *numREPR) GetNum(tc *ThreadContext, st *STable, obj *Object) float64 {
	return obj.Body.(*NumBody).Value
}

type strREPR struct{ BaseREPR }

func (r *strREPR) TypeObject(tc *ThreadContext, how Ref) Ref {
	return tc.NewType(r, how, r.Name())
}

func (r *strREPR) fixedInstanceSize() uint32 { return ObjectHeaderSize + 16 }

func (r *strREPR) Allocate(tc *ThreadContext, st *STable) Ref {
	return tc.AllocateObject(st, &StrBody{})
}

func (r *strREPR) CopyTo(tc *ThreadContext, st *STable, src, dest *Object) {
	dest.Body = &StrBody{Value: src.Body.(*StrBody).Value}
}

func (r *strREPR) StorageSpec(tc *ThreadContext, st *STable) StorageSpec {
	return StorageSpec{Inlineable: true, BoxedPrimitive: BoxStr, CanBox: CanBoxStr}
}

func (r *strREPR) SetStr(tc *ThreadContext, st *STable, obj *Object, v string) {
	obj.Body.(*StrBody).Value = v
}

func (r *strREPR) GetStr(tc *ThreadContext, st *STable, obj *Object) string {
	return obj.Body.(*StrBody).Value
}

// ---------------------------------------------------------------------------
// Boxing helpers
// ---------------------------------------------------------------------------

// BoxInt allocates an instance of typ holding v.
func (tc *ThreadContext) BoxInt(typ Ref, v int64) Ref {
	r := tc.Allocate(typ)
	o := tc.Object(r)
	st := tc.STable(o.st)
	st.REPR.SetInt(tc, st, o, v)
	return r
}

// BoxNum allocates an instance of typ holding v.
func (tc *ThreadContext) BoxNum(typ Ref, v float64) Ref {
	r := tc.Allocate(typ)
	o := tc.Object(r)
	st := tc.STable(o.st)
	st.REPR.SetNum(tc, st, o, v)
	return r
}

// BoxStr allocates an instance of typ holding v.
func (tc *ThreadContext) BoxStr(typ Ref, v string) Ref {
	r := tc.Allocate(typ)
	o := tc.Object(r)
	st := tc.STable(o.st)
	st.REPR.SetStr(tc, st, o, v)
	return r
}

// UnboxInt reads the native integer held by obj.
func (tc *ThreadContext) UnboxInt(obj Ref) int64 {
	o := tc.Object(obj)
	st := tc.STable(o.st)
	return st.REPR.GetInt(tc, st, o)
}

// UnboxNum reads the native number held by obj.
func (tc *ThreadContext) UnboxNum(obj Ref) float64 {
	o := tc.Object(obj)
	st := tc.STable(o.st)
	return st.REPR.GetNum(tc, st, o)
}

// UnboxStr reads the native string held by obj.
func (tc *ThreadContext) UnboxStr(obj Ref) string {
	o := tc.Object(obj)
	st := tc.STable(o.st)
	return st.REPR.GetStr(tc, st, o)
}
