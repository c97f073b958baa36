package vm

import (
	"errors"
	"io"
)

// ---------------------------------------------------------------------------
// KnowHOWREPR: the bootstrap meta-object
// ---------------------------------------------------------------------------

// KnowHOWBody is the storage of a meta-object: a method table (VMHash) and
// an attribute list (VMArray).
type KnowHOWBody struct {
	Name       string
	Methods    Ref
	Attributes Ref
}

type knowHOWREPR struct{ BaseREPR }

func (r *knowHOWREPR) TypeObject(tc *ThreadContext, how Ref) Ref {
	return tc.NewType(r, how, r.Name())
}

func (r *knowHOWREPR) fixedInstanceSize() uint32 { return ObjectHeaderSize + 24 }

func (r *knowHOWREPR) Allocate(tc *ThreadContext, st *STable) Ref {
	return tc.AllocateObject(st, &KnowHOWBody{})
}

// Initialize creates the method table and attribute list. Both
// allocations may collect, so every reference involved is rooted.
func (r *knowHOWREPR) Initialize(tc *ThreadContext, st *STable, obj Ref) {
	methods, attrs := Nil, Nil
	tc.PushTempRoot(&obj)
	tc.PushTempRoot(&methods)
	tc.PushTempRoot(&attrs)
	defer tc.PopTempRoots(3)

	methods = tc.New(tc.inst.Boot.Hash)
	attrs = tc.New(tc.inst.Boot.Array)

	o := tc.Object(obj)
	b := o.Body.(*KnowHOWBody)
	tc.BindRef(o, &b.Methods, methods)
	tc.BindRef(o, &b.Attributes, attrs)
}

func (r *knowHOWREPR) CopyTo(tc *ThreadContext, st *STable, src, dest *Object) {
	s := src.Body.(*KnowHOWBody)
	d := &KnowHOWBody{Name: s.Name}
	tc.BindRef(dest, &d.Methods, s.Methods)
	tc.BindRef(dest, &d.Attributes, s.Attributes)
	dest.Body = d
}

func (r *knowHOWREPR) GCMark(tc *ThreadContext, st *STable, body Body, wl *Worklist) {
	b := body.(*KnowHOWBody)
	wl.Add(&b.Methods)
	wl.Add(&b.Attributes)
}

// ---------------------------------------------------------------------------
// Uninstantiable
// ---------------------------------------------------------------------------

// uninstantiableREPR has a type object and nothing else: allocation and
// every other operation are unsupported.
type uninstantiableREPR struct{ BaseREPR }

func (r *uninstantiableREPR) TypeObject(tc *ThreadContext, how Ref) Ref {
	return tc.NewType(r, how, r.Name())
}

// ---------------------------------------------------------------------------
// MVMCode: a code object
// ---------------------------------------------------------------------------

// CodeBody is the storage of a code object: the routine's static frame
// and, for closures, the captured outer frame.
type CodeBody struct {
	Name        string
	StaticFrame *StaticFrame
	Outer       *Frame
}

type codeREPR struct{ BaseREPR }

func (r *codeREPR) TypeObject(tc *ThreadContext, how Ref) Ref {
	return tc.NewType(r, how, r.Name())
}

func (r *codeREPR) fixedInstanceSize() uint32 { return ObjectHeaderSize + 24 }

func (r *codeREPR) Allocate(tc *ThreadContext, st *STable) Ref {
	return tc.AllocateObject(st, &CodeBody{})
}

func (r *codeREPR) CopyTo(tc *ThreadContext, st *STable, src, dest *Object) {
	s := src.Body.(*CodeBody)
	dest.Body = &CodeBody{Name: s.Name, StaticFrame: s.StaticFrame, Outer: s.Outer}
}

func (r *codeREPR) GCMark(tc *ThreadContext, st *STable, body Body, wl *Worklist) {
	b := body.(*CodeBody)
	if b.StaticFrame != nil {
		tc.MarkStaticFrame(b.StaticFrame, wl)
	}
	wl.AddFrame(b.Outer)
}

// holdsFrames reports whether c is a code object with a static frame or a
// captured outer frame.
func holdsFrames(c Collectable) bool {
	obj, ok := c.(*Object)
	if !ok {
		return false
	}
	b, ok := obj.Body.(*CodeBody)
	return ok && (b.StaticFrame != nil || b.Outer != nil)
}

// NewCode allocates a code object for sf closing over outer.
func (tc *ThreadContext) NewCode(sf *StaticFrame, outer *Frame) Ref {
	r := tc.Allocate(tc.inst.Boot.Code)
	b := tc.Object(r).Body.(*CodeBody)
	b.StaticFrame = sf
	b.Outer = outer
	if sf != nil {
		b.Name = sf.Name
	}
	return r
}

// ---------------------------------------------------------------------------
// OSHandle: an external resource
// ---------------------------------------------------------------------------

// HandleBody wraps an external resource. A handle still open when its
// object dies is closed by the collector.
type HandleBody struct {
	Resource io.Closer
	closed   bool
}

// ErrHandleClosed is returned when closing a handle twice.
var ErrHandleClosed = errors.New("handle already closed")

func (h *HandleBody) close() error {
	if h.closed {
		return ErrHandleClosed
	}
	h.closed = true
	if h.Resource == nil {
		return nil
	}
	return h.Resource.Close()
}

type handleREPR struct{ BaseREPR }

func (r *handleREPR) TypeObject(tc *ThreadContext, how Ref) Ref {
	return tc.NewType(r, how, r.Name())
}

func (r *handleREPR) fixedInstanceSize() uint32 { return ObjectHeaderSize + 16 }

func (r *handleREPR) Allocate(tc *ThreadContext, st *STable) Ref {
	return tc.AllocateObject(st, &HandleBody{})
}

func (r *handleREPR) GCFree(tc *ThreadContext, obj *Object) {
	h, ok := obj.Body.(*HandleBody)
	if !ok || h.closed {
		return
	}
	if err := h.close(); err != nil {
		log.Warningf("closing unreachable handle: %s", err)
	}
}

// NewHandle wraps res in a handle object.
func (tc *ThreadContext) NewHandle(res io.Closer) Ref {
	r := tc.Allocate(tc.inst.Boot.Handle)
	tc.Object(r).Body.(*HandleBody).Resource = res
	return r
}

// CloseHandle closes the resource behind a handle object.
func (tc *ThreadContext) CloseHandle(r Ref) error {
	h, ok := tc.Object(r).Body.(*HandleBody)
	if !ok {
		Panic("%s is not a handle", r)
	}
	return h.close()
}
