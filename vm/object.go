package vm

// Body is representation-owned instance storage.
type Body any

// Object represents a heap-allocated instance or type object.
//
// Objects carry the collectable header, the reference to their STable and
// the representation body. The STable reference is itself a slot the
// collector updates, although STables are born in the second generation
// and so never move.
type Object struct {
	Header
	st   Ref
	Body Body
}

// STableRef returns the reference to the object's type descriptor.
func (o *Object) STableRef() Ref { return o.st }

// IsTypeObject reports whether o is a type object.
func (o *Object) IsTypeObject() bool { return o.Has(FlagTypeObject) }

// IsConcrete reports whether o is an instance.
func (o *Object) IsConcrete() bool { return o.Has(FlagConcrete) }

// ---------------------------------------------------------------------------
// Resolution helpers
// ---------------------------------------------------------------------------

// Deref resolves r to its collectable, or nil for Nil and for handles into
// reclaimed memory.
func (tc *ThreadContext) Deref(r Ref) Collectable {
	return tc.inst.resolve(r)
}

// Object resolves r to an *Object. A handle naming something other than an
// object is a usage error.
func (tc *ThreadContext) Object(r Ref) *Object {
	if r == Nil {
		return nil
	}
	c := tc.inst.resolve(r)
	obj, ok := c.(*Object)
	if !ok {
		Panic("%s does not name an object (got %T)", r, c)
	}
	return obj
}

// STable resolves r to an *STable.
func (tc *ThreadContext) STable(r Ref) *STable {
	c := tc.inst.resolve(r)
	st, ok := c.(*STable)
	if !ok {
		Panic("%s does not name an STable (got %T)", r, c)
	}
	return st
}

// STableOf returns the type descriptor of the object at r.
func (tc *ThreadContext) STableOf(r Ref) *STable {
	return tc.STable(tc.Object(r).st)
}

// REPROf returns the representation of the object at r.
func (tc *ThreadContext) REPROf(r Ref) REPR {
	return tc.STableOf(r).REPR
}

// cloneCollectable makes the copy the collector installs at a new
// location. Bodies are moved, not duplicated: the original becomes
// unreachable once forwarded, exactly as with a raw memory copy.
func cloneCollectable(c Collectable) Collectable {
	switch v := c.(type) {
	case *Object:
		n := &Object{st: v.st, Body: v.Body}
		n.Header = copyHeader(&v.Header)
		return n
	case *STable:
		n := &STable{
			REPR:                     v.REPR,
			ReprData:                 v.ReprData,
			HOW:                      v.HOW,
			WHAT:                     v.WHAT,
			WHO:                      v.WHO,
			MethodCache:              v.MethodCache,
			MethodCacheAuthoritative: v.MethodCacheAuthoritative,
			TypeCheckCache:           v.TypeCheckCache,
			ContainerSpec:            v.ContainerSpec,
			Boolification:            v.Boolification,
			DebugName:                v.DebugName,
			freeQueueID:              v.freeQueueID,
		}
		n.Header = copyHeader(&v.Header)
		n.size.Store(v.size.Load())
		n.sizeFrozen.Store(v.sizeFrozen.Load())
		return n
	case *SerializationContext:
		n := &SerializationContext{
			Handle:      v.Handle,
			Description: v.Description,
			RootObjects: v.RootObjects,
			RootSTables: v.RootSTables,
			idx:         v.idx,
		}
		n.Header = copyHeader(&v.Header)
		return n
	default:
		Panic("cannot copy collectable of type %T", c)
		return nil
	}
}
