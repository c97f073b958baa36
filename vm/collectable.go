package vm

import "sync/atomic"

// Flags is the collectable flag bitset.
type Flags uint32

const (
	// FlagConcrete marks an instance as opposed to a type object.
	FlagConcrete Flags = 1 << iota
	// FlagNurserySeen is set once an object has survived one nursery
	// collection; the next survival promotes it.
	FlagNurserySeen
	// FlagSecondGen marks residence in the second generation.
	FlagSecondGen
	// FlagShared marks an object that has been published to other threads.
	FlagShared
	// FlagTypeObject marks a type object (no body).
	FlagTypeObject
	// FlagSTable marks a type descriptor.
	FlagSTable
	// FlagSC marks a serialization context.
	FlagSC
	// FlagInGen2RootList marks a gen2 aggregate already recorded in some
	// thread's inter-generational root list.
	FlagInGen2RootList

	// flagFreePending marks a dead STable queued for deferred freeing.
	flagFreePending
)

// Size constants, in bytes. Sizes only drive allocator accounting; the
// storage itself lives in Go values owned by the arenas.
const (
	Align            = 8
	HeaderSize       = 24
	ObjectHeaderSize = HeaderSize + 8
	STableSize       = 128
	SCSize           = 64
)

func alignUp(n uint32) uint32 {
	return (n + Align - 1) &^ (Align - 1)
}

// Header is carried by every collectable: objects, STables and
// serialization contexts.
//
// forward is Nil until the collectable has been visited in the current
// pass, after which it holds the post-collection location. It is the only
// de-duplication mechanism for graph traversal.
type Header struct {
	flags   uint32
	owner   uint32
	scIdx   uint32
	size    uint32
	forward Ref

	// self is the collectable's current address, kept up to date by
	// every placement.
	self Ref
}

// Collectable is implemented by every heap value.
type Collectable interface {
	GCHeader() *Header
}

// GCHeader returns the header itself.
func (h *Header) GCHeader() *Header { return h }

// Flags returns the current flag set.
func (h *Header) Flags() Flags { return Flags(atomic.LoadUint32(&h.flags)) }

// Has reports whether every flag in f is set.
func (h *Header) Has(f Flags) bool { return h.Flags()&f == f }

func (h *Header) setFlags(f Flags) { atomic.OrUint32(&h.flags, uint32(f)) }

func (h *Header) clearFlags(f Flags) { atomic.AndUint32(&h.flags, ^uint32(f)) }

// trySetFlag sets f and reports whether this call was the one to set it.
func (h *Header) trySetFlag(f Flags) bool {
	return atomic.OrUint32(&h.flags, uint32(f))&uint32(f) == 0
}

// Owner returns the id of the thread that owns the collectable's memory.
func (h *Header) Owner() uint32 { return atomic.LoadUint32(&h.owner) }

func (h *Header) setOwner(id uint32) { atomic.StoreUint32(&h.owner, id) }

// SCIndex returns the serialization context registry index (0 = none).
func (h *Header) SCIndex() uint32 { return h.scIdx }

// Size returns the allocation size in bytes.
func (h *Header) Size() uint32 { return h.size }

// Self returns the collectable's current address.
func (h *Header) Self() Ref { return h.self }

// Forward returns the forwarding reference for the current pass.
func (h *Header) Forward() Ref { return h.forward }

// IsSecondGen reports residence in the second generation.
func (h *Header) IsSecondGen() bool { return h.Has(FlagSecondGen) }

// copyHeader builds the header for a copy of h: same identity bits, no
// forwarding reference.
func copyHeader(h *Header) Header {
	return Header{
		flags: atomic.LoadUint32(&h.flags),
		owner: h.Owner(),
		scIdx: h.scIdx,
		size:  h.size,
	}
}
