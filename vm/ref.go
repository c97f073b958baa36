package vm

import "fmt"

// ---------------------------------------------------------------------------
// Ref: arena handle for a collectable
// ---------------------------------------------------------------------------

// Ref names the current location of a collectable. It is an arena handle,
// not a machine address: moving an object during a nursery collection
// rewrites the handle stored in every slot that refers to it.
//
// Layout (high to low bits):
//
//	[63:62] region (0 nil, 1 nursery, 2 gen2 page, 3 gen2 overflow)
//	nursery:  [61:33] thread id, [32] semi-space half, [31:0] cell index
//	gen2:     [61:16] page id, [15:0] slot
//	overflow: [61:0] overflow table index
type Ref uint64

// Nil is the null reference.
const Nil Ref = 0

type region uint8

const (
	regionNone region = iota
	regionNursery
	regionGen2
	regionOverflow
)

const (
	refRegionShift     = 62
	nurseryThreadShift = 33
	nurseryHalfShift   = 32
	nurseryThreadMask  = 1<<29 - 1
	gen2PageShift      = 16
	gen2SlotMask       = 1<<16 - 1
	refPayloadMask     = 1<<62 - 1
)

func nurseryRef(thread uint32, half int, index uint32) Ref {
	return Ref(uint64(regionNursery)<<refRegionShift |
		uint64(thread&nurseryThreadMask)<<nurseryThreadShift |
		uint64(half&1)<<nurseryHalfShift |
		uint64(index))
}

func gen2Ref(page uint32, slot int) Ref {
	return Ref(uint64(regionGen2)<<refRegionShift |
		uint64(page)<<gen2PageShift |
		uint64(slot&gen2SlotMask))
}

func overflowRef(index uint32) Ref {
	return Ref(uint64(regionOverflow)<<refRegionShift | uint64(index))
}

func (r Ref) region() region {
	return region(r >> refRegionShift)
}

// IsNil reports whether r is the null reference.
func (r Ref) IsNil() bool { return r == Nil }

// InNursery reports whether r points into some thread's nursery.
func (r Ref) InNursery() bool { return r.region() == regionNursery }

// InGen2 reports whether r points into the second generation, either a
// size-class page or the overflow table.
func (r Ref) InGen2() bool {
	reg := r.region()
	return reg == regionGen2 || reg == regionOverflow
}

// Region names the area r points into: "nil", "nursery", "gen2" or
// "overflow".
func (r Ref) Region() string {
	switch r.region() {
	case regionNone:
		return "nil"
	case regionNursery:
		return "nursery"
	case regionGen2:
		return "gen2"
	}
	return "overflow"
}

func (r Ref) nurseryParts() (thread uint32, half int, index uint32) {
	return uint32(r>>nurseryThreadShift) & nurseryThreadMask,
		int(r>>nurseryHalfShift) & 1,
		uint32(r)
}

func (r Ref) gen2Parts() (page uint32, slot int) {
	return uint32((r & refPayloadMask) >> gen2PageShift), int(r & gen2SlotMask)
}

func (r Ref) overflowIndex() uint32 {
	return uint32(r & refPayloadMask)
}

func (r Ref) String() string {
	switch r.region() {
	case regionNone:
		return "nil"
	case regionNursery:
		t, h, i := r.nurseryParts()
		return fmt.Sprintf("nursery(t%d/%d+%d)", t, h, i)
	case regionGen2:
		p, s := r.gen2Parts()
		return fmt.Sprintf("gen2(p%d#%d)", p, s)
	default:
		return fmt.Sprintf("overflow(%d)", r.overflowIndex())
	}
}
