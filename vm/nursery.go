package vm

import "errors"

// ErrMustCollect is returned by nursery allocation when the request fits
// the nursery but not the space left in the current tospace. It is the
// normal signal to run a collection, not a failure.
var ErrMustCollect = errors.New("nursery exhausted: collection required")

// ---------------------------------------------------------------------------
// Nursery: per-thread semi-space arena
// ---------------------------------------------------------------------------

// Nursery is a pair of equal semi-spaces. Memory is modelled as cells of
// Align bytes; an object occupies the cell at its start offset and the
// cells it covers stay empty. Allocation bumps a byte cursor through the
// current tospace.
type Nursery struct {
	thread uint32
	size   uint32
	halves [2][]Collectable

	to     int
	cursor uint32
	limit  uint32

	// fromCursor is the cursor of the space that became fromspace at the
	// last swap; everything below it is either forwarded or dead.
	fromCursor uint32
}

func newNursery(thread uint32, size uint32) *Nursery {
	size = alignUp(size)
	cells := size / Align
	return &Nursery{
		thread: thread,
		size:   size,
		halves: [2][]Collectable{make([]Collectable, cells), make([]Collectable, cells)},
		limit:  size,
	}
}

// Allocate bump-allocates size bytes from tospace. It returns
// ErrMustCollect when there is not enough room left. A zero-byte request
// or one larger than a whole semi-space is a usage error.
func (n *Nursery) Allocate(size uint32) (Ref, error) {
	if size == 0 {
		Panic("nursery allocation of zero bytes")
	}
	size = alignUp(size)
	if size > n.size {
		Panic("nursery allocation of %d bytes exceeds the nursery size %d", size, n.size)
	}
	if n.limit-n.cursor < size {
		return Nil, ErrMustCollect
	}
	ref := nurseryRef(n.thread, n.to, n.cursor/Align)
	n.cursor += size
	return ref, nil
}

// place installs c at an address returned by Allocate.
func (n *Nursery) place(r Ref, c Collectable) {
	_, half, idx := r.nurseryParts()
	n.halves[half][idx] = c
}

func (n *Nursery) at(half int, idx uint32) Collectable {
	cells := n.halves[half]
	if cells == nil || int(idx) >= len(cells) {
		return nil
	}
	return cells[idx]
}

// swap exchanges fromspace and tospace and resets the cursor to the base
// of the new tospace.
func (n *Nursery) swap() {
	n.fromCursor = n.cursor
	n.to ^= 1
	n.cursor = 0
	n.limit = n.size
}

// Size returns the size of one semi-space.
func (n *Nursery) Size() uint32 { return n.size }

// Used returns the bytes allocated in the current tospace.
func (n *Nursery) Used() uint32 { return n.cursor }

// Free returns the bytes left before a collection is required.
func (n *Nursery) Free() uint32 { return n.limit - n.cursor }

// walk calls fn for every collectable in [base, end) of the given half.
func (n *Nursery) walk(half int, end uint32, fn func(idx uint32, c Collectable)) {
	cells := n.halves[half]
	for idx := uint32(0); idx < end/Align; {
		c := cells[idx]
		if c == nil {
			idx++
			continue
		}
		fn(idx, c)
		idx += c.GCHeader().size / Align
	}
}

// freeFromspace runs fn for every collectable left in fromspace and then
// clears the space, so later allocations start from zeroed memory.
func (n *Nursery) freeFromspace(fn func(c Collectable)) {
	from := n.to ^ 1
	cells := n.halves[from]
	n.walk(from, n.fromCursor, func(idx uint32, c Collectable) {
		fn(c)
		cells[idx] = nil
	})
	n.fromCursor = 0
}

// walkLive calls fn for every collectable in the current tospace.
func (n *Nursery) walkLive(fn func(r Ref, c Collectable)) {
	n.walk(n.to, n.cursor, func(idx uint32, c Collectable) {
		fn(nurseryRef(n.thread, n.to, idx), c)
	})
}

func (n *Nursery) release() {
	n.halves = [2][]Collectable{}
	n.cursor, n.limit, n.fromCursor = 0, 0, 0
}
