package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Size classes
// ---------------------------------------------------------------------------

// sizeClasses builds geometric size buckets up to and including max:
// 16-byte steps while small, then growing by a quarter of the current size
// rounded up to 16 bytes.
func sizeClasses(max uint32) []uint32 {
	var classes []uint32
	size := uint32(16)
	for size < max {
		classes = append(classes, size)
		step := size / 4
		if step < 16 {
			step = 16
		}
		size = (size + step + 15) &^ 15
	}
	return append(classes, max)
}

// ---------------------------------------------------------------------------
// Global page and overflow tables
// ---------------------------------------------------------------------------

// gen2Page is a fixed-capacity run of equally sized slots. Pages are
// numbered globally so a gen2 Ref stays valid when a page changes owner at
// thread teardown.
type gen2Page struct {
	id    uint32
	bin   int
	cells []Collectable
	owner atomic.Uint32
}

type overflowCell struct {
	c     Collectable
	size  uint32
	owner atomic.Uint32
}

// overflowSlot is one entry of the overflow table. Slots are never
// replaced, so a published table stays valid after the table grows.
type overflowSlot struct {
	cell atomic.Pointer[overflowCell]
}

// gen2Heap holds the instance-wide page and overflow tables. Both grow by
// appending under mu and publishing the new slice header; readers load a
// header without locking and only index below its length.
type gen2Heap struct {
	mu           sync.Mutex
	allPages     []*gen2Page
	allOverflow  []*overflowSlot
	freeOverflow []uint32

	pages    atomic.Pointer[[]*gen2Page]
	overflow atomic.Pointer[[]*overflowSlot]
}

func newGen2Heap() *gen2Heap {
	h := &gen2Heap{allPages: make([]*gen2Page, 0, 64)}
	h.publishPages()
	// Index 0 is reserved so an overflow Ref is never all-zero payload.
	h.allOverflow = []*overflowSlot{{}}
	h.publishOverflow()
	return h
}

func (h *gen2Heap) publishPages() {
	pages := h.allPages
	h.pages.Store(&pages)
}

func (h *gen2Heap) publishOverflow() {
	slots := h.allOverflow
	h.overflow.Store(&slots)
}

func (h *gen2Heap) newPage(bin int, items int, owner uint32) *gen2Page {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := &gen2Page{id: uint32(len(h.allPages)), bin: bin, cells: make([]Collectable, items)}
	p.owner.Store(owner)
	h.allPages = append(h.allPages, p)
	h.publishPages()
	return p
}

func (h *gen2Heap) page(id uint32) *gen2Page {
	pages := *h.pages.Load()
	if int(id) >= len(pages) {
		return nil
	}
	return pages[id]
}

// newOverflow stores a fresh cell, reusing a released index when one is
// available.
func (h *gen2Heap) newOverflow(size uint32, owner uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	cell := &overflowCell{size: size}
	cell.owner.Store(owner)
	if n := len(h.freeOverflow); n > 0 {
		idx := h.freeOverflow[n-1]
		h.freeOverflow = h.freeOverflow[:n-1]
		h.allOverflow[idx].cell.Store(cell)
		return idx
	}
	slot := &overflowSlot{}
	slot.cell.Store(cell)
	h.allOverflow = append(h.allOverflow, slot)
	h.publishOverflow()
	return uint32(len(h.allOverflow) - 1)
}

func (h *gen2Heap) overflowCell(idx uint32) *overflowCell {
	slots := *h.overflow.Load()
	if int(idx) >= len(slots) {
		return nil
	}
	return slots[idx].cell.Load()
}

func (h *gen2Heap) releaseOverflow(idx uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.allOverflow[idx].cell.Store(nil)
	h.freeOverflow = append(h.freeOverflow, idx)
}

func (h *gen2Heap) resolve(r Ref) Collectable {
	switch r.region() {
	case regionGen2:
		id, slot := r.gen2Parts()
		p := h.page(id)
		if p == nil || slot >= len(p.cells) {
			return nil
		}
		return p.cells[slot]
	case regionOverflow:
		cell := h.overflowCell(r.overflowIndex())
		if cell == nil {
			return nil
		}
		return cell.c
	}
	return nil
}

func (h *gen2Heap) owner(r Ref) uint32 {
	switch r.region() {
	case regionGen2:
		id, _ := r.gen2Parts()
		if p := h.page(id); p != nil {
			return p.owner.Load()
		}
	case regionOverflow:
		if cell := h.overflowCell(r.overflowIndex()); cell != nil {
			return cell.owner.Load()
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// Gen2Allocator: per-thread second generation
// ---------------------------------------------------------------------------

type gen2Bin struct {
	class uint32
	pages []*gen2Page

	cur  *gen2Page
	next int

	// free is the list of reclaimed slots, popped before bumping.
	free []Ref
}

// Gen2Allocator is a thread's second generation: size-class bins of pages
// plus overflow allocations for requests above the largest bin. Objects
// allocated here never move.
type Gen2Allocator struct {
	heap      *gen2Heap
	owner     uint32
	pageItems int
	classes   []uint32
	bins      []*gen2Bin
	overflow  map[uint32]struct{}
}

func newGen2Allocator(heap *gen2Heap, owner uint32, classes []uint32, pageItems int) *Gen2Allocator {
	g := &Gen2Allocator{
		heap:      heap,
		owner:     owner,
		pageItems: pageItems,
		classes:   classes,
		bins:      make([]*gen2Bin, len(classes)),
		overflow:  make(map[uint32]struct{}),
	}
	for i, c := range classes {
		g.bins[i] = &gen2Bin{class: c}
	}
	return g
}

// binFor returns the smallest bin whose class is at least size, or -1.
func (g *Gen2Allocator) binFor(size uint32) int {
	i := sort.Search(len(g.classes), func(i int) bool { return g.classes[i] >= size })
	if i == len(g.classes) {
		return -1
	}
	return i
}

// Allocate reserves size bytes and returns the address. Reclaimed slots of
// the bin are reused before the current page is bumped, and a new page is
// added only when the current one is exhausted.
func (g *Gen2Allocator) Allocate(size uint32) Ref {
	if size == 0 {
		Panic("gen2 allocation of zero bytes")
	}
	b := g.binFor(size)
	if b < 0 {
		idx := g.heap.newOverflow(size, g.owner)
		g.overflow[idx] = struct{}{}
		return overflowRef(idx)
	}

	bin := g.bins[b]
	if n := len(bin.free); n > 0 {
		r := bin.free[n-1]
		bin.free = bin.free[:n-1]
		return r
	}
	if bin.cur == nil || bin.next == g.pageItems {
		bin.cur = g.heap.newPage(b, g.pageItems, g.owner)
		bin.pages = append(bin.pages, bin.cur)
		bin.next = 0
	}
	r := gen2Ref(bin.cur.id, bin.next)
	bin.next++
	return r
}

// place installs c at an address returned by Allocate.
func (g *Gen2Allocator) place(r Ref, c Collectable) {
	switch r.region() {
	case regionGen2:
		id, slot := r.gen2Parts()
		g.heap.page(id).cells[slot] = c
	case regionOverflow:
		g.heap.overflowCell(r.overflowIndex()).c = c
	default:
		Panic("cannot place collectable at %s", r)
	}
}

// Free releases the slot at r back to its bin's free list, or releases an
// overflow allocation.
func (g *Gen2Allocator) Free(r Ref) {
	switch r.region() {
	case regionGen2:
		id, slot := r.gen2Parts()
		p := g.heap.page(id)
		p.cells[slot] = nil
		bin := g.bins[p.bin]
		bin.free = append(bin.free, r)
	case regionOverflow:
		idx := r.overflowIndex()
		delete(g.overflow, idx)
		g.heap.releaseOverflow(idx)
	default:
		Panic("cannot free %s from the second generation", r)
	}
}

// SizeClass returns the bin class of the slot at r, or the exact size of
// an overflow allocation.
func (g *Gen2Allocator) SizeClass(r Ref) uint32 {
	switch r.region() {
	case regionGen2:
		id, _ := r.gen2Parts()
		return g.classes[g.heap.page(id).bin]
	case regionOverflow:
		return g.heap.overflowCell(r.overflowIndex()).size
	}
	return 0
}

// MaxBinSize returns the largest size served from pages.
func (g *Gen2Allocator) MaxBinSize() uint32 { return g.classes[len(g.classes)-1] }

// PageCount returns the number of pages owned across all bins.
func (g *Gen2Allocator) PageCount() int {
	n := 0
	for _, b := range g.bins {
		n += len(b.pages)
	}
	return n
}

// OverflowCount returns the number of live overflow allocations.
func (g *Gen2Allocator) OverflowCount() int { return len(g.overflow) }

// walk calls fn for every occupied slot.
func (g *Gen2Allocator) walk(fn func(r Ref, c Collectable)) {
	for _, bin := range g.bins {
		for _, p := range bin.pages {
			for slot, c := range p.cells {
				if c != nil {
					fn(gen2Ref(p.id, slot), c)
				}
			}
		}
	}
	for idx := range g.overflow {
		if cell := g.heap.overflowCell(idx); cell != nil && cell.c != nil {
			fn(overflowRef(idx), cell.c)
		}
	}
}

// mergeInto hands every page, free slot and overflow allocation to dst.
// Slots never bumped on a source page become free slots of dst.
func (g *Gen2Allocator) mergeInto(dst *Gen2Allocator) {
	for i, bin := range g.bins {
		dbin := dst.bins[i]
		for _, p := range bin.pages {
			p.owner.Store(dst.owner)
			for _, c := range p.cells {
				if c != nil {
					c.GCHeader().setOwner(dst.owner)
				}
			}
			dbin.pages = append(dbin.pages, p)
		}
		if bin.cur != nil {
			for slot := bin.next; slot < g.pageItems; slot++ {
				dbin.free = append(dbin.free, gen2Ref(bin.cur.id, slot))
			}
		}
		dbin.free = append(dbin.free, bin.free...)
		g.bins[i] = &gen2Bin{class: bin.class}
	}
	for idx := range g.overflow {
		if cell := g.heap.overflowCell(idx); cell != nil {
			cell.owner.Store(dst.owner)
			if cell.c != nil {
				cell.c.GCHeader().setOwner(dst.owner)
			}
		}
		dst.overflow[idx] = struct{}{}
	}
	g.overflow = make(map[uint32]struct{})
}
