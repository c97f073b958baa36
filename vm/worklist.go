package vm

// ---------------------------------------------------------------------------
// Worklist: reference slots and frames awaiting processing
// ---------------------------------------------------------------------------

// Worklist holds addresses of reference slots, not the referents, so the
// slot can be rewritten in place when its referent moves. Frames travel on
// a separate queue because their register files are interpreted with the
// static frame's type map.
type Worklist struct {
	items  []*Ref
	frames []*Frame

	// includeGen2 is false during nursery-only passes, where second
	// generation referents are never touched.
	includeGen2 bool
}

const worklistInitial = 256

// NewWorklist creates an empty worklist.
func NewWorklist(includeGen2 bool) *Worklist {
	return &Worklist{
		items:       make([]*Ref, 0, worklistInitial),
		includeGen2: includeGen2,
	}
}

// Add queues slot unless it holds Nil or, in a nursery-only pass, a
// second generation reference.
func (wl *Worklist) Add(slot *Ref) {
	r := *slot
	if r == Nil {
		return
	}
	if !wl.includeGen2 && r.InGen2() {
		return
	}
	wl.items = append(wl.items, slot)
}

// AddFrame queues a frame to be scanned as a unit.
func (wl *Worklist) AddFrame(f *Frame) {
	if f != nil {
		wl.frames = append(wl.frames, f)
	}
}

// Get pops the next slot, or returns nil when the queue is empty.
func (wl *Worklist) Get() *Ref {
	n := len(wl.items)
	if n == 0 {
		return nil
	}
	slot := wl.items[n-1]
	wl.items[n-1] = nil
	wl.items = wl.items[:n-1]
	return slot
}

// GetFrame pops the next frame, or returns nil.
func (wl *Worklist) GetFrame() *Frame {
	n := len(wl.frames)
	if n == 0 {
		return nil
	}
	f := wl.frames[n-1]
	wl.frames[n-1] = nil
	wl.frames = wl.frames[:n-1]
	return f
}

// Count returns the number of queued slots.
func (wl *Worklist) Count() int { return len(wl.items) }

// FrameCount returns the number of queued frames.
func (wl *Worklist) FrameCount() int { return len(wl.frames) }

// Empty reports whether both queues are empty.
func (wl *Worklist) Empty() bool { return len(wl.items) == 0 && len(wl.frames) == 0 }

// IncludesGen2 reports whether second generation slots are queued.
func (wl *Worklist) IncludesGen2() bool { return wl.includeGen2 }

func (wl *Worklist) reset(includeGen2 bool) {
	clear(wl.items)
	clear(wl.frames)
	wl.items = wl.items[:0]
	wl.frames = wl.frames[:0]
	wl.includeGen2 = includeGen2
}
