package vm

import "sync/atomic"

// ---------------------------------------------------------------------------
// In-tray: cross-thread hand-off of reference slots
// ---------------------------------------------------------------------------

// passedWork is a batch of reference slots whose referents belong to the
// receiving thread. The sender counts the batch as outstanding until the
// receiver has processed it.
type passedWork struct {
	sender *ThreadContext
	items  []*Ref
	next   *passedWork
}

// inTray is a thread's inbox. Batches arrive on a buffered channel; when
// the channel is full the sender publishes onto a lock-free list instead,
// so sending never blocks. The receiver drains both on its own schedule.
type inTray struct {
	ch       chan *passedWork
	overflow atomic.Pointer[passedWork]
}

func newInTray(depth int) *inTray {
	return &inTray{ch: make(chan *passedWork, depth)}
}

func (t *inTray) push(w *passedWork) {
	select {
	case t.ch <- w:
		return
	default:
	}
	for {
		head := t.overflow.Load()
		w.next = head
		if t.overflow.CompareAndSwap(head, w) {
			return
		}
	}
}

// drain takes every pending batch.
func (t *inTray) drain() []*passedWork {
	var out []*passedWork
	for w := t.overflow.Swap(nil); w != nil; {
		next := w.next
		w.next = nil
		out = append(out, w)
		w = next
	}
	for {
		select {
		case w := <-t.ch:
			out = append(out, w)
		default:
			return out
		}
	}
}

// pending reports whether anything is waiting.
func (t *inTray) pending() bool {
	return len(t.ch) > 0 || t.overflow.Load() != nil
}

// handOff queues slot for the thread that owns its referent.
func (tc *ThreadContext) handOff(owner uint32, slot *Ref) {
	w := tc.outgoing[owner]
	if w == nil {
		w = &passedWork{sender: tc, items: make([]*Ref, 0, tc.inst.opts.InTrayBatchSize)}
		tc.outgoing[owner] = w
	}
	w.items = append(w.items, slot)
	if len(w.items) >= tc.inst.opts.InTrayBatchSize {
		delete(tc.outgoing, owner)
		tc.send(owner, w)
	}
}

func (tc *ThreadContext) send(owner uint32, w *passedWork) {
	target := tc.inst.thread(owner)
	if target == nil {
		Panic("reference handed to unknown thread %d", owner)
	}
	tc.gcSent.Add(1)
	tc.inst.gcInFlight.Add(1)
	tc.counters.batchesSent++
	target.tray.push(w)
}

func (tc *ThreadContext) flushOutgoing() {
	for owner, w := range tc.outgoing {
		delete(tc.outgoing, owner)
		tc.send(owner, w)
	}
}

// processInTrays handles every batch waiting for tc or the threads it has
// stolen, and acknowledges each once its consequences have been drained
// and any resulting hand-offs sent. It reports whether anything was done.
func (tc *ThreadContext) processInTrays() bool {
	did := false
	for _, t := range tc.workSet() {
		for _, w := range t.tray.drain() {
			did = true
			for _, slot := range w.items {
				t.gcwl.Add(slot)
			}
			tc.drain(t)
			w.sender.gcSent.Add(-1)
			tc.inst.gcInFlight.Add(-1)
		}
	}
	return did
}
