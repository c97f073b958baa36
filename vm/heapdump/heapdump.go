// Package heapdump captures point-in-time snapshots of a runtime heap and
// encodes them as canonical CBOR.
package heapdump

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/chazu/gencollect/vm"
	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("gencollect.heapdump")

// cborEncMode uses canonical options so equal heaps encode identically.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("heapdump: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Record kinds.
const (
	KindObject     = "object"
	KindTypeObject = "type"
	KindSTable     = "stable"
	KindSC         = "sc"
)

// Record describes one live collectable.
type Record struct {
	Ref    uint64   `cbor:"1,keyasint"`
	Region string   `cbor:"2,keyasint"`
	Kind   string   `cbor:"3,keyasint"`
	Repr   string   `cbor:"4,keyasint,omitempty"`
	Name   string   `cbor:"5,keyasint,omitempty"`
	Size   uint32   `cbor:"6,keyasint"`
	Flags  uint32   `cbor:"7,keyasint"`
	Owner  uint32   `cbor:"8,keyasint"`
	Refs   []uint64 `cbor:"9,keyasint,omitempty"`
}

// Totals counts collectables and bytes in one region.
type Totals struct {
	Count int    `cbor:"1,keyasint"`
	Bytes uint64 `cbor:"2,keyasint"`
}

// Snapshot is the state of every live collectable at one instant.
type Snapshot struct {
	TakenAt     int64             `cbor:"1,keyasint"`
	Collections uint64            `cbor:"2,keyasint"`
	Threads     []uint32          `cbor:"3,keyasint"`
	Records     []Record          `cbor:"4,keyasint"`
	Totals      map[string]Totals `cbor:"5,keyasint"`
}

// Take walks every thread's nursery tospace and second generation. The
// instance must be quiescent: no collection running and no other thread
// mutating the heap.
func Take(inst *vm.Instance) *Snapshot {
	tc := inst.MainThread()
	s := &Snapshot{
		TakenAt:     time.Now().UnixNano(),
		Collections: inst.CollectionCount(),
		Totals:      make(map[string]Totals),
	}
	for _, t := range inst.Threads() {
		s.Threads = append(s.Threads, t.ID())
	}

	inst.Walk(func(r vm.Ref, c vm.Collectable) {
		h := c.GCHeader()
		rec := Record{
			Ref:    uint64(r),
			Region: r.Region(),
			Size:   h.Size(),
			Flags:  uint32(h.Flags()),
			Owner:  h.Owner(),
		}
		switch v := c.(type) {
		case *vm.Object:
			rec.Kind = KindObject
			if v.IsTypeObject() {
				rec.Kind = KindTypeObject
			}
			st := tc.STable(v.STableRef())
			rec.Repr = st.REPR.Name()
			rec.Name = st.DebugName
		case *vm.STable:
			rec.Kind = KindSTable
			rec.Repr = v.REPR.Name()
			rec.Name = v.DebugName
		case *vm.SerializationContext:
			rec.Kind = KindSC
			rec.Name = v.Handle
		}
		for _, out := range tc.References(r) {
			rec.Refs = append(rec.Refs, uint64(out))
		}
		s.Records = append(s.Records, rec)

		tot := s.Totals[rec.Region]
		tot.Count++
		tot.Bytes += uint64(rec.Size)
		s.Totals[rec.Region] = tot
	})
	slices.SortFunc(s.Records, func(a, b Record) int { return cmp.Compare(a.Ref, b.Ref) })

	log.Debugf("snapshot after %d collections: %d records over %d threads",
		s.Collections, len(s.Records), len(s.Threads))
	return s
}

// Find returns the record for ref, or nil.
func (s *Snapshot) Find(ref vm.Ref) *Record {
	i, ok := slices.BinarySearchFunc(s.Records, uint64(ref), func(r Record, target uint64) int {
		return cmp.Compare(r.Ref, target)
	})
	if !ok {
		return nil
	}
	return &s.Records[i]
}

// CountByRepr returns the number of records of each representation.
func (s *Snapshot) CountByRepr() map[string]int {
	out := make(map[string]int)
	for _, r := range s.Records {
		if r.Repr != "" {
			out[r.Repr]++
		}
	}
	return out
}

// Marshal serializes a snapshot to CBOR bytes.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a snapshot from CBOR bytes.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("heapdump: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// Encode writes s to w.
func Encode(w io.Writer, s *Snapshot) error {
	if err := cborEncMode.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("heapdump: encode snapshot: %w", err)
	}
	return nil
}

// Decode reads one snapshot from r.
func Decode(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("heapdump: decode snapshot: %w", err)
	}
	return &s, nil
}
