// Package transition computes, for one process, the set of local copies,
// initialisations, sends, receives, and reductions needed to switch a
// Data from one (partitioning, flow) pair to another. Compute is a pure
// function of its arguments: it reads two already-filtered range lists
// and their flows and returns the five disjoint action lists, mirroring
// the compare-two-shard-assignments shape of a BAM shard reassignment
// decision, generalised from "move or keep a read" to "copy, send, recv,
// reduce, or initialise a range".
package transition

import (
	"fmt"
	"sort"

	"github.com/grailbio/laik/group"
	"github.com/grailbio/laik/rangelist"
	"github.com/grailbio/laik/space"
)

// Local is a range this process must copy between its old and new
// mapping because it owned it both under the old flow, which wrote it
// (CopyOut), and under the new flow, which reads it (CopyIn).
type Local struct {
	Range              space.Range
	FromMapNo, ToMapNo int
}

// InitEntry is a range this process must initialise to op's neutral
// element before any reduction writes into it.
type InitEntry struct {
	Range space.Range
	Op    ReduceOp
	MapNo int
}

// Send is a range this process must transmit to a remote tid.
type Send struct {
	Range     space.Range
	To        int
	FromMapNo int
}

// Recv is a range this process must receive from a remote tid.
type Recv struct {
	Range   space.Range
	From    int
	ToMapNo int
}

// Reduce is a range under active reduction that must be combined across
// InputGroup and delivered to OutputGroup (or broadcast to everyone if
// Root is -1). FromMapNo is this process's local mapping holding its
// contribution (meaningful only if this process is in InputGroup);
// ToMapNo is this process's local mapping that receives the combined
// result (meaningful only if this process is in OutputGroup). A process
// may be in one group, the other, both, or neither.
type Reduce struct {
	Range       space.Range
	Op          ReduceOp
	InputGroup  []int
	OutputGroup []int
	Root        int // -1 means all-reduce
	FromMapNo   int
	ToMapNo     int
}

// Transition is the five disjoint action lists Compute produces for one
// process.
type Transition struct {
	Init  []InitEntry
	Local []Local
	Send  []Send
	Recv  []Recv
	Red   []Reduce
}

func (t *Transition) empty() bool {
	return len(t.Init) == 0 && len(t.Local) == 0 && len(t.Send) == 0 && len(t.Recv) == 0 && len(t.Red) == 0
}

// Compute derives the Transition for process me in group g over space sp,
// switching from (from, fromFlow) to (to, toFlow). Either partitioning's
// range list may be nil, meaning "no partitioning" (e.g. the first
// switch onto freshly allocated data has no from side).
//
// Compute panics on any violated precondition: me out of [-1, g.Size()),
// a range list whose entries do not fit inside sp, or toFlow having
// CopyIn while fromFlow has neither CopyOut nor ReduceOut.
func Compute(me int, g *group.Group, sp *space.Space, from *rangelist.List, fromFlow Flow, to *rangelist.List, toFlow Flow) *Transition {
	if me < -1 || me >= g.Size() {
		panic(fmt.Sprintf("transition: rank %d out of range [-1,%d)", me, g.Size()))
	}
	checkFits(from, sp, "from")
	checkFits(to, sp, "to")
	if to != nil && toFlow.IsRead() && !(from != nil && (fromFlow.IsWrite() || fromFlow.IsReduction())) {
		panic("transition: to-flow has CopyIn but from-flow has neither CopyOut nor ReduceOut")
	}

	t := &Transition{}
	if me == -1 {
		return t
	}

	// 1. Init list.
	if to != nil && toFlow.NeedsInit() && !toFlow.IsRead() {
		op := toFlow.ReductionOp()
		for _, e := range to.TaskRanges(me) {
			t.Init = append(t.Init, InitEntry{Range: e.Range, Op: op, MapNo: e.MapNo})
		}
	}

	// 2. Local list.
	if from != nil && to != nil && fromFlow.IsWrite() && toFlow.IsRead() && !fromFlow.IsReduction() {
		for _, f := range from.TaskRanges(me) {
			for _, d := range to.TaskRanges(me) {
				if x := f.Range.Intersect(d.Range); !x.IsEmpty() {
					t.Local = append(t.Local, Local{Range: x, FromMapNo: f.MapNo, ToMapNo: d.MapNo})
				}
			}
		}
	}

	// 3. Reduce list.
	if from != nil && to != nil && fromFlow.IsReduction() && toFlow.IsRead() {
		t.Red = computeReduce(me, sp, g, from, to, fromFlow)
	}

	// 4. Send list.
	if from != nil && to != nil && fromFlow.IsWrite() {
		for tid := 0; tid < g.Size(); tid++ {
			if tid == me {
				continue
			}
			for _, f := range from.TaskRanges(me) {
				for _, d := range to.TaskRanges(tid) {
					if x := f.Range.Intersect(d.Range); !x.IsEmpty() {
						t.Send = append(t.Send, Send{Range: x, To: tid, FromMapNo: f.MapNo})
					}
				}
			}
		}
	}

	// 5. Recv list.
	if from != nil && to != nil && toFlow.IsRead() && !fromFlow.IsReduction() {
		for tid := 0; tid < g.Size(); tid++ {
			if tid == me {
				continue
			}
			for _, d := range to.TaskRanges(me) {
				for _, f := range from.TaskRanges(tid) {
					if x := d.Range.Intersect(f.Range); !x.IsEmpty() {
						t.Recv = append(t.Recv, Recv{Range: x, From: tid, ToMapNo: d.MapNo})
					}
				}
			}
		}
	}

	sortActions(t)
	return t
}

func checkFits(list *rangelist.List, sp *space.Space, label string) {
	if list == nil {
		return
	}
	for _, e := range list.All() {
		if !e.Range.ContainedInSpace(sp) {
			panic(fmt.Sprintf("transition: %s-partitioning range %v is not contained in space %v", label, e.Range, sp.FullRange()))
		}
	}
}

// computeReduce implements step 3: from MUST be the full-space variant
// (each contributing tid owns the whole space), the input group is every
// tid with a non-empty from-range, the output group is every tid with a
// non-empty to-range, and the reduced range is whatever the output group
// actually reads (the overlap, not necessarily the whole space). me's own
// FromMapNo/ToMapNo are recorded on the single resulting Reduce entry
// (-1 when me does not belong to the corresponding group), so a backend
// can locate me's local contribution/result buffers without a second
// lookup against from/to.
func computeReduce(me int, sp *space.Space, g *group.Group, from, to *rangelist.List, fromFlow Flow) []Reduce {
	full := sp.FullRange()
	var inputGroup []int
	fromMapNo := -1
	for tid := 0; tid < g.Size(); tid++ {
		ranges := from.TaskRanges(tid)
		if len(ranges) == 0 {
			continue
		}
		if len(ranges) != 1 || !ranges[0].Range.Equal(full) {
			panic(fmt.Sprintf("transition: reduce requires a full-space from-partitioning; tid %d has %v", tid, ranges))
		}
		inputGroup = append(inputGroup, tid)
		if tid == me {
			fromMapNo = ranges[0].MapNo
		}
	}

	var outputGroup []int
	var outputUnion space.Range
	haveUnion := false
	toMapNo := -1
	for tid := 0; tid < g.Size(); tid++ {
		ranges := to.TaskRanges(tid)
		if len(ranges) == 0 {
			continue
		}
		outputGroup = append(outputGroup, tid)
		for _, e := range ranges {
			if !haveUnion {
				outputUnion = e.Range
				haveUnion = true
			} else {
				outputUnion = hull(outputUnion, e.Range)
			}
			if tid == me {
				toMapNo = e.MapNo
			}
		}
	}
	if !haveUnion || len(inputGroup) == 0 {
		return nil
	}

	root := -1
	if len(outputGroup) == 1 {
		root = outputGroup[0]
	}
	return []Reduce{{
		Range:       outputUnion,
		Op:          fromFlow.ReductionOp(),
		InputGroup:  inputGroup,
		OutputGroup: outputGroup,
		Root:        root,
		FromMapNo:   fromMapNo,
		ToMapNo:     toMapNo,
	}}
}

// hull returns the smallest range containing both a and b. computeReduce
// uses it to build the Reduce entry's Range, the extent the reduction
// operates over.
func hull(a, b space.Range) space.Range {
	r := a
	for i := 0; i < a.Dims; i++ {
		if b.From[i] < r.From[i] {
			r.From[i] = b.From[i]
		}
		if b.To[i] > r.To[i] {
			r.To[i] = b.To[i]
		}
	}
	return r
}

func sortActions(t *Transition) {
	sort.Slice(t.Local, func(i, j int) bool {
		if t.Local[i].FromMapNo != t.Local[j].FromMapNo {
			return t.Local[i].FromMapNo < t.Local[j].FromMapNo
		}
		return t.Local[i].Range.Compare(t.Local[j].Range) < 0
	})
	sort.Slice(t.Init, func(i, j int) bool {
		return t.Init[i].Range.Compare(t.Init[j].Range) < 0
	})
	sort.Slice(t.Send, func(i, j int) bool {
		if t.Send[i].To != t.Send[j].To {
			return t.Send[i].To < t.Send[j].To
		}
		if t.Send[i].FromMapNo != t.Send[j].FromMapNo {
			return t.Send[i].FromMapNo < t.Send[j].FromMapNo
		}
		return t.Send[i].Range.Compare(t.Send[j].Range) < 0
	})
	sort.Slice(t.Recv, func(i, j int) bool {
		if t.Recv[i].From != t.Recv[j].From {
			return t.Recv[i].From < t.Recv[j].From
		}
		if t.Recv[i].ToMapNo != t.Recv[j].ToMapNo {
			return t.Recv[i].ToMapNo < t.Recv[j].ToMapNo
		}
		return t.Recv[i].Range.Compare(t.Recv[j].Range) < 0
	})
}
