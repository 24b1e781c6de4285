package action

import (
	"fmt"

	"github.com/grailbio/laik/space"
	"github.com/grailbio/laik/transition"
)

// Action is one opcode with its payload. Not every field is meaningful for
// every Op; see the per-constant comments in opcode.go.
type Action struct {
	Op    Op
	Round int // monotone round number, assigned by sortRounds
	Phase int // deadlock-avoidance phase, assigned by deadlockAvoidSort; -1 until then

	Range space.Range

	FromMapNo int
	ToMapNo   int
	Peer      int // remote tid, for send/recv-family ops

	BufID int // scratch buffer id, assigned by allocateBuffers; -1 until then

	ReduceOp    transition.ReduceOp
	InputGroup  []int
	OutputGroup []int
	Root        int // -1 means all-reduce
}

func (a Action) String() string {
	return fmt.Sprintf("%s round=%d range=%s", a.Op, a.Round, a.Range)
}

// State is the lifecycle stage of a Sequence.
type State int

const (
	Building State = iota
	Optimising
	Ready
	Executing
)

// Sequence is a compiled, optionally optimised, list of actions for one
// process. A freshly built Sequence is in state Building; Optimize moves it
// through Optimising to Ready. A backend moves a Ready sequence to
// Executing for the duration of a replay and back to Ready afterwards.
// Any change to the partitioning a Sequence was derived from invalidates
// it; callers must rebuild rather than mutate a Ready sequence.
type Sequence struct {
	Me       int
	GroupLen int

	state   State
	actions []Action

	// Stats filled in by the final "calc stats" pass.
	Stats Stats
}

// Stats is the diagnostic output of the final optimiser pass. Bytes sums
// the element counts of the send/recv-family actions' ranges; it is not
// scaled by element size.
type Stats struct {
	Messages   int
	Bytes      int64
	Reductions int
}

// Actions returns the sequence's current action list. Callers must not
// mutate the returned slice.
func (s *Sequence) Actions() []Action { return s.actions }

// State returns the sequence's lifecycle stage.
func (s *Sequence) State() State { return s.state }

// ContiguityChecker reports whether r is laid out contiguously in mapNo's
// memory, so a send/recv of r can skip the pack/unpack step. action has no
// dependency on the data package's Layout type; callers supply this
// predicate instead, keeping the compiler pure and independently testable.
type ContiguityChecker func(mapNo int, r space.Range) bool

// Lower builds a Building-state Sequence from a transition for process me
// in a group of the given size. contiguous reports whether each side of a
// send/recv is a contiguous range in its mapping's current layout.
func Lower(tr *transition.Transition, me, groupLen int, contiguous ContiguityChecker) *Sequence {
	if contiguous == nil {
		contiguous = func(int, space.Range) bool { return true }
	}
	s := &Sequence{Me: me, GroupLen: groupLen, state: Building}

	for _, e := range tr.Init {
		s.actions = append(s.actions, Action{
			Op: BufInit, ToMapNo: e.MapNo, Range: e.Range, ReduceOp: e.Op, BufID: -1, Root: -1,
		})
	}

	for _, l := range tr.Local {
		if contiguous(l.FromMapNo, l.Range) && contiguous(l.ToMapNo, l.Range) {
			s.actions = append(s.actions, Action{
				Op: BufCopy, FromMapNo: l.FromMapNo, ToMapNo: l.ToMapNo, Range: l.Range, BufID: -1, Root: -1,
			})
			continue
		}
		s.actions = append(s.actions,
			Action{Op: PackToBuf, FromMapNo: l.FromMapNo, Range: l.Range, BufID: -1, Root: -1},
			Action{Op: UnpackFromBuf, ToMapNo: l.ToMapNo, Range: l.Range, BufID: -1, Root: -1},
		)
	}

	for _, snd := range tr.Send {
		op := MapPackAndSend
		if contiguous(snd.FromMapNo, snd.Range) {
			op = MapSend
		}
		s.actions = append(s.actions, Action{
			Op: op, FromMapNo: snd.FromMapNo, Peer: snd.To, Range: snd.Range, BufID: -1, Root: -1,
		})
	}

	for _, rcv := range tr.Recv {
		op := MapRecvAndUnpack
		if contiguous(rcv.ToMapNo, rcv.Range) {
			op = MapRecv
		}
		s.actions = append(s.actions, Action{
			Op: op, ToMapNo: rcv.ToMapNo, Peer: rcv.From, Range: rcv.Range, BufID: -1, Root: -1,
		})
	}

	for _, r := range tr.Red {
		s.actions = append(s.actions, Action{
			Op: GroupReduce, Range: r.Range, ReduceOp: r.Op,
			InputGroup: r.InputGroup, OutputGroup: r.OutputGroup, Root: r.Root,
			FromMapNo: r.FromMapNo, ToMapNo: r.ToMapNo, BufID: -1,
		})
	}

	return s
}
