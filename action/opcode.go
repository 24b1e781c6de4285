// Package action compiles a transition.Transition into a sequence of
// backend-executable opcodes and runs a fixed pipeline of optimiser passes
// over it before a backend replays the sequence round by round.
package action

// Op names one action opcode. The comment on each constant states which
// Action fields it reads; fields outside that set are left zero.
type Op int

const (
	// Nop carries no payload. No pass in this package emits it.
	Nop Op = iota

	// BufCopy copies Range from one local mapping to another. Reads
	// FromMapNo, ToMapNo, Range.
	BufCopy
	// PackToBuf packs Range out of FromMapNo into scratch buffer BufID.
	// Reads FromMapNo, BufID, Range.
	PackToBuf
	// UnpackFromBuf unpacks scratch buffer BufID into ToMapNo at Range.
	// Reads BufID, ToMapNo, Range.

	UnpackFromBuf

	// BufSend sends the contents of buffer BufID to Peer. Reads BufID,
	// Peer, Range (for byte count).
	BufSend
	// BufRecv receives into buffer BufID from Peer. Reads BufID, Peer,
	// Range.
	BufRecv
	// RBufSend/RBufRecv are BufSend/BufRecv variants with no committed
	// scratch allocation yet — used before the allocate-buffers pass
	// assigns a real BufID.
	RBufSend
	RBufRecv

	// MapSend sends Range directly out of FromMapNo to Peer, skipping a
	// pack step because the range is contiguous in that mapping's
	// layout. Reads FromMapNo, Peer, Range.
	MapSend
	// MapRecv receives Range directly into ToMapNo from Peer. Reads
	// ToMapNo, Peer, Range.
	MapRecv
	// PackAndSend fuses PackToBuf+BufSend: packs Range out of FromMapNo
	// and sends it to Peer without landing in an addressable BufID.
	PackAndSend
	// RecvAndUnpack fuses BufRecv+UnpackFromBuf.
	RecvAndUnpack
	// MapPackAndSend is PackAndSend for a non-contiguous source range
	// (the layout-aware pack is unavoidable; named distinctly because a
	// backend may special-case the map-aware packer).
	MapPackAndSend
	// MapRecvAndUnpack is RecvAndUnpack for a non-contiguous destination.
	MapRecvAndUnpack

	// BufInit initialises Range in ToMapNo to ReduceOp's neutral element.
	// Reads ToMapNo, ReduceOp, Range.
	BufInit
	// BufReserve reserves scratch space under BufID ahead of first use.
	// No pass in this package emits it.
	BufReserve

	// Reduce performs a reduction of Range across InputGroup and
	// delivers to OutputGroup with Root (-1 for all-reduce). Reads
	// Range, ReduceOp, InputGroup, OutputGroup, Root.
	Reduce
	// GroupReduce is Reduce before detectAllReduce has had a chance to
	// simplify it to Reduce(root=-1); carried as a distinct opcode only
	// so the pass has something to look for and downgrade.
	GroupReduce
	// RBufLocalReduce reduces a locally-held buffer into a mapping
	// in-place. Lower and the optimiser passes do not emit it.
	RBufLocalReduce
)

func (op Op) String() string {
	switch op {
	case Nop:
		return "Nop"
	case BufCopy:
		return "BufCopy"
	case PackToBuf:
		return "PackToBuf"
	case UnpackFromBuf:
		return "UnpackFromBuf"
	case BufSend:
		return "BufSend"
	case BufRecv:
		return "BufRecv"
	case RBufSend:
		return "RBufSend"
	case RBufRecv:
		return "RBufRecv"
	case MapSend:
		return "MapSend"
	case MapRecv:
		return "MapRecv"
	case PackAndSend:
		return "PackAndSend"
	case RecvAndUnpack:
		return "RecvAndUnpack"
	case MapPackAndSend:
		return "MapPackAndSend"
	case MapRecvAndUnpack:
		return "MapRecvAndUnpack"
	case BufInit:
		return "BufInit"
	case BufReserve:
		return "BufReserve"
	case Reduce:
		return "Reduce"
	case GroupReduce:
		return "GroupReduce"
	case RBufLocalReduce:
		return "RBufLocalReduce"
	default:
		return "Op(?)"
	}
}

// isSendFamily and isRecvFamily classify opcodes that carry a remote Peer,
// used by the deadlock-avoidance sort and by combineActions.
func (op Op) isSendFamily() bool {
	switch op {
	case BufSend, RBufSend, MapSend, PackAndSend, MapPackAndSend:
		return true
	default:
		return false
	}
}

func (op Op) isRecvFamily() bool {
	switch op {
	case BufRecv, RBufRecv, MapRecv, RecvAndUnpack, MapRecvAndUnpack:
		return true
	default:
		return false
	}
}

func (op Op) isReduceFamily() bool {
	switch op {
	case Reduce, GroupReduce, RBufLocalReduce:
		return true
	default:
		return false
	}
}

func (op Op) usesBuf() bool {
	switch op {
	case PackToBuf, UnpackFromBuf, BufSend, BufRecv, RBufSend, RBufRecv, BufReserve:
		return true
	default:
		return false
	}
}
