// Package backend defines the transport interface a laik.Instance drives,
// and the small adapter interfaces Exec needs to move bytes without
// depending on the data package's concrete Layout/Mapping types.
package backend

import (
	"context"

	"github.com/grailbio/laik/action"
	"github.com/grailbio/laik/group"
	"github.com/grailbio/laik/kvstore"
	"github.com/grailbio/laik/space"
	"github.com/grailbio/laik/transition"
)

// Mappings gives Exec access to one process's local buffers by MapNo.
// transition.Compute's own convention is that every action's FromMapNo
// addresses a mapping under the transition's OLD (from) partitioning/flow
// and every ToMapNo addresses one under the NEW (to) side; the two
// mapping sets are numbered independently, and a genuine repartition
// can and does hand out the same MapNo to unrelated buffers on each
// side.
// Mappings therefore exposes separate From/To accessors rather than one
// mapNo-keyed lookup, so an implementation backed by two distinct
// mapping sets never has to guess which one a call means.
type Mappings interface {
	// SliceFrom returns the bytes backing r within the OLD mapNo's
	// mapping. r must be contiguous there — action.Lower only emits the
	// opcodes that call SliceFrom (BufCopy, MapSend) for ranges its
	// ContiguityChecker reported as contiguous.
	SliceFrom(mapNo int, r space.Range) []byte
	// SliceTo returns the bytes backing r within the NEW mapNo's
	// mapping, for writing in place (a received value, a local
	// reduce's target). r must be contiguous there.
	SliceTo(mapNo int, r space.Range) []byte
	// Pack copies r out of the OLD mapNo into a freshly allocated
	// buffer, for ranges the ContiguityChecker reported as
	// non-contiguous.
	Pack(mapNo int, r space.Range) []byte
	// Unpack scatters buf (as produced by a Pack, possibly a peer's)
	// into r of the NEW mapNo.
	Unpack(mapNo int, r space.Range, buf []byte)
}

// Reducer applies a reduction op to combine src into dst, and
// initialises a buffer to an op's neutral element. data.Type implements
// this directly.
type Reducer interface {
	Init(buf []byte, op transition.ReduceOp)
	Reduce(dst, src []byte, op transition.ReduceOp)
}

// Backend is the transport a laik.Instance drives. Every method mirrors
// one operation a concrete transport must support.
type Backend interface {
	// Finalize releases process-wide resources the backend holds.
	Finalize() error
	// Prepare may transform seq in place and attach backend-private
	// state ahead of Exec; a backend that needs no preparation may
	// treat this as a no-op.
	Prepare(seq *action.Sequence) error
	// Cleanup releases backend-private state Prepare attached.
	Cleanup(seq *action.Sequence)
	// Exec executes every action in seq against mappings/reducer,
	// blocking until complete. elemSize is the active Data's element
	// size in bytes, needed to size network transfers from a Range.
	Exec(seq *action.Sequence, mappings Mappings, reducer Reducer, elemSize int64) error
	// UpdateGroup computes backend-side state for a derived group (e.g.
	// a sub-communicator).
	UpdateGroup(g *group.Group) error
	// EliminateNodes drops backend-side state for ranks leaving during
	// a fault-handling resize.
	EliminateNodes(old, new *group.Group, statuses []bool) error
	// Sync performs the collective key/value exchange backing the space
	// registry.
	Sync(ctx context.Context, store kvstore.Store) error
	// Resize requests a change to the process group (join/leave);
	// backends that do not support elasticity should return an error.
	Resize(requests []int) (*group.Group, error)
	// FinishResize completes a Resize started earlier.
	FinishResize() error
}
