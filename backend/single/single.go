// Package single implements the reference same-process Backend: every
// simulated rank's Data.Switch executes concurrently (one goroutine per
// rank, as a multi-process job would run one OS process per rank), and a
// shared World stands in for the network, routing point-to-point
// messages and rendezvousing reductions between them. It exists for
// tests and for single-machine demos; a real deployment wires in a
// socket- or RDMA-backed Backend instead.
package single

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/syncqueue"
	"github.com/grailbio/laik/action"
	"github.com/grailbio/laik/backend"
	"github.com/grailbio/laik/group"
	"github.com/grailbio/laik/kvstore"
	"github.com/pkg/errors"
)

// lineQueueSize bounds how many messages may be in flight on one
// (sender, receiver) pair before Send blocks — the same backpressure
// role the shardedbam writer's queueSize plays for pending shards.
const lineQueueSize = 64

// World is the shared in-process network every rank's Backend sends
// through: one ordered queue per (sender, receiver) pair, plus a table
// of in-flight reduce rendezvous keyed by the reduction's own shape (so
// independently-issued reductions with distinct ranges/groups never
// collide).
type World struct {
	size int

	mu      sync.Mutex
	lines   map[[2]int]*line
	reduces map[string]*reduceState
}

// NewWorld returns a World wired for size simulated ranks.
func NewWorld(size int) *World {
	return &World{size: size, lines: make(map[[2]int]*line), reduces: make(map[string]*reduceState)}
}

type line struct {
	mu   sync.Mutex
	next int
	q    *syncqueue.OrderedQueue
}

func (w *World) line(from, to int) *line {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := [2]int{from, to}
	l, ok := w.lines[key]
	if !ok {
		l = &line{q: syncqueue.NewOrderedQueue(lineQueueSize)}
		w.lines[key] = l
	}
	return l
}

func (w *World) send(from, to int, buf []byte) error {
	l := w.line(from, to)
	out := make([]byte, len(buf))
	copy(out, buf)
	l.mu.Lock()
	seq := l.next
	l.next++
	l.mu.Unlock()
	return l.q.Insert(seq, out)
}

func (w *World) recv(from, to int) ([]byte, error) {
	l := w.line(from, to)
	item, ok, err := l.q.Next()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("backend/single: line %d->%d closed", from, to)
	}
	return item.([]byte), nil
}

// reduceState is one in-flight collective reduction: InputGroup members
// combine their contribution into acc, then every OutputGroup member
// reads a copy of the final value.
type reduceState struct {
	mu       sync.Mutex
	cond     *sync.Cond
	acc      []byte
	arrived  int
	consumed int
	ready    bool
}

func reduceKey(a action.Action) string {
	return fmt.Sprintf("%d|%v|%d|%v|%v", a.ReduceOp, a.Range, a.Root, a.InputGroup, a.OutputGroup)
}

func (w *World) reduceStateFor(a action.Action) *reduceState {
	key := reduceKey(a)
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.reduces[key]
	if !ok {
		st = &reduceState{}
		st.cond = sync.NewCond(&st.mu)
		w.reduces[key] = st
	}
	return st
}

func (w *World) forgetReduce(a action.Action) {
	w.mu.Lock()
	delete(w.reduces, reduceKey(a))
	w.mu.Unlock()
}

// reduce runs me's part of a (possibly collective, possibly bystander)
// Reduce/GroupReduce action: contribute if me belongs to InputGroup,
// then wait for and deliver the combined value if me belongs to
// OutputGroup. A rank in neither group is a pure bystander (every rank
// in the process group executes the same Reduce action, since it is
// derived identically from the switch's flow regardless of membership)
// and returns immediately without touching the rendezvous at all.
// groupLen is the full process group's size, needed because
// detectAllReduce clears InputGroup/OutputGroup to nil once a reduction
// spans the whole group — in that case every rank participates, and the
// counts below must fall back to groupLen rather than len(nil).
func (w *World) reduce(a action.Action, groupLen int, mappings backend.Mappings, reducer backend.Reducer, elemSize int64) error {
	contributes := a.FromMapNo >= 0
	consumes := a.ToMapNo >= 0
	if !contributes && !consumes {
		return nil
	}

	inputCount := len(a.InputGroup)
	if a.InputGroup == nil {
		inputCount = groupLen
	}
	outputCount := len(a.OutputGroup)
	if a.OutputGroup == nil {
		outputCount = groupLen
	}

	st := w.reduceStateFor(a)
	n := int64(a.Range.Size()) * elemSize

	if contributes {
		contrib := mappings.Pack(a.FromMapNo, a.Range)
		st.mu.Lock()
		if st.acc == nil {
			st.acc = make([]byte, n)
			reducer.Init(st.acc, a.ReduceOp)
		}
		reducer.Reduce(st.acc, contrib, a.ReduceOp)
		st.arrived++
		if st.arrived == inputCount {
			st.ready = true
			st.cond.Broadcast()
		}
		st.mu.Unlock()
	}

	if !consumes {
		return nil
	}

	st.mu.Lock()
	for !st.ready {
		st.cond.Wait()
	}
	out := make([]byte, len(st.acc))
	copy(out, st.acc)
	st.consumed++
	done := st.consumed == outputCount
	st.mu.Unlock()

	mappings.Unpack(a.ToMapNo, a.Range, out)
	if done {
		w.forgetReduce(a)
	}
	return nil
}

// Backend is the World-backed backend.Backend for one simulated rank.
type Backend struct {
	World *World
	Me    int
}

var _ backend.Backend = (*Backend)(nil)

// New returns a Backend for rank me sharing w with every other rank's
// Backend.
func New(w *World, me int) *Backend {
	return &Backend{World: w, Me: me}
}

// Finalize implements backend.Backend.
func (b *Backend) Finalize() error { return nil }

// Prepare implements backend.Backend. This backend needs no
// preparation: every action carries everything Exec needs already.
func (b *Backend) Prepare(seq *action.Sequence) error { return nil }

// Cleanup implements backend.Backend.
func (b *Backend) Cleanup(seq *action.Sequence) {}

// Exec implements backend.Backend: it walks seq's actions in the order
// Optimize left them (already phase-sorted for deadlock avoidance) and
// applies each one against mappings/reducer, blocking on Recv and on a
// reduction's rendezvous as needed. scratch holds in-flight BufID
// payloads; its lifetime mirrors allocateBuffers' free-list discipline
// (a consuming action deletes its entry once read).
func (b *Backend) Exec(seq *action.Sequence, mappings backend.Mappings, reducer backend.Reducer, elemSize int64) error {
	scratch := make(map[int][]byte)
	for _, a := range seq.Actions() {
		if err := b.execOne(a, seq.GroupLen, mappings, reducer, elemSize, scratch); err != nil {
			return errors.Wrapf(err, "backend/single: rank %d: %s", b.Me, a)
		}
	}
	return nil
}

func (b *Backend) execOne(a action.Action, groupLen int, mappings backend.Mappings, reducer backend.Reducer, elemSize int64, scratch map[int][]byte) error {
	switch a.Op {
	case action.Nop:
		return nil

	case action.BufInit:
		tmp := make([]byte, a.Range.Size()*elemSize)
		reducer.Init(tmp, a.ReduceOp)
		mappings.Unpack(a.ToMapNo, a.Range, tmp)
		return nil

	case action.BufCopy:
		buf := mappings.Pack(a.FromMapNo, a.Range)
		mappings.Unpack(a.ToMapNo, a.Range, buf)
		return nil

	case action.PackToBuf:
		scratch[a.BufID] = mappings.Pack(a.FromMapNo, a.Range)
		return nil

	case action.UnpackFromBuf:
		buf := scratch[a.BufID]
		delete(scratch, a.BufID)
		mappings.Unpack(a.ToMapNo, a.Range, buf)
		return nil

	case action.BufReserve:
		scratch[a.BufID] = make([]byte, a.Range.Size()*elemSize)
		return nil

	case action.BufSend, action.RBufSend:
		buf := scratch[a.BufID]
		delete(scratch, a.BufID)
		return b.World.send(b.Me, a.Peer, buf)

	case action.BufRecv, action.RBufRecv:
		buf, err := b.World.recv(a.Peer, b.Me)
		if err != nil {
			return err
		}
		scratch[a.BufID] = buf
		return nil

	case action.MapSend:
		return b.World.send(b.Me, a.Peer, mappings.SliceFrom(a.FromMapNo, a.Range))

	case action.PackAndSend, action.MapPackAndSend:
		return b.World.send(b.Me, a.Peer, mappings.Pack(a.FromMapNo, a.Range))

	case action.MapRecv:
		buf, err := b.World.recv(a.Peer, b.Me)
		if err != nil {
			return err
		}
		flat := mappings.SliceTo(a.ToMapNo, a.Range)
		copy(flat, buf)
		return nil

	case action.RecvAndUnpack, action.MapRecvAndUnpack:
		buf, err := b.World.recv(a.Peer, b.Me)
		if err != nil {
			return err
		}
		mappings.Unpack(a.ToMapNo, a.Range, buf)
		return nil

	case action.Reduce, action.GroupReduce:
		return b.World.reduce(a, groupLen, mappings, reducer, elemSize)

	case action.RBufLocalReduce:
		buf := scratch[a.BufID]
		delete(scratch, a.BufID)
		dst := mappings.SliceTo(a.ToMapNo, a.Range)
		reducer.Reduce(dst, buf, a.ReduceOp)
		return nil

	default:
		return errors.Errorf("backend/single: unhandled opcode %s", a.Op)
	}
}

// UpdateGroup implements backend.Backend. The in-process World needs no
// per-group transport state (its lines are addressed by raw rank
// number, not by group membership), so this is a no-op.
func (b *Backend) UpdateGroup(g *group.Group) error { return nil }

// EliminateNodes implements backend.Backend. No per-group transport
// state to drop; see UpdateGroup.
func (b *Backend) EliminateNodes(old, new *group.Group, statuses []bool) error { return nil }

// Sync implements backend.Backend by delegating straight to store's own
// Sync: every rank in a same-process job shares one MemStore instance,
// so there is no real exchange to broker here beyond what MemStore
// already does for itself.
func (b *Backend) Sync(ctx context.Context, store kvstore.Store) error {
	return store.Sync(ctx)
}

// Resize implements backend.Backend. This backend's rank count is fixed
// at construction (one Backend per simulated rank, all sharing one
// World); elastic resize has nowhere to get a new process from.
func (b *Backend) Resize(requests []int) (*group.Group, error) {
	return nil, errors.New("backend/single: Resize is not supported")
}

// FinishResize implements backend.Backend.
func (b *Backend) FinishResize() error {
	return errors.New("backend/single: Resize is not supported")
}
