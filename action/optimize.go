package action

import (
	"os"
	"sort"
)

// Optimize runs the fixed nine-pass pipeline over a Building sequence and
// leaves it Ready. Calling Optimize on anything but a Building sequence
// panics: passes assume they see a sequence exactly once, in order.
func (s *Sequence) Optimize(opts OptimizeOpts) {
	if s.state != Building {
		panic("action: Optimize called on a sequence not in Building state")
	}
	s.state = Optimising

	opts.setDefaults()

	splitTransitionExec(s)
	for flattenPacking(s) {
	}
	if opts.allReduceDetection() {
		detectAllReduce(s)
	}
	for combineActions(s) {
	}
	allocateBuffers(s)
	if opts.ChunkSize > 0 {
		splitReduce(s, opts.ChunkSize)
	}
	sortRounds(s)
	deadlockAvoidSort(s)
	calcStats(s)

	s.state = Ready
}

// OptimizeOpts configures the optimiser pipeline's tunable passes.
type OptimizeOpts struct {
	// DisableAllReduce turns off the all-reduce detection pass (spec
	// says it must be configurable, disabled by an env flag).
	DisableAllReduce bool
	// ChunkSize is the backend-advertised maximum element count per
	// reduce action; 0 means "no limit, never split".
	ChunkSize int64
}

func (o *OptimizeOpts) setDefaults() {
	if os.Getenv("LAIK_NO_ALLREDUCE") != "" {
		o.DisableAllReduce = true
	}
}

func (o OptimizeOpts) allReduceDetection() bool { return !o.DisableAllReduce }

// BeginExec moves a Ready sequence to Executing; a backend calls this
// before replaying actions and EndExec after.
func (s *Sequence) BeginExec() {
	if s.state != Ready {
		panic("action: BeginExec called on a sequence not in Ready state")
	}
	s.state = Executing
}

// EndExec moves an Executing sequence back to Ready.
func (s *Sequence) EndExec() {
	if s.state != Executing {
		panic("action: EndExec called on a sequence not in Executing state")
	}
	s.state = Ready
}

// pass 1: splitTransitionExec.
//
// A Sequence as built by Lower already corresponds to exactly one
// transition (this compiler never batches several transitions into one
// Lower call), so the boundary this pass would otherwise need to cut is
// always the whole sequence. The pass checks nothing and leaves the
// action list unchanged.
func splitTransitionExec(s *Sequence) {
	// No-op: single-transition sequences need no splitting. Kept as a
	// named pass so the pipeline's stage count and order match the
	// specified nine steps.
}

// pass 2: flattenPacking. Fuses an adjacent PackToBuf+BufSend pair (same
// BufID, nothing else referencing it in between — trivially true for
// adjacent actions) into PackAndSend, and BufRecv+UnpackFromBuf into
// RecvAndUnpack. Returns whether it changed anything, so Optimize can
// call it to a fixed point.
func flattenPacking(s *Sequence) bool {
	changed := false
	out := s.actions[:0:0]
	for i := 0; i < len(s.actions); i++ {
		a := s.actions[i]
		if i+1 < len(s.actions) {
			b := s.actions[i+1]
			if a.Op == PackToBuf && b.Op == BufSend && a.BufID == b.BufID && a.Range.Equal(b.Range) {
				out = append(out, Action{
					Op: PackAndSend, FromMapNo: a.FromMapNo, Peer: b.Peer, Range: a.Range, BufID: -1, Root: -1,
				})
				i++
				changed = true
				continue
			}
			if a.Op == BufRecv && b.Op == UnpackFromBuf && a.BufID == b.BufID && a.Range.Equal(b.Range) {
				out = append(out, Action{
					Op: RecvAndUnpack, ToMapNo: b.ToMapNo, Peer: a.Peer, Range: a.Range, BufID: -1, Root: -1,
				})
				i++
				changed = true
				continue
			}
		}
		out = append(out, a)
	}
	s.actions = out
	return changed
}

// pass 3: detectAllReduce. A GroupReduce whose input and output groups
// both span the whole process group carries no useful subgroup
// information — every process talks to every other process either way —
// so it is downgraded to a plain Reduce(root=-1), letting a backend use a
// native allreduce primitive instead of the general group-reduce path.
func detectAllReduce(s *Sequence) {
	for i := range s.actions {
		a := &s.actions[i]
		if a.Op != GroupReduce {
			continue
		}
		if isFullGroup(a.InputGroup, s.GroupLen) && isFullGroup(a.OutputGroup, s.GroupLen) {
			a.Op = Reduce
			a.InputGroup = nil
			a.OutputGroup = nil
			a.Root = -1
		}
	}
}

func isFullGroup(group []int, n int) bool {
	if len(group) != n {
		return false
	}
	seen := make([]bool, n)
	for _, t := range group {
		if t < 0 || t >= n || seen[t] {
			return false
		}
		seen[t] = true
	}
	return true
}

// pass 4: combineActions. Coalesces adjacent send/recv-family actions to
// the same peer (and, for Map* ops, the same source/destination mapping)
// whose ranges are touching 1-d intervals into a single action covering
// their union, the same merge rule rangelist.Freeze uses for adjacent
// task ranges.
func combineActions(s *Sequence) bool {
	changed := false
	out := s.actions[:0:0]
	for _, a := range s.actions {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if combinable(*last, a) {
				last.Range.To[0] = a.Range.To[0]
				changed = true
				continue
			}
		}
		out = append(out, a)
	}
	s.actions = out
	return changed
}

func combinable(a, b Action) bool {
	if a.Op != b.Op || a.Peer != b.Peer {
		return false
	}
	if a.Op.isSendFamily() && a.FromMapNo != b.FromMapNo {
		return false
	}
	if a.Op.isRecvFamily() && a.ToMapNo != b.ToMapNo {
		return false
	}
	if !a.Op.isSendFamily() && !a.Op.isRecvFamily() {
		return false
	}
	if a.Range.Dims != b.Range.Dims || a.Range.Dims != 1 {
		return false
	}
	return a.Range.To[0] == b.Range.From[0]
}

// pass 5: allocateBuffers. Scans the action list left to right, assigning
// each buffer-using action a BufID. A buffer is live from the action that
// first writes it (PackToBuf/RBufSend's pack half) until the action that
// last reads it (BufSend/UnpackFromBuf); once an id's last use has
// passed, it is returned to a free list and may be handed to a later
// action, bounding peak scratch usage to the number of buffers
// simultaneously live rather than the total count ever used — the same
// scan-and-reuse idea as a bitmap of in-use slots, applied to byte ranges
// instead of records.
func allocateBuffers(s *Sequence) {
	var free []int
	next := 0
	open := make(map[int]int) // action index of the opener -> bufID, for not-yet-closed buffers

	alloc := func() int {
		if len(free) > 0 {
			id := free[len(free)-1]
			free = free[:len(free)-1]
			return id
		}
		id := next
		next++
		return id
	}

	for i := range s.actions {
		a := &s.actions[i]
		if !a.Op.usesBuf() {
			continue
		}
		switch a.Op {
		case PackToBuf, RBufSend:
			id := alloc()
			a.BufID = id
			open[i] = id
		case BufSend:
			// Closes the buffer opened by the most recent unclosed
			// PackToBuf; linear scan keeps this simple since buffers
			// are used in pack/send pairs emitted back to back before
			// flattenPacking had a chance to fuse them (e.g. when the
			// pass ran before a reorder introduced a gap).
			if id, ok := lastOpen(open); ok {
				a.BufID = id
				delete(open, findKey(open, id))
				free = append(free, id)
			} else {
				a.BufID = alloc()
			}
		case UnpackFromBuf:
			// Closes the buffer opened by its paired local PackToBuf
			// (see Lower's tr.Local handling): a non-contiguous local
			// copy packs into a scratch buffer and immediately unpacks
			// from that same buffer, with nothing else touching it in
			// between, so this is the same most-recent-opener lookup
			// BufSend uses for its network-bound pack/send pairs.
			if id, ok := lastOpen(open); ok {
				a.BufID = id
				delete(open, findKey(open, id))
				free = append(free, id)
			} else {
				a.BufID = alloc()
				free = append(free, a.BufID)
			}
		case BufRecv, RBufRecv:
			// Network-originated: no local opener to pair with, always
			// a fresh id.
			a.BufID = alloc()
			free = append(free, a.BufID)
		case BufReserve:
			a.BufID = alloc()
		}
	}
}

func lastOpen(open map[int]int) (int, bool) {
	best := -1
	bestKey := -1
	for k, v := range open {
		if k > bestKey {
			bestKey = k
			best = v
		}
	}
	return best, bestKey >= 0
}

func findKey(open map[int]int, id int) int {
	for k, v := range open {
		if v == id {
			return k
		}
	}
	return -1
}

// pass 6: splitReduce. Splits a Reduce/GroupReduce whose range covers more
// elements than chunkSize into chunks along dimension 0, each a full
// Reduce action with the same groups. A chunk takes as many whole
// dimension-0 slabs as fit in chunkSize elements, and at least one slab,
// so a single slab larger than chunkSize is not split further.
func splitReduce(s *Sequence, chunkSize int64) {
	var out []Action
	for _, a := range s.actions {
		if !a.Op.isReduceFamily() || a.Range.Size() <= chunkSize {
			out = append(out, a)
			continue
		}
		from := a.Range.From[0]
		to := a.Range.To[0]
		step := chunkSize / (a.Range.Size() / (to - from))
		if step < 1 {
			step = 1
		}
		for lo := from; lo < to; lo += step {
			hi := lo + step
			if hi > to {
				hi = to
			}
			chunk := a
			chunk.Range.From[0] = lo
			chunk.Range.To[0] = hi
			out = append(out, chunk)
		}
	}
	s.actions = out
}

// pass 7: sortRounds. A round groups the actions that may execute
// concurrently; reductions are given priority within a round since they
// commonly gate later point-to-point traffic (e.g. a broadcast depending
// on an allreduce's result). All actions from a single Lower call share
// round 0 in this compiler (no multi-transition batching yet), so this
// pass's visible effect today is the opcode-priority sort within that
// round; it is written to generalise cleanly once callers start batching
// several transitions' sequences together under distinct round numbers.
func sortRounds(s *Sequence) {
	sort.SliceStable(s.actions, func(i, j int) bool {
		a, b := s.actions[i], s.actions[j]
		if a.Round != b.Round {
			return a.Round < b.Round
		}
		return roundPriority(a.Op) < roundPriority(b.Op)
	})
}

func roundPriority(op Op) int {
	switch {
	case op.isReduceFamily():
		return 0
	case op == BufInit || op == BufCopy || op == PackToBuf || op == UnpackFromBuf || op == BufReserve:
		return 1
	default:
		return 2
	}
}

// pass 8: deadlockAvoidSort. Reorders the send/recv-family actions within
// each round into 2*GroupLen phases so that, for any pair of ranks i<j
// exchanging a message, the side sending to the higher rank and the side
// receiving from the lower rank both fall in the first GroupLen phases,
// and the mirror image (send to a lower rank, receive from a higher
// rank) falls in the second GroupLen phases — the two-phase pairing
// scheme that avoids the circular wait a naive fixed send-then-receive
// order can produce.
func deadlockAvoidSort(s *Sequence) {
	size := s.GroupLen
	me := s.Me
	for i := range s.actions {
		a := &s.actions[i]
		a.Phase = -1
		switch {
		case a.Op.isSendFamily():
			if a.Peer > me {
				a.Phase = a.Peer
			} else {
				a.Phase = size + a.Peer
			}
		case a.Op.isRecvFamily():
			if a.Peer < me {
				a.Phase = a.Peer
			} else {
				a.Phase = size + a.Peer
			}
		}
	}
	sort.SliceStable(s.actions, func(i, j int) bool {
		a, b := s.actions[i], s.actions[j]
		if a.Round != b.Round {
			return a.Round < b.Round
		}
		pa, pb := roundPriority(a.Op), roundPriority(b.Op)
		if pa != pb {
			return pa < pb
		}
		if a.Phase < 0 || b.Phase < 0 {
			return a.Phase > b.Phase // non-p2p actions (-1) sort after p2p ones within the same priority bucket
		}
		return a.Phase < b.Phase
	})
}

// pass 9: calcStats. Tallies messages, transferred elements (in
// Stats.Bytes), and reductions for diagnostics; never changes the action
// list.
func calcStats(s *Sequence) {
	var st Stats
	for _, a := range s.actions {
		switch {
		case a.Op.isSendFamily() || a.Op.isRecvFamily():
			st.Messages++
			st.Bytes += a.Range.Size()
		case a.Op.isReduceFamily():
			st.Reductions++
		}
	}
	s.Stats = st
}
