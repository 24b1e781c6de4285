// Package rangelist implements the append-only collection of
// (task, Range, tag) triples a Partitioner produces, and the freeze step
// that sorts, merges, and offset-indexes it.
package rangelist

import (
	"sort"
	"sync"

	"github.com/grailbio/laik/space"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// TaskRange is one entry produced by a partitioner: the process (task) that
// owns Range, an optional grouping Tag (>0 groups ranges of one process
// into the same local memory mapping; 0 means each range gets its own
// mapping), MapNo (assigned during Freeze), and opaque partitioner-private
// data (set only through AddRangeData).
type TaskRange struct {
	Tid   int
	Range space.Range
	Tag   int
	MapNo int
	Data  interface{}
}

// singleEntry is the "single-index 1d" input shape: (tid, idx) pairs,
// memory-optimised relative to the generic (tid, Range, tag) shape.
type singleEntry struct {
	tid int
	idx int64
}

// List is an append-only collection of TaskRanges (or, before Freeze,
// single-index entries) that becomes read-only once Freeze returns.
type List struct {
	generic []TaskRange
	single  []singleEntry

	frozen  bool
	entries []TaskRange
	off     []int // per-tid offset index: entries for tid t are entries[off[t]:off[t+1]]

	// mapOff is built lazily on first query, keyed by tid.
	mapOffMu sync.Mutex
	mapOff   map[int][]int
}

// New returns an empty List sized for an expected number of tasks.
func New(capacityHint int) *List {
	return &List{
		generic: make([]TaskRange, 0, capacityHint),
	}
}

// AddRange appends a generic (tid, range, tag) entry. Calling it after
// Freeze is fatal: vlog.Fatalf logs and exits the process.
func (l *List) AddRange(tid int, r space.Range, tag int) {
	if l.frozen {
		vlog.Fatalf("rangelist: AddRange called on a frozen list")
	}
	l.generic = append(l.generic, TaskRange{Tid: tid, Range: r, Tag: tag})
}

// AddRangeData is AddRange plus opaque partitioner-private data.
func (l *List) AddRangeData(tid int, r space.Range, tag int, data interface{}) {
	if l.frozen {
		vlog.Fatalf("rangelist: AddRangeData called on a frozen list")
	}
	l.generic = append(l.generic, TaskRange{Tid: tid, Range: r, Tag: tag, Data: data})
}

// AddSingle appends a single-index 1d entry (tid, idx).
func (l *List) AddSingle(tid int, idx int64) {
	if l.frozen {
		vlog.Fatalf("rangelist: AddSingle called on a frozen list")
	}
	l.single = append(l.single, singleEntry{tid: tid, idx: idx})
}

// NumTasks returns the task count the list was frozen with (i.e.
// len(off)-1), including tids that have no entries.
func (l *List) NumTasks() int {
	if !l.frozen {
		vlog.Fatalf("rangelist: NumTasks called before Freeze")
	}
	return len(l.off) - 1
}

// TaskRanges returns the (sorted) entries belonging to tid after Freeze.
func (l *List) TaskRanges(tid int) []TaskRange {
	if !l.frozen {
		vlog.Fatalf("rangelist: TaskRanges called before Freeze")
	}
	if tid < 0 || tid+1 >= len(l.off) {
		return nil
	}
	return l.entries[l.off[tid]:l.off[tid+1]]
}

// All returns every entry in sorted order after Freeze.
func (l *List) All() []TaskRange {
	if !l.frozen {
		vlog.Fatalf("rangelist: All called before Freeze")
	}
	return l.entries
}

// MapRanges returns the entries for tid whose MapNo equals mapNo.
func (l *List) MapRanges(tid, mapNo int) []TaskRange {
	offs := l.mapOffsets(tid)
	if mapNo < 0 || mapNo+1 >= len(offs) {
		return nil
	}
	taskEntries := l.TaskRanges(tid)
	return taskEntries[offs[mapNo]:offs[mapNo+1]]
}

// NumMaps returns the number of distinct mapNo values for tid.
func (l *List) NumMaps(tid int) int {
	offs := l.mapOffsets(tid)
	if len(offs) == 0 {
		return 0
	}
	return len(offs) - 1
}

func (l *List) mapOffsets(tid int) []int {
	l.mapOffMu.Lock()
	defer l.mapOffMu.Unlock()
	if l.mapOff == nil {
		l.mapOff = make(map[int][]int)
	}
	if offs, ok := l.mapOff[tid]; ok {
		return offs
	}
	taskEntries := l.TaskRanges(tid)
	var offs []int
	if len(taskEntries) > 0 {
		offs = append(offs, 0)
		for i := 1; i < len(taskEntries); i++ {
			if taskEntries[i].MapNo != taskEntries[i-1].MapNo {
				offs = append(offs, i)
			}
		}
		offs = append(offs, len(taskEntries))
	}
	l.mapOff[tid] = offs
	return offs
}

// FreezeOpts controls Freeze's merge behaviour.
type FreezeOpts struct {
	// Merge causes adjacent/overlapping ranges with the same (tid, tag)
	// to be coalesced into one entry.
	Merge bool
}

// Freeze sorts and merges the list's entries and builds the per-tid offset
// index. It is the only place a List transitions from
// "being appended to" to "read-only"; calling Freeze twice is fatal
// (vlog.Fatalf logs and exits the process).
func (l *List) Freeze(numTasks int, opts FreezeOpts) error {
	if l.frozen {
		vlog.Fatalf("rangelist: Freeze called twice")
	}

	var entries []TaskRange
	if len(l.single) > 0 {
		entries = append(entries, mergeSingleEntries(l.single)...)
	}
	entries = append(entries, l.generic...)

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Tid != b.Tid {
			return a.Tid < b.Tid
		}
		if a.Tag != b.Tag {
			return a.Tag < b.Tag
		}
		return a.Range.Compare(b.Range) < 0
	})

	if opts.Merge {
		entries = mergeAdjacent(entries)
	}

	assignMapNos(entries)

	off := make([]int, numTasks+1)
	i := 0
	for tid := 0; tid < numTasks; tid++ {
		off[tid] = i
		for i < len(entries) && entries[i].Tid == tid {
			i++
		}
	}
	off[numTasks] = len(entries)
	if i != len(entries) {
		return errors.Errorf("rangelist: entry with tid >= numTasks=%d found during freeze", numTasks)
	}

	for _, e := range entries {
		if e.Range.Size() < 0 {
			return errors.Errorf("rangelist: negative-size range %v for tid %d", e.Range, e.Tid)
		}
	}

	l.entries = entries
	l.off = off
	l.frozen = true
	l.generic = nil
	l.single = nil
	return nil
}

// Remap returns a new frozen List with every entry's Tid passed through
// mapTid — used to migrate a Partitioning's stored ranges onto a group
// derived from the one they were computed against, without re-running
// the partitioner. mapTid reports the new tid for an old one, or
// ok=false if that rank was dropped by the group derivation. Since a
// derived group's surviving ranks map one-to-one onto the new group,
// remapping never merges two old tids together, so each entry's MapNo
// (assigned per old tid) stays valid unchanged under its new tid.
// Remap returns an error if any dropped rank still owns a non-empty
// range — the caller is expected to have already switched away from a
// CopyOut-bearing flow before migrating.
func Remap(l *List, numNewTasks int, mapTid func(oldTid int) (newTid int, ok bool)) (*List, error) {
	if !l.frozen {
		vlog.Fatalf("rangelist: Remap called before Freeze")
	}

	entries := make([]TaskRange, 0, len(l.entries))
	for _, e := range l.entries {
		newTid, ok := mapTid(e.Tid)
		if !ok {
			if !e.Range.IsEmpty() {
				return nil, errors.Errorf("rangelist: migrate: removed tid %d still owns non-empty range %v", e.Tid, e.Range)
			}
			continue
		}
		e.Tid = newTid
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Tid < entries[j].Tid })

	off := make([]int, numNewTasks+1)
	i := 0
	for tid := 0; tid < numNewTasks; tid++ {
		off[tid] = i
		for i < len(entries) && entries[i].Tid == tid {
			i++
		}
	}
	off[numNewTasks] = len(entries)
	if i != len(entries) {
		return nil, errors.Errorf("rangelist: migrate: remapped tid >= numNewTasks=%d", numNewTasks)
	}

	return &List{entries: entries, off: off, frozen: true}, nil
}

// mergeSingleEntries sorts single-index entries by (tid, idx) and merges
// maximal consecutive runs into generic ranges.
func mergeSingleEntries(single []singleEntry) []TaskRange {
	sorted := make([]singleEntry, len(single))
	copy(sorted, single)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].tid != sorted[j].tid {
			return sorted[i].tid < sorted[j].tid
		}
		return sorted[i].idx < sorted[j].idx
	})

	var out []TaskRange
	i := 0
	for i < len(sorted) {
		tid := sorted[i].tid
		from := sorted[i].idx
		to := from + 1
		j := i + 1
		for j < len(sorted) && sorted[j].tid == tid && sorted[j].idx == to {
			to++
			j++
		}
		out = append(out, TaskRange{Tid: tid, Range: space.NewRange1D(from, to)})
		i = j
	}
	return out
}

// mergeAdjacent coalesces consecutive entries (after the Freeze sort) that
// share (tid, tag) and whose ranges touch or overlap.
func mergeAdjacent(entries []TaskRange) []TaskRange {
	if len(entries) == 0 {
		return entries
	}
	out := entries[:1]
	for i := 1; i < len(entries); i++ {
		last := &out[len(out)-1]
		cur := entries[i]
		if last.Tid == cur.Tid && last.Tag == cur.Tag &&
			last.Range.Dims == cur.Range.Dims &&
			last.Range.To[0] >= cur.Range.From[0] && sameBoundsExceptDim0(last.Range, cur.Range) {
			if cur.Range.To[0] > last.Range.To[0] {
				last.Range.To[0] = cur.Range.To[0]
			}
			continue
		}
		out = append(out, cur)
	}
	return out
}

// sameBoundsExceptDim0 reports whether a and b agree on every dimension
// but the first; merging only coalesces along dimension 0, the maximal
// consecutive run generalised conservatively to N-d (ranges that differ
// on a dimension other than 0 are never merged).
func sameBoundsExceptDim0(a, b space.Range) bool {
	for i := 1; i < a.Dims; i++ {
		if a.From[i] != b.From[i] || a.To[i] != b.To[i] {
			return false
		}
	}
	return true
}

// assignMapNos assigns each entry's MapNo: within a tid, a new mapNo
// starts whenever tag is 0 or differs from the previous entry's tag.
func assignMapNos(entries []TaskRange) {
	if len(entries) == 0 {
		return
	}
	mapNo := 0
	entries[0].MapNo = 0
	for i := 1; i < len(entries); i++ {
		cur, prev := &entries[i], entries[i-1]
		if cur.Tid != prev.Tid || cur.Tag == 0 || cur.Tag != prev.Tag {
			mapNo++
		}
		if cur.Tid != prev.Tid {
			mapNo = 0
		}
		cur.MapNo = mapNo
	}
}
