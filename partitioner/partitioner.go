// Package partitioner implements the partitioner runtime:
// invoking a named partitioning algorithm against a Space and ProcessGroup,
// applying an optional filter, freezing the result, and — when no filter
// was installed — verifying full-space coverage.
package partitioner

import (
	"github.com/grailbio/laik/group"
	"github.com/grailbio/laik/rangelist"
	"github.com/grailbio/laik/space"
	"github.com/pkg/errors"
)

// Flag is a bitfield over a Partitioner's behavioural flags.
type Flag uint

const (
	// FlagMerge post-merges adjacent ranges of the same (tid, tag).
	FlagMerge Flag = 1 << iota
	// FlagCompact assigns contiguous mapNos in 1-d. Strictly weaker than
	// FlagMerge and idempotent with it.
	FlagCompact
	// FlagSingleIndex permits the algorithm to emit single-index entries.
	FlagSingleIndex
)

func (f Flag) has(bit Flag) bool { return f&bit != 0 }

// Receiver is what a partitioner algorithm callback uses to emit ranges.
// The runtime installs a filtering Receiver around the underlying
// rangelist.List so algorithms never see (or need to know about) filters.
type Receiver interface {
	AddRange(tid int, r space.Range, tag int)
	AddRangeData(tid int, r space.Range, tag int, data interface{})
	AddSingle(tid int, idx int64)
}

// Algorithm is the pure callback a Partitioner wraps. It may read sp, g,
// and other, and must emit ranges only via recv — it must not mutate
// library state directly.
type Algorithm func(sp *space.Space, g *group.Group, other *rangelist.List, recv Receiver)

// Partitioner is a named algorithm with flags.
type Partitioner struct {
	Name  string
	Flags Flag
	Run   Algorithm
}

// FilterKind selects which filter the runtime installs around a run.
type FilterKind int

const (
	// FilterNone keeps every emitted range and triggers the coverage
	// check at the end of the run.
	FilterNone FilterKind = iota
	// FilterOwnTid keeps only ranges owned by one given tid (the
	// "single-task" Partitioning variant).
	FilterOwnTid
	// FilterIntersecting keeps only ranges that intersect a supplied set
	// of "own" intervals — precisely what a
	// transition calculation needs (the "intersection" Partitioning
	// variant).
	FilterIntersecting
)

// RunOpts configures a single partitioner invocation.
type RunOpts struct {
	Filter FilterKind
	// OwnTid is used when Filter == FilterOwnTid.
	OwnTid int
	// OwnIntervals is used when Filter == FilterIntersecting: a range is
	// kept iff it intersects at least one of these.
	OwnIntervals []space.Range
}

// filterReceiver wraps a rangelist.List, dropping ranges the installed
// filter rejects, and tracks a coverage worklist when no filter is
// installed.
type filterReceiver struct {
	list *rangelist.List
	opts RunOpts

	// worklist is only populated (and only consulted at Finish) when
	// opts.Filter == FilterNone.
	worklist []space.Range
}

func newFilterReceiver(list *rangelist.List, full space.Range, opts RunOpts) *filterReceiver {
	fr := &filterReceiver{list: list, opts: opts}
	if opts.Filter == FilterNone {
		fr.worklist = []space.Range{full}
	}
	return fr
}

func (fr *filterReceiver) accept(tid int, r space.Range) bool {
	switch fr.opts.Filter {
	case FilterOwnTid:
		return tid == fr.opts.OwnTid
	case FilterIntersecting:
		for _, own := range fr.opts.OwnIntervals {
			if own.Intersects(r) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func (fr *filterReceiver) observe(r space.Range) {
	if fr.opts.Filter != FilterNone {
		return
	}
	var next []space.Range
	for _, w := range fr.worklist {
		next = append(next, w.Subtract(r)...)
	}
	fr.worklist = next
}

func (fr *filterReceiver) AddRange(tid int, r space.Range, tag int) {
	fr.observe(r)
	if fr.accept(tid, r) {
		fr.list.AddRange(tid, r, tag)
	}
}

func (fr *filterReceiver) AddRangeData(tid int, r space.Range, tag int, data interface{}) {
	fr.observe(r)
	if fr.accept(tid, r) {
		fr.list.AddRangeData(tid, r, tag, data)
	}
}

func (fr *filterReceiver) AddSingle(tid int, idx int64) {
	r := space.NewRange1D(idx, idx+1)
	fr.observe(r)
	if fr.accept(tid, r) {
		fr.list.AddSingle(tid, idx)
	}
}

// Run invokes p against sp/g/other, applies opts.Filter, freezes the
// result, and — for FilterNone — panics if the emitted ranges do not cover
// the whole of sp.
func Run(p *Partitioner, sp *space.Space, g *group.Group, other *rangelist.List, opts RunOpts) (*rangelist.List, error) {
	list := rangelist.New(2 * g.Size())
	recv := newFilterReceiver(list, sp.FullRange(), opts)

	p.Run(sp, g, other, recv)

	if err := list.Freeze(g.Size(), rangelist.FreezeOpts{Merge: p.Flags.has(FlagMerge)}); err != nil {
		return nil, errors.Wrapf(err, "partitioner %q", p.Name)
	}

	if opts.Filter == FilterNone {
		for _, w := range recv.worklist {
			if !w.IsEmpty() {
				panic(errors.Errorf("partitioner %q: does not cover the full space; uncovered region %v", p.Name, w))
			}
		}
	}

	return list, nil
}
