package partitioner

import (
	"sort"

	"github.com/grailbio/laik/group"
	"github.com/grailbio/laik/rangelist"
	"github.com/grailbio/laik/space"
)

// All returns a Partitioner that assigns the full space to every task.
func All() *Partitioner {
	return &Partitioner{
		Name: "All",
		Run: func(sp *space.Space, g *group.Group, other *rangelist.List, recv Receiver) {
			full := sp.FullRange()
			for tid := 0; tid < g.Size(); tid++ {
				recv.AddRange(tid, full, 0)
			}
		},
	}
}

// Master returns a Partitioner that assigns the full space to task 0 only.
func Master() *Partitioner {
	return &Partitioner{
		Name: "Master",
		Run: func(sp *space.Space, g *group.Group, other *rangelist.List, recv Receiver) {
			recv.AddRange(0, sp.FullRange(), 0)
		},
	}
}

// Copy returns a Partitioner that reuses other's ranges, substituting the
// bounds of dimension dim with the target space's bounds on that dimension.
// It is used to broadcast a lower-dimensional partitioning across
// an additional axis of a higher-dimensional space.
func Copy(dim int) *Partitioner {
	return &Partitioner{
		Name: "Copy",
		Run: func(sp *space.Space, g *group.Group, other *rangelist.List, recv Receiver) {
			if other == nil {
				return
			}
			full := sp.FullRange()
			for _, e := range other.All() {
				r := e.Range
				r.Dims = full.Dims
				r.From[dim] = full.From[dim]
				r.To[dim] = full.To[dim]
				recv.AddRange(e.Tid, r, e.Tag)
			}
		},
	}
}

// Halo returns a Partitioner that, for each range in other, emits the
// original range plus up to 2*dims axis-aligned halo strips of the given
// depth, clipped to the space. Ranges
// belonging to the same original range (core + its halos) share a tag so
// they are grouped into one mapping.
func Halo(depth int64) *Partitioner {
	return &Partitioner{
		Name: "Halo",
		Run: func(sp *space.Space, g *group.Group, other *rangelist.List, recv Receiver) {
			if other == nil {
				return
			}
			full := sp.FullRange()
			tag := 1
			for _, e := range other.All() {
				r := e.Range
				recv.AddRange(e.Tid, r, tag)
				for dim := 0; dim < r.Dims; dim++ {
					if strip := clip(lowStrip(r, dim, depth), full); !strip.IsEmpty() {
						recv.AddRange(e.Tid, strip, tag)
					}
					if strip := clip(highStrip(r, dim, depth), full); !strip.IsEmpty() {
						recv.AddRange(e.Tid, strip, tag)
					}
				}
				tag++
			}
		},
	}
}

func lowStrip(r space.Range, dim int, depth int64) space.Range {
	s := r
	s.To[dim] = r.From[dim]
	s.From[dim] = r.From[dim] - depth
	return s
}

func highStrip(r space.Range, dim int, depth int64) space.Range {
	s := r
	s.From[dim] = r.To[dim]
	s.To[dim] = r.To[dim] + depth
	return s
}

func clip(r, bound space.Range) space.Range {
	return r.Intersect(bound)
}

// CornerHalo returns a Partitioner that, for each range in other, emits a
// single range enlarged by depth in every dimension (corners included),
// clipped to the space.
func CornerHalo(depth int64) *Partitioner {
	return &Partitioner{
		Name: "CornerHalo",
		Run: func(sp *space.Space, g *group.Group, other *rangelist.List, recv Receiver) {
			if other == nil {
				return
			}
			full := sp.FullRange()
			for _, e := range other.All() {
				r := e.Range
				for dim := 0; dim < r.Dims; dim++ {
					r.From[dim] -= depth
					r.To[dim] += depth
				}
				recv.AddRange(e.Tid, clip(r, full), e.Tag)
			}
		},
	}
}

// Bisection returns a Partitioner that recursively splits the full space
// over the task ranks: at each step the widest dimension is chosen and the
// rank interval is split at a point proportional to the relative size of
// the two halves.
func Bisection() *Partitioner {
	return &Partitioner{
		Name: "Bisection",
		Run: func(sp *space.Space, g *group.Group, other *rangelist.List, recv Receiver) {
			bisect(sp.FullRange(), 0, g.Size(), recv)
		},
	}
}

func bisect(r space.Range, lo, hi int, recv Receiver) {
	if hi-lo <= 1 {
		if lo < hi {
			recv.AddRange(lo, r, 0)
		}
		return
	}
	dim := widestDim(r)
	mid := lo + (hi-lo)/2

	left, right := r, r
	extent := r.To[dim] - r.From[dim]
	splitAt := r.From[dim] + extent*int64(mid-lo)/int64(hi-lo)
	left.To[dim] = splitAt
	right.From[dim] = splitAt

	bisect(left, lo, mid, recv)
	bisect(right, mid, hi, recv)
}

func widestDim(r space.Range) int {
	best, bestWidth := 0, int64(-1)
	for i := 0; i < r.Dims; i++ {
		w := r.To[i] - r.From[i]
		if w > bestWidth {
			bestWidth = w
			best = i
		}
	}
	return best
}

// IndexWeightFunc returns the weight of a 1-d index along the blocked
// dimension; a nil func is equivalent to a uniform weight of 1.
type IndexWeightFunc func(idx int64) float64

// TaskWeightFunc returns the relative share of the total weight task t
// should receive; a nil func is equivalent to a uniform weight of 1 for
// every task.
type TaskWeightFunc func(tid int) float64

// BlockOpts configures Block.
type BlockOpts struct {
	// Dim is the dimension to partition; every other dimension keeps the
	// space's full bounds.
	Dim int
	// IndexWeight, TaskWeight are optional per-index/per-task weighting
	// functions; nil means uniform weight 1.
	IndexWeight IndexWeightFunc
	TaskWeight  TaskWeightFunc
	// Cycles interleaves the assignment c times around the task list. 0 or
	// 1 means no interleaving.
	Cycles int
}

// Block returns a Partitioner that partitions one dimension of the space
// into contiguous blocks, one per task, by cumulative weight. Ties in cumulative weight favour earlier indices going to
// earlier tasks; if weights run out (all zero) before the space is
// covered, the residue goes to the last task.
func Block(opts BlockOpts) *Partitioner {
	return &Partitioner{
		Name: "Block",
		Run: func(sp *space.Space, g *group.Group, other *rangelist.List, recv Receiver) {
			full := sp.FullRange()
			cycles := opts.Cycles
			if cycles < 1 {
				cycles = 1
			}
			assignBlocks(full, opts.Dim, g.Size(), cycles, opts.IndexWeight, opts.TaskWeight, recv)
		},
	}
}

// assignBlocks implements the weighted contiguous-block assignment shared
// by Block and Reassign. It walks the blocked dimension once, assigning
// each index to the task whose cumulative target share it falls under.
func assignBlocks(full space.Range, dim, numTasks, cycles int, indexWeight IndexWeightFunc, taskWeight TaskWeightFunc, recv Receiver) {
	from, to := full.From[dim], full.To[dim]
	n := to - from
	if n <= 0 || numTasks <= 0 {
		return
	}

	weight := func(idx int64) float64 {
		if indexWeight == nil {
			return 1
		}
		return indexWeight(idx)
	}
	tweight := func(tid int) float64 {
		if taskWeight == nil {
			return 1
		}
		return taskWeight(tid)
	}

	slots := numTasks * cycles
	var totalTaskWeight float64
	slotWeight := make([]float64, slots)
	for s := 0; s < slots; s++ {
		w := tweight(s % numTasks)
		slotWeight[s] = w
		totalTaskWeight += w
	}

	var totalIndexWeight float64
	idxWeights := make([]float64, n)
	for i := int64(0); i < n; i++ {
		w := weight(from + i)
		idxWeights[i] = w
		totalIndexWeight += w
	}

	// target[s] is the cumulative weight boundary at which slot s ends.
	target := make([]float64, slots)
	var cum float64
	for s := 0; s < slots; s++ {
		cum += slotWeight[s]
		if totalTaskWeight > 0 {
			target[s] = totalIndexWeight * cum / totalTaskWeight
		} else {
			target[s] = totalIndexWeight * float64(s+1) / float64(slots)
		}
	}

	type run struct {
		tid        int
		start, end int64 // [start,end) offsets from `from`
	}
	var runs []run

	slot := 0
	var accum float64
	var runStart int64
	for i := int64(0); i < n; i++ {
		accum += idxWeights[i]
		// Advance to the next slot whenever the running total has
		// reached this slot's target and indices remain; the last slot
		// absorbs any residual weight so rounding never drops an index.
		for slot < slots-1 && accum >= target[slot]-1e-9 {
			runs = append(runs, run{tid: slot % numTasks, start: runStart, end: i + 1})
			runStart = i + 1
			slot++
		}
	}
	runs = append(runs, run{tid: slot % numTasks, start: runStart, end: n})

	for _, rn := range runs {
		if rn.start >= rn.end {
			continue
		}
		r := full
		r.From[dim] = from + rn.start
		r.To[dim] = from + rn.end
		recv.AddRange(rn.tid, r, 0)
	}
}

// Grid returns a Partitioner that lays a 3-d product of blocks x*y*z over
// the space's first three dimensions, choosing x,y,z <= group size to
// minimise idle ranks, tie-broken by minimising |y-x|+|z-y|+|z-x|. The space must have exactly 3 dimensions.
func Grid() *Partitioner {
	return &Partitioner{
		Name: "Grid",
		Run: func(sp *space.Space, g *group.Group, other *rangelist.List, recv Receiver) {
			x, y, z := gridFactors(g.Size())
			full := sp.FullRange()

			xBounds := blockBounds(full.From[0], full.To[0], x)
			yBounds := blockBounds(full.From[1], full.To[1], y)
			zBounds := blockBounds(full.From[2], full.To[2], z)

			tid := 0
			for iz := 0; iz < z; iz++ {
				for iy := 0; iy < y; iy++ {
					for ix := 0; ix < x; ix++ {
						r := space.NewRange(3,
							space.Index{xBounds[ix], yBounds[iy], zBounds[iz]},
							space.Index{xBounds[ix+1], yBounds[iy+1], zBounds[iz+1]})
						recv.AddRange(tid, r, 0)
						tid++
					}
				}
			}
		},
	}
}

// gridFactors picks x,y,z >= 1 with x*y*z <= size, minimising idle ranks
// (size - x*y*z) and then minimising |y-x|+|z-y|+|z-x|.
func gridFactors(size int) (x, y, z int) {
	bestIdle := size + 1
	bestSkew := -1
	for a := 1; a <= size; a++ {
		for b := 1; a*b <= size; b++ {
			maxC := size / (a * b)
			for c := 1; c <= maxC; c++ {
				idle := size - a*b*c
				skew := abs(b-a) + abs(c-b) + abs(c-a)
				if idle < bestIdle || (idle == bestIdle && skew < bestSkew) {
					bestIdle, bestSkew = idle, skew
					x, y, z = a, b, c
				}
			}
		}
	}
	if x == 0 {
		x, y, z = 1, 1, 1
	}
	return
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// blockBounds splits [from,to) into n equal-as-possible contiguous pieces
// and returns the n+1 boundary points.
func blockBounds(from, to int64, n int) []int64 {
	bounds := make([]int64, n+1)
	total := to - from
	for i := 0; i <= n; i++ {
		bounds[i] = from + total*int64(i)/int64(n)
	}
	return bounds
}

// Reassign returns a Partitioner that keeps the ranges of prior whose tid
// survives in childGroup, and redistributes the indexes of removed tids
// across the surviving ranks using the same weighted Block algorithm.
func Reassign(prior *rangelist.List, childGroup *group.Group, parentGroup *group.Group, opts BlockOpts) *Partitioner {
	return &Partitioner{
		Name: "Reassign",
		Run: func(sp *space.Space, g *group.Group, other *rangelist.List, recv Receiver) {
			full := sp.FullRange()
			var orphaned []space.Range

			for parentTid := 0; parentTid < parentGroup.Size(); parentTid++ {
				childTid := childGroup.FromParent(parentTid)
				for _, e := range prior.TaskRanges(parentTid) {
					if childTid >= 0 {
						recv.AddRange(childTid, e.Range, e.Tag)
					} else {
						orphaned = append(orphaned, e.Range)
					}
				}
			}

			if len(orphaned) == 0 {
				return
			}
			sort.Slice(orphaned, func(i, j int) bool {
				return orphaned[i].Compare(orphaned[j]) < 0
			})
			for _, r := range orphaned {
				sub := full
				sub.From[opts.Dim] = r.From[opts.Dim]
				sub.To[opts.Dim] = r.To[opts.Dim]
				assignBlocks(sub, opts.Dim, childGroup.Size(), 1, opts.IndexWeight, opts.TaskWeight, recv)
			}
		},
	}
}
