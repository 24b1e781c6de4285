// Package group implements LAIK's immutable process groups: an ordered set
// of processes, optionally derived from a parent group by shrinking
// (removing ranks) or splitting (by colour), with the id-mapping arrays
// needed to migrate Partitionings across a resize.
package group

import (
	"github.com/pkg/errors"
)

// Group is immutable once built. The zero value is not valid; use New,
// Shrink, or Split.
type Group struct {
	size   int
	me     int // this process's rank in the group, or -1 if not a member
	parent *Group

	// toParent[i] is the rank of group-local rank i in parent, or -1 if
	// parent is nil. fromParent[j] is the rank in this group of parent's
	// rank j, or -1 if that process was removed.
	toParent   []int
	fromParent []int
}

// New returns the root group: the full process world at library init, with
// no parent.
func New(size, me int) (*Group, error) {
	if size <= 0 {
		return nil, errors.Errorf("group: size must be positive, got %d", size)
	}
	if me < -1 || me >= size {
		return nil, errors.Errorf("group: rank %d out of range [-1,%d)", me, size)
	}
	return &Group{size: size, me: me}, nil
}

// Size returns the number of processes in g.
func (g *Group) Size() int { return g.size }

// MyID returns this process's rank in g, or -1 if this process is not a
// member of g.
func (g *Group) MyID() int { return g.me }

// Parent returns g's parent group, or nil if g is the root.
func (g *Group) Parent() *Group { return g.parent }

// IsMember reports whether rank is a valid, non-removed member of g.
func (g *Group) IsMember(rank int) bool { return rank >= 0 && rank < g.size }

// ToParent translates rank (in g) to a rank in g.Parent(), or -1 if g has
// no parent or rank was not derived from a parent rank (never the case for
// Shrink/Split-derived groups, whose toParent is always fully populated).
func (g *Group) ToParent(rank int) int {
	if g.parent == nil || rank < 0 || rank >= len(g.toParent) {
		return -1
	}
	return g.toParent[rank]
}

// FromParent translates parentRank (a rank in g.Parent()) to a rank in g,
// or -1 if that process is not present in g (it was removed by Shrink, or
// not selected by Split).
func (g *Group) FromParent(parentRank int) int {
	if g.parent == nil || parentRank < 0 || parentRank >= len(g.fromParent) {
		return -1
	}
	return g.fromParent[parentRank]
}

// ToRoot translates rank (in g) all the way up the parent chain to a rank
// in the root group, or -1 if any ancestor removed the process: a rank
// removed at any level must yield -1 at every descendant, so translating
// toward the root short-circuits to -1 the moment any link does.
func (g *Group) ToRoot(rank int) int {
	cur := g
	for cur.parent != nil {
		rank = cur.ToParent(rank)
		if rank == -1 {
			return -1
		}
		cur = cur.parent
	}
	return rank
}

// Shrink returns a new Group containing every rank of g except those
// listed in removed. Ranks are renumbered densely and in order.
func (g *Group) Shrink(removed []int) *Group {
	removedSet := make(map[int]bool, len(removed))
	for _, r := range removed {
		removedSet[r] = true
	}

	child := &Group{parent: g}
	child.fromParent = make([]int, g.size)
	for i := range child.fromParent {
		child.fromParent[i] = -1
	}

	newRank := 0
	for parentRank := 0; parentRank < g.size; parentRank++ {
		if removedSet[parentRank] {
			continue
		}
		child.toParent = append(child.toParent, parentRank)
		child.fromParent[parentRank] = newRank
		newRank++
	}
	child.size = newRank
	if g.me >= 0 {
		child.me = child.fromParent[g.me]
	} else {
		child.me = -1
	}
	return child
}

// Split returns a new Group containing every rank of g whose
// colour(rank-in-g) equals myColour. Ranks are renumbered densely, preserving the relative
// order of the surviving parent ranks.
func (g *Group) Split(colour func(parentRank int) int, myColour int) *Group {
	child := &Group{parent: g}
	child.fromParent = make([]int, g.size)
	for i := range child.fromParent {
		child.fromParent[i] = -1
	}

	newRank := 0
	for parentRank := 0; parentRank < g.size; parentRank++ {
		if colour(parentRank) != myColour {
			continue
		}
		child.toParent = append(child.toParent, parentRank)
		child.fromParent[parentRank] = newRank
		newRank++
	}
	child.size = newRank
	if g.me >= 0 && colour(g.me) == myColour {
		child.me = child.fromParent[g.me]
	} else {
		child.me = -1
	}
	return child
}
