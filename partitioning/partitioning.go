// Package partitioning implements the named binding of (space, group,
// partitioner, optional other) to its stored RangeList variants. A
// Partitioning runs its partitioner lazily and caches each distinct
// filtered variant — Full, per-task SingleTask, and per-task Intersection
// — so a given variant is computed at most once.
package partitioning

import (
	"sync"

	"github.com/grailbio/laik/group"
	"github.com/grailbio/laik/partitioner"
	"github.com/grailbio/laik/rangelist"
	"github.com/grailbio/laik/space"
	"github.com/pkg/errors"
)

// Partitioning is (name, group, space, partitioner, other?) plus the
// variant cache. The zero value is not valid; use New.
type Partitioning struct {
	Name        string
	Space       *space.Space
	Group       *group.Group
	Partitioner *partitioner.Partitioner
	Other       *Partitioning

	mu           sync.Mutex
	full         *rangelist.List
	singleTask   map[int]*rangelist.List
	intersection map[int]*rangelist.List
}

// New returns a Partitioning bound to sp/g/p, optionally reading other's
// Full variant during its own runs.
func New(name string, sp *space.Space, g *group.Group, p *partitioner.Partitioner, other *Partitioning) *Partitioning {
	return &Partitioning{
		Name:        name,
		Space:       sp,
		Group:       g,
		Partitioner: p,
		Other:       other,
	}
}

func (pt *Partitioning) otherList() (*rangelist.List, error) {
	if pt.Other == nil {
		return nil, nil
	}
	return pt.Other.Full()
}

// Full returns the unfiltered variant: every range the partitioner
// emits, covering the whole space. Computed once and cached.
func (pt *Partitioning) Full() (*rangelist.List, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.full != nil {
		return pt.full, nil
	}
	other, err := pt.otherList()
	if err != nil {
		return nil, errors.Wrapf(err, "partitioning %q: full variant", pt.Name)
	}
	list, err := partitioner.Run(pt.Partitioner, pt.Space, pt.Group, other, partitioner.RunOpts{Filter: partitioner.FilterNone})
	if err != nil {
		return nil, errors.Wrapf(err, "partitioning %q: full variant", pt.Name)
	}
	pt.full = list
	return list, nil
}

// SingleTask returns the variant containing only the ranges owned by
// tid. Computed once per tid and cached.
func (pt *Partitioning) SingleTask(tid int) (*rangelist.List, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if list, ok := pt.singleTask[tid]; ok {
		return list, nil
	}
	other, err := pt.otherList()
	if err != nil {
		return nil, errors.Wrapf(err, "partitioning %q: single-task(%d) variant", pt.Name, tid)
	}
	list, err := partitioner.Run(pt.Partitioner, pt.Space, pt.Group, other, partitioner.RunOpts{
		Filter: partitioner.FilterOwnTid,
		OwnTid: tid,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "partitioning %q: single-task(%d) variant", pt.Name, tid)
	}
	if pt.singleTask == nil {
		pt.singleTask = make(map[int]*rangelist.List)
	}
	pt.singleTask[tid] = list
	return list, nil
}

// Intersection returns the variant containing only ranges that intersect
// ownIntervals — the union of tid's own intervals across the two
// partitionings a transition calculation compares. This is all a
// transition calculation for tid reads: storing it alone, instead of the
// Full variant, can cut memory by orders of magnitude on a large process
// count. Computed once per tid and cached; callers must pass the same
// ownIntervals for a given tid across calls (the cache does not
// distinguish by interval set).
func (pt *Partitioning) Intersection(tid int, ownIntervals []space.Range) (*rangelist.List, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if list, ok := pt.intersection[tid]; ok {
		return list, nil
	}
	other, err := pt.otherList()
	if err != nil {
		return nil, errors.Wrapf(err, "partitioning %q: intersection(%d) variant", pt.Name, tid)
	}
	list, err := partitioner.Run(pt.Partitioner, pt.Space, pt.Group, other, partitioner.RunOpts{
		Filter:       partitioner.FilterIntersecting,
		OwnIntervals: ownIntervals,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "partitioning %q: intersection(%d) variant", pt.Name, tid)
	}
	if pt.intersection == nil {
		pt.intersection = make(map[int]*rangelist.List)
	}
	pt.intersection[tid] = list
	return list, nil
}

// Migrate returns a new Partitioning bound to newGroup, a Group derived
// from pt.Group via Shrink or Split. Rather than rerunning the
// partitioner, it remaps pt's cached Full variant's tids through
// newGroup's parent-id tables, so the ranges each surviving rank owned
// carry over unchanged under its new rank. It errors if a rank removed
// by the derivation still owns a non-empty range — the caller must
// switch such a rank's data away first. Only singleTask/intersection
// caches need never survive a migrate: they are keyed by tid and
// recomputed lazily against the new group on first use.
func (pt *Partitioning) Migrate(newGroup *group.Group) (*Partitioning, error) {
	if newGroup.Parent() != pt.Group {
		return nil, errors.Errorf("partitioning %q: migrate: newGroup is not derived from this partitioning's group", pt.Name)
	}
	full, err := pt.Full()
	if err != nil {
		return nil, errors.Wrapf(err, "partitioning %q: migrate", pt.Name)
	}
	remapped, err := rangelist.Remap(full, newGroup.Size(), func(oldTid int) (int, bool) {
		newTid := newGroup.FromParent(oldTid)
		return newTid, newTid != -1
	})
	if err != nil {
		return nil, errors.Wrapf(err, "partitioning %q: migrate", pt.Name)
	}
	return &Partitioning{
		Name:        pt.Name,
		Space:       pt.Space,
		Group:       newGroup,
		Partitioner: pt.Partitioner,
		Other:       pt.Other,
		full:        remapped,
	}, nil
}
