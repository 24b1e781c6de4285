package data

import (
	"sync"

	"github.com/grailbio/laik/action"
	"github.com/grailbio/laik/backend"
	"github.com/grailbio/laik/group"
	"github.com/grailbio/laik/partitioning"
	"github.com/grailbio/laik/rangelist"
	"github.com/grailbio/laik/space"
	"github.com/grailbio/laik/transition"
	"github.com/pkg/errors"
)

// Data binds a Type and an active (partitioning, flow) pair to a
// process's local memory: zero or more Mappings, one per mapNo of the
// process's current share. A Data is owned exclusively by one process;
// concurrent Switch calls on the same Data are not supported (callers
// needing cross-goroutine access must serialise their own calls — the
// same single-writer assumption the teacher's lulesh-style checkpoint
// code makes about its working set).
type Data struct {
	Name  string
	Type  Type
	Space *space.Space
	Group *group.Group
	Me    int

	allocator Allocator
	backend   backend.Backend

	mu        sync.Mutex
	switching bool
	cur       *partitioning.Partitioning
	flow      transition.Flow
	mappings  map[int]*Mapping
	reserved  []*partitioning.Partitioning
}

// New returns a Data with no active partitioning (flow None, no
// mappings) — the first Switch treats the "from" side as empty.
func New(name string, typ Type, sp *space.Space, g *group.Group, me int, alloc Allocator, be backend.Backend) *Data {
	if alloc == nil {
		alloc = HeapAllocator{}
	}
	return &Data{
		Name: name, Type: typ, Space: sp, Group: g, Me: me,
		allocator: alloc, backend: be,
		mappings: make(map[int]*Mapping),
	}
}

// Reserve registers pt so that any mapping allocated from now on, for a
// mapNo whose required range overlaps one of pt's required ranges for
// this process, is grown to also cover pt's requirement — so a later
// Switch to pt (or back) reuses the buffer instead of allocating.
func (d *Data) Reserve(pt *partitioning.Partitioning) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reserved = append(d.reserved, pt)
}

// Mappings returns the current mapNo -> Mapping bindings. Callers must
// not mutate the returned map.
func (d *Data) Mappings() map[int]*Mapping {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mappings
}

// Switch moves d from its current (partitioning, flow) to (next,
// nextFlow): computes the transition, reuses or allocates mappings,
// executes the action sequence through the backend, applies local
// copies/inits, and releases non-reused old buffers.
func (d *Data) Switch(next *partitioning.Partitioning, nextFlow transition.Flow) error {
	d.mu.Lock()
	if d.switching {
		d.mu.Unlock()
		return errors.Errorf("data %q: concurrent Switch calls are not supported", d.Name)
	}
	d.switching = true
	defer func() {
		d.mu.Lock()
		d.switching = false
		d.mu.Unlock()
	}()
	d.mu.Unlock()

	var fromList *rangelist.List
	if d.cur != nil {
		var err error
		fromList, err = d.cur.Full()
		if err != nil {
			return errors.Wrap(err, "data: switch: from-partitioning")
		}
	}
	toList, err := next.Full()
	if err != nil {
		return errors.Wrap(err, "data: switch: to-partitioning")
	}

	tr := transition.Compute(d.Me, d.Group, d.Space, fromList, d.flow, toList, nextFlow)

	newMappings, reusedOld, err := d.planMappings(toList)
	if err != nil {
		return errors.Wrap(err, "data: switch: allocate mappings")
	}

	seq := action.Lower(tr, d.Me, d.Group.Size(), d.contiguityOf(newMappings))
	seq.Optimize(action.OptimizeOpts{})

	if d.backend != nil {
		if err := d.backend.Prepare(seq); err != nil {
			return errors.Wrap(err, "data: switch: prepare")
		}
		defer d.backend.Cleanup(seq)
		d.mu.Lock()
		oldMappings := d.mappings
		d.mu.Unlock()
		view := &mappingView{old: oldMappings, new: newMappings}
		if err := d.backend.Exec(seq, view, d.Type, d.Type.ElemSize); err != nil {
			return errors.Wrap(err, "data: switch: exec")
		}
	} else {
		// No backend configured: the action sequence (which would
		// otherwise carry the BufInit/BufCopy opcodes for these) is
		// never executed, so apply the purely local part of the
		// transition directly. A Reduce/Send/Recv-bearing transition
		// with no backend leaves those actions undone — by design, a
		// backend is required for anything that crosses a process
		// boundary.
		d.applyLocal(tr, newMappings)
	}

	d.mu.Lock()
	for mapNo, old := range d.mappings {
		if _, reused := reusedOld[mapNo]; !reused {
			d.allocator.Free(old.Buf)
		}
	}
	d.mappings = newMappings
	d.cur = next
	d.flow = nextFlow
	d.mu.Unlock()
	return nil
}

// planMappings computes, for every mapNo this process owns under
// toList, a new Mapping: either reused (buffer donated from an old
// mapping whose allocated range already covers the requirement) or
// freshly allocated. reusedOld is keyed by the OLD mapNo whose buffer
// was donated, so Switch knows which old buffers not to free.
func (d *Data) planMappings(toList *rangelist.List) (map[int]*Mapping, map[int]bool, error) {
	entries := toList.TaskRanges(d.Me)
	byMapNo := make(map[int][]space.Range)
	var order []int
	for _, e := range entries {
		if _, ok := byMapNo[e.MapNo]; !ok {
			order = append(order, e.MapNo)
		}
		byMapNo[e.MapNo] = append(byMapNo[e.MapNo], e.Range)
	}

	newMappings := make(map[int]*Mapping, len(order))
	reusedOld := make(map[int]bool)

	for _, mapNo := range order {
		required := hullAll(byMapNo[mapNo])

		if old := d.findReusable(required, reusedOld); old != nil {
			old.donated = true
			newMappings[mapNo] = &Mapping{MapNo: mapNo, Required: required, Layout: old.Layout, Buf: old.Buf}
			continue
		}

		alloc := d.growForReservations(required)
		buf, err := d.allocator.Alloc(alloc.Size() * d.Type.ElemSize)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "mapNo %d", mapNo)
		}
		newMappings[mapNo] = &Mapping{
			MapNo: mapNo, Required: required,
			Layout: NewLayout(alloc, d.Type.ElemSize),
			Buf:    buf,
		}
	}
	return newMappings, reusedOld, nil
}

// findReusable scans d.mappings for one not yet claimed by this switch
// (tracked in reusedOld) whose allocated range contains required.
func (d *Data) findReusable(required space.Range, reusedOld map[int]bool) *Mapping {
	d.mu.Lock()
	defer d.mu.Unlock()
	for oldMapNo, m := range d.mappings {
		if reusedOld[oldMapNo] || m.donated {
			continue
		}
		if m.covers(required) {
			reusedOld[oldMapNo] = true
			return m
		}
	}
	return nil
}

// growForReservations widens required to also cover any reserved
// partitioning's required range for this process that overlaps it, so a
// future switch to that reserved partitioning can reuse this buffer —
// an approximation of the spec's "smallest covering set" reservation
// algorithm: one hull per overlapping cluster rather than a
// minimum-buffer-count packing, trading a little extra memory for a
// much simpler, still zero-further-allocation-on-reuse scheme.
func (d *Data) growForReservations(required space.Range) space.Range {
	out := required
	for _, pt := range d.reserved {
		list, err := pt.Full()
		if err != nil {
			continue
		}
		for _, e := range list.TaskRanges(d.Me) {
			if e.Range.Intersects(required) {
				out = hull(out, e.Range)
			}
		}
	}
	return out
}

// contiguityOf returns a ContiguityChecker backed by the freshly planned
// mappings.
func (d *Data) contiguityOf(mappings map[int]*Mapping) action.ContiguityChecker {
	return func(mapNo int, r space.Range) bool {
		m := mappings[mapNo]
		if m == nil {
			return false
		}
		return m.Layout.Contiguous(r)
	}
}

// applyLocal executes tr's Local copies and Init fills directly — the
// part of a switch the engine always does itself rather than handing to
// the backend, since both sides of a Local live in this same process.
// Send/Recv/Reduce actions always go through the backend (even a
// single-member reduce group), since only the backend knows how to
// fan a reduction's neutral-element seeding and combine step out across
// whatever transport it runs.
func (d *Data) applyLocal(tr *transition.Transition, newMappings map[int]*Mapping) {
	d.mu.Lock()
	oldMappings := d.mappings
	d.mu.Unlock()

	for _, l := range tr.Local {
		src := oldMappings[l.FromMapNo]
		dst := newMappings[l.ToMapNo]
		if src == nil || dst == nil {
			continue
		}
		packed := src.Layout.Pack(src.Buf, l.Range)
		dst.Layout.Unpack(dst.Buf, l.Range, packed)
	}
	for _, e := range tr.Init {
		dst := newMappings[e.MapNo]
		if dst == nil {
			continue
		}
		if flat, ok := dst.Layout.Slice(dst.Buf, e.Range); ok {
			d.Type.Init(flat, e.Op)
			continue
		}
		tmp := make([]byte, e.Range.Size()*d.Type.ElemSize)
		d.Type.Init(tmp, e.Op)
		dst.Layout.Unpack(dst.Buf, e.Range, tmp)
	}
}

// Migrate moves d onto newGroup, a Group derived from d.Group via Shrink
// or Split: its current partitioning's stored ranges are remapped rather
// than recomputed, and d.Group/d.Me/d.mappings are updated to match. It
// is only legal when the active flow has no CopyOut pending — a process
// about to be dropped by the resize must have already switched its
// writable data elsewhere, since Migrate has no way to ship a
// to-be-removed rank's local buffer anywhere.
func (d *Data) Migrate(newGroup *group.Group) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.switching {
		return errors.Errorf("data %q: migrate: concurrent Switch in progress", d.Name)
	}
	if d.flow.IsWrite() {
		return errors.Errorf("data %q: migrate: active flow still has a pending write; switch to a read-only flow first", d.Name)
	}

	newMe := newGroup.FromParent(d.Me)

	if d.cur != nil {
		migrated, err := d.cur.Migrate(newGroup)
		if err != nil {
			return errors.Wrapf(err, "data %q: migrate", d.Name)
		}
		d.cur = migrated
	}

	if newMe == -1 {
		// This rank was dropped by the resize: its mappings no longer
		// belong to anything, and it is no longer addressable via d.Me.
		for _, m := range d.mappings {
			d.allocator.Free(m.Buf)
		}
		d.mappings = make(map[int]*Mapping)
	}

	d.Group = newGroup
	d.Me = newMe
	return nil
}

func hullAll(ranges []space.Range) space.Range {
	out := ranges[0]
	for _, r := range ranges[1:] {
		out = hull(out, r)
	}
	return out
}

func hull(a, b space.Range) space.Range {
	r := a
	for i := 0; i < a.Dims; i++ {
		if b.From[i] < r.From[i] {
			r.From[i] = b.From[i]
		}
		if b.To[i] > r.To[i] {
			r.To[i] = b.To[i]
		}
	}
	return r
}
