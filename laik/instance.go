// Package laik wires a process's space registry, process group, backend,
// and environment-derived configuration into the single runtime handle
// an application holds: an Instance. Partitionings and Datas created
// against an Instance are tracked in dense integer-id arenas (spec.md
// §9's redesign note for "heavy pointer graphs with back-references")
// rather than left solely in the caller's hands, so a resize can find
// and remap every live entity the instance knows about.
package laik

import (
	"context"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/laik/backend"
	"github.com/grailbio/laik/data"
	"github.com/grailbio/laik/group"
	"github.com/grailbio/laik/kvstore"
	"github.com/grailbio/laik/laikcfg"
	"github.com/grailbio/laik/partitioning"
	"github.com/grailbio/laik/space"
	"github.com/pkg/errors"
)

// ErrorHandler decides what happens when the backend reports a peer
// failure during Exec. The default, PanicOnPeerFailure, treats it as
// the fatal condition spec.md §7 describes; an application-supplied
// handler may instead record the faulty ranks and request a Resize on
// its own schedule.
type ErrorHandler func(inst *Instance, failedRanks []int, cause error)

// PanicOnPeerFailure is the default ErrorHandler.
func PanicOnPeerFailure(inst *Instance, failedRanks []int, cause error) {
	log.Panicf("laik: peer failure on ranks %v: %v", failedRanks, cause)
}

// Instance is the per-process runtime handle: a space registry, the
// current world group, a backend, a kv-store for collective sync, and
// the id-keyed arenas of Partitionings and Datas created against this
// world. The zero value is not valid; use New.
type Instance struct {
	Config laikcfg.Config
	Spaces *space.Registry

	mu         sync.Mutex
	world      *group.Group
	be         backend.Backend
	store      kvstore.Store
	errHandler ErrorHandler

	nextPartitioningID int
	partitionings      map[int]*partitioning.Partitioning

	nextDataID int
	datas      map[int]*data.Data
}

// New returns an Instance for a world of the given size and this
// process's rank, bound to be and cfg. store backs the space registry's
// collective sync — backend/single callers pass kvstore.NewMemStore(),
// the pairing kvstore.MemStore's own doc comment names as its intended
// use.
func New(size, me int, be backend.Backend, store kvstore.Store, cfg laikcfg.Config) (*Instance, error) {
	g, err := group.New(size, me)
	if err != nil {
		return nil, errors.Wrap(err, "laik: new instance")
	}
	return &Instance{
		Config:        cfg,
		Spaces:        space.NewRegistry(),
		world:         g,
		be:            be,
		store:         store,
		errHandler:    PanicOnPeerFailure,
		partitionings: make(map[int]*partitioning.Partitioning),
		datas:         make(map[int]*data.Data),
	}, nil
}

// World returns the instance's current process group.
func (inst *Instance) World() *group.Group {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.world
}

// Backend returns the instance's configured backend, or nil.
func (inst *Instance) Backend() backend.Backend {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.be
}

// SetErrorHandler installs the handler invoked by ReportPeerFailure.
// Passing nil restores PanicOnPeerFailure.
func (inst *Instance) SetErrorHandler(h ErrorHandler) {
	if h == nil {
		h = PanicOnPeerFailure
	}
	inst.mu.Lock()
	inst.errHandler = h
	inst.mu.Unlock()
}

// ReportPeerFailure invokes the installed ErrorHandler. A backend's Exec
// implementation (or a caller driving one directly) calls this when it
// detects that one or more ranks have become unreachable.
func (inst *Instance) ReportPeerFailure(failedRanks []int, cause error) {
	inst.mu.Lock()
	h := inst.errHandler
	inst.mu.Unlock()
	h(inst, failedRanks, cause)
}

// Sync runs the collective key/value exchange over the instance's store,
// the collective barrier spec.md §5 requires every process to call the
// same number of times. With a backend configured it calls only the
// backend's Sync, which does not publish or merge the space registry;
// without one it runs the space registry's own Sync against the store.
func (inst *Instance) Sync(ctx context.Context) error {
	inst.mu.Lock()
	be, store := inst.be, inst.store
	inst.mu.Unlock()
	if be != nil {
		return be.Sync(ctx, store)
	}
	return inst.Spaces.Sync(ctx, store)
}

// AddPartitioning registers pt under a freshly assigned dense id and
// returns that id.
func (inst *Instance) AddPartitioning(pt *partitioning.Partitioning) int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	id := inst.nextPartitioningID
	inst.nextPartitioningID++
	inst.partitionings[id] = pt
	return id
}

// Partitioning returns the Partitioning registered under id, or nil if
// none is.
func (inst *Instance) Partitioning(id int) *partitioning.Partitioning {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.partitionings[id]
}

// AddData registers d under a freshly assigned dense id and returns that
// id.
func (inst *Instance) AddData(d *data.Data) int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	id := inst.nextDataID
	inst.nextDataID++
	inst.datas[id] = d
	return id
}

// Data returns the Data registered under id, or nil if none is.
func (inst *Instance) Data(id int) *data.Data {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.datas[id]
}

// Resize derives a new group from the current world by removing
// removedRanks (spec.md §4.5's shrink path — admitting new processes
// needs a backend capable of discovering them, which this engine's only
// shipped backend, backend/single, cannot do: its rank count is fixed at
// construction). An empty removedRanks is not an error: per spec.md §7
// ("resize with no pending join/leave"), the instance returns its
// current world unchanged.
func (inst *Instance) Resize(removedRanks []int) (*group.Group, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if len(removedRanks) == 0 {
		return inst.world, nil
	}
	newGroup := inst.world.Shrink(removedRanks)
	if inst.be != nil {
		if err := inst.be.UpdateGroup(newGroup); err != nil {
			return nil, errors.Wrap(err, "laik: resize")
		}
	}
	inst.world = newGroup
	return newGroup, nil
}

// MigratePartitioning moves the Partitioning registered under ptID onto
// newGroup (spec.md §4.5's migrate(partitioning, new_group)); see
// partitioning.Partitioning.Migrate.
func (inst *Instance) MigratePartitioning(ptID int, newGroup *group.Group) error {
	inst.mu.Lock()
	pt, ok := inst.partitionings[ptID]
	inst.mu.Unlock()
	if !ok {
		return errors.Errorf("laik: migrate partitioning: no partitioning registered under id %d", ptID)
	}
	migrated, err := pt.Migrate(newGroup)
	if err != nil {
		return errors.Wrap(err, "laik: migrate partitioning")
	}
	inst.mu.Lock()
	inst.partitionings[ptID] = migrated
	inst.mu.Unlock()
	return nil
}

// MigrateData moves the Data registered under dataID onto newGroup
// (spec.md §4.5's migrate(data, new_group)); see data.Data.Migrate.
func (inst *Instance) MigrateData(dataID int, newGroup *group.Group) error {
	inst.mu.Lock()
	d, ok := inst.datas[dataID]
	inst.mu.Unlock()
	if !ok {
		return errors.Errorf("laik: migrate data: no data registered under id %d", dataID)
	}
	if err := d.Migrate(newGroup); err != nil {
		return errors.Wrap(err, "laik: migrate data")
	}
	return nil
}

// Finalize releases the backend's process-wide resources. After
// Finalize returns, the Instance must not be used again.
func (inst *Instance) Finalize() error {
	inst.mu.Lock()
	be := inst.be
	inst.mu.Unlock()
	if be == nil {
		return nil
	}
	return be.Finalize()
}
