package data

import (
	"testing"

	"github.com/grailbio/laik/group"
	"github.com/grailbio/laik/partitioner"
	"github.com/grailbio/laik/partitioning"
	"github.com/grailbio/laik/rangelist"
	"github.com/grailbio/laik/space"
	"github.com/grailbio/laik/transition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustGroup(t *testing.T, size, me int) *group.Group {
	g, err := group.New(size, me)
	require.NoError(t, err)
	return g
}

func mustSpace(t *testing.T) *space.Space {
	reg := space.NewRegistry()
	sp, err := reg.Create("s", space.NewRange1D(0, 12))
	require.NoError(t, err)
	return sp
}

func blockPartitioning(t *testing.T, name string, sp *space.Space, g *group.Group) *partitioning.Partitioning {
	p := partitioner.Block(partitioner.BlockOpts{Dim: 0})
	return partitioning.New(name, sp, g, p, nil)
}

func masterPartitioning(t *testing.T, name string, sp *space.Space, g *group.Group) *partitioning.Partitioning {
	return partitioning.New(name, sp, g, partitioner.Master(), nil)
}

func TestDataSwitchFromEmptyAllocates(t *testing.T) {
	g := mustGroup(t, 2, 0)
	sp := mustSpace(t)
	d := New("x", Int32Type, sp, g, 0, nil, nil)

	block := blockPartitioning(t, "block", sp, g)
	require.NoError(t, d.Switch(block, transition.Write))

	mappings := d.Mappings()
	require.Len(t, mappings, 1)
	for _, m := range mappings {
		assert.Equal(t, int64(6), m.Layout.Range.Size())
	}
}

func TestDataSwitchToMasterAllocatesFullRange(t *testing.T) {
	g := mustGroup(t, 2, 0)
	sp := mustSpace(t)
	pool := NewPooledAllocator()
	d := New("x", Int32Type, sp, g, 0, pool, nil)

	block := blockPartitioning(t, "block", sp, g)
	require.NoError(t, d.Switch(block, transition.Write))

	for _, m := range d.Mappings() {
		flat, ok := m.Layout.Slice(m.Buf, m.Layout.Range)
		require.True(t, ok)
		Int32Type.Init(flat, transition.OpSum)
		for i := range flat {
			flat[i] = byte(i + 1)
		}
	}

	master := masterPartitioning(t, "master", sp, g)
	require.NoError(t, d.Switch(master, transition.ReduceOutSum))

	mappings := d.Mappings()
	require.Len(t, mappings, 1)
	for _, m := range mappings {
		assert.Equal(t, int64(12), m.Layout.Range.Size())
	}
}

func TestDataReserveGrowsFreshAllocation(t *testing.T) {
	g := mustGroup(t, 2, 0)
	sp := mustSpace(t)
	d := New("x", Int32Type, sp, g, 0, nil, nil)

	small := partitioning.New("small", sp, g, partitioner.Block(partitioner.BlockOpts{Dim: 0}), nil)
	big := partitioning.New("big", sp, g, partitioner.All(), nil)
	d.Reserve(big)

	require.NoError(t, d.Switch(small, transition.Write))
	for _, m := range d.Mappings() {
		assert.Equal(t, int64(6), m.Required.Size())
		assert.Equal(t, int64(12), m.Layout.Range.Size())
	}
}

func TestDataMigrateRejectsPendingWrite(t *testing.T) {
	g := mustGroup(t, 2, 0)
	sp := mustSpace(t)
	d := New("x", Int32Type, sp, g, 0, nil, nil)
	block := blockPartitioning(t, "block", sp, g)
	require.NoError(t, d.Switch(block, transition.Write))

	shrunk := g.Shrink([]int{1})
	err := d.Migrate(shrunk)
	assert.Error(t, err)
}

func TestDataMigrateRemapsRankAndKeepsMappings(t *testing.T) {
	g := mustGroup(t, 3, 0)
	sp := mustSpace(t)
	d := New("x", Int32Type, sp, g, 0, nil, nil)
	// Under master only rank 0 owns data, so rank 1 may be removed.
	master := masterPartitioning(t, "master", sp, g)
	require.NoError(t, d.Switch(master, transition.Write))
	require.NoError(t, d.Switch(master, transition.Read))
	require.Len(t, d.Mappings(), 1)

	shrunk := g.Shrink([]int{1}) // rank 0 keeps rank 0; old rank 2 -> new rank 1
	require.NoError(t, d.Migrate(shrunk))

	assert.Same(t, shrunk, d.Group)
	assert.Equal(t, 0, d.Me)
	assert.Len(t, d.Mappings(), 1)
}

func TestDataMigrateDropsBuffersForRemovedRank(t *testing.T) {
	g := mustGroup(t, 3, 2)
	sp := mustSpace(t)
	d := New("x", Int32Type, sp, g, 2, nil, nil)
	// Rank 2 owns only an empty range: it holds a (zero-size) mapping but
	// no data, so it may be removed.
	emptyOnRank2 := &partitioner.Partitioner{Name: "emptyOnRank2", Run: func(sp *space.Space, g *group.Group, other *rangelist.List, recv partitioner.Receiver) {
		recv.AddRange(0, sp.FullRange(), 0)
		recv.AddRange(2, space.NewRange1D(12, 12), 0)
	}}
	pt := partitioning.New("emptyOnRank2", sp, g, emptyOnRank2, nil)
	require.NoError(t, d.Switch(pt, transition.Write))
	require.NoError(t, d.Switch(pt, transition.Read))
	require.NotEmpty(t, d.Mappings())

	shrunk := g.Shrink([]int{2}) // rank 2 is removed by this very resize
	require.NoError(t, d.Migrate(shrunk))

	assert.Equal(t, -1, d.Me)
	assert.Empty(t, d.Mappings())
}

func TestDataSwitchRejectsConcurrentCalls(t *testing.T) {
	g := mustGroup(t, 1, 0)
	sp := mustSpace(t)
	d := New("x", Int32Type, sp, g, 0, nil, nil)
	d.switching = true
	block := blockPartitioning(t, "block", sp, g)
	err := d.Switch(block, transition.Write)
	assert.Error(t, err)
}
